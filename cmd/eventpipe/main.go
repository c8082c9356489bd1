package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/eventpipe/internal/config"
	"github.com/ehr/eventpipe/internal/domain/contact"
	"github.com/ehr/eventpipe/internal/domain/events"
	"github.com/ehr/eventpipe/internal/domain/notification"
	"github.com/ehr/eventpipe/internal/platform/broker"
	"github.com/ehr/eventpipe/internal/platform/channel"
	"github.com/ehr/eventpipe/internal/platform/db"
	"github.com/ehr/eventpipe/internal/platform/metrics"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "eventpipe",
		Short:         "Hospital event pipeline: publishes domain events and turns them into patient notifications",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(consumeCmd())
	rootCmd.AddCommand(publishCmd())
	rootCmd.AddCommand(topologyCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(notificationsCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// newLogger builds the process logger. Development gets the console writer.
func newLogger(cfg *config.Config, out io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	if cfg.IsDev() {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

// loadConfig loads and validates configuration and builds the logger every
// subcommand starts from.
func loadConfig() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	if err := cfg.Validate(); err != nil {
		return nil, zerolog.Nop(), err
	}
	logger := newLogger(cfg, os.Stdout)
	if cfg.IsDev() {
		logger.Warn().Msg("ENV=development: the query API accepts every request as admin")
	}
	return cfg, logger, nil
}

func openPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	return db.NewPool(ctx, db.PoolConfig{
		URL:      cfg.DatabaseURL,
		MaxConns: cfg.DBMaxConns,
		MinConns: cfg.DBMinConns,
	})
}

func dialBroker(ctx context.Context, cfg *config.Config, name string, logger zerolog.Logger) (*broker.Connection, error) {
	return broker.Dial(ctx, broker.DialConfig{
		URL:            cfg.RabbitMQURL,
		Attempts:       cfg.BrokerDialAttempts,
		ConnectionName: name,
	}, logger)
}

// brokerTopology is the event topology with every queue declared as kind.
// Quorum queues carry x-delivery-count, which MAX_DELIVERIES relies on.
func brokerTopology(kind string) broker.Topology {
	return events.Topology().WithQueueType(kind)
}

// contactDirectory returns the patient directory, fronted by redis when
// REDIS_URL is set. The returned func releases the redis client.
func contactDirectory(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool, logger zerolog.Logger) (contact.Lookup, func(), error) {
	dir := contact.NewDirectoryPG(pool)
	if cfg.RedisURL == "" {
		return dir, func() {}, nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		// Lookups fall through to the directory while redis is down.
		logger.Warn().Err(err).Msg("redis unreachable, contact cache will miss")
	}
	closeFn := func() { _ = rdb.Close() }
	return contact.NewCachedLookup(dir, rdb, cfg.ContactCacheTTL, logger), closeFn, nil
}

// channelRegistry registers every transport; unconfigured ones report
// unavailable and fail their sends.
func channelRegistry(ctx context.Context, cfg *config.Config, logger zerolog.Logger) *channel.Registry {
	email := channel.NewEmail(channel.EmailConfig{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
	}, logger)
	sms := channel.NewSMS(channel.SMSConfig{
		APIURL: cfg.SMSAPIURL,
		APIKey: cfg.SMSAPIKey,
		Sender: cfg.SMSSender,
	}, logger)

	var fcm channel.FCMSender
	if cfg.FCMCredentialsFile != "" {
		client, err := channel.NewFCMClient(ctx, cfg.FCMCredentialsFile)
		if err != nil {
			logger.Error().Err(err).Msg("push channel disabled")
		} else {
			fcm = client
		}
	}
	push := channel.NewPush(fcm, logger)

	reg := channel.NewRegistry(email, sms, push)
	for _, name := range reg.Names() {
		ch, _ := reg.Get(name)
		logger.Info().Str("channel", name).Bool("available", ch.IsAvailable()).Msg("delivery channel registered")
	}
	return reg
}

// notificationProcessor wires the materializer, store and channels into a
// Processor.
func notificationProcessor(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool, m *metrics.Collector, logger zerolog.Logger) (*notification.Processor, notification.Repository, func(), error) {
	contacts, closeContacts, err := contactDirectory(ctx, cfg, pool, logger)
	if err != nil {
		return nil, nil, nil, err
	}
	repo := notification.NewRepoPG(pool)
	mat := notification.NewMaterializer(contacts, notification.NewTemplateEngine(), logger, m)
	proc, err := notification.NewProcessor(mat, repo, channelRegistry(ctx, cfg, logger), notification.ProcessorConfig{
		Channels:    cfg.NotifyChannels,
		SendTimeout: cfg.SendTimeout,
	}, logger, m)
	if err != nil {
		closeContacts()
		return nil, nil, nil, err
	}
	return proc, repo, closeContacts, nil
}
