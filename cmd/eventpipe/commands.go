package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ehr/eventpipe/internal/domain/events"
	"github.com/ehr/eventpipe/internal/domain/notification"
	"github.com/ehr/eventpipe/internal/platform/broker"
	"github.com/ehr/eventpipe/internal/platform/db"
	"github.com/ehr/eventpipe/internal/platform/metrics"
)

func publishCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "publish <routing-key>",
		Short: "Publish one event, e.g. publish appointment.created --data '{...}'",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, _ := cmd.Flags().GetString("data")
			file, _ := cmd.Flags().GetString("file")
			body, err := readBody(data, file, cmd.InOrStdin())
			if err != nil {
				return err
			}
			// Decode first so a bad key or body never reaches the broker.
			e, err := events.Decode(args[0], body)
			if err != nil {
				return err
			}

			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			conn, err := dialBroker(ctx, cfg, "eventpipe-publish", logger)
			if err != nil {
				return err
			}
			defer conn.Close()
			ch, err := conn.Channel()
			if err != nil {
				return err
			}
			pub, err := broker.NewPublisher(ch, brokerTopology(cfg.QueueType), logger,
				broker.WithAppID("eventpipe-cli"),
				broker.WithPublisherMetrics(metrics.New()),
			)
			if err != nil {
				return err
			}
			defer pub.Close()

			if err := events.NewPublisher(pub).Publish(ctx, e); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "published %s to %s (%s %d)\n",
				e.Kind().RoutingKey(), e.Kind().Exchange(), e.Kind(), e.SubjectID())
			return nil
		},
	}
	cmd.Flags().String("data", "", "Event body as JSON")
	cmd.Flags().String("file", "", "Read the event body from a file, - for stdin")
	return cmd
}

func readBody(data, file string, stdin io.Reader) ([]byte, error) {
	switch {
	case data != "" && file != "":
		return nil, fmt.Errorf("use either --data or --file, not both")
	case data != "":
		return []byte(data), nil
	case file == "-":
		return io.ReadAll(stdin)
	case file != "":
		return os.ReadFile(file)
	}
	return nil, fmt.Errorf("an event body is required (--data or --file)")
}

func topologyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "topology",
		Short: "Inspect or declare the broker topology",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "declare",
		Short: "Declare exchanges, queues and bindings",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := context.Background()
			conn, err := dialBroker(ctx, cfg, "eventpipe-topology", logger)
			if err != nil {
				return err
			}
			defer conn.Close()
			ch, err := conn.Channel()
			if err != nil {
				return err
			}
			defer ch.Close()
			topo := brokerTopology(cfg.QueueType)
			if err := topo.Declare(ch); err != nil {
				return err
			}
			printTopology(cmd.OutOrStdout(), topo)
			return nil
		},
	})

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the topology without connecting",
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, _ := cmd.Flags().GetString("queue-type")
			printTopology(cmd.OutOrStdout(), brokerTopology(kind))
			return nil
		},
	}
	show.Flags().String("queue-type", broker.QueueQuorum, "Queue type to show (quorum or classic)")
	cmd.AddCommand(show)
	return cmd
}

func printTopology(w io.Writer, t broker.Topology) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "EXCHANGE\tKIND")
	for _, ex := range t.Exchanges {
		fmt.Fprintf(tw, "%s\t%s\n", ex.Name, ex.Kind)
	}
	fmt.Fprintln(tw, "\nQUEUE\tTYPE\tDEAD LETTER")
	for _, q := range t.Queues {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", q.Name, q.Type, q.DeadLetterExchange)
	}
	fmt.Fprintln(tw, "\nBINDING\tROUTING KEY")
	for _, b := range t.Bindings {
		fmt.Fprintf(tw, "%s -> %s\t%s\n", b.Exchange, b.Queue, b.RoutingKey)
	}
	tw.Flush()
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	withMigrator := func(cmd *cobra.Command, fn func(ctx context.Context, m *db.Migrator) error) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		dir, _ := cmd.Flags().GetString("dir")
		if dir == "" {
			dir = cfg.MigrationsDir
		}
		ctx := context.Background()
		pool, err := openPool(ctx, cfg)
		if err != nil {
			return err
		}
		defer pool.Close()
		return fn(ctx, db.NewMigrator(pool, dir, logger))
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, func(ctx context.Context, m *db.Migrator) error {
				n, err := m.Up(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s).\n", n)
				return nil
			})
		},
	}
	upCmd.Flags().String("dir", "", "Path to migrations directory (default MIGRATIONS_DIR)")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, func(ctx context.Context, m *db.Migrator) error {
				statuses, err := m.Status(ctx)
				if err != nil {
					return fmt.Errorf("migration status: %w", err)
				}
				printMigrations(cmd.OutOrStdout(), statuses)
				return nil
			})
		},
	}
	statusCmd.Flags().String("dir", "", "Path to migrations directory (default MIGRATIONS_DIR)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func printMigrations(w io.Writer, statuses []db.MigrationStatus) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "VERSION\tNAME\tSTATUS\tAPPLIED AT")
	for _, s := range statuses {
		status, appliedAt := "pending", ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", s.Version, s.Name, status, appliedAt)
	}
	tw.Flush()
}

func notificationsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "notifications",
		Short: "Inspect and redeliver notifications",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List notifications, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			user, _ := cmd.Flags().GetString("user")
			status, _ := cmd.Flags().GetString("status")
			limit, _ := cmd.Flags().GetInt("limit")
			offset, _ := cmd.Flags().GetInt("offset")

			f := notification.ListFilter{UserID: user, Status: notification.Status(status), Limit: limit, Offset: offset}
			if f.Status != "" && !f.Status.Valid() {
				return fmt.Errorf("unknown status %q", status)
			}

			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := context.Background()
			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			ns, total, err := notification.NewRepoPG(pool).List(ctx, f)
			if err != nil {
				return err
			}
			printNotifications(cmd.OutOrStdout(), ns, total)
			return nil
		},
	}
	listCmd.Flags().String("user", "", "Only this user id")
	listCmd.Flags().String("status", "", "Pending, Sent or Failed")
	listCmd.Flags().Int("limit", 20, "Page size")
	listCmd.Flags().Int("offset", 0, "Rows to skip")
	cmd.AddCommand(listCmd)

	retryCmd := &cobra.Command{
		Use:   "retry",
		Short: "Re-send Failed notifications through their original channel",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			maxRetries, _ := cmd.Flags().GetInt("max-retries")

			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			proc, _, closeContacts, err := notificationProcessor(ctx, cfg, pool, metrics.New(), logger)
			if err != nil {
				return err
			}
			defer closeContacts()

			start := time.Now()
			res, err := proc.RetryFailed(ctx, maxRetries, limit)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "claimed %d, sent %d, failed %d in %s\n",
				res.Claimed, res.Sent, res.Failed, time.Since(start).Round(time.Millisecond))
			return nil
		},
	}
	retryCmd.Flags().Int("limit", 100, "Maximum notifications to claim")
	retryCmd.Flags().Int("max-retries", 5, "Skip notifications already retried this many times")
	cmd.AddCommand(retryCmd)

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Count notifications by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := context.Background()
			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			counts, err := notification.NewRepoPG(pool).CountByStatus(ctx)
			if err != nil {
				return err
			}
			printCounts(cmd.OutOrStdout(), counts)
			return nil
		},
	}
	cmd.AddCommand(statsCmd)

	return cmd
}

func printNotifications(w io.Writer, ns []*notification.Notification, total int) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tUSER\tEVENT\tCHANNEL\tSTATUS\tRETRIES\tCREATED")
	for _, n := range ns {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			n.ID, n.UserID, n.EventType, n.ChannelType, n.Status, n.RetryCount,
			n.CreatedAt.UTC().Format(time.RFC3339))
	}
	tw.Flush()
	fmt.Fprintf(w, "%d of %d\n", len(ns), total)
}

func printCounts(w io.Writer, counts map[notification.Status]int) {
	statuses := make([]string, 0, len(counts))
	for s := range counts {
		statuses = append(statuses, string(s))
	}
	sort.Strings(statuses)
	for _, s := range statuses {
		fmt.Fprintf(w, "%-8s %d\n", s, counts[notification.Status(s)])
	}
}
