package channel

import (
	"bytes"
	"context"
	"fmt"
	"mime"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// EmailConfig holds SMTP settings.
type EmailConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

type sendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Email delivers over SMTP.
type Email struct {
	cfg      EmailConfig
	sendMail sendMailFunc
	logger   zerolog.Logger
	now      func() time.Time
}

func NewEmail(cfg EmailConfig, logger zerolog.Logger) *Email {
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	return &Email{
		cfg:      cfg,
		sendMail: smtp.SendMail,
		logger:   logger.With().Str("channel", TypeEmail).Logger(),
		now:      time.Now,
	}
}

func (e *Email) ChannelType() string { return TypeEmail }

func (e *Email) IsAvailable() bool { return e.cfg.Host != "" && e.cfg.From != "" }

func (e *Email) Send(ctx context.Context, msg Message) error {
	if !strings.Contains(msg.Recipient, "@") {
		return fmt.Errorf("%w: invalid email address %q", ErrNotDelivered, msg.Recipient)
	}
	// .invalid is reserved and never resolves; placeholder recipients use it.
	if strings.HasSuffix(strings.ToLower(msg.Recipient), ".invalid") {
		return fmt.Errorf("%w: placeholder recipient %q", ErrNotDelivered, msg.Recipient)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	var auth smtp.Auth
	if e.cfg.Username != "" {
		auth = smtp.PlainAuth("", e.cfg.Username, e.cfg.Password, e.cfg.Host)
	}
	addr := net.JoinHostPort(e.cfg.Host, strconv.Itoa(e.cfg.Port))
	if err := e.sendMail(addr, auth, e.cfg.From, []string{msg.Recipient}, e.compose(msg)); err != nil {
		return fmt.Errorf("smtp send to %s: %w", msg.Recipient, err)
	}
	e.logger.Debug().Str("recipient", msg.Recipient).Msg("email sent")
	return nil
}

func (e *Email) compose(msg Message) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "From: %s\r\n", e.cfg.From)
	fmt.Fprintf(&b, "To: %s\r\n", msg.Recipient)
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", msg.Subject))
	fmt.Fprintf(&b, "Date: %s\r\n", e.now().UTC().Format(time.RFC1123Z))
	fmt.Fprintf(&b, "Message-ID: <%s@eventpipe>\r\n", uuid.NewString())
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(msg.Content, "\n", "\r\n"))
	b.WriteString("\r\n")
	return b.Bytes()
}
