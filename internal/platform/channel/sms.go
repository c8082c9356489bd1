package channel

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/rs/zerolog"
)

// SMSConfig points at an HTTP SMS gateway.
type SMSConfig struct {
	APIURL string
	APIKey string
	Sender string
}

// SMS posts messages to an HTTP gateway that accepts
// {"to","from","body"} with a bearer API key.
type SMS struct {
	cfg    SMSConfig
	client *http.Client
	logger zerolog.Logger
}

func NewSMS(cfg SMSConfig, logger zerolog.Logger) *SMS {
	return &SMS{
		cfg:    cfg,
		client: &http.Client{Timeout: 15 * time.Second},
		logger: logger.With().Str("channel", TypeSMS).Logger(),
	}
}

func (s *SMS) ChannelType() string { return TypeSMS }

func (s *SMS) IsAvailable() bool { return s.cfg.APIURL != "" && s.cfg.APIKey != "" }

type smsRequest struct {
	To   string `json:"to"`
	From string `json:"from"`
	Body string `json:"body"`
}

func (s *SMS) Send(ctx context.Context, msg Message) error {
	if !strings.HasPrefix(msg.Recipient, "+") {
		return fmt.Errorf("%w: phone number %q is not E.164", ErrNotDelivered, msg.Recipient)
	}
	payload, err := sonic.Marshal(smsRequest{
		To:   msg.Recipient,
		From: s.cfg.Sender,
		Body: msg.Subject + ": " + msg.Content,
	})
	if err != nil {
		return fmt.Errorf("encode sms request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.APIURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build sms request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.cfg.APIKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("sms gateway: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: sms gateway returned %d: %s", ErrNotDelivered, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	s.logger.Debug().Str("recipient", msg.Recipient).Msg("sms sent")
	return nil
}
