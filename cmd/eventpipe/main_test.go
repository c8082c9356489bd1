package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/eventpipe/internal/config"
	"github.com/ehr/eventpipe/internal/domain/events"
	"github.com/ehr/eventpipe/internal/domain/notification"
	"github.com/ehr/eventpipe/internal/platform/broker"
	"github.com/ehr/eventpipe/internal/platform/channel"
	"github.com/ehr/eventpipe/internal/platform/db"
)

// ---------------------------------------------------------------------------
// logger
// ---------------------------------------------------------------------------

func TestNewLogger_Level(t *testing.T) {
	tests := []struct {
		level string
		want  zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"WARN", zerolog.WarnLevel},
		{"", zerolog.InfoLevel},
		{"verbose", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		cfg := &config.Config{Env: "production", LogLevel: tt.level}
		if got := newLogger(cfg, &bytes.Buffer{}).GetLevel(); got != tt.want {
			t.Errorf("newLogger(%q) level = %v, want %v", tt.level, got, tt.want)
		}
	}
}

func TestNewLogger_ProductionWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&config.Config{Env: "production", LogLevel: "info"}, &buf)
	logger.Info().Str("queue", "billing.notifications").Msg("consuming")
	if !strings.HasPrefix(buf.String(), "{") || !strings.Contains(buf.String(), `"queue":"billing.notifications"`) {
		t.Errorf("log line = %s", buf.String())
	}
}

// ---------------------------------------------------------------------------
// queues and topology
// ---------------------------------------------------------------------------

func TestSelectQueues(t *testing.T) {
	got, err := selectQueues([]string{events.QueueBillingNotifications, events.QueueBillingNotifications})
	if err != nil {
		t.Fatalf("selectQueues: %v", err)
	}
	if len(got) != 1 || got[0] != events.QueueBillingNotifications {
		t.Errorf("queues = %v", got)
	}

	if _, err := selectQueues([]string{"billing.notifications.dlq.typo"}); err == nil {
		t.Error("expected error for undeclared queue")
	}
	if _, err := selectQueues(nil); err == nil {
		t.Error("expected error for empty queue list")
	}
}

func TestBrokerTopology_SetsQueueType(t *testing.T) {
	for _, kind := range []string{broker.QueueQuorum, broker.QueueClassic} {
		topo := brokerTopology(kind)
		if len(topo.Queues) != len(events.Topology().Queues) {
			t.Fatalf("queues = %d, want %d", len(topo.Queues), len(events.Topology().Queues))
		}
		for _, q := range topo.Queues {
			if q.Type != kind {
				t.Errorf("queue %s type = %q, want %q", q.Name, q.Type, kind)
			}
		}
	}
}

func TestPrintTopology(t *testing.T) {
	var buf bytes.Buffer
	printTopology(&buf, brokerTopology(broker.QueueQuorum))
	out := buf.String()
	for _, want := range []string{
		"quorum",
		"hospital.events",
		"billing.events.dlx",
		"appointment.notifications.dlq",
		"appointment.created",
		"refund.processed",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("topology output missing %q", want)
		}
	}
}

// ---------------------------------------------------------------------------
// publish body
// ---------------------------------------------------------------------------

func TestReadBody(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "event.json")
	if err := os.WriteFile(path, []byte(`{"billingId":1}`), 0o644); err != nil {
		t.Fatal(err)
	}

	if b, err := readBody(`{"a":1}`, "", nil); err != nil || string(b) != `{"a":1}` {
		t.Errorf("data: %q, %v", b, err)
	}
	if b, err := readBody("", path, nil); err != nil || string(b) != `{"billingId":1}` {
		t.Errorf("file: %q, %v", b, err)
	}
	if b, err := readBody("", "-", strings.NewReader("stdin-body")); err != nil || string(b) != "stdin-body" {
		t.Errorf("stdin: %q, %v", b, err)
	}
	if _, err := readBody("x", path, nil); err == nil {
		t.Error("expected error for --data with --file")
	}
	if _, err := readBody("", "", nil); err == nil {
		t.Error("expected error for missing body")
	}
}

func TestPublishCmd_RejectsBeforeConnecting(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"unknown routing key", []string{"appointment.rescheduled", "--data", `{"appointmentId":1,"patientId":1}`}},
		{"malformed body", []string{"payment.failed", "--data", `{"billingId":`}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := publishCmd()
			cmd.SetArgs(tt.args)
			cmd.SetOut(&bytes.Buffer{})
			cmd.SetErr(&bytes.Buffer{})
			if err := cmd.Execute(); err == nil {
				t.Error("expected error")
			}
		})
	}
}

// ---------------------------------------------------------------------------
// channel registry
// ---------------------------------------------------------------------------

func TestChannelRegistry_Unconfigured(t *testing.T) {
	reg := channelRegistry(context.Background(), &config.Config{}, zerolog.Nop())
	for _, name := range []string{channel.TypeEmail, channel.TypeSMS, channel.TypePush} {
		ch, err := reg.Get(name)
		if err != nil {
			t.Fatalf("Get(%s): %v", name, err)
		}
		if ch.IsAvailable() {
			t.Errorf("%s available without configuration", name)
		}
	}
}

func TestChannelRegistry_Configured(t *testing.T) {
	cfg := &config.Config{
		SMTPHost:  "smtp.example.com",
		SMTPPort:  587,
		SMTPFrom:  "noreply@example.com",
		SMSAPIURL: "https://sms.example.com/send",
		SMSAPIKey: "key",
	}
	reg := channelRegistry(context.Background(), cfg, zerolog.Nop())
	for _, name := range []string{channel.TypeEmail, channel.TypeSMS} {
		ch, _ := reg.Get(name)
		if !ch.IsAvailable() {
			t.Errorf("%s unavailable with configuration", name)
		}
	}
}

// ---------------------------------------------------------------------------
// health
// ---------------------------------------------------------------------------

type fixedState broker.State

func (s fixedState) State() broker.State { return broker.State(s) }

func TestConsumerHealth(t *testing.T) {
	tests := []struct {
		name   string
		states map[string]stateReporter
		want   int
	}{
		{"all consuming", map[string]stateReporter{
			"appointment.notifications": fixedState(broker.StateConsuming),
			"billing.notifications":     fixedState(broker.StateProcessing),
		}, http.StatusOK},
		{"one disconnected", map[string]stateReporter{
			"appointment.notifications": fixedState(broker.StateConsuming),
			"billing.notifications":     fixedState(broker.StateDisconnected),
		}, http.StatusServiceUnavailable},
		{"not yet subscribed", map[string]stateReporter{
			"billing.notifications": fixedState(broker.StateIdle),
		}, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			rec := httptest.NewRecorder()
			c := e.NewContext(httptest.NewRequest(http.MethodGet, "/health", nil), rec)
			if err := consumerHealth(tt.states)(c); err != nil {
				t.Fatalf("handler: %v", err)
			}
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
			if !strings.Contains(rec.Body.String(), `"consumers"`) {
				t.Errorf("body = %s", rec.Body.String())
			}
		})
	}
}

// ---------------------------------------------------------------------------
// printers
// ---------------------------------------------------------------------------

func TestPrintMigrations(t *testing.T) {
	at := time.Date(2025, 2, 20, 9, 0, 0, 0, time.UTC)
	var buf bytes.Buffer
	printMigrations(&buf, []db.MigrationStatus{
		{Version: 1, Name: "notifications", Applied: true, AppliedAt: &at},
		{Version: 2, Name: "patient_contact"},
	})
	out := buf.String()
	if !strings.Contains(out, "2025-02-20 09:00:00") || !strings.Contains(out, "pending") {
		t.Errorf("output = %s", out)
	}
}

func TestPrintNotifications(t *testing.T) {
	n := &notification.Notification{
		ID:          uuid.MustParse("6f1c2a52-5f55-4a57-9d2b-1f0f3c9d8e11"),
		UserID:      "1",
		EventType:   "payment.failed",
		ChannelType: channel.TypeEmail,
		Status:      notification.StatusFailed,
		RetryCount:  2,
		CreatedAt:   time.Date(2025, 2, 20, 9, 30, 0, 0, time.UTC),
	}
	var buf bytes.Buffer
	printNotifications(&buf, []*notification.Notification{n}, 7)
	out := buf.String()
	for _, want := range []string{"6f1c2a52", "payment.failed", "Failed", "2025-02-20T09:30:00Z", "1 of 7"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestPrintCounts_Sorted(t *testing.T) {
	var buf bytes.Buffer
	printCounts(&buf, map[notification.Status]int{
		notification.StatusSent:    10,
		notification.StatusFailed:  2,
		notification.StatusPending: 1,
	})
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 || !strings.HasPrefix(lines[0], "Failed") || !strings.HasPrefix(lines[2], "Sent") {
		t.Errorf("lines = %q", lines)
	}
}
