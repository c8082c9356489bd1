// Package metrics keeps process-local pipeline counters and exposes them as
// JSON on the ops server.
package metrics

import (
	"net/http"
	"sync/atomic"

	"github.com/labstack/echo/v4"
)

// Collector counts broker and notification activity for one process.
type Collector struct {
	published     atomic.Int64
	publishErrors atomic.Int64
	received      atomic.Int64
	acked         atomic.Int64
	requeued      atomic.Int64
	deadLettered  atomic.Int64
	created       atomic.Int64
	sent          atomic.Int64
	failed        atomic.Int64
	placeholders  atomic.Int64
	manualRetries atomic.Int64
}

func New() *Collector {
	return &Collector{}
}

func (c *Collector) IncPublished()    { c.published.Add(1) }
func (c *Collector) IncPublishError() { c.publishErrors.Add(1) }
func (c *Collector) IncReceived()     { c.received.Add(1) }
func (c *Collector) IncAcked()        { c.acked.Add(1) }
func (c *Collector) IncRequeued()     { c.requeued.Add(1) }
func (c *Collector) IncDeadLettered() { c.deadLettered.Add(1) }
func (c *Collector) IncCreated()      { c.created.Add(1) }
func (c *Collector) IncSent()         { c.sent.Add(1) }
func (c *Collector) IncFailed()       { c.failed.Add(1) }
func (c *Collector) IncPlaceholder()  { c.placeholders.Add(1) }
func (c *Collector) IncManualRetry()  { c.manualRetries.Add(1) }

// Snapshot is a point-in-time copy of every counter.
type Snapshot struct {
	Published     int64 `json:"published"`
	PublishErrors int64 `json:"publish_errors"`
	Received      int64 `json:"received"`
	Acked         int64 `json:"acked"`
	Requeued      int64 `json:"requeued"`
	DeadLettered  int64 `json:"dead_lettered"`
	Created       int64 `json:"notifications_created"`
	Sent          int64 `json:"notifications_sent"`
	Failed        int64 `json:"notifications_failed"`
	Placeholders  int64 `json:"placeholder_recipients"`
	ManualRetries int64 `json:"manual_retries"`
}

func (c *Collector) Snapshot() Snapshot {
	return Snapshot{
		Published:     c.published.Load(),
		PublishErrors: c.publishErrors.Load(),
		Received:      c.received.Load(),
		Acked:         c.acked.Load(),
		Requeued:      c.requeued.Load(),
		DeadLettered:  c.deadLettered.Load(),
		Created:       c.created.Load(),
		Sent:          c.sent.Load(),
		Failed:        c.failed.Load(),
		Placeholders:  c.placeholders.Load(),
		ManualRetries: c.manualRetries.Load(),
	}
}

// Handler serves the current snapshot.
func (c *Collector) Handler() echo.HandlerFunc {
	return func(ctx echo.Context) error {
		return ctx.JSON(http.StatusOK, c.Snapshot())
	}
}
