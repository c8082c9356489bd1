package notification

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/eventpipe/internal/domain/contact"
	"github.com/ehr/eventpipe/internal/platform/channel"
	"github.com/ehr/eventpipe/internal/platform/metrics"
)

// memRepo is an in-memory Repository. Stored values are copies so tests
// observe only what was persisted.
type memRepo struct {
	mu        sync.Mutex
	items     map[uuid.UUID]Notification
	createErr error
	updateErr error
	creates   int
	inTx      bool
}

func newMemRepo() *memRepo { return &memRepo{items: make(map[uuid.UUID]Notification)} }

func (r *memRepo) Create(_ context.Context, ns ...*Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.createErr != nil {
		return r.createErr
	}
	r.creates++
	for _, n := range ns {
		r.items[n.ID] = *n
	}
	return nil
}

func (r *memRepo) GetByID(_ context.Context, id uuid.UUID) (*Notification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &n, nil
}

func (r *memRepo) UpdateDelivery(_ context.Context, n *Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.updateErr != nil {
		return r.updateErr
	}
	cur, ok := r.items[n.ID]
	if !ok {
		return ErrNotFound
	}
	cur.Status, cur.SentAt, cur.ErrorMessage, cur.RetryCount = n.Status, n.SentAt, n.ErrorMessage, n.RetryCount
	r.items[n.ID] = cur
	return nil
}

func (r *memRepo) MarkRead(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.items[id]
	if !ok {
		return ErrNotFound
	}
	cur.IsRead = true
	r.items[id] = cur
	return nil
}

func (r *memRepo) sorted() []Notification {
	out := make([]Notification, 0, len(r.items))
	for _, n := range r.items {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}

func (r *memRepo) List(_ context.Context, f ListFilter) ([]*Notification, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var match []*Notification
	for _, n := range r.sorted() {
		if (f.UserID == "" || n.UserID == f.UserID) && (f.Status == "" || n.Status == f.Status) {
			n := n
			match = append(match, &n)
		}
	}
	total := len(match)
	if f.Offset >= total {
		return nil, total, nil
	}
	end := f.Offset + f.Limit
	if end > total {
		end = total
	}
	return match[f.Offset:end], total, nil
}

func (r *memRepo) CountByStatus(context.Context) (map[Status]int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	counts := map[Status]int{StatusPending: 0, StatusSent: 0, StatusFailed: 0}
	for _, n := range r.items {
		counts[n.Status]++
	}
	return counts, nil
}

func (r *memRepo) ClaimFailed(_ context.Context, maxRetries, limit int) ([]*Notification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.inTx {
		return nil, errors.New("ClaimFailed must run inside a transaction")
	}
	var out []*Notification
	for _, n := range r.sorted() {
		if len(out) == limit {
			break
		}
		if n.Status == StatusFailed && n.RetryCount < maxRetries {
			n := n
			out = append(out, &n)
		}
	}
	return out, nil
}

func (r *memRepo) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	r.mu.Lock()
	r.inTx = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.inTx = false
		r.mu.Unlock()
	}()
	return fn(ctx)
}

func (r *memRepo) all() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sorted()
}

type fakeLookup struct {
	contacts map[int64]*contact.Contact
	err      error
}

func (f *fakeLookup) Lookup(_ context.Context, id int64) (*contact.Contact, error) {
	if f.err != nil {
		return nil, f.err
	}
	c, ok := f.contacts[id]
	if !ok {
		return nil, contact.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func directory() *fakeLookup {
	return &fakeLookup{contacts: map[int64]*contact.Contact{
		1: {PatientID: 1, Name: "Ana Ruiz", Email: "ana@example.com", Phone: "+15550100", DeviceToken: "device-ana"},
		2: {PatientID: 2, Name: "Ben Okafor", Email: "ben@example.com"},
	}}
}

var fixedNow = time.Date(2025, 2, 20, 9, 30, 0, 0, time.UTC)

func newTestMaterializer(l contact.Lookup, m *metrics.Collector) *Materializer {
	mat := NewMaterializer(l, NewTemplateEngine(), zerolog.Nop(), m)
	mat.now = func() time.Time { return fixedNow }
	return mat
}

type harness struct {
	repo    *memRepo
	email   *channel.Mock
	sms     *channel.Mock
	metrics *metrics.Collector
	proc    *Processor
}

func newHarness(t testing.TB, channels ...string) *harness {
	t.Helper()
	h := &harness{
		repo:    newMemRepo(),
		email:   channel.NewMock(channel.TypeEmail),
		sms:     channel.NewMock(channel.TypeSMS),
		metrics: metrics.New(),
	}
	reg := channel.NewRegistry(h.email, h.sms)
	proc, err := NewProcessor(newTestMaterializer(directory(), h.metrics), h.repo, reg,
		ProcessorConfig{Channels: channels, SendTimeout: time.Second}, zerolog.Nop(), h.metrics)
	if err != nil {
		t.Fatalf("NewProcessor: %v", err)
	}
	proc.now = func() time.Time { return fixedNow.Add(time.Minute) }
	h.proc = proc
	return h
}
