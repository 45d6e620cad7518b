package memory

import (
	"context"
	"sync"
	"time"

	"github.com/alanyoungcy/tokenledger/internal/domain"
)

var _ domain.AuditStore = (*AuditLog)(nil)

// AuditLog is an append-only in-process audit log.
type AuditLog struct {
	mu      sync.Mutex
	entries []domain.AuditEntry
	clock   domain.Clock
}

// NewAuditLog creates an empty audit log stamped by clock.
func NewAuditLog(clock domain.Clock) *AuditLog {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	return &AuditLog{clock: clock}
}

func (a *AuditLog) Log(_ context.Context, event string, detail map[string]any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, domain.AuditEntry{
		ID:        int64(len(a.entries) + 1),
		Event:     event,
		Detail:    detail,
		CreatedAt: a.clock.Now(),
	})
	return nil
}

// List returns entries newest first.
func (a *AuditLog) List(_ context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]domain.AuditEntry, 0, len(a.entries))
	for i := len(a.entries) - 1; i >= 0; i-- {
		e := a.entries[i]
		if inWindow(e.CreatedAt, opts) {
			out = append(out, e)
		}
	}
	return page(out, opts), nil
}

// Events returns the event names in insertion order.
func (a *AuditLog) Events() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.entries))
	for i, e := range a.entries {
		out[i] = e.Event
	}
	return out
}

var _ domain.Clock = (*FixedClock)(nil)

// FixedClock returns a settable instant, advancing by Step on every call.
type FixedClock struct {
	mu   sync.Mutex
	at   time.Time
	Step time.Duration
}

// NewFixedClock creates a clock frozen at t.
func NewFixedClock(t time.Time) *FixedClock {
	return &FixedClock{at: t}
}

func (c *FixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.at
	c.at = c.at.Add(c.Step)
	return now
}

// Set moves the clock to t.
func (c *FixedClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.at = t
}
