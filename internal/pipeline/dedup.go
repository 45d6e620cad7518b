package pipeline

import (
	"sync"
	"time"
)

// Dedup remembers request ids for a TTL so a redelivered settlement request
// is answered once. It is safe for concurrent use.
type Dedup struct {
	seen map[string]time.Time
	ttl  time.Duration
	now  func() time.Time
	mu   sync.Mutex
}

// NewDedup creates a Dedup with the given ttl.
func NewDedup(ttl time.Duration) *Dedup {
	return &Dedup{seen: make(map[string]time.Time), ttl: ttl, now: time.Now}
}

// IsDuplicate reports whether id was seen within the TTL, recording it when
// it was not.
func (d *Dedup) IsDuplicate(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if last, ok := d.seen[id]; ok && now.Sub(last) < d.ttl {
		return true
	}
	d.seen[id] = now
	return false
}

// Forget drops id so a later delivery is processed again.
func (d *Dedup) Forget(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, id)
}

// Cleanup removes expired entries.
func (d *Dedup) Cleanup() {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	for id, ts := range d.seen {
		if now.Sub(ts) >= d.ttl {
			delete(d.seen, id)
		}
	}
}

// Len returns the number of remembered ids.
func (d *Dedup) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
