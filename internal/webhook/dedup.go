package webhook

import (
	"sync"
	"time"
)

// Dedup is the consumer's in-process cache of recently applied event ids.
// It absorbs bus redeliveries between ack failures; the conditional store
// updates behind it catch anything that slips through.
type Dedup struct {
	ttl time.Duration

	mu   sync.Mutex
	seen map[string]time.Time
}

func NewDedup(ttl time.Duration) *Dedup {
	return &Dedup{
		ttl:  ttl,
		seen: make(map[string]time.Time),
	}
}

// Seen reports whether the id was marked within the TTL.
func (d *Dedup) Seen(id string) bool {
	now := time.Now()
	d.mu.Lock()
	defer d.mu.Unlock()
	at, ok := d.seen[id]
	if !ok {
		return false
	}
	if now.Sub(at) > d.ttl {
		delete(d.seen, id)
		return false
	}
	return true
}

// Mark records the id, evicting expired entries opportunistically.
func (d *Dedup) Mark(id string) {
	now := time.Now()
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.seen) > 10_000 {
		for k, at := range d.seen {
			if now.Sub(at) > d.ttl {
				delete(d.seen, k)
			}
		}
	}
	d.seen[id] = now
}
