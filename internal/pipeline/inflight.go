package pipeline

import (
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// inflightTable coalesces concurrent identical executions and expires
// stuck entries so one wedged caller cannot block future identical
// requests forever.
type inflightTable struct {
	mu      sync.Mutex
	group   singleflight.Group
	started map[string]time.Time
	ttl     time.Duration
}

func newInflightTable(ttl time.Duration) *inflightTable {
	return &inflightTable{
		started: make(map[string]time.Time),
		ttl:     ttl,
	}
}

// Do runs fn under single-flight for key. An entry older than the TTL is
// forgotten first, forcing a fresh execution instead of waiting on it.
func (t *inflightTable) Do(key string, fn func() (interface{}, error)) (interface{}, error, bool) {
	t.mu.Lock()
	if startedAt, ok := t.started[key]; ok && time.Since(startedAt) > t.ttl {
		t.group.Forget(key)
		delete(t.started, key)
	}
	if _, ok := t.started[key]; !ok {
		t.started[key] = time.Now()
	}
	t.mu.Unlock()

	v, err, shared := t.group.Do(key, func() (interface{}, error) {
		defer func() {
			t.mu.Lock()
			delete(t.started, key)
			t.mu.Unlock()
		}()
		return fn()
	})
	return v, err, shared
}
