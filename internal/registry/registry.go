// Package registry maps datasource ids to short-lived connection scopes.
// Every execution path resolves through here; a lapsed entry means the
// caller must re-register before issuing further queries.
package registry

import (
	"sync"
	"time"

	"querygrid/internal/domain"
)

// Entry is one registered datasource scope.
type Entry struct {
	URL         string
	WorkspaceID string
	DatasetID   string
	UpdatedAt   time.Time
}

// Registry is a TTL map of datasource registrations. Safe for concurrent
// use.
type Registry struct {
	mu      sync.Mutex
	entries map[string]Entry
	ttl     time.Duration
	now     func() time.Time
}

// New creates a registry whose entries expire ttl after their last write.
func New(ttl time.Duration) *Registry {
	return &Registry{
		entries: make(map[string]Entry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Set registers or refreshes a datasource scope.
func (r *Registry) Set(id, url, workspaceID, datasetID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[id] = Entry{
		URL:         url,
		WorkspaceID: workspaceID,
		DatasetID:   datasetID,
		UpdatedAt:   r.now(),
	}
}

// Get resolves a datasource id. A read past the TTL evicts the entry and
// reports datasource_not_registered.
func (r *Registry) Get(id string) (Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[id]
	if !ok {
		return Entry{}, domain.ErrNotFound(domain.CodeDatasourceNotFound, "datasource %q is not registered", id)
	}
	if r.now().Sub(entry.UpdatedAt) > r.ttl {
		delete(r.entries, id)
		return Entry{}, domain.ErrNotFound(domain.CodeDatasourceNotFound, "datasource %q registration expired", id)
	}
	return entry, nil
}

// SetClock overrides the registry clock. Test helper.
func (r *Registry) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}
