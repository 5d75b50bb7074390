package ingest

import (
	"sync"

	"github.com/google/uuid"
)

type identityKey struct {
	kind       PartyKind
	externalID string
}

type identityParent interface {
	lookup(key identityKey) (uuid.UUID, bool)
	merge(staged map[identityKey]uuid.UUID)
}

// IdentityMap maps external party identifiers to surrogate ids for one run.
// It is safe for concurrent use; batches running in parallel share one map.
type IdentityMap struct {
	mu      sync.RWMutex
	entries map[identityKey]uuid.UUID
}

// NewIdentityMap returns an empty run-scoped map.
func NewIdentityMap() *IdentityMap {
	return &IdentityMap{entries: make(map[identityKey]uuid.UUID)}
}

// Lookup returns the committed surrogate id for an external id.
func (m *IdentityMap) Lookup(kind PartyKind, externalID string) (uuid.UUID, bool) {
	return m.lookup(identityKey{kind: kind, externalID: externalID})
}

// Len counts committed identities of one kind.
func (m *IdentityMap) Len(kind PartyKind) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for key := range m.entries {
		if key.kind == kind {
			n++
		}
	}
	return n
}

// Scope opens a staging scope whose identities become visible to the map
// only on Commit.
func (m *IdentityMap) Scope() *IdentityScope {
	return &IdentityScope{parent: m, staged: make(map[identityKey]uuid.UUID)}
}

func (m *IdentityMap) lookup(key identityKey) (uuid.UUID, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.entries[key]
	return id, ok
}

func (m *IdentityMap) merge(staged map[identityKey]uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, id := range staged {
		m.entries[key] = id
	}
}

// IdentityScope tracks identities created inside a transaction scope (a
// batch or an item savepoint). Rows written in a scope that rolls back
// disappear, so their ids must never leak into later lookups: dropping the
// scope discards them. A scope is owned by a single goroutine.
type IdentityScope struct {
	parent identityParent
	staged map[identityKey]uuid.UUID
}

// Scope opens a nested scope.
func (s *IdentityScope) Scope() *IdentityScope {
	return &IdentityScope{parent: s, staged: make(map[identityKey]uuid.UUID)}
}

// Lookup checks this scope, then its parents.
func (s *IdentityScope) Lookup(kind PartyKind, externalID string) (uuid.UUID, bool) {
	return s.lookup(identityKey{kind: kind, externalID: externalID})
}

// Stage records an identity created in this scope.
func (s *IdentityScope) Stage(kind PartyKind, externalID string, id uuid.UUID) {
	s.staged[identityKey{kind: kind, externalID: externalID}] = id
}

// Commit publishes the staged identities to the parent.
func (s *IdentityScope) Commit() {
	if len(s.staged) == 0 {
		return
	}
	s.parent.merge(s.staged)
	s.staged = make(map[identityKey]uuid.UUID)
}

func (s *IdentityScope) lookup(key identityKey) (uuid.UUID, bool) {
	if id, ok := s.staged[key]; ok {
		return id, true
	}
	return s.parent.lookup(key)
}

func (s *IdentityScope) merge(staged map[identityKey]uuid.UUID) {
	for key, id := range staged {
		s.staged[key] = id
	}
}
