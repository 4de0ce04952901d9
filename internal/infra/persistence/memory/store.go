// Package memory provides the in-memory implementation of the record store
// used for tests, ephemeral environments, and as the transactional engine
// behind the sqlite and postgres snapshot stores.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"healthcore/pkg/domain"
)

// Compile-time contract assertion ensuring memory.Store adheres to the domain persistence interface.
var _ domain.PersistentStore = (*Store)(nil)

// History holds the full version history of one record identity. The live
// record is the last version unless the identity is deleted; history survives
// deletion so version numbering stays monotonic across re-creates.
type History struct {
	Versions []domain.Record `json:"versions"`
	Deleted  bool            `json:"deleted,omitempty"`
}

func (e History) live() (domain.Record, bool) {
	if e.Deleted || len(e.Versions) == 0 {
		return domain.Record{}, false
	}
	return e.Versions[len(e.Versions)-1], true
}

func (e History) clone() History {
	cp := History{Deleted: e.Deleted, Versions: make([]domain.Record, len(e.Versions))}
	for i, rec := range e.Versions {
		cp.Versions[i] = rec.Clone()
	}
	return cp
}

// memoryState maps record type -> id -> version history.
type memoryState map[string]map[string]History

func (s memoryState) clone() memoryState {
	cp := make(memoryState, len(s))
	for typ, bucket := range s {
		cpBucket := make(map[string]History, len(bucket))
		for id, entry := range bucket {
			cpBucket[id] = entry.clone()
		}
		cp[typ] = cpBucket
	}
	return cp
}

func (s memoryState) lookup(typ, id string) (History, bool) {
	bucket, ok := s[typ]
	if !ok {
		return History{}, false
	}
	entry, ok := bucket[id]
	return entry, ok
}

func (s memoryState) put(typ, id string, entry History) {
	bucket, ok := s[typ]
	if !ok {
		bucket = make(map[string]History)
		s[typ] = bucket
	}
	bucket[id] = entry
}

// Snapshot captures a point-in-time clone of the store state for external
// persistence.
type Snapshot struct {
	Records map[string]map[string]History `json:"records"`
}

func snapshotFromMemoryState(state memoryState) Snapshot {
	s := Snapshot{Records: make(map[string]map[string]History, len(state))}
	for typ, bucket := range state {
		cpBucket := make(map[string]History, len(bucket))
		for id, entry := range bucket {
			cpBucket[id] = entry.clone()
		}
		s.Records[typ] = cpBucket
	}
	return s
}

func memoryStateFromSnapshot(s Snapshot) memoryState {
	state := make(memoryState, len(s.Records))
	for typ, bucket := range s.Records {
		cpBucket := make(map[string]History, len(bucket))
		for id, entry := range bucket {
			cpBucket[id] = entry.clone()
		}
		state[typ] = cpBucket
	}
	return state
}

// Store provides an in-memory transactional record store.
type Store struct {
	mu    sync.RWMutex
	state memoryState
	nowFn func() time.Time
}

// NewStore constructs an empty in-memory store.
func NewStore() *Store {
	return &Store{
		state: make(memoryState),
		nowFn: func() time.Time { return time.Now().UTC() },
	}
}

// SetNowFunc overrides the time provider. Intended for tests that need
// deterministic last-updated stamps.
func (s *Store) SetNowFunc(fn func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fn != nil {
		s.nowFn = fn
	}
}

// NowFunc returns the time provider used by the store.
func (s *Store) NowFunc() func() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nowFn
}

func newID() string {
	return uuid.NewString()
}

// ExportState clones the current store state for external persistence.
func (s *Store) ExportState() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return snapshotFromMemoryState(s.state)
}

// ImportState replaces the store state with the provided snapshot.
func (s *Store) ImportState(snapshot Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = memoryStateFromSnapshot(snapshot)
}

// transaction represents a mutation set applied to a cloned copy of the store
// state. It commits by swapping the state on success.
type transaction struct {
	state memoryState
	now   time.Time
}

// Create stores a new record, assigning an id when absent and continuing any
// prior version history for the identity.
func (tx *transaction) Create(rec domain.Record) (domain.Record, error) {
	if rec.Type == "" {
		return domain.Record{}, domain.Unprocessablef("record type required")
	}
	if rec.ID == "" {
		rec.ID = newID()
	}
	entry, _ := tx.state.lookup(rec.Type, rec.ID)
	if _, alive := entry.live(); alive {
		return domain.Record{}, domain.Conflictf("%s/%s already exists", rec.Type, rec.ID)
	}
	stored := rec.Clone()
	stored.Version = len(entry.Versions) + 1
	stored.Meta.LastUpdated = tx.now
	entry.Versions = append(entry.Versions, stored)
	entry.Deleted = false
	tx.state.put(rec.Type, rec.ID, entry)
	return stored.Clone(), nil
}

// Update stores a new version of an existing live record.
func (tx *transaction) Update(rec domain.Record) (domain.Record, error) {
	if rec.Type == "" || rec.ID == "" {
		return domain.Record{}, domain.Unprocessablef("record type and id required")
	}
	entry, ok := tx.state.lookup(rec.Type, rec.ID)
	if !ok {
		return domain.Record{}, domain.NotFoundf("%s/%s not found", rec.Type, rec.ID)
	}
	if _, alive := entry.live(); !alive {
		return domain.Record{}, domain.NotFoundf("%s/%s not found", rec.Type, rec.ID)
	}
	stored := rec.Clone()
	stored.Version = len(entry.Versions) + 1
	stored.Meta.LastUpdated = tx.now
	entry.Versions = append(entry.Versions, stored)
	tx.state.put(rec.Type, rec.ID, entry)
	return stored.Clone(), nil
}

// Delete removes the live record, retaining history.
func (tx *transaction) Delete(typ, id string) error {
	entry, ok := tx.state.lookup(typ, id)
	if !ok {
		return domain.NotFoundf("%s/%s not found", typ, id)
	}
	if _, alive := entry.live(); !alive {
		return domain.NotFoundf("%s/%s not found", typ, id)
	}
	entry.Deleted = true
	tx.state.put(typ, id, entry)
	return nil
}

// Find returns the live record within the transactional state.
func (tx *transaction) Find(typ, id string) (domain.Record, bool) {
	entry, ok := tx.state.lookup(typ, id)
	if !ok {
		return domain.Record{}, false
	}
	live, alive := entry.live()
	if !alive {
		return domain.Record{}, false
	}
	return live.Clone(), true
}

// RunInTransaction executes fn within a transactional copy of the store state.
func (s *Store) RunInTransaction(_ context.Context, fn func(tx domain.Transaction) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &transaction{
		state: s.state.clone(),
		now:   s.nowFn(),
	}
	if err := fn(tx); err != nil {
		return err
	}
	s.state = tx.state
	return nil
}

// Get returns the live record from committed state.
func (s *Store) Get(_ context.Context, typ, id string) (domain.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.state.lookup(typ, id)
	if !ok {
		return domain.Record{}, domain.NotFoundf("%s/%s not found", typ, id)
	}
	live, alive := entry.live()
	if !alive {
		return domain.Record{}, domain.NotFoundf("%s/%s not found", typ, id)
	}
	return live.Clone(), nil
}

// GetVersion returns a historical version of the record identity. Historical
// reads succeed even when the live record has been deleted.
func (s *Store) GetVersion(_ context.Context, typ, id string, version int) (domain.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.state.lookup(typ, id)
	if !ok || version <= 0 || version > len(entry.Versions) {
		return domain.Record{}, domain.NotFoundf("%s/%s version %d not found", typ, id, version)
	}
	return entry.Versions[version-1].Clone(), nil
}

// List returns all live records of the given type ordered by id.
func (s *Store) List(_ context.Context, typ string) ([]domain.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	bucket := s.state[typ]
	out := make([]domain.Record, 0, len(bucket))
	for _, entry := range bucket {
		if live, alive := entry.live(); alive {
			out = append(out, live.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// FindIdentityByUsername resolves the identity record carrying the username
// identifier. Duplicate claims are an internal inconsistency.
func (s *Store) FindIdentityByUsername(_ context.Context, username string) (domain.Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var found []domain.Record
	for _, entry := range s.state[domain.IdentityType] {
		live, alive := entry.live()
		if !alive {
			continue
		}
		if candidate, ok := domain.UsernameFromIdentity(live); ok && candidate == username {
			found = append(found, live.Clone())
		}
	}
	switch len(found) {
	case 0:
		return domain.Record{}, false, nil
	case 1:
		return found[0], true, nil
	default:
		return domain.Record{}, false, domain.Internalf("username %s claimed by %d identities", username, len(found))
	}
}

// HeadersForIdentity returns the receipt headers whose focus names the
// identity, oldest first by last-updated time.
func (s *Store) HeadersForIdentity(_ context.Context, identityID string) ([]domain.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Record
	for _, entry := range s.state[domain.HeaderType] {
		live, alive := entry.live()
		if !alive {
			continue
		}
		header, err := domain.HeaderFromRecord(live)
		if err != nil {
			continue
		}
		if identity, ok := header.FocusIdentity(); ok && identity.ID == identityID {
			out = append(out, live.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Meta.LastUpdated.Equal(out[j].Meta.LastUpdated) {
			return out[i].ID < out[j].ID
		}
		return out[i].Meta.LastUpdated.Before(out[j].Meta.LastUpdated)
	})
	return out, nil
}

// RecordsOwnedBy returns all live records tagged with the owner username,
// ordered by type then id.
func (s *Store) RecordsOwnedBy(_ context.Context, username string) ([]domain.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Record
	for _, bucket := range s.state {
		for _, entry := range bucket {
			live, alive := entry.live()
			if !alive {
				continue
			}
			if owner, ok := live.Owner(); ok && owner == username {
				out = append(out, live.Clone())
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Type == out[j].Type {
			return out[i].ID < out[j].ID
		}
		return out[i].Type < out[j].Type
	})
	return out, nil
}
