package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Logger defines the logging interface used by the Store.
// This allows different logging implementations to be used.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// UpdateListener is notified after an entry's persisted data changes through
// UpdateData. The lifecycle controller registers one to reload the entry so
// live sessions always reflect the latest address/identity data.
type UpdateListener func(entryID string)

// Store is the canonical account-entry registry.
//
// It wraps a Repository with an in-memory cache and guarantees that every
// mutation is an atomic read-modify-write: the current data is decoded,
// mutated, and persisted under one lock, so concurrent mutators (reconciler,
// device removal, API) can never interleave partial writes.
//
// All public methods are thread-safe.
type Store struct {
	repo   Repository
	cache  map[string]*Entry
	mu     sync.RWMutex
	logger Logger

	onUpdate UpdateListener
	updateMu sync.RWMutex
}

// NewStore creates a new registry store.
// The repository is used for persistence; the store adds caching and
// atomic update semantics.
func NewStore(repo Repository) *Store {
	return &Store{
		repo:   repo,
		cache:  make(map[string]*Entry),
		logger: noopLogger{},
	}
}

// SetLogger sets the logger for the store.
func (s *Store) SetLogger(logger Logger) {
	s.logger = logger
}

// SetOnUpdate registers the update listener. Register it only after data
// migration has completed, otherwise every migration fold would trigger a
// reload cycle.
func (s *Store) SetOnUpdate(fn UpdateListener) {
	s.updateMu.Lock()
	s.onUpdate = fn
	s.updateMu.Unlock()
}

// Load reloads all entries from the repository into the cache.
// This should be called on application startup and after data migration.
func (s *Store) Load(ctx context.Context) error {
	entries, err := s.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("loading entries: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.cache = make(map[string]*Entry, len(entries))
	for i := range entries {
		e := entries[i]
		s.cache[e.ID] = e.DeepCopy()
	}

	s.logger.Info("account entries loaded", "count", len(entries))
	return nil
}

// Entries returns all cached entries ordered by creation time, then ID.
// The returned entries are deep copies; callers can safely modify them.
func (s *Store) Entries() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := make([]Entry, 0, len(s.cache))
	for _, e := range s.cache {
		entries = append(entries, *e.DeepCopy())
	}

	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return entries[i].CreatedAt.Before(entries[j].CreatedAt)
		}
		return entries[i].ID < entries[j].ID
	})

	return entries
}

// Get retrieves an entry by ID.
// Returns ErrEntryNotFound if the entry does not exist.
// The returned entry is a deep copy; callers can safely modify it.
func (s *Store) Get(id string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.cache[id]
	if !ok {
		return nil, ErrEntryNotFound
	}
	return e.DeepCopy(), nil
}

// EntryForDevice returns the canonical entry whose devices map contains a
// record matching the given identity, either as primary device ID or as
// gateway ID (sub-devices broadcast their gateway's identity).
// Returns ErrDeviceNotFound if no entry matches.
func (s *Store) EntryForDevice(deviceID string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, e := range s.cache {
		if e.Version != EntriesVersion {
			continue
		}
		data, err := e.AccountData()
		if err != nil {
			continue
		}
		for id, rec := range data.Devices {
			if deviceID == id || deviceID == rec.GatewayID {
				return e.DeepCopy(), nil
			}
		}
	}
	return nil, ErrDeviceNotFound
}

// Create inserts a new entry and caches it.
func (s *Store) Create(ctx context.Context, entry *Entry) error {
	if err := s.repo.Create(ctx, entry); err != nil {
		return err
	}

	s.mu.Lock()
	s.cache[entry.ID] = entry.DeepCopy()
	s.mu.Unlock()

	s.logger.Info("account entry created", "id", entry.ID)
	return nil
}

// UpdateData atomically mutates the account document of a canonical entry.
//
// The mutate callback receives a deep copy of the current document; if it
// returns without error, the document is re-encoded, persisted, and the
// cache replaced, all under the store lock. The update listener (if any)
// is then notified outside the lock.
//
// Returns ErrStaleVersion if the entry is not at EntriesVersion.
func (s *Store) UpdateData(ctx context.Context, id string, mutate func(*EntryData) error) error {
	s.mu.Lock()
	cached, ok := s.cache[id]
	if !ok {
		s.mu.Unlock()
		return ErrEntryNotFound
	}

	data, err := cached.AccountData()
	if err != nil {
		s.mu.Unlock()
		return err
	}

	if err := mutate(data); err != nil {
		s.mu.Unlock()
		return err
	}

	raw, err := json.Marshal(data)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("encoding account data: %w", err)
	}

	updated := cached.DeepCopy()
	updated.Data = raw

	if err := s.repo.Update(ctx, updated); err != nil {
		s.mu.Unlock()
		return err
	}

	s.cache[id] = updated
	s.mu.Unlock()

	s.logger.Debug("account entry updated", "id", id)
	s.notifyUpdate(id)
	return nil
}

// Replace rewrites an entry's version, title, and data in one step.
// Used by the migrator; does not fire the update listener.
func (s *Store) Replace(ctx context.Context, entry *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.cache[entry.ID]; !ok {
		return ErrEntryNotFound
	}

	if err := s.repo.Update(ctx, entry); err != nil {
		return err
	}

	s.cache[entry.ID] = entry.DeepCopy()
	return nil
}

// Delete removes an entry.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.cache, id)
	s.mu.Unlock()

	s.logger.Info("account entry deleted", "id", id)
	return nil
}

// EntryCount returns the number of cached entries.
func (s *Store) EntryCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.cache)
}

// DeviceCount returns the number of devices across all canonical entries.
func (s *Store) DeviceCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, e := range s.cache {
		if e.Version != EntriesVersion {
			continue
		}
		if data, err := e.AccountData(); err == nil {
			count += len(data.Devices)
		}
	}
	return count
}

// notifyUpdate invokes the update listener if one is registered.
func (s *Store) notifyUpdate(entryID string) {
	s.updateMu.RLock()
	fn := s.onUpdate
	s.updateMu.RUnlock()

	if fn != nil {
		fn(entryID)
	}
}

// NewCanonicalEntry builds a fresh canonical entry with the given document.
// CreatedAt is left zero; the repository stamps it on insert.
func NewCanonicalEntry(id, title string, data *EntryData, now time.Time) (*Entry, error) {
	data.Stamp(now)
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encoding account data: %w", err)
	}
	return &Entry{
		ID:      id,
		Version: EntriesVersion,
		Title:   title,
		Data:    raw,
	}, nil
}
