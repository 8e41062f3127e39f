package fleet

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/lanlink/internal/registry"
)

// =============================================================================
// Fakes
// =============================================================================

// memRepo is an in-memory registry.Repository for fleet tests.
type memRepo struct {
	mu      sync.Mutex
	entries map[string]*registry.Entry
}

func newMemRepo() *memRepo {
	return &memRepo{entries: make(map[string]*registry.Entry)}
}

func (m *memRepo) List(ctx context.Context) ([]registry.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]registry.Entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, *e.DeepCopy())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *memRepo) GetByID(ctx context.Context, id string) (*registry.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[id]
	if !ok {
		return nil, registry.ErrEntryNotFound
	}
	return e.DeepCopy(), nil
}

func (m *memRepo) Create(ctx context.Context, entry *registry.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.entries[entry.ID]; ok {
		return registry.ErrEntryExists
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	m.entries[entry.ID] = entry.DeepCopy()
	return nil
}

func (m *memRepo) Update(ctx context.Context, entry *registry.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.entries[entry.ID]
	if !ok {
		return registry.ErrEntryNotFound
	}
	updated := entry.DeepCopy()
	updated.CreatedAt = existing.CreatedAt
	m.entries[entry.ID] = updated
	return nil
}

func (m *memRepo) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.entries[id]; !ok {
		return registry.ErrEntryNotFound
	}
	delete(m.entries, id)
	return nil
}

// fakeSession implements Session with inspectable state.
type fakeSession struct {
	deviceID string
	host     string

	mu           sync.Mutex
	connected    bool
	closed       bool
	connectCalls int
	closeCalls   int
	setValues    []setValueCall

	connectErr  error
	closeErr    error
	setValueErr error
}

type setValueCall struct {
	index int
	value any
}

func (s *fakeSession) Connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.connectCalls++
	if s.connectErr != nil {
		return s.connectErr
	}
	if s.closed {
		return errors.New("session closed")
	}
	s.connected = true
	return nil
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closeCalls++
	s.closed = true
	s.connected = false
	return s.closeErr
}

func (s *fakeSession) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *fakeSession) SetValue(ctx context.Context, index int, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.setValueErr != nil {
		return s.setValueErr
	}
	s.setValues = append(s.setValues, setValueCall{index: index, value: value})
	return nil
}

func (s *fakeSession) connects() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectCalls
}

// fakeFactory tracks every session it builds, keyed by device id.
// Re-activation overwrites the tracked session with the newest one.
type fakeFactory struct {
	mu       sync.Mutex
	sessions map[string]*fakeSession
	hosts    map[string][]string
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{
		sessions: make(map[string]*fakeSession),
		hosts:    make(map[string][]string),
	}
}

func (f *fakeFactory) build(deviceID, host string) Session {
	f.mu.Lock()
	defer f.mu.Unlock()

	s := &fakeSession{deviceID: deviceID, host: host}
	f.sessions[deviceID] = s
	f.hosts[deviceID] = append(f.hosts[deviceID], host)
	return s
}

func (f *fakeFactory) session(deviceID string) *fakeSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions[deviceID]
}

func (f *fakeFactory) hostsFor(deviceID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.hosts[deviceID]...)
}

// fakePlatforms implements PlatformAttacher with call recording.
type fakePlatforms struct {
	mu             sync.Mutex
	attachCalls    []string
	detachCalls    []string
	removedDevices []string
	cleanupCalls   int

	attachErr error
	detachErr error
}

func (p *fakePlatforms) AttachEntities(entryID string, devices map[string]registry.DeviceRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.attachErr != nil {
		return p.attachErr
	}
	p.attachCalls = append(p.attachCalls, entryID)
	return nil
}

func (p *fakePlatforms) DetachEntities(entryID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.detachErr != nil {
		return p.detachErr
	}
	p.detachCalls = append(p.detachCalls, entryID)
	return nil
}

func (p *fakePlatforms) RemoveDeviceEntities(deviceID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removedDevices = append(p.removedDevices, deviceID)
	return nil
}

func (p *fakePlatforms) CleanupOrphans(entryID string, validDevices map[string]registry.DeviceRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cleanupCalls++
	return nil
}

func (p *fakePlatforms) attaches() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.attachCalls...)
}

// =============================================================================
// Helpers
// =============================================================================

func seedCanonical(t *testing.T, repo *memRepo, id string, devices map[string]registry.DeviceRecord) {
	t.Helper()

	data := registry.EntryData{
		Region:  "eu",
		NoCloud: true,
		Devices: devices,
	}
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("marshaling entry data: %v", err)
	}
	err = repo.Create(context.Background(), &registry.Entry{
		ID:      id,
		Version: registry.EntriesVersion,
		Data:    raw,
	})
	if err != nil {
		t.Fatalf("seeding entry: %v", err)
	}
}

func seedLegacy(t *testing.T, repo *memRepo, id string, createdAt time.Time, rec registry.DeviceRecord) {
	t.Helper()

	raw, err := json.Marshal(rec)
	if err != nil {
		t.Fatalf("marshaling device record: %v", err)
	}
	err = repo.Create(context.Background(), &registry.Entry{
		ID:        id,
		Version:   registry.LegacyVersion,
		Data:      raw,
		CreatedAt: createdAt,
	})
	if err != nil {
		t.Fatalf("seeding legacy entry: %v", err)
	}
}

func newTestManager(t *testing.T, repo *memRepo) (*Manager, *registry.Store, *fakeFactory, *fakePlatforms) {
	t.Helper()

	store := registry.NewStore(repo)
	factory := newFakeFactory()
	platforms := &fakePlatforms{}

	manager := NewManager(store, factory.build)
	manager.SetPlatforms(platforms)
	return manager, store, factory, platforms
}

// waitFor polls cond until it holds or the deadline expires.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

// =============================================================================
// Lifecycle Tests
// =============================================================================

func TestManagerStartActivatesEntries(t *testing.T) {
	repo := newMemRepo()
	seedCanonical(t, repo, "entry-1", map[string]registry.DeviceRecord{
		"dev-1": {DeviceID: "dev-1", Host: "192.168.1.10"},
		"dev-2": {DeviceID: "dev-2", Host: "192.168.1.11"},
	})

	manager, _, factory, platforms := newTestManager(t, repo)

	if err := manager.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if state := manager.State("entry-1"); state != StateActive {
		t.Errorf("state = %s, want %s", state, StateActive)
	}
	if got := manager.SessionCount(); got != 2 {
		t.Errorf("SessionCount = %d, want 2", got)
	}
	if got := platforms.attaches(); len(got) != 1 || got[0] != "entry-1" {
		t.Errorf("attach calls = %v, want one batch for entry-1", got)
	}

	// Connects are fire-and-forget after attachment.
	waitFor(t, time.Second, func() bool {
		s1, s2 := factory.session("dev-1"), factory.session("dev-2")
		return s1 != nil && s2 != nil && s1.Connected() && s2.Connected()
	})
}

func TestManagerStartMigratesLegacyEntries(t *testing.T) {
	repo := newMemRepo()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	seedLegacy(t, repo, "legacy-a", base, registry.DeviceRecord{DeviceID: "dev-1", Host: "192.168.1.10"})
	seedLegacy(t, repo, "legacy-b", base.Add(time.Hour), registry.DeviceRecord{DeviceID: "dev-2", Host: "192.168.1.11"})

	manager, store, _, _ := newTestManager(t, repo)

	if err := manager.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Both legacy device entries fold into one canonical account entry.
	if got := store.EntryCount(); got != 1 {
		t.Fatalf("EntryCount = %d, want 1", got)
	}
	if state := manager.State("legacy-a"); state != StateActive {
		t.Errorf("state = %s, want %s", state, StateActive)
	}
	if got := manager.SessionCount(); got != 2 {
		t.Errorf("SessionCount = %d, want 2", got)
	}
}

func TestManagerStaleEntryHaltsInLoaded(t *testing.T) {
	repo := newMemRepo()
	// A malformed legacy entry the migrator cannot upgrade.
	err := repo.Create(context.Background(), &registry.Entry{
		ID:      "legacy-bad",
		Version: registry.LegacyVersion,
		Data:    json.RawMessage(`{"friendly_name":"no identity"}`),
	})
	if err != nil {
		t.Fatalf("seeding entry: %v", err)
	}
	seedCanonical(t, repo, "entry-good", map[string]registry.DeviceRecord{
		"dev-1": {DeviceID: "dev-1", Host: "192.168.1.10"},
	})

	manager, _, _, _ := newTestManager(t, repo)

	err = manager.Start(context.Background())
	if err == nil {
		t.Fatal("expected joined error from Start")
	}
	if !errors.Is(err, registry.ErrLegacyShape) && !errors.Is(err, registry.ErrStaleVersion) {
		t.Errorf("got %v, want legacy shape or stale version in joined error", err)
	}

	// The stale entry parks without sessions; the healthy entry still runs.
	if state := manager.State("legacy-bad"); state != StateLoaded {
		t.Errorf("stale entry state = %s, want %s", state, StateLoaded)
	}
	if state := manager.State("entry-good"); state != StateActive {
		t.Errorf("healthy entry state = %s, want %s", state, StateActive)
	}
	if got := manager.SessionCount(); got != 1 {
		t.Errorf("SessionCount = %d, want 1", got)
	}
}

func TestManagerAttachFailureAbortsActivation(t *testing.T) {
	repo := newMemRepo()
	seedCanonical(t, repo, "entry-1", map[string]registry.DeviceRecord{
		"dev-1": {DeviceID: "dev-1", Host: "192.168.1.10"},
	})

	manager, _, factory, platforms := newTestManager(t, repo)
	platforms.attachErr = errors.New("consumer unavailable")

	err := manager.Start(context.Background())
	if err == nil {
		t.Fatal("expected error from failed attach")
	}

	if state := manager.State("entry-1"); state != StateLoaded {
		t.Errorf("state = %s, want %s", state, StateLoaded)
	}
	if got := manager.SessionCount(); got != 0 {
		t.Errorf("SessionCount = %d, want 0", got)
	}
	// The created session was cleaned up.
	if s := factory.session("dev-1"); s != nil {
		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		if !closed {
			t.Error("session not closed after aborted activation")
		}
	}
}

func TestManagerUnloadEntry(t *testing.T) {
	repo := newMemRepo()
	seedCanonical(t, repo, "entry-1", map[string]registry.DeviceRecord{
		"dev-1": {DeviceID: "dev-1", Host: "192.168.1.10"},
		"dev-2": {DeviceID: "dev-2", Host: "192.168.1.11"},
	})

	manager, _, factory, _ := newTestManager(t, repo)
	if err := manager.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	t.Run("closes sessions and clears map", func(t *testing.T) {
		if err := manager.UnloadEntry(context.Background(), "entry-1"); err != nil {
			t.Fatalf("UnloadEntry: %v", err)
		}
		if state := manager.State("entry-1"); state != StateUnloaded {
			t.Errorf("state = %s, want %s", state, StateUnloaded)
		}
		if got := manager.SessionCount(); got != 0 {
			t.Errorf("SessionCount = %d, want 0", got)
		}
		for _, id := range []string{"dev-1", "dev-2"} {
			s := factory.session(id)
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if !closed {
				t.Errorf("session %s not closed", id)
			}
		}
	})

	t.Run("close failure does not abort unload", func(t *testing.T) {
		if err := manager.SetupEntry(context.Background(), "entry-1"); err != nil {
			t.Fatalf("SetupEntry: %v", err)
		}
		s := factory.session("dev-1")
		s.mu.Lock()
		s.closeErr = errors.New("socket error")
		s.mu.Unlock()

		// Best effort: the failing close is logged, the rest proceeds.
		if err := manager.UnloadEntry(context.Background(), "entry-1"); err != nil {
			t.Fatalf("UnloadEntry: %v", err)
		}
		if got := manager.SessionCount(); got != 0 {
			t.Errorf("SessionCount = %d, want 0", got)
		}
	})
}

func TestManagerUnloadDetachFailureKeepsSessionMap(t *testing.T) {
	repo := newMemRepo()
	seedCanonical(t, repo, "entry-1", map[string]registry.DeviceRecord{
		"dev-1": {DeviceID: "dev-1", Host: "192.168.1.10"},
	})

	manager, _, _, platforms := newTestManager(t, repo)
	if err := manager.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	platforms.detachErr = errors.New("broker down")
	err := manager.UnloadEntry(context.Background(), "entry-1")
	if err == nil {
		t.Fatal("expected error from failed detach")
	}

	// Session map is cleared only when all detachments succeed.
	if got := manager.SessionCount(); got != 1 {
		t.Errorf("SessionCount = %d, want 1", got)
	}
}

func TestManagerReloadOnRegistryUpdate(t *testing.T) {
	repo := newMemRepo()
	seedCanonical(t, repo, "entry-1", map[string]registry.DeviceRecord{
		"dev-1": {DeviceID: "dev-1", Host: "192.168.1.10"},
	})

	manager, store, factory, _ := newTestManager(t, repo)
	if err := manager.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// A registry write (here: an address change) must rebuild the entry's
	// sessions with the new data.
	err := store.UpdateData(context.Background(), "entry-1", func(d *registry.EntryData) error {
		rec := d.Devices["dev-1"]
		rec.Host = "192.168.1.99"
		d.Devices["dev-1"] = rec
		return nil
	})
	if err != nil {
		t.Fatalf("UpdateData: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		hosts := factory.hostsFor("dev-1")
		return len(hosts) == 2 && hosts[1] == "192.168.1.99" &&
			manager.State("entry-1") == StateActive
	})
}

func TestManagerReloadAll(t *testing.T) {
	repo := newMemRepo()
	seedCanonical(t, repo, "entry-1", map[string]registry.DeviceRecord{
		"dev-1": {DeviceID: "dev-1", Host: "192.168.1.10"},
	})
	seedCanonical(t, repo, "entry-2", map[string]registry.DeviceRecord{
		"dev-2": {DeviceID: "dev-2", Host: "192.168.1.11"},
	})

	manager, _, factory, _ := newTestManager(t, repo)
	if err := manager.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := manager.ReloadAll(context.Background()); err != nil {
		t.Fatalf("ReloadAll: %v", err)
	}

	// Each device got a fresh session.
	for _, id := range []string{"dev-1", "dev-2"} {
		if hosts := factory.hostsFor(id); len(hosts) != 2 {
			t.Errorf("device %s: %d sessions built, want 2", id, len(hosts))
		}
	}
	if got := manager.SessionCount(); got != 2 {
		t.Errorf("SessionCount = %d, want 2", got)
	}
}

// =============================================================================
// Device Removal Tests
// =============================================================================

func TestManagerRemoveDevice(t *testing.T) {
	repo := newMemRepo()
	seedCanonical(t, repo, "entry-1", map[string]registry.DeviceRecord{
		"dev-1": {DeviceID: "dev-1", Host: "192.168.1.10"},
		"dev-2": {DeviceID: "dev-2", Host: "192.168.1.11"},
	})

	manager, store, factory, platforms := newTestManager(t, repo)
	if err := manager.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := manager.RemoveDevice(context.Background(), "dev-1"); err != nil {
		t.Fatalf("RemoveDevice: %v", err)
	}

	platforms.mu.Lock()
	removed := append([]string(nil), platforms.removedDevices...)
	platforms.mu.Unlock()
	if len(removed) != 1 || removed[0] != "dev-1" {
		t.Errorf("removed entities = %v, want [dev-1]", removed)
	}

	s := factory.session("dev-1")
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if !closed {
		t.Error("removed device's session not closed")
	}

	entry, err := store.Get("entry-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	data, err := entry.AccountData()
	if err != nil {
		t.Fatalf("AccountData: %v", err)
	}
	if _, ok := data.Devices["dev-1"]; ok {
		t.Error("device still in registry after removal")
	}
	if _, ok := data.Devices["dev-2"]; !ok {
		t.Error("unrelated device removed from registry")
	}
	if data.UpdatedAt == "" {
		t.Error("updated_at not stamped by removal")
	}

	// The removal write reloads the entry; dev-2 gets a fresh session.
	waitFor(t, time.Second, func() bool {
		return len(factory.hostsFor("dev-2")) == 2
	})
}

func TestManagerRemoveDeviceAlreadyAbsent(t *testing.T) {
	repo := newMemRepo()
	seedCanonical(t, repo, "entry-1", map[string]registry.DeviceRecord{
		"dev-1": {DeviceID: "dev-1", Host: "192.168.1.10"},
	})

	manager, _, _, _ := newTestManager(t, repo)
	if err := manager.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Finalizing a removal of a device that never existed is a no-op success.
	if err := manager.RemoveDevice(context.Background(), "ghost"); err != nil {
		t.Errorf("RemoveDevice of absent device: %v, want nil", err)
	}
	if got := manager.SessionCount(); got != 1 {
		t.Errorf("SessionCount = %d, want 1", got)
	}
}

// =============================================================================
// Snapshot Tests
// =============================================================================

func TestManagerDeviceStatuses(t *testing.T) {
	repo := newMemRepo()
	seedCanonical(t, repo, "entry-1", map[string]registry.DeviceRecord{
		"dev-1": {DeviceID: "dev-1", Host: "192.168.1.10", Name: "kitchen switch"},
	})

	manager, _, factory, _ := newTestManager(t, repo)
	if err := manager.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, time.Second, func() bool {
		s := factory.session("dev-1")
		return s != nil && s.Connected()
	})

	statuses := manager.DeviceStatuses()
	if len(statuses) != 1 {
		t.Fatalf("got %d statuses, want 1", len(statuses))
	}
	got := statuses[0]
	if got.DeviceID != "dev-1" || got.EntryID != "entry-1" {
		t.Errorf("status identity = %+v", got)
	}
	if got.Host != "192.168.1.10" || got.Name != "kitchen switch" {
		t.Errorf("status metadata = %+v", got)
	}
	if !got.Connected {
		t.Error("status.Connected = false, want true")
	}
}
