package registry

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"
)

// mockRepository is an in-memory Repository for store and migrator tests.
type mockRepository struct {
	mu      sync.Mutex
	entries map[string]*Entry

	failUpdate error
}

func newMockRepository() *mockRepository {
	return &mockRepository{entries: make(map[string]*Entry)}
}

func (m *mockRepository) List(ctx context.Context) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Entry, 0, len(m.entries))
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

func (m *mockRepository) GetByID(ctx context.Context, id string) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[id]
	if !ok {
		return nil, ErrEntryNotFound
	}
	return e.DeepCopy(), nil
}

func (m *mockRepository) Create(ctx context.Context, entry *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.entries[entry.ID]; ok {
		return ErrEntryExists
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	m.entries[entry.ID] = entry.DeepCopy()
	return nil
}

func (m *mockRepository) Update(ctx context.Context, entry *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failUpdate != nil {
		return m.failUpdate
	}
	existing, ok := m.entries[entry.ID]
	if !ok {
		return ErrEntryNotFound
	}
	updated := entry.DeepCopy()
	updated.CreatedAt = existing.CreatedAt
	m.entries[entry.ID] = updated
	return nil
}

func (m *mockRepository) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.entries[id]; !ok {
		return ErrEntryNotFound
	}
	delete(m.entries, id)
	return nil
}

// canonicalEntry builds a version-2 entry for tests.
func canonicalEntry(t *testing.T, id string, createdAt time.Time, devices map[string]DeviceRecord) *Entry {
	t.Helper()

	data := EntryData{
		Region:   "eu",
		Username: "lanlink",
		NoCloud:  true,
		Devices:  devices,
	}
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("marshaling entry data: %v", err)
	}
	return &Entry{
		ID:        id,
		Version:   EntriesVersion,
		Title:     "lanlink",
		Data:      raw,
		CreatedAt: createdAt,
	}
}

func loadedStore(t *testing.T, repo Repository) *Store {
	t.Helper()

	store := NewStore(repo)
	if err := store.Load(context.Background()); err != nil {
		t.Fatalf("loading store: %v", err)
	}
	return store
}

func TestStoreLoadAndGet(t *testing.T) {
	repo := newMockRepository()
	entry := canonicalEntry(t, "entry-1", time.Now(), map[string]DeviceRecord{
		"dev-1": {DeviceID: "dev-1", Host: "192.168.1.10"},
	})
	if err := repo.Create(context.Background(), entry); err != nil {
		t.Fatalf("seeding repo: %v", err)
	}

	store := loadedStore(t, repo)

	t.Run("existing entry", func(t *testing.T) {
		got, err := store.Get("entry-1")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.ID != "entry-1" {
			t.Errorf("got ID %q, want entry-1", got.ID)
		}
	})

	t.Run("missing entry", func(t *testing.T) {
		_, err := store.Get("nope")
		if !errors.Is(err, ErrEntryNotFound) {
			t.Errorf("got %v, want ErrEntryNotFound", err)
		}
	})

	t.Run("returned entry is a copy", func(t *testing.T) {
		got, err := store.Get("entry-1")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		got.Data[0] = 'X'

		again, err := store.Get("entry-1")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if again.Data[0] == 'X' {
			t.Error("mutation of returned entry leaked into cache")
		}
	})
}

func TestStoreEntriesOrdering(t *testing.T) {
	repo := newMockRepository()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for _, e := range []*Entry{
		canonicalEntry(t, "late", base.Add(2*time.Hour), nil),
		canonicalEntry(t, "early", base, nil),
		canonicalEntry(t, "middle", base.Add(time.Hour), nil),
	} {
		if err := repo.Create(context.Background(), e); err != nil {
			t.Fatalf("seeding repo: %v", err)
		}
	}

	store := loadedStore(t, repo)

	entries := store.Entries()
	want := []string{"early", "middle", "late"}
	if len(entries) != len(want) {
		t.Fatalf("got %d entries, want %d", len(entries), len(want))
	}
	for i, id := range want {
		if entries[i].ID != id {
			t.Errorf("entries[%d] = %q, want %q", i, entries[i].ID, id)
		}
	}
}

func TestStoreEntryForDevice(t *testing.T) {
	repo := newMockRepository()
	entry := canonicalEntry(t, "entry-1", time.Now(), map[string]DeviceRecord{
		"dev-1": {DeviceID: "dev-1", Host: "192.168.1.10"},
		"sub-1": {DeviceID: "sub-1", GatewayID: "gw-1", Host: "192.168.1.20"},
	})
	if err := repo.Create(context.Background(), entry); err != nil {
		t.Fatalf("seeding repo: %v", err)
	}

	store := loadedStore(t, repo)

	t.Run("matches device id", func(t *testing.T) {
		got, err := store.EntryForDevice("dev-1")
		if err != nil {
			t.Fatalf("EntryForDevice: %v", err)
		}
		if got.ID != "entry-1" {
			t.Errorf("got entry %q, want entry-1", got.ID)
		}
	})

	t.Run("matches gateway id", func(t *testing.T) {
		got, err := store.EntryForDevice("gw-1")
		if err != nil {
			t.Fatalf("EntryForDevice: %v", err)
		}
		if got.ID != "entry-1" {
			t.Errorf("got entry %q, want entry-1", got.ID)
		}
	})

	t.Run("unknown device", func(t *testing.T) {
		_, err := store.EntryForDevice("ghost")
		if !errors.Is(err, ErrDeviceNotFound) {
			t.Errorf("got %v, want ErrDeviceNotFound", err)
		}
	})
}

func TestStoreUpdateData(t *testing.T) {
	t.Run("persists mutation and notifies listener", func(t *testing.T) {
		repo := newMockRepository()
		entry := canonicalEntry(t, "entry-1", time.Now(), map[string]DeviceRecord{
			"dev-1": {DeviceID: "dev-1", Host: "192.168.1.10"},
		})
		if err := repo.Create(context.Background(), entry); err != nil {
			t.Fatalf("seeding repo: %v", err)
		}

		store := loadedStore(t, repo)

		var notified []string
		store.SetOnUpdate(func(id string) { notified = append(notified, id) })

		err := store.UpdateData(context.Background(), "entry-1", func(data *EntryData) error {
			rec := data.Devices["dev-1"]
			rec.Host = "192.168.1.99"
			data.Devices["dev-1"] = rec
			return nil
		})
		if err != nil {
			t.Fatalf("UpdateData: %v", err)
		}

		got, err := store.Get("entry-1")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		data, err := got.AccountData()
		if err != nil {
			t.Fatalf("AccountData: %v", err)
		}
		if data.Devices["dev-1"].Host != "192.168.1.99" {
			t.Errorf("host = %q, want 192.168.1.99", data.Devices["dev-1"].Host)
		}

		if len(notified) != 1 || notified[0] != "entry-1" {
			t.Errorf("listener calls = %v, want [entry-1]", notified)
		}

		// Persisted copy must match the cache.
		stored, err := repo.GetByID(context.Background(), "entry-1")
		if err != nil {
			t.Fatalf("GetByID: %v", err)
		}
		storedData, err := stored.AccountData()
		if err != nil {
			t.Fatalf("AccountData: %v", err)
		}
		if storedData.Devices["dev-1"].Host != "192.168.1.99" {
			t.Error("mutation not persisted to repository")
		}
	})

	t.Run("mutate error leaves cache untouched", func(t *testing.T) {
		repo := newMockRepository()
		entry := canonicalEntry(t, "entry-1", time.Now(), map[string]DeviceRecord{
			"dev-1": {DeviceID: "dev-1", Host: "192.168.1.10"},
		})
		if err := repo.Create(context.Background(), entry); err != nil {
			t.Fatalf("seeding repo: %v", err)
		}

		store := loadedStore(t, repo)

		var notified int
		store.SetOnUpdate(func(string) { notified++ })

		wantErr := errors.New("mutate failed")
		err := store.UpdateData(context.Background(), "entry-1", func(data *EntryData) error {
			rec := data.Devices["dev-1"]
			rec.Host = "10.0.0.1"
			data.Devices["dev-1"] = rec
			return wantErr
		})
		if !errors.Is(err, wantErr) {
			t.Fatalf("got %v, want mutate error", err)
		}

		got, _ := store.Get("entry-1")
		data, _ := got.AccountData()
		if data.Devices["dev-1"].Host != "192.168.1.10" {
			t.Errorf("host = %q, want unchanged 192.168.1.10", data.Devices["dev-1"].Host)
		}
		if notified != 0 {
			t.Errorf("listener fired %d times on failed update", notified)
		}
	})

	t.Run("repository failure leaves cache untouched", func(t *testing.T) {
		repo := newMockRepository()
		entry := canonicalEntry(t, "entry-1", time.Now(), map[string]DeviceRecord{
			"dev-1": {DeviceID: "dev-1", Host: "192.168.1.10"},
		})
		if err := repo.Create(context.Background(), entry); err != nil {
			t.Fatalf("seeding repo: %v", err)
		}

		store := loadedStore(t, repo)
		repo.failUpdate = errors.New("disk full")

		err := store.UpdateData(context.Background(), "entry-1", func(data *EntryData) error {
			rec := data.Devices["dev-1"]
			rec.Host = "10.0.0.1"
			data.Devices["dev-1"] = rec
			return nil
		})
		if err == nil {
			t.Fatal("expected error from repository")
		}

		got, _ := store.Get("entry-1")
		data, _ := got.AccountData()
		if data.Devices["dev-1"].Host != "192.168.1.10" {
			t.Errorf("host = %q, want unchanged 192.168.1.10", data.Devices["dev-1"].Host)
		}
	})

	t.Run("unknown entry", func(t *testing.T) {
		store := loadedStore(t, newMockRepository())
		err := store.UpdateData(context.Background(), "nope", func(*EntryData) error { return nil })
		if !errors.Is(err, ErrEntryNotFound) {
			t.Errorf("got %v, want ErrEntryNotFound", err)
		}
	})
}

func TestStoreDelete(t *testing.T) {
	repo := newMockRepository()
	entry := canonicalEntry(t, "entry-1", time.Now(), nil)
	if err := repo.Create(context.Background(), entry); err != nil {
		t.Fatalf("seeding repo: %v", err)
	}

	store := loadedStore(t, repo)

	if err := store.Delete(context.Background(), "entry-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.Get("entry-1"); !errors.Is(err, ErrEntryNotFound) {
		t.Errorf("got %v after delete, want ErrEntryNotFound", err)
	}
	if _, err := repo.GetByID(context.Background(), "entry-1"); !errors.Is(err, ErrEntryNotFound) {
		t.Errorf("entry still in repository after delete: %v", err)
	}
}

func TestStoreCounts(t *testing.T) {
	repo := newMockRepository()
	entry := canonicalEntry(t, "entry-1", time.Now(), map[string]DeviceRecord{
		"dev-1": {DeviceID: "dev-1", Host: "192.168.1.10"},
		"dev-2": {DeviceID: "dev-2", Host: "192.168.1.11"},
	})
	if err := repo.Create(context.Background(), entry); err != nil {
		t.Fatalf("seeding repo: %v", err)
	}

	store := loadedStore(t, repo)

	if got := store.EntryCount(); got != 1 {
		t.Errorf("EntryCount = %d, want 1", got)
	}
	if got := store.DeviceCount(); got != 2 {
		t.Errorf("DeviceCount = %d, want 2", got)
	}
}

func TestStoreCreateCanonicalEntry(t *testing.T) {
	repo := newMockRepository()
	store := loadedStore(t, repo)

	data := &EntryData{
		Region:   "eu",
		Username: "lanlink",
		NoCloud:  true,
		Devices: map[string]DeviceRecord{
			"dev-1": {DeviceID: "dev-1", Host: "192.168.1.10"},
		},
	}
	entry, err := NewCanonicalEntry("entry-new", "lanlink", data, time.Now())
	if err != nil {
		t.Fatalf("NewCanonicalEntry: %v", err)
	}
	if err := store.Create(context.Background(), entry); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := store.Get("entry-new")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Version != EntriesVersion {
		t.Errorf("version = %d, want %d", got.Version, EntriesVersion)
	}
	gotData, err := got.AccountData()
	if err != nil {
		t.Fatalf("AccountData: %v", err)
	}
	if gotData.UpdatedAt == "" {
		t.Error("updated_at not stamped by NewCanonicalEntry")
	}
	if _, ok := gotData.Devices["dev-1"]; !ok {
		t.Error("device missing from created entry")
	}
}
