package fleet

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/lanlink/internal/registry"
)

// EntryState is the lifecycle state of one managed account entry.
type EntryState string

// Lifecycle states. An entry moves Unloaded → Migrating → Loaded →
// Activating → Active, and back through Unloading → Unloaded. An entry
// whose schema version is stale parks in Loaded with no sessions.
const (
	StateUnloaded   EntryState = "unloaded"
	StateMigrating  EntryState = "migrating"
	StateLoaded     EntryState = "loaded"
	StateActivating EntryState = "activating"
	StateActive     EntryState = "active"
	StateUnloading  EntryState = "unloading"
)

// sessionInfo binds a live session to the entry that owns it.
type sessionInfo struct {
	session Session
	entryID string
}

// DeviceStatus is a read-only snapshot of one managed device, exposed to
// the API layer.
type DeviceStatus struct {
	DeviceID  string `json:"device_id"`
	EntryID   string `json:"entry_id"`
	Host      string `json:"host"`
	Name      string `json:"friendly_name,omitempty"`
	Connected bool   `json:"connected"`
}

// Manager owns the per-entry lifecycle and the device session map.
//
// It is the only mutator of the session map; the reconciler and supervisor
// hold lookup access through Manager methods, never ownership. Lifecycle
// operations on the same entry are serialized by a per-entry lock so an
// unload always completes before the replacement activation begins.
type Manager struct {
	store        *registry.Store
	factory      SessionFactory
	platforms    PlatformAttacher
	cloudFactory CloudFactory
	events       EventRecorder
	logger       Logger

	mu       sync.RWMutex
	sessions map[string]sessionInfo
	states   map[string]EntryState

	lockMu     sync.Mutex
	entryLocks map[string]*sync.Mutex
}

// NewManager creates a manager over the given store. The factory builds a
// session per device during activation.
func NewManager(store *registry.Store, factory SessionFactory) *Manager {
	return &Manager{
		store:      store,
		factory:    factory,
		events:     noopRecorder{},
		logger:     noopLogger{},
		sessions:   make(map[string]sessionInfo),
		states:     make(map[string]EntryState),
		entryLocks: make(map[string]*sync.Mutex),
	}
}

// SetLogger sets the logger for the manager.
func (m *Manager) SetLogger(logger Logger) {
	m.logger = logger
}

// SetPlatforms sets the presentation-layer consumer.
func (m *Manager) SetPlatforms(p PlatformAttacher) {
	m.platforms = p
}

// SetCloudFactory enables cloud metadata enrichment for entries not marked
// no-cloud.
func (m *Manager) SetCloudFactory(f CloudFactory) {
	m.cloudFactory = f
}

// SetEvents sets the fleet event recorder.
func (m *Manager) SetEvents(e EventRecorder) {
	m.events = e
}

// Start loads the registry, migrates legacy entries, and activates every
// account entry. Per-entry setup failures are collected and returned joined;
// the remaining entries still come up. The store's update listener is
// registered last so migration writes never trigger reload cycles.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.store.Load(ctx); err != nil {
		return fmt.Errorf("loading registry: %w", err)
	}

	for _, e := range m.store.Entries() {
		if e.Version == registry.LegacyVersion {
			m.setState(e.ID, StateMigrating)
		} else {
			m.setState(e.ID, StateUnloaded)
		}
	}

	migrator := registry.NewMigrator(m.store)
	migrator.SetLogger(m.logger)
	migrationErr := migrator.Run(ctx)
	if migrationErr != nil {
		m.logger.Error("registry migration incomplete", "error", migrationErr)
	}

	var errs []error
	if migrationErr != nil {
		errs = append(errs, migrationErr)
	}

	for _, e := range m.store.Entries() {
		if err := m.SetupEntry(ctx, e.ID); err != nil {
			m.logger.Error("entry setup failed", "entry_id", e.ID, "error", err)
			errs = append(errs, fmt.Errorf("entry %s: %w", e.ID, err))
		}
	}

	m.store.SetOnUpdate(m.handleEntryUpdate)

	return errors.Join(errs...)
}

// Stop unloads every managed entry. Used at shutdown.
func (m *Manager) Stop(ctx context.Context) error {
	var errs []error
	for _, e := range m.store.Entries() {
		if err := m.UnloadEntry(ctx, e.ID); err != nil {
			errs = append(errs, fmt.Errorf("entry %s: %w", e.ID, err))
		}
	}
	return errors.Join(errs...)
}

// SetupEntry activates one account entry: sessions are created for every
// device, platform consumers are attached in a single batch, and only then
// are connects dispatched. Entries at a stale schema version park in Loaded
// with no sessions until migration completes.
func (m *Manager) SetupEntry(ctx context.Context, entryID string) error {
	lock := m.entryLock(entryID)
	lock.Lock()
	defer lock.Unlock()

	return m.setupLocked(ctx, entryID)
}

func (m *Manager) setupLocked(ctx context.Context, entryID string) error {
	entry, err := m.store.Get(entryID)
	if err != nil {
		return err
	}

	// Version gate: never operate on a stale schema.
	if entry.Version != registry.EntriesVersion {
		m.setState(entryID, StateLoaded)
		return fmt.Errorf("setup halted: %w", registry.ErrStaleVersion)
	}

	data, err := entry.AccountData()
	if err != nil {
		m.setState(entryID, StateLoaded)
		return err
	}

	m.enrichFromCloud(ctx, data)

	m.setState(entryID, StateActivating)

	created := make(map[string]Session, len(data.Devices))
	for deviceID, rec := range data.Devices {
		created[deviceID] = m.factory(deviceID, rec.Host)
	}

	// All platform consumers attach once, as a batch, before any connect is
	// issued. A partial attach aborts activation.
	if m.platforms != nil {
		if err := m.platforms.AttachEntities(entryID, data.Devices); err != nil {
			for _, s := range created {
				s.Close() //nolint:errcheck // Best effort on aborted activation
			}
			m.setState(entryID, StateLoaded)
			return fmt.Errorf("attaching platform consumers: %w", err)
		}
	}

	m.mu.Lock()
	for deviceID, s := range created {
		m.sessions[deviceID] = sessionInfo{session: s, entryID: entryID}
	}
	m.mu.Unlock()

	for deviceID, s := range created {
		go m.connectSession(deviceID, s)
	}

	if m.platforms != nil {
		if err := m.platforms.CleanupOrphans(entryID, data.Devices); err != nil {
			m.logger.Warn("orphan entity cleanup incomplete", "entry_id", entryID, "error", err)
		}
	}

	m.setState(entryID, StateActive)
	m.logger.Info("entry active", "entry_id", entryID, "devices", len(created))
	return nil
}

// enrichFromCloud fills in missing device names from the vendor cloud.
// Strictly best effort: any failure is logged and setup continues.
func (m *Manager) enrichFromCloud(ctx context.Context, data *registry.EntryData) {
	if data.NoCloud || m.cloudFactory == nil {
		return
	}

	api := m.cloudFactory(data.Region, data.ClientID, data.ClientSecret, data.UserID)
	if status := api.GetAccessToken(ctx); status != "ok" {
		m.logger.Error("cloud api connection failed", "status", status)
		return
	}

	infos, err := api.GetDevicesList(ctx)
	if err != nil {
		m.logger.Warn("cloud device list unavailable", "error", err)
		return
	}

	for deviceID, rec := range data.Devices {
		info, ok := infos[deviceID]
		if !ok {
			continue
		}
		if rec.Name == "" {
			rec.Name = info.Name
		}
		if rec.ProductKey == "" {
			rec.ProductKey = info.ProductKey
		}
		data.Devices[deviceID] = rec
	}
}

// connectSession dispatches one fire-and-forget connect.
func (m *Manager) connectSession(deviceID string, s Session) {
	if err := s.Connect(); err != nil {
		m.logger.Debug("connect failed", "device_id", deviceID, "error", err)
		return
	}
	m.events.WriteDeviceEvent(deviceID, "online")
}

// UnloadEntry closes every session belonging to the entry and detaches its
// platform consumers. Session close failures are collected and logged but
// do not abort the unload; the session map is cleared only once all
// detachments succeed.
func (m *Manager) UnloadEntry(ctx context.Context, entryID string) error {
	lock := m.entryLock(entryID)
	lock.Lock()
	defer lock.Unlock()

	return m.unloadLocked(ctx, entryID)
}

func (m *Manager) unloadLocked(_ context.Context, entryID string) error {
	m.setState(entryID, StateUnloading)

	m.mu.RLock()
	owned := make(map[string]Session)
	for deviceID, info := range m.sessions {
		if info.entryID == entryID {
			owned[deviceID] = info.session
		}
	}
	m.mu.RUnlock()

	for deviceID, s := range owned {
		if err := s.Close(); err != nil {
			m.logger.Warn("session close failed", "device_id", deviceID, "error", err)
		} else {
			m.events.WriteDeviceEvent(deviceID, "offline")
		}
	}

	if m.platforms != nil {
		if err := m.platforms.DetachEntities(entryID); err != nil {
			// Sessions are closed but stay mapped; a later unload or reload
			// retries the detach.
			return fmt.Errorf("detaching platform consumers: %w", err)
		}
	}

	m.mu.Lock()
	for deviceID := range owned {
		delete(m.sessions, deviceID)
	}
	m.mu.Unlock()

	m.setState(entryID, StateUnloaded)
	m.logger.Info("entry unloaded", "entry_id", entryID, "devices", len(owned))
	return nil
}

// ReloadEntry runs a full unload/re-activation cycle for one entry under a
// single per-entry lock, so no two sessions for the same device ever
// coexist.
func (m *Manager) ReloadEntry(ctx context.Context, entryID string) error {
	lock := m.entryLock(entryID)
	lock.Lock()
	defer lock.Unlock()

	if err := m.unloadLocked(ctx, entryID); err != nil {
		m.logger.Warn("unload failed during reload", "entry_id", entryID, "error", err)
	}
	return m.setupLocked(ctx, entryID)
}

// ReloadAll reloads every managed entry concurrently and waits for all to
// complete.
func (m *Manager) ReloadAll(ctx context.Context) error {
	entries := m.store.Entries()

	var (
		wg    sync.WaitGroup
		errMu sync.Mutex
		errs  []error
	)
	for _, e := range entries {
		wg.Add(1)
		go func(entryID string) {
			defer wg.Done()
			if err := m.ReloadEntry(ctx, entryID); err != nil {
				errMu.Lock()
				errs = append(errs, fmt.Errorf("entry %s: %w", entryID, err))
				errMu.Unlock()
			}
		}(e.ID)
	}
	wg.Wait()

	return errors.Join(errs...)
}

// RemoveDevice removes one device from its account: presentation entities
// first, then the session, then the registry record. Removing a device that
// is already absent from the registry finalizes a prior removal and is a
// pure no-op success.
func (m *Manager) RemoveDevice(ctx context.Context, deviceID string) error {
	if m.platforms != nil {
		if err := m.platforms.RemoveDeviceEntities(deviceID); err != nil {
			m.logger.Warn("entity removal incomplete", "device_id", deviceID, "error", err)
		}
	}

	entry, err := m.store.EntryForDevice(deviceID)
	if err != nil {
		if errors.Is(err, registry.ErrDeviceNotFound) {
			return nil
		}
		return err
	}

	data, err := entry.AccountData()
	if err != nil {
		return err
	}
	if _, ok := data.Devices[deviceID]; !ok {
		return nil
	}

	m.mu.Lock()
	if info, ok := m.sessions[deviceID]; ok {
		if err := info.session.Close(); err != nil {
			m.logger.Warn("session close failed", "device_id", deviceID, "error", err)
		}
		delete(m.sessions, deviceID)
	}
	m.mu.Unlock()

	err = m.store.UpdateData(ctx, entry.ID, func(d *registry.EntryData) error {
		delete(d.Devices, deviceID)
		d.Stamp(time.Now())
		return nil
	})
	if err != nil {
		return fmt.Errorf("removing device from registry: %w", err)
	}

	m.logger.Info("device removed", "device_id", deviceID, "entry_id", entry.ID)
	return nil
}

// handleEntryUpdate reacts to a persisted registry change by reloading the
// affected entry, so sessions always reflect the latest address/identity.
// Runs asynchronously: the write path must not block on a reconnect storm.
func (m *Manager) handleEntryUpdate(entryID string) {
	go func() {
		if err := m.ReloadEntry(context.Background(), entryID); err != nil {
			m.logger.Error("reload after registry update failed", "entry_id", entryID, "error", err)
		}
	}()
}

// Sweep dispatches a fire-and-forget connect for every registered device
// whose session is currently disconnected, and records the connected count.
// Called by the Supervisor on its fixed period.
func (m *Manager) Sweep() {
	m.mu.RLock()
	snapshot := make(map[string]Session, len(m.sessions))
	for deviceID, info := range m.sessions {
		snapshot[deviceID] = info.session
	}
	m.mu.RUnlock()

	connected := 0
	for deviceID, s := range snapshot {
		if s.Connected() {
			connected++
			continue
		}
		go m.connectSession(deviceID, s)
	}

	m.events.WriteFleetGauge("connected_devices", float64(connected))
	m.logger.Debug("supervisor sweep", "sessions", len(snapshot), "connected", connected)
}

// State returns the lifecycle state of one entry.
func (m *Manager) State(entryID string) EntryState {
	m.mu.RLock()
	defer m.mu.RUnlock()

	state, ok := m.states[entryID]
	if !ok {
		return StateUnloaded
	}
	return state
}

// SessionFor returns the live session for a device, if one exists.
func (m *Manager) SessionFor(deviceID string) (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	info, ok := m.sessions[deviceID]
	if !ok {
		return nil, false
	}
	return info.session, true
}

// SessionCount returns the number of live sessions.
func (m *Manager) SessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// DeviceStatuses returns a snapshot of every managed device for the API.
func (m *Manager) DeviceStatuses() []DeviceStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	statuses := make([]DeviceStatus, 0, len(m.sessions))
	for deviceID, info := range m.sessions {
		status := DeviceStatus{
			DeviceID:  deviceID,
			EntryID:   info.entryID,
			Connected: info.session.Connected(),
		}
		if entry, err := m.store.Get(info.entryID); err == nil {
			if data, err := entry.AccountData(); err == nil {
				if rec, ok := data.Devices[deviceID]; ok {
					status.Host = rec.Host
					status.Name = rec.Name
				}
			}
		}
		statuses = append(statuses, status)
	}
	return statuses
}

// setState records an entry's lifecycle state.
func (m *Manager) setState(entryID string, state EntryState) {
	m.mu.Lock()
	m.states[entryID] = state
	m.mu.Unlock()
}

// entryLock returns the lifecycle lock for one entry, creating it on first
// use.
func (m *Manager) entryLock(entryID string) *sync.Mutex {
	m.lockMu.Lock()
	defer m.lockMu.Unlock()

	lock, ok := m.entryLocks[entryID]
	if !ok {
		lock = &sync.Mutex{}
		m.entryLocks[entryID] = lock
	}
	return lock
}
