package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Defaults applied when rewriting a legacy entry as a canonical account
// document. Legacy entries predate cloud accounts, so the rewritten entry
// is explicitly marked offline-only.
const (
	migratedRegion   = "eu"
	migratedUsername = "lanlink"
)

// Migrator upgrades the persisted registry from the legacy one-entry-per-device
// layout (version 1) to the canonical account layout (version 2).
//
// The earliest-created legacy entry becomes the seed: it is rewritten in place
// as a canonical entry whose devices map holds its own record. Every other
// legacy entry is then folded into the first stored entry and deleted, so a
// registry that held N device entries ends up with a single account entry
// holding N device records.
//
// Run is idempotent: canonical entries pass through untouched, and a registry
// with no legacy entries is a no-op.
type Migrator struct {
	store  *Store
	logger Logger
	now    func() time.Time
}

// NewMigrator creates a migrator over the given store.
func NewMigrator(store *Store) *Migrator {
	return &Migrator{
		store:  store,
		logger: noopLogger{},
		now:    time.Now,
	}
}

// SetLogger sets the logger for the migrator.
func (m *Migrator) SetLogger(logger Logger) {
	m.logger = logger
}

// Run performs the migration. The store must be loaded first.
//
// Entries whose payload does not decode as a valid device record are left at
// their current version and reported; migration of the remaining entries
// continues. The returned error joins all per-entry failures.
func (m *Migrator) Run(ctx context.Context) error {
	entries := m.store.Entries()

	var legacy []Entry
	for _, e := range entries {
		if e.Version == LegacyVersion {
			legacy = append(legacy, e)
		}
	}
	if len(legacy) == 0 {
		return nil
	}

	m.logger.Info("migrating legacy entries", "count", len(legacy))

	var errs []error

	// Entries() orders by creation time, so legacy[0] is the seed.
	seedIdx := -1
	for i := range legacy {
		if err := m.rewriteSeed(ctx, &legacy[i]); err != nil {
			if errors.Is(err, ErrLegacyShape) {
				m.logger.Warn("skipping malformed legacy entry", "id", legacy[i].ID, "error", err)
				errs = append(errs, err)
				continue
			}
			return errors.Join(append(errs, err)...)
		}
		seedIdx = i
		break
	}
	if seedIdx == -1 {
		return errors.Join(errs...)
	}

	// Fold the remaining legacy entries into the first stored entry.
	target := m.mergeTarget()
	for i := seedIdx + 1; i < len(legacy); i++ {
		if err := m.foldEntry(ctx, target, &legacy[i]); err != nil {
			if errors.Is(err, ErrLegacyShape) {
				m.logger.Warn("skipping malformed legacy entry", "id", legacy[i].ID, "error", err)
				errs = append(errs, err)
				continue
			}
			return errors.Join(append(errs, err)...)
		}
	}

	return errors.Join(errs...)
}

// mergeTarget returns the ID of the earliest-created canonical entry, the
// fold destination for all remaining legacy entries. At least one exists by
// the time this runs: the rewritten seed.
func (m *Migrator) mergeTarget() string {
	for _, e := range m.store.Entries() {
		if e.Version == EntriesVersion {
			return e.ID
		}
	}
	return ""
}

// rewriteSeed upgrades a legacy entry in place to a canonical account entry
// containing its own device record.
func (m *Migrator) rewriteSeed(ctx context.Context, entry *Entry) error {
	rec, err := entry.LegacyDevice()
	if err != nil {
		return err
	}

	data := &EntryData{
		Region:   migratedRegion,
		Username: migratedUsername,
		NoCloud:  true,
		Devices: map[string]DeviceRecord{
			rec.DeviceID: *rec,
		},
	}
	data.Stamp(m.now())

	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encoding migrated entry %s: %w", entry.ID, err)
	}

	upgraded := entry.DeepCopy()
	upgraded.Version = EntriesVersion
	upgraded.Data = raw
	if upgraded.Title == "" {
		upgraded.Title = migratedUsername
	}

	if err := m.store.Replace(ctx, upgraded); err != nil {
		return fmt.Errorf("persisting migrated entry %s: %w", entry.ID, err)
	}

	m.logger.Info("legacy entry migrated", "id", entry.ID, "device_id", rec.DeviceID)
	return nil
}

// foldEntry moves a legacy entry's device record into the target entry's
// devices map and deletes the source entry.
func (m *Migrator) foldEntry(ctx context.Context, targetID string, entry *Entry) error {
	rec, err := entry.LegacyDevice()
	if err != nil {
		return err
	}

	err = m.store.UpdateData(ctx, targetID, func(data *EntryData) error {
		data.Devices[rec.DeviceID] = *rec
		data.Stamp(m.now())
		return nil
	})
	if err != nil {
		return fmt.Errorf("folding entry %s into %s: %w", entry.ID, targetID, err)
	}

	if err := m.store.Delete(ctx, entry.ID); err != nil {
		return fmt.Errorf("deleting folded entry %s: %w", entry.ID, err)
	}

	m.logger.Info("legacy entry folded", "id", entry.ID, "target", targetID, "device_id", rec.DeviceID)
	return nil
}
