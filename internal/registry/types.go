package registry

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Schema versions for account entries.
//
// Version 1 entries are legacy single-device configurations: the data
// payload is one DeviceRecord. Version 2 is the canonical account document
// holding cloud credentials and the full devices map. The migrator folds
// every v1 entry into a single v2 entry on startup.
const (
	LegacyVersion  = 1
	EntriesVersion = 2
)

// Entry is one persisted account entry.
//
// The Data payload is stored as raw JSON because its shape depends on
// Version; use AccountData or LegacyDevice to decode it.
type Entry struct {
	ID        string
	Version   int
	Title     string
	Data      json.RawMessage
	CreatedAt time.Time
	UpdatedAt time.Time
}

// EntryData is the canonical (version 2) account document.
type EntryData struct {
	Region       string                  `json:"region"`
	ClientID     string                  `json:"client_id"`
	ClientSecret string                  `json:"client_secret"`
	UserID       string                  `json:"user_id"`
	Username     string                  `json:"username"`
	NoCloud      bool                    `json:"no_cloud"`
	Devices      map[string]DeviceRecord `json:"devices"`

	// UpdatedAt is a millisecond-epoch string stamped on every devices-map
	// mutation. Kept inside the document so external consumers of the entry
	// see a change marker without comparing device maps.
	UpdatedAt string `json:"updated_at,omitempty"`
}

// DeviceRecord describes one registered device.
//
// DeviceID is the stable primary key and never changes after creation.
// Host and ProductKey are rewritten by the reconciler when discovery
// evidence shows they have drifted.
type DeviceRecord struct {
	DeviceID   string         `json:"device_id"`
	GatewayID  string         `json:"gateway_id,omitempty"`
	Host       string         `json:"host"`
	ProductKey string         `json:"product_key,omitempty"`
	Name       string         `json:"friendly_name,omitempty"`
	Entities   []EntityRecord `json:"entities,omitempty"`
}

// EntityRecord describes one presentation-layer entity exposed by a device.
// Entities are owned by the presentation layer; this core only carries them.
type EntityRecord struct {
	ID       int    `json:"id"`
	Platform string `json:"platform"`
	DeviceID string `json:"device_id,omitempty"`
	Name     string `json:"friendly_name,omitempty"`
}

// UniqueID returns the presentation-layer identifier for this entity.
func (e EntityRecord) UniqueID() string {
	return fmt.Sprintf("%s_%d", e.DeviceID, e.ID)
}

// AccountData decodes the entry payload as the canonical account document.
// Only valid for entries at EntriesVersion.
func (e *Entry) AccountData() (*EntryData, error) {
	if e.Version != EntriesVersion {
		return nil, fmt.Errorf("%w: entry %s is at version %d", ErrStaleVersion, e.ID, e.Version)
	}
	var data EntryData
	if err := json.Unmarshal(e.Data, &data); err != nil {
		return nil, fmt.Errorf("decoding account data for entry %s: %w", e.ID, err)
	}
	if data.Devices == nil {
		data.Devices = make(map[string]DeviceRecord)
	}
	return &data, nil
}

// LegacyDevice decodes the entry payload as a legacy single-device record.
// Returns ErrLegacyShape if the payload is not a valid device record.
func (e *Entry) LegacyDevice() (*DeviceRecord, error) {
	var rec DeviceRecord
	if err := json.Unmarshal(e.Data, &rec); err != nil {
		return nil, fmt.Errorf("%w: entry %s: %v", ErrLegacyShape, e.ID, err)
	}
	if rec.DeviceID == "" {
		return nil, fmt.Errorf("%w: entry %s has no device_id", ErrLegacyShape, e.ID)
	}
	if rec.Host == "" {
		return nil, fmt.Errorf("%w: entry %s has no host", ErrLegacyShape, e.ID)
	}
	return &rec, nil
}

// DeepCopy returns an independent copy of the entry.
func (e *Entry) DeepCopy() *Entry {
	clone := *e
	if e.Data != nil {
		clone.Data = make(json.RawMessage, len(e.Data))
		copy(clone.Data, e.Data)
	}
	return &clone
}

// DeepCopy returns an independent copy of the account document.
func (d *EntryData) DeepCopy() *EntryData {
	clone := *d
	clone.Devices = make(map[string]DeviceRecord, len(d.Devices))
	for id, rec := range d.Devices {
		clone.Devices[id] = *rec.DeepCopy()
	}
	return &clone
}

// DeepCopy returns an independent copy of the device record.
func (r *DeviceRecord) DeepCopy() *DeviceRecord {
	clone := *r
	if r.Entities != nil {
		clone.Entities = make([]EntityRecord, len(r.Entities))
		copy(clone.Entities, r.Entities)
	}
	return &clone
}

// Stamp records a devices-map mutation time as a millisecond-epoch string,
// matching the format persisted by earlier releases.
func (d *EntryData) Stamp(now time.Time) {
	d.UpdatedAt = strconv.FormatInt(now.UnixMilli(), 10)
}

// PlatformKinds returns the set of platform kinds across all entities of
// all devices in the document. Used to attach platform consumers in one batch.
func (d *EntryData) PlatformKinds() map[string]struct{} {
	kinds := make(map[string]struct{})
	for _, rec := range d.Devices {
		for _, ent := range rec.Entities {
			kinds[ent.Platform] = struct{}{}
		}
	}
	return kinds
}
