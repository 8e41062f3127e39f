package platforms

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/nerrad567/lanlink/internal/infrastructure/mqtt"
	"github.com/nerrad567/lanlink/internal/registry"
)

// Logger defines the logging interface used by the forwarder.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Publisher is the broker surface the forwarder needs. Satisfied by
// *mqtt.Client.
type Publisher interface {
	PublishRetained(topic string, payload []byte) error
	ClearRetained(topic string) error
}

// announcement is the retained payload describing one entity to
// presentation-layer consumers.
type announcement struct {
	UniqueID string `json:"unique_id"`
	Platform string `json:"platform"`
	DeviceID string `json:"device_id"`
	Name     string `json:"friendly_name,omitempty"`
	Index    int    `json:"dp_index"`
}

// tracked remembers where an entity was announced so it can be withdrawn.
type tracked struct {
	entryID  string
	deviceID string
	topic    string
}

// Forwarder announces device entities to presentation consumers as retained
// MQTT messages, one topic per entity, and withdraws them on detach.
//
// Attach is batched per entry: every entity of every device goes out before
// the caller proceeds to connect sessions, so consumers never see a
// partially announced account.
type Forwarder struct {
	pub    Publisher
	topics mqtt.Topics
	logger Logger

	mu       sync.Mutex
	entities map[string]tracked // keyed by entity unique id
}

// NewForwarder creates a forwarder publishing through pub.
func NewForwarder(pub Publisher) *Forwarder {
	return &Forwarder{
		pub:      pub,
		logger:   noopLogger{},
		entities: make(map[string]tracked),
	}
}

// SetLogger sets the logger for the forwarder.
func (f *Forwarder) SetLogger(logger Logger) {
	f.logger = logger
}

// AttachEntities announces every entity of every device in one batch.
// Partial failures abort the attach and are returned; already-published
// announcements stay retained and are overwritten on the next attach.
func (f *Forwarder) AttachEntities(entryID string, devices map[string]registry.DeviceRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	// Deterministic announce order keeps retained-topic churn stable.
	deviceIDs := make([]string, 0, len(devices))
	for id := range devices {
		deviceIDs = append(deviceIDs, id)
	}
	sort.Strings(deviceIDs)

	count := 0
	for _, deviceID := range deviceIDs {
		dev := devices[deviceID]
		for _, ent := range dev.Entities {
			ent.DeviceID = deviceID
			if err := f.announce(entryID, deviceID, ent); err != nil {
				return fmt.Errorf("announcing entity %s: %w", ent.UniqueID(), err)
			}
			count++
		}
	}

	f.logger.Info("entities attached", "entry_id", entryID, "count", count)
	return nil
}

// announce publishes one retained entity config and tracks it.
// Caller holds f.mu.
func (f *Forwarder) announce(entryID, deviceID string, ent registry.EntityRecord) error {
	topic := f.topics.PlatformConfig(ent.Platform, ent.UniqueID())

	payload, err := json.Marshal(announcement{
		UniqueID: ent.UniqueID(),
		Platform: ent.Platform,
		DeviceID: deviceID,
		Name:     ent.Name,
		Index:    ent.ID,
	})
	if err != nil {
		return fmt.Errorf("encoding announcement: %w", err)
	}

	if err := f.pub.PublishRetained(topic, payload); err != nil {
		return err
	}

	f.entities[ent.UniqueID()] = tracked{
		entryID:  entryID,
		deviceID: deviceID,
		topic:    topic,
	}
	return nil
}

// DetachEntities withdraws every announcement made for the entry.
// Failures are collected; tracking is cleared only for entities whose
// withdrawal succeeded, so a retry can finish the job.
func (f *Forwarder) DetachEntities(entryID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	var errs []error
	for uniqueID, tr := range f.entities {
		if tr.entryID != entryID {
			continue
		}
		if err := f.pub.ClearRetained(tr.topic); err != nil {
			errs = append(errs, fmt.Errorf("withdrawing %s: %w", uniqueID, err))
			continue
		}
		delete(f.entities, uniqueID)
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	f.logger.Info("entities detached", "entry_id", entryID)
	return nil
}

// RemoveDeviceEntities withdraws every announcement for one device.
// Used on device removal, ahead of the registry rewrite.
func (f *Forwarder) RemoveDeviceEntities(deviceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	var errs []error
	for uniqueID, tr := range f.entities {
		if tr.deviceID != deviceID {
			continue
		}
		if err := f.pub.ClearRetained(tr.topic); err != nil {
			errs = append(errs, fmt.Errorf("withdrawing %s: %w", uniqueID, err))
			continue
		}
		delete(f.entities, uniqueID)
	}
	return errors.Join(errs...)
}

// CleanupOrphans withdraws announcements whose device no longer exists in
// the registry. A no-op when nothing is orphaned.
func (f *Forwarder) CleanupOrphans(entryID string, validDevices map[string]registry.DeviceRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	var errs []error
	removed := 0
	for uniqueID, tr := range f.entities {
		if tr.entryID != entryID {
			continue
		}
		if _, ok := validDevices[tr.deviceID]; ok {
			continue
		}
		if err := f.pub.ClearRetained(tr.topic); err != nil {
			errs = append(errs, fmt.Errorf("withdrawing orphan %s: %w", uniqueID, err))
			continue
		}
		delete(f.entities, uniqueID)
		removed++
	}

	if removed > 0 {
		f.logger.Info("orphan entities removed", "entry_id", entryID, "count", removed)
	}
	return errors.Join(errs...)
}

// EntityCount returns the number of currently announced entities.
func (f *Forwarder) EntityCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entities)
}
