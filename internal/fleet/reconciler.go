package fleet

import (
	"context"
	"sync"
	"time"

	"github.com/nerrad567/lanlink/internal/discovery"
	"github.com/nerrad567/lanlink/internal/registry"
)

// Reconciler consumes discovery broadcasts and reconciles them against the
// registry by stable device identity, never by address.
//
// Discovery traffic is untrusted and continuous, so the reconciler never
// surfaces errors to its caller: unmatched or malformed records are dropped
// at debug level.
type Reconciler struct {
	store   *registry.Store
	manager *Manager
	events  EventRecorder
	logger  Logger

	// seenAddrs short-circuits records for addresses already processed this
	// session. Purely a performance guard: an unchanged device needs no
	// registry mutation.
	mu        sync.Mutex
	seenAddrs map[string]struct{}
}

// NewReconciler creates a reconciler over the store and session manager.
func NewReconciler(store *registry.Store, manager *Manager) *Reconciler {
	return &Reconciler{
		store:     store,
		manager:   manager,
		events:    noopRecorder{},
		logger:    noopLogger{},
		seenAddrs: make(map[string]struct{}),
	}
}

// SetLogger sets the logger for the reconciler.
func (r *Reconciler) SetLogger(logger Logger) {
	r.logger = logger
}

// SetEvents sets the fleet event recorder.
func (r *Reconciler) SetEvents(e EventRecorder) {
	r.events = e
}

// Run consumes records until the channel closes or the context is
// cancelled. Start it in its own goroutine.
func (r *Reconciler) Run(ctx context.Context, records <-chan discovery.Record) {
	for {
		select {
		case <-ctx.Done():
			return
		case rec, ok := <-records:
			if !ok {
				return
			}
			r.Handle(ctx, rec)
		}
	}
}

// Handle reconciles one discovery record.
//
// The discovered identity is matched against each device's own id and its
// gateway id (sub-devices broadcast through their gateway). When address or
// product key drifted, both are staged as one atomic registry write; the
// persisted update triggers a full entry reload through the manager's
// update listener, so no direct reconnect happens here. When nothing
// drifted, a disconnected session gets a fire-and-forget connect.
func (r *Reconciler) Handle(ctx context.Context, rec discovery.Record) {
	entry, err := r.store.EntryForDevice(rec.DeviceID)
	if err != nil {
		// Not registered; discovery does not auto-add devices.
		r.logger.Debug("unmatched discovery record", "device_id", rec.DeviceID, "host", rec.Host)
		return
	}

	if r.addressSeen(rec.Host) {
		return
	}

	data, err := entry.AccountData()
	if err != nil {
		r.logger.Debug("discovery record for unreadable entry", "entry_id", entry.ID, "error", err)
		return
	}

	matched, drifted := matchDevices(data, rec)
	if len(matched) == 0 {
		r.logger.Debug("unmatched discovery record", "device_id", rec.DeviceID)
		return
	}

	if drifted {
		err := r.store.UpdateData(ctx, entry.ID, func(d *registry.EntryData) error {
			applyDrift(d, rec)
			d.Stamp(time.Now())
			return nil
		})
		if err != nil {
			r.logger.Warn("reconciliation write failed", "entry_id", entry.ID, "error", err)
			return
		}

		r.markAddress(rec.Host)
		for _, deviceID := range matched {
			r.events.WriteDeviceEvent(deviceID, "reconciled")
		}
		r.logger.Info("device reconciled",
			"device_id", rec.DeviceID,
			"host", rec.Host,
			"devices", len(matched),
		)
		// The registry write reloads the entry via the update listener;
		// a direct reconnect here would race that reload.
		return
	}

	r.markAddress(rec.Host)

	// Values already match: nudge any disconnected session back online.
	for _, deviceID := range matched {
		if s, ok := r.manager.SessionFor(deviceID); ok && !s.Connected() {
			go r.manager.connectSession(deviceID, s)
		}
	}
}

// SeenAddressCount returns the size of the dedup set.
func (r *Reconciler) SeenAddressCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.seenAddrs)
}

func (r *Reconciler) addressSeen(host string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.seenAddrs[host]
	return ok
}

func (r *Reconciler) markAddress(host string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seenAddrs[host] = struct{}{}
}

// matchDevices returns the device ids the record identifies and whether any
// of them drifted from the recorded address or product key.
func matchDevices(data *registry.EntryData, rec discovery.Record) (matched []string, drifted bool) {
	for deviceID, device := range data.Devices {
		if deviceID != rec.DeviceID && device.GatewayID != rec.DeviceID {
			continue
		}
		matched = append(matched, deviceID)

		if device.Host != rec.Host {
			drifted = true
		}
		// Product key belongs to the broadcasting device itself, never to
		// sub-devices matched through their gateway id.
		if deviceID == rec.DeviceID && rec.ProductKey != "" && device.ProductKey != rec.ProductKey {
			drifted = true
		}
	}
	return matched, drifted
}

// applyDrift rewrites address and identity metadata for every matched
// device as one staged update.
func applyDrift(data *registry.EntryData, rec discovery.Record) {
	for deviceID, device := range data.Devices {
		if deviceID != rec.DeviceID && device.GatewayID != rec.DeviceID {
			continue
		}
		device.Host = rec.Host
		if deviceID == rec.DeviceID && rec.ProductKey != "" {
			device.ProductKey = rec.ProductKey
		}
		data.Devices[deviceID] = device
	}
}
