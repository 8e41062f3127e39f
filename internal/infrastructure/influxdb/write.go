package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Device event names recorded in the device_event measurement.
const (
	EventOnline     = "online"
	EventOffline    = "offline"
	EventReconciled = "reconciled"
)

// WriteDeviceEvent records a fleet event for one device.
//
// The write is non-blocking; data is batched and sent asynchronously.
// Use the Event* constants for the event name so dashboards can group
// consistently.
//
// Example:
//
//	client.WriteDeviceEvent("bf1234567890", influxdb.EventReconciled)
func (c *Client) WriteDeviceEvent(deviceID string, event string) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"device_event",
		map[string]string{
			"device_id": deviceID,
			"event":     event,
		},
		map[string]interface{}{
			"count": 1,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WriteCommandResult records the outcome of one dispatched command.
//
// Parameters:
//   - deviceID: Device the command targeted
//   - index: Datapoint index the command set
//   - ok: Whether dispatch succeeded
//   - elapsed: Dispatch round-trip time
func (c *Client) WriteCommandResult(deviceID string, index int, ok bool, elapsed time.Duration) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"command",
		map[string]string{
			"device_id": deviceID,
		},
		map[string]interface{}{
			"index":      index,
			"ok":         ok,
			"elapsed_ms": elapsed.Milliseconds(),
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WriteFleetGauge records a point-in-time fleet statistic, such as the
// number of connected devices after a supervisor sweep.
func (c *Client) WriteFleetGauge(name string, value float64) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"fleet",
		map[string]string{
			"gauge": name,
		},
		map[string]interface{}{
			"value": value,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WritePoint writes a custom point with full control over tags and fields.
//
// Use this for measurements that don't fit the helper methods.
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]interface{}) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(measurement, tags, fields, time.Now())
	c.writeAPI.WritePoint(point)
}
