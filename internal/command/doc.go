// Package command exposes the fleet over the MQTT message bus.
//
// The service subscribes to the lanlink/command/+ tree, dispatches
// set_value and reload requests against the fleet manager, and publishes
// exactly one acknowledgment per request on lanlink/ack/<command_id>.
package command
