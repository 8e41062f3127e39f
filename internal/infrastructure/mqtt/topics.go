package mqtt

import "fmt"

// Topic prefixes for the lanlink message bus.
//
// Command topics carry inbound requests from other services; ack topics
// carry per-command results keyed by the caller-supplied command id;
// platform topics carry retained entity announcements for presentation
// layers (Home Assistant style consumers).
const (
	// TopicPrefix is the base for all lanlink topics.
	TopicPrefix = "lanlink"

	// TopicPrefixSystem is the base for system topics.
	TopicPrefixSystem = "lanlink/system"

	// TopicPrefixPlatform is the base for entity announcement topics.
	TopicPrefixPlatform = "lanlink/platform"
)

// Topics provides builders for lanlink MQTT topics.
// Using these helpers keeps topic naming consistent across the codebase.
type Topics struct{}

// CommandSetValue returns the topic external callers publish set-value
// requests to.
//
// Example: lanlink/command/set_value
func (Topics) CommandSetValue() string {
	return fmt.Sprintf("%s/command/set_value", TopicPrefix)
}

// CommandReload returns the topic that triggers a full reload of every
// managed account entry.
//
// Example: lanlink/command/reload
func (Topics) CommandReload() string {
	return fmt.Sprintf("%s/command/reload", TopicPrefix)
}

// Ack returns the per-command result topic.
//
// Example: lanlink/ack/2f4c9a31-9f27-4af1-8e22-b7f2a7d9f001
func (Topics) Ack(commandID string) string {
	return fmt.Sprintf("%s/ack/%s", TopicPrefix, commandID)
}

// DeviceEvent returns the topic for connection state events of one device.
//
// Example: lanlink/device/bf1234567890/event
func (Topics) DeviceEvent(deviceID string) string {
	return fmt.Sprintf("%s/device/%s/event", TopicPrefix, deviceID)
}

// PlatformConfig returns the retained announcement topic for one entity.
// Clearing the retained payload on this topic removes the entity from
// consumers.
//
// Example: lanlink/platform/switch/bf1234567890_1/config
func (Topics) PlatformConfig(kind, uniqueID string) string {
	return fmt.Sprintf("%s/%s/%s/config", TopicPrefixPlatform, kind, uniqueID)
}

// SystemStatus returns the service status topic (online/offline, LWT).
//
// Example: lanlink/system/status
func (Topics) SystemStatus() string {
	return fmt.Sprintf("%s/status", TopicPrefixSystem)
}

// AllCommands returns a pattern matching every command topic.
//
// Pattern: lanlink/command/+
func (Topics) AllCommands() string {
	return fmt.Sprintf("%s/command/+", TopicPrefix)
}

// AllPlatformConfigs returns a pattern matching every entity announcement.
//
// Pattern: lanlink/platform/+/+/config
func (Topics) AllPlatformConfigs() string {
	return fmt.Sprintf("%s/+/+/config", TopicPrefixPlatform)
}

// AllDeviceEvents returns a pattern matching every device event topic.
//
// Pattern: lanlink/device/+/event
func (Topics) AllDeviceEvents() string {
	return fmt.Sprintf("%s/device/+/event", TopicPrefix)
}
