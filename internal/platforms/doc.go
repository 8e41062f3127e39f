// Package platforms bridges device entities to presentation-layer consumers.
//
// lanlink does not render entities itself. Instead it announces each entity
// as a retained MQTT message under lanlink/platform/, the same pattern
// Home Assistant's MQTT discovery uses: consumers that come online later
// still receive the full entity set from the broker. Detaching an entry or
// removing a device withdraws the announcements by clearing the retained
// payloads.
package platforms
