// Package mqtt provides MQTT client connectivity for lanlink.
//
// This package manages:
//   - Connection to the broker with auto-reconnect
//   - Message publishing with QoS guarantees
//   - Topic subscriptions with wildcard support
//   - Last Will and Testament (LWT) for offline detection
//
// # Architecture
//
// lanlink uses MQTT as its outward message bus: external services publish
// commands (set_value, reload) and receive per-command acks, and
// presentation-layer consumers subscribe to retained entity announcements
// published under lanlink/platform/. The broker decouples lanlink from the
// systems that consume its devices.
//
//	External services ↔ MQTT Broker ↔ lanlink
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	err = client.Subscribe(mqtt.Topics{}.CommandSetValue(), 1,
//	    func(topic string, payload []byte) error {
//	        // dispatch the command
//	        return nil
//	    })
package mqtt
