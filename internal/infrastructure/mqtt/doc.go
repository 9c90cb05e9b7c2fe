// Package mqtt provides MQTT client connectivity for the accessory bridge.
//
// This package manages:
//   - Connection to the broker with auto-reconnect
//   - Message publishing with QoS guarantees
//   - Tracked topic subscriptions, replayed after reconnect
//   - Last Will and Testament (LWT) for offline detection
//
// # Architecture
//
// The platform accessory framework lives in a separate native host process.
// The bridge reaches it over MQTT:
//
//	Accessory Bridge ↔ MQTT Broker ↔ Native Host (platform framework)
//
// Topic naming is centralised in Topics.
//
// # Security Considerations
//
//   - Enable TLS (cfg.Broker.TLS) whenever the broker is not on loopback
//   - Credentials come from config or ACCBRIDGE_MQTT_* variables
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	err = client.Subscribe(mqtt.Topics{}.NativeCharacteristicEvents("hub-1"), 1,
//	    func(topic string, payload []byte) error {
//	        return nil
//	    })
package mqtt
