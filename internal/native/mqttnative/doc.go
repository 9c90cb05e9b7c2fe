// Package mqttnative implements the native accessory layer over MQTT.
//
// The platform accessory framework runs inside a separate native host
// process. The bridge and the host exchange JSON messages through the
// broker on topics under accessorybridge/native/{host}/:
//
//	request/{token}          bridge → host   RequestMessage
//	response/{token}         host → bridge   ResponseMessage
//	event/characteristic     host → bridge   CharacteristicEventMessage
//	event/reachability       host → bridge   ReachabilityEventMessage
//	status (retained, LWT)   host → bridge   mqtt.StatusMessage
//
// The host's status drives the bridge lifecycle: the first "online" makes
// the layer available, "online" after "offline" triggers a reconnect
// refresh, and "failed" is reported as fatal.
package mqttnative
