package mqtt

import "fmt"

// Topic roots for the accessory bridge bus.
//
// The native host process (the one that owns the platform accessory
// framework) and the bridge talk over a flat scheme:
//
//	accessorybridge/native/{host}/{category}[/{token}]
const (
	// TopicPrefix is the base for every accessory bridge topic.
	TopicPrefix = "accessorybridge"

	// TopicPrefixNative is the base for native host topics.
	TopicPrefixNative = "accessorybridge/native"

	// TopicPrefixSystem is the base for the bridge's own system topics.
	TopicPrefixSystem = "accessorybridge/system"
)

// Topics provides builders for accessory bridge MQTT topics.
// Using these helpers keeps topic naming consistent between the bridge
// and the native host.
//
//	topics := mqtt.Topics{}
//	req := topics.NativeRequest("hub-1", "5f0c...")
//	// Returns: "accessorybridge/native/hub-1/request/5f0c..."
type Topics struct{}

// =============================================================================
// Native Host Topics
// =============================================================================

// NativeRequest returns the topic a request with the given token is sent on.
//
// Example: accessorybridge/native/hub-1/request/3b1d6c1e
func (Topics) NativeRequest(hostID, token string) string {
	return fmt.Sprintf("%s/%s/request/%s", TopicPrefixNative, hostID, token)
}

// NativeResponse returns the topic the host answers a request on.
//
// Example: accessorybridge/native/hub-1/response/3b1d6c1e
func (Topics) NativeResponse(hostID, token string) string {
	return fmt.Sprintf("%s/%s/response/%s", TopicPrefixNative, hostID, token)
}

// NativeResponses returns the wildcard pattern for every response from a host.
func (Topics) NativeResponses(hostID string) string {
	return fmt.Sprintf("%s/%s/response/+", TopicPrefixNative, hostID)
}

// NativeCharacteristicEvents returns the topic for value-change notifications.
//
// Example: accessorybridge/native/hub-1/event/characteristic
func (Topics) NativeCharacteristicEvents(hostID string) string {
	return fmt.Sprintf("%s/%s/event/characteristic", TopicPrefixNative, hostID)
}

// NativeReachabilityEvents returns the topic for accessory reachability changes.
func (Topics) NativeReachabilityEvents(hostID string) string {
	return fmt.Sprintf("%s/%s/event/reachability", TopicPrefixNative, hostID)
}

// NativeStatus returns the retained status topic of a native host.
// The host sets its LWT on this topic.
func (Topics) NativeStatus(hostID string) string {
	return fmt.Sprintf("%s/%s/status", TopicPrefixNative, hostID)
}

// =============================================================================
// System Topics
// =============================================================================

// SystemStatus returns the bridge's own status topic (online/offline, LWT).
func (Topics) SystemStatus() string {
	return TopicPrefixSystem + "/status"
}

// AllNative returns a wildcard covering every native host topic.
// Intended for debugging tools only.
func (Topics) AllNative() string {
	return TopicPrefixNative + "/#"
}
