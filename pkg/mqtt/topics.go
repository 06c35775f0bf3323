package mqtt

import "fmt"

// Topic constants for the parking display pipeline. Uplinks arrive from the
// LoRaWAN bridge already decoded; downlinks are picked up by the same bridge.
const (
	// Decoded sensor uplinks (input)
	TopicUplinks = "parking/uplink/+"

	// Gateway delivery reports for dispatched commands (input)
	TopicAcks = "parking/ack/+"

	// Display commands toward the gateway (output)
	TopicDownlinkBase = "parking/downlink"

	// Decision audit log (output)
	TopicDecisionContextBase = "parking/context/decision"
)

// UplinkTopic constructs the uplink topic for a specific sensor device
// Pattern: parking/uplink/{device_id}
func UplinkTopic(deviceID string) string {
	return fmt.Sprintf("parking/uplink/%s", deviceID)
}

// DownlinkTopic constructs the downlink topic for a specific display device
// Pattern: parking/downlink/{device_id}
func DownlinkTopic(deviceID string) string {
	return fmt.Sprintf("%s/%s", TopicDownlinkBase, deviceID)
}

// AckTopic constructs the delivery report topic for a specific display device
// Pattern: parking/ack/{device_id}
func AckTopic(deviceID string) string {
	return fmt.Sprintf("parking/ack/%s", deviceID)
}

// DecisionContextTopic constructs the audit topic for a space's decisions
// Pattern: parking/context/decision/{space_id}
func DecisionContextTopic(spaceID string) string {
	return fmt.Sprintf("%s/%s", TopicDecisionContextBase, spaceID)
}
