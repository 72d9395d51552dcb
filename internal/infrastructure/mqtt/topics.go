package mqtt

import "fmt"

// TopicPrefix is the root of every topic the bridge owns.
// Forwarded datagrams go to the configured topic, which need not live here.
const TopicPrefix = "graylogic"

// Topics provides builders for the bridge's own MQTT topics.
//
//	topics := mqtt.Topics{}
//	topics.BridgeHealth("udp", "udp-bridge-01")
//	// Returns: "graylogic/health/udp/udp-bridge-01"
type Topics struct{}

// ClientStatus returns the retained online/offline topic for an MQTT client.
//
// Example: graylogic/system/status/graylogic-udpbridge
func (Topics) ClientStatus(clientID string) string {
	return fmt.Sprintf("%s/system/status/%s", TopicPrefix, clientID)
}

// BridgeHealth returns the retained health topic for a bridge instance.
//
// Example: graylogic/health/udp/udp-bridge-01
func (Topics) BridgeHealth(protocol, bridgeID string) string {
	return fmt.Sprintf("%s/health/%s/%s", TopicPrefix, protocol, bridgeID)
}
