package bus

import "strings"

// Topic families the controller subscribes to or publishes on.
const (
	TopicTelemetryPattern = "site/+/rack/+/telemetry"
	TopicReceiptPattern   = "ctrl/+/receipt"
	TopicDiscoverPattern  = "discover/#"

	TopicProposals       = "ctrl/proposals"
	TopicDiscoverStart   = "ctrl/discover/start"
	TopicDiscoverRaw     = "discover/raw"
	TopicDiscoverResults = "discover/results"
	TopicDiscoverApprove = "discover/approved"
	TopicDiscoverRemoved = "discover/removed"
)

// SetTopic returns the per-device setpoint command topic.
func SetTopic(deviceID string) string {
	return "ctrl/" + deviceID + "/set"
}

// Match reports whether topic matches an MQTT pattern with + and # wildcards.
func Match(pattern, topic string) bool {
	pp := strings.Split(pattern, "/")
	tp := strings.Split(topic, "/")

	for i, seg := range pp {
		if seg == "#" {
			// Multi-level wildcard must be last; matches the rest,
			// including zero levels.
			return i == len(pp)-1
		}
		if i >= len(tp) {
			return false
		}
		if seg != "+" && seg != tp[i] {
			return false
		}
	}
	return len(pp) == len(tp)
}

// TelemetryAddress extracts (site, rack) from a telemetry topic.
func TelemetryAddress(topic string) (site, rack string, ok bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != 5 || parts[0] != "site" || parts[2] != "rack" || parts[4] != "telemetry" {
		return "", "", false
	}
	return parts[1], parts[3], true
}

// ReceiptDevice extracts the device id from a receipt topic.
func ReceiptDevice(topic string) (string, bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[0] != "ctrl" || parts[2] != "receipt" {
		return "", false
	}
	return parts[1], true
}
