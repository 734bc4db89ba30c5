// Package parse turns the strings endpoints and API clients send into
// structured values.
package parse

import (
	"fmt"
	"regexp"
	"strings"

	"makerspace-backend/internal/ingress"
)

var topicRe = regexp.MustCompile(`^([^/+#|\s]+)/([^/+#|\s]+)$`)

// ParsedTopic is the endpoint addressed by an MQTT topic.
type ParsedTopic struct {
	Endpoint   ingress.EndpointKind
	EndpointID string
}

// ParseTopic splits "<prefix>/<endpoint id>" and maps the prefix to the
// endpoint kind. Reply topics and anything deeper are rejected.
func ParseTopic(topic, machinePrefix, accessPrefix string) (ParsedTopic, error) {
	m := topicRe.FindStringSubmatch(strings.TrimSpace(topic))
	if m == nil {
		return ParsedTopic{}, fmt.Errorf("unable to parse topic: %q", topic)
	}
	switch m[1] {
	case machinePrefix:
		return ParsedTopic{Endpoint: ingress.MachineEndpoint, EndpointID: m[2]}, nil
	case accessPrefix:
		return ParsedTopic{Endpoint: ingress.AccessEndpoint, EndpointID: m[2]}, nil
	}
	return ParsedTopic{}, fmt.Errorf("unknown topic prefix %q in %q", m[1], topic)
}

// ReplyTopic is where the answer to a message on topic is published.
func ReplyTopic(topic string) string {
	return topic + "/response"
}
