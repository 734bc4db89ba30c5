package ingress

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// wireEvent is the structured payload published by endpoint firmware,
// either as a JSON object or as a CBOR map with the same keys.
type wireEvent struct {
	Kind      string `json:"kind" cbor:"kind"`
	Card      string `json:"card" cbor:"card"`
	ID        string `json:"id" cbor:"id"`
	Seq       uint64 `json:"seq" cbor:"seq"`
	Timestamp int64  `json:"ts" cbor:"ts"`
}

var decMode cbor.DecMode

func init() {
	var err error
	decMode, err = cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyEnforcedAPF,
		MaxMapPairs: 32,
	}.DecMode()
	if err != nil {
		panic("ingress: CBOR decoder initialization failed: " + err.Error())
	}
}

// Decoder normalizes raw payloads. ConnectMessage and AliveMessage are
// the plain-text lifecycle payloads endpoints publish on their topic.
type Decoder struct {
	ConnectMessage string
	AliveMessage   string
}

// Decode turns one payload into a canonical event. Errors wrap
// ErrMalformedEvent.
func (d Decoder) Decode(endpoint EndpointKind, endpointID string, payload []byte, receivedAt time.Time) (Event, error) {
	event := Event{
		Endpoint:   endpoint,
		EndpointID: endpointID,
		ReceivedAt: receivedAt,
	}
	if endpointID == "" {
		return event, fmt.Errorf("%w: empty endpoint id", ErrMalformedEvent)
	}

	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return event, fmt.Errorf("%w: empty payload", ErrMalformedEvent)
	}

	switch text := string(trimmed); {
	case d.ConnectMessage != "" && text == d.ConnectMessage:
		event.Kind, event.Encoding = Connect, EncodingText
		return event, nil
	case d.AliveMessage != "" && text == d.AliveMessage:
		event.Kind, event.Encoding = KeepAlive, EncodingText
		return event, nil
	}

	var wire wireEvent
	if trimmed[0] == '{' {
		if err := json.Unmarshal(trimmed, &wire); err != nil {
			return event, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		event.Encoding = EncodingJSON
	} else {
		if err := decMode.Unmarshal(payload, &wire); err != nil {
			return event, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		event.Encoding = EncodingCBOR
	}

	event.Kind = Kind(strings.ToLower(strings.TrimSpace(wire.Kind)))
	event.CardUID = NormalizeCardUID(wire.Card)
	event.ID = strings.TrimSpace(wire.ID)
	event.Sequence = wire.Seq
	if wire.Timestamp > 0 {
		event.ReportedAt = time.Unix(wire.Timestamp, 0)
	}

	if err := validate(event); err != nil {
		return event, err
	}
	return event, nil
}

func validate(e Event) error {
	switch e.Kind {
	case CardTap:
		if e.CardUID == "" {
			return fmt.Errorf("%w: card-tap without card", ErrMalformedEvent)
		}
	case PowerOn, PowerOff:
		if e.Endpoint != MachineEndpoint {
			return fmt.Errorf("%w: %s from %s endpoint", ErrMalformedEvent, e.Kind, e.Endpoint)
		}
	case KeepAlive, Connect:
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrMalformedEvent, e.Kind)
	}
	return nil
}

// NormalizeCardUID upper-cases a card UID and strips the separators
// readers put between bytes ("04:a2:1f" and "04 A2 1F" become "04A21F").
func NormalizeCardUID(raw string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(raw) {
		switch r {
		case ':', '-', ' ':
			continue
		}
		b.WriteRune(r)
	}
	return strings.ToUpper(b.String())
}
