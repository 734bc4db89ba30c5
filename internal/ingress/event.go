// Package ingress turns transport messages into canonical events,
// filters replays and encodes the replies sent back to endpoints.
package ingress

import (
	"errors"
	"strconv"
	"strings"
	"time"
)

// ErrMalformedEvent is returned for payloads that cannot be turned into
// a canonical event. Such events never reach the coordinator.
var ErrMalformedEvent = errors.New("malformed event")

// EndpointKind tells access endpoints from machine endpoints.
type EndpointKind string

const (
	AccessEndpoint  EndpointKind = "access"
	MachineEndpoint EndpointKind = "machine"
)

// Kind is the canonical event kind.
type Kind string

const (
	CardTap   Kind = "card-tap"
	PowerOn   Kind = "power-on"
	PowerOff  Kind = "power-off"
	KeepAlive Kind = "keep-alive"
	Connect   Kind = "connect"
)

// Encoding is the wire format a payload arrived in. Replies use the
// same format.
type Encoding string

const (
	EncodingJSON Encoding = "json"
	EncodingCBOR Encoding = "cbor"
	EncodingText Encoding = "text"
)

// Event is the canonical shape of everything an endpoint can send.
type Event struct {
	Endpoint   EndpointKind
	EndpointID string
	Kind       Kind
	CardUID    string
	ID         string // endpoint-assigned event id, optional
	Sequence   uint64
	ReportedAt time.Time // endpoint clock, informational only
	ReceivedAt time.Time // server receipt time, used for accounting
	Encoding   Encoding
}

// Lifecycle reports whether the event only carries liveness.
func (e Event) Lifecycle() bool {
	return e.Kind == KeepAlive || e.Kind == Connect
}

// Key identifies an event for replay detection.
type Key struct {
	EndpointID string
	Marker     string // "id:<id>", "seq:<n>" or "ts:<unix>"
	Kind       Kind
}

// Empty reports whether the event carried nothing to deduplicate on.
func (k Key) Empty() bool { return k.Marker == "" }

// keySeparator never occurs in an endpoint id.
const keySeparator = "|"

func (k Key) String() string {
	return strings.Join([]string{k.EndpointID, k.Marker, string(k.Kind)}, keySeparator)
}

// Key returns the dedup key, preferring the event id, then the
// sequence, then the reported timestamp. Lifecycle events and events
// carrying none of those get an empty key and are never treated as
// replays.
func (e Event) Key() Key {
	key := Key{EndpointID: e.EndpointID, Kind: e.Kind}
	if e.Lifecycle() {
		return key
	}
	switch {
	case e.ID != "":
		key.Marker = "id:" + e.ID
	case e.Sequence > 0:
		key.Marker = "seq:" + strconv.FormatUint(e.Sequence, 10)
	case !e.ReportedAt.IsZero():
		key.Marker = "ts:" + strconv.FormatInt(e.ReportedAt.Unix(), 10) + ":" + e.CardUID
	}
	return key
}
