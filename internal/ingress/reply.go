package ingress

import (
	"encoding/json"

	"github.com/fxamacker/cbor/v2"

	"makerspace-backend/internal/authz"
)

// Power is the relay state a machine endpoint should hold.
type Power string

const (
	PowerStateOn  Power = "on"
	PowerStateOff Power = "off"
)

// Reply is published back to the endpoint that sent an event.
type Reply struct {
	Seq     uint64        `json:"seq,omitempty" cbor:"seq,omitempty"`
	Verdict authz.Verdict `json:"verdict" cbor:"verdict"`
	Reason  authz.Reason  `json:"reason,omitempty" cbor:"reason,omitempty"`
	Message string        `json:"message" cbor:"message"`
	Power   Power         `json:"power,omitempty" cbor:"power,omitempty"`
}

// Short texts shown on the endpoint display, one per outcome.
var reasonMessages = map[authz.Reason]string{
	authz.UnknownCard:             "Unknown card",
	authz.SubscriptionExpired:     "Subscription expired",
	authz.AlreadyLoggedIn:         "Already checked in",
	authz.NotCheckedIn:            "Check in first",
	authz.UnauthorizedMachineType: "Not authorized",
	authz.MachineInMaintenance:    "Maintenance due",
	authz.WrongUser:               "Machine in use",
	authz.NotInUse:                "No active session",
	authz.UnknownMachine:          "Machine not registered",
	authz.MalformedEvent:          "Bad message",
	authz.StoreUnavailable:        "Try again",
}

// MessageFor returns the display text for a rejection reason, or
// fallback when the reason is empty.
func MessageFor(reason authz.Reason, fallback string) string {
	if msg, ok := reasonMessages[reason]; ok {
		return msg
	}
	return fallback
}

// EncodeReply serializes r in the encoding the request used. Text
// lifecycle messages get JSON replies.
func EncodeReply(r Reply, enc Encoding) ([]byte, error) {
	if enc == EncodingCBOR {
		return cbor.Marshal(r)
	}
	return json.Marshal(r)
}
