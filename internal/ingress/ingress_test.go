package ingress

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"makerspace-backend/internal/authz"
)

var receivedAt = time.Date(2026, 5, 12, 9, 30, 0, 0, time.UTC)

func testDecoder() Decoder {
	return Decoder{ConnectMessage: "connect", AliveMessage: "alive"}
}

func TestDecode(t *testing.T) {
	cborTap, err := cbor.Marshal(wireEvent{Kind: "card-tap", Card: "04a21f", Seq: 7})
	require.NoError(t, err)

	testCases := []struct {
		name     string
		endpoint EndpointKind
		payload  []byte
		expected Event
	}{
		{
			name:     "JSON card tap",
			endpoint: AccessEndpoint,
			payload:  []byte(`{"kind":"card-tap","card":"04:a2:1f","seq":12,"ts":1778578200}`),
			expected: Event{Kind: CardTap, CardUID: "04A21F", Sequence: 12, ReportedAt: time.Unix(1778578200, 0), Encoding: EncodingJSON},
		},
		{
			name:     "CBOR card tap",
			endpoint: MachineEndpoint,
			payload:  cborTap,
			expected: Event{Kind: CardTap, CardUID: "04A21F", Sequence: 7, Encoding: EncodingCBOR},
		},
		{
			name:     "raw connect message",
			endpoint: MachineEndpoint,
			payload:  []byte("connect\n"),
			expected: Event{Kind: Connect, Encoding: EncodingText},
		},
		{
			name:     "raw alive message",
			endpoint: AccessEndpoint,
			payload:  []byte("alive"),
			expected: Event{Kind: KeepAlive, Encoding: EncodingText},
		},
		{
			name:     "JSON power off",
			endpoint: MachineEndpoint,
			payload:  []byte(`{"kind":"POWER-OFF","seq":3}`),
			expected: Event{Kind: PowerOff, Sequence: 3, Encoding: EncodingJSON},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			event, err := testDecoder().Decode(tc.endpoint, "ep-1", tc.payload, receivedAt)
			require.NoError(t, err)
			tc.expected.Endpoint = tc.endpoint
			tc.expected.EndpointID = "ep-1"
			tc.expected.ReceivedAt = receivedAt
			assert.Equal(t, tc.expected, event)
		})
	}
}

func TestDecode_Malformed(t *testing.T) {
	testCases := []struct {
		name       string
		endpoint   EndpointKind
		endpointID string
		payload    []byte
	}{
		{"empty payload", AccessEndpoint, "ep-1", []byte("   ")},
		{"broken JSON", AccessEndpoint, "ep-1", []byte(`{"kind":`)},
		{"garbage", AccessEndpoint, "ep-1", []byte("hello there")},
		{"unknown kind", MachineEndpoint, "ep-1", []byte(`{"kind":"explode"}`)},
		{"tap without card", AccessEndpoint, "ep-1", []byte(`{"kind":"card-tap","seq":1}`)},
		{"power event at access endpoint", AccessEndpoint, "ep-1", []byte(`{"kind":"power-off","seq":1}`)},
		{"missing endpoint id", MachineEndpoint, "", []byte("alive")},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := testDecoder().Decode(tc.endpoint, tc.endpointID, tc.payload, receivedAt)
			assert.ErrorIs(t, err, ErrMalformedEvent)
		})
	}
}

func TestEventKey(t *testing.T) {
	bySeq := Event{EndpointID: "lathe-1", Kind: CardTap, Sequence: 4, ReportedAt: receivedAt}
	assert.Equal(t, "lathe-1|seq:4|card-tap", bySeq.Key().String())

	byTimestamp := Event{EndpointID: "lathe-1", Kind: PowerOff, ReportedAt: time.Unix(100, 0)}
	assert.Equal(t, "lathe-1|ts:100:|power-off", byTimestamp.Key().String())

	firstCard := Event{EndpointID: "door", Kind: CardTap, CardUID: "AA01", ReportedAt: time.Unix(100, 0)}
	secondCard := Event{EndpointID: "door", Kind: CardTap, CardUID: "BB02", ReportedAt: time.Unix(100, 0)}
	assert.Equal(t, "door|ts:100:AA01|card-tap", firstCard.Key().String())
	assert.NotEqual(t, firstCard.Key(), secondCard.Key())

	byID := Event{EndpointID: "lathe-1", Kind: CardTap, ID: "a7", Sequence: 4}
	assert.Equal(t, "lathe-1|id:a7|card-tap", byID.Key().String())

	assert.True(t, Event{EndpointID: "lathe-1", Kind: KeepAlive, Sequence: 9}.Key().Empty())
	assert.True(t, Event{EndpointID: "lathe-1", Kind: CardTap}.Key().Empty())

	sameSeqOtherKind := Event{EndpointID: "lathe-1", Kind: PowerOff, Sequence: 4}
	assert.NotEqual(t, bySeq.Key(), sameSeqOtherKind.Key())
}

func TestMemoryDeduper(t *testing.T) {
	ctx := context.Background()
	d := NewMemoryDeduper(time.Minute)
	key := Event{EndpointID: "door", Kind: CardTap, Sequence: 1}.Key()

	_, found, err := d.Lookup(ctx, key)
	require.NoError(t, err)
	assert.False(t, found)

	reply := Reply{Seq: 1, Verdict: authz.Accept, Message: "Welcome"}
	require.NoError(t, d.Remember(ctx, key, reply))

	got, found, err := d.Lookup(ctx, key)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, reply, got)

	require.NoError(t, d.Remember(ctx, Key{EndpointID: "door"}, reply))
	_, found, _ = d.Lookup(ctx, Key{EndpointID: "door"})
	assert.False(t, found, "empty keys are never remembered")
}

func TestMemoryDeduper_Forget(t *testing.T) {
	ctx := context.Background()
	d := NewMemoryDeduper(time.Minute)
	door := Event{EndpointID: "door", Kind: CardTap, Sequence: 1}.Key()
	backDoor := Event{EndpointID: "door-2", Kind: CardTap, Sequence: 1}.Key()
	reply := Reply{Seq: 1, Verdict: authz.Accept, Message: "Welcome"}
	require.NoError(t, d.Remember(ctx, door, reply))
	require.NoError(t, d.Remember(ctx, backDoor, reply))

	require.NoError(t, d.Forget(ctx, "door"))

	_, found, err := d.Lookup(ctx, door)
	require.NoError(t, err)
	assert.False(t, found)
	_, found, err = d.Lookup(ctx, backDoor)
	require.NoError(t, err)
	assert.True(t, found)
}

func TestMemoryDeduper_Expires(t *testing.T) {
	ctx := context.Background()
	d := NewMemoryDeduper(20 * time.Millisecond)
	key := Event{EndpointID: "door", Kind: CardTap, Sequence: 2}.Key()
	require.NoError(t, d.Remember(ctx, key, Reply{Verdict: authz.Reject, Reason: authz.UnknownCard}))

	time.Sleep(50 * time.Millisecond)
	_, found, err := d.Lookup(ctx, key)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRedisDeduper(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	ctx := context.Background()
	d, err := NewRedisDeduper(ctx, addr, os.Getenv("REDIS_PASSWORD"), time.Minute)
	require.NoError(t, err)
	defer d.Close()

	key := Event{EndpointID: "door-" + time.Now().Format("150405.000000"), Kind: CardTap, Sequence: 1}.Key()
	reply := Reply{Seq: 1, Verdict: authz.Accept, Message: "Welcome"}
	require.NoError(t, d.Remember(ctx, key, reply))

	got, found, err := d.Lookup(ctx, key)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, reply, got)

	require.NoError(t, d.Forget(ctx, key.EndpointID))
	_, found, err = d.Lookup(ctx, key)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestEncodeReply(t *testing.T) {
	reply := Reply{Seq: 5, Verdict: authz.Reject, Reason: authz.WrongUser, Message: MessageFor(authz.WrongUser, ""), Power: PowerStateOn}

	raw, err := EncodeReply(reply, EncodingJSON)
	require.NoError(t, err)
	assert.JSONEq(t, `{"seq":5,"verdict":"reject","reason":"WrongUser","message":"Machine in use","power":"on"}`, string(raw))

	raw, err = EncodeReply(reply, EncodingCBOR)
	require.NoError(t, err)
	var decoded Reply
	require.NoError(t, cbor.Unmarshal(raw, &decoded))
	assert.Equal(t, reply, decoded)

	assert.Equal(t, "Welcome", MessageFor(authz.ReasonNone, "Welcome"))
}
