// ABOUTME: Tests for frame decoding across both vocabularies
// ABOUTME: Covers malformed input, unknown kinds, required fields and numeric ids

package protocol

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode_Malformed(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"not json", `{"type": "streamer"`},
		{"not an object", `[1,2,3]`},
		{"missing type", `{"adminId": "a1"}`},
		{"empty type", `{"type": ""}`},
		{"missing required id", `{"type": "streamer"}`},
		{"wrong field type", `{"type": "offer", "viewerId": true}`},
		{"bad candidate target", `{"type": "candidate", "viewerId": "v1", "target": "nobody"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := Signaling.Decode([]byte(tt.input))
			require.Error(t, err)
			assert.Nil(t, msg)
			assert.True(t, errors.Is(err, ErrMalformed), "error should wrap ErrMalformed: %v", err)

			var decErr *DecodeError
			assert.True(t, errors.As(err, &decErr))
		})
	}
}

func TestDecode_UnknownKindIsNotAnError(t *testing.T) {
	msg, err := Signaling.Decode([]byte(`{"type": "futureKind", "whatever": 1}`))
	require.NoError(t, err)

	unknown, ok := msg.(*Unknown)
	require.True(t, ok)
	assert.Equal(t, "futureKind", unknown.Kind())
}

func TestDecode_SignalingKinds(t *testing.T) {
	msg, err := Signaling.Decode([]byte(`{"type":"viewer","viewerId":"v1","adminId":7,"extra":"ignored"}`))
	require.NoError(t, err)
	viewer, ok := msg.(*ViewerRegister)
	require.True(t, ok)
	assert.Equal(t, ID("v1"), viewer.ViewerID)
	assert.Equal(t, ID("7"), viewer.AdminID, "numeric ids decode to their string form")

	msg, err = Signaling.Decode([]byte(`{"type":"offer","viewerId":"v1","offer":{"sdp":"x"}}`))
	require.NoError(t, err)
	offer := msg.(*Offer)
	assert.JSONEq(t, `{"sdp":"x"}`, string(offer.Offer))

	msg, err = Signaling.Decode([]byte(`{"type":"candidate","target":"streamer","viewerId":"v1","candidate":{"c":1}}`))
	require.NoError(t, err)
	assert.Equal(t, TargetStreamer, msg.(*Candidate).Target)

	msg, err = Signaling.Decode([]byte(`{"type":"getActiveStreamers"}`))
	require.NoError(t, err)
	assert.Equal(t, KindGetActiveStreamers, msg.Kind())
}

func TestDecode_TrackingKinds(t *testing.T) {
	msg, err := Tracking.Decode([]byte(`{"type":"agent_position","latitude":10,"longitude":20,"speed":3.5}`))
	require.NoError(t, err)
	pos := msg.(*AgentPosition)
	assert.Equal(t, 10.0, *pos.Latitude)
	assert.Equal(t, 20.0, *pos.Longitude)
	require.NotNil(t, pos.Speed)
	assert.Nil(t, pos.Accuracy)

	_, err = Tracking.Decode([]byte(`{"type":"agent_position","latitude":10}`))
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = Tracking.Decode([]byte(`{"type":"new_order","orderId":"o1"}`))
	assert.ErrorIs(t, err, ErrMalformed, "new_order needs an observer")

	msg, err = Tracking.Decode([]byte(`{"type":"new_order","orderId":1,"observerId":"c1","items":["pizza"]}`))
	require.NoError(t, err)
	order := msg.(*NewOrder)
	assert.Equal(t, ID("1"), order.OrderID)
	assert.JSONEq(t, `["pizza"]`, string(order.Items))
}

func TestID_Unmarshal(t *testing.T) {
	tests := []struct {
		input string
		want  ID
		ok    bool
	}{
		{`"abc"`, "abc", true},
		{`42`, "42", true},
		{`4.5`, "4.5", true},
		{`null`, "", true},
		{`true`, "", false},
		{`{}`, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			var id ID
			err := json.Unmarshal([]byte(tt.input), &id)
			if !tt.ok {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, id)
		})
	}
}

func TestAgentPosition_PositionStampsMissingTimestamp(t *testing.T) {
	fixed := time.Date(2026, 1, 2, 5, 4, 5, 0, time.FixedZone("EET", 2*3600))
	now = func() time.Time { return fixed }
	t.Cleanup(func() { now = time.Now })

	lat, lon := 1.0, 2.0
	pos := (&AgentPosition{Latitude: &lat, Longitude: &lon}).Position()
	assert.Equal(t, "2026-01-02T03:04:05.000Z", pos.Timestamp)

	// Milliseconds are always three digits, as in JavaScript's toISOString.
	now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 120456789, time.UTC) }
	assert.Equal(t, "2026-01-02T03:04:05.120Z", Timestamp())

	pos = (&AgentPosition{Latitude: &lat, Longitude: &lon, Timestamp: "given"}).Position()
	assert.Equal(t, "given", pos.Timestamp)
}

func TestOutboundFrames(t *testing.T) {
	data, err := Encode(NewActiveStreamers(nil))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"activeStreamers","streamers":[]}`, string(data))

	data, err = Encode(NewPositionUpdate("P1", Position{Latitude: 10, Longitude: 20, Timestamp: "t"}))
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"type":"agent_position","agentId":"P1","latitude":10,"longitude":20,"accuracy":null,"speed":null,"timestamp":"t"}`,
		string(data))

	data, err = Encode(NewRelayedOffer(&Offer{ViewerID: "v1"}, "s1"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"offer","offer":null,"viewerId":"v1","adminId":"s1"}`, string(data))
}
