// ABOUTME: Signaling vocabulary: streamer/viewer registration and WebRTC negotiation.
// ABOUTME: Inbound kinds decode to typed messages; outbound frames carry provenance tags.

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Signaling message kinds.
const (
	KindStreamer           = "streamer"
	KindViewer             = "viewer"
	KindWatch              = "watch"
	KindOffer              = "offer"
	KindAnswer             = "answer"
	KindCandidate          = "candidate"
	KindGetActiveStreamers = "getActiveStreamers"

	KindRegistered           = "registered"
	KindActiveStreamers      = "activeStreamers"
	KindNewViewer            = "newViewer"
	KindStreamerUnavailable  = "streamerUnavailable"
	KindStreamerDisconnected = "streamerDisconnected"
)

// Candidate directions.
const (
	TargetViewer   = "viewer"
	TargetStreamer = "streamer"
)

// Signaling is the vocabulary of the signaling relay.
var Signaling = Vocabulary{
	KindStreamer:           func() Message { return &StreamerRegister{} },
	KindViewer:             func() Message { return &ViewerRegister{} },
	KindWatch:              func() Message { return &Watch{} },
	KindOffer:              func() Message { return &Offer{} },
	KindAnswer:             func() Message { return &Answer{} },
	KindCandidate:          func() Message { return &Candidate{} },
	KindGetActiveStreamers: func() Message { return &GetActiveStreamers{} },
}

// StreamerRegister announces a stream originator.
type StreamerRegister struct {
	AdminID ID `json:"adminId"`
}

func (*StreamerRegister) Kind() string { return KindStreamer }

func (m *StreamerRegister) validate() error { return requireID("adminId", m.AdminID) }

// ViewerRegister announces a viewer, optionally asking for a streamer.
type ViewerRegister struct {
	ViewerID ID `json:"viewerId"`
	AdminID  ID `json:"adminId"`
}

func (*ViewerRegister) Kind() string { return KindViewer }

func (m *ViewerRegister) validate() error { return requireID("viewerId", m.ViewerID) }

// Watch switches a registered viewer to another streamer.
type Watch struct {
	AdminID ID `json:"adminId"`
}

func (*Watch) Kind() string { return KindWatch }

func (m *Watch) validate() error { return requireID("adminId", m.AdminID) }

// Offer carries a session description from a streamer to one viewer.
type Offer struct {
	ViewerID ID              `json:"viewerId"`
	Offer    json.RawMessage `json:"offer"`
}

func (*Offer) Kind() string { return KindOffer }

func (m *Offer) validate() error { return requireID("viewerId", m.ViewerID) }

// Answer carries a viewer's session description back to its streamer.
type Answer struct {
	ViewerID ID              `json:"viewerId"`
	Answer   json.RawMessage `json:"answer"`
}

func (*Answer) Kind() string { return KindAnswer }

func (m *Answer) validate() error { return requireID("viewerId", m.ViewerID) }

// Candidate carries an ICE candidate in either direction.
type Candidate struct {
	Target    string          `json:"target"`
	ViewerID  ID              `json:"viewerId"`
	Candidate json.RawMessage `json:"candidate"`
}

func (*Candidate) Kind() string { return KindCandidate }

func (m *Candidate) validate() error {
	if err := requireID("viewerId", m.ViewerID); err != nil {
		return err
	}
	switch m.Target {
	case TargetViewer, TargetStreamer:
		return nil
	case "":
		return errors.New("target is required")
	default:
		return fmt.Errorf("unknown target %q", m.Target)
	}
}

// GetActiveStreamers asks for the current streamer list.
type GetActiveStreamers struct{}

func (*GetActiveStreamers) Kind() string { return KindGetActiveStreamers }

// Registered acknowledges a registration.
type Registered struct {
	Type string `json:"type"`
	Role string `json:"role"`
	ID   string `json:"id"`
}

// NewRegistered builds a registration acknowledgment.
func NewRegistered(role, id string) Registered {
	return Registered{Type: KindRegistered, Role: role, ID: id}
}

// ActiveStreamers lists every registered streamer.
type ActiveStreamers struct {
	Type      string   `json:"type"`
	Streamers []string `json:"streamers"`
}

// NewActiveStreamers builds the streamer snapshot. A nil list encodes as [].
func NewActiveStreamers(ids []string) ActiveStreamers {
	if ids == nil {
		ids = []string{}
	}
	return ActiveStreamers{Type: KindActiveStreamers, Streamers: ids}
}

// NewViewer tells a streamer that a viewer wants its stream.
type NewViewer struct {
	Type     string `json:"type"`
	ViewerID string `json:"viewerId"`
	ViewerIP string `json:"viewerIP"`
}

// NewNewViewer builds the viewer-arrival notice.
func NewNewViewer(viewerID, viewerIP string) NewViewer {
	return NewViewer{Type: KindNewViewer, ViewerID: viewerID, ViewerIP: viewerIP}
}

// StreamerNotice is used for both streamerUnavailable and streamerDisconnected.
type StreamerNotice struct {
	Type    string `json:"type"`
	AdminID string `json:"adminId"`
}

// NewStreamerUnavailable tells a viewer its streamer is not connected.
func NewStreamerUnavailable(adminID string) StreamerNotice {
	return StreamerNotice{Type: KindStreamerUnavailable, AdminID: adminID}
}

// NewStreamerDisconnected tells a viewer its streamer went away.
func NewStreamerDisconnected(adminID string) StreamerNotice {
	return StreamerNotice{Type: KindStreamerDisconnected, AdminID: adminID}
}

// RelayedOffer is an offer forwarded to a viewer.
type RelayedOffer struct {
	Type     string          `json:"type"`
	Offer    json.RawMessage `json:"offer"`
	ViewerID string          `json:"viewerId"`
	AdminID  string          `json:"adminId"`
}

// NewRelayedOffer tags an offer with the streamer it came from.
func NewRelayedOffer(m *Offer, adminID string) RelayedOffer {
	return RelayedOffer{Type: KindOffer, Offer: orNull(m.Offer), ViewerID: m.ViewerID.String(), AdminID: adminID}
}

// RelayedAnswer is an answer forwarded to a streamer.
type RelayedAnswer struct {
	Type     string          `json:"type"`
	Answer   json.RawMessage `json:"answer"`
	ViewerID string          `json:"viewerId"`
	AdminID  string          `json:"adminId"`
}

// NewRelayedAnswer tags an answer with the viewer it came from.
func NewRelayedAnswer(m *Answer, adminID string) RelayedAnswer {
	return RelayedAnswer{Type: KindAnswer, Answer: orNull(m.Answer), ViewerID: m.ViewerID.String(), AdminID: adminID}
}

// RelayedCandidate is an ICE candidate forwarded in either direction.
type RelayedCandidate struct {
	Type      string          `json:"type"`
	Candidate json.RawMessage `json:"candidate"`
	ViewerID  string          `json:"viewerId"`
	AdminID   string          `json:"adminId"`
}

// NewRelayedCandidate tags a candidate with both ends of the session.
func NewRelayedCandidate(m *Candidate, adminID string) RelayedCandidate {
	return RelayedCandidate{Type: KindCandidate, Candidate: orNull(m.Candidate), ViewerID: m.ViewerID.String(), AdminID: adminID}
}

// orNull keeps json.Marshal from failing on an absent payload.
func orNull(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("null")
	}
	return raw
}
