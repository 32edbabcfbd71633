// Package signaling relays WebRTC session negotiation between streamers and
// viewers.
//
// A streamer registers with its adminId. A viewer registers with its
// viewerId and subscribes to one streamer, either in the registration
// message or later with watch. The streamer is told about each new viewer
// (newViewer, carrying the viewer's address) and the two sides then exchange
// offer, answer and candidate messages through the relay. Every relayed
// frame is tagged with the viewerId and adminId of its session.
//
// Viewers always receive the current streamer list: on connect, on
// registration, whenever a streamer registers or leaves, and on request
// (getActiveStreamers). When a streamer leaves, its viewers get
// streamerDisconnected.
//
// Negotiation frames whose target is missing are dropped without a reply. A
// viewer that asks for an absent streamer gets streamerUnavailable.
package signaling
