// Package protocol defines the JSON frames exchanged between peers and the
// relay hub.
//
// # Framing
//
// Every frame is a JSON object carrying a "type" discriminator:
//
//	{"type": "agent_position", "latitude": 10, "longitude": 20}
//
// Unknown fields are ignored. Frames are decoded once at the transport
// boundary into a closed set of typed messages, one Go type per kind. A
// frame that is not valid JSON, lacks a type, or lacks a field its kind
// requires fails with an error wrapping ErrMalformed. A well-formed frame
// whose kind is not part of the vocabulary decodes to *Unknown so that
// newer peers never break an older relay.
//
// # Vocabularies
//
// Two vocabularies ship with the hub:
//
//   - Signaling: streamer/viewer registration and WebRTC negotiation relay
//     (offer, answer, candidate).
//   - Tracking: courier agents, observers, positions and delivery orders.
//
// Outbound frames are plain structs with a Type field; the constructors in
// this package fill it in.
//
// # Identities
//
// Identities are carried as ID, which accepts both JSON strings and JSON
// numbers so that clients sending numeric ids are routed the same as
// clients sending strings.
package protocol
