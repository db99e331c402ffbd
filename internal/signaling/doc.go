// Package signaling implements the WebSocket signaling relay.
//
// Every accepted connection is assigned a fresh identity and recorded in a
// shared Registry. Clients learn about each other through lifecycle notices
// (your_id, new_peer, peer_left) sent by the Broadcaster, and exchange opaque
// handshake envelopes that the Router forwards to the addressed recipient with
// a server-stamped senderId. The relay never interprets envelope payloads.
//
// Endpoints:
//   - GET /        : WebSocket signaling
//   - GET /signal  : alias of GET /
package signaling
