// Package signaling implements the realtime coordination layer for calls: a
// WebSocket endpoint where participants join rooms, exchange SDP offers,
// answers and ICE candidates, and learn who the current host is.
//
// The server never inspects relayed payloads; it forwards opaque negotiation
// data between participants of the same room. All live-room state is owned by
// a single hub goroutine, so joins, leaves and relays within a room are
// processed strictly in arrival order.
package signaling
