// Package peer provides the WebRTC peer transport used by sessions.
//
// [Connection] wraps a pion PeerConnection behind interfaces.PeerTransport.
// Local ICE candidates and connection states are delivered on channels so
// the session manager can consume them from its own goroutines. The
// connection also samples the selected candidate pair for round-trip time,
// available bitrate and loss, which feeds the adaptive quality controller.
package peer
