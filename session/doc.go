// Package session implements the remote-assistance session lifecycle.
//
// A [Manager] owns at most one session at a time and drives it through
//
//	Idle -> Connecting -> Negotiating -> Active <-> Paused -> Ending -> Ended | Failed
//
// The initiator calls [Manager.CreateSession], which opens a control data
// channel, sends a connection request and an SDP offer over the signaling
// transport. The responder accepts the request with
// [Manager.AcceptConnection] or joins a known session id with
// [Manager.JoinSession]; an offer that arrives before the join is kept and
// replayed.
//
// Inbound signaling and peer-transport events are handled on one dispatch
// goroutine in arrival order. Results of transport calls that complete after
// the session was ended are discarded. Every transition is published to
// subscribers:
//
//	changes, cancel := m.Subscribe()
//	defer cancel()
//	for change := range changes {
//	    log.Println(change)
//	}
//
// Once Active, heartbeats are sent every HeartbeatInterval. A session that
// receives no traffic for HeartbeatTimeout fails with [FailureTimeout]. A
// session that is not Active within NegotiationTimeout fails with
// [FailureNegotiationTimeout].
//
// Teardown releases the peer transport exactly once and notifies the remote
// side with a SessionEnd message whenever it knows about the session.
package session
