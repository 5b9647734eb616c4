// Package relay implements the signaling relay that carries session
// messages between the two devices of a remote-assistance session.
//
// A device authenticates with a signed token (see [IssueToken]) and creates
// a session with POST /api/sessions, receiving a session id and a short
// access code. Both devices then open GET /ws/:sessionId?code=... and the
// relay forwards every valid signaling frame from one participant to the
// other. Frames that fail to decode, or that name a different session, are
// dropped.
//
// Session records live in a [Registry]: [MemoryRegistry] for a single
// instance, [RedisRegistry] when several relays share state.
package relay
