package session

import (
	"fmt"
	"time"

	"github.com/opd-ai/remoteassist/signaling"
)

// State is the lifecycle state of a remote-assistance session.
type State int

const (
	// StateIdle is a reserved session that has not contacted the remote side yet
	StateIdle State = iota
	// StateConnecting means the offer was sent, or the responder awaits one
	StateConnecting
	// StateNegotiating means both descriptions are exchanged and the transport is connecting
	StateNegotiating
	// StateActive means the peer transport is connected
	StateActive
	// StatePaused is an Active session with media suspended by the caller
	StatePaused
	// StateEnding is the transient teardown state
	StateEnding
	// StateEnded is a clean terminal state
	StateEnded
	// StateFailed is a terminal state carrying a FailureReason
	StateFailed
)

// String returns a human-readable representation of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateConnecting:
		return "Connecting"
	case StateNegotiating:
		return "Negotiating"
	case StateActive:
		return "Active"
	case StatePaused:
		return "Paused"
	case StateEnding:
		return "Ending"
	case StateEnded:
		return "Ended"
	case StateFailed:
		return "Failed"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateEnded || s == StateFailed
}

// live reports whether the session still accepts signaling traffic.
func (s State) live() bool {
	return s != StateEnding && !s.Terminal()
}

var transitions = map[State][]State{
	StateIdle:        {StateConnecting, StateEnding},
	StateConnecting:  {StateNegotiating, StateEnding},
	StateNegotiating: {StateActive, StateEnding},
	StateActive:      {StatePaused, StateEnding},
	StatePaused:      {StateActive, StateEnding},
	StateEnding:      {StateEnded, StateFailed},
}

func canTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Role is fixed when a session is created.
type Role int

const (
	// RoleInitiator sent the offer
	RoleInitiator Role = iota
	// RoleResponder received the offer
	RoleResponder
)

// String returns a human-readable representation of the role.
func (r Role) String() string {
	switch r {
	case RoleInitiator:
		return "Initiator"
	case RoleResponder:
		return "Responder"
	default:
		return fmt.Sprintf("Unknown(%d)", int(r))
	}
}

// FailureReason explains a StateFailed session.
type FailureReason int

const (
	// FailureNone is carried by every state other than StateFailed
	FailureNone FailureReason = iota
	// FailureNegotiationFailed means an offer, answer or description could not be produced or applied
	FailureNegotiationFailed
	// FailureTimeout means no signaling traffic arrived within the heartbeat timeout
	FailureTimeout
	// FailureNegotiationTimeout means the session did not reach StateActive within the negotiation timeout
	FailureNegotiationTimeout
	// FailureConnectionLost means the peer transport reported a failed connection
	FailureConnectionLost
	// FailureRejected means the remote device declined the connection request
	FailureRejected
)

// String returns a human-readable representation of the reason.
func (r FailureReason) String() string {
	switch r {
	case FailureNone:
		return "None"
	case FailureNegotiationFailed:
		return "NegotiationFailed"
	case FailureTimeout:
		return "Timeout"
	case FailureNegotiationTimeout:
		return "NegotiationTimeout"
	case FailureConnectionLost:
		return "ConnectionLost"
	case FailureRejected:
		return "Rejected"
	default:
		return fmt.Sprintf("Unknown(%d)", int(r))
	}
}

// Err returns the sentinel error matching the reason, or nil for FailureNone.
func (r FailureReason) Err() error {
	switch r {
	case FailureNone:
		return nil
	case FailureNegotiationFailed:
		return ErrNegotiationFailed
	case FailureTimeout:
		return ErrTimeout
	case FailureNegotiationTimeout:
		return fmt.Errorf("%w: negotiation deadline exceeded", ErrTimeout)
	case FailureConnectionLost:
		return ErrConnectionLost
	case FailureRejected:
		return ErrRejected
	default:
		return fmt.Errorf("session failed: %s", r)
	}
}

func (r FailureReason) endReason() signaling.EndReason {
	switch r {
	case FailureNegotiationFailed:
		return signaling.EndNegotiationFailed
	case FailureTimeout, FailureNegotiationTimeout:
		return signaling.EndTimeout
	case FailureConnectionLost:
		return signaling.EndConnectionLost
	case FailureRejected:
		return signaling.EndRejected
	default:
		return signaling.EndUserInitiated
	}
}

// Info is a read-only snapshot of a session.
type Info struct {
	SessionID      string
	RemoteDeviceID string
	Role           Role
	State          State
	Failure        FailureReason
	CreatedAt      time.Time
	LastSeen       time.Time
}

// StateChange is published on every session transition.
type StateChange struct {
	SessionID string
	Previous  State
	State     State
	Failure   FailureReason // set only when State is StateFailed
	At        time.Time
}

// String formats the change for logs.
func (c StateChange) String() string {
	if c.State == StateFailed {
		return fmt.Sprintf("%s: %s -> %s(%s)", c.SessionID, c.Previous, c.State, c.Failure)
	}
	return fmt.Sprintf("%s: %s -> %s", c.SessionID, c.Previous, c.State)
}
