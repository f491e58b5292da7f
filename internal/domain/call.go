package domain

import "time"

// CallKind represents the media profile of a call
type CallKind string

const (
	CallKindVideo CallKind = "video"
	CallKindVoice CallKind = "voice"
)

// Valid reports whether the kind is a known call kind
func (k CallKind) Valid() bool {
	return k == CallKindVideo || k == CallKindVoice
}

// CallRole identifies which side of the session the local participant is on.
// The role is fixed at session creation and determines which mailbox paths
// are read versus written.
type CallRole string

const (
	RoleCaller CallRole = "caller"
	RoleCallee CallRole = "callee"
)

// Other returns the opposite role
func (r CallRole) Other() CallRole {
	if r == RoleCaller {
		return RoleCallee
	}
	return RoleCaller
}

// CallStatus is the session lifecycle state. Transitions are monotonic:
// connecting -> connected -> ended, never backward.
type CallStatus string

const (
	StatusConnecting CallStatus = "connecting"
	StatusConnected  CallStatus = "connected"
	StatusEnded      CallStatus = "ended"
)

// UserSnapshot is an immutable view of a participant taken at session start
type UserSnapshot struct {
	UID         string `json:"uid"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarURL,omitempty"`
}

// CallSession is the in-memory state of one call, owned exclusively by the
// session manager for its lifetime
type CallSession struct {
	SessionID string       `json:"session_id"`
	Role      CallRole     `json:"role"`
	Kind      CallKind     `json:"kind"`
	Partner   UserSnapshot `json:"partner"`
	Status    CallStatus   `json:"status"`
	StartedAt time.Time    `json:"started_at"`
}

// IncomingCall is a pending offer surfaced by the incoming call gate
type IncomingCall struct {
	SessionID string
	Offer     Offer
}

// Partner returns the snapshot of the originating party
func (c *IncomingCall) Partner() UserSnapshot {
	return UserSnapshot{
		UID:         c.Offer.From,
		DisplayName: c.Offer.FromDisplayName,
		AvatarURL:   c.Offer.FromAvatarURL,
	}
}
