// Package media defines the opaque media transport capability consumed by
// the call session layer. Capture, codecs, and the actual transport engine
// live behind these interfaces; this core only produces local media, hands
// over session descriptors, and reacts to connectivity and track events.
package media

import (
	"context"

	"peercall-backend/internal/domain"
)

// ConnectionState is the coarse connectivity of one media session
type ConnectionState string

const (
	ConnectionNew          ConnectionState = "new"
	ConnectionConnecting   ConnectionState = "connecting"
	ConnectionConnected    ConnectionState = "connected"
	ConnectionDisconnected ConnectionState = "disconnected"
	ConnectionFailed       ConnectionState = "failed"
	ConnectionClosed       ConnectionState = "closed"
)

// Track is one local or remote media track
type Track interface {
	ID() string
	Kind() string // audio, video
}

// Stream is a bundle of tracks. Stop releases the underlying devices and is
// safe to call more than once.
type Stream interface {
	ID() string
	Tracks() []Track
	Stop()
}

// SessionConfig carries transport parameters for one session
type SessionConfig struct {
	ICEServers []string
}

// Session is one peer media session. It is exclusively owned by the call
// session manager for its lifetime.
type Session interface {
	AddLocalTrack(track Track) error

	CreateOffer(ctx context.Context) (domain.SessionDescription, error)
	CreateAnswer(ctx context.Context) (domain.SessionDescription, error)
	SetLocalDescription(ctx context.Context, desc domain.SessionDescription) error
	SetRemoteDescription(ctx context.Context, desc domain.SessionDescription) error

	// AddRemoteCandidate feeds one received transport candidate. The engine
	// rejects anything it cannot use; duplicates and reordering are its
	// problem, not the caller's.
	AddRemoteCandidate(candidate domain.Candidate) error

	// OnLocalCandidate registers the sink for locally discovered candidates.
	// Candidates may keep arriving over an extended window.
	OnLocalCandidate(fn func(candidate domain.Candidate))

	// OnRemoteStream registers the sink for the remote party's media
	OnRemoteStream(fn func(stream Stream))

	// OnConnectionStateChange registers the connectivity observer
	OnConnectionStateChange(fn func(state ConnectionState))

	// Close releases the session. Idempotent.
	Close() error
}

// Engine creates local media and peer sessions.
// AcquireLocalMedia requests audio only for voice calls and audio plus video
// for video calls; a refusal or missing device surfaces as a
// MEDIA_ACQUISITION_DENIED error.
type Engine interface {
	AcquireLocalMedia(ctx context.Context, kind domain.CallKind) (Stream, error)
	NewSession(ctx context.Context, cfg SessionConfig) (Session, error)
}
