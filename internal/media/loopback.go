package media

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"peercall-backend/internal/domain"
)

// LoopbackEngine is an in-process Engine with no real capture or transport.
// It produces synthetic streams and descriptors and reports a session
// connected once both descriptions are in place. Used by development
// deployments and tests.
type LoopbackEngine struct {
	// DenyMedia makes AcquireLocalMedia fail, simulating a user refusing
	// device access
	DenyMedia bool
}

// NewLoopbackEngine creates a loopback engine
func NewLoopbackEngine() *LoopbackEngine {
	return &LoopbackEngine{}
}

// AcquireLocalMedia implements Engine
func (e *LoopbackEngine) AcquireLocalMedia(ctx context.Context, kind domain.CallKind) (Stream, error) {
	if e.DenyMedia {
		return nil, fmt.Errorf("media capture refused")
	}
	tracks := []Track{staticTrack{id: uuid.New().String(), kind: "audio"}}
	if kind == domain.CallKindVideo {
		tracks = append(tracks, staticTrack{id: uuid.New().String(), kind: "video"})
	}
	return &staticStream{id: uuid.New().String(), tracks: tracks}, nil
}

// NewSession implements Engine
func (e *LoopbackEngine) NewSession(ctx context.Context, cfg SessionConfig) (Session, error) {
	return &loopbackSession{id: uuid.New().String()}, nil
}

type staticTrack struct {
	id   string
	kind string
}

func (t staticTrack) ID() string   { return t.id }
func (t staticTrack) Kind() string { return t.kind }

type staticStream struct {
	id     string
	tracks []Track

	mu      sync.Mutex
	stopped bool
}

func (s *staticStream) ID() string      { return s.id }
func (s *staticStream) Tracks() []Track { return s.tracks }

func (s *staticStream) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
}

// loopbackSession replays state to late-registered observers so callback
// registration order does not matter.
type loopbackSession struct {
	id string

	mu               sync.Mutex
	closed           bool
	localSet         bool
	remoteSet        bool
	state            ConnectionState
	remoteStream     Stream
	pendingLocal     []domain.Candidate
	remoteCandidates []domain.Candidate

	onLocalCandidate func(domain.Candidate)
	onRemoteStream   func(Stream)
	onStateChange    func(ConnectionState)
}

func (s *loopbackSession) AddLocalTrack(track Track) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("session closed")
	}
	return nil
}

func (s *loopbackSession) CreateOffer(ctx context.Context) (domain.SessionDescription, error) {
	return domain.SessionDescription{Type: "offer", SDP: "v=0 loopback " + s.id}, nil
}

func (s *loopbackSession) CreateAnswer(ctx context.Context) (domain.SessionDescription, error) {
	return domain.SessionDescription{Type: "answer", SDP: "v=0 loopback " + s.id}, nil
}

func (s *loopbackSession) SetLocalDescription(ctx context.Context, desc domain.SessionDescription) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("session closed")
	}
	s.localSet = true
	candidate := domain.Candidate(fmt.Sprintf(`{"candidate":"loopback %s","sdpMid":"0"}`, uuid.New().String()))
	sink := s.onLocalCandidate
	if sink == nil {
		s.pendingLocal = append(s.pendingLocal, candidate)
	}
	s.mu.Unlock()

	if sink != nil {
		go sink(candidate)
	}
	s.maybeConnect()
	return nil
}

func (s *loopbackSession) SetRemoteDescription(ctx context.Context, desc domain.SessionDescription) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("session closed")
	}
	if s.remoteSet {
		s.mu.Unlock()
		return fmt.Errorf("remote description already set")
	}
	s.remoteSet = true
	s.mu.Unlock()

	s.maybeConnect()
	return nil
}

func (s *loopbackSession) AddRemoteCandidate(candidate domain.Candidate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("session closed")
	}
	s.remoteCandidates = append(s.remoteCandidates, candidate)
	return nil
}

func (s *loopbackSession) OnLocalCandidate(fn func(candidate domain.Candidate)) {
	s.mu.Lock()
	s.onLocalCandidate = fn
	pending := s.pendingLocal
	s.pendingLocal = nil
	s.mu.Unlock()

	for _, c := range pending {
		go fn(c)
	}
}

func (s *loopbackSession) OnRemoteStream(fn func(stream Stream)) {
	s.mu.Lock()
	s.onRemoteStream = fn
	stream := s.remoteStream
	s.mu.Unlock()

	if stream != nil {
		go fn(stream)
	}
}

func (s *loopbackSession) OnConnectionStateChange(fn func(state ConnectionState)) {
	s.mu.Lock()
	s.onStateChange = fn
	state := s.state
	s.mu.Unlock()

	if state != "" {
		go fn(state)
	}
}

// maybeConnect flips the session to connected once both descriptions exist
func (s *loopbackSession) maybeConnect() {
	s.mu.Lock()
	if s.closed || !s.localSet || !s.remoteSet || s.state == ConnectionConnected {
		s.mu.Unlock()
		return
	}
	s.state = ConnectionConnected
	s.remoteStream = &staticStream{
		id:     uuid.New().String(),
		tracks: []Track{staticTrack{id: uuid.New().String(), kind: "audio"}},
	}
	stateFn := s.onStateChange
	streamFn := s.onRemoteStream
	stream := s.remoteStream
	s.mu.Unlock()

	if stateFn != nil {
		go stateFn(ConnectionConnected)
	}
	if streamFn != nil {
		go streamFn(stream)
	}
}

func (s *loopbackSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
