// Package session drives the lifecycle of a single call for one local user:
// placing, accepting, rejecting, and ending calls, plus the signaling
// exchange with the remote party over the mailbox.
package session

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"peercall-backend/internal/domain"
	"peercall-backend/internal/mailbox"
	"peercall-backend/internal/media"
	"peercall-backend/internal/service/calllog"
	"peercall-backend/pkg/constants"
	"peercall-backend/pkg/errors"
	"peercall-backend/pkg/logger"
	"peercall-backend/pkg/metrics"
)

// RemoteStreamFunc receives the remote party's media once it arrives
type RemoteStreamFunc func(stream media.Stream)

// StatusFunc receives session status transitions (connected, ended)
type StatusFunc func(sess domain.CallSession)

// activeCall is the mutable state of the at-most-one in-flight call
type activeCall struct {
	sess          domain.CallSession
	media         media.Session
	localStream   media.Stream
	remoteStream  media.Stream
	unsubs        []mailbox.UnsubscribeFunc
	remoteApplied bool
	connectedAt   time.Time
	cleanupOnce   sync.Once
}

// Manager owns at most one active call session for its local user. All
// mailbox events for sessions other than the active one are discarded as
// stale.
type Manager struct {
	mbox       mailbox.Mailbox
	engine     media.Engine
	recorder   *calllog.Recorder
	metrics    *metrics.Metrics
	local      domain.UserSnapshot
	iceServers []string

	onRemoteStream RemoteStreamFunc
	onStatus       StatusFunc

	mu     sync.Mutex
	active *activeCall
}

func NewManager(mbox mailbox.Mailbox, engine media.Engine, recorder *calllog.Recorder, m *metrics.Metrics, local domain.UserSnapshot, iceServers []string) *Manager {
	if len(iceServers) == 0 {
		iceServers = constants.DefaultSTUNServers
	}
	return &Manager{
		mbox:       mbox,
		engine:     engine,
		recorder:   recorder,
		metrics:    m,
		local:      local,
		iceServers: iceServers,
	}
}

// SetRemoteStreamHandler registers the remote media sink. Call before the
// first session is started.
func (m *Manager) SetRemoteStreamHandler(fn RemoteStreamFunc) {
	m.onRemoteStream = fn
}

// SetStatusHandler registers the session status observer. Call before the
// first session is started.
func (m *Manager) SetStatusHandler(fn StatusFunc) {
	m.onStatus = fn
}

// ActiveSession returns a copy of the current session, if any
func (m *Manager) ActiveSession() (domain.CallSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil || m.active.sess.SessionID == "" {
		return domain.CallSession{}, false
	}
	return m.active.sess, true
}

// OnCallView reports whether the user is occupied with a call. The incoming
// call gate consults this to avoid surfacing calls mid-call.
func (m *Manager) OnCallView(uid string) bool {
	_, ok := m.ActiveSession()
	return ok
}

// StartOutgoing places a call to partner. Media is acquired first; a refusal
// aborts before anything touches the mailbox. On success the session is in
// status connecting and the offer sits in the partner's inbox.
func (m *Manager) StartOutgoing(ctx context.Context, partner domain.UserSnapshot, kind domain.CallKind) (*domain.CallSession, error) {
	if !kind.Valid() {
		return nil, errors.InvalidInputError("unknown call kind: " + string(kind))
	}
	if partner.UID == "" || partner.UID == m.local.UID {
		return nil, errors.InvalidInputError("invalid call partner")
	}

	ac, err := m.reserve()
	if err != nil {
		return nil, err
	}

	sess, err := m.setupOutgoing(ctx, ac, partner, kind)
	if err != nil {
		m.cleanup(context.WithoutCancel(ctx), ac)
		if m.metrics != nil {
			m.metrics.RecordCallSetupFailure(string(errors.GetAppError(err).Code))
		}
		return nil, err
	}
	if m.metrics != nil {
		m.metrics.RecordCallStarted(string(domain.RoleCaller), string(kind))
	}
	return sess, nil
}

// AcceptIncoming answers a call previously surfaced by the gate. The offer
// entry stays in the local inbox for the duration of the call; its removal
// by the remote side means hangup.
func (m *Manager) AcceptIncoming(ctx context.Context, call *domain.IncomingCall) (*domain.CallSession, error) {
	if call == nil || call.SessionID == "" {
		return nil, errors.InvalidInputError("missing incoming call")
	}

	// The offer may already be gone (caller hung up, or another device of
	// ours answered first).
	if _, ok, err := m.mbox.Get(ctx, mailbox.OfferPath(m.local.UID, call.SessionID)); err != nil {
		return nil, err
	} else if !ok {
		return nil, errors.StaleSessionError(call.SessionID)
	}

	ac, err := m.reserve()
	if err != nil {
		return nil, err
	}

	sess, err := m.setupIncoming(ctx, ac, call)
	if err != nil {
		m.cleanup(context.WithoutCancel(ctx), ac)
		if m.metrics != nil {
			m.metrics.RecordCallSetupFailure(string(errors.GetAppError(err).Code))
		}
		return nil, err
	}
	if m.metrics != nil {
		m.metrics.RecordCallStarted(string(domain.RoleCallee), string(call.Offer.Kind))
	}
	return sess, nil
}

// Reject declines an incoming call without creating a session. Removing the
// inbox entry is the only signal the caller gets.
func (m *Manager) Reject(ctx context.Context, call *domain.IncomingCall) error {
	if call == nil || call.SessionID == "" {
		return errors.InvalidInputError("missing incoming call")
	}
	logger.Info("Rejecting incoming call",
		zap.String("session_id", call.SessionID),
		zap.String("from", call.Offer.From))
	if m.metrics != nil {
		m.metrics.RecordCallRejected("user")
	}
	return m.mbox.Remove(ctx, mailbox.OfferPath(m.local.UID, call.SessionID))
}

// End terminates the active call. observedSeconds is the connected duration
// as counted by the caller of End; zero means the call never connected and
// no log entry is finalized.
func (m *Manager) End(ctx context.Context, observedSeconds int) error {
	m.mu.Lock()
	ac := m.active
	m.mu.Unlock()
	if ac == nil || ac.sess.SessionID == "" {
		return errors.CallNotFoundError()
	}
	m.endSession(ctx, ac.sess.SessionID, observedSeconds)
	return nil
}

// reserve claims the single active-call slot
func (m *Manager) reserve() (*activeCall, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != nil {
		return nil, errors.CallInProgressError()
	}
	ac := &activeCall{}
	m.active = ac
	return ac, nil
}

func (m *Manager) setupOutgoing(ctx context.Context, ac *activeCall, partner domain.UserSnapshot, kind domain.CallKind) (*domain.CallSession, error) {
	stream, err := m.engine.AcquireLocalMedia(ctx, kind)
	if err != nil {
		logger.Warn("Local media acquisition failed",
			zap.String("kind", string(kind)), zap.Error(err))
		return nil, errors.MediaDeniedError(err)
	}

	sid, err := m.mbox.AllocateKey(ctx)
	if err != nil {
		stream.Stop()
		return nil, err
	}

	now := time.Now()
	m.mu.Lock()
	ac.localStream = stream
	ac.sess = domain.CallSession{
		SessionID: sid,
		Role:      domain.RoleCaller,
		Kind:      kind,
		Partner:   partner,
		Status:    domain.StatusConnecting,
		StartedAt: now,
	}
	m.mu.Unlock()

	// Both log entries are written up front without duration; whoever ends
	// the call patches their own side.
	if m.recorder != nil {
		if _, err := m.recorder.StartLog(ctx, m.local.UID, partner, kind, domain.DirectionOutgoing, now); err != nil {
			logger.Warn("Failed to record outgoing call log", zap.Error(err))
		}
		if _, err := m.recorder.StartLog(ctx, partner.UID, m.local, kind, domain.DirectionIncoming, now); err != nil {
			logger.Warn("Failed to record partner call log", zap.Error(err))
		}
	}

	msess, err := m.newMediaSession(ctx, ac, stream)
	if err != nil {
		return nil, err
	}

	offerDesc, err := msess.CreateOffer(ctx)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeNegotiationConflict, "failed to create offer", err)
	}
	if err := msess.SetLocalDescription(ctx, offerDesc); err != nil {
		return nil, errors.Wrap(errors.ErrCodeNegotiationConflict, "failed to apply local offer", err)
	}

	if err := m.negotiate(ac); err != nil {
		return nil, err
	}

	offer := domain.Offer{
		Kind:            kind,
		From:            m.local.UID,
		FromDisplayName: m.local.DisplayName,
		FromAvatarURL:   m.local.AvatarURL,
		Offer:           offerDesc,
		TS:              now.UnixMilli(),
	}
	if err := m.mbox.Publish(ctx, mailbox.OfferPath(partner.UID, sid), &offer); err != nil {
		return nil, err
	}
	if m.metrics != nil {
		m.metrics.RecordSignal("offer", "out")
	}

	logger.Info("Outgoing call started",
		zap.String("session_id", sid),
		zap.String("partner", partner.UID),
		zap.String("kind", string(kind)))

	sess := ac.sess
	return &sess, nil
}

func (m *Manager) setupIncoming(ctx context.Context, ac *activeCall, call *domain.IncomingCall) (*domain.CallSession, error) {
	kind := call.Offer.Kind
	stream, err := m.engine.AcquireLocalMedia(ctx, kind)
	if err != nil {
		logger.Warn("Local media acquisition failed",
			zap.String("kind", string(kind)), zap.Error(err))
		return nil, errors.MediaDeniedError(err)
	}

	now := time.Now()
	m.mu.Lock()
	ac.localStream = stream
	ac.remoteApplied = true // the offer is the remote description
	ac.sess = domain.CallSession{
		SessionID: call.SessionID,
		Role:      domain.RoleCallee,
		Kind:      kind,
		Partner:   call.Partner(),
		Status:    domain.StatusConnecting,
		StartedAt: now,
	}
	m.mu.Unlock()

	msess, err := m.newMediaSession(ctx, ac, stream)
	if err != nil {
		return nil, err
	}

	if err := msess.SetRemoteDescription(ctx, call.Offer.Offer); err != nil {
		return nil, errors.Wrap(errors.ErrCodeNegotiationConflict, "failed to apply remote offer", err)
	}
	answer, err := msess.CreateAnswer(ctx)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeNegotiationConflict, "failed to create answer", err)
	}
	if err := msess.SetLocalDescription(ctx, answer); err != nil {
		return nil, errors.Wrap(errors.ErrCodeNegotiationConflict, "failed to apply local answer", err)
	}

	if err := m.negotiate(ac); err != nil {
		return nil, err
	}

	// The answer lands under the offer entry in our own inbox, where the
	// caller is watching.
	if err := m.mbox.Publish(ctx, mailbox.AnswerPath(m.local.UID, call.SessionID), &answer); err != nil {
		return nil, err
	}
	if m.metrics != nil {
		m.metrics.RecordSignal("answer", "out")
	}

	logger.Info("Incoming call accepted",
		zap.String("session_id", call.SessionID),
		zap.String("partner", call.Offer.From),
		zap.String("kind", string(kind)))

	sess := ac.sess
	return &sess, nil
}

func (m *Manager) newMediaSession(ctx context.Context, ac *activeCall, stream media.Stream) (media.Session, error) {
	msess, err := m.engine.NewSession(ctx, media.SessionConfig{ICEServers: m.iceServers})
	if err != nil {
		return nil, errors.TransportUnavailableError(err)
	}
	m.mu.Lock()
	ac.media = msess
	m.mu.Unlock()

	for _, track := range stream.Tracks() {
		if err := msess.AddLocalTrack(track); err != nil {
			return nil, errors.Wrap(errors.ErrCodeNegotiationConflict, "failed to attach local track", err)
		}
	}
	return msess, nil
}

// negotiate wires the candidate exchange, the connectivity observer, and the
// hangup watch for the active session. The caller additionally watches for
// the answer.
func (m *Manager) negotiate(ac *activeCall) error {
	sid := ac.sess.SessionID
	role := ac.sess.Role

	ac.media.OnRemoteStream(func(s media.Stream) {
		m.handleRemoteStream(sid, s)
	})
	ac.media.OnConnectionStateChange(func(state media.ConnectionState) {
		m.handleConnectionState(sid, state)
	})

	// Locally discovered candidates trickle out under our own role key.
	// Late candidates for a torn-down session are silently dropped.
	ac.media.OnLocalCandidate(func(c domain.Candidate) {
		if m.isStale(sid) {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), constants.DefaultTimeout)
		defer cancel()
		if _, err := m.mbox.Push(ctx, mailbox.CandidatesPath(sid, string(role)), c); err != nil {
			logger.Warn("Failed to publish candidate",
				zap.String("session_id", sid), zap.Error(err))
			return
		}
		if m.metrics != nil {
			m.metrics.RecordSignal("candidate", "out")
		}
	})

	// Remote candidates arrive under the other role key, in whatever order
	// the transport delivered them.
	unsub, err := m.mbox.WatchChildren(mailbox.CandidatesPath(sid, string(role.Other())), func(key string, raw json.RawMessage) {
		m.handleRemoteCandidate(sid, raw)
	})
	if err != nil {
		return err
	}
	m.addUnsub(ac, unsub)

	var entryOwner string
	if role == domain.RoleCaller {
		entryOwner = ac.sess.Partner.UID
		answerUnsub, err := m.mbox.Watch(mailbox.AnswerPath(entryOwner, sid), func(raw json.RawMessage, ok bool) {
			m.handleAnswer(sid, raw, ok)
		})
		if err != nil {
			return err
		}
		m.addUnsub(ac, answerUnsub)
	} else {
		entryOwner = m.local.UID
	}

	// The offer entry disappearing while the session is live means the
	// remote side hung up or never picked up. The caller registers this
	// watch before publishing the offer, so the snapshot delivered at
	// subscribe time can legitimately be absent; only a removal after the
	// entry has been seen counts as a hangup.
	var entrySeen atomic.Bool
	entryUnsub, err := m.mbox.Watch(mailbox.OfferPath(entryOwner, sid), func(raw json.RawMessage, ok bool) {
		if ok {
			entrySeen.Store(true)
			return
		}
		if entrySeen.Load() {
			m.handleRemoteHangup(sid)
		}
	})
	if err != nil {
		return err
	}
	m.addUnsub(ac, entryUnsub)
	return nil
}

func (m *Manager) addUnsub(ac *activeCall, unsub mailbox.UnsubscribeFunc) {
	m.mu.Lock()
	ac.unsubs = append(ac.unsubs, unsub)
	m.mu.Unlock()
}

// isStale reports whether sid does not identify the current active session
func (m *Manager) isStale(sid string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active == nil || m.active.sess.SessionID != sid
}

func (m *Manager) handleRemoteCandidate(sid string, raw json.RawMessage) {
	m.mu.Lock()
	ac := m.active
	if ac == nil || ac.sess.SessionID != sid {
		m.mu.Unlock()
		if m.metrics != nil {
			m.metrics.RecordStaleEvent()
		}
		return
	}
	msess := ac.media
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.RecordSignal("candidate", "in")
	}
	if err := msess.AddRemoteCandidate(domain.Candidate(raw)); err != nil {
		// Unusable candidates do not fail the session
		logger.Debug("Remote candidate discarded",
			zap.String("session_id", sid), zap.Error(err))
	}
}

func (m *Manager) handleAnswer(sid string, raw json.RawMessage, ok bool) {
	if !ok || raw == nil {
		return
	}
	var desc domain.SessionDescription
	if err := json.Unmarshal(raw, &desc); err != nil {
		logger.Warn("Malformed answer ignored",
			zap.String("session_id", sid), zap.Error(err))
		if m.metrics != nil {
			m.metrics.RecordNegotiationError("answer_decode")
		}
		return
	}

	m.mu.Lock()
	ac := m.active
	if ac == nil || ac.sess.SessionID != sid {
		m.mu.Unlock()
		if m.metrics != nil {
			m.metrics.RecordStaleEvent()
		}
		return
	}
	if ac.remoteApplied {
		// Redelivery or a second write; the first answer stands
		m.mu.Unlock()
		logger.Debug("Duplicate answer ignored", zap.String("session_id", sid))
		return
	}
	ac.remoteApplied = true
	msess := ac.media
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.RecordSignal("answer", "in")
	}
	ctx, cancel := context.WithTimeout(context.Background(), constants.DefaultTimeout)
	defer cancel()
	if err := msess.SetRemoteDescription(ctx, desc); err != nil {
		logger.Error("Failed to apply remote answer",
			zap.String("session_id", sid), zap.Error(err))
		if m.metrics != nil {
			m.metrics.RecordNegotiationError("answer_apply")
		}
	}
}

func (m *Manager) handleRemoteStream(sid string, s media.Stream) {
	m.mu.Lock()
	ac := m.active
	if ac == nil || ac.sess.SessionID != sid {
		m.mu.Unlock()
		return
	}
	ac.remoteStream = s
	m.mu.Unlock()

	logger.Info("Remote media arrived", zap.String("session_id", sid))
	if m.onRemoteStream != nil {
		m.onRemoteStream(s)
	}
}

func (m *Manager) handleConnectionState(sid string, state media.ConnectionState) {
	switch state {
	case media.ConnectionConnected:
		m.mu.Lock()
		ac := m.active
		if ac == nil || ac.sess.SessionID != sid || ac.sess.Status != domain.StatusConnecting {
			m.mu.Unlock()
			return
		}
		ac.sess.Status = domain.StatusConnected
		ac.connectedAt = time.Now()
		sess := ac.sess
		m.mu.Unlock()

		logger.Info("Call connected",
			zap.String("session_id", sid),
			zap.String("partner", sess.Partner.UID))
		if m.onStatus != nil {
			m.onStatus(sess)
		}

	case media.ConnectionFailed, media.ConnectionDisconnected:
		// Transport loss mid-call ends the session like a hangup would
		m.mu.Lock()
		ac := m.active
		seconds := 0
		if ac != nil && ac.sess.SessionID == sid && !ac.connectedAt.IsZero() {
			seconds = int(time.Since(ac.connectedAt).Seconds())
		}
		m.mu.Unlock()

		logger.Warn("Media transport lost",
			zap.String("session_id", sid), zap.String("state", string(state)))
		m.endSession(context.Background(), sid, seconds)
	}
}

func (m *Manager) handleRemoteHangup(sid string) {
	m.mu.Lock()
	ac := m.active
	seconds := 0
	if ac != nil && ac.sess.SessionID == sid && !ac.connectedAt.IsZero() {
		seconds = int(time.Since(ac.connectedAt).Seconds())
	}
	m.mu.Unlock()

	logger.Info("Remote party ended the call", zap.String("session_id", sid))
	m.endSession(context.Background(), sid, seconds)
}

// endSession moves the sid session to ended, tears everything down, and
// finalizes the local call log. Events for any other session are stale.
func (m *Manager) endSession(ctx context.Context, sid string, observedSeconds int) {
	m.mu.Lock()
	ac := m.active
	if ac == nil || ac.sess.SessionID != sid {
		m.mu.Unlock()
		if m.metrics != nil {
			m.metrics.RecordStaleEvent()
		}
		return
	}
	ac.sess.Status = domain.StatusEnded
	sess := ac.sess
	m.mu.Unlock()

	m.cleanup(ctx, ac)

	if m.metrics != nil {
		m.metrics.RecordCallEnded(string(sess.Kind), time.Duration(observedSeconds)*time.Second)
	}
	if observedSeconds > 0 && m.recorder != nil {
		if err := m.recorder.FinalizeLog(ctx, m.local.UID, sess.Partner.UID, observedSeconds); err != nil {
			logger.Warn("Failed to finalize call log",
				zap.String("session_id", sid), zap.Error(err))
		}
	}

	logger.Info("Call ended",
		zap.String("session_id", sid),
		zap.Int("duration_seconds", observedSeconds))
	if m.onStatus != nil {
		m.onStatus(sess)
	}
}

// cleanup releases media, detaches all watchers, and removes the session's
// signaling entries. Safe to invoke any number of times; mailbox removals
// of already absent paths are no-ops.
func (m *Manager) cleanup(ctx context.Context, ac *activeCall) {
	ac.cleanupOnce.Do(func() {
		m.mu.Lock()
		if m.active == ac {
			m.active = nil
		}
		unsubs := ac.unsubs
		ac.unsubs = nil
		msess := ac.media
		localStream := ac.localStream
		ac.localStream = nil
		ac.remoteStream = nil
		sess := ac.sess
		m.mu.Unlock()

		// Watchers first, so our own removals below do not echo back as
		// remote hangups.
		for _, unsub := range unsubs {
			if unsub != nil {
				unsub()
			}
		}

		if msess != nil {
			if err := msess.Close(); err != nil {
				logger.Debug("Media session close", zap.Error(err))
			}
		}
		if localStream != nil {
			localStream.Stop()
		}

		if sess.SessionID != "" {
			entryOwner := m.local.UID
			if sess.Role == domain.RoleCaller {
				entryOwner = sess.Partner.UID
			}
			if err := m.mbox.Remove(ctx, mailbox.OfferPath(entryOwner, sess.SessionID)); err != nil {
				logger.Warn("Failed to remove call entry",
					zap.String("session_id", sess.SessionID), zap.Error(err))
			}
			if err := m.mbox.Remove(ctx, mailbox.CandidatesRootPath(sess.SessionID)); err != nil {
				logger.Warn("Failed to remove candidate queues",
					zap.String("session_id", sess.SessionID), zap.Error(err))
			}
		}

		if m.metrics != nil {
			m.metrics.RecordCleanup()
		}
	})
}

// Shutdown ends any active call without finalizing a log entry. Used when
// the owning connection goes away.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	ac := m.active
	m.mu.Unlock()
	if ac == nil {
		return
	}
	m.cleanup(ctx, ac)
}
