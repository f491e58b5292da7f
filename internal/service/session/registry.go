package session

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"peercall-backend/internal/domain"
	"peercall-backend/internal/mailbox"
	"peercall-backend/internal/media"
	"peercall-backend/internal/service/calllog"
	"peercall-backend/internal/service/gate"
	"peercall-backend/internal/service/presence"
	"peercall-backend/pkg/errors"
	"peercall-backend/pkg/logger"
	"peercall-backend/pkg/metrics"
)

// EventSink receives the per-user events the registry surfaces. The
// websocket gateway implements it to push events to connected clients.
type EventSink interface {
	// IncomingCall fires with the pending incoming call, or nil when it is
	// withdrawn
	IncomingCall(uid string, call *domain.IncomingCall)
	// CallStatus fires on session status transitions
	CallStatus(uid string, sess domain.CallSession)
	// RemoteStream fires when the remote party's media arrives
	RemoteStream(uid string, streamID string)
}

// MailboxFactory builds the signaling mailbox for one user. Each user gets
// its own instance so disconnect-deferred writes are scoped per owner.
type MailboxFactory func(ctx context.Context, uid string) (mailbox.Mailbox, error)

// UserSession bundles everything attached to one connected user
type UserSession struct {
	User     domain.UserSnapshot
	Mailbox  mailbox.Mailbox
	Manager  *Manager
	Gate     *gate.Gate
	Presence *presence.Tracker
}

// Registry tracks the connected users on this node and wires a manager,
// incoming call gate, and presence tracker for each.
type Registry struct {
	newMailbox MailboxFactory
	engine     media.Engine
	archive    calllog.Archive
	blocklist  gate.Blocklist
	sink       EventSink
	metrics    *metrics.Metrics
	iceServers []string

	mu    sync.Mutex
	users map[string]*UserSession
}

func NewRegistry(newMailbox MailboxFactory, engine media.Engine, archive calllog.Archive, blocklist gate.Blocklist, m *metrics.Metrics, iceServers []string) *Registry {
	return &Registry{
		newMailbox: newMailbox,
		engine:     engine,
		archive:    archive,
		blocklist:  blocklist,
		metrics:    m,
		iceServers: iceServers,
		users:      make(map[string]*UserSession),
	}
}

// SetEventSink registers the event fan-out target. Call once before the
// first Connect.
func (r *Registry) SetEventSink(sink EventSink) {
	r.sink = sink
}

// Connect attaches user to the signaling plane: mailbox, manager, incoming
// call gate, and presence. Connecting an already connected user returns the
// existing session.
func (r *Registry) Connect(ctx context.Context, user domain.UserSnapshot) (*UserSession, error) {
	if user.UID == "" {
		return nil, errors.InvalidInputError("missing user id")
	}

	r.mu.Lock()
	if existing, ok := r.users[user.UID]; ok {
		r.mu.Unlock()
		return existing, nil
	}
	r.mu.Unlock()

	mbox, err := r.newMailbox(ctx, user.UID)
	if err != nil {
		return nil, err
	}

	recorder := calllog.NewRecorder(mbox, r.archive)
	mgr := NewManager(mbox, r.engine, recorder, r.metrics, user, r.iceServers)

	uid := user.UID
	mgr.SetStatusHandler(func(sess domain.CallSession) {
		if r.sink != nil {
			r.sink.CallStatus(uid, sess)
		}
	})
	mgr.SetRemoteStreamHandler(func(s media.Stream) {
		if r.sink != nil {
			r.sink.RemoteStream(uid, s.ID())
		}
	})

	g := gate.New(mbox, uid, r.blocklist, mgr, func(call *domain.IncomingCall) {
		if r.sink != nil {
			r.sink.IncomingCall(uid, call)
		}
	}, r.metrics)

	tracker := presence.NewTracker(mbox, uid)

	us := &UserSession{
		User:     user,
		Mailbox:  mbox,
		Manager:  mgr,
		Gate:     g,
		Presence: tracker,
	}

	r.mu.Lock()
	if existing, ok := r.users[uid]; ok {
		// Lost the race with a concurrent Connect for the same user
		r.mu.Unlock()
		mbox.Close()
		return existing, nil
	}
	r.users[uid] = us
	r.mu.Unlock()

	if err := g.Start(ctx); err != nil {
		r.Disconnect(ctx, uid)
		return nil, err
	}
	if err := tracker.Start(ctx); err != nil {
		r.Disconnect(ctx, uid)
		return nil, err
	}

	logger.Info("User attached to signaling plane", zap.String("uid", uid))
	return us, nil
}

// Get returns the session for uid, if connected
func (r *Registry) Get(uid string) (*UserSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	us, ok := r.users[uid]
	return us, ok
}

// Disconnect detaches a user: tears down any active call, stops the gate
// and presence, and closes the mailbox. Idempotent.
func (r *Registry) Disconnect(ctx context.Context, uid string) {
	r.mu.Lock()
	us, ok := r.users[uid]
	delete(r.users, uid)
	r.mu.Unlock()
	if !ok {
		return
	}

	us.Manager.Shutdown(ctx)
	us.Gate.Stop()
	us.Presence.Stop(ctx)
	us.Mailbox.Close()

	logger.Info("User detached from signaling plane", zap.String("uid", uid))
}

// Shutdown disconnects every user, typically during service stop
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.Lock()
	uids := make([]string, 0, len(r.users))
	for uid := range r.users {
		uids = append(uids, uid)
	}
	r.mu.Unlock()

	for _, uid := range uids {
		r.Disconnect(ctx, uid)
	}
}
