// Package gate watches a user's inbox, filters offers against the blocklist,
// and surfaces at most one pending incoming session at a time.
package gate

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"go.uber.org/zap"

	"peercall-backend/internal/domain"
	"peercall-backend/internal/mailbox"
	"peercall-backend/pkg/logger"
	"peercall-backend/pkg/metrics"
)

// State is the gate's per-user state machine
type State string

const (
	StateIdle       State = "idle"
	StatePending    State = "pending"
	StateSuppressed State = "suppressed"
)

// Blocklist is the read-only gating collaborator supplying blocked partner IDs
type Blocklist interface {
	IsBlocked(ctx context.Context, uid, partnerID string) (bool, error)
}

// ViewState is the read-only collaborator reporting whether the local
// participant is currently on the active-call view
type ViewState interface {
	OnCallView(uid string) bool
}

// NotifyFunc surfaces the pending incoming call to the caller-facing layer.
// nil clears a previously surfaced notification.
type NotifyFunc func(call *domain.IncomingCall)

// Gate is the incoming call gate for one local user
type Gate struct {
	mbox      mailbox.Mailbox
	uid       string
	blocklist Blocklist
	view      ViewState
	notify    NotifyFunc
	metrics   *metrics.Metrics

	mu      sync.Mutex
	state   State
	pending *domain.IncomingCall
	unsub   mailbox.UnsubscribeFunc
}

// New creates a gate for uid. metrics may be nil.
func New(mbox mailbox.Mailbox, uid string, blocklist Blocklist, view ViewState, notify NotifyFunc, m *metrics.Metrics) *Gate {
	return &Gate{
		mbox:      mbox,
		uid:       uid,
		blocklist: blocklist,
		view:      view,
		notify:    notify,
		metrics:   m,
		state:     StateIdle,
	}
}

// Start subscribes to the user's inbox root
func (g *Gate) Start(ctx context.Context) error {
	unsub, err := g.mbox.Watch(mailbox.InboxPath(g.uid), func(raw json.RawMessage, ok bool) {
		g.onInbox(ctx, raw, ok)
	})
	if err != nil {
		return err
	}
	g.mu.Lock()
	g.unsub = unsub
	g.mu.Unlock()
	return nil
}

// Stop tears down the inbox subscription and clears any surfaced notification
func (g *Gate) Stop() {
	g.mu.Lock()
	unsub := g.unsub
	g.unsub = nil
	hadPending := g.pending != nil
	g.state = StateIdle
	g.pending = nil
	g.mu.Unlock()
	if unsub != nil {
		unsub()
	}
	if hadPending {
		g.notify(nil)
	}
}

// CurrentState returns the gate state, for tests and diagnostics
func (g *Gate) CurrentState() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Pending returns the currently surfaced incoming call, if any
func (g *Gate) Pending() *domain.IncomingCall {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pending
}

// Claim hands the pending call over for answering and returns the gate to
// idle without touching the inbox entry. Returns nil when nothing is pending.
func (g *Gate) Claim() *domain.IncomingCall {
	g.mu.Lock()
	defer g.mu.Unlock()
	call := g.pending
	g.pending = nil
	if g.state == StatePending {
		g.state = StateIdle
	}
	return call
}

// Reject deletes the inbox entry for sessionID and returns the gate to idle
func (g *Gate) Reject(ctx context.Context, sessionID string) error {
	if err := g.mbox.Remove(ctx, mailbox.OfferPath(g.uid, sessionID)); err != nil {
		return err
	}
	g.mu.Lock()
	if g.pending != nil && g.pending.SessionID == sessionID {
		g.pending = nil
		g.state = StateIdle
	}
	g.mu.Unlock()
	if g.metrics != nil {
		g.metrics.RecordCallRejected("user")
	}
	g.notify(nil)
	return nil
}

// onInbox handles every inbox snapshot. The oldest entry by insertion key is
// the single candidate; anything behind it stays invisible until the slot
// clears.
func (g *Gate) onInbox(ctx context.Context, raw json.RawMessage, ok bool) {
	if !ok {
		g.clear()
		return
	}

	var entries map[string]domain.Offer
	if err := json.Unmarshal(raw, &entries); err != nil {
		logger.Warn("Malformed inbox content", zap.String("uid", g.uid), zap.Error(err))
		return
	}
	if len(entries) == 0 {
		g.clear()
		return
	}

	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	sessionID := keys[0]
	offer := entries[sessionID]

	if err := offer.Validate(); err != nil {
		logger.Warn("Invalid offer in inbox, removing",
			zap.String("uid", g.uid),
			zap.String("session_id", sessionID),
			zap.Error(err))
		_ = g.mbox.Remove(ctx, mailbox.OfferPath(g.uid, sessionID))
		return
	}

	blocked, err := g.blocklist.IsBlocked(ctx, g.uid, offer.From)
	if err != nil {
		logger.Warn("Blocklist check failed", zap.String("uid", g.uid), zap.Error(err))
		return
	}
	if blocked {
		// Auto-reject: delete without surfacing
		g.mu.Lock()
		g.state = StateSuppressed
		g.pending = nil
		g.mu.Unlock()
		if err := g.mbox.Remove(ctx, mailbox.OfferPath(g.uid, sessionID)); err != nil {
			logger.Warn("Auto-reject removal failed",
				zap.String("uid", g.uid),
				zap.String("session_id", sessionID),
				zap.Error(err))
		}
		if g.metrics != nil {
			g.metrics.RecordCallRejected("blocked")
		}
		return
	}

	if g.view.OnCallView(g.uid) {
		// The UI layer is already in a session; leave the entry alone
		return
	}

	g.mu.Lock()
	if g.pending != nil && g.pending.SessionID == sessionID {
		g.mu.Unlock()
		return
	}
	call := &domain.IncomingCall{SessionID: sessionID, Offer: offer}
	g.pending = call
	g.state = StatePending
	g.mu.Unlock()

	logger.Info("Incoming call surfaced",
		zap.String("uid", g.uid),
		zap.String("session_id", sessionID),
		zap.String("from", offer.From),
		zap.String("kind", string(offer.Kind)))
	g.notify(call)
}

func (g *Gate) clear() {
	g.mu.Lock()
	hadPending := g.pending != nil
	g.pending = nil
	g.state = StateIdle
	g.mu.Unlock()
	if hadPending {
		g.notify(nil)
	}
}
