// Package presence publishes a user's online/offline state keyed by the
// liveness of the mailbox connection. It is independent of call logic.
package presence

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"peercall-backend/internal/domain"
	"peercall-backend/internal/mailbox"
	"peercall-backend/pkg/logger"
)

// Tracker mirrors mailbox connection liveness into presence/{uid}.
// Every connect writes an online record and arms a deferred offline write;
// the deferred write is scoped to the connection epoch, so a registration
// left behind by a dropped connection can never clobber a newer online
// record written after a reconnect.
type Tracker struct {
	mbox mailbox.Mailbox
	uid  string

	mu      sync.Mutex
	unsub   mailbox.UnsubscribeFunc
	started bool
}

// NewTracker creates a presence tracker for one user
func NewTracker(mbox mailbox.Mailbox, uid string) *Tracker {
	return &Tracker{mbox: mbox, uid: uid}
}

// Start begins mirroring connection state into the user's presence record
func (t *Tracker) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return nil
	}
	unsub := t.mbox.WatchConnection(func(state mailbox.ConnState) {
		if !state.Connected {
			return
		}
		t.onConnect(ctx)
	})
	t.unsub = unsub
	t.started = true
	return nil
}

func (t *Tracker) onConnect(ctx context.Context) {
	path := mailbox.PresencePath(t.uid)
	online := domain.Presence{State: domain.PresenceOnline}
	if err := t.mbox.Publish(ctx, path, online); err != nil {
		logger.Warn("Presence online write failed", zap.String("uid", t.uid), zap.Error(err))
		return
	}
	offline := domain.Presence{State: domain.PresenceOffline, LastSeen: time.Now().UnixMilli()}
	if err := t.mbox.OnDisconnect(ctx, path, offline); err != nil {
		logger.Warn("Presence deferred write registration failed", zap.String("uid", t.uid), zap.Error(err))
	}
}

// Stop gracefully marks the user offline: the deferred write is cancelled
// and the offline record written directly
func (t *Tracker) Stop(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.started {
		return
	}
	t.started = false
	if t.unsub != nil {
		t.unsub()
		t.unsub = nil
	}
	path := mailbox.PresencePath(t.uid)
	if err := t.mbox.CancelDisconnect(ctx, path); err != nil {
		logger.Debug("Presence deferred write cancel failed", zap.String("uid", t.uid), zap.Error(err))
	}
	offline := domain.Presence{State: domain.PresenceOffline, LastSeen: time.Now().UnixMilli()}
	if err := t.mbox.Publish(ctx, path, offline); err != nil {
		logger.Warn("Presence offline write failed", zap.String("uid", t.uid), zap.Error(err))
	}
}
