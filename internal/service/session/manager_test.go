package session

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peercall-backend/internal/domain"
	"peercall-backend/internal/mailbox"
	"peercall-backend/internal/media"
	"peercall-backend/internal/service/calllog"
	"peercall-backend/internal/service/gate"
	"peercall-backend/pkg/errors"
)

const (
	waitFor = 3 * time.Second
	tick    = 10 * time.Millisecond
)

// openBlocklist blocks nobody
type openBlocklist struct{}

func (openBlocklist) IsBlocked(ctx context.Context, uid, partnerID string) (bool, error) {
	return false, nil
}

// endpoint bundles everything one user needs to place and receive calls over
// the shared in-process tree
type endpoint struct {
	user     domain.UserSnapshot
	mbox     mailbox.Mailbox
	engine   *media.LoopbackEngine
	manager  *Manager
	gate     *gate.Gate
	incoming chan *domain.IncomingCall
	statuses chan domain.CallSession
}

func newEndpoint(t *testing.T, tree *mailbox.Memory, uid, name string) *endpoint {
	t.Helper()
	ep := &endpoint{
		user:     domain.UserSnapshot{UID: uid, DisplayName: name},
		mbox:     mailbox.NewShared(tree),
		engine:   media.NewLoopbackEngine(),
		incoming: make(chan *domain.IncomingCall, 16),
		statuses: make(chan domain.CallSession, 16),
	}
	recorder := calllog.NewRecorder(ep.mbox, nil)
	ep.manager = NewManager(ep.mbox, ep.engine, recorder, nil, ep.user, nil)
	ep.manager.SetStatusHandler(func(sess domain.CallSession) {
		ep.statuses <- sess
	})
	ep.gate = gate.New(ep.mbox, uid, openBlocklist{}, ep.manager, func(call *domain.IncomingCall) {
		ep.incoming <- call
	}, nil)
	require.NoError(t, ep.gate.Start(context.Background()))
	t.Cleanup(ep.gate.Stop)
	return ep
}

func waitIncoming(t *testing.T, ep *endpoint) *domain.IncomingCall {
	t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case call := <-ep.incoming:
			if call != nil {
				return call
			}
		case <-deadline:
			t.Fatal("timed out waiting for an incoming call")
		}
	}
}

func waitStatus(t *testing.T, ep *endpoint, want domain.CallStatus) domain.CallSession {
	t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case sess := <-ep.statuses:
			if sess.Status == want {
				return sess
			}
		case <-deadline:
			t.Fatalf("timed out waiting for status %q", want)
		}
	}
}

func pathExists(t *testing.T, tree *mailbox.Memory, path string) bool {
	t.Helper()
	_, ok, err := tree.Get(context.Background(), path)
	require.NoError(t, err)
	return ok
}

func loadLogs(t *testing.T, tree *mailbox.Memory, uid string) map[string]domain.CallLogEntry {
	t.Helper()
	raw, ok, err := tree.Get(context.Background(), mailbox.CallLogsPath(uid))
	require.NoError(t, err)
	if !ok {
		return nil
	}
	var logs map[string]domain.CallLogEntry
	require.NoError(t, json.Unmarshal(raw, &logs))
	return logs
}

func connect(t *testing.T, alice, bob *endpoint, kind domain.CallKind) *domain.CallSession {
	t.Helper()
	ctx := context.Background()

	sess, err := alice.manager.StartOutgoing(ctx, bob.user, kind)
	require.NoError(t, err)
	require.Equal(t, domain.RoleCaller, sess.Role)
	require.Equal(t, domain.StatusConnecting, sess.Status)

	call := waitIncoming(t, bob)
	require.Equal(t, sess.SessionID, call.SessionID)
	claimed := bob.gate.Claim()
	require.NotNil(t, claimed)

	bsess, err := bob.manager.AcceptIncoming(ctx, claimed)
	require.NoError(t, err)
	require.Equal(t, domain.RoleCallee, bsess.Role)

	waitStatus(t, alice, domain.StatusConnected)
	waitStatus(t, bob, domain.StatusConnected)
	return sess
}

func TestOutgoingCallEndToEnd(t *testing.T) {
	tree := mailbox.NewMemory()
	defer tree.Close()
	alice := newEndpoint(t, tree, "alice", "Alice")
	bob := newEndpoint(t, tree, "bob", "Bob")

	sess := connect(t, alice, bob, domain.CallKindVoice)
	sid := sess.SessionID

	require.NoError(t, alice.manager.End(context.Background(), 60))

	// Both sides report ended: alice from the local hangup, bob from the
	// offer entry vanishing out of his inbox
	waitStatus(t, alice, domain.StatusEnded)
	waitStatus(t, bob, domain.StatusEnded)

	require.Eventually(t, func() bool {
		_, stillActive := bob.manager.ActiveSession()
		return !stillActive
	}, waitFor, tick)
	_, active := alice.manager.ActiveSession()
	assert.False(t, active)

	assert.False(t, pathExists(t, tree, mailbox.OfferPath("bob", sid)))
	assert.False(t, pathExists(t, tree, mailbox.CandidatesRootPath(sid)))

	// Alice ended with an observed duration, so only her entry is finalized
	aliceLogs := loadLogs(t, tree, "alice")
	require.Len(t, aliceLogs, 1)
	for _, entry := range aliceLogs {
		assert.Equal(t, "bob", entry.Partner.UID)
		assert.Equal(t, domain.DirectionOutgoing, entry.Direction)
		require.NotNil(t, entry.Duration)
		assert.Equal(t, 60, *entry.Duration)
	}
	bobLogs := loadLogs(t, tree, "bob")
	require.Len(t, bobLogs, 1)
	for _, entry := range bobLogs {
		assert.Equal(t, "alice", entry.Partner.UID)
		assert.Equal(t, domain.DirectionIncoming, entry.Direction)
		assert.Nil(t, entry.Duration)
	}
}

func TestUnansweredOutgoingCallKeepsRinging(t *testing.T) {
	tree := mailbox.NewMemory()
	defer tree.Close()
	alice := newEndpoint(t, tree, "alice", "Alice")

	sess, err := alice.manager.StartOutgoing(context.Background(),
		domain.UserSnapshot{UID: "bob", DisplayName: "Bob"}, domain.CallKindVoice)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusConnecting, sess.Status)

	// Nobody answers. The session must sit in connecting with the offer
	// still in bob's inbox, not tear itself down.
	require.Never(t, func() bool {
		select {
		case got := <-alice.statuses:
			return got.Status == domain.StatusEnded
		default:
			return false
		}
	}, 500*time.Millisecond, tick)

	active, ok := alice.manager.ActiveSession()
	require.True(t, ok)
	assert.Equal(t, domain.StatusConnecting, active.Status)
	assert.True(t, pathExists(t, tree, mailbox.OfferPath("bob", sess.SessionID)))
}

func TestMediaDeniedLeavesNoTrace(t *testing.T) {
	tree := mailbox.NewMemory()
	defer tree.Close()
	alice := newEndpoint(t, tree, "alice", "Alice")
	bob := newEndpoint(t, tree, "bob", "Bob")

	alice.engine.DenyMedia = true
	_, err := alice.manager.StartOutgoing(context.Background(), bob.user, domain.CallKindVideo)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeMediaDenied))

	// The refusal happened before any signaling, so nothing reached the tree
	_, active := alice.manager.ActiveSession()
	assert.False(t, active)
	assert.False(t, pathExists(t, tree, mailbox.InboxPath("bob")))
	assert.Nil(t, loadLogs(t, tree, "alice"))
	assert.Nil(t, loadLogs(t, tree, "bob"))
}

func TestSecondCallWhileActiveRejected(t *testing.T) {
	tree := mailbox.NewMemory()
	defer tree.Close()
	alice := newEndpoint(t, tree, "alice", "Alice")
	bob := newEndpoint(t, tree, "bob", "Bob")

	connect(t, alice, bob, domain.CallKindVoice)

	carol := domain.UserSnapshot{UID: "carol", DisplayName: "Carol"}
	_, err := alice.manager.StartOutgoing(context.Background(), carol, domain.CallKindVoice)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeCallInProgress))

	// The active session is untouched by the refused attempt
	sess, active := alice.manager.ActiveSession()
	require.True(t, active)
	assert.Equal(t, "bob", sess.Partner.UID)

	require.NoError(t, alice.manager.End(context.Background(), 0))
	waitStatus(t, bob, domain.StatusEnded)
}

func TestDuplicateAnswerKeepsSession(t *testing.T) {
	tree := mailbox.NewMemory()
	defer tree.Close()
	alice := newEndpoint(t, tree, "alice", "Alice")
	bob := newEndpoint(t, tree, "bob", "Bob")

	sess := connect(t, alice, bob, domain.CallKindVoice)

	// A second answer write, as a flaky transport would redeliver it
	dup := domain.SessionDescription{Type: "answer", SDP: "v=0 replay"}
	require.NoError(t, tree.Publish(context.Background(), mailbox.AnswerPath("bob", sess.SessionID), &dup))
	time.Sleep(100 * time.Millisecond)

	got, active := alice.manager.ActiveSession()
	require.True(t, active)
	assert.Equal(t, domain.StatusConnected, got.Status)

	require.NoError(t, alice.manager.End(context.Background(), 5))
	waitStatus(t, bob, domain.StatusEnded)
}

func TestLateAndReorderedCandidatesStillConnect(t *testing.T) {
	tree := mailbox.NewMemory()
	defer tree.Close()
	alice := newEndpoint(t, tree, "alice", "Alice")
	bob := newEndpoint(t, tree, "bob", "Bob")

	sess, err := alice.manager.StartOutgoing(context.Background(), bob.user, domain.CallKindVoice)
	require.NoError(t, err)
	sid := sess.SessionID

	// Extra caller candidates land under keys that sort against insertion
	// order; the callee must absorb them regardless
	callerPath := mailbox.CandidatesPath(sid, string(domain.RoleCaller))
	c1 := domain.Candidate(`{"candidate":"late zzz"}`)
	c2 := domain.Candidate(`{"candidate":"late aaa"}`)
	require.NoError(t, tree.Publish(context.Background(), callerPath+"/zzz", c1))
	require.NoError(t, tree.Publish(context.Background(), callerPath+"/aaa", c2))

	call := waitIncoming(t, bob)
	claimed := bob.gate.Claim()
	require.NotNil(t, claimed)
	require.Equal(t, call.SessionID, claimed.SessionID)
	_, err = bob.manager.AcceptIncoming(context.Background(), claimed)
	require.NoError(t, err)

	waitStatus(t, alice, domain.StatusConnected)
	waitStatus(t, bob, domain.StatusConnected)

	require.NoError(t, bob.manager.End(context.Background(), 10))
	waitStatus(t, alice, domain.StatusEnded)

	require.Eventually(t, func() bool {
		return !pathExists(t, tree, mailbox.CandidatesRootPath(sid))
	}, waitFor, tick)
}

func TestRejectSignalsCallerHangup(t *testing.T) {
	tree := mailbox.NewMemory()
	defer tree.Close()
	alice := newEndpoint(t, tree, "alice", "Alice")
	bob := newEndpoint(t, tree, "bob", "Bob")

	sess, err := alice.manager.StartOutgoing(context.Background(), bob.user, domain.CallKindVideo)
	require.NoError(t, err)

	call := waitIncoming(t, bob)
	require.NoError(t, bob.gate.Reject(context.Background(), call.SessionID))

	// Deleting the inbox entry is the only rejection signal the caller gets
	ended := waitStatus(t, alice, domain.StatusEnded)
	assert.Equal(t, sess.SessionID, ended.SessionID)
	_, active := alice.manager.ActiveSession()
	assert.False(t, active)
	assert.False(t, pathExists(t, tree, mailbox.OfferPath("bob", sess.SessionID)))
}

func TestAcceptVanishedOfferFails(t *testing.T) {
	tree := mailbox.NewMemory()
	defer tree.Close()
	bob := newEndpoint(t, tree, "bob", "Bob")

	stale := &domain.IncomingCall{
		SessionID: "0000000000000042",
		Offer: domain.Offer{
			Kind: domain.CallKindVoice,
			From: "alice",
			Offer: domain.SessionDescription{
				Type: "offer", SDP: "v=0 gone",
			},
			TS: time.Now().UnixMilli(),
		},
	}
	_, err := bob.manager.AcceptIncoming(context.Background(), stale)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeStaleSession))
	_, active := bob.manager.ActiveSession()
	assert.False(t, active)
}

func TestEndWithoutActiveCall(t *testing.T) {
	tree := mailbox.NewMemory()
	defer tree.Close()
	alice := newEndpoint(t, tree, "alice", "Alice")

	err := alice.manager.End(context.Background(), 0)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeCallNotFound))
}

func TestShutdownTearsDownWithoutFinalizing(t *testing.T) {
	tree := mailbox.NewMemory()
	defer tree.Close()
	alice := newEndpoint(t, tree, "alice", "Alice")
	bob := newEndpoint(t, tree, "bob", "Bob")

	sess := connect(t, alice, bob, domain.CallKindVoice)

	alice.manager.Shutdown(context.Background())

	_, active := alice.manager.ActiveSession()
	assert.False(t, active)
	assert.False(t, pathExists(t, tree, mailbox.OfferPath("bob", sess.SessionID)))
	waitStatus(t, bob, domain.StatusEnded)

	// No duration was observed, so neither side's entry is finalized
	for _, entry := range loadLogs(t, tree, "alice") {
		assert.Nil(t, entry.Duration)
	}
}
