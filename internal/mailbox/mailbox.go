// Package mailbox provides the keyed, subscribable store used as the
// asynchronous signaling transport. All call coordination is modeled as
// eventually-delivered key-value events on logical paths rather than
// request/response RPC.
package mailbox

import (
	"context"
	"encoding/json"
	"strings"

	"peercall-backend/pkg/constants"
)

// UnsubscribeFunc tears down one subscription. Safe to call more than once.
type UnsubscribeFunc func()

// ValueFunc receives the rendered JSON value of the watched subtree.
// ok is false when the path holds nothing (removed or never written).
type ValueFunc func(value json.RawMessage, ok bool)

// ChildFunc receives one child addition under the watched path
type ChildFunc func(key string, value json.RawMessage)

// ConnState describes the liveness of the underlying transport connection.
// Epoch changes on every reconnect; deferred writes are scoped to the epoch
// that registered them.
type ConnState struct {
	Connected bool
	Epoch     string
}

// ConnFunc receives connection state transitions
type ConnFunc func(state ConnState)

// Mailbox is the signaling transport contract. There is no ordering guarantee
// across distinct paths; within one path, continuous watches observe a
// consistent last-write-wins value. Child watches deliver every value already
// present at subscribe time plus every subsequent addition, at least once.
//
// When the backing store is unreachable every operation fails with a
// TRANSPORT_UNAVAILABLE error; callers treat this as non-retryable for the
// current attempt and unwind the session.
type Mailbox interface {
	// Publish marshals value as JSON and writes it at path
	Publish(ctx context.Context, path string, value any) error

	// Push allocates a lexicographically increasing child key under path,
	// writes value there, and returns the key
	Push(ctx context.Context, path string, value any) (string, error)

	// AllocateKey reserves a fresh push key without writing anything
	AllocateKey(ctx context.Context) (string, error)

	// Get reads the rendered value at path once
	Get(ctx context.Context, path string) (json.RawMessage, bool, error)

	// Watch subscribes continuously to the subtree at path
	Watch(path string, fn ValueFunc) (UnsubscribeFunc, error)

	// WatchChildren subscribes with child-added semantics to path
	WatchChildren(path string, fn ChildFunc) (UnsubscribeFunc, error)

	// Remove deletes the subtree at path
	Remove(ctx context.Context, path string) error

	// OnDisconnect registers a deferred write of value at path, executed
	// server-side if this connection vanishes without explicit teardown.
	// The registration is scoped to the current connection epoch.
	OnDisconnect(ctx context.Context, path string, value any) error

	// CancelDisconnect drops a deferred write registered for path
	CancelDisconnect(ctx context.Context, path string) error

	// Close detaches from the transport. Deferred disconnect writes are left
	// for the transport to apply. All later operations fail with
	// TRANSPORT_UNAVAILABLE.
	Close()

	// WatchConnection subscribes to transport liveness transitions. The
	// current state is delivered immediately.
	WatchConnection(fn ConnFunc) UnsubscribeFunc
}

// Wire layout helpers. Paths use "/" separators, mirroring the logical
// layout inbox/{recipient}/{session}, candidates/{session}/{role},
// presence/{uid}, callLogs/{uid}/{logID}.

// InboxPath is the per-recipient inbox root for call offers
func InboxPath(uid string) string {
	return constants.PathInbox + "/" + uid
}

// OfferPath addresses one offer entry in a recipient's inbox
func OfferPath(uid, sessionID string) string {
	return InboxPath(uid) + "/" + sessionID
}

// AnswerPath addresses the answer slot of one offer entry
func AnswerPath(uid, sessionID string) string {
	return OfferPath(uid, sessionID) + "/answer"
}

// CandidatesRootPath addresses both roles' candidate queues for a session
func CandidatesRootPath(sessionID string) string {
	return constants.PathCandidate + "/" + sessionID
}

// CandidatesPath addresses one role's append-only candidate queue
func CandidatesPath(sessionID, role string) string {
	return CandidatesRootPath(sessionID) + "/" + role
}

// PresencePath addresses one user's presence record
func PresencePath(uid string) string {
	return constants.PathPresence + "/" + uid
}

// CallLogsPath is the per-user call log root
func CallLogsPath(uid string) string {
	return constants.PathCallLogs + "/" + uid
}

// CallLogPath addresses one call log entry
func CallLogPath(uid, logID string) string {
	return CallLogsPath(uid) + "/" + logID
}

// splitPath breaks a path into segments, dropping empty ones
func splitPath(path string) []string {
	parts := strings.Split(path, "/")
	segs := parts[:0]
	for _, p := range parts {
		if p != "" {
			segs = append(segs, p)
		}
	}
	return segs
}

// isPrefix reports whether a is a segment-wise prefix of b
func isPrefix(a, b []string) bool {
	if len(a) > len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
