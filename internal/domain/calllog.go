package domain

// CallDirection tells which side initiated the logged call
type CallDirection string

const (
	DirectionIncoming CallDirection = "incoming"
	DirectionOutgoing CallDirection = "outgoing"
)

// CallLogEntry is an immutable call-attempt record stored at
// callLogs/{uid}/{logID}. Duration is nil until the call ends and is
// patched exactly once, best-effort.
type CallLogEntry struct {
	Partner   UserSnapshot  `json:"partner"`
	Kind      CallKind      `json:"kind"`
	Direction CallDirection `json:"direction"`
	TS        int64         `json:"ts"` // start time, unix millis
	Duration  *int          `json:"duration,omitempty"` // seconds
}
