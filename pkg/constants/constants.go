// Package constants defines application-wide constants for timeouts, limits, and mailbox paths.
package constants

import "time"

// Time-related constants
const (
	// DefaultTimeout is the default timeout for most operations
	DefaultTimeout = 30 * time.Second

	// WebSocketPingInterval is the interval for WebSocket ping/pong
	WebSocketPingInterval = 60 * time.Second

	// GracefulShutdownTimeout is the timeout for graceful server shutdown
	GracefulShutdownTimeout = 30 * time.Second

	// ConnectionHeartbeatTTL is the lifetime of a mailbox connection heartbeat.
	// A connection whose heartbeat lapses is considered dropped and its
	// deferred writes become eligible for application.
	ConnectionHeartbeatTTL = 15 * time.Second

	// DeferredWriteSweepInterval is how often the janitor scans for deferred
	// writes whose connection heartbeat has lapsed
	DeferredWriteSweepInterval = 5 * time.Second
)

// Mailbox path prefixes (logical wire layout)
const (
	PathInbox     = "inbox"
	PathCandidate = "candidates"
	PathPresence  = "presence"
	PathCallLogs  = "callLogs"
)

// Call log reconciliation
const (
	// CallLogFinalizeWindow bounds how many recent log entries are considered
	// when patching a duration after a call ends
	CallLogFinalizeWindow = 5
)

// DefaultSTUNServers are used when no ICE servers are configured
var DefaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
	"stun:stun2.l.google.com:19302",
	"stun:stun3.l.google.com:19302",
	"stun:stun4.l.google.com:19302",
}
