// Package ws exposes the call signaling plane over WebSocket. Each
// connection attaches one user to the registry; call commands arrive as JSON
// messages and session events flow back on the same socket.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"peercall-backend/internal/domain"
	"peercall-backend/internal/service/session"
	"peercall-backend/pkg/constants"
	pkgctx "peercall-backend/pkg/context"
	"peercall-backend/pkg/errors"
	"peercall-backend/pkg/logger"
	"peercall-backend/pkg/metrics"
	"peercall-backend/pkg/sanitize"
)

// Command actions accepted from clients
const (
	ActionStartCall  = "start_call"
	ActionAcceptCall = "accept_call"
	ActionRejectCall = "reject_call"
	ActionEndCall    = "end_call"
)

// Event types sent to clients
const (
	EventIncomingCall = "incoming_call"
	EventCallStatus   = "call_status"
	EventCallError    = "call_error"
	EventRemoteStream = "remote_stream"
	EventCallStarted  = "call_started"
)

// Command is one client request over the socket
type Command struct {
	Action          string               `json:"action"`
	Partner         *domain.UserSnapshot `json:"partner,omitempty"`
	Kind            domain.CallKind      `json:"kind,omitempty"`
	SessionID       string               `json:"session_id,omitempty"`
	DurationSeconds int                  `json:"duration_seconds,omitempty"`
}

// Event is one server push over the socket
type Event struct {
	Type      string               `json:"type"`
	Call      *domain.IncomingCall `json:"call,omitempty"`
	Session   *domain.CallSession  `json:"session,omitempty"`
	StreamID  string               `json:"stream_id,omitempty"`
	Code      string               `json:"code,omitempty"`
	Message   string               `json:"message,omitempty"`
	Timestamp time.Time            `json:"timestamp"`
}

// EventsHub fans session events out to connected clients and feeds call
// commands into the registry. It implements session.EventSink.
type EventsHub struct {
	registry *session.Registry
	metrics  *metrics.Metrics

	// Registered clients per user
	users map[string]map[*EventsClient]bool
	mu    sync.RWMutex

	register   chan *EventsClient
	unregister chan *EventsClient
	events     chan targetedEvent

	maxConnections int
	semaphore      chan struct{}
}

type targetedEvent struct {
	uid   string
	event *Event
}

// EventsClient represents one WebSocket connection
type EventsClient struct {
	hub  *EventsHub
	conn *websocket.Conn
	send chan []byte
	user domain.UserSnapshot
}

var eventsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return false
		}
		for allowed := range allowedWSOrigins() {
			if origin == allowed {
				return true
			}
		}
		return false
	},
}

func allowedWSOrigins() map[string]bool {
	origins := map[string]bool{
		"http://localhost:3000": true,
		"http://localhost:8080": true,
	}
	if env := os.Getenv("CORS_ALLOWED_ORIGINS"); env != "" {
		for _, origin := range strings.Split(env, ",") {
			origins[strings.TrimSpace(origin)] = true
		}
	}
	return origins
}

// NewEventsHub creates the hub and starts its dispatch loop
func NewEventsHub(registry *session.Registry, m *metrics.Metrics) *EventsHub {
	maxConns := 1000
	if val := os.Getenv("WS_MAX_CONNECTIONS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil && n > 0 {
			maxConns = n
		}
	}

	hub := &EventsHub{
		registry:       registry,
		metrics:        m,
		users:          make(map[string]map[*EventsClient]bool),
		register:       make(chan *EventsClient),
		unregister:     make(chan *EventsClient),
		events:         make(chan targetedEvent, 256),
		maxConnections: maxConns,
		semaphore:      make(chan struct{}, maxConns),
	}
	registry.SetEventSink(hub)

	go hub.run()

	return hub
}

// IncomingCall implements session.EventSink
func (h *EventsHub) IncomingCall(uid string, call *domain.IncomingCall) {
	h.events <- targetedEvent{uid: uid, event: &Event{
		Type:      EventIncomingCall,
		Call:      call,
		Timestamp: time.Now(),
	}}
}

// CallStatus implements session.EventSink
func (h *EventsHub) CallStatus(uid string, sess domain.CallSession) {
	h.events <- targetedEvent{uid: uid, event: &Event{
		Type:      EventCallStatus,
		Session:   &sess,
		Timestamp: time.Now(),
	}}
}

// RemoteStream implements session.EventSink
func (h *EventsHub) RemoteStream(uid string, streamID string) {
	h.events <- targetedEvent{uid: uid, event: &Event{
		Type:      EventRemoteStream,
		StreamID:  streamID,
		Timestamp: time.Now(),
	}}
}

// run handles hub operations
func (h *EventsHub) run() {
	for {
		select {
		case client := <-h.register:
			uid := client.user.UID
			h.mu.Lock()
			first := h.users[uid] == nil
			if first {
				h.users[uid] = make(map[*EventsClient]bool)
			}
			h.users[uid][client] = true
			h.mu.Unlock()

			if first {
				if _, err := h.registry.Connect(context.Background(), client.user); err != nil {
					logger.Error("Failed to attach user",
						zap.String("uid", uid), zap.Error(err))
					h.sendTo(client, h.errorEvent(err))
				}
			}
			if h.metrics != nil {
				h.metrics.IncrementWebsocketConnections()
			}

		case client := <-h.unregister:
			uid := client.user.UID
			h.mu.Lock()
			if clients, ok := h.users[uid]; ok {
				if _, exists := clients[client]; exists {
					delete(clients, client)
					close(client.send)
					if len(clients) == 0 {
						delete(h.users, uid)
					}
				}
			}
			last := h.users[uid] == nil
			h.mu.Unlock()

			if last {
				h.registry.Disconnect(context.Background(), uid)
			}
			if h.metrics != nil {
				h.metrics.DecrementWebsocketConnections()
			}

		case te := <-h.events:
			payload, err := json.Marshal(te.event)
			if err != nil {
				continue
			}
			h.mu.RLock()
			for client := range h.users[te.uid] {
				select {
				case client.send <- payload:
				default:
					// Slow consumer, drop it
					close(client.send)
					delete(h.users[te.uid], client)
				}
			}
			h.mu.RUnlock()
		}
	}
}

func (h *EventsHub) sendTo(client *EventsClient, event *Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	select {
	case client.send <- payload:
	default:
	}
}

func (h *EventsHub) errorEvent(err error) *Event {
	appErr := errors.GetAppError(err)
	return &Event{
		Type:      EventCallError,
		Code:      string(appErr.Code),
		Message:   appErr.Message,
		Timestamp: time.Now(),
	}
}

// ServeWS handles WebSocket attach requests
func (h *EventsHub) ServeWS(c *gin.Context) {
	select {
	case h.semaphore <- struct{}{}:
	default:
		logger.Warn("WebSocket connection rejected: max connections reached",
			zap.Int("max_connections", h.maxConnections))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Server at capacity, please try again later"})
		return
	}
	release := func() { <-h.semaphore }

	uid := sanitize.SanitizeUID(c.Query("uid"))
	if !sanitize.ValidateUIDFormat(uid) {
		release()
		c.JSON(400, gin.H{"error": "valid uid required"})
		return
	}
	user := domain.UserSnapshot{
		UID:         uid,
		DisplayName: sanitize.SanitizeDisplayName(c.Query("display_name")),
		AvatarURL:   sanitize.SanitizeURL(c.Query("avatar_url")),
	}

	conn, err := eventsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		release()
		logger.Warn("WebSocket upgrade failed",
			zap.String("uid", uid), zap.Error(err))
		return
	}

	client := &EventsClient{
		hub:  h,
		conn: conn,
		send: make(chan []byte, 256),
		user: user,
	}

	h.register <- client

	go client.writePump()
	go func() {
		defer release()
		client.readPump()
	}()
}

// readPump reads commands from the WebSocket
func (c *EventsClient) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(constants.WebSocketPingInterval))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(constants.WebSocketPingInterval))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Debug("WebSocket connection closed",
					zap.String("uid", c.user.UID), zap.Error(err))
			}
			break
		}

		var cmd Command
		if err := json.Unmarshal(message, &cmd); err != nil {
			logger.Warn("Invalid command from WebSocket",
				zap.String("uid", c.user.UID), zap.Error(err))
			continue
		}

		// Commands block on media and the mailbox; keep the read loop free
		go c.hub.handleCommand(c, &cmd)
	}
}

// handleCommand dispatches one client command to the session layer
func (h *EventsHub) handleCommand(client *EventsClient, cmd *Command) {
	ctx, cancel := pkgctx.WithDefaultTimeout(context.Background())
	defer cancel()

	uid := client.user.UID
	us, ok := h.registry.Get(uid)
	if !ok {
		h.sendTo(client, h.errorEvent(errors.TransportUnavailableError(nil)))
		return
	}

	switch cmd.Action {
	case ActionStartCall:
		if cmd.Partner == nil {
			h.sendTo(client, h.errorEvent(errors.InvalidInputError("partner required")))
			return
		}
		sess, err := us.Manager.StartOutgoing(ctx, *cmd.Partner, cmd.Kind)
		if err != nil {
			h.sendTo(client, h.errorEvent(err))
			return
		}
		h.sendTo(client, &Event{Type: EventCallStarted, Session: sess, Timestamp: time.Now()})

	case ActionAcceptCall:
		call := us.Gate.Claim()
		if call == nil {
			h.sendTo(client, h.errorEvent(errors.CallNotFoundError()))
			return
		}
		sess, err := us.Manager.AcceptIncoming(ctx, call)
		if err != nil {
			h.sendTo(client, h.errorEvent(err))
			return
		}
		h.sendTo(client, &Event{Type: EventCallStarted, Session: sess, Timestamp: time.Now()})

	case ActionRejectCall:
		sessionID := cmd.SessionID
		if sessionID == "" {
			if pending := us.Gate.Pending(); pending != nil {
				sessionID = pending.SessionID
			}
		}
		if sessionID == "" {
			h.sendTo(client, h.errorEvent(errors.CallNotFoundError()))
			return
		}
		if err := us.Gate.Reject(ctx, sessionID); err != nil {
			h.sendTo(client, h.errorEvent(err))
		}

	case ActionEndCall:
		if err := us.Manager.End(ctx, cmd.DurationSeconds); err != nil {
			h.sendTo(client, h.errorEvent(err))
		}

	default:
		h.sendTo(client, h.errorEvent(errors.InvalidInputError("unknown action: "+cmd.Action)))
	}
}

// writePump writes events to the WebSocket
func (c *EventsClient) writePump() {
	ticker := time.NewTicker(constants.WebSocketPingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
