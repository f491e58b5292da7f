// Package call exposes the read-side HTTP surface of the signaling plane:
// archived call history, presence lookups, and blocklist management.
package call

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"peercall-backend/internal/domain"
	"peercall-backend/internal/mailbox"
	"peercall-backend/pkg/cache"
	pkgctx "peercall-backend/pkg/context"
	"peercall-backend/pkg/pagination"
	"peercall-backend/pkg/response"
	"peercall-backend/pkg/sanitize"
)

// presenceCacheTTL bounds how stale a polled presence read may be
const presenceCacheTTL = 2 * time.Second

// HistoryStore serves archived call logs
type HistoryStore interface {
	History(ctx context.Context, ownerUID string, limit, offset int) ([]*domain.CallLogEntry, error)
}

// BlocklistStore manages per-user blocked parties
type BlocklistStore interface {
	Block(ctx context.Context, uid, partnerID string) error
	Unblock(ctx context.Context, uid, partnerID string) error
	List(ctx context.Context, uid string) ([]string, error)
}

// Handler handles call-related HTTP requests
type Handler struct {
	history   HistoryStore
	blocklist BlocklistStore
	mbox      mailbox.Mailbox
	presence  *cache.MemoryCache
}

// NewHandler creates a new call handler. history may be nil when no archive
// database is configured; mbox is a read-side mailbox attachment.
func NewHandler(history HistoryStore, blocklist BlocklistStore, mbox mailbox.Mailbox) *Handler {
	return &Handler{
		history:   history,
		blocklist: blocklist,
		mbox:      mbox,
		presence:  cache.NewMemoryCache(presenceCacheTTL, 10000),
	}
}

// GetHistory returns a user's archived call log
// GET /v1/users/:uid/calls?page=&limit=
func (h *Handler) GetHistory(c *gin.Context) {
	if h.history == nil {
		response.Error(c, http.StatusServiceUnavailable, "ARCHIVE_UNAVAILABLE", "Call archive is not configured")
		return
	}

	uid := c.Param("uid")
	if !sanitize.ValidateUIDFormat(uid) {
		response.ValidationError(c, "Invalid user id")
		return
	}
	params, err := pagination.ParsePaginationParams(c.Query("page"), c.Query("limit"))
	if err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	ctx, cancel := pkgctx.WithMediumTimeout(c.Request.Context())
	defer cancel()
	entries, err := h.history.History(ctx, uid, params.Limit, params.Offset)
	if err != nil {
		response.InternalError(c, "Failed to load call history")
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"entries": entries,
		"page":    params.Page,
		"limit":   params.Limit,
	})
}

// GetPresence returns a user's presence record. Reads are cached briefly to
// shield the mailbox from polling clients.
// GET /v1/users/:uid/presence
func (h *Handler) GetPresence(c *gin.Context) {
	uid := c.Param("uid")
	if !sanitize.ValidateUIDFormat(uid) {
		response.ValidationError(c, "Invalid user id")
		return
	}

	if cached, ok := h.presence.Get(uid); ok {
		response.Success(c, http.StatusOK, cached.(domain.Presence))
		return
	}

	ctx, cancel := pkgctx.WithShortTimeout(c.Request.Context())
	defer cancel()
	raw, ok, err := h.mbox.Get(ctx, mailbox.PresencePath(uid))
	if err != nil {
		response.AppError(c, err)
		return
	}
	if !ok {
		// Never connected
		presence := domain.Presence{State: domain.PresenceOffline}
		h.presence.Set(uid, presence, 0)
		response.Success(c, http.StatusOK, presence)
		return
	}

	var presence domain.Presence
	if err := json.Unmarshal(raw, &presence); err != nil {
		response.InternalError(c, "Malformed presence record")
		return
	}
	h.presence.Set(uid, presence, 0)
	response.Success(c, http.StatusOK, presence)
}

// BlockRequest represents a block/unblock request body
type BlockRequest struct {
	PartnerID string `json:"partner_id" binding:"required"`
}

// Block adds a party to the user's blocklist
// POST /v1/users/:uid/blocklist
func (h *Handler) Block(c *gin.Context) {
	var req BlockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	uid := c.Param("uid")
	partnerID := sanitize.SanitizeUID(req.PartnerID)
	if !sanitize.ValidateUIDFormat(partnerID) {
		response.ValidationError(c, "Invalid partner id")
		return
	}
	if partnerID == uid {
		response.ValidationError(c, "Cannot block yourself")
		return
	}

	if err := h.blocklist.Block(c.Request.Context(), uid, partnerID); err != nil {
		response.InternalError(c, "Failed to block user")
		return
	}
	response.Success(c, http.StatusOK, gin.H{"blocked": partnerID})
}

// Unblock removes a party from the user's blocklist
// DELETE /v1/users/:uid/blocklist/:partner
func (h *Handler) Unblock(c *gin.Context) {
	uid := c.Param("uid")
	partnerID := c.Param("partner")

	if err := h.blocklist.Unblock(c.Request.Context(), uid, partnerID); err != nil {
		response.InternalError(c, "Failed to unblock user")
		return
	}
	response.Success(c, http.StatusOK, gin.H{"unblocked": partnerID})
}

// GetBlocklist lists the user's blocked parties
// GET /v1/users/:uid/blocklist
func (h *Handler) GetBlocklist(c *gin.Context) {
	uid := c.Param("uid")

	blocked, err := h.blocklist.List(c.Request.Context(), uid)
	if err != nil {
		response.InternalError(c, "Failed to list blocklist")
		return
	}
	if blocked == nil {
		blocked = []string{}
	}
	response.Success(c, http.StatusOK, gin.H{"blocked": blocked})
}
