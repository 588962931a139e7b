package httpserver

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	mqcontracts "inviteflow/contracts/mq"
	"inviteflow/internal/model"
	"inviteflow/pkg/logger"
	"inviteflow/pkg/trace"
)

const (
	dayLayout         = "2006-01-02"
	defaultStatsDays  = 30
	defaultReplaySize = 100
)

type handlers struct {
	deps   Deps
	logger *zap.Logger
}

// writeError maps domain errors to status codes. Unknown errors are logged
// and hidden behind a generic message.
func (h *handlers) writeError(c *gin.Context, op string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, model.ErrInviteNotFound),
		errors.Is(err, model.ErrRuleNotFound),
		errors.Is(err, model.ErrAccountNotFound):
		status = http.StatusNotFound
	case errors.Is(err, model.ErrInvalidRule):
		status = http.StatusBadRequest
	case errors.Is(err, model.ErrAlreadyResponded), errors.Is(err, model.ErrLeaseHeld):
		status = http.StatusConflict
	case errors.Is(err, model.ErrConfiguration):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, model.ErrTransientProvider):
		status = http.StatusBadGateway
	}

	log := logger.WithTrace(c.Request.Context(), h.logger)
	if status == http.StatusInternalServerError {
		log.Error(op+" failed", zap.Int64("user_id", userID(c)), zap.Error(err))
		c.JSON(status, gin.H{"error": "internal error"})
		return
	}
	log.Warn(op+" rejected", zap.Int64("user_id", userID(c)), zap.Int("status", status), zap.Error(err))
	c.JSON(status, gin.H{"error": err.Error()})
}

func idParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return id, true
}

// SyncAccount handles POST /accounts/:id/sync. It syncs inline when the
// binary runs the ingestion scheduler, otherwise it publishes a request.
func (h *handlers) SyncAccount(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	account, err := h.deps.Accounts.GetByID(ctx, id)
	if err != nil {
		h.writeError(c, "SyncAccount", err)
		return
	}
	if account.UserID != userID(c) {
		h.writeError(c, "SyncAccount", model.ErrAccountNotFound)
		return
	}

	if h.deps.Syncer == nil {
		payload := mqcontracts.AccountSyncRequestedPayload{
			AccountID:   id,
			RequestedAt: time.Now().UTC(),
			TraceID:     trace.FromContext(ctx),
		}
		if err := h.deps.SyncRequester.PublishWithContext(ctx, mqcontracts.RoutingAccountSyncRequested, payload); err != nil {
			h.writeError(c, "SyncAccount", err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"account_id": id, "status": "queued"})
		return
	}

	result, err := h.deps.Syncer.SyncAccount(ctx, id)
	if err != nil {
		h.writeError(c, "SyncAccount", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"account_id": id, "result": result})
}

// ListPending handles GET /invites/pending.
func (h *handlers) ListPending(c *gin.Context) {
	invites, err := h.deps.Automation.ListPending(c.Request.Context(), userID(c))
	if err != nil {
		h.writeError(c, "ListPending", err)
		return
	}
	if invites == nil {
		invites = []*model.Invite{}
	}
	c.JSON(http.StatusOK, gin.H{"invites": invites})
}

// Sweep handles POST /sweep.
func (h *handlers) Sweep(c *gin.Context) {
	result, err := h.deps.Automation.RunForUser(c.Request.Context(), userID(c))
	if err != nil {
		h.writeError(c, "Sweep", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": result})
}

// Override handles POST /invites/:id/rsvp.
func (h *handlers) Override(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	var req struct {
		Response string `json:"response" binding:"required"`
		Comment  string `json:"comment"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	status, err := model.ParseResponseStatus(req.Response)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	report, err := h.deps.Overrides.Override(c.Request.Context(), userID(c), id, status, req.Comment)
	if err != nil {
		h.writeError(c, "Override", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report})
}

// GetStats handles GET /stats?from=YYYY-MM-DD&to=YYYY-MM-DD. The range
// defaults to the last 30 days.
func (h *handlers) GetStats(c *gin.Context) {
	to := time.Now().UTC()
	from := to.AddDate(0, 0, -defaultStatsDays)

	if raw := c.Query("from"); raw != "" {
		t, err := time.Parse(dayLayout, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid from date"})
			return
		}
		from = t
	}
	if raw := c.Query("to"); raw != "" {
		t, err := time.Parse(dayLayout, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid to date"})
			return
		}
		to = t
	}
	if to.Before(from) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "to is before from"})
		return
	}

	stats, err := h.deps.Stats.GetStats(c.Request.Context(), userID(c), from, to)
	if err != nil {
		h.writeError(c, "GetStats", err)
		return
	}

	var actions, minutes int
	for _, s := range stats {
		actions += s.ActionsCount
		minutes += s.MinutesSaved
	}
	if stats == nil {
		stats = []model.AutomationStats{}
	}
	c.JSON(http.StatusOK, gin.H{
		"days":          stats,
		"actions_count": actions,
		"minutes_saved": minutes,
	})
}

func (h *handlers) ListRules(c *gin.Context) {
	rules, err := h.deps.Rules.List(c.Request.Context(), userID(c))
	if err != nil {
		h.writeError(c, "ListRules", err)
		return
	}
	if rules == nil {
		rules = []*model.Rule{}
	}
	c.JSON(http.StatusOK, gin.H{"rules": rules})
}

func (h *handlers) GetRule(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	rule, err := h.deps.Rules.Get(c.Request.Context(), userID(c), id)
	if err != nil {
		h.writeError(c, "GetRule", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rule": rule})
}

func (h *handlers) CreateRule(c *gin.Context) {
	var rule model.Rule
	if err := c.ShouldBindJSON(&rule); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	if err := h.deps.Rules.Create(c.Request.Context(), userID(c), &rule); err != nil {
		h.writeError(c, "CreateRule", err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"rule": rule})
}

func (h *handlers) UpdateRule(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	var rule model.Rule
	if err := c.ShouldBindJSON(&rule); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	if err := h.deps.Rules.Update(c.Request.Context(), userID(c), id, &rule); err != nil {
		h.writeError(c, "UpdateRule", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rule": rule})
}

func (h *handlers) DeleteRule(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	if err := h.deps.Rules.Delete(c.Request.Context(), userID(c), id); err != nil {
		h.writeError(c, "DeleteRule", err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ReplayOutbox handles POST /admin/outbox/replay?limit=N, requeueing
// failed outbox events for the dispatcher.
func (h *handlers) ReplayOutbox(c *gin.Context) {
	limit := defaultReplaySize
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = n
	}
	n, err := h.deps.Outbox.ReplayFailed(c.Request.Context(), limit)
	if err != nil {
		h.writeError(c, "ReplayOutbox", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"replayed": n})
}
