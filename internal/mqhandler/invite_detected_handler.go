package mqhandler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	mqcontracts "inviteflow/contracts/mq"
	"inviteflow/internal/model"
	"inviteflow/internal/service/automation"
	"inviteflow/pkg/logger"
	"inviteflow/pkg/util"
)

const maxRetries = 5

// Deduper suppresses redelivered events.
type Deduper interface {
	AcquireOnce(ctx context.Context, handler, key string) bool
	Release(ctx context.Context, handler, key string)
}

// RetryCounter counts attempts per event.
type RetryCounter interface {
	IncrementAndGet(ctx context.Context, key string) (int64, error)
	Reset(ctx context.Context, key string) error
}

// Sweeper runs automation for one user.
type Sweeper interface {
	RunForUser(ctx context.Context, userID int64) (automation.SweepResult, error)
}

// InviteDetectedHandler sweeps the invite's user as soon as ingestion
// commits a new invite. The periodic sweep remains the backstop.
type InviteDetectedHandler struct {
	sweeper Sweeper
	retries RetryCounter
	deduper Deduper
	logger  *zap.Logger
}

func NewInviteDetectedHandler(sweeper Sweeper, retries RetryCounter, deduper Deduper, logger *zap.Logger) *InviteDetectedHandler {
	return &InviteDetectedHandler{
		sweeper: sweeper,
		retries: retries,
		deduper: deduper,
		logger:  logger,
	}
}

func (h *InviteDetectedHandler) Handle(ctx context.Context, raw json.RawMessage) error {
	log := logger.WithTrace(ctx, h.logger)

	var p mqcontracts.InviteDetectedPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		log.Error("Invalid InviteDetectedPayload, sending to DLQ", zap.String("raw", string(raw)), zap.Error(err))
		return util.Permanent(fmt.Errorf("bad_payload: %w", err))
	}
	if p.UserID == 0 || p.InviteID == 0 {
		return util.Permanent(fmt.Errorf("bad_payload: missing user or invite id"))
	}
	log = log.With(zap.Int64("invite_id", p.InviteID), zap.Int64("user_id", p.UserID))

	key := strconv.FormatInt(p.InviteID, 10)
	if !h.deduper.AcquireOnce(ctx, mqcontracts.RoutingInviteDetected, key) {
		return nil
	}
	retryKey := util.FormatRetryKey(mqcontracts.RoutingInviteDetected, key)

	result, err := h.sweeper.RunForUser(ctx, p.UserID)
	if errors.Is(err, model.ErrLeaseHeld) {
		// the running sweep or the next periodic one picks the invite up
		log.Info("User sweep already running, skipping")
		h.resetRetries(ctx, retryKey, log)
		return nil
	}
	if err != nil {
		return h.handleSweepError(ctx, err, key, retryKey, log)
	}

	h.resetRetries(ctx, retryKey, log)
	log.Info("Swept user for detected invite",
		zap.Int("processed", result.Processed),
		zap.Int("executed", result.Executed),
		zap.Int("deferred", result.Deferred),
		zap.Int("failed", result.Failed),
	)
	return nil
}

func (h *InviteDetectedHandler) handleSweepError(ctx context.Context, err error, key, retryKey string, log *zap.Logger) error {
	retryable, errType := util.IsRetryableError(err)
	count, countErr := h.retries.IncrementAndGet(ctx, retryKey)
	if countErr != nil {
		log.Warn("Failed to count retry", zap.Error(countErr))
	}

	log.Warn("Sweep failed",
		zap.String("error_type", errType),
		zap.Bool("retryable", retryable),
		zap.Int64("retry", count),
		zap.Error(err),
	)

	if util.ShouldRetry(count, maxRetries, retryable) {
		h.deduper.Release(ctx, mqcontracts.RoutingInviteDetected, key)
		return err
	}
	h.resetRetries(ctx, retryKey, log)
	return util.Permanent(err)
}

func (h *InviteDetectedHandler) resetRetries(ctx context.Context, key string, log *zap.Logger) {
	if err := h.retries.Reset(ctx, key); err != nil {
		log.Warn("Failed to reset retry counter", zap.String("key", key), zap.Error(err))
	}
}
