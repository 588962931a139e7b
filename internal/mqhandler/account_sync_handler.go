package mqhandler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	mqcontracts "inviteflow/contracts/mq"
	"inviteflow/internal/model"
	"inviteflow/internal/service/ingest"
	"inviteflow/pkg/logger"
	"inviteflow/pkg/util"
)

// AccountSyncer syncs one account under its lease.
type AccountSyncer interface {
	SyncAccount(ctx context.Context, accountID int64) (ingest.SyncResult, error)
}

// AccountSyncHandler runs an on-demand sync for account.sync.requested.
type AccountSyncHandler struct {
	syncer  AccountSyncer
	deduper Deduper
	logger  *zap.Logger
}

func NewAccountSyncHandler(syncer AccountSyncer, deduper Deduper, logger *zap.Logger) *AccountSyncHandler {
	return &AccountSyncHandler{syncer: syncer, deduper: deduper, logger: logger}
}

// Handle acks provider and configuration failures: the sync already
// recorded them on the account and the scheduler retries on its next pass.
func (h *AccountSyncHandler) Handle(ctx context.Context, raw json.RawMessage) error {
	log := logger.WithTrace(ctx, h.logger)

	var p mqcontracts.AccountSyncRequestedPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		log.Error("Invalid AccountSyncRequestedPayload, sending to DLQ", zap.String("raw", string(raw)), zap.Error(err))
		return util.Permanent(fmt.Errorf("bad_payload: %w", err))
	}
	if p.AccountID == 0 {
		return util.Permanent(fmt.Errorf("bad_payload: missing account id"))
	}
	log = log.With(zap.Int64("account_id", p.AccountID))

	key := fmt.Sprintf("%d:%d", p.AccountID, p.RequestedAt.UnixNano())
	if !h.deduper.AcquireOnce(ctx, mqcontracts.RoutingAccountSyncRequested, key) {
		return nil
	}

	result, err := h.syncer.SyncAccount(ctx, p.AccountID)
	switch {
	case err == nil:
		log.Info("Requested sync finished",
			zap.Int("fetched", result.Fetched),
			zap.Int("new_messages", result.NewMessages),
			zap.Int("new_invites", result.NewInvites),
			zap.Int("parse_failures", result.ParseFailures),
		)
		return nil
	case errors.Is(err, model.ErrLeaseHeld):
		log.Info("Account sync already running, skipping")
		return nil
	case errors.Is(err, model.ErrTransientProvider), errors.Is(err, model.ErrConfiguration):
		log.Warn("Requested sync failed", zap.Error(err))
		return nil
	case errors.Is(err, model.ErrAccountNotFound):
		return util.Permanent(err)
	}

	if retryable, _ := util.IsRetryableError(err); retryable {
		h.deduper.Release(ctx, mqcontracts.RoutingAccountSyncRequested, key)
	}
	return err
}
