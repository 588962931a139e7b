// Package ingest pulls new mail from provider accounts and stores messages
// and their invites idempotently.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"inviteflow/internal/extractor"
	"inviteflow/internal/model"
	"inviteflow/internal/provider"
	"inviteflow/pkg/logger"
	"inviteflow/pkg/metrics"
	"inviteflow/pkg/otel"
)

const (
	defaultBatchSize       = 100
	defaultProviderTimeout = 30 * time.Second
)

type AccountStore interface {
	GetByID(ctx context.Context, id int64) (*model.Account, error)
	ListActive(ctx context.Context) ([]*model.Account, error)
	MarkSyncSuccess(ctx context.Context, id int64, cursor string) error
	MarkSyncFailure(ctx context.Context, id int64, cause string) error
}

type MessageStore interface {
	SaveIngested(ctx context.Context, msg *model.Message, inv *model.Invite) (messageCreated, inviteCreated bool, err error)
}

// Archive keeps raw message bytes and returns their key.
type Archive interface {
	Put(ctx context.Context, raw []byte) (string, error)
}

// AdapterSource builds the provider adapter of an account.
type AdapterSource interface {
	For(account *model.Account) (provider.Adapter, error)
}

// SyncResult counts what one sync stored. Counts are reported even when the
// sync fails part way.
type SyncResult struct {
	Fetched       int `json:"fetched"`
	NewMessages   int `json:"new_messages"`
	NewInvites    int `json:"new_invites"`
	ParseFailures int `json:"parse_failures"`
}

type Pipeline struct {
	accounts        AccountStore
	messages        MessageStore
	adapters        AdapterSource
	archive         Archive
	batchSize       int
	providerTimeout time.Duration
	logger          *zap.Logger
}

type Option func(*Pipeline)

func WithArchive(a Archive) Option {
	return func(p *Pipeline) { p.archive = a }
}

func WithBatchSize(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.batchSize = n
		}
	}
}

func WithProviderTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.providerTimeout = d
		}
	}
}

func NewPipeline(accounts AccountStore, messages MessageStore, adapters AdapterSource, logger *zap.Logger, opts ...Option) *Pipeline {
	p := &Pipeline{
		accounts:        accounts,
		messages:        messages,
		adapters:        adapters,
		batchSize:       defaultBatchSize,
		providerTimeout: defaultProviderTimeout,
		logger:          logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Sync ingests one batch of messages newer than the account cursor. The
// cursor only advances when the whole batch is stored; on failure the error
// is recorded on the account and the next run starts from the same cursor.
func (p *Pipeline) Sync(ctx context.Context, account *model.Account) (result SyncResult, err error) {
	ctx, span := otel.Start(ctx, "ingest.Sync",
		attribute.Int64("account.id", account.ID),
		attribute.String("account.provider", string(account.Provider)),
	)
	defer func() {
		span.SetAttributes(attribute.Int("sync.new_invites", result.NewInvites))
		otel.End(span, err)
	}()

	log := logger.WithTrace(ctx, p.logger).With(
		zap.Int64("account_id", account.ID),
		zap.String("provider", string(account.Provider)),
	)

	var cursor string
	result, cursor, err = p.syncBatch(ctx, account, log)
	if err != nil {
		metrics.IncrementSyncRun("failure")
		log.Warn("Sync failed, cursor unchanged",
			zap.String("cursor", account.SyncCursor),
			zap.Int("fetched", result.Fetched),
			zap.Error(err),
		)
		if markErr := p.accounts.MarkSyncFailure(context.WithoutCancel(ctx), account.ID, err.Error()); markErr != nil {
			log.Error("Failed to record sync failure", zap.Error(markErr))
		}
		return result, err
	}

	if err := p.accounts.MarkSyncSuccess(ctx, account.ID, cursor); err != nil {
		metrics.IncrementSyncRun("failure")
		return result, fmt.Errorf("failed to advance cursor: %w", err)
	}

	metrics.IncrementSyncRun("success")
	metrics.AddIngested(result.NewMessages, result.NewInvites)
	log.Info("Sync completed",
		zap.Int("fetched", result.Fetched),
		zap.Int("new_messages", result.NewMessages),
		zap.Int("new_invites", result.NewInvites),
		zap.Int("parse_failures", result.ParseFailures),
		zap.String("cursor", cursor),
	)
	return result, nil
}

func (p *Pipeline) syncBatch(ctx context.Context, account *model.Account, log *zap.Logger) (SyncResult, string, error) {
	var result SyncResult

	adapter, err := p.adapters.For(account)
	if err != nil {
		return result, "", err
	}
	if !adapter.Capabilities().Mailbox {
		return result, "", fmt.Errorf("%w: provider %q has no mailbox", model.ErrConfiguration, account.Provider)
	}

	cursor := account.SyncCursor
	err = provider.WithSession(ctx, provider.BoundConnect(adapter, p.providerTimeout), func(session provider.Session) error {
		callCtx, cancel := context.WithTimeout(ctx, p.providerTimeout)
		defer cancel()

		start := time.Now()
		batch, err := session.FetchSince(callCtx, account.SyncCursor, p.batchSize)
		metrics.RecordProviderCall(string(account.Provider), "fetch", err, time.Since(start))
		if err != nil {
			return provider.Transient("fetch", err)
		}

		result.Fetched = len(batch.Messages)
		for _, raw := range batch.Messages {
			if err := ctx.Err(); err != nil {
				return err
			}
			msgCreated, invCreated, err := p.ingestOne(ctx, account, raw, &result, log)
			if err != nil {
				return err
			}
			if msgCreated {
				result.NewMessages++
			}
			if invCreated {
				result.NewInvites++
			}
		}
		if batch.Cursor != "" {
			cursor = batch.Cursor
		}
		return nil
	})
	return result, cursor, err
}

// ingestOne parses and stores a single message. Parse failures are counted
// and the message is stored without an invite; only store errors fail the batch.
func (p *Pipeline) ingestOne(ctx context.Context, account *model.Account, raw provider.RawMessage, result *SyncResult, log *zap.Logger) (bool, bool, error) {
	log = log.With(zap.String("provider_message_id", raw.ProviderID))

	msg := &model.Message{
		AccountID:         account.ID,
		ProviderMessageID: raw.ProviderID,
		Flags:             raw.Flags,
		ReceivedAt:        raw.ReceivedAt,
	}

	var inv *model.Invite
	parsed, err := extractor.ParseMessage(raw.Raw)
	if err != nil {
		result.ParseFailures++
		metrics.IncrementParseFailure("message")
		log.Warn("Skipping unparsable message", zap.Error(err))
	} else {
		msg.MessageIDHeader = parsed.MessageID
		msg.From = parsed.From
		msg.To = parsed.To
		msg.Subject = parsed.Subject
		msg.Body = parsed.Body
		if msg.ReceivedAt.IsZero() {
			msg.ReceivedAt = parsed.Date
		}
		if parsed.Calendar != nil {
			inv, err = extractor.Extract(parsed.Calendar)
			if err != nil {
				result.ParseFailures++
				metrics.IncrementParseFailure("calendar")
				log.Warn("Skipping malformed calendar payload", zap.Error(err))
				inv = nil
			} else if inv == nil {
				log.Info("Calendar payload has no event")
			}
		}
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now().UTC()
	}

	if inv != nil {
		msg.HasInvite = true
		inv.UserID = account.UserID
		inv.AccountID = account.ID
	}

	if p.archive != nil {
		key, err := p.archive.Put(ctx, raw.Raw)
		if err != nil {
			log.Warn("Failed to archive raw message", zap.Error(err))
		} else {
			msg.RawKey = key
		}
	}

	msgCreated, invCreated, err := p.messages.SaveIngested(ctx, msg, inv)
	if err != nil {
		return false, false, fmt.Errorf("failed to store message %s: %w", raw.ProviderID, err)
	}
	if invCreated {
		log.Info("Invite detected",
			zap.Int64("invite_id", inv.ID),
			zap.String("uid", inv.UID),
			zap.Time("start", inv.Start),
		)
	}
	return msgCreated, invCreated, nil
}

// IsSkipped reports whether err means the sync did not run because another
// worker owns the account.
func IsSkipped(err error) bool {
	return errors.Is(err, model.ErrLeaseHeld)
}
