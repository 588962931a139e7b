package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"inviteflow/internal/model"
	"inviteflow/pkg/lease"
	"inviteflow/pkg/trace"
)

// Syncer runs one account sync.
type Syncer interface {
	Sync(ctx context.Context, account *model.Account) (SyncResult, error)
}

// Summary aggregates one pass over all active accounts.
type Summary struct {
	Accounts  int        `json:"accounts"`
	Succeeded int        `json:"succeeded"`
	Failed    int        `json:"failed"`
	Skipped   int        `json:"skipped"`
	Totals    SyncResult `json:"totals"`
}

// Scheduler serializes syncs per account, in process with a keyed mutex and
// across instances with a lease, and fans out across accounts.
type Scheduler struct {
	syncer      Syncer
	accounts    AccountStore
	locker      lease.Locker
	leaseTTL    time.Duration
	concurrency int
	logger      *zap.Logger

	mu      sync.Mutex
	running map[int64]*sync.Mutex
}

func NewScheduler(syncer Syncer, accounts AccountStore, locker lease.Locker, leaseTTL time.Duration, concurrency int, logger *zap.Logger) *Scheduler {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Scheduler{
		syncer:      syncer,
		accounts:    accounts,
		locker:      locker,
		leaseTTL:    leaseTTL,
		concurrency: concurrency,
		logger:      logger,
		running:     make(map[int64]*sync.Mutex),
	}
}

func (s *Scheduler) accountMutex(id int64) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.running[id]
	if !ok {
		m = &sync.Mutex{}
		s.running[id] = m
	}
	return m
}

// SyncAccount syncs one account by id. It returns an error wrapping
// model.ErrLeaseHeld when a sync of the account is already running.
func (s *Scheduler) SyncAccount(ctx context.Context, accountID int64) (SyncResult, error) {
	account, err := s.accounts.GetByID(ctx, accountID)
	if err != nil {
		return SyncResult{}, err
	}
	if !account.Active {
		return SyncResult{}, fmt.Errorf("%w: account %d is inactive", model.ErrConfiguration, accountID)
	}
	return s.syncLocked(ctx, account)
}

func (s *Scheduler) syncLocked(ctx context.Context, account *model.Account) (res SyncResult, err error) {
	m := s.accountMutex(account.ID)
	if !m.TryLock() {
		return SyncResult{}, fmt.Errorf("%w: account %d sync in progress", model.ErrLeaseHeld, account.ID)
	}
	defer m.Unlock()

	l, err := s.locker.Acquire(ctx, lease.AccountSyncKey(account.ID), s.leaseTTL)
	if errors.Is(err, lease.ErrHeld) {
		return SyncResult{}, fmt.Errorf("%w: account %d", model.ErrLeaseHeld, account.ID)
	}
	if err != nil {
		return SyncResult{}, fmt.Errorf("failed to acquire sync lease: %w", err)
	}
	defer func() {
		if err := l.Release(context.WithoutCancel(ctx)); err != nil {
			s.logger.Warn("Failed to release sync lease", zap.String("key", l.Key()), zap.Error(err))
		}
	}()
	ctx, stop := lease.KeepAlive(ctx, l, s.leaseTTL, func(err error) {
		s.logger.Warn("Failed to renew sync lease", zap.String("key", l.Key()), zap.Error(err))
	})
	defer stop()

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Account sync panicked", zap.Int64("account_id", account.ID), zap.Any("panic", r), zap.Stack("stack"))
			err = fmt.Errorf("account %d sync panicked: %v", account.ID, r)
		}
	}()
	return s.syncer.Sync(ctx, account)
}

// SyncAll syncs every active account, at most concurrency at a time. Only a
// failure to list accounts is returned; per-account failures are counted.
func (s *Scheduler) SyncAll(ctx context.Context) (Summary, error) {
	accounts, err := s.accounts.ListActive(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("failed to list accounts: %w", err)
	}

	var (
		mu      sync.Mutex
		summary = Summary{Accounts: len(accounts)}
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, account := range accounts {
		g.Go(func() error {
			res, err := s.syncLocked(gctx, account)

			mu.Lock()
			defer mu.Unlock()
			summary.Totals.Fetched += res.Fetched
			summary.Totals.NewMessages += res.NewMessages
			summary.Totals.NewInvites += res.NewInvites
			summary.Totals.ParseFailures += res.ParseFailures
			switch {
			case err == nil:
				summary.Succeeded++
			case IsSkipped(err):
				summary.Skipped++
			default:
				summary.Failed++
			}
			return nil
		})
	}
	_ = g.Wait()

	return summary, nil
}

// Run syncs all accounts now and then on every tick until ctx is done.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("Ingestion scheduler started", zap.Duration("interval", interval))
	for {
		s.runOnce(ctx)
		select {
		case <-ctx.Done():
			s.logger.Info("Ingestion scheduler stopped")
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context) {
	ctx = trace.WithContext(ctx, trace.GenerateTraceID())
	summary, err := s.SyncAll(ctx)
	if err != nil {
		s.logger.Error("Sync pass failed", zap.String("trace_id", trace.FromContext(ctx)), zap.Error(err))
		return
	}
	s.logger.Info("Sync pass completed",
		zap.String("trace_id", trace.FromContext(ctx)),
		zap.Int("accounts", summary.Accounts),
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("failed", summary.Failed),
		zap.Int("skipped", summary.Skipped),
		zap.Int("new_invites", summary.Totals.NewInvites),
	)
}
