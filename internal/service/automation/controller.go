// Package automation sweeps a user's pending invites through the policy and
// hands confident decisions to execution.
package automation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"inviteflow/internal/model"
	"inviteflow/internal/service/execution"
	"inviteflow/pkg/lease"
	"inviteflow/pkg/logger"
	"inviteflow/pkg/metrics"
	"inviteflow/pkg/otel"
	"inviteflow/pkg/trace"
)

type InviteStore interface {
	ListPendingByUser(ctx context.Context, userID int64) ([]*model.Invite, error)
	ListUsersWithPending(ctx context.Context) ([]int64, error)
	UpdateReviewState(ctx context.Context, id int64, state model.ReviewState) error
}

type Decider interface {
	Decide(ctx context.Context, userID int64, inv *model.Invite) (model.Decision, error)
}

type Executor interface {
	Execute(ctx context.Context, inv *model.Invite, d model.Decision) (*execution.Report, error)
	Threshold() float64
}

// SweepResult counts one user sweep. Processed counts invites that were
// evaluated without error, whether executed or left pending.
type SweepResult struct {
	Processed int `json:"processed"`
	Executed  int `json:"executed"`
	Deferred  int `json:"deferred"`
	Failed    int `json:"failed"`
}

func (r *SweepResult) merge(o SweepResult) {
	r.Processed += o.Processed
	r.Executed += o.Executed
	r.Deferred += o.Deferred
	r.Failed += o.Failed
}

// RunAllResult aggregates a sweep over every user with pending invites.
type RunAllResult struct {
	Users   int         `json:"users"`
	Skipped int         `json:"skipped"`
	Errors  int         `json:"errors"`
	Totals  SweepResult `json:"totals"`
}

type Controller struct {
	invites  InviteStore
	decider  Decider
	executor Executor
	locker   lease.Locker
	leaseTTL time.Duration
	logger   *zap.Logger
}

func NewController(invites InviteStore, decider Decider, executor Executor, locker lease.Locker, leaseTTL time.Duration, logger *zap.Logger) *Controller {
	if leaseTTL <= 0 {
		leaseTTL = 5 * time.Minute
	}
	return &Controller{
		invites:  invites,
		decider:  decider,
		executor: executor,
		locker:   locker,
		leaseTTL: leaseTTL,
		logger:   logger,
	}
}

// ListPending returns the user's unanswered invites.
func (c *Controller) ListPending(ctx context.Context, userID int64) ([]*model.Invite, error) {
	return c.invites.ListPendingByUser(ctx, userID)
}

// RunForUser evaluates every pending invite of the user under the per-user
// lease. Per-invite failures are counted, not returned. Cancellation is
// checked between invites; an execution that has started always finishes.
func (c *Controller) RunForUser(ctx context.Context, userID int64) (result SweepResult, err error) {
	ctx, span := otel.Start(ctx, "automation.RunForUser", attribute.Int64("user.id", userID))
	defer func() {
		span.SetAttributes(
			attribute.Int("sweep.processed", result.Processed),
			attribute.Int("sweep.executed", result.Executed),
		)
		otel.End(span, err)
	}()

	log := logger.WithTrace(ctx, c.logger).With(zap.Int64("user_id", userID))

	l, err := c.locker.Acquire(ctx, lease.UserSweepKey(userID), c.leaseTTL)
	if errors.Is(err, lease.ErrHeld) {
		return result, fmt.Errorf("%w: user %d", model.ErrLeaseHeld, userID)
	}
	if err != nil {
		return result, fmt.Errorf("failed to acquire sweep lease: %w", err)
	}
	defer func() {
		if err := l.Release(context.WithoutCancel(ctx)); err != nil {
			log.Warn("Failed to release sweep lease", zap.Error(err))
		}
	}()
	ctx, stop := lease.KeepAlive(ctx, l, c.leaseTTL, func(err error) {
		log.Warn("Failed to renew sweep lease", zap.Error(err))
	})
	defer stop()

	start := time.Now()
	defer func() { metrics.ObserveSweep(time.Since(start)) }()

	invites, err := c.invites.ListPendingByUser(ctx, userID)
	if err != nil {
		return result, fmt.Errorf("failed to list pending invites: %w", err)
	}

	threshold := c.executor.Threshold()
	for _, inv := range invites {
		if ctx.Err() != nil {
			err := context.Cause(ctx)
			log.Info("Sweep interrupted", zap.Int("processed", result.Processed), zap.Error(err))
			return result, err
		}

		invLog := log.With(zap.Int64("invite_id", inv.ID))
		d, err := c.decider.Decide(ctx, userID, inv)
		if err != nil {
			result.Failed++
			invLog.Warn("Failed to evaluate invite, leaving pending", zap.Error(err))
			continue
		}

		if !d.AutoExecutable(threshold) {
			state := model.ReviewNeedsReview
			if d.Deferred {
				state = model.ReviewAwaitingUser
			}
			if inv.ReviewState != state {
				if err := c.invites.UpdateReviewState(ctx, inv.ID, state); err != nil {
					invLog.Warn("Failed to record review state", zap.Error(err))
				}
			}
			result.Processed++
			result.Deferred++
			invLog.Info("Invite left for the user",
				zap.String("review_state", string(state)),
				zap.String("source", string(d.Source)),
				zap.Float64("confidence", d.Confidence),
			)
			continue
		}

		report, err := c.executor.Execute(context.WithoutCancel(ctx), inv, d)
		if err != nil {
			result.Failed++
			invLog.Warn("Failed to execute decision", zap.Error(err))
			continue
		}
		result.Processed++
		if !report.AlreadyResponded {
			result.Executed++
		}
	}

	log.Info("Sweep completed",
		zap.Int("pending", len(invites)),
		zap.Int("processed", result.Processed),
		zap.Int("executed", result.Executed),
		zap.Int("deferred", result.Deferred),
		zap.Int("failed", result.Failed),
	)
	return result, nil
}

// RunAll sweeps every user with pending invites, one at a time. Users whose
// lease is held elsewhere are skipped.
func (c *Controller) RunAll(ctx context.Context) (RunAllResult, error) {
	users, err := c.invites.ListUsersWithPending(ctx)
	if err != nil {
		return RunAllResult{}, fmt.Errorf("failed to list users: %w", err)
	}

	out := RunAllResult{Users: len(users)}
	for _, userID := range users {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		res, err := c.RunForUser(ctx, userID)
		out.Totals.merge(res)
		switch {
		case err == nil:
		case errors.Is(err, model.ErrLeaseHeld):
			out.Skipped++
		case ctx.Err() != nil:
			return out, ctx.Err()
		default:
			out.Errors++
			c.logger.Error("Sweep failed", zap.Int64("user_id", userID), zap.Error(err))
		}
	}
	return out, nil
}

// Run sweeps all users now and then on every tick until ctx is done.
func (c *Controller) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.logger.Info("Automation controller started", zap.Duration("interval", interval))
	for {
		runCtx := trace.WithContext(ctx, trace.GenerateTraceID())
		res, err := c.RunAll(runCtx)
		if err != nil && ctx.Err() == nil {
			c.logger.Error("Automation pass failed", zap.String("trace_id", trace.FromContext(runCtx)), zap.Error(err))
		} else if err == nil {
			c.logger.Info("Automation pass completed",
				zap.String("trace_id", trace.FromContext(runCtx)),
				zap.Int("users", res.Users),
				zap.Int("skipped", res.Skipped),
				zap.Int("executed", res.Totals.Executed),
				zap.Int("deferred", res.Totals.Deferred),
				zap.Int("failed", res.Totals.Failed),
			)
		}

		select {
		case <-ctx.Done():
			c.logger.Info("Automation controller stopped")
			return
		case <-ticker.C:
		}
	}
}
