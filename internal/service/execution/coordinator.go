// Package execution applies a decision to an invite exactly once.
package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"inviteflow/internal/model"
	"inviteflow/internal/provider"
	"inviteflow/pkg/logger"
	"inviteflow/pkg/metrics"
	"inviteflow/pkg/otel"
)

// DefaultThreshold is the minimum confidence for automatic execution.
const DefaultThreshold = 0.8

// ErrBelowThreshold is returned when Execute is handed a decision that must
// not run without the user.
var ErrBelowThreshold = errors.New("decision below auto-execute threshold")

// Effect names, in execution order.
const (
	EffectMarkResponded = "mark_responded"
	EffectRSVP          = "provider_rsvp"
	EffectArchive       = "archive_message"
	EffectAddToCalendar = "add_to_calendar"
	EffectAudit         = "audit"
	EffectStats         = "stats"
)

type InviteStore interface {
	GetByID(ctx context.Context, id int64) (*model.Invite, error)
	MarkResponded(ctx context.Context, id int64, status model.ResponseStatus) error
}

type AccountStore interface {
	GetByID(ctx context.Context, id int64) (*model.Account, error)
}

type MessageStore interface {
	GetByID(ctx context.Context, id int64) (*model.Message, error)
}

type AuditStore interface {
	InsertAction(ctx context.Context, a *model.AutomationAction) error
	IncrementStats(ctx context.Context, userID int64, day time.Time, actions, minutesSaved int) error
}

type AdapterSource interface {
	For(account *model.Account) (provider.Adapter, error)
}

// Report is the outcome of one execution. AlreadyResponded means another
// execution won the guarded write and nothing was applied.
type Report struct {
	InviteID         int64                 `json:"invite_id"`
	Response         model.ResponseStatus  `json:"response"`
	AlreadyResponded bool                  `json:"already_responded"`
	Effects          []model.EffectOutcome `json:"effects"`
}

// Failed lists the effects that did not apply.
func (r *Report) Failed() []string {
	var out []string
	for _, e := range r.Effects {
		if e.Status == model.EffectFailed {
			out = append(out, e.Effect)
		}
	}
	return out
}

type Coordinator struct {
	invites      InviteStore
	accounts     AccountStore
	messages     MessageStore
	audit        AuditStore
	adapters     AdapterSource
	threshold    float64
	minutesSaved int
	timeout      time.Duration
	location     *time.Location
	now          func() time.Time
	logger       *zap.Logger
}

type Option func(*Coordinator)

func WithThreshold(t float64) Option {
	return func(c *Coordinator) {
		if t > 0 {
			c.threshold = t
		}
	}
}

// WithMinutesSaved sets the time-saved estimate credited per automated action.
func WithMinutesSaved(m int) Option {
	return func(c *Coordinator) { c.minutesSaved = m }
}

func WithProviderTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithLocation sets the zone deciding which day stats are credited to.
func WithLocation(loc *time.Location) Option {
	return func(c *Coordinator) {
		if loc != nil {
			c.location = loc
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

func NewCoordinator(invites InviteStore, accounts AccountStore, messages MessageStore, audit AuditStore, adapters AdapterSource, logger *zap.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		invites:      invites,
		accounts:     accounts,
		messages:     messages,
		audit:        audit,
		adapters:     adapters,
		threshold:    DefaultThreshold,
		minutesSaved: 2,
		timeout:      30 * time.Second,
		location:     time.UTC,
		now:          time.Now,
		logger:       logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Coordinator) Threshold() float64 { return c.threshold }

// Execute applies d to inv. The guarded responded write comes first; if it
// finds the invite already answered the report says so and nothing else
// runs. The remaining effects are attempted independently and their
// failures are captured in the report, never returned.
func (c *Coordinator) Execute(ctx context.Context, inv *model.Invite, d model.Decision) (*Report, error) {
	if !d.AutoExecutable(c.threshold) {
		return nil, fmt.Errorf("%w: confidence %.2f < %.2f", ErrBelowThreshold, d.Confidence, c.threshold)
	}
	// Once started an execution is not interrupted.
	ctx = context.WithoutCancel(ctx)
	ctx, span := otel.Start(ctx, "execution.Execute",
		attribute.Int64("invite.id", inv.ID),
		attribute.String("decision.response", string(d.Response)),
		attribute.String("decision.source", string(d.Source)),
	)
	defer span.End()
	log := logger.WithTrace(ctx, c.logger).With(zap.Int64("invite_id", inv.ID), zap.Int64("user_id", inv.UserID))

	report := &Report{InviteID: inv.ID, Response: d.Response}
	if err := c.invites.MarkResponded(ctx, inv.ID, d.Response); err != nil {
		if errors.Is(err, model.ErrAlreadyResponded) {
			metrics.IncrementExecution("already_responded")
			log.Info("Invite already responded, skipping")
			report.AlreadyResponded = true
			return report, nil
		}
		metrics.IncrementExecution("error")
		return nil, err
	}
	report.add(EffectMarkResponded, model.EffectApplied, "")

	c.providerEffects(ctx, inv, d, report, log)

	c.recordAudit(ctx, report, &model.AutomationAction{
		UserID:     inv.UserID,
		InviteID:   inv.ID,
		Response:   d.Response,
		Confidence: d.Confidence,
		Reason:     d.Reason,
		Source:     d.Source,
		Actor:      model.ActorAutomation,
	}, log)

	if err := c.audit.IncrementStats(ctx, inv.UserID, c.now().In(c.location), 1, c.minutesSaved); err != nil {
		report.fail(EffectStats, err, log)
	} else {
		report.add(EffectStats, model.EffectApplied, "")
	}

	result := "success"
	if len(report.Failed()) > 0 {
		result = "partial"
	}
	metrics.IncrementExecution(result)
	log.Info("Invite executed",
		zap.String("response", string(d.Response)),
		zap.Float64("confidence", d.Confidence),
		zap.String("source", string(d.Source)),
		zap.Strings("failed_effects", report.Failed()),
	)
	return report, nil
}

// Override records the user's own answer, bypassing the policy. The
// guarded write still applies, so an invite already answered returns
// model.ErrAlreadyResponded.
func (c *Coordinator) Override(ctx context.Context, userID, inviteID int64, status model.ResponseStatus, comment string) (*Report, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("invalid response %q", status)
	}
	inv, err := c.invites.GetByID(ctx, inviteID)
	if err != nil {
		return nil, err
	}
	if inv.UserID != userID {
		return nil, fmt.Errorf("%w: %d", model.ErrInviteNotFound, inviteID)
	}

	ctx = context.WithoutCancel(ctx)
	log := logger.WithTrace(ctx, c.logger).With(zap.Int64("invite_id", inv.ID), zap.Int64("user_id", userID))

	if err := c.invites.MarkResponded(ctx, inv.ID, status); err != nil {
		return nil, err
	}
	report := &Report{InviteID: inv.ID, Response: status}
	report.add(EffectMarkResponded, model.EffectApplied, "")

	manual := model.Decision{Response: status, Confidence: 1, Reason: "manual override", Source: model.SourceManual, Comment: comment}
	c.providerEffects(ctx, inv, manual, report, log)

	c.recordAudit(ctx, report, &model.AutomationAction{
		UserID:     userID,
		InviteID:   inv.ID,
		Response:   status,
		Confidence: 1,
		Reason:     manual.Reason,
		Source:     model.SourceManual,
		Actor:      model.ActorUser,
	}, log)

	metrics.IncrementExecution("manual")
	log.Info("Invite answered manually", zap.String("response", string(status)))
	return report, nil
}

func (c *Coordinator) recordAudit(ctx context.Context, report *Report, action *model.AutomationAction, log *zap.Logger) {
	action.Effects = append([]model.EffectOutcome(nil), report.Effects...)
	if err := c.audit.InsertAction(ctx, action); err != nil {
		report.fail(EffectAudit, err, log)
		return
	}
	report.add(EffectAudit, model.EffectApplied, "")
}

// providerEffects runs RSVP, archive and add-to-calendar on one session.
// Steps the account cannot perform are skipped.
func (c *Coordinator) providerEffects(ctx context.Context, inv *model.Invite, d model.Decision, report *Report, log *zap.Logger) {
	wantArchive := d.Archive
	wantAdd := d.AddToCalendar && d.Response != model.ResponseDeclined

	planned := plannedEffects(wantArchive, wantAdd)

	account, err := c.accounts.GetByID(ctx, inv.AccountID)
	if err != nil {
		for _, name := range planned {
			report.fail(name, err, log)
		}
		return
	}
	adapter, err := c.adapters.For(account)
	if errors.Is(err, model.ErrConfiguration) {
		log.Warn("Provider not configured, skipping provider effects", zap.Error(err))
		for _, name := range planned {
			report.add(name, model.EffectSkipped, err.Error())
		}
		return
	}
	if err != nil {
		for _, name := range planned {
			report.fail(name, err, log)
		}
		return
	}

	caps := adapter.Capabilities()
	type step struct {
		name string
		run  func(context.Context, provider.Session) error
	}
	var steps []step

	if caps.StructuredRSVP {
		steps = append(steps, step{EffectRSVP, func(callCtx context.Context, s provider.Session) error {
			return s.RespondToInvite(callCtx, inv, d.Response, d.Comment)
		}})
	} else {
		report.add(EffectRSVP, model.EffectSkipped, "provider has no structured RSVP")
	}

	if wantArchive {
		if caps.Archive {
			steps = append(steps, step{EffectArchive, func(callCtx context.Context, s provider.Session) error {
				msg, err := c.messages.GetByID(ctx, inv.MessageID)
				if err != nil {
					return err
				}
				return s.Archive(callCtx, msg.ProviderMessageID)
			}})
		} else {
			report.add(EffectArchive, model.EffectSkipped, "provider cannot archive")
		}
	}

	if wantAdd {
		if caps.Calendar {
			steps = append(steps, step{EffectAddToCalendar, func(callCtx context.Context, s provider.Session) error {
				return s.AddEvent(callCtx, inv, d.Response)
			}})
		} else {
			report.add(EffectAddToCalendar, model.EffectSkipped, "provider has no calendar")
		}
	}

	if len(steps) == 0 {
		return
	}

	opened := false
	err = provider.WithSession(ctx, provider.BoundConnect(adapter, c.timeout), func(session provider.Session) error {
		opened = true
		for _, st := range steps {
			callCtx, cancel := context.WithTimeout(ctx, c.timeout)
			start := time.Now()
			err := st.run(callCtx, session)
			cancel()
			metrics.RecordProviderCall(string(account.Provider), st.name, err, time.Since(start))
			if err != nil {
				report.fail(st.name, err, log)
				continue
			}
			report.add(st.name, model.EffectApplied, "")
		}
		return nil
	})
	switch {
	case err != nil && !opened:
		for _, st := range steps {
			report.fail(st.name, err, log)
		}
	case err != nil:
		log.Warn("Failed to close provider session", zap.Error(err))
	}
}

func plannedEffects(wantArchive, wantAdd bool) []string {
	names := []string{EffectRSVP}
	if wantArchive {
		names = append(names, EffectArchive)
	}
	if wantAdd {
		names = append(names, EffectAddToCalendar)
	}
	return names
}

func (r *Report) add(effect, status, msg string) {
	r.Effects = append(r.Effects, model.EffectOutcome{Effect: effect, Status: status, Message: msg})
}

func (r *Report) fail(effect string, err error, log *zap.Logger) {
	metrics.IncrementEffectFailure(effect)
	log.Warn("Effect failed", zap.String("effect", effect), zap.Error(err))
	r.add(effect, model.EffectFailed, err.Error())
}
