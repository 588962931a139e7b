// Package policy decides how to answer an invite: user rules first, then
// calendar conflicts, then availability heuristics, then the model, then a
// conservative default.
package policy

import (
	"context"
	"fmt"
	"regexp"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"inviteflow/internal/model"
	"inviteflow/pkg/logger"
	"inviteflow/pkg/metrics"
	"inviteflow/pkg/otel"
)

const (
	conflictConfidence = 0.95
	offHoursConfidence = 0.9
	weekendConfidence  = 0.85
	shortConfidence    = 0.7
	defaultConfidence  = 0.3

	conflictComment = "I have a conflicting commitment at this time."
)

type RuleStore interface {
	ListEnabled(ctx context.Context, userID int64) ([]*model.Rule, error)
}

type Conflicts interface {
	HasConflict(ctx context.Context, userID int64, inv *model.Invite) (bool, error)
}

// ModelSource is the last-resort decision source. ok is false when it abstains.
type ModelSource interface {
	Suggest(ctx context.Context, userID int64, inv *model.Invite) (d model.Decision, ok bool)
}

// Heuristics are the availability defaults applied when no rule matched.
type Heuristics struct {
	Location    *time.Location
	WorkStart   string
	WorkEnd     string
	MinDuration time.Duration
}

func DefaultHeuristics() Heuristics {
	return Heuristics{
		Location:    time.UTC,
		WorkStart:   "09:00",
		WorkEnd:     "17:00",
		MinDuration: 15 * time.Minute,
	}
}

type Evaluator struct {
	rules      RuleStore
	conflicts  Conflicts
	model      ModelSource
	heuristics Heuristics
	logger     *zap.Logger
}

// NewEvaluator builds an evaluator. ms may be nil.
func NewEvaluator(rules RuleStore, conflicts Conflicts, ms ModelSource, h Heuristics, logger *zap.Logger) *Evaluator {
	if h.Location == nil {
		h.Location = time.UTC
	}
	return &Evaluator{rules: rules, conflicts: conflicts, model: ms, heuristics: h, logger: logger}
}

// Decide returns the first applicable decision for inv. An error means the
// invite could not be evaluated and should stay pending.
func (e *Evaluator) Decide(ctx context.Context, userID int64, inv *model.Invite) (model.Decision, error) {
	ctx, span := otel.Start(ctx, "policy.Decide", attribute.Int64("invite.id", inv.ID))
	d, err := e.decide(ctx, userID, inv)
	if err != nil {
		otel.End(span, err)
		return model.Decision{}, err
	}
	span.SetAttributes(
		attribute.String("decision.source", string(d.Source)),
		attribute.String("decision.response", string(d.Response)),
		attribute.Float64("decision.confidence", d.Confidence),
	)
	span.End()
	metrics.IncrementDecision(string(d.Source), string(d.Response))
	logger.WithTrace(ctx, e.logger).Debug("Invite evaluated",
		zap.Int64("invite_id", inv.ID),
		zap.String("source", string(d.Source)),
		zap.String("response", string(d.Response)),
		zap.Float64("confidence", d.Confidence),
		zap.String("reason", d.Reason),
	)
	return d, nil
}

func (e *Evaluator) decide(ctx context.Context, userID int64, inv *model.Invite) (model.Decision, error) {
	rules, err := e.rules.ListEnabled(ctx, userID)
	if err != nil {
		return model.Decision{}, fmt.Errorf("failed to load rules: %w", err)
	}
	for _, rule := range rules {
		if e.matches(rule, inv) {
			return ruleDecision(rule), nil
		}
	}

	conflict, err := e.conflicts.HasConflict(ctx, userID, inv)
	if err != nil {
		return model.Decision{}, fmt.Errorf("failed to check conflicts: %w", err)
	}
	if conflict {
		return model.Decision{
			Response:   model.ResponseDeclined,
			Confidence: conflictConfidence,
			Reason:     "conflicts with an existing calendar event",
			Source:     model.SourceConflict,
			Archive:    true,
			Comment:    conflictComment,
		}, nil
	}

	if d, ok := e.heuristic(inv); ok {
		return d, nil
	}

	if e.model != nil {
		if d, ok := e.model.Suggest(ctx, userID, inv); ok {
			return d, nil
		}
	}

	return model.Decision{
		Response:   model.ResponseTentative,
		Confidence: defaultConfidence,
		Reason:     "needs manual review",
		Source:     model.SourceDefault,
	}, nil
}

func ruleDecision(rule *model.Rule) model.Decision {
	id := rule.ID
	status, ok := rule.Action.Response.Status()
	if !ok {
		return model.Decision{
			Response:   model.ResponseTentative,
			Confidence: 0,
			Reason:     fmt.Sprintf("rule %q asks for a manual decision", rule.Name),
			Source:     model.SourceRule,
			RuleID:     &id,
			Deferred:   true,
		}
	}
	return model.Decision{
		Response:      status,
		Confidence:    1.0,
		Reason:        fmt.Sprintf("matched rule %q", rule.Name),
		Source:        model.SourceRule,
		RuleID:        &id,
		Archive:       rule.Action.Archive,
		AddToCalendar: rule.Action.AddToCalendar,
		Comment:       rule.Action.Comment,
	}
}

// matches reports whether every present condition of rule holds for inv.
func (e *Evaluator) matches(rule *model.Rule, inv *model.Invite) bool {
	c := rule.Conditions
	local := inv.Start.In(e.heuristics.Location)

	if c.OrganizerPattern != "" && !e.patternMatches(rule, c.OrganizerPattern, inv.Organizer) {
		return false
	}
	if c.SubjectPattern != "" && !e.patternMatches(rule, c.SubjectPattern, inv.Summary) {
		return false
	}
	if c.TimeOfDay != nil && !c.TimeOfDay.Contains(local.Format("15:04")) {
		return false
	}
	if len(c.DaysOfWeek) > 0 && !slices.Contains(c.DaysOfWeek, local.Weekday()) {
		return false
	}
	minutes := inv.DurationMinutes()
	if !within(minutes, c.MinDuration, c.MaxDuration) {
		return false
	}
	return within(inv.AttendeeCount, c.MinAttendees, c.MaxAttendees)
}

func (e *Evaluator) patternMatches(rule *model.Rule, pattern, value string) bool {
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		e.logger.Warn("Skipping rule with invalid pattern",
			zap.Int64("rule_id", rule.ID),
			zap.String("pattern", pattern),
			zap.Error(err),
		)
		return false
	}
	return re.MatchString(value)
}

func within(v int, lo, hi *int) bool {
	if lo != nil && v < *lo {
		return false
	}
	if hi != nil && v > *hi {
		return false
	}
	return true
}

// heuristic applies the availability checks in order; the first hit wins.
func (e *Evaluator) heuristic(inv *model.Invite) (model.Decision, bool) {
	h := e.heuristics
	local := inv.Start.In(h.Location)
	clock := local.Format("15:04")

	decline := func(confidence float64, reason string) (model.Decision, bool) {
		return model.Decision{
			Response:   model.ResponseDeclined,
			Confidence: confidence,
			Reason:     reason,
			Source:     model.SourceHeuristic,
			Archive:    true,
		}, true
	}

	if clock < h.WorkStart || clock >= h.WorkEnd {
		return decline(offHoursConfidence, fmt.Sprintf("starts at %s, outside working hours %s-%s", clock, h.WorkStart, h.WorkEnd))
	}
	if wd := local.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return decline(weekendConfidence, fmt.Sprintf("falls on a %s", wd))
	}
	if h.MinDuration > 0 && inv.Duration() < h.MinDuration {
		return decline(shortConfidence, fmt.Sprintf("shorter than %d minutes", int(h.MinDuration/time.Minute)))
	}
	return model.Decision{}, false
}
