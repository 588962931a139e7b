package model

import "time"

// DecisionSource names the policy layer that produced a decision.
type DecisionSource string

const (
	SourceRule      DecisionSource = "rule"
	SourceConflict  DecisionSource = "conflict"
	SourceHeuristic DecisionSource = "heuristic"
	SourceModel     DecisionSource = "model"
	SourceDefault   DecisionSource = "default"
	SourceManual    DecisionSource = "manual"
)

// Decision is the evaluator's answer for one invite. It is never mutated.
type Decision struct {
	Response      ResponseStatus
	Confidence    float64
	Reason        string
	Source        DecisionSource
	RuleID        *int64
	Archive       bool
	AddToCalendar bool
	Comment       string
	// Deferred is set when a rule asked for the user to decide.
	Deferred bool
}

// AutoExecutable reports whether the decision clears the threshold.
func (d Decision) AutoExecutable(threshold float64) bool {
	return !d.Deferred && d.Confidence >= threshold
}

// Actor of an audit row.
type Actor string

const (
	ActorAutomation Actor = "automation"
	ActorUser       Actor = "user"
)

// EffectOutcome records the result of one side effect of an execution.
type EffectOutcome struct {
	Effect  string `json:"effect"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

const (
	EffectApplied = "applied"
	EffectSkipped = "skipped"
	EffectFailed  = "failed"
)

// AutomationAction is an append-only audit row.
type AutomationAction struct {
	ID         int64
	UserID     int64
	InviteID   int64
	Response   ResponseStatus
	Confidence float64
	Reason     string
	Source     DecisionSource
	Actor      Actor
	Effects    []EffectOutcome
	CreatedAt  time.Time
}

// AutomationStats are the per-user-per-day counters.
type AutomationStats struct {
	UserID       int64     `json:"user_id"`
	Day          time.Time `json:"day"`
	ActionsCount int       `json:"actions_count"`
	MinutesSaved int       `json:"minutes_saved"`
}
