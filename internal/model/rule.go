package model

import (
	"errors"
	"fmt"
	"regexp"
	"time"
)

// RuleResponse is the answer a rule prescribes.
type RuleResponse string

const (
	RuleAccept    RuleResponse = "accept"
	RuleDecline   RuleResponse = "decline"
	RuleTentative RuleResponse = "tentative"
	// RuleAsk defers the invite to the user.
	RuleAsk RuleResponse = "ask"
)

// Status maps a rule response to the RSVP answer it produces. Ask has none.
func (r RuleResponse) Status() (ResponseStatus, bool) {
	switch r {
	case RuleAccept:
		return ResponseAccepted, true
	case RuleDecline:
		return ResponseDeclined, true
	case RuleTentative:
		return ResponseTentative, true
	}
	return "", false
}

// TimeWindow is a time-of-day window [Start,End) in "HH:MM".
type TimeWindow struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// Contains compares clock strings, which order correctly when zero padded.
func (w TimeWindow) Contains(clock string) bool {
	return clock >= w.Start && clock < w.End
}

// RuleConditions are the match conditions of a rule. A nil or empty field does not constrain.
type RuleConditions struct {
	OrganizerPattern string         `json:"organizer_pattern,omitempty"`
	SubjectPattern   string         `json:"subject_pattern,omitempty"`
	TimeOfDay        *TimeWindow    `json:"time_of_day,omitempty"`
	DaysOfWeek       []time.Weekday `json:"days_of_week,omitempty"`
	MinDuration      *int           `json:"min_duration_minutes,omitempty"`
	MaxDuration      *int           `json:"max_duration_minutes,omitempty"`
	MinAttendees     *int           `json:"min_attendees,omitempty"`
	MaxAttendees     *int           `json:"max_attendees,omitempty"`
}

// RuleAction is what happens when a rule matches.
type RuleAction struct {
	Response      RuleResponse `json:"response"`
	Archive       bool         `json:"archive,omitempty"`
	AddToCalendar bool         `json:"add_to_calendar,omitempty"`
	Comment       string       `json:"comment,omitempty"`
}

// Rule is a user-authored policy entry.
type Rule struct {
	ID         int64          `json:"id"`
	UserID     int64          `json:"user_id"`
	Name       string         `json:"name"`
	Priority   int            `json:"priority"`
	Enabled    bool           `json:"enabled"`
	Conditions RuleConditions `json:"conditions"`
	Action     RuleAction     `json:"action"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

var clockPattern = regexp.MustCompile(`^([01][0-9]|2[0-3]):[0-5][0-9]$`)

// Validate checks a rule before it is written. Stored rules are trusted on read.
func (r *Rule) Validate() error {
	var errs []error

	if r.Name == "" {
		errs = append(errs, errors.New("name is required"))
	}

	switch r.Action.Response {
	case RuleAccept, RuleDecline, RuleTentative, RuleAsk:
	default:
		errs = append(errs, fmt.Errorf("unknown action response %q", r.Action.Response))
	}

	c := r.Conditions
	patterns := []struct{ field, pattern string }{
		{"organizer_pattern", c.OrganizerPattern},
		{"subject_pattern", c.SubjectPattern},
	}
	for _, p := range patterns {
		if p.pattern == "" {
			continue
		}
		if _, err := regexp.Compile("(?i)" + p.pattern); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p.field, err))
		}
	}

	if w := c.TimeOfDay; w != nil {
		if !clockPattern.MatchString(w.Start) || !clockPattern.MatchString(w.End) {
			errs = append(errs, fmt.Errorf("time_of_day must be HH:MM, got %q-%q", w.Start, w.End))
		} else if w.Start >= w.End {
			errs = append(errs, fmt.Errorf("time_of_day start %s must be before end %s", w.Start, w.End))
		}
	}

	for _, d := range c.DaysOfWeek {
		if d < time.Sunday || d > time.Saturday {
			errs = append(errs, fmt.Errorf("invalid day of week %d", d))
		}
	}

	if err := validateBounds("duration", c.MinDuration, c.MaxDuration); err != nil {
		errs = append(errs, err)
	}
	if err := validateBounds("attendees", c.MinAttendees, c.MaxAttendees); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidRule, errors.Join(errs...))
	}
	return nil
}

func validateBounds(name string, min, max *int) error {
	if min != nil && *min < 0 {
		return fmt.Errorf("%s min must not be negative", name)
	}
	if max != nil && *max < 0 {
		return fmt.Errorf("%s max must not be negative", name)
	}
	if min != nil && max != nil && *min > *max {
		return fmt.Errorf("%s min %d exceeds max %d", name, *min, *max)
	}
	return nil
}
