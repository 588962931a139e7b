package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"inviteflow/internal/model"
)

type AutomationRepository struct {
	db *pgxpool.Pool
}

func NewAutomationRepository(db *pgxpool.Pool) *AutomationRepository {
	return &AutomationRepository{db: db}
}

// InsertAction appends an audit row. Rows are never updated.
func (r *AutomationRepository) InsertAction(ctx context.Context, a *model.AutomationAction) error {
	effects := a.Effects
	if effects == nil {
		effects = []model.EffectOutcome{}
	}
	query := `
		INSERT INTO automation_actions (user_id, invite_id, response, confidence, reason, source, actor, effects)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at
	`
	err := r.db.QueryRow(ctx, query,
		a.UserID,
		a.InviteID,
		string(a.Response),
		a.Confidence,
		a.Reason,
		string(a.Source),
		string(a.Actor),
		effects,
	).Scan(&a.ID, &a.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert automation action: %w", err)
	}
	return nil
}

// IncrementStats adds to the user's counters for day. Existing values are
// only ever incremented.
func (r *AutomationRepository) IncrementStats(ctx context.Context, userID int64, day time.Time, actions, minutesSaved int) error {
	query := `
		INSERT INTO automation_stats (user_id, day, actions_count, minutes_saved)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, day) DO UPDATE
		SET actions_count = automation_stats.actions_count + EXCLUDED.actions_count,
		    minutes_saved = automation_stats.minutes_saved + EXCLUDED.minutes_saved
	`
	_, err := r.db.Exec(ctx, query, userID, dateOf(day), actions, minutesSaved)
	if err != nil {
		return fmt.Errorf("failed to increment automation stats: %w", err)
	}
	return nil
}

// GetStats returns the user's daily counters in [from,to], oldest first.
func (r *AutomationRepository) GetStats(ctx context.Context, userID int64, from, to time.Time) ([]model.AutomationStats, error) {
	query := `
		SELECT user_id, day, actions_count, minutes_saved
		FROM automation_stats
		WHERE user_id = $1 AND day BETWEEN $2 AND $3
		ORDER BY day
	`
	rows, err := r.db.Query(ctx, query, userID, dateOf(from), dateOf(to))
	if err != nil {
		return nil, fmt.Errorf("failed to get automation stats: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.AutomationStats, error) {
		var s model.AutomationStats
		err := row.Scan(&s.UserID, &s.Day, &s.ActionsCount, &s.MinutesSaved)
		return s, err
	})
}

// dateOf keeps the calendar date of t in its own location, as UTC midnight.
func dateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
