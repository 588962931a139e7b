package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"inviteflow/internal/model"
)

type RuleRepository struct {
	db *pgxpool.Pool
}

func NewRuleRepository(db *pgxpool.Pool) *RuleRepository {
	return &RuleRepository{db: db}
}

const ruleColumns = `id, user_id, name, priority, enabled, conditions, action, created_at, updated_at`

func scanRule(row pgx.Row) (*model.Rule, error) {
	var rule model.Rule
	err := row.Scan(
		&rule.ID,
		&rule.UserID,
		&rule.Name,
		&rule.Priority,
		&rule.Enabled,
		&rule.Conditions,
		&rule.Action,
		&rule.CreatedAt,
		&rule.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &rule, nil
}

func (r *RuleRepository) listWhere(ctx context.Context, where string, userID int64) ([]*model.Rule, error) {
	query := `SELECT ` + ruleColumns + ` FROM rules WHERE user_id = $1` + where + ` ORDER BY priority DESC, id ASC`
	rows, err := r.db.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	defer rows.Close()

	var rules []*model.Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

// ListEnabled returns the user's enabled rules in evaluation order:
// priority descending, lower id first on ties.
func (r *RuleRepository) ListEnabled(ctx context.Context, userID int64) ([]*model.Rule, error) {
	return r.listWhere(ctx, ` AND enabled`, userID)
}

// List returns all of the user's rules in evaluation order.
func (r *RuleRepository) List(ctx context.Context, userID int64) ([]*model.Rule, error) {
	return r.listWhere(ctx, ``, userID)
}

func (r *RuleRepository) Get(ctx context.Context, userID, id int64) (*model.Rule, error) {
	row := r.db.QueryRow(ctx, `SELECT `+ruleColumns+` FROM rules WHERE id = $1 AND user_id = $2`, id, userID)
	rule, err := scanRule(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", model.ErrRuleNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule %d: %w", id, err)
	}
	return rule, nil
}

func (r *RuleRepository) Create(ctx context.Context, rule *model.Rule) error {
	query := `
		INSERT INTO rules (user_id, name, priority, enabled, conditions, action)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at, updated_at
	`
	err := r.db.QueryRow(ctx, query,
		rule.UserID,
		rule.Name,
		rule.Priority,
		rule.Enabled,
		rule.Conditions,
		rule.Action,
	).Scan(&rule.ID, &rule.CreatedAt, &rule.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create rule: %w", err)
	}
	return nil
}

func (r *RuleRepository) Update(ctx context.Context, rule *model.Rule) error {
	query := `
		UPDATE rules
		SET name = $3, priority = $4, enabled = $5, conditions = $6, action = $7, updated_at = NOW()
		WHERE id = $1 AND user_id = $2
		RETURNING created_at, updated_at
	`
	err := r.db.QueryRow(ctx, query,
		rule.ID,
		rule.UserID,
		rule.Name,
		rule.Priority,
		rule.Enabled,
		rule.Conditions,
		rule.Action,
	).Scan(&rule.CreatedAt, &rule.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %d", model.ErrRuleNotFound, rule.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to update rule %d: %w", rule.ID, err)
	}
	return nil
}

func (r *RuleRepository) Delete(ctx context.Context, userID, id int64) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM rules WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return fmt.Errorf("failed to delete rule %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %d", model.ErrRuleNotFound, id)
	}
	return nil
}
