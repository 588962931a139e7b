package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"inviteflow/internal/model"
)

type AccountRepository struct {
	db *pgxpool.Pool
}

func NewAccountRepository(db *pgxpool.Pool) *AccountRepository {
	return &AccountRepository{db: db}
}

const accountColumns = `
	id, user_id, email, provider, settings, credential_ref, primary_calendar,
	sync_cursor, error_count, last_error, last_sync_at, active, created_at, updated_at`

func scanAccount(row pgx.Row) (*model.Account, error) {
	var a model.Account
	err := row.Scan(
		&a.ID,
		&a.UserID,
		&a.Email,
		&a.Provider,
		&a.Settings,
		&a.CredentialRef,
		&a.PrimaryCalendar,
		&a.SyncCursor,
		&a.ErrorCount,
		&a.LastError,
		&a.LastSyncAt,
		&a.Active,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *AccountRepository) GetByID(ctx context.Context, id int64) (*model.Account, error) {
	row := r.db.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id)
	a, err := scanAccount(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", model.ErrAccountNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account %d: %w", id, err)
	}
	return a, nil
}

// ListActive returns every active account, ordered by id.
func (r *AccountRepository) ListActive(ctx context.Context) ([]*model.Account, error) {
	rows, err := r.db.Query(ctx, `SELECT `+accountColumns+` FROM accounts WHERE active ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list active accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*model.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// FindPrimaryCalendar returns the user's active primary calendar account,
// or nil when the user has none.
func (r *AccountRepository) FindPrimaryCalendar(ctx context.Context, userID int64) (*model.Account, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+accountColumns+`
		FROM accounts
		WHERE user_id = $1 AND primary_calendar AND active
		LIMIT 1
	`, userID)
	a, err := scanAccount(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find primary calendar for user %d: %w", userID, err)
	}
	return a, nil
}

// MarkSyncSuccess stores the new cursor and clears the error counters.
func (r *AccountRepository) MarkSyncSuccess(ctx context.Context, id int64, cursor string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE accounts
		SET sync_cursor = $2, error_count = 0, last_error = NULL,
		    last_sync_at = NOW(), updated_at = NOW()
		WHERE id = $1
	`, id, cursor)
	if err != nil {
		return fmt.Errorf("failed to mark sync success for account %d: %w", id, err)
	}
	return nil
}

// MarkSyncFailure leaves the cursor untouched and bumps the error counter.
func (r *AccountRepository) MarkSyncFailure(ctx context.Context, id int64, cause string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE accounts
		SET error_count = error_count + 1, last_error = $2, updated_at = NOW()
		WHERE id = $1
	`, id, cause)
	if err != nil {
		return fmt.Errorf("failed to mark sync failure for account %d: %w", id, err)
	}
	return nil
}
