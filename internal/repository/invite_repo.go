package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"inviteflow/internal/model"
)

type InviteRepository struct {
	db *pgxpool.Pool
}

func NewInviteRepository(db *pgxpool.Pool) *InviteRepository {
	return &InviteRepository{db: db}
}

const inviteColumns = `
	i.id, i.user_id, i.account_id, i.message_id, i.uid, i.method, i.sequence,
	i.organizer, i.organizer_name, i.summary, i.location, i.start_at, i.end_at,
	i.attendee_count, i.raw_payload, i.responded, i.response_status, i.responded_at,
	i.review_state, i.created_at`

func scanInvite(row pgx.Row) (*model.Invite, error) {
	var inv model.Invite
	var status *string
	var review string
	err := row.Scan(
		&inv.ID,
		&inv.UserID,
		&inv.AccountID,
		&inv.MessageID,
		&inv.UID,
		&inv.Method,
		&inv.Sequence,
		&inv.Organizer,
		&inv.OrganizerName,
		&inv.Summary,
		&inv.Location,
		&inv.Start,
		&inv.End,
		&inv.AttendeeCount,
		&inv.RawPayload,
		&inv.Responded,
		&status,
		&inv.RespondedAt,
		&review,
		&inv.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if status != nil {
		inv.ResponseStatus = model.ResponseStatus(*status)
	}
	inv.ReviewState = model.ReviewState(review)
	return &inv, nil
}

func (r *InviteRepository) GetByID(ctx context.Context, id int64) (*model.Invite, error) {
	row := r.db.QueryRow(ctx, `SELECT `+inviteColumns+` FROM invites i WHERE i.id = $1`, id)
	inv, err := scanInvite(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", model.ErrInviteNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get invite %d: %w", id, err)
	}
	return inv, nil
}

// ListPendingByUser returns the user's unanswered invites, earliest start first.
func (r *InviteRepository) ListPendingByUser(ctx context.Context, userID int64) ([]*model.Invite, error) {
	query := `
		SELECT ` + inviteColumns + `
		FROM invites i
		WHERE i.user_id = $1 AND NOT i.responded
		ORDER BY i.start_at, i.id
	`
	rows, err := r.db.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending invites: %w", err)
	}
	defer rows.Close()

	var invites []*model.Invite
	for rows.Next() {
		inv, err := scanInvite(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan invite: %w", err)
		}
		invites = append(invites, inv)
	}
	return invites, rows.Err()
}

// ListUsersWithPending returns the distinct users that have unanswered invites.
func (r *InviteRepository) ListUsersWithPending(ctx context.Context) ([]int64, error) {
	rows, err := r.db.Query(ctx, `SELECT DISTINCT user_id FROM invites WHERE NOT responded ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list users with pending invites: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[int64])
}

// MarkResponded flips responded from false to true. It is the guarded first
// write of an execution: when the invite was already answered it returns
// model.ErrAlreadyResponded and changes nothing.
func (r *InviteRepository) MarkResponded(ctx context.Context, id int64, status model.ResponseStatus) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE invites
		SET responded = TRUE, response_status = $2, responded_at = NOW(), review_state = ''
		WHERE id = $1 AND NOT responded
	`, id, string(status))
	if err != nil {
		return fmt.Errorf("failed to mark invite %d responded: %w", id, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM invites WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check invite %d: %w", id, err)
	}
	if !exists {
		return fmt.Errorf("%w: %d", model.ErrInviteNotFound, id)
	}
	return model.ErrAlreadyResponded
}

// UpdateReviewState records why automation left a pending invite alone.
func (r *InviteRepository) UpdateReviewState(ctx context.Context, id int64, state model.ReviewState) error {
	_, err := r.db.Exec(ctx, `
		UPDATE invites SET review_state = $2
		WHERE id = $1 AND NOT responded AND review_state <> $2
	`, id, string(state))
	if err != nil {
		return fmt.Errorf("failed to update review state of invite %d: %w", id, err)
	}
	return nil
}
