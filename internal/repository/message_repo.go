package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	mqcontracts "inviteflow/contracts/mq"
	"inviteflow/internal/model"
	"inviteflow/pkg/outbox"
	"inviteflow/pkg/trace"
)

type MessageRepository struct {
	db     *pgxpool.Pool
	outbox *outbox.Repository
}

func NewMessageRepository(db *pgxpool.Pool, outboxRepo *outbox.Repository) *MessageRepository {
	return &MessageRepository{db: db, outbox: outboxRepo}
}

// SaveIngested stores msg and, when present, its invite in one transaction.
// Both inserts are no-ops on their unique keys, so replaying a batch never
// duplicates rows. A newly created invite also queues an invite.detected event.
func (r *MessageRepository) SaveIngested(ctx context.Context, msg *model.Message, inv *model.Invite) (messageCreated, inviteCreated bool, err error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return false, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	messageCreated, err = r.insertMessageTx(ctx, tx, msg)
	if err != nil {
		return false, false, err
	}

	if inv != nil {
		inv.MessageID = msg.ID
		inviteCreated, err = r.insertInviteTx(ctx, tx, inv)
		if err != nil {
			return false, false, err
		}
	}

	if inviteCreated {
		payload := mqcontracts.InviteDetectedPayload{
			InviteID:  inv.ID,
			UserID:    inv.UserID,
			AccountID: inv.AccountID,
			UID:       inv.UID,
			Start:     inv.Start,
			TraceID:   trace.FromContext(ctx),
		}
		if err := r.outbox.Enqueue(ctx, tx, outbox.Aggregate{Type: "invite", ID: inv.ID}, mqcontracts.RoutingInviteDetected, payload); err != nil {
			return false, false, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return messageCreated, inviteCreated, nil
}

func (r *MessageRepository) insertMessageTx(ctx context.Context, tx pgx.Tx, msg *model.Message) (bool, error) {
	query := `
		INSERT INTO messages (
			account_id, provider_message_id, message_id_header, from_addr, to_addrs,
			subject, body, flags, raw_key, has_invite, received_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (account_id, provider_message_id) DO NOTHING
		RETURNING id, created_at
	`
	to := msg.To
	if to == nil {
		to = []string{}
	}
	flags := msg.Flags
	if flags == nil {
		flags = []string{}
	}

	err := tx.QueryRow(ctx, query,
		msg.AccountID,
		msg.ProviderMessageID,
		msg.MessageIDHeader,
		msg.From,
		to,
		msg.Subject,
		msg.Body,
		flags,
		msg.RawKey,
		msg.HasInvite,
		msg.ReceivedAt,
	).Scan(&msg.ID, &msg.CreatedAt)
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return false, fmt.Errorf("failed to insert message: %w", err)
	}

	err = tx.QueryRow(ctx, `
		SELECT id, created_at FROM messages
		WHERE account_id = $1 AND provider_message_id = $2
	`, msg.AccountID, msg.ProviderMessageID).Scan(&msg.ID, &msg.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("failed to load existing message: %w", err)
	}
	return false, nil
}

func (r *MessageRepository) insertInviteTx(ctx context.Context, tx pgx.Tx, inv *model.Invite) (bool, error) {
	query := `
		INSERT INTO invites (
			user_id, account_id, message_id, uid, method, sequence, organizer,
			organizer_name, summary, location, start_at, end_at, attendee_count, raw_payload
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (message_id) DO NOTHING
		RETURNING id, created_at
	`
	err := tx.QueryRow(ctx, query,
		inv.UserID,
		inv.AccountID,
		inv.MessageID,
		inv.UID,
		inv.Method,
		inv.Sequence,
		inv.Organizer,
		inv.OrganizerName,
		inv.Summary,
		inv.Location,
		inv.Start,
		inv.End,
		inv.AttendeeCount,
		inv.RawPayload,
	).Scan(&inv.ID, &inv.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to insert invite: %w", err)
	}
	return true, nil
}

func (r *MessageRepository) GetByID(ctx context.Context, id int64) (*model.Message, error) {
	query := `
		SELECT id, account_id, provider_message_id, message_id_header, from_addr, to_addrs,
		       subject, body, flags, raw_key, has_invite, received_at, created_at
		FROM messages
		WHERE id = $1
	`
	var m model.Message
	err := r.db.QueryRow(ctx, query, id).Scan(
		&m.ID,
		&m.AccountID,
		&m.ProviderMessageID,
		&m.MessageIDHeader,
		&m.From,
		&m.To,
		&m.Subject,
		&m.Body,
		&m.Flags,
		&m.RawKey,
		&m.HasInvite,
		&m.ReceivedAt,
		&m.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", model.ErrMessageNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message %d: %w", id, err)
	}
	return &m, nil
}
