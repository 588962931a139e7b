package policy

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"inviteflow/internal/model"
	"inviteflow/internal/provider"
	"inviteflow/pkg/logger"
	"inviteflow/pkg/metrics"
)

// CalendarAccounts finds the account holding a user's primary calendar.
type CalendarAccounts interface {
	FindPrimaryCalendar(ctx context.Context, userID int64) (*model.Account, error)
}

type AdapterSource interface {
	For(account *model.Account) (provider.Adapter, error)
}

// ConflictDetector checks an invite against the user's primary calendar.
type ConflictDetector struct {
	accounts CalendarAccounts
	adapters AdapterSource
	timeout  time.Duration
	logger   *zap.Logger
}

func NewConflictDetector(accounts CalendarAccounts, adapters AdapterSource, timeout time.Duration, logger *zap.Logger) *ConflictDetector {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ConflictDetector{accounts: accounts, adapters: adapters, timeout: timeout, logger: logger}
}

// HasConflict reports whether a non-declined event other than the invite
// itself overlaps [inv.Start, inv.End). A user without a usable primary
// calendar has no conflicts. Provider failures are returned as transient.
func (d *ConflictDetector) HasConflict(ctx context.Context, userID int64, inv *model.Invite) (bool, error) {
	log := logger.WithTrace(ctx, d.logger).With(zap.Int64("user_id", userID), zap.Int64("invite_id", inv.ID))

	account, err := d.accounts.FindPrimaryCalendar(ctx, userID)
	if err != nil {
		return false, err
	}
	if account == nil {
		log.Debug("No primary calendar, assuming no conflict")
		return false, nil
	}

	adapter, err := d.adapters.For(account)
	if errors.Is(err, model.ErrConfiguration) {
		log.Warn("Primary calendar misconfigured, assuming no conflict", zap.Error(err))
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !adapter.Capabilities().Calendar {
		return false, nil
	}

	var events []model.CalendarEvent
	err = provider.WithSession(ctx, adapter, func(session provider.Session) error {
		callCtx, cancel := context.WithTimeout(ctx, d.timeout)
		defer cancel()

		start := time.Now()
		var err error
		events, err = session.CalendarEvents(callCtx, inv.Start, inv.End)
		metrics.RecordProviderCall(string(account.Provider), "calendar_events", err, time.Since(start))
		return err
	})
	if errors.Is(err, provider.ErrUnsupported) {
		return false, nil
	}
	if err != nil {
		return false, provider.Transient("calendar events", err)
	}

	for _, ev := range events {
		if conflicts(ev, inv) {
			log.Info("Calendar conflict found",
				zap.String("event_uid", ev.UID),
				zap.Time("event_start", ev.Start),
				zap.Time("event_end", ev.End),
			)
			return true, nil
		}
	}
	return false, nil
}

func conflicts(ev model.CalendarEvent, inv *model.Invite) bool {
	if ev.Cancelled || ev.ResponseStatus == model.ResponseDeclined {
		return false
	}
	if inv.UID != "" && ev.UID == inv.UID {
		return false
	}
	return ev.Start.Before(inv.End) && ev.End.After(inv.Start)
}
