package mqhandler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	mqcontracts "inviteflow/contracts/mq"
	"inviteflow/internal/model"
	"inviteflow/internal/service/automation"
	"inviteflow/internal/service/ingest"
	"inviteflow/pkg/util"
)

type memDeduper struct {
	mu       sync.Mutex
	seen     map[string]bool
	released []string
}

func newMemDeduper() *memDeduper { return &memDeduper{seen: map[string]bool{}} }

func (d *memDeduper) AcquireOnce(_ context.Context, handler, key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	k := handler + ":" + key
	if d.seen[k] {
		return false
	}
	d.seen[k] = true
	return true
}

func (d *memDeduper) Release(_ context.Context, handler, key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	k := handler + ":" + key
	delete(d.seen, k)
	d.released = append(d.released, k)
}

type memRetries struct {
	mu     sync.Mutex
	counts map[string]int64
}

func newMemRetries() *memRetries { return &memRetries{counts: map[string]int64{}} }

func (r *memRetries) IncrementAndGet(_ context.Context, key string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts[key]++
	return r.counts[key], nil
}

func (r *memRetries) Reset(_ context.Context, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.counts, key)
	return nil
}

type mockSweeper struct{ mock.Mock }

func (m *mockSweeper) RunForUser(ctx context.Context, userID int64) (automation.SweepResult, error) {
	args := m.Called(ctx, userID)
	return args.Get(0).(automation.SweepResult), args.Error(1)
}

type mockSyncer struct{ mock.Mock }

func (m *mockSyncer) SyncAccount(ctx context.Context, accountID int64) (ingest.SyncResult, error) {
	args := m.Called(ctx, accountID)
	return args.Get(0).(ingest.SyncResult), args.Error(1)
}

func invitePayload(t *testing.T, inviteID, userID int64) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(mqcontracts.InviteDetectedPayload{InviteID: inviteID, UserID: userID, AccountID: 1, UID: "evt@example.com"})
	require.NoError(t, err)
	return raw
}

func isPermanent(err error) bool {
	retryable, _ := util.IsRetryableError(err)
	return err != nil && !retryable
}

func TestInviteDetectedHandler_SweepsUser(t *testing.T) {
	sweeper := new(mockSweeper)
	sweeper.On("RunForUser", mock.Anything, int64(9)).Return(automation.SweepResult{Processed: 1, Executed: 1}, nil).Once()
	retries := newMemRetries()
	h := NewInviteDetectedHandler(sweeper, retries, newMemDeduper(), zap.NewNop())

	require.NoError(t, h.Handle(context.Background(), invitePayload(t, 3, 9)))
	// redelivery of the same event is deduplicated
	require.NoError(t, h.Handle(context.Background(), invitePayload(t, 3, 9)))

	sweeper.AssertExpectations(t)
	assert.Empty(t, retries.counts)
}

func TestInviteDetectedHandler_LeaseHeldAcks(t *testing.T) {
	sweeper := new(mockSweeper)
	sweeper.On("RunForUser", mock.Anything, int64(9)).Return(automation.SweepResult{}, fmt.Errorf("user 9: %w", model.ErrLeaseHeld))
	h := NewInviteDetectedHandler(sweeper, newMemRetries(), newMemDeduper(), zap.NewNop())

	assert.NoError(t, h.Handle(context.Background(), invitePayload(t, 3, 9)))
}

func TestInviteDetectedHandler_RetryableErrorRequeuesUntilBudget(t *testing.T) {
	connErr := &pgconn.PgError{Code: "08006", Message: "connection failure"}
	sweeper := new(mockSweeper)
	sweeper.On("RunForUser", mock.Anything, int64(9)).Return(automation.SweepResult{}, connErr)
	deduper := newMemDeduper()
	h := NewInviteDetectedHandler(sweeper, newMemRetries(), deduper, zap.NewNop())

	for i := 0; i < maxRetries; i++ {
		err := h.Handle(context.Background(), invitePayload(t, 3, 9))
		require.Error(t, err)
		retryable, _ := util.IsRetryableError(err)
		assert.True(t, retryable, "attempt %d should requeue", i+1)
	}
	assert.Len(t, deduper.released, maxRetries)

	err := h.Handle(context.Background(), invitePayload(t, 3, 9))
	assert.True(t, isPermanent(err), "budget exhausted goes to DLQ")
	assert.ErrorIs(t, err, connErr)
}

func TestInviteDetectedHandler_NonRetryableErrorDeadLetters(t *testing.T) {
	sweeper := new(mockSweeper)
	sweeper.On("RunForUser", mock.Anything, int64(9)).Return(automation.SweepResult{}, errors.New("boom"))
	h := NewInviteDetectedHandler(sweeper, newMemRetries(), newMemDeduper(), zap.NewNop())

	assert.True(t, isPermanent(h.Handle(context.Background(), invitePayload(t, 3, 9))))
}

func TestInviteDetectedHandler_BadPayload(t *testing.T) {
	sweeper := new(mockSweeper)
	h := NewInviteDetectedHandler(sweeper, newMemRetries(), newMemDeduper(), zap.NewNop())

	assert.True(t, isPermanent(h.Handle(context.Background(), json.RawMessage(`{not json`))))
	assert.True(t, isPermanent(h.Handle(context.Background(), json.RawMessage(`{"invite_id":1}`))))
	sweeper.AssertNotCalled(t, "RunForUser", mock.Anything, mock.Anything)
}

func syncPayload(t *testing.T, accountID int64, at time.Time) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(mqcontracts.AccountSyncRequestedPayload{AccountID: accountID, RequestedAt: at})
	require.NoError(t, err)
	return raw
}

func TestAccountSyncHandler(t *testing.T) {
	at := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		err       error
		wantErr   bool
		permanent bool
	}{
		{name: "success"},
		{name: "lease held", err: fmt.Errorf("account 4: %w", model.ErrLeaseHeld)},
		{name: "transient provider", err: fmt.Errorf("fetch: %w: timeout", model.ErrTransientProvider)},
		{name: "configuration", err: fmt.Errorf("%w: no credentials", model.ErrConfiguration)},
		{name: "unknown account", err: fmt.Errorf("account 4: %w", model.ErrAccountNotFound), wantErr: true, permanent: true},
		{name: "database down", err: &pgconn.PgError{Code: "57P01"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			syncer := new(mockSyncer)
			syncer.On("SyncAccount", mock.Anything, int64(4)).Return(ingest.SyncResult{Fetched: 2}, tt.err)
			h := NewAccountSyncHandler(syncer, newMemDeduper(), zap.NewNop())

			err := h.Handle(context.Background(), syncPayload(t, 4, at))
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.permanent, isPermanent(err))
		})
	}
}

func TestAccountSyncHandler_DeduplicatesRequest(t *testing.T) {
	at := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	syncer := new(mockSyncer)
	syncer.On("SyncAccount", mock.Anything, int64(4)).Return(ingest.SyncResult{}, nil).Once()
	h := NewAccountSyncHandler(syncer, newMemDeduper(), zap.NewNop())

	require.NoError(t, h.Handle(context.Background(), syncPayload(t, 4, at)))
	require.NoError(t, h.Handle(context.Background(), syncPayload(t, 4, at)))
	syncer.AssertExpectations(t)
}
