package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"inviteflow/internal/model"
	"inviteflow/internal/testutil"
	"inviteflow/pkg/lease"
)

type fakeSyncer struct {
	mu          sync.Mutex
	calls       map[int64]int
	errs        map[int64]error
	panics      map[int64]bool
	inflight    int
	maxInflight int

	started chan int64
	release chan struct{}
	delay   time.Duration
}

func newFakeSyncer() *fakeSyncer {
	return &fakeSyncer{
		calls:  make(map[int64]int),
		errs:   make(map[int64]error),
		panics: make(map[int64]bool),
	}
}

func (f *fakeSyncer) Sync(_ context.Context, account *model.Account) (SyncResult, error) {
	f.mu.Lock()
	f.calls[account.ID]++
	f.inflight++
	f.maxInflight = max(f.maxInflight, f.inflight)
	err, panics := f.errs[account.ID], f.panics[account.ID]
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.inflight--
		f.mu.Unlock()
	}()

	if f.started != nil {
		f.started <- account.ID
	}
	if f.release != nil {
		<-f.release
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if panics {
		panic("decoder exploded")
	}
	if err != nil {
		return SyncResult{Fetched: 1}, err
	}
	return SyncResult{Fetched: 2, NewMessages: 2, NewInvites: 1}, nil
}

func (f *fakeSyncer) callsFor(id int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

func newScheduler(syncer Syncer, store *testutil.Store, locker lease.Locker, concurrency int) *Scheduler {
	return NewScheduler(syncer, store.Accounts(), locker, time.Minute, concurrency, zap.NewNop())
}

func TestSyncAccount_OneSessionPerAccount(t *testing.T) {
	store := testutil.NewStore()
	account := store.AddAccount(model.Account{UserID: 1, Email: "me@corp.com", Provider: model.ProviderIMAP, Active: true})

	syncer := newFakeSyncer()
	syncer.started = make(chan int64, 1)
	syncer.release = make(chan struct{})
	s := newScheduler(syncer, store, lease.NewLocalLocker(), 4)

	firstErr := make(chan error, 1)
	go func() {
		_, err := s.SyncAccount(context.Background(), account.ID)
		firstErr <- err
	}()
	<-syncer.started

	_, err := s.SyncAccount(context.Background(), account.ID)
	require.ErrorIs(t, err, model.ErrLeaseHeld)
	assert.True(t, IsSkipped(err))

	close(syncer.release)
	require.NoError(t, <-firstErr)
	assert.Equal(t, 1, syncer.callsFor(account.ID))

	// Once the first sync finished the account can be synced again.
	syncer.started = nil
	_, err = s.SyncAccount(context.Background(), account.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, syncer.callsFor(account.ID))
}

func TestSyncAccount_LeaseSharedAcrossSchedulers(t *testing.T) {
	store := testutil.NewStore()
	account := store.AddAccount(model.Account{UserID: 1, Email: "me@corp.com", Provider: model.ProviderIMAP, Active: true})

	locker := lease.NewLocalLocker()
	syncer := newFakeSyncer()
	syncer.started = make(chan int64, 1)
	syncer.release = make(chan struct{})
	first := newScheduler(syncer, store, locker, 1)
	second := newScheduler(syncer, store, locker, 1)

	firstErr := make(chan error, 1)
	go func() {
		_, err := first.SyncAccount(context.Background(), account.ID)
		firstErr <- err
	}()
	<-syncer.started

	_, err := second.SyncAccount(context.Background(), account.ID)
	assert.ErrorIs(t, err, model.ErrLeaseHeld)

	close(syncer.release)
	require.NoError(t, <-firstErr)
	assert.Equal(t, 1, syncer.callsFor(account.ID))
}

func TestSyncAccount_RejectsInactiveAccount(t *testing.T) {
	store := testutil.NewStore()
	account := store.AddAccount(model.Account{UserID: 1, Email: "me@corp.com", Provider: model.ProviderIMAP})
	syncer := newFakeSyncer()

	_, err := newScheduler(syncer, store, lease.NewLocalLocker(), 1).SyncAccount(context.Background(), account.ID)
	assert.ErrorIs(t, err, model.ErrConfiguration)
	assert.Zero(t, syncer.callsFor(account.ID))
}

func TestSyncAccount_UnknownAccount(t *testing.T) {
	_, err := newScheduler(newFakeSyncer(), testutil.NewStore(), lease.NewLocalLocker(), 1).SyncAccount(context.Background(), 42)
	assert.ErrorIs(t, err, model.ErrAccountNotFound)
}

func TestSyncAccount_RecoversFromPanic(t *testing.T) {
	store := testutil.NewStore()
	account := store.AddAccount(model.Account{UserID: 1, Email: "me@corp.com", Provider: model.ProviderIMAP, Active: true})
	syncer := newFakeSyncer()
	syncer.panics[account.ID] = true
	locker := lease.NewLocalLocker()

	var err error
	require.NotPanics(t, func() {
		_, err = newScheduler(syncer, store, locker, 1).SyncAccount(context.Background(), account.ID)
	})
	assert.ErrorContains(t, err, "panicked")

	// The lease was released on the way out.
	l, err := locker.Acquire(context.Background(), lease.AccountSyncKey(account.ID), time.Minute)
	require.NoError(t, err)
	require.NoError(t, l.Release(context.Background()))
}

func TestSyncAll_CountsOutcomes(t *testing.T) {
	store := testutil.NewStore()
	ok := store.AddAccount(model.Account{UserID: 1, Email: "a@corp.com", Provider: model.ProviderIMAP, Active: true})
	failing := store.AddAccount(model.Account{UserID: 1, Email: "b@corp.com", Provider: model.ProviderIMAP, Active: true})
	held := store.AddAccount(model.Account{UserID: 2, Email: "c@corp.com", Provider: model.ProviderIMAP, Active: true})
	crashing := store.AddAccount(model.Account{UserID: 2, Email: "d@corp.com", Provider: model.ProviderIMAP, Active: true})
	inactive := store.AddAccount(model.Account{UserID: 3, Email: "e@corp.com", Provider: model.ProviderIMAP})

	syncer := newFakeSyncer()
	syncer.errs[failing.ID] = errors.New("imap down")
	syncer.panics[crashing.ID] = true

	locker := lease.NewLocalLocker()
	other, err := locker.Acquire(context.Background(), lease.AccountSyncKey(held.ID), time.Minute)
	require.NoError(t, err)
	defer other.Release(context.Background())

	summary, err := newScheduler(syncer, store, locker, 2).SyncAll(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 4, summary.Accounts)
	assert.Equal(t, 1, summary.Succeeded)
	assert.Equal(t, 2, summary.Failed)
	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, 3, summary.Totals.Fetched)
	assert.Equal(t, 2, summary.Totals.NewMessages)
	assert.Equal(t, 1, summary.Totals.NewInvites)

	assert.Equal(t, 1, syncer.callsFor(ok.ID))
	assert.Zero(t, syncer.callsFor(held.ID))
	assert.Zero(t, syncer.callsFor(inactive.ID))
}

func TestSyncAll_BoundsConcurrency(t *testing.T) {
	store := testutil.NewStore()
	for i := range 6 {
		store.AddAccount(model.Account{UserID: 1, Email: fmt.Sprintf("u%d@corp.com", i), Provider: model.ProviderIMAP, Active: true})
	}
	syncer := newFakeSyncer()
	syncer.delay = 20 * time.Millisecond

	summary, err := newScheduler(syncer, store, lease.NewLocalLocker(), 2).SyncAll(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 6, summary.Succeeded)
	assert.LessOrEqual(t, syncer.maxInflight, 2)
	assert.Equal(t, 2, syncer.maxInflight)
}
