package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	mqcontracts "inviteflow/contracts/mq"
	"inviteflow/internal/model"
	"inviteflow/internal/service/automation"
	"inviteflow/internal/service/execution"
	"inviteflow/internal/service/ingest"
	"inviteflow/internal/service/rules"
	"inviteflow/internal/testutil"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type mockAutomation struct{ mock.Mock }

func (m *mockAutomation) ListPending(ctx context.Context, userID int64) ([]*model.Invite, error) {
	args := m.Called(ctx, userID)
	invites, _ := args.Get(0).([]*model.Invite)
	return invites, args.Error(1)
}

func (m *mockAutomation) RunForUser(ctx context.Context, userID int64) (automation.SweepResult, error) {
	args := m.Called(ctx, userID)
	return args.Get(0).(automation.SweepResult), args.Error(1)
}

type mockOverrider struct{ mock.Mock }

func (m *mockOverrider) Override(ctx context.Context, userID, inviteID int64, status model.ResponseStatus, comment string) (*execution.Report, error) {
	args := m.Called(ctx, userID, inviteID, status, comment)
	report, _ := args.Get(0).(*execution.Report)
	return report, args.Error(1)
}

type mockSyncer struct{ mock.Mock }

func (m *mockSyncer) SyncAccount(ctx context.Context, accountID int64) (ingest.SyncResult, error) {
	args := m.Called(ctx, accountID)
	return args.Get(0).(ingest.SyncResult), args.Error(1)
}

type recordingPublisher struct {
	routingKey string
	payload    any
}

func (p *recordingPublisher) PublishWithContext(_ context.Context, routingKey string, payload any) error {
	p.routingKey = routingKey
	p.payload = payload
	return nil
}

type stubPinger struct{ err error }

func (p stubPinger) Ping(context.Context) error { return p.err }

type stubBroker bool

func (b stubBroker) IsConnected() bool { return bool(b) }

type stubOutbox struct{ limit int }

func (o *stubOutbox) ReplayFailed(_ context.Context, limit int) (int64, error) {
	o.limit = limit
	return 3, nil
}

func do(t *testing.T, r http.Handler, method, path, user, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestHealthAndReadiness(t *testing.T) {
	r := NewRouter(Deps{DB: stubPinger{}, Broker: stubBroker(true)}, zap.NewNop())
	assert.Equal(t, http.StatusOK, do(t, r, http.MethodGet, "/healthz", "", "").Code)
	assert.Equal(t, http.StatusOK, do(t, r, http.MethodGet, "/readyz", "", "").Code)
	assert.Equal(t, http.StatusOK, do(t, r, http.MethodGet, "/metrics", "", "").Code)

	r = NewRouter(Deps{DB: stubPinger{err: errors.New("down")}}, zap.NewNop())
	w := do(t, r, http.MethodGet, "/readyz", "", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "db_not_ready", decode(t, w)["status"])

	r = NewRouter(Deps{DB: stubPinger{}, Broker: stubBroker(false)}, zap.NewNop())
	assert.Equal(t, "mq_not_ready", decode(t, do(t, r, http.MethodGet, "/readyz", "", ""))["status"])
}

func TestRequireUser(t *testing.T) {
	auto := new(mockAutomation)
	r := NewRouter(Deps{Automation: auto}, zap.NewNop())

	assert.Equal(t, http.StatusUnauthorized, do(t, r, http.MethodGet, "/invites/pending", "", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, r, http.MethodGet, "/invites/pending", "abc", "").Code)
	auto.AssertNotCalled(t, "ListPending", mock.Anything, mock.Anything)
}

func TestRoutesNotRegisteredWithoutDeps(t *testing.T) {
	r := NewRouter(Deps{}, zap.NewNop())
	assert.Equal(t, http.StatusNotFound, do(t, r, http.MethodGet, "/rules", "1", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, r, http.MethodPost, "/sweep", "1", "").Code)
}

func TestListPendingAndSweep(t *testing.T) {
	auto := new(mockAutomation)
	auto.On("ListPending", mock.Anything, int64(7)).Return([]*model.Invite{{ID: 1, UserID: 7, Summary: "1:1"}}, nil)
	auto.On("RunForUser", mock.Anything, int64(7)).Return(automation.SweepResult{Processed: 2, Executed: 1, Deferred: 1}, nil).Once()
	auto.On("RunForUser", mock.Anything, int64(7)).Return(automation.SweepResult{}, model.ErrLeaseHeld).Once()
	r := NewRouter(Deps{Automation: auto}, zap.NewNop())

	w := do(t, r, http.MethodGet, "/invites/pending", "7", "")
	require.Equal(t, http.StatusOK, w.Code)
	invites := decode(t, w)["invites"].([]any)
	require.Len(t, invites, 1)
	assert.Equal(t, "1:1", invites[0].(map[string]any)["summary"])

	w = do(t, r, http.MethodPost, "/sweep", "7", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decode(t, w)["result"].(map[string]any)["executed"])

	assert.Equal(t, http.StatusConflict, do(t, r, http.MethodPost, "/sweep", "7", "").Code)
}

func TestOverride(t *testing.T) {
	ov := new(mockOverrider)
	ov.On("Override", mock.Anything, int64(7), int64(5), model.ResponseAccepted, "see you").
		Return(&execution.Report{InviteID: 5, Response: model.ResponseAccepted}, nil)
	ov.On("Override", mock.Anything, int64(7), int64(6), model.ResponseDeclined, "").
		Return(nil, model.ErrAlreadyResponded)
	ov.On("Override", mock.Anything, int64(7), int64(8), model.ResponseDeclined, "").
		Return(nil, model.ErrInviteNotFound)
	r := NewRouter(Deps{Overrides: ov}, zap.NewNop())

	w := do(t, r, http.MethodPost, "/invites/5/rsvp", "7", `{"response":"accept","comment":"see you"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "accepted", decode(t, w)["report"].(map[string]any)["response"])

	assert.Equal(t, http.StatusConflict, do(t, r, http.MethodPost, "/invites/6/rsvp", "7", `{"response":"declined"}`).Code)
	assert.Equal(t, http.StatusNotFound, do(t, r, http.MethodPost, "/invites/8/rsvp", "7", `{"response":"decline"}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, r, http.MethodPost, "/invites/5/rsvp", "7", `{"response":"perhaps"}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, r, http.MethodPost, "/invites/x/rsvp", "7", `{"response":"accept"}`).Code)
}

func TestRulesCRUD(t *testing.T) {
	store := testutil.NewStore()
	r := NewRouter(Deps{Rules: rules.NewService(store, zap.NewNop())}, zap.NewNop())

	body := `{"name":"Decline standups","priority":10,"enabled":true,
		"conditions":{"subject_pattern":"standup"},
		"action":{"response":"decline","archive":true}}`
	w := do(t, r, http.MethodPost, "/rules", "7", body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode(t, w)["rule"].(map[string]any)
	id := int64(created["id"].(float64))
	assert.EqualValues(t, 7, created["user_id"])

	w = do(t, r, http.MethodGet, "/rules", "7", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["rules"].([]any), 1)

	// another user cannot see it
	assert.Equal(t, http.StatusNotFound, do(t, r, http.MethodGet, "/rules/"+itoa(id), "8", "").Code)

	w = do(t, r, http.MethodPut, "/rules/"+itoa(id), "7",
		`{"name":"Decline standups","priority":20,"enabled":false,"action":{"response":"decline"}}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	got, err := store.Get(context.Background(), 7, id)
	require.NoError(t, err)
	assert.Equal(t, 20, got.Priority)
	assert.False(t, got.Enabled)

	w = do(t, r, http.MethodPost, "/rules", "7", `{"name":"bad","action":{"response":"maybe"}}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	assert.Equal(t, http.StatusNoContent, do(t, r, http.MethodDelete, "/rules/"+itoa(id), "7", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, r, http.MethodDelete, "/rules/"+itoa(id), "7", "").Code)
}

func TestGetStats(t *testing.T) {
	store := testutil.NewStore()
	ctx := context.Background()
	require.NoError(t, store.IncrementStats(ctx, 7, time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC), 2, 4))
	require.NoError(t, store.IncrementStats(ctx, 7, time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC), 1, 2))
	require.NoError(t, store.IncrementStats(ctx, 7, time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC), 5, 10))
	r := NewRouter(Deps{Stats: store}, zap.NewNop())

	w := do(t, r, http.MethodGet, "/stats?from=2026-03-01&to=2026-03-31", "7", "")
	require.Equal(t, http.StatusOK, w.Code)
	out := decode(t, w)
	assert.EqualValues(t, 3, out["actions_count"])
	assert.EqualValues(t, 6, out["minutes_saved"])
	assert.Len(t, out["days"].([]any), 2)

	assert.Equal(t, http.StatusBadRequest, do(t, r, http.MethodGet, "/stats?from=03/01/2026", "7", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, r, http.MethodGet, "/stats?from=2026-03-31&to=2026-03-01", "7", "").Code)
}

func TestSyncAccount_Inline(t *testing.T) {
	store := testutil.NewStore()
	acc := store.AddAccount(model.Account{UserID: 7, Email: "me@example.com", Active: true})
	syncer := new(mockSyncer)
	syncer.On("SyncAccount", mock.Anything, acc.ID).Return(ingest.SyncResult{Fetched: 3, NewInvites: 1}, nil)
	r := NewRouter(Deps{Accounts: store.Accounts(), Syncer: syncer}, zap.NewNop())

	w := do(t, r, http.MethodPost, "/accounts/"+itoa(acc.ID)+"/sync", "7", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 3, decode(t, w)["result"].(map[string]any)["fetched"])

	// someone else's account
	assert.Equal(t, http.StatusNotFound, do(t, r, http.MethodPost, "/accounts/"+itoa(acc.ID)+"/sync", "8", "").Code)
	syncer.AssertNumberOfCalls(t, "SyncAccount", 1)
}

func TestSyncAccount_Published(t *testing.T) {
	store := testutil.NewStore()
	acc := store.AddAccount(model.Account{UserID: 7, Email: "me@example.com", Active: true})
	pub := &recordingPublisher{}
	r := NewRouter(Deps{Accounts: store.Accounts(), SyncRequester: pub}, zap.NewNop())

	w := do(t, r, http.MethodPost, "/accounts/"+itoa(acc.ID)+"/sync", "7", "")
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, mqcontracts.RoutingAccountSyncRequested, pub.routingKey)
	payload := pub.payload.(mqcontracts.AccountSyncRequestedPayload)
	assert.Equal(t, acc.ID, payload.AccountID)
	assert.NotEmpty(t, payload.TraceID)
}

func TestReplayOutbox(t *testing.T) {
	ob := &stubOutbox{}
	r := NewRouter(Deps{Outbox: ob}, zap.NewNop())

	w := do(t, r, http.MethodPost, "/admin/outbox/replay?limit=10", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 3, decode(t, w)["replayed"])
	assert.Equal(t, 10, ob.limit)

	assert.Equal(t, http.StatusBadRequest, do(t, r, http.MethodPost, "/admin/outbox/replay?limit=-1", "", "").Code)
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}
