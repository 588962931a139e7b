package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"inviteflow/internal/model"
	"inviteflow/pkg/trace"
)

func testInvite() *model.Invite {
	start := time.Date(2024, 3, 5, 14, 0, 0, 0, time.UTC)
	return &model.Invite{ID: 3, Organizer: "boss@corp.com", Summary: "1:1 Sync", Start: start, End: start.Add(30 * time.Minute)}
}

func TestSuggest_UsesServiceAnswer(t *testing.T) {
	var got Request
	var gotTrace string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, decidePath, r.URL.Path)
		gotTrace = r.Header.Get(trace.HeaderName)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(Response{Response: "accept", Confidence: 0.92, Reason: "recurring 1:1"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, zap.NewNop())
	ctx := trace.WithContext(context.Background(), "trace-1")
	d, ok := c.Suggest(ctx, 7, testInvite())

	require.True(t, ok)
	assert.Equal(t, model.ResponseAccepted, d.Response)
	assert.InDelta(t, 0.92, d.Confidence, 1e-9)
	assert.Equal(t, model.SourceModel, d.Source)
	assert.Equal(t, "recurring 1:1", d.Reason)
	assert.Equal(t, int64(7), got.UserID)
	assert.Equal(t, "1:1 Sync", got.Summary)
	assert.Equal(t, "trace-1", gotTrace)
}

func TestSuggest_ClampsConfidence(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(Response{Response: "declined", Confidence: 4})
	}))
	defer srv.Close()

	d, ok := NewClient(srv.URL, time.Second, zap.NewNop()).Suggest(context.Background(), 1, testInvite())
	require.True(t, ok)
	assert.Equal(t, model.ResponseDeclined, d.Response)
	assert.Equal(t, 1.0, d.Confidence)
}

func TestSuggest_AbstainsOnInvalidResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(Response{Response: "ask", Confidence: 0.9})
	}))
	defer srv.Close()

	_, ok := NewClient(srv.URL, time.Second, zap.NewNop()).Suggest(context.Background(), 1, testInvite())
	assert.False(t, ok)
}

func TestSuggest_AbstainsWithoutURL(t *testing.T) {
	_, ok := NewClient("", time.Second, zap.NewNop()).Suggest(context.Background(), 1, testInvite())
	assert.False(t, ok)

	var nilClient *Client
	_, ok = nilClient.Suggest(context.Background(), 1, testInvite())
	assert.False(t, ok)
}

func TestSuggest_OpensCircuitAfterFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, zap.NewNop())
	for i := 0; i < 5; i++ {
		_, ok := c.Suggest(context.Background(), 1, testInvite())
		assert.False(t, ok)
	}
	assert.Equal(t, int32(3), calls.Load())
}

func TestSuggest_AbstainsOnTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	_, ok := NewClient(srv.URL, 20*time.Millisecond, zap.NewNop()).Suggest(context.Background(), 1, testInvite())
	assert.False(t, ok)
}
