// Package agent calls the external model-assisted decision service.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"inviteflow/internal/model"
	"inviteflow/pkg/circuitbreaker"
	"inviteflow/pkg/logger"
	"inviteflow/pkg/metrics"
	"inviteflow/pkg/trace"
)

const decidePath = "/rsvp/decide"

type Client struct {
	baseURL    string
	httpClient *http.Client
	cb         *circuitbreaker.CircuitBreaker
	logger     *zap.Logger
}

func NewClient(baseURL string, timeout time.Duration, logger *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	cbConfig := circuitbreaker.DefaultConfig()
	cbConfig.FailureThreshold = 3
	cb := circuitbreaker.NewCircuitBreaker("agent", cbConfig)
	cb.OnStateChange = func(name string, from, to circuitbreaker.State) {
		logger.Warn("Circuit breaker state changed",
			zap.String("breaker", name),
			zap.String("from", from.String()),
			zap.String("to", to.String()),
		)
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		cb:         cb,
		logger:     logger,
	}
}

// Request is the invite context sent to the decision service.
type Request struct {
	UserID        int64     `json:"user_id"`
	InviteID      int64     `json:"invite_id"`
	Organizer     string    `json:"organizer"`
	Summary       string    `json:"summary"`
	Location      string    `json:"location,omitempty"`
	Start         time.Time `json:"start"`
	End           time.Time `json:"end"`
	AttendeeCount int       `json:"attendee_count"`
}

// Response is the decision service answer.
type Response struct {
	Response   string  `json:"response"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
}

// Suggest asks the decision service about inv. It abstains (ok false) when
// the service is not configured, unreachable, open-circuited or returns an
// answer outside accept/decline/tentative.
func (c *Client) Suggest(ctx context.Context, userID int64, inv *model.Invite) (model.Decision, bool) {
	if c == nil || c.baseURL == "" {
		return model.Decision{}, false
	}
	log := logger.WithTrace(ctx, c.logger).With(zap.Int64("invite_id", inv.ID))

	var resp Response
	err := c.cb.Execute(func() error {
		var err error
		resp, err = c.call(ctx, Request{
			UserID:        userID,
			InviteID:      inv.ID,
			Organizer:     inv.Organizer,
			Summary:       inv.Summary,
			Location:      inv.Location,
			Start:         inv.Start,
			End:           inv.End,
			AttendeeCount: inv.AttendeeCount,
		})
		return err
	})
	if err != nil {
		log.Warn("Decision service unavailable, abstaining", zap.Error(err))
		return model.Decision{}, false
	}

	status, err := model.ParseResponseStatus(strings.ToLower(strings.TrimSpace(resp.Response)))
	if err != nil {
		log.Warn("Decision service returned invalid response, abstaining", zap.String("response", resp.Response))
		return model.Decision{}, false
	}

	reason := resp.Reason
	if reason == "" {
		reason = "model suggestion"
	}
	return model.Decision{
		Response:   status,
		Confidence: clamp(resp.Confidence),
		Reason:     reason,
		Source:     model.SourceModel,
	}, true
}

func (c *Client) call(ctx context.Context, in Request) (Response, error) {
	var out Response
	start := time.Now()

	b, err := json.Marshal(in)
	if err != nil {
		return out, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+decidePath, bytes.NewReader(b))
	if err != nil {
		return out, err
	}
	req.Header.Set("Content-Type", "application/json")
	if traceID := trace.FromContext(ctx); traceID != "" {
		req.Header.Set(trace.HeaderName, traceID)
	}

	resp, err := c.httpClient.Do(req)
	latency := time.Since(start)
	if err != nil {
		metrics.RecordAgentCallLatency(decidePath, "error", latency)
		return out, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		metrics.RecordAgentCallLatency(decidePath, fmt.Sprintf("%d", resp.StatusCode), latency)
		return out, fmt.Errorf("decision service status %d", resp.StatusCode)
	}
	metrics.RecordAgentCallLatency(decidePath, "success", latency)

	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return out, fmt.Errorf("failed to decode decision: %w", err)
	}
	return out, nil
}

func clamp(v float64) float64 {
	switch {
	case v < 0 || math.IsNaN(v):
		return 0
	case v > 1:
		return 1
	}
	return v
}
