package mq

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"inviteflow/pkg/trace"
	"inviteflow/pkg/util"
)

type fakeAck struct {
	acks    int
	nacks   int
	requeue bool
}

func (f *fakeAck) Ack(bool) error { f.acks++; return nil }
func (f *fakeAck) Nack(_ bool, requeue bool) error {
	f.nacks++
	f.requeue = requeue
	return nil
}

type dlqRecorder struct {
	bodies [][]byte
	err    error
}

func (r *dlqRecorder) publish(_ context.Context, body []byte, _ amqp091.Table, _ error) error {
	r.bodies = append(r.bodies, body)
	return r.err
}

func newDispatch(h MessageHandler, dlq *dlqRecorder) *dispatch {
	return &dispatch{
		queue:      "q",
		routingKey: "invite.detected",
		handler:    h,
		deadLetter: dlq.publish,
		logger:     zap.NewNop(),
	}
}

func TestDispatch_AckOnSuccessWithTraceHeader(t *testing.T) {
	var seen string
	d := newDispatch(func(ctx context.Context, _ json.RawMessage) error {
		seen = trace.FromContext(ctx)
		return nil
	}, &dlqRecorder{})

	ack := &fakeAck{}
	d.handle(context.Background(), []byte(`{}`), amqp091.Table{trace.HeaderName: "t-1"}, ack)

	assert.Equal(t, 1, ack.acks)
	assert.Zero(t, ack.nacks)
	assert.Equal(t, "t-1", seen)
}

func TestDispatch_RetryableErrorRequeues(t *testing.T) {
	dlq := &dlqRecorder{}
	d := newDispatch(func(context.Context, json.RawMessage) error {
		return context.DeadlineExceeded
	}, dlq)

	ack := &fakeAck{}
	d.handle(context.Background(), []byte(`{}`), nil, ack)

	assert.Equal(t, 1, ack.nacks)
	assert.True(t, ack.requeue)
	assert.Empty(t, dlq.bodies)
}

func TestDispatch_PermanentErrorDeadLetters(t *testing.T) {
	dlq := &dlqRecorder{}
	d := newDispatch(func(context.Context, json.RawMessage) error {
		return util.Permanent(errors.New("bad payload"))
	}, dlq)

	ack := &fakeAck{}
	d.handle(context.Background(), []byte(`{"x":1}`), nil, ack)

	assert.Equal(t, 1, ack.acks)
	require.Len(t, dlq.bodies, 1)
	assert.JSONEq(t, `{"x":1}`, string(dlq.bodies[0]))
}

func TestDispatch_DLQFailureRequeues(t *testing.T) {
	dlq := &dlqRecorder{err: errors.New("channel closed")}
	d := newDispatch(func(context.Context, json.RawMessage) error {
		return util.Permanent(errors.New("bad payload"))
	}, dlq)

	ack := &fakeAck{}
	d.handle(context.Background(), nil, nil, ack)

	assert.Zero(t, ack.acks)
	assert.Equal(t, 1, ack.nacks)
	assert.True(t, ack.requeue)
}

func TestDispatch_PanicIsDeadLettered(t *testing.T) {
	dlq := &dlqRecorder{}
	d := newDispatch(func(context.Context, json.RawMessage) error {
		panic("nil map")
	}, dlq)

	ack := &fakeAck{}
	assert.NotPanics(t, func() { d.handle(context.Background(), []byte(`{}`), nil, ack) })
	assert.Equal(t, 1, ack.acks)
	assert.Len(t, dlq.bodies, 1)
}
