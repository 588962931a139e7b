package db

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"inviteflow/pkg/config"
	"inviteflow/pkg/otel"
)

func TestSlowQueryTracer_LogsOnlySlowQueries(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	tracer := NewSlowQueryTracer(zap.New(core), time.Nanosecond)

	ctx := tracer.TraceQueryStart(context.Background(), nil, pgx.TraceQueryStartData{SQL: "SELECT\n  1"})
	time.Sleep(time.Millisecond)
	tracer.TraceQueryEnd(ctx, nil, pgx.TraceQueryEndData{CommandTag: pgconn.NewCommandTag("SELECT 1")})

	entries := logs.FilterMessage("slow-query").All()
	if assert.Len(t, entries, 1) {
		assert.Equal(t, "SELECT 1", entries[0].ContextMap()["sql"])
	}

	fast := NewSlowQueryTracer(zap.New(core), time.Hour)
	ctx = fast.TraceQueryStart(context.Background(), nil, pgx.TraceQueryStartData{SQL: "SELECT 2"})
	fast.TraceQueryEnd(ctx, nil, pgx.TraceQueryEndData{})
	assert.Len(t, logs.FilterMessage("slow-query").All(), 1)
}

func TestSlowQueryTracer_WithoutStartIsIgnored(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	tracer := NewSlowQueryTracer(zap.New(core), 0)
	tracer.TraceQueryEnd(context.Background(), nil, pgx.TraceQueryEndData{})
	assert.Zero(t, logs.Len())
}

func TestCommandOf(t *testing.T) {
	assert.Equal(t, "update", commandOf("UPDATE invites SET"))
	assert.Equal(t, "unknown", commandOf(""))
}

func TestDSN(t *testing.T) {
	dsn := DSN(config.DBConfig{Host: "db", Port: 5432, User: "app", Password: "p@ss", Name: "invites"})
	assert.Equal(t, "postgres://app:p%40ss@db:5432/invites?sslmode=disable", dsn)
}

func TestQueryTracers_ChainKeepsEachTracersState(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	chain := queryTracers{otel.QueryTracer{}, NewSlowQueryTracer(zap.New(core), time.Nanosecond)}

	ctx := chain.TraceQueryStart(context.Background(), nil, pgx.TraceQueryStartData{SQL: "UPDATE invites SET responded = true"})
	time.Sleep(time.Millisecond)
	chain.TraceQueryEnd(ctx, nil, pgx.TraceQueryEndData{CommandTag: pgconn.NewCommandTag("UPDATE 1")})

	assert.Equal(t, 1, logs.FilterMessage("slow-query").Len())
}
