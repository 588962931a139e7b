// Package httpserver is the operational HTTP surface of the inviteflow binaries.
package httpserver

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"inviteflow/internal/model"
	"inviteflow/internal/service/automation"
	"inviteflow/internal/service/execution"
	"inviteflow/internal/service/ingest"
	"inviteflow/pkg/otel"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

type BrokerStatus interface {
	IsConnected() bool
}

type AccountLookup interface {
	GetByID(ctx context.Context, id int64) (*model.Account, error)
}

type AccountSyncer interface {
	SyncAccount(ctx context.Context, accountID int64) (ingest.SyncResult, error)
}

// SyncRequester publishes account.sync.requested for binaries that do not sync themselves.
type SyncRequester interface {
	PublishWithContext(ctx context.Context, routingKey string, payload any) error
}

type Automation interface {
	ListPending(ctx context.Context, userID int64) ([]*model.Invite, error)
	RunForUser(ctx context.Context, userID int64) (automation.SweepResult, error)
}

type Overrider interface {
	Override(ctx context.Context, userID, inviteID int64, status model.ResponseStatus, comment string) (*execution.Report, error)
}

type RuleService interface {
	List(ctx context.Context, userID int64) ([]*model.Rule, error)
	Get(ctx context.Context, userID, id int64) (*model.Rule, error)
	Create(ctx context.Context, userID int64, rule *model.Rule) error
	Update(ctx context.Context, userID, id int64, rule *model.Rule) error
	Delete(ctx context.Context, userID, id int64) error
}

type StatsReader interface {
	GetStats(ctx context.Context, userID int64, from, to time.Time) ([]model.AutomationStats, error)
}

type OutboxReplayer interface {
	ReplayFailed(ctx context.Context, limit int) (int64, error)
}

// Deps are the collaborators behind the routes. Routes whose collaborator
// is nil are not registered, so each binary exposes what it runs.
type Deps struct {
	DB     Pinger
	Broker BrokerStatus

	Accounts      AccountLookup
	Syncer        AccountSyncer
	SyncRequester SyncRequester

	Automation Automation
	Overrides  Overrider
	Rules      RuleService
	Stats      StatsReader
	Outbox     OutboxReplayer
}

func NewRouter(deps Deps, logger *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(logger), otel.GinMiddleware())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})
	r.HEAD("/healthz", func(c *gin.Context) {
		c.Status(200)
	})

	r.GET("/readyz", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 1*time.Second)
		defer cancel()

		if deps.DB != nil {
			if err := deps.DB.Ping(ctx); err != nil {
				c.JSON(500, gin.H{"status": "db_not_ready", "error": err.Error()})
				return
			}
		}
		if deps.Broker != nil && !deps.Broker.IsConnected() {
			c.JSON(500, gin.H{"status": "mq_not_ready"})
			return
		}
		c.JSON(200, gin.H{"status": "ready"})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	h := &handlers{deps: deps, logger: logger}

	if deps.Outbox != nil {
		r.POST("/admin/outbox/replay", h.ReplayOutbox)
	}

	user := r.Group("/", requireUser())
	if deps.Accounts != nil && (deps.Syncer != nil || deps.SyncRequester != nil) {
		user.POST("/accounts/:id/sync", h.SyncAccount)
	}
	if deps.Automation != nil {
		user.GET("/invites/pending", h.ListPending)
		user.POST("/sweep", h.Sweep)
	}
	if deps.Overrides != nil {
		user.POST("/invites/:id/rsvp", h.Override)
	}
	if deps.Stats != nil {
		user.GET("/stats", h.GetStats)
	}
	if deps.Rules != nil {
		user.GET("/rules", h.ListRules)
		user.GET("/rules/:id", h.GetRule)
		user.POST("/rules", h.CreateRule)
		user.PUT("/rules/:id", h.UpdateRule)
		user.DELETE("/rules/:id", h.DeleteRule)
	}

	return r
}
