// Package api serves the webhook endpoint and the authenticated read API.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"signal-core/internal/dispatch"
	"signal-core/internal/events"
	"signal-core/internal/gateway"
	"signal-core/internal/health"
	"signal-core/internal/monitor"
	"signal-core/internal/order"
	"signal-core/internal/position"
	"signal-core/internal/scheduler"
	"signal-core/internal/signal"
	"signal-core/pkg/db"
)

// UserStore is the user data the API reads and audits into.
type UserStore interface {
	SettingsForUser(ctx context.Context, userID string) (db.Settings, error)
	RecordWebhookEvent(ctx context.Context, e db.WebhookEvent) error
	MarkWebhookProcessed(ctx context.Context, id, outcome string) error
	WebhookEventsByUser(ctx context.Context, userID string, limit int) ([]db.WebhookEvent, error)
}

// Positions is the read side of the position store.
type Positions interface {
	Ready(ctx context.Context) error
	ListByUser(ctx context.Context, userID string, status position.Status, limit int) ([]position.Position, error)
	TradesByUser(ctx context.Context, userID string, limit int) ([]position.Trade, error)
}

// Dispatcher executes signals.
type Dispatcher interface {
	Submit(ctx context.Context, sig signal.TradeSignal, settings db.Settings) (<-chan dispatch.Result, error)
	Dispatch(ctx context.Context, sig signal.TradeSignal, settings db.Settings) (dispatch.Outcome, error)
	Stats() dispatch.Stats
}

// Deps are the collaborators behind the HTTP surface. Monitor, Health,
// Gateways, Scheduler, Ledger and Bus are optional.
type Deps struct {
	Users      UserStore
	Intake     *signal.Intake
	Dispatcher Dispatcher
	Positions  Positions
	Ledger     *order.Ledger
	Monitor    interface {
		Metrics() monitor.MetricsSnapshot
		Health() []monitor.DegradedPosition
	}
	Health    interface{ Last() *health.Snapshot }
	Gateways  interface{ Stats() gateway.PoolStats }
	Scheduler interface {
		Stats() map[string]scheduler.TaskStats
	}
	Bus *events.Bus

	JWTSecret              string
	WebhookRatePerMinute   int
	WebhookResponseTimeout time.Duration
	Version                string
}

// Server wires HTTP endpoints.
type Server struct {
	Router *gin.Engine
	deps   Deps
	log    *zap.Logger

	ipLimiter    *KeyedLimiter
	tokenLimiter *KeyedLimiter
	started      time.Time
}

// NewServer builds the router and its middleware stack.
func NewServer(deps Deps, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	if deps.WebhookRatePerMinute <= 0 {
		deps.WebhookRatePerMinute = 60
	}
	if deps.WebhookResponseTimeout <= 0 {
		deps.WebhookResponseTimeout = 20 * time.Second
	}
	log = log.Named("api")

	r := gin.New()
	s := &Server{
		Router:       r,
		deps:         deps,
		log:          log,
		ipLimiter:    NewKeyedLimiter(20, 50),
		tokenLimiter: NewPerMinuteLimiter(deps.WebhookRatePerMinute),
		started:      time.Now(),
	}

	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger(log))
	r.Use(RateLimitMiddleware(s.ipLimiter, log))
	r.Use(CORSMiddleware())
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/ws", s.websocket)
	s.Router.POST("/webhook/:token", s.webhook)

	api := s.Router.Group("/api")
	{
		api.GET("/metrics", s.getMetrics)

		protected := api.Group("")
		protected.Use(AuthMiddleware(s.deps.JWTSecret))
		{
			protected.GET("/settings", s.getSettings)
			protected.GET("/positions", s.getPositions)
			protected.POST("/positions/:symbol/close", s.closePosition)
			protected.GET("/trades", s.getTrades)
			protected.GET("/webhooks", s.getWebhookEvents)
			protected.GET("/paper/ledger", s.getPaperLedger)
		}
	}
}

// Handler exposes the router for an http.Server.
func (s *Server) Handler() http.Handler { return s.Router }

// CleanupLimiters drops rate limiters idle for longer than maxIdle.
func (s *Server) CleanupLimiters(maxIdle time.Duration) int {
	return s.ipLimiter.Cleanup(maxIdle) + s.tokenLimiter.Cleanup(maxIdle)
}

func (s *Server) health(c *gin.Context) {
	body := gin.H{
		"status": "ok",
		"uptime": time.Since(s.started).Round(time.Second).String(),
	}
	if s.deps.Version != "" {
		body["version"] = s.deps.Version
	}
	code := http.StatusOK
	if s.deps.Positions != nil {
		if err := s.deps.Positions.Ready(c.Request.Context()); err != nil {
			body["status"] = "degraded"
			body["store"] = err.Error()
			code = http.StatusServiceUnavailable
		}
	}
	if s.deps.Health != nil {
		if snap := s.deps.Health.Last(); snap != nil {
			body["last_check"] = snap
		}
	}
	if s.deps.Monitor != nil {
		if degraded := s.deps.Monitor.Health(); len(degraded) > 0 {
			body["degraded_positions"] = degraded
		}
	}
	c.JSON(code, body)
}

func respondError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, gin.H{
		"success":    false,
		"error_code": code,
		"error":      msg,
	})
}
