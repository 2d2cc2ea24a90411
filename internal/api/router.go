package api

import (
	"github.com/ghaph/auto-middleman/internal/api/handler"
	"github.com/ghaph/auto-middleman/internal/api/middleware"
	"github.com/ghaph/auto-middleman/internal/ledger"
	"github.com/ghaph/auto-middleman/internal/store"
	"github.com/ghaph/auto-middleman/internal/ticket"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Router wires the operator HTTP surface: health probes, metrics and the
// read/admin endpoints over the ledger and the ticket engine.
type Router struct {
	store  store.Store
	redis  *redis.Client
	ledger *ledger.Ledger
	engine *ticket.Engine
	logger *zap.Logger

	PublicRPS int
	AuthRPS   int
}

func NewRouter(st store.Store, rdb *redis.Client, lg *ledger.Ledger, eng *ticket.Engine, logger *zap.Logger) *Router {
	return &Router{
		store:     st,
		redis:     rdb,
		ledger:    lg,
		engine:    eng,
		logger:    logger,
		PublicRPS: 20,
		AuthRPS:   50,
	}
}

func (api *Router) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.TraceMiddleware)
	r.Use(middleware.RecoverMiddleware(api.logger))
	r.Use(middleware.LoggingMiddleware(api.logger))
	r.Use(middleware.MetricsMiddleware)

	healthHandler := handler.NewHealthHandler(api.store, api.redis)
	txnHandler := handler.NewTransactionHandler(api.ledger, api.store)
	ticketHandler := handler.NewTicketHandler(api.engine, api.store)

	// Public routes
	r.Group(func(r chi.Router) {
		r.Use(middleware.PublicRateLimiter(api.PublicRPS))
		r.Get("/healthz", healthHandler.Live)
		r.Get("/readyz", healthHandler.Ready)
	})
	r.Handle("/metrics", promhttp.Handler())

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(middleware.AuthMiddleware)
		r.Use(middleware.AuthRateLimiter(api.AuthRPS))

		r.Get("/v1/transactions", txnHandler.List)
		r.Get("/v1/transactions/{id}", txnHandler.Get)
		r.With(middleware.RequireRole("admin")).Post("/v1/transactions/{id}/finalize", txnHandler.Finalize)

		r.Get("/v1/tickets", ticketHandler.List)
		r.Get("/v1/tickets/{id}", ticketHandler.Get)
	})

	return r
}
