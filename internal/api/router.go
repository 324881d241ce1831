// Package api is the admin HTTP surface: event submission, subscriber
// management, alert status and the live-push socket.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/technosupport/vms-alerts/internal/auth"
	"github.com/technosupport/vms-alerts/internal/middleware"
	"github.com/technosupport/vms-alerts/internal/tokens"
)

// Deps wires the router. RateLimit, Blacklist, Store and Archive are
// optional.
type Deps struct {
	Engine     AlertEngine
	Registry   SubscriberRegistry
	Store      RecipientStore
	Stats      StatsSource
	Archive    ArchiveIndex
	Tokens     middleware.TokenValidator
	Blacklist  auth.TokenBlacklist
	RateLimit  *middleware.RateLimitMiddleware
	WebSocket  http.HandlerFunc
	Metrics    http.Handler
	Health     map[string]HealthCheck
	CORSOrigin []string
	Log        *zap.Logger
}

func NewRouter(d Deps) http.Handler {
	log := d.Log
	if log == nil {
		log = zap.NewNop()
	}

	alertsH := &AlertHandler{Engine: d.Engine, Log: log}
	subsH := &SubscriberHandler{Registry: d.Registry, Store: d.Store, Log: log}
	statsH := &StatsHandler{Stats: d.Stats, Archive: d.Archive, Log: log}
	healthH := &HealthHandler{Checks: d.Health}
	authH := &AuthHandler{Blacklist: d.Blacklist, Log: log}
	jwtAuth := middleware.NewJWTAuth(d.Tokens, d.Blacklist, log)

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestLogger(log))
	r.Use(middleware.CORS(d.CORSOrigin))

	r.Get("/healthz", healthH.Get)
	if d.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", d.Metrics)
	}
	if d.WebSocket != nil {
		r.Get("/ws", d.WebSocket)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(jwtAuth.Middleware)

		r.Post("/auth/revoke", authH.Revoke)

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireRole(tokens.RoleOperator))
			if d.RateLimit != nil {
				r.Use(d.RateLimit.Limit)
			}
			r.Post("/events", alertsH.SubmitEvent)
			r.Post("/watchlist-matches", alertsH.SubmitWatchlistMatch)
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireRole(tokens.RoleViewer))
			r.Get("/alerts/{id}", alertsH.Get)
			r.Get("/alerts/{id}/deliveries", alertsH.Deliveries)
			r.Get("/stats/channels", statsH.Channels)
			r.Get("/cameras/{camera_id}/archived-alerts", statsH.ArchivedAlerts)
		})

		r.With(middleware.RequireRole(tokens.RoleOperator)).Post("/alerts/{id}/cancel", alertsH.Cancel)

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireRole(tokens.RoleAdmin))
			r.Get("/subscribers", subsH.List)
			r.Post("/subscribers", subsH.Create)
			r.Delete("/subscribers/{id}", subsH.Delete)
		})
	})
	return r
}
