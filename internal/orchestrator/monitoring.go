package orchestrator

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"go.avitoscout.tech/internal/common/health"
	"go.avitoscout.tech/internal/common/lifecycle"
	"go.avitoscout.tech/internal/proxypool"
)

// NewMonitoringServer builds the orchestrator's HTTP surface: liveness,
// readiness with a database ping, and Prometheus metrics.
func NewMonitoringServer(port int, db *sqlx.DB, pool *proxypool.Pool, fleet *Fleet) *lifecycle.HTTPService {
	checker := health.NewChecker()
	checker.AddReadinessCheck(health.PostgresCheck(db.Ping))
	checker.AddReadinessCheck(health.ProxyPoolCheck(pool))
	checker.AddLivenessCheck(func() health.Check {
		if err := fleet.Health(); err != nil {
			return health.Check{
				Name:   "worker-fleet",
				Status: health.StatusDown,
				Data:   map[string]any{"error": err.Error()},
			}
		}
		return health.Check{Name: "worker-fleet", Status: health.StatusUp}
	})

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", checker.HandleHealth)
	r.Get("/health/live", checker.HandleLive)
	r.Get("/health/ready", checker.HandleReady)
	r.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return lifecycle.NewHTTPService("monitoring", server)
}
