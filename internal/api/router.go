// Package api exposes the offload manager over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	offload "github.com/nathanaelhub/portfolio-optimization-dashboard-sub001"
	"github.com/nathanaelhub/portfolio-optimization-dashboard-sub001/core"
)

// Service is the part of *offload.Manager the HTTP layer drives.
type Service interface {
	Submit(ctx context.Context, req core.Request, opts ...offload.SubmitOption) (*offload.Response, error)
	GetPerformanceStats(ctx context.Context) (*offload.PerformanceStats, error)
	ClearCache(ctx context.Context) error
	Status() core.PoolStatus
	Units() []core.UnitStatus
}

var _ Service = (*offload.Manager)(nil)

// RouterOptions configures NewRouter.
type RouterOptions struct {
	Logger core.Logger

	// Gatherer backs GET /metrics; nil leaves the route unmounted.
	Gatherer prometheus.Gatherer

	// RequestTimeout bounds every request. Zero means no bound.
	RequestTimeout time.Duration
}

// NewRouter creates the chi router.
//
// Routes:
//   - POST /v1/optimize
//   - POST /v1/monte-carlo
//   - POST /v1/metrics
//   - GET  /v1/stats
//   - POST /v1/cache/clear
//   - GET  /v1/status
//   - GET  /healthz
//   - GET  /metrics
func NewRouter(svc Service, opts RouterOptions) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = core.NewNoOpLogger()
	}
	h := &Handler{svc: svc, logger: logger}

	r := chi.NewRouter()

	// Middleware stack - order matters
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(logger))
	r.Use(middleware.Recoverer)
	if opts.RequestTimeout > 0 {
		r.Use(middleware.Timeout(opts.RequestTimeout))
	}

	r.Get("/healthz", h.Health)
	if opts.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/v1", func(r chi.Router) {
		r.Post("/optimize", h.Optimize)
		r.Post("/monte-carlo", h.MonteCarlo)
		r.Post("/metrics", h.Metrics)
		r.Get("/stats", h.Stats)
		r.Post("/cache/clear", h.ClearCache)
		r.Get("/status", h.Status)
	})

	return r
}

func requestLogger(logger core.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			next.ServeHTTP(ww, r)

			logger.Debug("http request",
				core.F("method", r.Method),
				core.F("path", r.URL.Path),
				core.F("status", ww.Status()),
				core.F("request_id", middleware.GetReqID(r.Context())),
				core.F(core.KeyDuration, float64(time.Since(start))/float64(time.Millisecond)),
			)
		})
	}
}
