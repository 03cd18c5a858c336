package ingest

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/rs/zerolog"
)

const (
	defaultMaxBodyBytes = 4 << 20
	defaultRetryAfter   = 5 * time.Second
	defaultRateWindow   = time.Minute

	reportIDHeader = "X-Report-ID"
)

// Config controls runtime behaviour for the ingestion endpoint.
type Config struct {
	MaxBodyBytes int64
	// RetryAfter is advertised to agents on transient failures.
	RetryAfter time.Duration
	// RateLimit is the number of submissions allowed per client IP per
	// RateWindow. Zero disables limiting.
	RateLimit  int
	RateWindow time.Duration
	// Metrics, when set, is served at GET /metrics.
	Metrics http.Handler
	// Middleware wraps every route, typically request tracing and logging.
	Middleware func(http.Handler) http.Handler
}

// ReportPublisher delivers a validated report. *Publisher implements it.
type ReportPublisher interface {
	Publish(ctx context.Context, r Report) Outcome
}

// Readiness reports whether the broker connection is usable.
// *broker.Manager implements it.
type Readiness interface {
	EnsureReady() error
}

// API serves the ingestion endpoint.
type API struct {
	publisher ReportPublisher
	ready     Readiness
	observer  Observer
	logger    zerolog.Logger
	config    Config
}

// New initialises the endpoint with defaults applied to cfg. A nil observer
// discards events.
func New(publisher ReportPublisher, ready Readiness, observer Observer, logger zerolog.Logger, cfg Config) (*API, error) {
	if publisher == nil {
		return nil, errors.New("publisher is required")
	}
	if ready == nil {
		return nil, errors.New("readiness check is required")
	}
	if observer == nil {
		observer = nopObserver{}
	}

	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if cfg.RetryAfter <= 0 {
		cfg.RetryAfter = defaultRetryAfter
	}
	if cfg.RateLimit < 0 {
		return nil, errors.New("rate limit must not be negative")
	}
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = defaultRateWindow
	}

	return &API{
		publisher: publisher,
		ready:     ready,
		observer:  observer,
		logger:    logger,
		config:    cfg,
	}, nil
}

// Routes constructs the chi router containing all endpoints.
func (a *API) Routes() (http.Handler, error) {
	if a == nil {
		return nil, errors.New("nil api")
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	if a.config.Middleware != nil {
		r.Use(a.config.Middleware)
	}
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", a.handleReady)
	if a.config.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", a.config.Metrics)
	}

	r.Group(func(r chi.Router) {
		if a.config.RateLimit > 0 {
			r.Use(httprate.Limit(a.config.RateLimit, a.config.RateWindow,
				httprate.WithKeyFuncs(httprate.KeyByIP),
				httprate.WithLimitHandler(func(w http.ResponseWriter, _ *http.Request) {
					respondError(w, http.StatusTooManyRequests, "rate_limited")
				}),
			))
		}
		r.Post("/systeminfo", a.handleSystemInfo)
		r.Post("/v1/systeminfo", a.handleSystemInfo)
	})

	return r, nil
}

func (a *API) handleReady(w http.ResponseWriter, _ *http.Request) {
	if err := a.ready.EnsureReady(); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(err.Error()))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
