// Package api exposes the CMP authentication engine over HTTP.
package api

import (
	"context"
	_ "embed"
	"log/slog"
	"net/http"
	"net/netip"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/go-openapi/runtime/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/jmcleod/cmpauth/auth"
)

// Evaluator authenticates one CMP request. *auth.Engine implements it.
type Evaluator interface {
	Evaluate(ctx context.Context, req auth.Request) auth.Outcome
}

// API holds the dependencies needed by the REST handlers.
type API struct {
	engine         Evaluator
	aliases        auth.AliasSource
	operator       auth.Principal
	audit          *auditLogger
	rejections     *rejectionLimiter
	requests       *requestLimiter
	metrics        *outcomeMetrics
	registry       *prometheus.Registry
	trustedProxies []netip.Prefix
	maxBodyBytes   int64
	alertFn        AlertFunc
	webhook        *auditWebhook
	alertHook      *auditWebhook
	logger         *slog.Logger
}

//go:embed openapi.yaml
var openapiSpec []byte

const defaultMaxBodyBytes = 1 << 20

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the structured logger for audit events.
// If not set, a default JSON logger writing to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) {
		a.logger = logger
	}
}

// WithOperator sets the administrator identity requests are evaluated under.
func WithOperator(p auth.Principal) Option {
	return func(a *API) {
		a.operator = p
	}
}

// WithTrustedProxies sets CIDR ranges whose forwarding headers are honored
// when determining the client address.
func WithTrustedProxies(prefixes []netip.Prefix) Option {
	return func(a *API) {
		a.trustedProxies = prefixes
	}
}

// WithRateLimit enables a per-client token bucket on the CMP endpoint.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(a *API) {
		if perSecond > 0 {
			a.requests = newRequestLimiter(perSecond, burst)
		}
	}
}

// WithMaxBodyBytes caps the accepted request body size.
func WithMaxBodyBytes(n int64) Option {
	return func(a *API) {
		if n > 0 {
			a.maxBodyBytes = n
		}
	}
}

// WithAlertFunc registers a callback for rejection spikes.
func WithAlertFunc(fn AlertFunc) Option {
	return func(a *API) {
		a.alertFn = fn
	}
}

// WithAuditWebhook forwards audit events to url. authHeader has the form
// "Header: Value" and may be empty.
func WithAuditWebhook(url, authHeader string) Option {
	return func(a *API) {
		if url != "" {
			a.webhook = newAuditWebhook(url, authHeader)
		}
	}
}

// WithAlertWebhook posts spike alerts to url in addition to any AlertFunc.
func WithAlertWebhook(url string) Option {
	return func(a *API) {
		if url != "" {
			a.alertHook = newAuditWebhook(url, "")
		}
	}
}

// WithRegistry sets the Prometheus registry outcome metrics are registered
// with. A private registry is created by default.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(a *API) {
		a.registry = reg
	}
}

// New creates a new API instance.
func New(engine Evaluator, opts ...Option) *API {
	a := &API{
		engine:       engine,
		operator:     auth.Principal{Kind: auth.PrincipalOperator, ID: "cmp"},
		rejections:   newRejectionLimiter(),
		maxBodyBytes: defaultMaxBodyBytes,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	if a.registry == nil {
		a.registry = prometheus.NewRegistry()
	}
	a.metrics = newOutcomeMetrics(a.registry)
	for _, hook := range []*auditWebhook{a.webhook, a.alertHook} {
		if hook != nil {
			hook.logger = a.logger
			hook.deliveries = a.metrics.deliveries
		}
	}
	a.audit = newAuditLogger(a.logger)
	a.audit.webhook = a.webhook
	if a.alertHook != nil {
		a.alertHook.sink = "alert"
		fn, hook := a.alertFn, a.alertHook
		a.alertFn = func(e AlertEvent) {
			if fn != nil {
				fn(e)
			}
			hook.enqueue(alertWebhookEvent(e))
		}
	}
	if a.alertFn != nil {
		a.audit.metrics = newMetricsCollector(a.alertFn)
	}
	return a
}

// Close stops background delivery of audit events and alerts.
func (a *API) Close() {
	if a.webhook != nil {
		a.webhook.close()
	}
	if a.alertHook != nil {
		a.alertHook.close()
	}
}

// Router returns a chi.Router with all API routes mounted.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(SecurityHeaders)

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiSpec)
	})

	r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: "/openapi.yaml",
		Path:    "docs",
	}, nil))

	r.Handle("/redoc*", middleware.Redoc(middleware.RedocOpts{
		SpecURL: "/openapi.yaml",
		Path:    "redoc",
	}, nil))

	r.Get("/health", a.Health)
	r.Get("/metrics", a.Metrics)

	r.With(a.RequestID).Post("/cmp/{alias}", a.Authenticate)

	return r
}
