// Package daemon wires configuration, storage, and HTTP routes for creditgated.
package daemon

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mihaimyh/creditgate/internal/config"
	cghttp "github.com/mihaimyh/creditgate/middleware/http"
	"github.com/mihaimyh/creditgate/pkg/api"
	"github.com/mihaimyh/creditgate/pkg/billing"
	"github.com/mihaimyh/creditgate/pkg/billing/stripe"
	"github.com/mihaimyh/creditgate/pkg/creditgate"
)

// Deps is what the router serves.
type Deps struct {
	Config  config.Config
	Service *creditgate.Service
	Logger  creditgate.Logger

	// Gatherer backs the metrics route. Nil disables it.
	Gatherer prometheus.Gatherer

	// BillingMetrics records webhook outcomes (default no-op).
	BillingMetrics billing.Metrics

	// WebhookCallback runs after each applied tier change (optional).
	WebhookCallback billing.WebhookCallback
}

// NewRouter builds the creditgated HTTP surface.
func NewRouter(d Deps) (http.Handler, error) {
	cfg := d.Config
	logger := d.Logger
	if logger == nil {
		logger = &creditgate.NoopLogger{}
	}

	generationURL, err := parseUpstream(cfg.Upstream.GenerationURL)
	if err != nil {
		return nil, err
	}
	exportURL, err := parseUpstream(cfg.Upstream.ExportURL)
	if err != nil {
		return nil, err
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(requestLogger(logger))
	r.Use(jsonRecoverer(logger))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "budget": string(d.Service.Budget().State)})
	})

	if cfg.Metrics.Enabled && d.Gatherer != nil {
		r.Method(http.MethodGet, cfg.Metrics.Path, promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{}))
	}

	userID := cghttp.FromHeader(cfg.Auth.UserHeader)
	apiHandler, err := api.NewHandler(api.Config{
		Service:   d.Service,
		GetUserID: api.UserIDExtractor(userID),
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/account", apiHandler.GetAccount)
		r.Get("/budget", apiHandler.GetBudget)
		r.Post("/preview", apiHandler.PreviewGeneration)
		r.Post("/sets/archive", apiHandler.ArchiveSet)

		requestID := cghttp.RequestIDFromHeader(cfg.Auth.RequestIDHeader)
		if generationURL != nil {
			admit := cghttp.Middleware(cghttp.Config{
				Service:      d.Service,
				GetUserID:    userID,
				Action:       creditgate.ActionGeneration,
				GetRequest:   cghttp.FromJSONBody(),
				GetRequestID: requestID,
			})
			r.Method(http.MethodPost, "/generations", admit(newCostProxy(generationURL, cfg.Upstream.CostHeader, logger)))
		}
		if exportURL != nil {
			admit := cghttp.Middleware(cghttp.Config{
				Service:      d.Service,
				GetUserID:    userID,
				Action:       creditgate.ActionExport,
				GetRequestID: requestID,
			})
			r.Method(http.MethodPost, "/exports", admit(newCostProxy(exportURL, cfg.Upstream.CostHeader, logger)))
		}
	})

	if secret := cfg.Billing.Stripe.WebhookSecret; secret != "" {
		provider, err := stripe.NewProvider(stripe.Config{
			Config: billing.Config{
				Service:          d.Service,
				TierMapping:      cfg.Billing.Stripe.Prices,
				WebhookCallback:  d.WebhookCallback,
				WebhookRateLimit: cfg.Billing.Stripe.RateLimit,
				Metrics:          d.BillingMetrics,
				Logger:           logger,
			},
			StripeWebhookSecret: secret,
		})
		if err != nil {
			return nil, fmt.Errorf("stripe provider: %w", err)
		}
		r.Method(http.MethodPost, "/webhooks/"+provider.Name(), provider.WebhookHandler())
	}

	if token := cfg.Auth.AdminToken; token != "" {
		admin := &adminHandler{service: d.Service, logger: logger}
		r.Route("/admin", func(r chi.Router) {
			r.Use(requireToken(token))
			r.Post("/spend", admin.recordSpend)
			r.Put("/budget/limit", admin.setLimit)
			r.Post("/tier", admin.changeTier)
		})
	}

	return r, nil
}

func parseUpstream(raw string) (*url.URL, error) {
	if raw == "" {
		return nil, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("upstream %q: %w", raw, err)
	}
	return u, nil
}

// requestLogger emits one log line per request.
func requestLogger(logger creditgate.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			requestID := chimw.GetReqID(r.Context())
			if requestID != "" {
				w.Header().Set("X-Request-ID", requestID)
			}

			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			logger.Info("http request",
				creditgate.Field{Key: "requestId", Value: requestID},
				creditgate.Field{Key: "method", Value: r.Method},
				creditgate.Field{Key: "path", Value: r.URL.Path},
				creditgate.Field{Key: "status", Value: ww.Status()},
				creditgate.Field{Key: "bytes", Value: ww.BytesWritten()},
				creditgate.Field{Key: "duration", Value: time.Since(start)},
			)
		})
	}
}

// jsonRecoverer turns a handler panic into a JSON 500.
func jsonRecoverer(logger creditgate.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rvr := recover(); rvr != nil {
					if rvr == http.ErrAbortHandler {
						panic(rvr)
					}
					logger.Error("panic recovered",
						creditgate.Field{Key: "panic", Value: fmt.Sprint(rvr)},
						creditgate.Field{Key: "path", Value: r.URL.Path},
					)
					writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
