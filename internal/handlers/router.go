package handlers

import (
	"log"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tradegate/backend/internal/circuitbreaker"
	"github.com/tradegate/backend/internal/gate"
	"github.com/tradegate/backend/internal/lifecycle"
	"github.com/tradegate/backend/internal/middleware"
	"github.com/tradegate/backend/internal/override"
	"github.com/tradegate/backend/internal/policy"
	"github.com/tradegate/backend/internal/reconstruct"
	"github.com/tradegate/backend/internal/shadowledger"
)

// Deps are the wired components the router serves.
type Deps struct {
	Gate          *gate.Gate
	Ingestor      *lifecycle.Ingestor
	Lifecycle     *lifecycle.Store
	Reconstructor *reconstruct.Reconstructor
	Overrides     *override.Manager
	Ledger        *shadowledger.Ledger
	Policy        *policy.Evaluator
	Breakers      *circuitbreaker.Manager
	RateLimiter   *middleware.RateLimiter
	Logger        *log.Logger
}

// NewRouter builds the full HTTP surface.
func NewRouter(d Deps) *mux.Router {
	r := mux.NewRouter()
	r.Use(middleware.TraceID)
	r.Use(middleware.Logging(d.Logger))
	if d.RateLimiter != nil {
		r.Use(d.RateLimiter.Middleware)
	}

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/authorize", HandleAuthorize(d.Gate)).Methods(http.MethodPost)

	ingress := HandleLifecycleIngress(d.Ingestor)
	v1.HandleFunc("/events/lp-order", ingress).Methods(http.MethodPost)
	v1.HandleFunc("/events/execution", ingress).Methods(http.MethodPost)
	v1.HandleFunc("/events/close", ingress).Methods(http.MethodPost)
	v1.HandleFunc("/events/reconciliation", ingress).Methods(http.MethodPost)

	if d.Lifecycle != nil {
		v1.HandleFunc("/rejections", HandleRejectionCounts(d.Lifecycle)).Methods(http.MethodGet)
	}

	v1.HandleFunc("/trace/{id}", HandleTraceBundle(d.Reconstructor)).Methods(http.MethodGet)
	v1.HandleFunc("/trace/{id}/bundle", HandleTraceBundle(d.Reconstructor)).Methods(http.MethodGet)
	v1.HandleFunc("/trace/{id}/evidence-pack", HandleEvidencePack(d.Reconstructor)).Methods(http.MethodGet)
	v1.HandleFunc("/trace/{id}/replay", HandleReplayVerify(d.Reconstructor)).Methods(http.MethodGet)
	v1.HandleFunc("/lp-timeline/{id}", HandleLPTimeline(d.Reconstructor)).Methods(http.MethodGet)

	v1.HandleFunc("/override/{id}/{action}", HandleOverride(d.Overrides)).Methods(http.MethodPost)
	v1.HandleFunc("/limits/{client_id}", HandleSetLimits(d.Ledger)).Methods(http.MethodPut)
	v1.HandleFunc("/limits/{client_id}", HandleGetLimits(d.Ledger)).Methods(http.MethodGet)
	v1.HandleFunc("/policy/reload", HandlePolicyReload(d.Policy)).Methods(http.MethodPost)

	r.HandleFunc("/health", HandleHealth(d.Breakers)).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	return r
}
