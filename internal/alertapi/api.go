// Package alertapi exposes the triage engine over HTTP: the detector push
// endpoint, the responder command endpoints, and the admin queries.
package alertapi

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/lifeline/internal/authmw"
	"github.com/linnemanlabs/lifeline/internal/triage"
)

// TriageEngine defines the engine operations alertapi needs.
type TriageEngine interface {
	Ingest(ctx context.Context, sig triage.RiskSignal) (*triage.AlertRef, error)
	Claim(ctx context.Context, id, responder string) (*triage.Alert, error)
	Acknowledge(ctx context.Context, id, responder string) (*triage.Alert, error)
	Resolve(ctx context.Context, id, responder, note string) (*triage.Alert, error)
	Close(ctx context.Context, id, reviewer, note string) (*triage.Alert, error)
	OverrideSeverity(ctx context.Context, id, supervisor string, level triage.Severity, reason string) (*triage.Alert, error)
	Get(ctx context.Context, id string) (*triage.Alert, bool, error)
	Audit(ctx context.Context, id string) ([]triage.AuditEntry, error)
	List(ctx context.Context, f triage.Filter) ([]*triage.Alert, error)
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger   log.Logger
	engine   TriageEngine
	validate *validator.Validate
	auth     func(http.Handler) http.Handler
}

// Option configures an API.
type Option func(*API)

// WithAuth installs authentication middleware on every /api/v1 route.
// Role checks inside the API only apply when it is set.
func WithAuth(mw func(http.Handler) http.Handler) Option {
	return func(a *API) { a.auth = mw }
}

// New creates a new API handler.
func New(logger log.Logger, engine TriageEngine, opts ...Option) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if engine == nil {
		panic(xerrors.New("triage engine is required"))
	}
	a := &API{
		logger:   logger,
		engine:   engine,
		validate: newValidator(),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		if a.auth != nil {
			r.Use(a.auth)
		}

		r.With(a.require(authmw.RoleDetector)).Post("/signals", a.handleIngestSignal)

		r.Group(func(r chi.Router) {
			r.Use(a.require(authmw.RoleResponder))

			r.Get("/alerts", a.handleListAlerts)
			r.Route("/alerts/{id}", func(r chi.Router) {
				r.Get("/", a.handleGetAlert)
				r.Get("/audit", a.handleGetAudit)
				r.Post("/claim", a.handleClaim)
				r.Post("/acknowledge", a.handleAcknowledge)
				r.Post("/resolve", a.handleResolve)
				r.Post("/close", a.handleClose)
				r.Post("/override-severity", a.handleOverrideSeverity)
			})
		})
	})
}

func (a *API) require(role authmw.Role) func(http.Handler) http.Handler {
	if a.auth == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return authmw.Require(role)
}
