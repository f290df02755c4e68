package httpapi

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"stepwise.studio/internal/auth"
	"stepwise.studio/internal/credits"
	"stepwise.studio/internal/documents"
	"stepwise.studio/internal/fulfillment"
	"stepwise.studio/internal/obs"
	"stepwise.studio/internal/payments"
	"stepwise.studio/internal/stream"
	"stepwise.studio/internal/workflow"
)

const serviceName = "stepwise-api"

// RoleSupport may read any account's ledger, for reconciling side writes
// that failed after a committed spend or credit.
const RoleSupport = "support"

// ReadyProbe reports whether the backing store answers.
type ReadyProbe interface {
	Ping(ctx context.Context) error
}

// SessionLookup resolves a checkout session to its signed payment event.
type SessionLookup interface {
	Session(ctx context.Context, sessionID string) (payments.Session, error)
}

// Deps are the collaborators the HTTP layer dispatches to.
type Deps struct {
	Ready    ReadyProbe
	Tokens   *auth.Tokens
	Counter  *credits.Counter
	Unlocker *credits.Unlocker
	Recorder *fulfillment.Recorder
	Verifier *fulfillment.Verifier
	Docs     *documents.Store
	Steps    *workflow.Steps
	// Payments may be nil, in which case purchase confirmation is disabled.
	Payments SessionLookup
	// Events may be nil, in which case /v1/events answers 503.
	Events *stream.Hub

	Version          string
	StepsPerWorkshop int
	DevTokens        bool
	TokenTTL         time.Duration
	RateBurst        int
	RatePerSec       int
}

// API is the HTTP layer.
type API struct {
	Deps
	provisioned sync.Map
	now         func() time.Time
}

func New(d Deps) *API {
	if d.StepsPerWorkshop <= 0 {
		d.StepsPerWorkshop = 5
	}
	if d.TokenTTL <= 0 {
		d.TokenTTL = 15 * time.Minute
	}
	if d.RateBurst <= 0 {
		d.RateBurst = 20
	}
	if d.RatePerSec <= 0 {
		d.RatePerSec = 10
	}
	return &API{Deps: d, now: time.Now}
}

// Handler builds the router.
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggingJSON)
	r.Use(middleware.Recoverer)
	r.Use(obs.Instrument)
	r.Use(SecurityHeaders)
	r.Use(CORS)
	r.Use(func(next http.Handler) http.Handler { return RateLimit(next, a.RateBurst, a.RatePerSec) })

	r.Get("/healthz", a.Healthz)
	r.Get("/readyz", a.Readyz)
	r.Get("/v1/info", a.Info)
	r.Handle("/metrics", obs.Handler())

	if a.DevTokens {
		r.Post("/v1/auth/token", a.handleAuthToken)
	}
	r.Post("/v1/webhooks/payments", a.handlePaymentWebhook)

	r.Group(func(r chi.Router) {
		r.Use(a.authenticate)

		r.Get("/v1/balance", a.getBalance)
		r.Get("/v1/ledger", a.listLedger)
		r.Get("/v1/events", a.streamEvents)
		r.Post("/v1/purchases/confirm", a.confirmPurchase)
		r.With(RequireRole(RoleSupport)).Get("/v1/accounts/{id}/ledger", a.listAccountLedger)

		r.Post("/v1/workshops", a.createWorkshop)
		r.Route("/v1/workshops/{id}", func(r chi.Router) {
			r.Get("/", a.getWorkshop)
			r.Get("/access", a.getAccess)
			r.Post("/unlock", a.unlockWorkshop)
			r.Get("/document", a.getDocument)
			r.Patch("/document", a.patchDocument)
			r.Get("/steps", a.listSteps)
			r.Post("/steps/{order}/{action}", a.stepAction)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
	})
	return r
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.Version,
	})
}

func (a *API) Readyz(w http.ResponseWriter, r *http.Request) {
	if a.Deps.Ready != nil {
		if err := a.Deps.Ready.Ping(r.Context()); err != nil {
			obs.SetReady(false)
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"status": "not_ready",
				"error":  err.Error(),
			})
			return
		}
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    a.now().UTC().Format(time.RFC3339),
		"version": a.Version,
	})
}
