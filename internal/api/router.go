package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	mw "github.com/kiranshivaraju/jobcontrol/internal/api/middleware"
	"github.com/kiranshivaraju/jobcontrol/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Machine   *mw.Machine
	RateLimit *mw.RateLimit

	HealthHandler   http.HandlerFunc
	RegisterService http.HandlerFunc
	CreateJob       http.HandlerFunc
	GetJob          http.HandlerFunc
	PollJobs        http.HandlerFunc
	AcknowledgeJob  http.HandlerFunc
	PersistResult   http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))

	r.Route("/api/v1/clusters/{clusterID}", func(r chi.Router) {
		r.Put("/services/{service}", orNotImplemented(deps.RegisterService))
		r.Post("/jobs", orNotImplemented(deps.CreateJob))
		r.Get("/jobs/{jobID}", orNotImplemented(deps.GetJob))

		// Worker routes
		r.Group(func(r chi.Router) {
			r.Use(deps.Machine.Identify)
			r.Use(deps.RateLimit.Limit)

			r.Get("/jobs", orNotImplemented(deps.PollJobs))
			r.Post("/jobs/{jobID}/acknowledge", orNotImplemented(deps.AcknowledgeJob))
			r.Post("/jobs/{jobID}/result", orNotImplemented(deps.PersistResult))
		})
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
