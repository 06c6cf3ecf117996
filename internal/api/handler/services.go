package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/kiranshivaraju/jobcontrol/internal/api/response"
	"github.com/kiranshivaraju/jobcontrol/internal/services"
	"github.com/kiranshivaraju/jobcontrol/pkg/models"
)

// ServiceRegistrar stores service definitions.
type ServiceRegistrar interface {
	RegisterService(ctx context.Context, def *models.ServiceDefinition) error
}

// NewRegisterServiceHandler returns an http.HandlerFunc for
// PUT /clusters/{clusterID}/services/{service}.
func NewRegisterServiceHandler(reg ServiceRegistrar) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Functions []models.FunctionDefinition `json:"functions"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		def := &models.ServiceDefinition{
			ClusterID: chi.URLParam(r, "clusterID"),
			Service:   chi.URLParam(r, "service"),
			Functions: req.Functions,
		}
		if err := reg.RegisterService(r.Context(), def); err != nil {
			if errors.Is(err, services.ErrInvalidDefinition) {
				response.Error(w, http.StatusBadRequest, "INVALID_SERVICE_DEFINITION", err.Error(), nil)
				return
			}
			slog.Error("failed to register service",
				"cluster_id", def.ClusterID, "service", def.Service, "error", err)
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"An unexpected error occurred", nil)
			return
		}
		response.JSON(w, def)
	}
}
