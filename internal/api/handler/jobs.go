// Package handler adapts the job and service registry operations to HTTP.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	mw "github.com/kiranshivaraju/jobcontrol/internal/api/middleware"
	"github.com/kiranshivaraju/jobcontrol/internal/api/response"
	"github.com/kiranshivaraju/jobcontrol/internal/jobs"
	"github.com/kiranshivaraju/jobcontrol/pkg/models"
)

// JobService defines the job operations the handlers depend on.
type JobService interface {
	CreateJob(ctx context.Context, p jobs.CreateJobParams) (jobs.CreateJobResult, error)
	GetJob(ctx context.Context, clusterID, jobID string) (*models.Job, error)
	PollJobs(ctx context.Context, p jobs.PollParams) ([]models.PollItem, error)
	AcknowledgeJob(ctx context.Context, jobID, clusterID, machineID string) (*models.Job, error)
	PersistJobResult(ctx context.Context, p jobs.PersistResultParams) (int, error)
}

type createJobRequest struct {
	Service     string          `json:"service"`
	Function    string          `json:"function"`
	Arguments   json.RawMessage `json:"arguments"`
	RunID       string          `json:"runId"`
	ToolCallID  string          `json:"toolCallId"`
	AuthContext json.RawMessage `json:"authContext"`
	RunContext  json.RawMessage `json:"runContext"`
}

// NewCreateJobHandler returns an http.HandlerFunc for POST /clusters/{clusterID}/jobs.
// A new job is answered with 201, a reused one with 200.
func NewCreateJobHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createJobRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		if req.Service == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "service is required", nil)
			return
		}
		if req.Function == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "function is required", nil)
			return
		}

		args := string(req.Arguments)
		if len(req.Arguments) == 0 {
			args = "{}"
		}

		res, err := svc.CreateJob(r.Context(), jobs.CreateJobParams{
			ClusterID:   chi.URLParam(r, "clusterID"),
			Service:     req.Service,
			TargetFn:    req.Function,
			TargetArgs:  args,
			RunID:       req.RunID,
			AuthContext: req.AuthContext,
			RunContext:  req.RunContext,
			ToolCallID:  req.ToolCallID,
		})
		if err != nil {
			writeJobError(w, err)
			return
		}
		if res.Created {
			response.Created(w, res)
			return
		}
		response.JSON(w, res)
	}
}

// NewGetJobHandler returns an http.HandlerFunc for GET /clusters/{clusterID}/jobs/{jobID}.
func NewGetJobHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := svc.GetJob(r.Context(), chi.URLParam(r, "clusterID"), chi.URLParam(r, "jobID"))
		if err != nil {
			writeJobError(w, err)
			return
		}
		response.JSON(w, job)
	}
}

// NewPollJobsHandler returns an http.HandlerFunc for GET /clusters/{clusterID}/jobs.
func NewPollJobsHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		machineID, ok := mw.GetMachineID(r)
		if !ok {
			response.Error(w, http.StatusBadRequest, "MISSING_MACHINE_ID", "Missing machine id", nil)
			return
		}

		q := r.URL.Query()
		service := q.Get("service")
		if service == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "service is required", nil)
			return
		}
		limit := 0
		if v := q.Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "limit must be a positive integer", nil)
				return
			}
			limit = n
		}

		items, err := svc.PollJobs(r.Context(), jobs.PollParams{
			ClusterID: chi.URLParam(r, "clusterID"),
			Service:   service,
			MachineID: machineID,
			Limit:     limit,
		})
		if err != nil {
			writeJobError(w, err)
			return
		}
		response.JSON(w, items)
	}
}

// NewAcknowledgeJobHandler returns an http.HandlerFunc for
// POST /clusters/{clusterID}/jobs/{jobID}/acknowledge.
func NewAcknowledgeJobHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		machineID, ok := mw.GetMachineID(r)
		if !ok {
			response.Error(w, http.StatusBadRequest, "MISSING_MACHINE_ID", "Missing machine id", nil)
			return
		}

		job, err := svc.AcknowledgeJob(r.Context(), chi.URLParam(r, "jobID"), chi.URLParam(r, "clusterID"), machineID)
		if err != nil {
			writeJobError(w, err)
			return
		}
		response.JSON(w, models.NewPollItem(job))
	}
}

type persistResultRequest struct {
	Result     json.RawMessage   `json:"result"`
	ResultType models.ResultType `json:"resultType"`
	Meta       struct {
		FunctionExecutionTime *int `json:"functionExecutionTime"`
	} `json:"meta"`
}

// NewPersistResultHandler returns an http.HandlerFunc for
// POST /clusters/{clusterID}/jobs/{jobID}/result. A result that was not
// stored is still a 200 with persisted=false.
func NewPersistResultHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		machineID, ok := mw.GetMachineID(r)
		if !ok {
			response.Error(w, http.StatusBadRequest, "MISSING_MACHINE_ID", "Missing machine id", nil)
			return
		}

		var req persistResultRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		if !req.ResultType.Valid() {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
				"resultType must be one of resolution, rejection, interrupt", nil)
			return
		}

		result := string(req.Result)
		if len(req.Result) == 0 {
			result = "null"
		}

		n, err := svc.PersistJobResult(r.Context(), jobs.PersistResultParams{
			ClusterID:               chi.URLParam(r, "clusterID"),
			JobID:                   chi.URLParam(r, "jobID"),
			MachineID:               machineID,
			Result:                  result,
			ResultType:              req.ResultType,
			FunctionExecutionTimeMs: req.Meta.FunctionExecutionTime,
		})
		if err != nil && n == 0 {
			writeJobError(w, err)
			return
		}
		if err != nil {
			// Stored, but the owning run could not be notified.
			slog.Error("job result persisted with error",
				"job_id", chi.URLParam(r, "jobID"), "machine_id", machineID, "error", err)
		}
		response.JSON(w, map[string]bool{"persisted": n > 0})
	}
}

// writeJobError maps job service errors to responses.
func writeJobError(w http.ResponseWriter, err error) {
	var invalidArgs *jobs.InvalidJobArgumentsError
	switch {
	case errors.As(err, &invalidArgs):
		response.Error(w, http.StatusBadRequest, "INVALID_JOB_ARGUMENTS", invalidArgs.Error(),
			map[string]string{"docs": invalidArgs.DocsURL})
	case errors.Is(err, jobs.ErrJobNotFound):
		response.Error(w, http.StatusNotFound, "JOB_NOT_FOUND", "Job not found", nil)
	case errors.Is(err, jobs.ErrAcknowledgeFailed):
		response.Error(w, http.StatusConflict, "JOB_NOT_PENDING",
			"Job is not pending or does not exist", nil)
	case errors.Is(err, jobs.ErrInvalidResultType):
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
	case errors.Is(err, context.Canceled):
		response.Error(w, http.StatusServiceUnavailable, "REQUEST_CANCELLED", "Request was cancelled", nil)
	default:
		slog.Error("job request failed", "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
			"An unexpected error occurred", nil)
	}
}
