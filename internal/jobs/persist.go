package jobs

import (
	"context"
	"fmt"

	"github.com/kiranshivaraju/jobcontrol/internal/store"
	"github.com/kiranshivaraju/jobcontrol/pkg/models"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultPollLimit = 10
	maxPollLimit     = 100
)

// AcknowledgeJob moves a pending job to running on machineID. Exactly one
// caller can win for a given job; every other caller gets ErrAcknowledgeFailed.
func (s *Service) AcknowledgeJob(ctx context.Context, jobID, clusterID, machineID string) (job *models.Job, err error) {
	ctx, span := s.tracer.Start(ctx, "jobs.acknowledge", trace.WithAttributes(
		attribute.String("cluster_id", clusterID),
		attribute.String("job_id", jobID),
		attribute.String("machine_id", machineID),
	))
	defer func() { endSpan(span, err) }()

	rows, err := s.store.UpdateJobs(ctx,
		store.JobFilter{ClusterID: clusterID, ID: jobID, Status: models.JobStatusPending},
		acknowledgePatch(machineID))
	if err != nil {
		return nil, fmt.Errorf("acknowledge job %s: %w", jobID, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrAcknowledgeFailed, jobID)
	}

	job = rows[0]
	s.writeAcknowledged(job, machineID)
	return job, nil
}

func acknowledgePatch(machineID string) store.JobPatch {
	return store.JobPatch{
		Status:                 models.JobStatusRunning,
		ExecutingMachineID:     &machineID,
		TouchLastRetrievedAt:   true,
		RemainingAttemptsDelta: -1,
	}
}

func (s *Service) writeAcknowledged(job *models.Job, machineID string) {
	s.events.Write(models.Event{
		ClusterID: job.ClusterID,
		Type:      models.EventJobAcknowledged,
		JobID:     job.ID,
		MachineID: machineID,
		Service:   job.Service,
		TargetFn:  job.TargetFn,
		RunID:     job.RunID,
		Meta:      map[string]any{"targetArgs": job.TargetArgs},
	})
}

// PollParams scopes a worker poll.
type PollParams struct {
	ClusterID string
	Service   string
	MachineID string
	Limit     int
}

// PollJobs claims up to Limit pending jobs of a service for a machine. Each
// claimed job is acknowledged exactly as AcknowledgeJob would.
func (s *Service) PollJobs(ctx context.Context, p PollParams) (items []models.PollItem, err error) {
	ctx, span := s.tracer.Start(ctx, "jobs.poll", trace.WithAttributes(
		attribute.String("cluster_id", p.ClusterID),
		attribute.String("service", p.Service),
		attribute.String("machine_id", p.MachineID),
	))
	defer func() { endSpan(span, err) }()

	limit := p.Limit
	if limit <= 0 {
		limit = defaultPollLimit
	}
	if limit > maxPollLimit {
		limit = maxPollLimit
	}

	claimed, err := s.store.ClaimPendingJobs(ctx, store.ClaimParams{
		ClusterID: p.ClusterID,
		Service:   p.Service,
		MachineID: p.MachineID,
		Limit:     limit,
	})
	if err != nil {
		return nil, fmt.Errorf("poll jobs: %w", err)
	}

	items = make([]models.PollItem, 0, len(claimed))
	for _, j := range claimed {
		s.writeAcknowledged(j, p.MachineID)
		items = append(items, models.NewPollItem(j))
	}
	span.SetAttributes(attribute.Int("claimed", len(items)))
	return items, nil
}

// PersistResultParams is a worker's report of a finished job.
type PersistResultParams struct {
	ClusterID               string
	JobID                   string
	MachineID               string
	Result                  string
	ResultType              models.ResultType
	FunctionExecutionTimeMs *int
}

// PersistJobResult stores a result if machineID still holds the job and no
// result has been stored yet. It returns the number of rows written: 0 when
// another writer got there first, which is not an error. The owning run is
// resumed only after an accepted write.
func (s *Service) PersistJobResult(ctx context.Context, p PersistResultParams) (n int, err error) {
	ctx, span := s.tracer.Start(ctx, "jobs.persist_result", trace.WithAttributes(
		attribute.String("cluster_id", p.ClusterID),
		attribute.String("job_id", p.JobID),
		attribute.String("machine_id", p.MachineID),
		attribute.String("result_type", string(p.ResultType)),
	))
	defer func() { endSpan(span, err) }()

	if !p.ResultType.Valid() {
		return 0, fmt.Errorf("%w: %q", ErrInvalidResultType, p.ResultType)
	}

	resultType := p.ResultType
	rows, err := s.store.UpdateJobs(ctx,
		store.JobFilter{
			ClusterID:          p.ClusterID,
			ID:                 p.JobID,
			ExecutingMachineID: &p.MachineID,
			Status:             models.JobStatusRunning,
			ResultedAtIsNull:   true,
		},
		store.JobPatch{
			Status:                  models.JobStatusSuccess,
			Result:                  &p.Result,
			ResultType:              &resultType,
			TouchResultedAt:         true,
			FunctionExecutionTimeMs: p.FunctionExecutionTimeMs,
		})
	if err != nil {
		return 0, fmt.Errorf("persist job result %s: %w", p.JobID, err)
	}

	meta := map[string]any{}
	if p.FunctionExecutionTimeMs != nil {
		meta["functionExecutionTime"] = *p.FunctionExecutionTimeMs
	}

	if len(rows) == 0 {
		s.logger.Warn("job result was not persisted",
			"cluster_id", p.ClusterID, "job_id", p.JobID, "machine_id", p.MachineID)
		s.events.Write(models.Event{
			ClusterID:  p.ClusterID,
			Type:       models.EventFunctionResultedButNotPersisted,
			JobID:      p.JobID,
			MachineID:  p.MachineID,
			ResultType: string(p.ResultType),
			Meta:       meta,
		})
		return 0, nil
	}

	job := rows[0]
	if job.RunID != "" {
		if err := s.resumer.ResumeRun(ctx, job.ClusterID, job.RunID); err != nil {
			return 1, fmt.Errorf("resume run %s: %w", job.RunID, err)
		}
	}

	s.events.Write(models.Event{
		ClusterID:  job.ClusterID,
		Type:       models.EventFunctionResulted,
		JobID:      job.ID,
		MachineID:  p.MachineID,
		Service:    job.Service,
		TargetFn:   job.TargetFn,
		ResultType: string(p.ResultType),
		RunID:      job.RunID,
		Meta:       meta,
	})
	return 1, nil
}
