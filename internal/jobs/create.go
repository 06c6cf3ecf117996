package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kiranshivaraju/jobcontrol/internal/dispatch"
	"github.com/kiranshivaraju/jobcontrol/internal/store"
	"github.com/kiranshivaraju/jobcontrol/pkg/models"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// CreateJobParams describes a function call to schedule.
type CreateJobParams struct {
	ClusterID   string
	Service     string
	TargetFn    string
	TargetArgs  string
	RunID       string
	AuthContext json.RawMessage
	RunContext  json.RawMessage
	// ToolCallID, when set, becomes the job id so a retried request maps to the same row.
	ToolCallID string
}

// CreateJobResult is the id of the job serving the call. Created is false
// when an existing job was reused, either from the result cache or because
// a job with the same id already existed.
type CreateJobResult struct {
	ID      string `json:"id"`
	Created bool   `json:"created"`
}

// CreateJob schedules a call of TargetFn on Service.
func (s *Service) CreateJob(ctx context.Context, p CreateJobParams) (res CreateJobResult, err error) {
	ctx, span := s.tracer.Start(ctx, "jobs.create", trace.WithAttributes(
		attribute.String("cluster_id", p.ClusterID),
		attribute.String("service", p.Service),
		attribute.String("target_fn", p.TargetFn),
	))
	defer func() { endSpan(span, err) }()

	fn, err := s.lookupFunction(ctx, p)
	if err != nil {
		return CreateJobResult{}, err
	}

	var (
		schema json.RawMessage
		fc     *models.FunctionConfig
	)
	if fn != nil {
		schema, fc = fn.Schema, fn.Config
	}

	args, err := s.parser.ParseArgs(ctx, p.TargetArgs, schema)
	if err != nil {
		return CreateJobResult{}, err
	}

	now := s.now().UTC()
	job := &models.Job{
		ID:                     p.ToolCallID,
		ClusterID:              p.ClusterID,
		Service:                p.Service,
		TargetFn:               p.TargetFn,
		TargetArgs:             p.TargetArgs,
		Status:                 models.JobStatusPending,
		RemainingAttempts:      s.maxAttempts(fc),
		TimeoutIntervalSeconds: s.timeoutSeconds(fc),
		RunID:                  p.RunID,
		AuthContext:            p.AuthContext,
		RunContext:             p.RunContext,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	if job.ID == "" {
		job.ID = s.newID()
	}

	if fc != nil && fc.Cache.Enabled() {
		res, err = s.createCached(ctx, job, args, fc.Cache, now)
	} else {
		res, err = s.createDefault(ctx, job)
	}
	if err != nil {
		return CreateJobResult{}, err
	}

	span.SetAttributes(attribute.String("job_id", res.ID), attribute.Bool("created", res.Created))
	if res.Created {
		s.afterCreate(ctx, job, fc)
	}
	return res, nil
}

// lookupFunction waits a bounded time for the function schema to become
// visible; a service may still be registering when its first job arrives.
func (s *Service) lookupFunction(ctx context.Context, p CreateJobParams) (*models.FunctionDefinition, error) {
	var fn *models.FunctionDefinition
	err := s.schemaRetry.Do(ctx, func(attempt int) (bool, error) {
		var err error
		fn, err = s.functions.FunctionConfig(ctx, p.ClusterID, p.Service, p.TargetFn)
		if err != nil {
			return false, fmt.Errorf("look up function %s.%s: %w", p.Service, p.TargetFn, err)
		}
		if fn != nil && len(fn.Schema) > 0 {
			return true, nil
		}
		if attempt < s.schemaRetry.MaxRetries {
			s.logger.Debug("function schema not available, retrying",
				"cluster_id", p.ClusterID, "service", p.Service, "target_fn", p.TargetFn, "attempt", attempt+1)
		}
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	return fn, nil
}

func (s *Service) maxAttempts(fc *models.FunctionConfig) int {
	if fc != nil && fc.RetryCountOnStall != nil && *fc.RetryCountOnStall > 0 {
		return *fc.RetryCountOnStall + 1
	}
	return s.cfg.DefaultMaxAttempts
}

func (s *Service) timeoutSeconds(fc *models.FunctionConfig) int {
	if fc != nil && fc.TimeoutSeconds != nil && *fc.TimeoutSeconds > 0 {
		return *fc.TimeoutSeconds
	}
	// Whole seconds, rounded up so a sub-second default never becomes zero.
	return int((s.cfg.DefaultTimeout + time.Second - 1) / time.Second)
}

// createCached reuses the most recent successful result for the same cache
// key within the TTL. The lookup and the insert are separate statements, so
// concurrent misses may both insert.
func (s *Service) createCached(ctx context.Context, job *models.Job, args any, cc *models.CacheConfig, now time.Time) (CreateJobResult, error) {
	key, err := resolveCacheKey(cc.KeyPath, args)
	if err != nil {
		return CreateJobResult{}, err
	}

	hit, err := s.store.GetLatestSuccessfulJob(ctx, store.CacheLookup{
		ClusterID: job.ClusterID,
		Service:   job.Service,
		TargetFn:  job.TargetFn,
		CacheKey:  key,
		Since:     now.Add(-time.Duration(cc.TTLSeconds) * time.Second),
	})
	switch {
	case err == nil:
		return CreateJobResult{ID: hit.ID, Created: false}, nil
	case !errors.Is(err, store.ErrNotFound):
		return CreateJobResult{}, fmt.Errorf("look up cached job: %w", err)
	}

	job.CacheKey = &key
	return s.createDefault(ctx, job)
}

func (s *Service) createDefault(ctx context.Context, job *models.Job) (CreateJobResult, error) {
	inserted, err := s.store.InsertJob(ctx, job)
	if err != nil {
		return CreateJobResult{}, fmt.Errorf("creating job: %w", err)
	}
	return CreateJobResult{ID: job.ID, Created: inserted}, nil
}

func (s *Service) afterCreate(ctx context.Context, job *models.Job, fc *models.FunctionConfig) {
	meta := map[string]any{"targetArgs": job.TargetArgs}
	if fc != nil {
		meta["config"] = fc
	}
	s.events.Write(models.Event{
		ClusterID: job.ClusterID,
		Type:      models.EventJobCreated,
		JobID:     job.ID,
		Service:   job.Service,
		TargetFn:  job.TargetFn,
		RunID:     job.RunID,
		Meta:      meta,
	})

	if !s.cfg.IsExternal(job.Service) {
		return
	}
	if s.transport == nil {
		s.logger.Error("no transport configured for external service", "service", job.Service, "job_id", job.ID)
		return
	}
	msg := dispatch.NewExternalCallMessage(ctx, job.ClusterID, job.RunID, job.ID, job.Service)
	if err := dispatch.Publish(ctx, s.transport, s.cfg.ExternalCallQueue, msg); err != nil {
		s.logger.Error("failed to dispatch external call",
			"cluster_id", job.ClusterID, "job_id", job.ID, "service", job.Service, "error", err)
	}
}
