package jobs

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/kiranshivaraju/jobcontrol/internal/jobstate"
	"github.com/kiranshivaraju/jobcontrol/internal/store"
	"github.com/kiranshivaraju/jobcontrol/pkg/models"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

const (
	reasonTimeout        = "timeout"
	reasonMachineStalled = "machine stalled"
)

// SelfHealReport lists what one sweep found and did. Job ids appear in
// StalledFailedByTimeout or StalledFailedByMachine according to why they
// stalled, and in StalledRecovered or StalledFailed according to the outcome.
type SelfHealReport struct {
	StalledFailedByTimeout []string            `json:"stalledFailedByTimeout"`
	StalledFailedByMachine []string            `json:"stalledFailedByMachine"`
	StalledRecovered       []string            `json:"stalledRecovered"`
	StalledFailed          []string            `json:"stalledFailed"`
	StalledMachines        []models.MachineRef `json:"stalledMachines"`
	// Skipped holds jobs that could not be healed this pass: anomalies and
	// jobs another writer changed first.
	Skipped []string `json:"skipped"`
}

type healOutcome int

const (
	outcomeSkipped healOutcome = iota
	outcomeRecovered
	outcomeFailed
)

// SelfHealJobs stalls running jobs whose worker exceeded the job timeout or
// whose machine stopped pinging, then either returns them to pending or
// fails them depending on the attempts left. Jobs are processed in parallel
// and a failure on one does not affect the others. Safe to run from several
// instances at once.
func (s *Service) SelfHealJobs(ctx context.Context) (report *SelfHealReport, err error) {
	ctx, span := s.tracer.Start(ctx, "jobs.self_heal")
	defer func() { endSpan(span, err) }()

	now := s.now()
	report = &SelfHealReport{}

	timedOut, err := s.store.ListStalledJobs(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("list stalled jobs: %w", err)
	}

	machines, err := s.store.MarkStalledMachines(ctx, now.Add(-s.cfg.MachineStallTimeout))
	if err != nil {
		return nil, fmt.Errorf("mark stalled machines: %w", err)
	}
	for _, m := range machines {
		s.events.Write(models.Event{ClusterID: m.ClusterID, Type: models.EventMachineStalled, MachineID: m.ID})
	}

	orphaned, err := s.store.ListJobsOnInactiveMachines(ctx)
	if err != nil {
		return nil, fmt.Errorf("list jobs on inactive machines: %w", err)
	}

	type candidate struct {
		job    *models.Job
		reason string
	}
	seen := make(map[string]bool)
	var candidates []candidate
	for _, j := range timedOut {
		seen[j.ClusterID+"/"+j.ID] = true
		candidates = append(candidates, candidate{j, reasonTimeout})
	}
	for _, j := range orphaned {
		if !seen[j.ClusterID+"/"+j.ID] {
			candidates = append(candidates, candidate{j, reasonMachineStalled})
		}
	}

	var (
		mu              sync.Mutex
		stalledMachines []models.MachineRef
	)
	machineSeen := make(map[models.MachineRef]bool)
	addMachine := func(ref models.MachineRef) {
		if !machineSeen[ref] {
			machineSeen[ref] = true
			stalledMachines = append(stalledMachines, ref)
		}
	}
	for _, m := range machines {
		addMachine(m)
	}

	limit := s.cfg.SelfHealConcurrency
	if limit < 1 {
		limit = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	for _, c := range candidates {
		c := c
		g.Go(func() error {
			outcome, err := s.healJob(gctx, c.job, c.reason, now)
			if err != nil {
				s.logger.Error("failed to heal job",
					"cluster_id", c.job.ClusterID, "job_id", c.job.ID, "reason", c.reason, "error", err)
			}

			mu.Lock()
			defer mu.Unlock()
			if outcome == outcomeSkipped {
				report.Skipped = append(report.Skipped, c.job.ID)
				return nil
			}
			if c.reason == reasonTimeout {
				report.StalledFailedByTimeout = append(report.StalledFailedByTimeout, c.job.ID)
			} else {
				report.StalledFailedByMachine = append(report.StalledFailedByMachine, c.job.ID)
			}
			if c.job.ExecutingMachineID != nil {
				addMachine(models.MachineRef{ID: *c.job.ExecutingMachineID, ClusterID: c.job.ClusterID})
			}
			if outcome == outcomeRecovered {
				report.StalledRecovered = append(report.StalledRecovered, c.job.ID)
			} else {
				report.StalledFailed = append(report.StalledFailed, c.job.ID)
			}
			return nil
		})
	}
	// Per-job failures are logged above; the workers themselves never fail.
	if err := g.Wait(); err != nil {
		return nil, err
	}

	report.StalledMachines = stalledMachines
	for _, ids := range [][]string{report.StalledFailedByTimeout, report.StalledFailedByMachine,
		report.StalledRecovered, report.StalledFailed, report.Skipped} {
		slices.Sort(ids)
	}

	span.SetAttributes(
		attribute.Int("stalled", len(candidates)),
		attribute.Int("recovered", len(report.StalledRecovered)),
		attribute.Int("failed", len(report.StalledFailed)),
		attribute.Int("stalled_machines", len(report.StalledMachines)),
	)
	if len(candidates) > 0 || len(machines) > 0 {
		s.logger.Info("self-heal sweep finished",
			"stalled", len(candidates),
			"recovered", len(report.StalledRecovered),
			"failed", len(report.StalledFailed),
			"skipped", len(report.Skipped),
			"stalled_machines", len(report.StalledMachines))
	}
	return report, nil
}

var errNoAcknowledgement = errors.New("running job has no acknowledgement time")

// healJob runs one job through the lifecycle machine and persists the
// outcome if the row is still the one that was observed.
func (s *Service) healJob(ctx context.Context, job *models.Job, reason string, now time.Time) (healOutcome, error) {
	if job.LastRetrievedAt == nil {
		return outcomeSkipped, errNoAcknowledgement
	}

	m := jobstate.New(jobstate.ContextFromJob(job),
		jobstate.WithInitialState(jobstate.StateRunning),
		jobstate.WithClock(func() time.Time { return now }))

	if m.Evaluate() == jobstate.StateRunning {
		if reason != reasonMachineStalled {
			// Acknowledged again since the listing; nothing to do.
			return outcomeSkipped, nil
		}
		if _, err := m.Send(jobstate.EventStall); err != nil {
			return outcomeSkipped, err
		}
	}
	if m.State() != jobstate.StateStalled {
		return outcomeSkipped, fmt.Errorf("unexpected state %s", m.State())
	}

	s.events.Write(models.Event{
		ClusterID: job.ClusterID,
		Type:      models.EventJobStalled,
		JobID:     job.ID,
		Service:   job.Service,
		TargetFn:  job.TargetFn,
		RunID:     job.RunID,
		Meta:      map[string]any{"attemptsRemaining": job.RemainingAttempts, "reason": reason},
	})

	next, err := m.Send(jobstate.EventAttemptRecover)
	if err != nil {
		return outcomeSkipped, err
	}
	attempts := m.Context().RemainingAttempts

	rows, err := s.store.UpdateJobs(ctx,
		store.JobFilter{
			ClusterID:       job.ClusterID,
			ID:              job.ID,
			Status:          models.JobStatusRunning,
			LastRetrievedAt: job.LastRetrievedAt,
		},
		store.JobPatch{Status: next.JobStatus(), RemainingAttempts: &attempts})
	if err != nil {
		return outcomeSkipped, fmt.Errorf("persist %s: %w", next, err)
	}
	if len(rows) == 0 {
		s.logger.Info("job changed during self-heal, leaving it",
			"cluster_id", job.ClusterID, "job_id", job.ID)
		return outcomeSkipped, nil
	}

	if next == jobstate.StatePending {
		s.events.Write(models.Event{
			ClusterID: job.ClusterID,
			Type:      models.EventJobRecovered,
			JobID:     job.ID,
			Service:   job.Service,
			TargetFn:  job.TargetFn,
			RunID:     job.RunID,
		})
		return outcomeRecovered, nil
	}

	s.events.Write(models.Event{
		ClusterID: job.ClusterID,
		Type:      models.EventJobStalledTooManyTimes,
		JobID:     job.ID,
		Service:   job.Service,
		TargetFn:  job.TargetFn,
		RunID:     job.RunID,
	})
	if job.RunID != "" {
		if err := s.resumer.ResumeRun(ctx, job.ClusterID, job.RunID); err != nil {
			return outcomeFailed, fmt.Errorf("resume run %s: %w", job.RunID, err)
		}
	}
	return outcomeFailed, nil
}
