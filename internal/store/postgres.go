package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/jobcontrol/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Jobs ---

const jobColumns = `id, cluster_id, service, target_fn, target_args, cache_key, status, result, result_type,
	executing_machine_id, remaining_attempts, timeout_interval_seconds, function_execution_time_ms,
	run_id, auth_context, run_context, approved, created_at, updated_at, last_retrieved_at, resulted_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	var j models.Job
	err := row.Scan(&j.ID, &j.ClusterID, &j.Service, &j.TargetFn, &j.TargetArgs, &j.CacheKey,
		&j.Status, &j.Result, &j.ResultType, &j.ExecutingMachineID, &j.RemainingAttempts,
		&j.TimeoutIntervalSeconds, &j.FunctionExecutionTimeMs, &j.RunID, &j.AuthContext,
		&j.RunContext, &j.Approved, &j.CreatedAt, &j.UpdatedAt, &j.LastRetrievedAt, &j.ResultedAt)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// prefixed qualifies every column in a comma-separated list with alias.
func prefixed(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

func collectJobs(rows pgx.Rows) ([]*models.Job, error) {
	defer rows.Close()
	var jobs []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (s *PostgresStore) InsertJob(ctx context.Context, j *models.Job) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO jobs (id, cluster_id, service, target_fn, target_args, cache_key, status,
		   remaining_attempts, timeout_interval_seconds, run_id, auth_context, run_context, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		 ON CONFLICT (cluster_id, id) DO NOTHING`,
		j.ID, j.ClusterID, j.Service, j.TargetFn, j.TargetArgs, j.CacheKey, string(j.Status),
		j.RemainingAttempts, j.TimeoutIntervalSeconds, j.RunID, j.AuthContext, j.RunContext,
		j.CreatedAt, j.UpdatedAt)
	if err != nil {
		return false, fmt.Errorf("insert job: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) GetJob(ctx context.Context, clusterID, id string) (*models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE cluster_id = $1 AND id = $2`, clusterID, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (s *PostgresStore) GetLatestSuccessfulJob(ctx context.Context, lookup CacheLookup) (*models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE cache_key = $1 AND cluster_id = $2 AND service = $3 AND target_fn = $4
		   AND status = 'success' AND result_type = 'resolution' AND resulted_at >= $5
		 ORDER BY resulted_at DESC LIMIT 1`,
		lookup.CacheKey, lookup.ClusterID, lookup.Service, lookup.TargetFn, lookup.Since))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get latest successful job: %w", err)
	}
	return j, nil
}

func (s *PostgresStore) UpdateJobs(ctx context.Context, filter JobFilter, patch JobPatch) ([]*models.Job, error) {
	query, args, err := buildJobUpdate(filter, patch)
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("update jobs: %w", err)
	}
	return collectJobs(rows)
}

func (s *PostgresStore) ListStalledJobs(ctx context.Context, asOf time.Time) ([]*models.Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE status = 'running'
		   AND (last_retrieved_at IS NULL
		        OR last_retrieved_at < $1::timestamptz - make_interval(secs => timeout_interval_seconds))`,
		asOf)
	if err != nil {
		return nil, fmt.Errorf("list stalled jobs: %w", err)
	}
	return collectJobs(rows)
}

func (s *PostgresStore) ListJobsOnInactiveMachines(ctx context.Context) ([]*models.Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+prefixed("j", jobColumns)+` FROM jobs j
		 JOIN machines m ON m.id = j.executing_machine_id AND m.cluster_id = j.cluster_id
		 WHERE j.status = 'running' AND m.status = 'inactive' AND j.remaining_attempts > 0`)
	if err != nil {
		return nil, fmt.Errorf("list jobs on inactive machines: %w", err)
	}
	return collectJobs(rows)
}

func (s *PostgresStore) ClaimPendingJobs(ctx context.Context, p ClaimParams) ([]*models.Job, error) {
	rows, err := s.pool.Query(ctx,
		`UPDATE jobs SET status = 'running',
		   remaining_attempts = remaining_attempts - 1,
		   last_retrieved_at = NOW(),
		   executing_machine_id = $3,
		   updated_at = NOW()
		 WHERE cluster_id = $1 AND id IN (
		   SELECT id FROM jobs
		   WHERE status = 'pending' AND cluster_id = $1 AND service = $2
		   ORDER BY created_at
		   LIMIT $4
		   FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+jobColumns,
		p.ClusterID, p.Service, p.MachineID, p.Limit)
	if err != nil {
		return nil, fmt.Errorf("claim pending jobs: %w", err)
	}
	return collectJobs(rows)
}

// --- Machines ---

func (s *PostgresStore) UpsertMachine(ctx context.Context, m *models.Machine) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO machines (id, cluster_id, last_ping_at, ip, sdk_version, sdk_language, status)
		 VALUES ($1, $2, $3, $4, $5, $6, 'active')
		 ON CONFLICT (cluster_id, id) DO UPDATE SET
		   last_ping_at = EXCLUDED.last_ping_at,
		   ip = EXCLUDED.ip,
		   sdk_version = EXCLUDED.sdk_version,
		   sdk_language = EXCLUDED.sdk_language,
		   status = 'active'`,
		m.ID, m.ClusterID, m.LastPingAt, m.IP, m.SDKVersion, m.SDKLanguage)
	if err != nil {
		return fmt.Errorf("upsert machine: %w", err)
	}
	return nil
}

func (s *PostgresStore) MarkStalledMachines(ctx context.Context, cutoff time.Time) ([]models.MachineRef, error) {
	rows, err := s.pool.Query(ctx,
		`UPDATE machines SET status = 'inactive'
		 WHERE status = 'active' AND last_ping_at < $1
		 RETURNING id, cluster_id`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("mark stalled machines: %w", err)
	}
	defer rows.Close()

	var refs []models.MachineRef
	for rows.Next() {
		var r models.MachineRef
		if err := rows.Scan(&r.ID, &r.ClusterID); err != nil {
			return nil, fmt.Errorf("scan machine: %w", err)
		}
		refs = append(refs, r)
	}
	return refs, rows.Err()
}

// --- Service definitions ---

func (s *PostgresStore) UpsertServiceDefinition(ctx context.Context, def *models.ServiceDefinition) error {
	functions, err := json.Marshal(def.Functions)
	if err != nil {
		return fmt.Errorf("marshal functions: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO service_definitions (cluster_id, service, functions, updated_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (cluster_id, service) DO UPDATE SET
		   functions = EXCLUDED.functions,
		   updated_at = EXCLUDED.updated_at`,
		def.ClusterID, def.Service, functions, def.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert service definition: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetServiceDefinition(ctx context.Context, clusterID, service string) (*models.ServiceDefinition, error) {
	var (
		def       models.ServiceDefinition
		functions []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT cluster_id, service, functions, updated_at
		 FROM service_definitions WHERE cluster_id = $1 AND service = $2`, clusterID, service,
	).Scan(&def.ClusterID, &def.Service, &functions, &def.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get service definition: %w", err)
	}
	if err := json.Unmarshal(functions, &def.Functions); err != nil {
		return nil, fmt.Errorf("decode functions: %w", err)
	}
	return &def, nil
}

// --- Events ---

var eventColumns = []string{
	"id", "cluster_id", "type", "job_id", "machine_id", "service", "target_fn",
	"result_type", "status", "run_id", "meta", "created_at",
}

func (s *PostgresStore) InsertEvents(ctx context.Context, events []models.Event) error {
	if len(events) == 0 {
		return nil
	}
	_, err := s.pool.CopyFrom(ctx, pgx.Identifier{"events"}, eventColumns,
		pgx.CopyFromSlice(len(events), func(i int) ([]any, error) {
			e := events[i]
			var meta []byte
			if len(e.Meta) > 0 {
				b, err := json.Marshal(e.Meta)
				if err != nil {
					return nil, fmt.Errorf("marshal event meta: %w", err)
				}
				meta = b
			}
			return []any{
				e.ID, e.ClusterID, string(e.Type), nullable(e.JobID), nullable(e.MachineID),
				nullable(e.Service), nullable(e.TargetFn), nullable(e.ResultType),
				nullable(e.Status), nullable(e.RunID), meta, e.CreatedAt,
			}, nil
		}))
	if err != nil {
		return fmt.Errorf("insert events: %w", err)
	}
	return nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
