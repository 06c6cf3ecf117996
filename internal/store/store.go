package store

import (
	"context"
	"errors"
	"time"

	"github.com/kiranshivaraju/jobcontrol/pkg/models"
)

var ErrNotFound = errors.New("resource not found")

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error

	JobStore

	UpsertMachine(ctx context.Context, m *models.Machine) error
	MarkStalledMachines(ctx context.Context, cutoff time.Time) ([]models.MachineRef, error)

	UpsertServiceDefinition(ctx context.Context, def *models.ServiceDefinition) error
	GetServiceDefinition(ctx context.Context, clusterID, service string) (*models.ServiceDefinition, error)

	InsertEvents(ctx context.Context, events []models.Event) error
}

// JobStore holds job rows. Writers never lock rows explicitly: every state
// change is an UpdateJobs call whose filter encodes the expected prior state,
// and the number of returned rows tells the caller whether it won.
type JobStore interface {
	// InsertJob inserts j unless a row with the same (cluster_id, id) exists.
	// A conflicting insert is not an error; inserted is false.
	InsertJob(ctx context.Context, j *models.Job) (inserted bool, err error)
	GetJob(ctx context.Context, clusterID, id string) (*models.Job, error)
	// GetLatestSuccessfulJob returns the most recently resulted job that
	// resolved successfully for the lookup key, or ErrNotFound.
	GetLatestSuccessfulJob(ctx context.Context, lookup CacheLookup) (*models.Job, error)
	// UpdateJobs applies patch to every row matching filter and returns the
	// updated rows.
	UpdateJobs(ctx context.Context, filter JobFilter, patch JobPatch) ([]*models.Job, error)
	// ListStalledJobs returns running jobs last acknowledged more than their
	// timeout before asOf, plus running jobs with no acknowledgement time.
	ListStalledJobs(ctx context.Context, asOf time.Time) ([]*models.Job, error)
	// ListJobsOnInactiveMachines returns running jobs with attempts left whose
	// executing machine has been marked inactive.
	ListJobsOnInactiveMachines(ctx context.Context) ([]*models.Job, error)
	// ClaimPendingJobs moves up to Limit pending jobs of a service to running
	// for the given machine, skipping rows locked by concurrent claimers.
	ClaimPendingJobs(ctx context.Context, params ClaimParams) ([]*models.Job, error)
}

// CacheLookup identifies a reusable result.
type CacheLookup struct {
	ClusterID string
	Service   string
	TargetFn  string
	CacheKey  string
	Since     time.Time
}

// ClaimParams scopes a batch claim.
type ClaimParams struct {
	ClusterID string
	Service   string
	MachineID string
	Limit     int
}
