// Package jobs creates jobs, records worker acknowledgements and results,
// and recovers jobs whose workers went silent. Every state change is a
// single predicate-guarded update against the store; the number of rows it
// touches decides which concurrent writer won.
package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/jobcontrol/internal/config"
	"github.com/kiranshivaraju/jobcontrol/internal/dispatch"
	"github.com/kiranshivaraju/jobcontrol/internal/events"
	"github.com/kiranshivaraju/jobcontrol/internal/store"
	"github.com/kiranshivaraju/jobcontrol/pkg/models"
	"github.com/ohler55/ojg/oj"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/kiranshivaraju/jobcontrol/internal/jobs"

// Store is the persistence the job service needs.
type Store interface {
	store.JobStore
	MarkStalledMachines(ctx context.Context, cutoff time.Time) ([]models.MachineRef, error)
}

// FunctionLookup resolves the registered definition of a function, or nil
// when it is not (yet) registered.
type FunctionLookup interface {
	FunctionConfig(ctx context.Context, clusterID, service, fn string) (*models.FunctionDefinition, error)
}

// ArgsParser decodes and validates raw job arguments against a function
// schema. schema may be nil.
type ArgsParser interface {
	ParseArgs(ctx context.Context, args string, schema json.RawMessage) (any, error)
}

// RunResumer notifies the run that owns a job that it can continue.
type RunResumer interface {
	ResumeRun(ctx context.Context, clusterID, runID string) error
}

// JSONArgsParser decodes arguments as JSON without schema validation.
type JSONArgsParser struct{}

func (JSONArgsParser) ParseArgs(_ context.Context, args string, _ json.RawMessage) (any, error) {
	v, err := oj.ParseString(args)
	if err != nil {
		return nil, &InvalidJobArgumentsError{
			Message: "job arguments are not valid JSON",
			DocsURL: argumentsDocsURL,
			Err:     err,
		}
	}
	return v, nil
}

type nopResumer struct{}

func (nopResumer) ResumeRun(context.Context, string, string) error { return nil }

// Service implements job creation, result persistence and self-healing.
type Service struct {
	store       Store
	functions   FunctionLookup
	events      events.Sink
	cfg         config.JobsConfig
	parser      ArgsParser
	transport   dispatch.Transport
	resumer     RunResumer
	schemaRetry RetryPolicy
	logger      *slog.Logger
	tracer      trace.Tracer
	now         func() time.Time
	newID       func() string
}

type Option func(*Service)

func WithArgsParser(p ArgsParser) Option { return func(s *Service) { s.parser = p } }

// WithTransport enables dispatch of jobs for external services.
func WithTransport(t dispatch.Transport) Option { return func(s *Service) { s.transport = t } }

func WithRunResumer(r RunResumer) Option { return func(s *Service) { s.resumer = r } }

func WithSchemaRetry(p RetryPolicy) Option { return func(s *Service) { s.schemaRetry = p } }

func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.logger = l } }

func WithTracer(t trace.Tracer) Option { return func(s *Service) { s.tracer = t } }

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func WithIDGenerator(f func() string) Option { return func(s *Service) { s.newID = f } }

// NewService creates a Service. The schema retry policy is taken from cfg
// unless overridden with WithSchemaRetry.
func NewService(st Store, functions FunctionLookup, sink events.Sink, cfg config.JobsConfig, opts ...Option) *Service {
	s := &Service{
		store:       st,
		functions:   functions,
		events:      sink,
		cfg:         cfg,
		parser:      JSONArgsParser{},
		resumer:     nopResumer{},
		schemaRetry: RetryPolicy{MaxRetries: cfg.SchemaRetries, Delay: cfg.SchemaRetryDelay},
		logger:      slog.Default(),
		tracer:      otel.Tracer(tracerName),
		now:         time.Now,
		newID:       newJobID,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func newJobID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// GetJob returns a job by id, or ErrJobNotFound.
func (s *Service) GetJob(ctx context.Context, clusterID, jobID string) (*models.Job, error) {
	j, err := s.store.GetJob(ctx, clusterID, jobID)
	if err != nil {
		return nil, storeErr(err, jobID)
	}
	return j, nil
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
