// Package services keeps the per-cluster service definitions that workers
// register and that job creation consults for function configuration.
package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kiranshivaraju/jobcontrol/internal/cache"
	"github.com/kiranshivaraju/jobcontrol/internal/cachekey"
	"github.com/kiranshivaraju/jobcontrol/internal/store"
	"github.com/kiranshivaraju/jobcontrol/pkg/models"
)

var ErrInvalidDefinition = errors.New("invalid service definition")

// DefinitionStore is the persistence the registry needs.
type DefinitionStore interface {
	UpsertServiceDefinition(ctx context.Context, def *models.ServiceDefinition) error
	GetServiceDefinition(ctx context.Context, clusterID, service string) (*models.ServiceDefinition, error)
}

// Registry reads service definitions through a Redis cache.
type Registry struct {
	store  DefinitionStore
	cache  cache.Cache
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time
}

func NewRegistry(s DefinitionStore, c cache.Cache, ttl time.Duration, logger *slog.Logger) *Registry {
	return &Registry{store: s, cache: c, ttl: ttl, logger: logger, now: time.Now}
}

// RegisterService stores def, replacing any previous definition of the same
// service, and evicts the cached copy.
func (r *Registry) RegisterService(ctx context.Context, def *models.ServiceDefinition) error {
	if def.ClusterID == "" || def.Service == "" {
		return fmt.Errorf("%w: cluster and service are required", ErrInvalidDefinition)
	}
	seen := make(map[string]bool, len(def.Functions))
	for _, fn := range def.Functions {
		if fn.Name == "" {
			return fmt.Errorf("%w: function name is required", ErrInvalidDefinition)
		}
		if seen[fn.Name] {
			return fmt.Errorf("%w: duplicate function %q", ErrInvalidDefinition, fn.Name)
		}
		seen[fn.Name] = true
		if fn.Config != nil && fn.Config.Cache != nil {
			if err := cachekey.Validate(fn.Config.Cache.KeyPath); err != nil {
				return fmt.Errorf("%w: function %q: %v", ErrInvalidDefinition, fn.Name, err)
			}
		}
	}

	def.UpdatedAt = r.now().UTC()
	if err := r.store.UpsertServiceDefinition(ctx, def); err != nil {
		return fmt.Errorf("register service %s: %w", def.Service, err)
	}

	if err := r.cache.Delete(ctx, cache.ServiceDefinitionKey(def.ClusterID, def.Service)); err != nil {
		r.logger.Warn("failed to evict service definition", "cluster_id", def.ClusterID, "service", def.Service, "error", err)
	}
	return nil
}

// Definition returns the service definition, or store.ErrNotFound.
func (r *Registry) Definition(ctx context.Context, clusterID, service string) (*models.ServiceDefinition, error) {
	key := cache.ServiceDefinitionKey(clusterID, service)

	cached, found, err := cache.GetJSON[models.ServiceDefinition](ctx, r.cache, key)
	if err != nil {
		r.logger.Warn("service definition cache read failed", "key", key, "error", err)
	}
	if found {
		return cached, nil
	}

	def, err := r.store.GetServiceDefinition(ctx, clusterID, service)
	if err != nil {
		return nil, err
	}

	if err := cache.SetJSON(ctx, r.cache, key, def, r.ttl); err != nil {
		r.logger.Warn("service definition cache write failed", "key", key, "error", err)
	}
	return def, nil
}

// FunctionConfig returns the definition of fn within service, or nil when
// the service or function is not registered.
func (r *Registry) FunctionConfig(ctx context.Context, clusterID, service, fn string) (*models.FunctionDefinition, error) {
	def, err := r.Definition(ctx, clusterID, service)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get function config: %w", err)
	}
	return def.Function(fn), nil
}
