package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Service is a component started and stopped by a Lifecycle.
type Service interface {
	// Name returns the service name
	Name() string

	// Start starts the service. It must not block past ctx.
	Start(ctx context.Context) error

	// Stop stops the service
	Stop(ctx context.Context) error

	// Health returns the health status of the service
	Health(ctx context.Context) HealthStatus
}

// HealthState represents the health state of a service
type HealthState string

const (
	HealthUnknown   HealthState = "unknown"
	HealthHealthy   HealthState = "healthy"
	HealthUnhealthy HealthState = "unhealthy"
	HealthStopped   HealthState = "stopped"
)

// HealthStatus represents the health status of a service
type HealthStatus struct {
	State   HealthState    `json:"state"`
	Message string         `json:"message,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

// Lifecycle starts services in dependency order and stops them in reverse.
// Services on the same dependency level start and stop concurrently.
type Lifecycle struct {
	logger  *zap.Logger
	timeout time.Duration

	mu       sync.Mutex
	services map[string]Service
	deps     map[string][]string
	started  [][]string // levels started so far
}

// NewLifecycle creates an empty lifecycle. A zero timeout disables the
// per-service start and stop timeout.
func NewLifecycle(logger *zap.Logger, timeout time.Duration) *Lifecycle {
	if logger == nil {
		logger = zap.L()
	}
	return &Lifecycle{
		logger:   logger.Named("lifecycle"),
		timeout:  timeout,
		services: make(map[string]Service),
		deps:     make(map[string][]string),
	}
}

// Register adds a service that starts after deps.
func (lc *Lifecycle) Register(svc Service, deps ...string) error {
	if svc == nil || svc.Name() == "" {
		return errors.New("service must have a name")
	}

	lc.mu.Lock()
	defer lc.mu.Unlock()

	if lc.started != nil {
		return fmt.Errorf("cannot register service %s: %w", svc.Name(), ErrNodeStarted)
	}
	if _, exists := lc.services[svc.Name()]; exists {
		return fmt.Errorf("service %s is already registered", svc.Name())
	}
	lc.services[svc.Name()] = svc
	lc.deps[svc.Name()] = deps
	return nil
}

// Start starts every service level by level. If a service fails, the
// services already started are stopped again.
func (lc *Lifecycle) Start(ctx context.Context) error {
	lc.mu.Lock()
	defer lc.mu.Unlock()

	if lc.started != nil {
		return ErrNodeStarted
	}
	levels, err := lc.levels()
	if err != nil {
		return err
	}

	lc.started = make([][]string, 0, len(levels))
	for _, level := range levels {
		var (
			mu sync.Mutex
			up []string
		)
		g, gctx := errgroup.WithContext(ctx)
		for _, name := range level {
			svc := lc.services[name]
			g.Go(func() error {
				sctx, cancel := lc.withTimeout(gctx)
				defer cancel()
				if err := svc.Start(sctx); err != nil {
					return fmt.Errorf("failed to start service %s: %w", name, err)
				}
				mu.Lock()
				up = append(up, name)
				mu.Unlock()
				lc.logger.Debug("service started", zap.String("service", name))
				return nil
			})
		}
		err := g.Wait()
		if len(up) > 0 {
			lc.started = append(lc.started, up)
		}
		if err != nil {
			_ = lc.stopLocked(context.WithoutCancel(ctx))
			lc.started = nil
			return err
		}
	}
	return nil
}

// Stop stops the started services in reverse dependency order. Every
// service is stopped even if another fails; the errors are joined.
func (lc *Lifecycle) Stop(ctx context.Context) error {
	lc.mu.Lock()
	defer lc.mu.Unlock()

	if lc.started == nil {
		return nil
	}
	err := lc.stopLocked(ctx)
	lc.started = nil
	return err
}

func (lc *Lifecycle) stopLocked(ctx context.Context) error {
	var (
		mu   sync.Mutex
		errs []error
	)
	for i := len(lc.started) - 1; i >= 0; i-- {
		var g errgroup.Group
		for _, name := range lc.started[i] {
			svc := lc.services[name]
			g.Go(func() error {
				sctx, cancel := lc.withTimeout(ctx)
				defer cancel()
				if err := svc.Stop(sctx); err != nil {
					lc.logger.Warn("service stop failed", zap.String("service", name), zap.Error(err))
					mu.Lock()
					errs = append(errs, fmt.Errorf("failed to stop service %s: %w", name, err))
					mu.Unlock()
					return nil
				}
				lc.logger.Debug("service stopped", zap.String("service", name))
				return nil
			})
		}
		_ = g.Wait()
	}
	return errors.Join(errs...)
}

// Health returns the health of every registered service.
func (lc *Lifecycle) Health(ctx context.Context) map[string]HealthStatus {
	lc.mu.Lock()
	services := make([]Service, 0, len(lc.services))
	for _, svc := range lc.services {
		services = append(services, svc)
	}
	lc.mu.Unlock()

	health := make(map[string]HealthStatus, len(services))
	for _, svc := range services {
		health[svc.Name()] = svc.Health(ctx)
	}
	return health
}

// Services returns the registered service names in start order.
func (lc *Lifecycle) Services() ([]string, error) {
	lc.mu.Lock()
	defer lc.mu.Unlock()

	levels, err := lc.levels()
	if err != nil {
		return nil, err
	}
	var names []string
	for _, level := range levels {
		names = append(names, level...)
	}
	return names, nil
}

func (lc *Lifecycle) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if lc.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, lc.timeout)
}

// levels groups services by dependency depth using Kahn's algorithm. Names
// within a level are sorted.
func (lc *Lifecycle) levels() ([][]string, error) {
	inDegree := make(map[string]int, len(lc.services))
	dependents := make(map[string][]string, len(lc.services))
	for name := range lc.services {
		inDegree[name] = 0
	}
	for name := range lc.services {
		for _, dep := range lc.deps[name] {
			if _, exists := lc.services[dep]; !exists {
				return nil, fmt.Errorf("dependency %s of service %s is not registered", dep, name)
			}
			dependents[dep] = append(dependents[dep], name)
			inDegree[name]++
		}
	}

	var current []string
	for name, d := range inDegree {
		if d == 0 {
			current = append(current, name)
		}
	}

	var levels [][]string
	seen := 0
	for len(current) > 0 {
		sort.Strings(current)
		levels = append(levels, current)
		seen += len(current)

		var next []string
		for _, name := range current {
			for _, dependent := range dependents[name] {
				inDegree[dependent]--
				if inDegree[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		current = next
	}

	if seen != len(lc.services) {
		return nil, errors.New("circular service dependency detected")
	}
	return levels, nil
}
