package bootstrap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"github.com/najoast/dsngo/config"
	"github.com/najoast/dsngo/core"
)

// Service names
const (
	serviceScheduler = "scheduler"
	serviceServer    = "rpc-server"
	serviceMonitor   = "monitor"
	serviceWatcher   = "config-watcher"
)

// schedulerService runs the thread pools
type schedulerService struct {
	n *Node
}

func (s *schedulerService) Name() string { return serviceScheduler }

func (s *schedulerService) Start(ctx context.Context) error {
	if err := s.n.applyTaskOverrides(s.n.Config().Scheduler.Tasks); err != nil {
		return err
	}
	return s.n.scheduler.Start(s.n.ctx)
}

func (s *schedulerService) Stop(ctx context.Context) error {
	return s.n.scheduler.Shutdown(ctx)
}

func (s *schedulerService) Health(ctx context.Context) HealthStatus {
	state := s.n.scheduler.State()
	st := HealthStatus{State: HealthHealthy, Message: "scheduler " + state.String()}
	switch state {
	case core.SchedulerStateIdle:
		st.State = HealthUnknown
	case core.SchedulerStateStopped:
		st.State = HealthStopped
	}

	pools := make(map[string]any)
	for _, p := range s.n.scheduler.Stats() {
		pools[p.Name] = map[string]any{
			"workers":  p.Workers,
			"queued":   p.QueuedTotal(),
			"executed": p.Executed,
			"failed":   p.Failed,
		}
	}
	st.Data = map[string]any{"pools": pools}
	return st
}

// serverService accepts RPC channels
type serverService struct {
	n *Node
}

func (s *serverService) Name() string { return serviceServer }

func (s *serverService) Start(ctx context.Context) error {
	return s.n.server.Start(s.n.ctx)
}

func (s *serverService) Stop(ctx context.Context) error {
	return s.n.server.Stop(ctx)
}

func (s *serverService) Health(ctx context.Context) HealthStatus {
	stats := s.n.server.Statistics()
	if !stats.Running {
		return HealthStatus{State: HealthStopped, Message: "rpc server not running"}
	}
	return HealthStatus{
		State:   HealthHealthy,
		Message: "rpc server running",
		Data: map[string]any{
			"address":     stats.Address,
			"connections": stats.CurrentConnections,
			"requests":    stats.TotalRequests,
			"rejected":    stats.RejectedRequests,
		},
	}
}

// monitorService serves metrics and health over HTTP
type monitorService struct {
	n      *Node
	cfg    config.HTTPMonitorConfig
	server *http.Server

	mu       sync.Mutex
	listener net.Listener
}

func newMonitorService(n *Node, cfg config.HTTPMonitorConfig) *monitorService {
	m := &monitorService{n: n, cfg: cfg}
	mux := http.NewServeMux()
	mux.Handle(cfg.MetricsPath, n.metrics.Handler())
	mux.HandleFunc(cfg.HealthPath, m.serveHealth)
	m.server = &http.Server{Handler: mux}
	return m
}

func (m *monitorService) Name() string { return serviceMonitor }

func (m *monitorService) Start(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", m.cfg.ListenAddress())
	if err != nil {
		return fmt.Errorf("monitor listen: %w", err)
	}
	m.mu.Lock()
	m.listener = ln
	m.mu.Unlock()

	go func() {
		if err := m.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.n.logger.Error("monitor server failed", zap.Error(err))
		}
	}()
	m.n.logger.Info("monitor listening", zap.Stringer("address", ln.Addr()))
	return nil
}

func (m *monitorService) Stop(ctx context.Context) error {
	return m.server.Shutdown(ctx)
}

func (m *monitorService) Health(ctx context.Context) HealthStatus {
	if m.Addr() == nil {
		return HealthStatus{State: HealthStopped, Message: "monitor not listening"}
	}
	return HealthStatus{State: HealthHealthy, Message: "monitor listening"}
}

// Addr returns the listening address, nil before Start.
func (m *monitorService) Addr() net.Addr {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listener == nil {
		return nil
	}
	return m.listener.Addr()
}

// serveHealth answers 200 when every service is healthy and 503 otherwise.
func (m *monitorService) serveHealth(w http.ResponseWriter, r *http.Request) {
	health := m.n.Health(r.Context())
	code := http.StatusOK
	for _, st := range health {
		if st.State != HealthHealthy {
			code = http.StatusServiceUnavailable
			break
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(health); err != nil {
		m.n.logger.Debug("health response not written", zap.Error(err))
	}
}

// watcherService runs the configuration watcher
type watcherService struct {
	w *config.Watcher
}

func (s *watcherService) Name() string { return serviceWatcher }

func (s *watcherService) Start(ctx context.Context) error {
	return s.w.Start()
}

func (s *watcherService) Stop(ctx context.Context) error {
	return s.w.Stop()
}

func (s *watcherService) Health(ctx context.Context) HealthStatus {
	return HealthStatus{State: HealthHealthy, Message: "watching configuration"}
}
