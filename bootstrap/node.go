// Package bootstrap assembles a dsngo node: registry, scheduler, RPC server,
// metrics endpoint and configuration hot reload, plus handle-based access to
// channels and tasks.
package bootstrap

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/najoast/dsngo/config"
	"github.com/najoast/dsngo/core"
	"github.com/najoast/dsngo/logging"
	"github.com/najoast/dsngo/metrics"
	"github.com/najoast/dsngo/network"
)

const (
	defaultChannelCapacity = 1024
	defaultTaskCapacity    = 4096
	defaultServiceTimeout  = 30 * time.Second

	// Rate buckets idle this long are evicted
	admissionIdleTTL = 10 * time.Minute
)

// NodeOption configures a Node.
type NodeOption func(*nodeOptions)

type nodeOptions struct {
	logger          *zap.Logger
	level           *zap.AtomicLevel
	registry        *prometheus.Registry
	configFile      string
	channelCapacity int
	taskCapacity    int
	serviceTimeout  time.Duration
}

// WithLogger sets the node logger instead of building one from the log
// configuration. Log level hot reload needs WithLogLevel as well.
func WithLogger(logger *zap.Logger) NodeOption {
	return func(o *nodeOptions) { o.logger = logger }
}

// WithLogLevel sets the level changed on configuration reload.
func WithLogLevel(level zap.AtomicLevel) NodeOption {
	return func(o *nodeOptions) { o.level = &level }
}

// WithPrometheusRegistry registers the node metrics with reg.
func WithPrometheusRegistry(reg *prometheus.Registry) NodeOption {
	return func(o *nodeOptions) { o.registry = reg }
}

// WithConfigFile watches path and applies reloaded configuration.
func WithConfigFile(path string) NodeOption {
	return func(o *nodeOptions) { o.configFile = path }
}

// WithHandleCapacity sizes the channel and task handle registries.
func WithHandleCapacity(channels, tasks int) NodeOption {
	return func(o *nodeOptions) {
		o.channelCapacity = channels
		o.taskCapacity = tasks
	}
}

// WithServiceTimeout bounds the start and stop of each node service.
func WithServiceTimeout(d time.Duration) NodeOption {
	return func(o *nodeOptions) { o.serviceTimeout = d }
}

// Node owns the runtime components of one process.
type Node struct {
	cfg    atomic.Pointer[config.Config]
	logger *zap.Logger
	level  *zap.AtomicLevel

	metrics   *metrics.Metrics
	registry  *core.Registry
	scheduler *core.Scheduler
	server    *network.Server
	watcher   *config.Watcher
	monitor   *monitorService
	lifecycle *Lifecycle

	channels *core.HandleRegistry[*network.Channel]
	tasks    *core.HandleRegistry[*core.Task]

	replyDelay atomic.Int64 // time.Duration
	running    atomic.Bool

	// Lifetime of the started components
	ctx    context.Context
	cancel context.CancelFunc
}

// NewNode builds a node from cfg. With WithConfigFile, a nil cfg is loaded
// from that file.
func NewNode(cfg *config.Config, opts ...NodeOption) (*Node, error) {
	o := nodeOptions{
		channelCapacity: defaultChannelCapacity,
		taskCapacity:    defaultTaskCapacity,
		serviceTimeout:  defaultServiceTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}

	n := &Node{}
	if o.configFile != "" {
		w, err := config.NewWatcher(o.configFile, config.NewLoader(), config.WithWatcherLogger(o.logger))
		if err != nil {
			return nil, err
		}
		n.watcher = w
		if cfg == nil {
			cfg = w.Config()
		}
	}
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	if err := n.init(cfg, &o); err != nil {
		if n.watcher != nil {
			n.watcher.Stop()
		}
		return nil, err
	}
	return n, nil
}

func (n *Node) init(cfg *config.Config, o *nodeOptions) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid node config: %w", err)
	}
	n.cfg.Store(cfg)
	n.replyDelay.Store(int64(cfg.RPC.ReplyDelay))

	logger := o.logger
	n.level = o.level
	if logger == nil {
		l, level, err := logging.New(cfg.Log)
		if err != nil {
			return fmt.Errorf("build logger: %w", err)
		}
		logger, n.level = l, &level
	}
	n.logger = logger.Named("node").With(zap.String("app", cfg.App.Name))

	reg := o.registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m, err := metrics.New(reg)
	if err != nil {
		return err
	}
	n.metrics = m

	n.registry = core.NewRegistry()
	if err := n.registerPools(cfg.Scheduler); err != nil {
		return err
	}
	n.scheduler = core.NewScheduler(n.registry,
		core.WithLogger(logger),
		core.WithMetrics(m),
		core.WithAbortOnFailure(cfg.Scheduler.AbortOnFailure))

	format, err := network.ParseHeaderFormat(cfg.Network.HeaderFormat)
	if err != nil {
		return err
	}
	n.server, err = network.NewServer(&network.ServerConfig{
		Kind:    cfg.Network.Kind,
		Address: cfg.Network.Address,
		Format:  format,
		Channel: n.channelConfig(cfg),
	}, n.scheduler,
		network.WithLogger(logger),
		network.WithMetrics(m),
		network.WithDispatcher(n.scheduler))
	if err != nil {
		return err
	}
	if adm := cfg.RPC.Admission; adm.MaxQueueLength > 0 {
		n.server.AddPolicy(&core.QueueLengthPolicy{
			Queues:    n.scheduler.VirtualQueues(),
			MaxLength: adm.MaxQueueLength,
		})
	}
	if adm := cfg.RPC.Admission; adm.Rate > 0 {
		n.server.AddPolicy(core.NewRatePolicy(adm.Rate, adm.Burst, admissionIdleTTL))
	}

	n.channels = core.NewHandleRegistry[*network.Channel](o.channelCapacity)
	n.tasks = core.NewHandleRegistry[*core.Task](o.taskCapacity)

	n.lifecycle = NewLifecycle(logger, o.serviceTimeout)
	if err := n.lifecycle.Register(&schedulerService{n}); err != nil {
		return err
	}
	if err := n.lifecycle.Register(&serverService{n}, serviceScheduler); err != nil {
		return err
	}
	if cfg.Monitor.HTTP.Enabled {
		n.monitor = newMonitorService(n, cfg.Monitor.HTTP)
		if err := n.lifecycle.Register(n.monitor); err != nil {
			return err
		}
	}
	if n.watcher != nil {
		n.watcher.OnConfigChange(n.applyConfig)
		if err := n.lifecycle.Register(&watcherService{n.watcher}); err != nil {
			return err
		}
	}
	return nil
}

func (n *Node) registerPools(sc config.SchedulerConfig) error {
	for _, p := range sc.Pools {
		spec := core.PoolSpec{
			Workers:          p.Workers,
			Partitioned:      p.Partitioned,
			FairnessInterval: p.FairnessInterval,
			AbortOnFailure:   p.AbortOnFailure,
		}
		if p.Name == core.ThreadPoolDefaultName {
			if err := n.registry.ConfigurePool(core.ThreadPoolDefault, spec); err != nil {
				return err
			}
			continue
		}
		if _, err := n.registry.RegisterPool(p.Name, spec); err != nil {
			return err
		}
	}
	return nil
}

// applyTaskOverrides moves configured task codes to their pool and
// priority. Names not registered by now are logged and skipped.
func (n *Node) applyTaskOverrides(tasks map[string]config.TaskConfig) error {
	for name, tc := range tasks {
		code, ok := n.registry.TaskCodeOf(name)
		if !ok {
			n.logger.Warn("task override for unregistered task", zap.String("task", name))
			continue
		}
		if tc.Priority != "" {
			pri, err := core.ParsePriority(tc.Priority)
			if err != nil {
				return err
			}
			if err := n.registry.SetPriority(code, pri); err != nil {
				return err
			}
		}
		if tc.Pool != "" {
			pool, ok := n.registry.PoolCodeOf(tc.Pool)
			if !ok {
				return fmt.Errorf("task %s: pool %s: %w", name, tc.Pool, core.ErrPoolNotFound)
			}
			if err := n.registry.SetPool(code, pool); err != nil {
				return err
			}
		}
	}
	return nil
}

func (n *Node) channelConfig(cfg *config.Config) network.ChannelConfig {
	return network.ChannelConfig{
		BufferSize:     cfg.Network.BufferSize,
		MaxMessageSize: cfg.Network.MaxMessageSize,
		ReadTimeout:    cfg.Network.ReadTimeout,
		WriteTimeout:   cfg.Network.WriteTimeout,
		MatcherBuckets: cfg.RPC.MatcherBuckets,
		ReplyDelay:     time.Duration(n.replyDelay.Load()),
		DefaultTimeout: cfg.RPC.DefaultTimeout,
	}
}

// Config returns the current configuration.
func (n *Node) Config() *config.Config {
	return n.cfg.Load()
}

// Logger returns the node logger.
func (n *Node) Logger() *zap.Logger {
	return n.logger
}

// Registry returns the code registry. Tasks and RPCs are registered on it
// before Start.
func (n *Node) Registry() *core.Registry {
	return n.registry
}

// Scheduler returns the task scheduler.
func (n *Node) Scheduler() *core.Scheduler {
	return n.scheduler
}

// Server returns the RPC server.
func (n *Node) Server() *network.Server {
	return n.server
}

// Metrics returns the node metrics.
func (n *Node) Metrics() *metrics.Metrics {
	return n.metrics
}

// RegisterHandler binds an RPC handler on the node server.
func (n *Node) RegisterHandler(rpcName string, h network.HandlerFunc) error {
	return n.server.RegisterHandler(rpcName, h)
}

// Start applies task overrides and starts every node service.
func (n *Node) Start(ctx context.Context) error {
	if !n.running.CompareAndSwap(false, true) {
		return ErrNodeStarted
	}
	n.ctx, n.cancel = context.WithCancel(context.WithoutCancel(ctx))

	if err := n.lifecycle.Start(ctx); err != nil {
		n.cancel()
		n.running.Store(false)
		return err
	}

	n.logger.Info("node started",
		zap.Stringer("rpc_address", n.server.Addr()),
		zap.Int("pools", len(n.registry.Pools())),
		zap.Int("tasks", len(n.registry.Tasks())))
	return nil
}

// Stop closes every channel opened through the node, then stops the node
// services.
func (n *Node) Stop(ctx context.Context) error {
	if !n.running.CompareAndSwap(true, false) {
		return nil
	}

	var open []core.Handle
	n.channels.Range(func(h core.Handle, _ *network.Channel) bool {
		open = append(open, h)
		return true
	})
	for _, h := range open {
		n.CloseChannel(h)
	}

	err := n.lifecycle.Stop(ctx)
	n.cancel()
	if err != nil {
		return err
	}
	n.logger.Info("node stopped")
	return nil
}

// Health reports the health of every node service.
func (n *Node) Health(ctx context.Context) map[string]HealthStatus {
	return n.lifecycle.Health(ctx)
}

// SetReplyDelay changes the reply delay of every open and future channel.
func (n *Node) SetReplyDelay(d time.Duration) {
	n.replyDelay.Store(int64(d))
	n.channels.Range(func(_ core.Handle, ch *network.Channel) bool {
		ch.SetReplyDelay(d)
		return true
	})
}

// applyConfig is the hot reload callback. Only the log level and the reply
// delay take effect without a restart.
func (n *Node) applyConfig(oldConfig, newConfig *config.Config) {
	n.cfg.Store(newConfig)

	if n.level != nil && oldConfig.Log.Level != newConfig.Log.Level {
		n.level.SetLevel(logging.ParseLevel(newConfig.Log.Level))
		n.logger.Info("log level changed", zap.Stringer("level", newConfig.Log.Level))
	}
	if oldConfig.RPC.ReplyDelay != newConfig.RPC.ReplyDelay {
		n.SetReplyDelay(newConfig.RPC.ReplyDelay)
		n.logger.Info("reply delay changed", zap.Duration("delay", newConfig.RPC.ReplyDelay))
	}
}
