package network

import (
	"go.uber.org/zap"

	"github.com/najoast/dsngo/core"
	"github.com/najoast/dsngo/metrics"
)

// Dispatcher runs callbacks as scheduler tasks. *core.Scheduler implements it.
type Dispatcher interface {
	Submit(code core.TaskCode, handler core.TaskHandler, opts ...core.TaskOption) (*core.Task, error)
}

// Option configures the collaborators of a Matcher, Channel or Server.
type Option func(*options)

type options struct {
	logger     *zap.Logger
	metrics    *metrics.Metrics
	dispatcher Dispatcher
}

// WithLogger sets the logger. The default is zap.L().
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics enables prometheus accounting.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithDispatcher runs reply callbacks as tasks instead of inline.
func WithDispatcher(d Dispatcher) Option {
	return func(o *options) { o.dispatcher = d }
}

func buildOptions(opts []Option) options {
	o := options{logger: zap.L()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
