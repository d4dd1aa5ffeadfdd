package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/najoast/dsngo/core"
)

// HandlerFunc serves one RPC. The returned bytes become the response body;
// a returned error travels as its ErrorCode, ErrHandlerFailed when it has
// none.
type HandlerFunc func(ctx context.Context, req *Message) ([]byte, error)

// ServerConfig represents server configuration
type ServerConfig struct {
	// Kind is the transport kind (tcp, mem)
	Kind string

	// Address is the listening address
	Address string

	// Format is the header format of accepted channels
	Format HeaderFormat

	// Channel configures accepted channels
	Channel ChannelConfig
}

// DefaultServerConfig returns a default server configuration
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Kind:    TransportTCP,
		Address: "127.0.0.1:0",
		Format:  DefaultHeaderFormat,
		Channel: *DefaultChannelConfig(),
	}
}

// Server accepts channels and dispatches their requests to registered
// handlers as scheduler tasks.
type Server struct {
	cfg       ServerConfig
	opts      options
	logger    *zap.Logger
	scheduler *core.Scheduler

	handlersMu sync.RWMutex
	handlers   map[string]HandlerFunc
	policies   []core.AdmissionPolicy

	running  atomic.Bool
	listener net.Listener
	cancel   context.CancelFunc
	group    *errgroup.Group

	channelsMu sync.Mutex
	channels   map[uint64]*Channel

	// Statistics
	totalConnections   atomic.Int64
	currentConnections atomic.Int64
	totalRequests      atomic.Int64
	rejectedRequests   atomic.Int64
	startTime          time.Time
}

// NewServer creates a server that runs handlers on scheduler.
func NewServer(cfg *ServerConfig, scheduler *core.Scheduler, opts ...Option) (*Server, error) {
	if cfg == nil {
		cfg = DefaultServerConfig()
	}
	if scheduler == nil {
		return nil, errors.New("server requires a scheduler")
	}
	if cfg.Format == FormatInvalid {
		cfg.Format = DefaultHeaderFormat
	}
	if !cfg.Format.IsValid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownFormat, uint8(cfg.Format))
	}

	o := buildOptions(opts)
	return &Server{
		cfg:       *cfg,
		opts:      o,
		logger:    o.logger.Named("server"),
		scheduler: scheduler,
		handlers:  make(map[string]HandlerFunc),
		channels:  make(map[uint64]*Channel),
	}, nil
}

// RegisterHandler binds rpcName to h. The RPC codes are registered on the
// default pool with common priority unless already present.
func (s *Server) RegisterHandler(rpcName string, h HandlerFunc) error {
	if h == nil {
		return errors.New("nil rpc handler")
	}
	reg := s.scheduler.Registry()
	if _, ok := reg.TaskCodeOf(rpcName); !ok {
		if _, _, err := reg.RegisterRPC(rpcName, core.PriorityCommon, core.ThreadPoolDefault); err != nil {
			return fmt.Errorf("register rpc %s: %w", rpcName, err)
		}
	}

	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	if _, exists := s.handlers[rpcName]; exists {
		return fmt.Errorf("%w: %s", ErrHandlerExists, rpcName)
	}
	s.handlers[rpcName] = h
	return nil
}

// AddPolicy adds an admission policy. Policies are consulted in order and
// must be added before Start.
func (s *Server) AddPolicy(p core.AdmissionPolicy) {
	if p != nil {
		s.policies = append(s.policies, p)
	}
}

// Start listens and accepts channels until Stop or ctx is done.
func (s *Server) Start(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrServerRunning
	}

	t, err := LookupTransport(s.cfg.Kind)
	if err != nil {
		s.running.Store(false)
		return err
	}
	listener, err := t.Listen(ctx, s.cfg.Address)
	if err != nil {
		s.running.Store(false)
		return fmt.Errorf("failed to listen on %s %s: %w", s.cfg.Kind, s.cfg.Address, err)
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.listener = listener
	s.startTime = time.Now()
	s.group, ctx = errgroup.WithContext(ctx)

	s.group.Go(func() error { return s.acceptLoop(ctx) })
	s.group.Go(func() error {
		<-ctx.Done()
		return listener.Close()
	})

	s.logger.Info("server started",
		zap.String("kind", s.cfg.Kind),
		zap.Stringer("address", listener.Addr()),
		zap.Stringer("format", s.cfg.Format))
	return nil
}

// Addr returns the listening address
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop closes the listener and every accepted channel and waits for the
// server goroutines.
func (s *Server) Stop(ctx context.Context) error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}
	s.cancel()

	s.channelsMu.Lock()
	for _, ch := range s.channels {
		ch.Close()
	}
	s.channelsMu.Unlock()

	done := make(chan error, 1)
	go func() { done <- s.group.Wait() }()

	select {
	case err := <-done:
		s.logger.Info("server stopped")
		return err
	case <-ctx.Done():
		return fmt.Errorf("server stop: %w", ctx.Err())
	}
}

func (s *Server) acceptLoop(ctx context.Context) error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || !s.running.Load() {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}

		ch := NewChannel(&s.cfg.Channel,
			WithLogger(s.opts.logger),
			WithMetrics(s.opts.metrics),
			WithDispatcher(s.opts.dispatcher))
		ch.SetInboundHandler(s.handleRequest)
		ch.state.Store(int32(ChannelStatePending))
		ch.kind = s.cfg.Kind
		ch.target = conn.RemoteAddr().String()
		if !ch.establish(conn, s.cfg.Format, true) {
			continue
		}

		s.totalConnections.Add(1)
		s.currentConnections.Add(1)
		s.channelsMu.Lock()
		s.channels[ch.ID()] = ch
		s.channelsMu.Unlock()

		// Stop may have run between Accept and registration
		if !s.running.Load() {
			ch.Close()
		}

		s.group.Go(func() error {
			ch.serve()
			s.channelsMu.Lock()
			delete(s.channels, ch.ID())
			s.channelsMu.Unlock()
			s.currentConnections.Add(-1)
			return nil
		})
	}
}

func (s *Server) handler(rpcName string) HandlerFunc {
	s.handlersMu.RLock()
	defer s.handlersMu.RUnlock()
	return s.handlers[rpcName]
}

// handleRequest admits a request and runs its handler as a task
func (s *Server) handleRequest(ch *Channel, req *Message) {
	s.totalRequests.Add(1)

	code, ok := s.scheduler.Registry().TaskCodeOf(req.RPCName)
	h := s.handler(req.RPCName)
	if !ok || h == nil {
		s.opts.metrics.RequestRejected("not_found")
		s.reply(ch, req, nil, ErrHandlerNotFound)
		return
	}
	req.Code = code

	for _, p := range s.policies {
		if !p.Admit(code, req.PartitionHash) {
			s.rejectedRequests.Add(1)
			s.opts.metrics.RequestRejected(p.Name())
			s.reply(ch, req, nil, ErrBusy)
			return
		}
	}

	vq := s.scheduler.VirtualQueues()
	vq.Increment(code, req.PartitionHash)

	_, err := s.scheduler.Submit(code, func(ctx context.Context) error {
		defer vq.Decrement(code, req.PartitionHash)

		if req.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, req.Timeout)
			defer cancel()
		}

		defer func() {
			if r := recover(); r != nil {
				s.reply(ch, req, nil, ErrHandlerFailed)
				panic(r)
			}
		}()

		body, herr := h(ctx, req)
		s.reply(ch, req, body, herr)
		return herr
	},
		core.WithHash(req.PartitionHash),
		core.WithCancelHook(func() {
			// Dropped by scheduler shutdown before it ran
			vq.Decrement(code, req.PartitionHash)
			s.opts.metrics.RequestRejected("shutdown")
			s.reply(ch, req, nil, ErrBusy)
		}))
	if err != nil {
		vq.Decrement(code, req.PartitionHash)
		s.logger.Warn("request not scheduled", zap.String("rpc", req.RPCName), zap.Error(err))
		s.reply(ch, req, nil, ErrBusy)
	}
}

func (s *Server) reply(ch *Channel, req *Message, body []byte, err error) {
	if req.IsOneWay() {
		return
	}
	resp := req.CreateResponse()
	resp.Body = body
	resp.Error = ErrorCodeOf(err)
	if serr := ch.Send(resp); serr != nil {
		s.logger.Debug("response not sent",
			zap.Uint32("id", req.ID),
			zap.String("rpc", req.RPCName),
			zap.Error(serr))
	}
}

// Statistics returns server statistics
func (s *Server) Statistics() ServerStatistics {
	stats := ServerStatistics{
		Kind:               s.cfg.Kind,
		Running:            s.running.Load(),
		StartTime:          s.startTime,
		TotalConnections:   s.totalConnections.Load(),
		CurrentConnections: s.currentConnections.Load(),
		TotalRequests:      s.totalRequests.Load(),
		RejectedRequests:   s.rejectedRequests.Load(),
	}
	if addr := s.Addr(); addr != nil {
		stats.Address = addr.String()
	}
	if stats.Running {
		stats.Uptime = time.Since(s.startTime)
	}
	return stats
}

// ServerStatistics holds statistics for a server
type ServerStatistics struct {
	Address            string        `json:"address"`
	Kind               string        `json:"kind"`
	Running            bool          `json:"running"`
	StartTime          time.Time     `json:"start_time"`
	Uptime             time.Duration `json:"uptime"`
	TotalConnections   int64         `json:"total_connections"`
	CurrentConnections int64         `json:"current_connections"`
	TotalRequests      int64         `json:"total_requests"`
	RejectedRequests   int64         `json:"rejected_requests"`
}
