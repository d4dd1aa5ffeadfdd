package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ChannelState represents the state of a Channel
type ChannelState int32

const (
	ChannelStateUnopened ChannelState = iota
	ChannelStatePending
	ChannelStateEstablished
	ChannelStateClosed
)

// String returns the string representation of ChannelState
func (cs ChannelState) String() string {
	switch cs {
	case ChannelStateUnopened:
		return "unopened"
	case ChannelStatePending:
		return "pending"
	case ChannelStateEstablished:
		return "established"
	case ChannelStateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ChannelConfig holds the tunables of a channel.
type ChannelConfig struct {
	// BufferSize is the minimum read size
	BufferSize int

	// MaxMessageSize bounds accepted frames
	MaxMessageSize int

	// ReadTimeout applies to RecvBlock on sync channels
	ReadTimeout time.Duration

	// WriteTimeout applies to every write
	WriteTimeout time.Duration

	// MatcherBuckets sizes the reply matcher of async channels
	MatcherBuckets int

	// ReplyDelay postpones reply callbacks, for fault injection
	ReplyDelay time.Duration

	// DefaultTimeout applies to calls made without a timeout; zero leaves
	// them pending until the channel closes
	DefaultTimeout time.Duration
}

// DefaultChannelConfig returns a default channel configuration
func DefaultChannelConfig() *ChannelConfig {
	return &ChannelConfig{
		BufferSize:     defaultReadBufferSize,
		MaxMessageSize: DefaultMaxMessageSize,
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   30 * time.Second,
		MatcherBuckets: DefaultMatcherBuckets,
		DefaultTimeout: DefaultCallTimeout,
	}
}

// InboundHandler receives requests arriving on an async channel.
type InboundHandler func(ch *Channel, msg *Message)

// channelIDCounter generates unique channel IDs
var channelIDCounter atomic.Uint64

// Channel is one framed connection to a peer. Sync channels are driven by
// RecvBlock; async channels run a read loop that feeds replies to the
// channel's Matcher and requests to the inbound handler.
type Channel struct {
	id     uint64
	cfg    ChannelConfig
	opts   options
	logger *zap.Logger

	state      atomic.Int32 // ChannelState
	replyDelay atomic.Int64 // time.Duration

	// Set by Open or by the server before the channel is shared
	kind    string
	target  string
	format  HeaderFormat
	async   bool
	conn    net.Conn
	reader  *MessageReader
	matcher *Matcher
	inbound InboundHandler

	connMu sync.Mutex
	wmu    sync.Mutex
	rmu    sync.Mutex

	closeOnce sync.Once
	done      chan struct{}

	// Statistics
	bytesRead    atomic.Int64
	bytesWritten atomic.Int64
	messagesRead atomic.Int64
	messagesSent atomic.Int64
	lastActivity atomic.Int64
}

// NewChannel creates an unopened channel. A nil cfg uses the defaults.
func NewChannel(cfg *ChannelConfig, opts ...Option) *Channel {
	if cfg == nil {
		cfg = DefaultChannelConfig()
	}
	o := buildOptions(opts)
	c := &Channel{
		id:   channelIDCounter.Add(1),
		cfg:  *cfg,
		opts: o,
		done: make(chan struct{}),
	}
	c.logger = o.logger.Named("channel").With(zap.Uint64("channel", c.id))
	c.replyDelay.Store(int64(cfg.ReplyDelay))
	return c
}

// SetInboundHandler sets the handler for requests on an async channel. It
// must be called before Open.
func (c *Channel) SetInboundHandler(h InboundHandler) {
	c.inbound = h
}

// Open connects to target through the transport registered for kind.
// A dial failure closes the channel.
func (c *Channel) Open(ctx context.Context, target, kind string, format HeaderFormat, async bool) error {
	if !c.state.CompareAndSwap(int32(ChannelStateUnopened), int32(ChannelStatePending)) {
		return fmt.Errorf("open channel %d in state %s: %w", c.id, c.State(), ErrInvalidState)
	}
	if format == FormatInvalid {
		format = DefaultHeaderFormat
	}
	if !format.IsValid() {
		c.Close()
		return fmt.Errorf("open channel %d: %w: %d", c.id, ErrUnknownFormat, uint8(format))
	}

	t, err := LookupTransport(kind)
	if err != nil {
		c.Close()
		return err
	}

	conn, err := t.Dial(ctx, target)
	if err != nil {
		c.Close()
		return fmt.Errorf("dial %s %s: %w", kind, target, err)
	}

	c.kind = kind
	c.target = target
	if !c.establish(conn, format, async) {
		return fmt.Errorf("open channel %d: %w", c.id, ErrChannelClosed)
	}

	c.logger.Debug("channel established",
		zap.String("kind", kind),
		zap.String("target", target),
		zap.Stringer("format", format),
		zap.Bool("async", async))

	if async {
		go c.serve()
	}
	return nil
}

// establish binds conn and moves the channel to established. It returns
// false when Close won the race.
func (c *Channel) establish(conn net.Conn, format HeaderFormat, async bool) bool {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	c.conn = conn
	c.format = format
	c.async = async
	c.reader = NewMessageReader(format,
		WithBufferSize(c.cfg.BufferSize),
		WithMaxMessageSize(c.cfg.MaxMessageSize))
	if async {
		c.matcher = NewMatcher(c.cfg.MatcherBuckets,
			WithLogger(c.opts.logger),
			WithMetrics(c.opts.metrics),
			WithDispatcher(c.opts.dispatcher))
	}
	c.updateActivity()

	if !c.state.CompareAndSwap(int32(ChannelStatePending), int32(ChannelStateEstablished)) {
		conn.Close()
		return false
	}
	return true
}

// ID returns the channel ID
func (c *Channel) ID() uint64 {
	return c.id
}

// State returns the current channel state
func (c *Channel) State() ChannelState {
	return ChannelState(c.state.Load())
}

// Format returns the header format of the channel.
func (c *Channel) Format() HeaderFormat {
	return c.format
}

// IsAsync reports whether the channel runs a read loop.
func (c *Channel) IsAsync() bool {
	return c.async
}

// Matcher returns the reply matcher of an async channel, or nil.
func (c *Channel) Matcher() *Matcher {
	return c.matcher
}

// RemoteAddr returns the remote address
func (c *Channel) RemoteAddr() net.Addr {
	if c.conn == nil {
		return nil
	}
	return c.conn.RemoteAddr()
}

// LocalAddr returns the local address
func (c *Channel) LocalAddr() net.Addr {
	if c.conn == nil {
		return nil
	}
	return c.conn.LocalAddr()
}

// Done is closed when the channel closes.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// SetReplyDelay changes the fault-injected reply delay.
func (c *Channel) SetReplyDelay(d time.Duration) {
	c.replyDelay.Store(int64(d))
}

// ReplyDelay returns the fault-injected reply delay.
func (c *Channel) ReplyDelay() time.Duration {
	return time.Duration(c.replyDelay.Load())
}

// Call sends a request. When rt is non-nil the call is tracked by the
// channel's matcher and rt's callback fires exactly once, even if the write
// fails; rt is only accepted on async channels. Without rt a request id is
// still assigned when missing.
func (c *Channel) Call(req *Message, rt *ResponseTask) error {
	if req == nil {
		return ErrNilMessage
	}
	if c.State() != ChannelStateEstablished {
		return fmt.Errorf("call on channel %d in state %s: %w", c.id, c.State(), ErrInvalidState)
	}
	if rt != nil && !c.async {
		return fmt.Errorf("call with callback on sync channel %d: %w", c.id, ErrInvalidState)
	}

	req.SetFlag(FlagRequest)
	if req.Timeout <= 0 {
		req.Timeout = c.cfg.DefaultTimeout
	}
	if rt != nil {
		c.matcher.OnCall(req, rt, req.Timeout)
	} else if req.ID == 0 {
		req.ID = nextCallID()
	}

	if err := c.write(req); err != nil {
		if rt != nil {
			c.matcher.OnRecvReply(req.ID, nil, 0)
		}
		c.Close()
		return err
	}
	return nil
}

// Send writes a message without tracking it. The server uses it for
// responses.
func (c *Channel) Send(msg *Message) error {
	if msg == nil {
		return ErrNilMessage
	}
	if c.State() != ChannelStateEstablished {
		return fmt.Errorf("send on channel %d in state %s: %w", c.id, c.State(), ErrInvalidState)
	}
	if err := c.write(msg); err != nil {
		c.Close()
		return err
	}
	return nil
}

// RecvBlock reads the next message of a sync channel. It returns a nil
// message and an error when the connection fails; the channel is then closed.
func (c *Channel) RecvBlock() (*Message, error) {
	if c.async {
		return nil, fmt.Errorf("RecvBlock on async channel %d: %w", c.id, ErrInvalidState)
	}
	if c.State() != ChannelStateEstablished {
		return nil, fmt.Errorf("RecvBlock on channel %d in state %s: %w", c.id, c.State(), ErrInvalidState)
	}

	c.rmu.Lock()
	defer c.rmu.Unlock()

	msg, err := c.readMessage(c.cfg.ReadTimeout)
	if err != nil {
		c.Close()
		return nil, err
	}
	return msg, nil
}

// Close closes the channel and fails every pending call with
// ErrNetworkFailure. It is idempotent.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.state.Store(int32(ChannelStateClosed))
		close(c.done)

		c.connMu.Lock()
		conn, matcher := c.conn, c.matcher
		c.connMu.Unlock()
		if conn != nil {
			err = conn.Close()
		}
		if matcher != nil {
			if n := matcher.FailAll(ErrNetworkFailure); n > 0 {
				c.logger.Debug("failed pending calls on close", zap.Int("calls", n))
			}
		}
	})
	return err
}

// serve runs the read loop of an async channel until the connection fails.
func (c *Channel) serve() {
	defer c.Close()

	for {
		msg, err := c.readMessage(0)
		if err != nil {
			if c.State() != ChannelStateClosed && !errors.Is(err, io.EOF) {
				c.logger.Warn("channel read failed", zap.Error(err))
			}
			return
		}
		c.deliver(msg)
	}
}

func (c *Channel) deliver(msg *Message) {
	if msg.IsResponse() {
		if !c.matcher.OnRecvReply(msg.ID, msg, c.ReplyDelay()) {
			c.logger.Debug("dropped late reply", zap.Uint32("id", msg.ID), zap.String("rpc", msg.RPCName))
		}
		return
	}

	if c.inbound == nil {
		c.logger.Debug("dropped request without handler", zap.Uint32("id", msg.ID), zap.String("rpc", msg.RPCName))
		return
	}
	c.inbound(c, msg)
}

// readMessage reads until the reader yields a message
func (c *Channel) readMessage(timeout time.Duration) (*Message, error) {
	if timeout > 0 {
		if err := c.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, fmt.Errorf("failed to set read deadline: %w", err)
		}
	}

	for {
		msg, need, err := c.reader.Decode()
		if err != nil {
			c.opts.metrics.CorruptStream()
			return nil, err
		}
		if msg != nil {
			c.messagesRead.Add(1)
			c.updateActivity()
			return msg, nil
		}

		buf := c.reader.ReadBuffer(need)
		n, err := c.conn.Read(buf)
		if n > 0 {
			c.reader.MarkRead(n)
			c.bytesRead.Add(int64(n))
		}
		if err != nil {
			return nil, err
		}
	}
}

func (c *Channel) write(msg *Message) error {
	if err := PrepareOnSend(msg, c.format); err != nil {
		return err
	}
	bufs, err := Buffers(msg)
	if err != nil {
		return err
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()

	if c.cfg.WriteTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
			return fmt.Errorf("failed to set write deadline: %w", err)
		}
	}

	n, err := bufs.WriteTo(c.conn)
	c.bytesWritten.Add(n)
	if err != nil {
		return fmt.Errorf("failed to write message %d: %w", msg.ID, err)
	}
	c.messagesSent.Add(1)
	c.updateActivity()
	return nil
}

// updateActivity updates the last activity timestamp
func (c *Channel) updateActivity() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// Statistics returns channel statistics
func (c *Channel) Statistics() ChannelStatistics {
	stats := ChannelStatistics{
		ChannelID:    c.id,
		State:        c.State(),
		Kind:         c.kind,
		Target:       c.target,
		BytesRead:    c.bytesRead.Load(),
		BytesWritten: c.bytesWritten.Load(),
		MessagesRead: c.messagesRead.Load(),
		MessagesSent: c.messagesSent.Load(),
		LastActivity: time.Unix(0, c.lastActivity.Load()),
	}
	if c.matcher != nil {
		stats.FlyingCalls = c.matcher.FlyingCallCount()
	}
	return stats
}

// ChannelStatistics holds statistics for a channel
type ChannelStatistics struct {
	ChannelID    uint64       `json:"channel_id"`
	State        ChannelState `json:"state"`
	Kind         string       `json:"kind"`
	Target       string       `json:"target"`
	BytesRead    int64        `json:"bytes_read"`
	BytesWritten int64        `json:"bytes_written"`
	MessagesRead int64        `json:"messages_read"`
	MessagesSent int64        `json:"messages_sent"`
	FlyingCalls  int64        `json:"flying_calls"`
	LastActivity time.Time    `json:"last_activity"`
}

// String returns the string representation of channel statistics
func (cs ChannelStatistics) String() string {
	return fmt.Sprintf("Channel[%d] State=%s BytesR/W=%d/%d MsgsR/S=%d/%d Flying=%d LastActivity=%s Target=%s",
		cs.ChannelID, cs.State, cs.BytesRead, cs.BytesWritten,
		cs.MessagesRead, cs.MessagesSent, cs.FlyingCalls,
		cs.LastActivity.Format(time.RFC3339), cs.Target)
}
