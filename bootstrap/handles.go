package bootstrap

import (
	"context"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/najoast/dsngo/core"
	"github.com/najoast/dsngo/network"
)

const (
	handlesChannels = "channels"
	handlesTasks    = "tasks"
)

// OpenChannel dials target over the transport registered for kind and
// returns a handle to the channel. The handle is released when the channel
// closes. Reply callbacks of async channels run as scheduler tasks.
func (n *Node) OpenChannel(ctx context.Context, target, kind string, async bool) (core.Handle, error) {
	if !n.running.Load() {
		return core.HandleInvalid, ErrNodeNotRunning
	}

	cfg := n.Config()
	format, err := network.ParseHeaderFormat(cfg.Network.HeaderFormat)
	if err != nil {
		return core.HandleInvalid, err
	}
	chCfg := n.channelConfig(cfg)
	ch := network.NewChannel(&chCfg,
		network.WithLogger(n.logger),
		network.WithMetrics(n.metrics),
		network.WithDispatcher(n.scheduler))

	if err := ch.Open(ctx, target, kind, format, async); err != nil {
		return core.HandleInvalid, err
	}

	h, err := n.channels.Save(ch)
	if err != nil {
		ch.Close()
		return core.HandleInvalid, err
	}
	n.metrics.LiveHandles(handlesChannels, n.channels.Len())

	// Pick up a reply delay changed while the channel was opening
	ch.SetReplyDelay(n.currentReplyDelay())

	go func() {
		<-ch.Done()
		if n.channels.Destroy(h, ch) {
			n.metrics.LiveHandles(handlesChannels, n.channels.Len())
		}
	}()

	n.logger.Debug("channel opened",
		zap.Stringer("handle", h),
		zap.String("kind", kind),
		zap.String("target", target),
		zap.Bool("async", async))
	return h, nil
}

// Channel resolves a channel handle. Stale handles resolve to false.
func (n *Node) Channel(h core.Handle) (*network.Channel, bool) {
	return n.channels.Get(h)
}

// CloseChannel closes the channel behind h. It returns false for a stale
// handle.
func (n *Node) CloseChannel(h core.Handle) bool {
	ch, ok := n.channels.Get(h)
	if !ok || !n.channels.Destroy(h, ch) {
		return false
	}
	n.metrics.LiveHandles(handlesChannels, n.channels.Len())
	ch.Close()
	return true
}

// Call sends req on the channel behind h. A zero timeout uses the configured
// default. When rt has no task code, the callback runs as the "<rpc>_ACK"
// task if that code is registered.
func (n *Node) Call(h core.Handle, req *network.Message, rt *network.ResponseTask) error {
	ch, ok := n.channels.Get(h)
	if !ok {
		return fmt.Errorf("channel %s: %w", h, network.ErrChannelClosed)
	}
	if req == nil {
		return network.ErrNilMessage
	}
	if req.Timeout <= 0 {
		req.Timeout = n.Config().RPC.DefaultTimeout
	}
	if rt != nil && rt.Code == core.TaskCodeInvalid {
		if ack, ok := n.registry.TaskCodeOf(req.RPCName + core.AckSuffix); ok {
			rt.Code = ack
			if rt.Hash == 0 {
				rt.Hash = req.PartitionHash
			}
		}
	}
	return ch.Call(req, rt)
}

// SubmitTask schedules a task and returns a handle to it. The handle is
// released once the task finishes or is cancelled.
func (n *Node) SubmitTask(code core.TaskCode, handler core.TaskHandler, opts ...core.TaskOption) (core.Handle, error) {
	if !n.running.Load() {
		return core.HandleInvalid, ErrNodeNotRunning
	}

	t := core.NewTask(code, handler, opts...)
	h, err := n.tasks.Save(t)
	if err != nil {
		return core.HandleInvalid, err
	}
	if err := n.scheduler.Enqueue(t); err != nil {
		n.tasks.Destroy(h, t)
		return core.HandleInvalid, err
	}
	n.metrics.LiveHandles(handlesTasks, n.tasks.Len())

	go func() {
		<-t.Done()
		if n.tasks.Destroy(h, t) {
			n.metrics.LiveHandles(handlesTasks, n.tasks.Len())
		}
	}()
	return h, nil
}

// Task resolves a task handle.
func (n *Node) Task(h core.Handle) (*core.Task, bool) {
	return n.tasks.Get(h)
}

// CancelTask cancels the task behind h. It returns false for a stale handle
// or a task that already started; a running timer task stops repeating.
func (n *Node) CancelTask(h core.Handle) bool {
	t, ok := n.tasks.Get(h)
	if !ok {
		return false
	}
	return t.Cancel()
}

// MonitorAddr returns the metrics endpoint address, nil when disabled or not
// started.
func (n *Node) MonitorAddr() net.Addr {
	if n.monitor == nil {
		return nil
	}
	return n.monitor.Addr()
}

func (n *Node) currentReplyDelay() time.Duration {
	return time.Duration(n.replyDelay.Load())
}
