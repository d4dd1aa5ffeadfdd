package network

import (
	"context"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"
)

// Transport kinds
const (
	TransportTCP = "tcp" // TCP sockets
	TransportMem = "mem" // in-process pipes
)

// Transport dials and listens for byte streams of one kind.
type Transport interface {
	Dial(ctx context.Context, address string) (net.Conn, error)
	Listen(ctx context.Context, address string) (net.Listener, error)
}

var (
	transportsMu sync.RWMutex
	transports   = map[string]Transport{
		TransportTCP: tcpTransport{keepAlive: 30 * time.Second},
		TransportMem: NewMemTransport(),
	}
)

// RegisterTransport makes t available under kind, replacing any previous one.
func RegisterTransport(kind string, t Transport) {
	transportsMu.Lock()
	defer transportsMu.Unlock()
	transports[kind] = t
}

// LookupTransport returns the transport registered for kind.
func LookupTransport(kind string) (Transport, error) {
	transportsMu.RLock()
	defer transportsMu.RUnlock()
	t, ok := transports[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTransport, kind)
	}
	return t, nil
}

// AvailableTransports returns the registered kinds in sorted order.
func AvailableTransports() []string {
	transportsMu.RLock()
	defer transportsMu.RUnlock()
	result := make([]string, 0, len(transports))
	for kind := range transports {
		result = append(result, kind)
	}
	sort.Strings(result)
	return result
}

// tcpTransport dials and listens on TCP sockets
type tcpTransport struct {
	keepAlive time.Duration
}

func (t tcpTransport) Dial(ctx context.Context, address string) (net.Conn, error) {
	d := net.Dialer{KeepAlive: t.keepAlive}
	return d.DialContext(ctx, "tcp", address)
}

func (t tcpTransport) Listen(ctx context.Context, address string) (net.Listener, error) {
	lc := net.ListenConfig{KeepAlive: t.keepAlive}
	return lc.Listen(ctx, "tcp", address)
}

// MemTransport connects dialers and listeners of one process through
// net.Pipe. Addresses are arbitrary names.
type MemTransport struct {
	mu        sync.Mutex
	listeners map[string]*memListener
}

// NewMemTransport creates an empty in-process transport.
func NewMemTransport() *MemTransport {
	return &MemTransport{listeners: make(map[string]*memListener)}
}

// Listen registers a listener under address.
func (t *MemTransport) Listen(_ context.Context, address string) (net.Listener, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.listeners[address]; ok {
		return nil, fmt.Errorf("mem %s: %w", address, ErrAddressInUse)
	}
	l := &memListener{
		owner:   t,
		addr:    memAddr(address),
		newCh:   make(chan net.Conn),
		closeCh: make(chan struct{}),
	}
	t.listeners[address] = l
	return l, nil
}

// Dial connects to the listener registered under address. It blocks until
// the listener accepts, the listener closes or ctx is done.
func (t *MemTransport) Dial(ctx context.Context, address string) (net.Conn, error) {
	t.mu.Lock()
	l := t.listeners[address]
	t.mu.Unlock()
	if l == nil {
		return nil, fmt.Errorf("mem %s: %w", address, ErrNoListener)
	}

	srv, cli := net.Pipe()
	select {
	case l.newCh <- srv:
		return cli, nil
	case <-l.closeCh:
		srv.Close()
		cli.Close()
		return nil, fmt.Errorf("mem %s: %w", address, ErrListenerClosed)
	case <-ctx.Done():
		srv.Close()
		cli.Close()
		return nil, ctx.Err()
	}
}

type memListener struct {
	owner     *MemTransport
	addr      memAddr
	newCh     chan net.Conn
	closeCh   chan struct{}
	closeOnce sync.Once
}

func (l *memListener) Accept() (net.Conn, error) {
	select {
	case c := <-l.newCh:
		return c, nil
	case <-l.closeCh:
		return nil, ErrListenerClosed
	}
}

func (l *memListener) Close() error {
	l.closeOnce.Do(func() {
		close(l.closeCh)
		l.owner.mu.Lock()
		if l.owner.listeners[string(l.addr)] == l {
			delete(l.owner.listeners, string(l.addr))
		}
		l.owner.mu.Unlock()
	})
	return nil
}

func (l *memListener) Addr() net.Addr {
	return l.addr
}

type memAddr string

func (a memAddr) Network() string { return TransportMem }
func (a memAddr) String() string  { return string(a) }
