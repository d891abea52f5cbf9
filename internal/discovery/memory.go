package discovery

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/infinitefield/hypersdk/internal/domain"
)

const memoryScheme = "mem:"

// MemoryHub connects advertisers and dialers in the same process through
// net.Pipe. It is the transport used by protocol tests.
type MemoryHub struct {
	mu        sync.Mutex
	listeners map[Ticket]*MemoryAdvertiser
	dials     atomic.Uint64
}

// NewMemoryHub creates an empty hub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{listeners: make(map[Ticket]*MemoryAdvertiser)}
}

// Advertiser returns a new advertiser registered on this hub.
func (h *MemoryHub) Advertiser() *MemoryAdvertiser {
	return &MemoryAdvertiser{
		hub:    h,
		conns:  make(chan Conn),
		closed: make(chan struct{}),
	}
}

// Connect dials the advertiser that issued t.
func (h *MemoryHub) Connect(ctx context.Context, t Ticket) (Conn, error) {
	if !strings.HasPrefix(string(t), memoryScheme) {
		return nil, domain.NewFatalNetworkError("connect", fmt.Errorf("%w: not a memory ticket", domain.ErrInvalidTicket))
	}
	h.mu.Lock()
	adv, ok := h.listeners[t]
	h.mu.Unlock()
	if !ok {
		return nil, domain.NewFatalNetworkError("connect", domain.ErrInvalidTicket)
	}

	id := h.dials.Add(1)
	client, server := net.Pipe()
	serverConn := &pipeConn{Conn: server, remote: fmt.Sprintf("mem-peer-%d", id)}
	clientConn := &pipeConn{Conn: client, remote: string(t)}

	select {
	case adv.conns <- serverConn:
		return clientConn, nil
	case <-adv.closed:
		client.Close()
		server.Close()
		return nil, domain.NewFatalNetworkError("connect", domain.ErrInvalidTicket)
	case <-ctx.Done():
		client.Close()
		server.Close()
		return nil, domain.NewNetworkError("connect", ctx.Err())
	}
}

// MemoryAdvertiser is the hub-side listener of one session.
type MemoryAdvertiser struct {
	hub       *MemoryHub
	ticket    Ticket
	once      sync.Once
	closeOnce sync.Once
	conns     chan Conn
	closed    chan struct{}
}

// Advertise registers the advertiser and returns its ticket. Repeated calls
// return the same ticket.
func (a *MemoryAdvertiser) Advertise(ctx context.Context) (Ticket, error) {
	a.once.Do(func() {
		a.ticket = Ticket(memoryScheme + uuid.NewString())
		a.hub.mu.Lock()
		a.hub.listeners[a.ticket] = a
		a.hub.mu.Unlock()
	})
	return a.ticket, nil
}

// Accept waits for the next dialer.
func (a *MemoryAdvertiser) Accept(ctx context.Context) (Conn, error) {
	select {
	case c := <-a.conns:
		return c, nil
	case <-a.closed:
		return nil, net.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close unregisters the ticket. Established connections stay open.
func (a *MemoryAdvertiser) Close() error {
	a.closeOnce.Do(func() {
		close(a.closed)
		a.hub.mu.Lock()
		delete(a.hub.listeners, a.ticket)
		a.hub.mu.Unlock()
	})
	return nil
}

type pipeConn struct {
	net.Conn
	remote string
}

func (c *pipeConn) RemoteID() string { return c.remote }
