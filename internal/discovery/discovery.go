// Package discovery defines how peers of a multi-sig session find and reach
// each other. Transports live in infra; this package holds the interfaces and
// an in-memory implementation.
package discovery

import (
	"context"
	"io"
	"time"
)

// Ticket is an opaque, shareable descriptor that lets a participant reach an
// initiator. Its format belongs to the transport that issued it.
type Ticket string

// Conn is a reliable, ordered duplex byte stream to one peer.
type Conn interface {
	io.ReadWriteCloser
	SetReadDeadline(t time.Time) error
	// RemoteID identifies the peer for logging only; it is not authenticated.
	RemoteID() string
}

// Advertiser is the initiator side: it publishes a ticket and accepts
// connections made with it.
type Advertiser interface {
	Advertise(ctx context.Context) (Ticket, error)
	Accept(ctx context.Context) (Conn, error)
	Close() error
}

// Dialer is the participant side.
type Dialer interface {
	Connect(ctx context.Context, t Ticket) (Conn, error)
}
