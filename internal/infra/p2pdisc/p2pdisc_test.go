package p2pdisc

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/infinitefield/hypersdk/internal/discovery"
	"github.com/infinitefield/hypersdk/internal/domain"
)

func newLoopbackNode(t *testing.T) *Node {
	t.Helper()
	n, err := New(Config{ListenAddrs: []string{"/ip4/127.0.0.1/tcp/0"}})
	require.NoError(t, err)
	t.Cleanup(func() { n.Close() })
	return n
}

func TestTicketRoundTrip(t *testing.T) {
	n := newLoopbackNode(t)

	ticket, err := n.Advertise(context.Background())
	require.NoError(t, err)

	info, err := DecodeTicket(ticket)
	require.NoError(t, err)
	assert.Equal(t, n.ID(), info.ID)
	assert.NotEmpty(t, info.Addrs)
}

func TestDecodeTicketRejectsGarbage(t *testing.T) {
	for _, bad := range []discovery.Ticket{"", "p2p:", "ws:abc", "p2p:/ip4/127.0.0.1/tcp/1", "p2p:not-a-multiaddr"} {
		_, err := DecodeTicket(bad)
		assert.ErrorIs(t, err, domain.ErrInvalidTicket, "ticket %q", bad)
	}
}

func TestStreamBetweenHosts(t *testing.T) {
	server := newLoopbackNode(t)
	client := newLoopbackNode(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ticket, err := server.Advertise(ctx)
	require.NoError(t, err)

	accepted := make(chan discovery.Conn, 1)
	go func() {
		c, err := server.Accept(ctx)
		if err == nil {
			accepted <- c
		}
	}()

	conn, err := client.Connect(ctx, ticket)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, server.ID().String(), conn.RemoteID())

	_, err = conn.Write([]byte("ping"))
	require.NoError(t, err)

	var remote discovery.Conn
	select {
	case remote = <-accepted:
	case <-ctx.Done():
		t.Fatal("no stream accepted")
	}
	defer remote.Close()
	assert.Equal(t, client.ID().String(), remote.RemoteID())

	buf := make([]byte, 4)
	require.NoError(t, remote.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err = io.ReadFull(remote, buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf))
}

func TestAcceptAfterClose(t *testing.T) {
	n, err := New(Config{ListenAddrs: []string{"/ip4/127.0.0.1/tcp/0"}})
	require.NoError(t, err)
	require.NoError(t, n.Close())

	_, err = n.Accept(context.Background())
	assert.Error(t, err)
}
