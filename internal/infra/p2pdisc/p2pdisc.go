// Package p2pdisc carries peer sessions over libp2p streams. Hosts listen on
// TCP and QUIC, try NAT port mapping and hole punching, and can find each
// other on the local network through mDNS.
package p2pdisc

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/libp2p/go-libp2p/p2p/security/noise"
	quic "github.com/libp2p/go-libp2p/p2p/transport/quic"
	"github.com/libp2p/go-libp2p/p2p/transport/tcp"
	"github.com/multiformats/go-multiaddr"

	"github.com/infinitefield/hypersdk/internal/discovery"
	"github.com/infinitefield/hypersdk/internal/domain"
)

const (
	// ProtocolID names the multi-sig stream protocol.
	ProtocolID = protocol.ID("/hypersdk/multisig/1.0.0")

	mdnsService = "hypersdk-multisig"
	scheme      = "p2p:"
)

// DefaultListenAddrs binds every interface on an ephemeral port.
var DefaultListenAddrs = []string{
	"/ip4/0.0.0.0/tcp/0",
	"/ip4/0.0.0.0/udp/0/quic-v1",
}

// Config configures a Node.
type Config struct {
	ListenAddrs []string
	EnableMDNS  bool
	// EnableNAT turns on UPnP port mapping, hole punching and relay dialing.
	EnableNAT bool
}

// Node is a libp2p host acting as both Advertiser and Dialer.
type Node struct {
	host   host.Host
	mdns   mdns.Service
	logger *slog.Logger

	incoming  chan network.Stream
	closed    chan struct{}
	closeOnce sync.Once
	handler   sync.Once
}

// New starts a host with a fresh Ed25519 identity.
func New(cfg Config) (*Node, error) {
	key, _, err := crypto.GenerateKeyPair(crypto.Ed25519, 0)
	if err != nil {
		return nil, err
	}
	listen := cfg.ListenAddrs
	if len(listen) == 0 {
		listen = DefaultListenAddrs
	}

	opts := []libp2p.Option{
		libp2p.Identity(key),
		libp2p.ListenAddrStrings(listen...),
		libp2p.Security(noise.ID, noise.New),
		libp2p.Transport(tcp.NewTCPTransport),
		libp2p.Transport(quic.NewTransport),
	}
	if cfg.EnableNAT {
		opts = append(opts,
			libp2p.NATPortMap(),
			libp2p.EnableHolePunching(),
			libp2p.EnableRelay(),
		)
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to setup p2p host: %w", err)
	}

	n := &Node{
		host:     h,
		logger:   slog.Default().With("module", "p2pdisc", "peer_id", h.ID().String()),
		incoming: make(chan network.Stream),
		closed:   make(chan struct{}),
	}
	if cfg.EnableMDNS {
		n.mdns = mdns.NewMdnsService(h, mdnsService, n)
		if err := n.mdns.Start(); err != nil {
			h.Close()
			return nil, fmt.Errorf("failed to start mdns: %w", err)
		}
	}
	n.logger.Debug("Host started", "addrs", h.Addrs())
	return n, nil
}

// HandlePeerFound records addresses announced over mDNS so that tickets
// carrying only a peer id can be dialed on the local network.
func (n *Node) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == n.host.ID() {
		return
	}
	n.host.Peerstore().AddAddrs(pi.ID, pi.Addrs, peerstore.TempAddrTTL)
	n.logger.Debug("Peer found", "peer", pi.ID.String())
}

// ID returns the host's peer id.
func (n *Node) ID() peer.ID {
	return n.host.ID()
}

// Advertise registers the stream handler and returns a ticket listing every
// address of this host.
func (n *Node) Advertise(ctx context.Context) (discovery.Ticket, error) {
	n.handler.Do(func() {
		n.host.SetStreamHandler(ProtocolID, func(s network.Stream) {
			select {
			case n.incoming <- s:
			case <-n.closed:
				s.Reset()
			}
		})
	})
	return EncodeTicket(n.host.ID(), n.host.Addrs())
}

// Accept waits for the next inbound stream.
func (n *Node) Accept(ctx context.Context) (discovery.Conn, error) {
	select {
	case s := <-n.incoming:
		return &streamConn{Stream: s}, nil
	case <-n.closed:
		return nil, net.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Connect opens a stream to the peer named by t.
func (n *Node) Connect(ctx context.Context, t discovery.Ticket) (discovery.Conn, error) {
	info, err := DecodeTicket(t)
	if err != nil {
		return nil, domain.NewFatalNetworkError("connect", err)
	}
	if err := n.host.Connect(ctx, info); err != nil {
		return nil, domain.NewNetworkError("connect", fmt.Errorf("%w: %v", domain.ErrConnectionFailed, err))
	}
	s, err := n.host.NewStream(ctx, info.ID, ProtocolID)
	if err != nil {
		return nil, domain.NewNetworkError("open stream", fmt.Errorf("%w: %v", domain.ErrConnectionFailed, err))
	}
	return &streamConn{Stream: s}, nil
}

// Close stops accepting and shuts the host down.
func (n *Node) Close() error {
	var err error
	n.closeOnce.Do(func() {
		close(n.closed)
		n.host.RemoveStreamHandler(ProtocolID)
		if n.mdns != nil {
			n.mdns.Close()
		}
		err = n.host.Close()
	})
	return err
}

// EncodeTicket renders "p2p:" followed by comma separated multiaddrs, each
// ending in /p2p/<id>.
func EncodeTicket(id peer.ID, addrs []multiaddr.Multiaddr) (discovery.Ticket, error) {
	if len(addrs) == 0 {
		return "", domain.NewFatalNetworkError("advertise", fmt.Errorf("host has no listen addresses"))
	}
	full, err := peer.AddrInfoToP2pAddrs(&peer.AddrInfo{ID: id, Addrs: addrs})
	if err != nil {
		return "", err
	}
	parts := make([]string, len(full))
	for i, a := range full {
		parts[i] = a.String()
	}
	return discovery.Ticket(scheme + strings.Join(parts, ",")), nil
}

// DecodeTicket parses a ticket into the peer's address info. All addresses
// must name the same peer.
func DecodeTicket(t discovery.Ticket) (peer.AddrInfo, error) {
	s, ok := strings.CutPrefix(string(t), scheme)
	if !ok || s == "" {
		return peer.AddrInfo{}, fmt.Errorf("%w: not a p2p ticket", domain.ErrInvalidTicket)
	}
	var addrs []multiaddr.Multiaddr
	for _, part := range strings.Split(s, ",") {
		ma, err := multiaddr.NewMultiaddr(part)
		if err != nil {
			return peer.AddrInfo{}, fmt.Errorf("%w: %v", domain.ErrInvalidTicket, err)
		}
		addrs = append(addrs, ma)
	}
	infos, err := peer.AddrInfosFromP2pAddrs(addrs...)
	if err != nil {
		return peer.AddrInfo{}, fmt.Errorf("%w: %v", domain.ErrInvalidTicket, err)
	}
	if len(infos) != 1 {
		return peer.AddrInfo{}, fmt.Errorf("%w: ticket names %d peers", domain.ErrInvalidTicket, len(infos))
	}
	return infos[0], nil
}

type streamConn struct {
	network.Stream
}

func (c *streamConn) RemoteID() string {
	return c.Conn().RemotePeer().String()
}

var _ discovery.Advertiser = (*Node)(nil)
var _ discovery.Dialer = (*Node)(nil)
