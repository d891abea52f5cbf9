package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/multierr"

	"github.com/infinitefield/hypersdk/internal/discovery"
	"github.com/infinitefield/hypersdk/internal/domain"
	"github.com/infinitefield/hypersdk/internal/infra"
	"github.com/infinitefield/hypersdk/internal/infra/hyperliquid"
	"github.com/infinitefield/hypersdk/internal/infra/p2pdisc"
	"github.com/infinitefield/hypersdk/internal/infra/storage"
	"github.com/infinitefield/hypersdk/internal/infra/wsdisc"
	"github.com/infinitefield/hypersdk/internal/nonce"
	"github.com/infinitefield/hypersdk/internal/service"
	"github.com/infinitefield/hypersdk/internal/signing"
)

// Bootstrap orchestrates the application startup sequence
type Bootstrap struct {
	Config   *infra.Config
	Storage  *storage.Storage
	Metrics  *infra.Metrics
	Exchange *hyperliquid.Client
	Markets  *service.MarketService

	mu      sync.Mutex
	p2pNode *p2pdisc.Node
}

// NewBootstrap creates a new Bootstrap instance
func NewBootstrap() *Bootstrap {
	return &Bootstrap{Metrics: infra.GlobalMetrics}
}

// Initialize loads configuration and opens every shared resource. The
// metrics server, when configured, runs until ctx is cancelled.
func (b *Bootstrap) Initialize(ctx context.Context, configPath string) error {
	// 1. Load Config
	cfg, err := infra.LoadConfig(configPath)
	if err != nil {
		return err
	}
	b.Config = cfg

	// 2. Setup Logger
	slog.SetDefault(infra.NewLogger(cfg))
	slog.Debug("Configuration loaded", "chain", cfg.Chain, "exchange", cfg.Exchange.URL)

	// 3. Initialize Storage (session and nonce journal)
	store, err := storage.NewStorage(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	b.Storage = store

	// 4. Metrics endpoint
	if cfg.Metrics.Addr != "" {
		go func() {
			if err := infra.ServeMetrics(ctx, cfg.Metrics.Addr, b.Metrics); err != nil {
				slog.Error("Metrics server failed", "error", err)
			}
		}()
	}

	// 5. Exchange client and market cache
	b.Exchange = hyperliquid.NewClient(cfg, b.Metrics)
	b.Markets = service.NewMarketService(b.Exchange)
	return nil
}

// Signer loads the configured key. Exactly one of private_key or keystore
// must be set.
func (b *Bootstrap) Signer() (signing.Signer, error) {
	sc := b.Config.Signer
	switch {
	case sc.PrivateKey != "":
		return signing.ParsePrivateKey(sc.PrivateKey)
	case sc.Keystore != "":
		return signing.LoadKeystore(sc.Keystore, sc.KeystorePassword)
	default:
		return nil, &domain.ConfigError{Field: "signer", Err: errors.New("set private_key or keystore")}
	}
}

// NonceSource returns a source for signer whose floor is the highest nonce
// this machine ever issued for it.
func (b *Bootstrap) NonceSource(signer common.Address) (*nonce.Source, error) {
	src := nonce.New()
	last, err := b.Storage.LastNonce(signer.Hex())
	if err != nil {
		return nil, fmt.Errorf("read nonce floor: %w", err)
	}
	src.Observe(last)
	return src, nil
}

// SigningContext returns the domain separation for the configured chain.
func (b *Bootstrap) SigningContext() signing.Context {
	return signing.Context{
		Chain:            b.Config.ChainValue(),
		SignatureChainID: b.Config.SignatureChainID,
	}
}

// Sender wires a single-key Sender for signer.
func (b *Bootstrap) Sender(signer signing.Signer) (*service.Sender, error) {
	nonces, err := b.NonceSource(signer.Address())
	if err != nil {
		return nil, err
	}
	return service.NewSender(signer, nonces, b.Exchange, b.Storage, b.SigningContext(), b.Metrics), nil
}

// Coordinator wires a multi-sig Coordinator for signer.
func (b *Bootstrap) Coordinator(signer signing.Signer) (*service.Coordinator, error) {
	nonces, err := b.NonceSource(signer.Address())
	if err != nil {
		return nil, err
	}
	return service.NewCoordinator(service.CoordinatorConfig{
		Signer:   signer,
		Nonces:   nonces,
		Exchange: b.Exchange,
		Journal:  b.Storage,
		Context:  b.SigningContext(),
		Recorder: b.Metrics,
	}), nil
}

// MultiSigSigners parses the configured authorized signer set.
func (b *Bootstrap) MultiSigSigners() (common.Address, []common.Address, error) {
	ms := b.Config.MultiSig
	if !common.IsHexAddress(ms.User) {
		return common.Address{}, nil, &domain.ConfigError{Field: "multisig.user", Err: fmt.Errorf("invalid address %q", ms.User)}
	}
	authorized := make([]common.Address, 0, len(ms.Authorized))
	for _, s := range ms.Authorized {
		s = strings.TrimSpace(s)
		if !common.IsHexAddress(s) {
			return common.Address{}, nil, &domain.ConfigError{Field: "multisig.authorized", Err: fmt.Errorf("invalid address %q", s)}
		}
		authorized = append(authorized, common.HexToAddress(s))
	}
	return common.HexToAddress(ms.User), authorized, nil
}

// Advertiser returns the initiator side of the configured transport.
func (b *Bootstrap) Advertiser() (discovery.Advertiser, error) {
	switch b.Config.Discovery.Transport {
	case "p2p":
		return b.node()
	default:
		return wsdisc.NewAdvertiser(wsdisc.Config{
			ListenAddr: b.Config.Discovery.ListenAddr,
			PublicURL:  b.Config.Discovery.PublicURL,
		}), nil
	}
}

// Dialer returns a participant dialer that picks the transport from the
// ticket it is given.
func (b *Bootstrap) Dialer() discovery.Dialer {
	return ticketDialer{b: b, ws: wsdisc.NewDialer()}
}

type ticketDialer struct {
	b  *Bootstrap
	ws *wsdisc.Dialer
}

func (d ticketDialer) Connect(ctx context.Context, t discovery.Ticket) (discovery.Conn, error) {
	switch {
	case strings.HasPrefix(string(t), "ws:"):
		return d.ws.Connect(ctx, t)
	case strings.HasPrefix(string(t), "p2p:"):
		node, err := d.b.node()
		if err != nil {
			return nil, err
		}
		return node.Connect(ctx, t)
	default:
		return nil, domain.ErrInvalidTicket
	}
}

func (b *Bootstrap) node() (*p2pdisc.Node, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.p2pNode != nil {
		return b.p2pNode, nil
	}
	d := b.Config.Discovery
	node, err := p2pdisc.New(p2pdisc.Config{
		ListenAddrs: d.P2PListen,
		EnableMDNS:  d.MDNS,
		EnableNAT:   d.NAT,
	})
	if err != nil {
		return nil, err
	}
	b.p2pNode = node
	return node, nil
}

// Close releases everything Initialize opened.
func (b *Bootstrap) Close() error {
	var err error
	b.mu.Lock()
	if b.p2pNode != nil {
		err = multierr.Append(err, b.p2pNode.Close())
		b.p2pNode = nil
	}
	b.mu.Unlock()
	if b.Storage != nil {
		err = multierr.Append(err, b.Storage.Close())
	}
	return err
}
