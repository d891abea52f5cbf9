package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/urfave/cli/v2"

	"github.com/infinitefield/hypersdk/internal/action"
	"github.com/infinitefield/hypersdk/internal/app"
	"github.com/infinitefield/hypersdk/internal/discovery"
	"github.com/infinitefield/hypersdk/internal/domain"
	"github.com/infinitefield/hypersdk/internal/infra/hyperliquid"
	"github.com/infinitefield/hypersdk/internal/peer"
	"github.com/infinitefield/hypersdk/internal/service"

	_ "net/http/pprof" // For pprof profiling
)

var bootstrap = app.NewBootstrap()

func main() {
	var configPath, pprofAddr string

	before := func(c *cli.Context) error {
		if pprofAddr != "" {
			go func() {
				slog.Info("Pprof server started", "addr", pprofAddr)
				if err := http.ListenAndServe(pprofAddr, nil); err != nil {
					slog.Error("Pprof server failed", "error", err)
				}
			}()
		}
		return bootstrap.Initialize(c.Context, configPath)
	}
	after := func(c *cli.Context) error {
		return bootstrap.Close()
	}

	cliApp := &cli.App{
		Name:  "hlsig",
		Usage: "sign and co-sign Hyperliquid actions",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "YAML configuration file (HLSIG_* variables override it)",
				Destination: &configPath,
			},
			&cli.StringFlag{
				Name:        "pprof",
				Usage:       "serve pprof on this address, e.g. localhost:6060",
				Destination: &pprofAddr,
			},
		},
		Before: before,
		After:  after,
		Commands: []*cli.Command{
			addressCommand(),
			sendUSDCommand(),
			sendAssetCommand(),
			toMultiSigCommand(),
			orderCommand(),
			marketsCommand(),
			sessionsCommand(),
			nonceCommand(),
			multiSigCommand(),
			subscribeCommand(),
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cliApp.RunContext(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func addressCommand() *cli.Command {
	return &cli.Command{
		Name:  "address",
		Usage: "print the configured signer address",
		Action: func(c *cli.Context) error {
			signer, err := bootstrap.Signer()
			if err != nil {
				return err
			}
			fmt.Println(signer.Address().Hex())
			return nil
		},
	}
}

func sendUSDCommand() *cli.Command {
	return &cli.Command{
		Name:  "send-usd",
		Usage: "transfer USDC to another account",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "to", Required: true, Usage: "destination address"},
			&cli.StringFlag{Name: "amount", Required: true, Usage: "USDC amount"},
		},
		Action: func(c *cli.Context) error {
			dest, amount, err := transferArgs(c)
			if err != nil {
				return err
			}
			sender, err := signerSender()
			if err != nil {
				return err
			}
			resp, err := sender.SendUSD(c.Context, dest, amount)
			if err != nil {
				return err
			}
			fmt.Println("accepted:", resp.Type)
			return nil
		},
	}
}

func orderCommand() *cli.Command {
	return &cli.Command{
		Name:  "order",
		Usage: "place and cancel orders",
		Subcommands: []*cli.Command{
			{
				Name:  "limit",
				Usage: "place a limit order, rounded to the market's precision",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "coin", Required: true, Usage: "market name, e.g. BTC or PURR/USDC"},
					&cli.StringFlag{Name: "side", Value: "buy", Usage: "buy or sell"},
					&cli.StringFlag{Name: "px", Required: true, Usage: "limit price"},
					&cli.StringFlag{Name: "sz", Required: true, Usage: "size in base units"},
					&cli.StringFlag{Name: "tif", Value: string(action.TifGtc), Usage: "Gtc, Ioc or Alo"},
					&cli.BoolFlag{Name: "reduce-only"},
				},
				Action: placeLimit,
			},
			{
				Name:  "cancel",
				Usage: "cancel a resting order by oid or client order id",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "coin", Required: true, Usage: "market name, e.g. BTC or PURR/USDC"},
					&cli.Uint64Flag{Name: "oid", Usage: "exchange order id"},
					&cli.StringFlag{Name: "cloid", Usage: "client order id, 16 bytes hex"},
				},
				Action: cancelOrder,
			},
		},
	}
}

func placeLimit(c *cli.Context) error {
	px, err := decimal.NewFromString(c.String("px"))
	if err != nil {
		return fmt.Errorf("px: %w", err)
	}
	sz, err := decimal.NewFromString(c.String("sz"))
	if err != nil {
		return fmt.Errorf("sz: %w", err)
	}
	var isBuy bool
	switch strings.ToLower(c.String("side")) {
	case "buy", "b", "long":
		isBuy = true
	case "sell", "s", "short":
	default:
		return fmt.Errorf("side must be buy or sell, got %q", c.String("side"))
	}

	market, err := lookupMarket(c)
	if err != nil {
		return err
	}
	sender, err := signerSender()
	if err != nil {
		return err
	}
	resp, err := sender.PlaceLimit(c.Context, market, isBuy, px, sz, action.Tif(c.String("tif")), c.Bool("reduce-only"))
	if err != nil {
		return err
	}
	for _, st := range resp.Statuses {
		switch {
		case st.Resting != nil:
			fmt.Println("resting oid", st.Resting.Oid)
		case st.Filled != nil:
			fmt.Printf("filled oid %d: %s @ %s\n", st.Filled.Oid, st.Filled.TotalSz, st.Filled.AvgPx)
		}
	}
	return nil
}

func cancelOrder(c *cli.Context) error {
	hasOid, hasCloid := c.IsSet("oid"), c.String("cloid") != ""
	if hasOid == hasCloid {
		return errors.New("exactly one of --oid and --cloid is required")
	}
	market, err := lookupMarket(c)
	if err != nil {
		return err
	}
	sender, err := signerSender()
	if err != nil {
		return err
	}

	var resp *hyperliquid.Response
	if hasOid {
		resp, err = sender.Cancel(c.Context, market, c.Uint64("oid"))
	} else {
		cloid, perr := action.ParseCloid(c.String("cloid"))
		if perr != nil {
			return fmt.Errorf("cloid: %w", perr)
		}
		resp, err = sender.CancelByCloid(c.Context, market, cloid)
	}
	if err != nil {
		return err
	}
	fmt.Println("cancelled:", resp.Type)
	return nil
}

func lookupMarket(c *cli.Context) (domain.Market, error) {
	if err := bootstrap.Markets.Refresh(c.Context); err != nil {
		return domain.Market{}, err
	}
	market, ok := bootstrap.Markets.GetData(c.String("coin"))
	if !ok {
		return domain.Market{}, fmt.Errorf("unknown market %q", c.String("coin"))
	}
	return market, nil
}

func signerSender() (*service.Sender, error) {
	signer, err := bootstrap.Signer()
	if err != nil {
		return nil, err
	}
	return bootstrap.Sender(signer)
}

func sendAssetCommand() *cli.Command {
	return &cli.Command{
		Name:  "send",
		Usage: "transfer a spot token between accounts or dexes",
		Flags: assetFlags(false),
		Action: func(c *cli.Context) error {
			sender, err := signerSender()
			if err != nil {
				return err
			}
			t, err := assetArgs(c, sender.Address())
			if err != nil {
				return err
			}
			resp, err := sender.SendAsset(c.Context, t)
			if err != nil {
				return err
			}
			fmt.Println("accepted:", resp.Type)
			return nil
		},
	}
}

func toMultiSigCommand() *cli.Command {
	return &cli.Command{
		Name:  "to-multisig",
		Usage: "convert the signing account into a multi-sig account",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{Name: "authorized-user", Aliases: []string{"u"}, Required: true, Usage: "address allowed to co-sign, repeatable"},
			&cli.IntFlag{Name: "threshold", Aliases: []string{"t"}, Required: true, Usage: "signatures required per action"},
		},
		Action: func(c *cli.Context) error {
			var users []common.Address
			for _, u := range c.StringSlice("authorized-user") {
				if !common.IsHexAddress(u) {
					return fmt.Errorf("invalid authorized user %q", u)
				}
				users = append(users, common.HexToAddress(u))
			}
			sender, err := signerSender()
			if err != nil {
				return err
			}
			resp, err := sender.ConvertToMultiSig(c.Context, users, c.Int("threshold"))
			if err != nil {
				return err
			}
			fmt.Printf("%s is now a %d of %d multi-sig account: %s\n", sender.Address().Hex(), c.Int("threshold"), len(users), resp.Type)
			return nil
		},
	}
}

func assetFlags(destRequired bool) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "token", Required: true, Usage: "spot token, NAME or NAME:tokenId"},
		&cli.StringFlag{Name: "amount", Required: true, Usage: "token amount"},
		&cli.StringFlag{Name: "to", Required: destRequired, Usage: "destination address (defaults to the sending account)"},
		&cli.StringFlag{Name: "from-dex", Value: "perp", Usage: "source dex: perp, spot or a builder dex"},
		&cli.StringFlag{Name: "to-dex", Value: "perp", Usage: "destination dex: perp, spot or a builder dex"},
	}
}

// assetArgs resolves the token against the exchange's spot metadata.
func assetArgs(c *cli.Context, self common.Address) (service.AssetTransfer, error) {
	dest := self
	if to := c.String("to"); to != "" {
		if !common.IsHexAddress(to) {
			return service.AssetTransfer{}, fmt.Errorf("invalid destination %q", to)
		}
		dest = common.HexToAddress(to)
	}
	amount, err := decimal.NewFromString(c.String("amount"))
	if err != nil {
		return service.AssetTransfer{}, fmt.Errorf("amount: %w", err)
	}
	tokens, err := bootstrap.Exchange.SpotTokens(c.Context)
	if err != nil {
		return service.AssetTransfer{}, err
	}
	token, ok := domain.FindToken(tokens, c.String("token"))
	if !ok {
		return service.AssetTransfer{}, fmt.Errorf("unknown token %q", c.String("token"))
	}
	return service.AssetTransfer{
		Token:          token,
		Destination:    dest,
		Amount:         amount,
		SourceDex:      c.String("from-dex"),
		DestinationDex: c.String("to-dex"),
	}, nil
}

func marketsCommand() *cli.Command {
	return &cli.Command{
		Name:  "markets",
		Usage: "list perp and spot markets with their asset ids",
		Action: func(c *cli.Context) error {
			if err := bootstrap.Markets.Refresh(c.Context); err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ASSET\tNAME\tSZ DECIMALS\tSPOT")
			for _, m := range bootstrap.Markets.GetAllData() {
				fmt.Fprintf(w, "%d\t%s\t%d\t%t\n", m.Index, m.Name, m.SzDecimals, m.IsSpot)
			}
			return w.Flush()
		},
	}
}

func sessionsCommand() *cli.Command {
	return &cli.Command{
		Name:  "sessions",
		Usage: "show the local multi-sig session journal",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "limit", Value: 20},
		},
		Action: func(c *cli.Context) error {
			recs, err := bootstrap.Storage.ListSessions(c.Int("limit"))
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tROLE\tKIND\tSTATE\tNONCE\tSIGNERS\tERROR")
			for _, r := range recs {
				signers := 0
				if r.Signers != "" {
					signers = strings.Count(r.Signers, ",") + 1
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d/%d\t%s\n", r.ID, r.Role, r.Kind, r.State, r.Nonce, signers, r.Threshold, r.Error)
			}
			return w.Flush()
		},
	}
}

func nonceCommand() *cli.Command {
	return &cli.Command{
		Name:  "nonce",
		Usage: "print the highest nonce issued for the signer and the next one",
		Action: func(c *cli.Context) error {
			signer, err := bootstrap.Signer()
			if err != nil {
				return err
			}
			src, err := bootstrap.NonceSource(signer.Address())
			if err != nil {
				return err
			}
			fmt.Println("last:", src.Last())
			fmt.Println("next:", src.Next())
			return nil
		},
	}
}

func multiSigCommand() *cli.Command {
	return &cli.Command{
		Name:  "multisig",
		Usage: "coordinate multi-sig actions",
		Subcommands: []*cli.Command{
			{
				Name:  "config",
				Usage: "show the on-chain signer set of the multi-sig account",
				Action: func(c *cli.Context) error {
					user, _, err := bootstrap.MultiSigSigners()
					if err != nil {
						return err
					}
					cfg, err := bootstrap.Exchange.MultiSigConfig(c.Context, user)
					if err != nil {
						return err
					}
					if cfg == nil {
						return fmt.Errorf("%s is not a multi-sig account", user.Hex())
					}
					fmt.Printf("threshold: %d of %d\n", cfg.Threshold, len(cfg.AuthorizedUsers))
					for _, a := range cfg.AuthorizedUsers {
						fmt.Println(" ", a.Hex())
					}
					return nil
				},
			},
			{
				Name:  "propose-send",
				Usage: "lead a multi-sig USDC transfer and submit it once enough signers approved",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "to", Required: true, Usage: "destination address"},
					&cli.StringFlag{Name: "amount", Required: true, Usage: "USDC amount"},
				},
				Action: proposeSend,
			},
			{
				Name:   "propose-asset",
				Usage:  "lead a multi-sig spot token transfer and submit it once enough signers approved",
				Flags:  assetFlags(true),
				Action: proposeAsset,
			},
			{
				Name:      "sign",
				Usage:     "join a session by ticket and co-sign after review",
				ArgsUsage: "<ticket>",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "yes", Usage: "approve without prompting"},
				},
				Action: signSession,
			},
		},
	}
}

func proposeSend(c *cli.Context) error {
	dest, amount, err := transferArgs(c)
	if err != nil {
		return err
	}
	return propose(c, service.UsdSendAction(dest, amount))
}

func proposeAsset(c *cli.Context) error {
	user, _, err := bootstrap.MultiSigSigners()
	if err != nil {
		return err
	}
	t, err := assetArgs(c, user)
	if err != nil {
		return err
	}
	return propose(c, service.SendAssetAction(t))
}

// propose leads a session for the configured multi-sig account. The signer
// set comes from the config, or from the exchange when the config has none.
func propose(c *cli.Context, build func(n uint64) (action.Action, error)) error {
	user, authorized, err := bootstrap.MultiSigSigners()
	if err != nil {
		return err
	}
	threshold := bootstrap.Config.MultiSig.Threshold
	if len(authorized) == 0 || threshold == 0 {
		onChain, err := bootstrap.Exchange.MultiSigConfig(c.Context, user)
		if err != nil {
			return err
		}
		if onChain == nil {
			return fmt.Errorf("%s is not a multi-sig account", user.Hex())
		}
		authorized, threshold = onChain.AuthorizedUsers, onChain.Threshold
	}

	signer, err := bootstrap.Signer()
	if err != nil {
		return err
	}
	coord, err := bootstrap.Coordinator(signer)
	if err != nil {
		return err
	}
	adv, err := bootstrap.Advertiser()
	if err != nil {
		return err
	}

	res, err := coord.Propose(c.Context, service.Proposal{
		MultiSigUser: user,
		Authorized:   authorized,
		Threshold:    threshold,
		Build:        build,
		Deadline:     bootstrap.Config.SessionDeadline(),
		IdleTimeout:  bootstrap.Config.IdleTimeout(),
	}, adv, func(t discovery.Ticket) {
		fmt.Printf("Share this ticket with the other signers (%d of %d required):\n\n%s\n\n", threshold, len(authorized), t)
	})
	if err != nil {
		return err
	}
	fmt.Printf("session %s submitted with %d signatures: %s\n", res.SessionID, len(res.Signers), res.Response.Type)
	return nil
}

func signSession(c *cli.Context) error {
	if c.NArg() != 1 {
		return errors.New("expected exactly one ticket")
	}
	signer, err := bootstrap.Signer()
	if err != nil {
		return err
	}
	coord, err := bootstrap.Coordinator(signer)
	if err != nil {
		return err
	}
	var approver peer.Approver = &peer.PromptApprover{In: os.Stdin, Out: os.Stdout}
	if c.Bool("yes") {
		approver = peer.AutoApprove
	}

	out, err := coord.Join(c.Context, bootstrap.Dialer(), discovery.Ticket(c.Args().First()), approver, bootstrap.Config.IdleTimeout())
	if err != nil {
		return err
	}
	switch out.Status {
	case peer.Approved:
		if out.Ack != nil {
			fmt.Printf("signature sent (%d/%d collected)\n", out.Ack.Collected, out.Ack.Threshold)
		} else {
			fmt.Println("signature sent")
		}
	default:
		fmt.Printf("%s: %s\n", out.Status, out.Reason)
	}
	return nil
}

func transferArgs(c *cli.Context) (common.Address, decimal.Decimal, error) {
	to := c.String("to")
	if !common.IsHexAddress(to) {
		return common.Address{}, decimal.Zero, fmt.Errorf("invalid destination %q", to)
	}
	amount, err := decimal.NewFromString(c.String("amount"))
	if err != nil {
		return common.Address{}, decimal.Zero, fmt.Errorf("amount: %w", err)
	}
	return common.HexToAddress(to), amount, nil
}

func subscribeCommand() *cli.Command {
	feed := func(name, usage, argsUsage string, build func(arg string) hyperliquid.Subscription) *cli.Command {
		return &cli.Command{
			Name:      name,
			Usage:     usage,
			ArgsUsage: argsUsage,
			Flags: []cli.Flag{
				&cli.BoolFlag{Name: "json", Usage: "print raw messages, one per line"},
			},
			Action: func(c *cli.Context) error {
				if c.NArg() != 1 {
					return fmt.Errorf("expected %s", argsUsage)
				}
				return stream(c, build(c.Args().First()), c.Bool("json"))
			},
		}
	}
	return &cli.Command{
		Name:  "subscribe",
		Usage: "stream real-time exchange feeds",
		Subcommands: []*cli.Command{
			feed("trades", "public trades of a coin", "<coin>", hyperliquid.TradesFeed),
			feed("bbo", "best bid and offer of a coin", "<coin>", hyperliquid.BboFeed),
			feed("orders", "order status updates of a user", "<user>", hyperliquid.OrderUpdatesFeed),
			feed("fills", "fills of a user", "<user>", hyperliquid.UserFillsFeed),
		},
	}
}

func stream(c *cli.Context, sub hyperliquid.Subscription, raw bool) error {
	w := hyperliquid.NewStreamWorker(hyperliquid.WSURL(bootstrap.Config.Exchange.URL), 1024)
	if err := w.Subscribe(sub); err != nil {
		return err
	}
	if err := w.Connect(c.Context); err != nil {
		return err
	}
	defer w.Disconnect()
	fmt.Fprintf(os.Stderr, "Subscribing to %s...\n", sub)

	for {
		var ev hyperliquid.Event
		select {
		case <-c.Context.Done():
			return nil
		case ev = <-w.Events():
		}

		switch ev.Kind {
		case hyperliquid.EventConnected:
			fmt.Fprintln(os.Stderr, "Connected")
			continue
		case hyperliquid.EventDisconnected:
			fmt.Fprintln(os.Stderr, "Disconnected, reconnecting...")
			continue
		}
		if raw {
			fmt.Println(string(ev.Data))
			continue
		}
		if err := printEvent(ev); err != nil {
			slog.Warn("Undecodable stream message", "channel", ev.Channel, "error", err)
		}
	}
}

func printEvent(ev hyperliquid.Event) error {
	switch ev.Channel {
	case "trades":
		trades, err := ev.Trades()
		if err != nil {
			return err
		}
		for _, t := range trades {
			fmt.Printf("%s %s %s @ %s\n", t.Coin, t.Side, t.Sz, t.Px)
		}
	case "bbo":
		b, err := ev.Bbo()
		if err != nil {
			return err
		}
		level := func(l *hyperliquid.Level) string {
			if l == nil {
				return "-"
			}
			return l.Sz.String() + " @ " + l.Px.String()
		}
		fmt.Printf("%s bid %s | ask %s\n", b.Coin, level(b.Bbo[0]), level(b.Bbo[1]))
	case "orderUpdates":
		updates, err := ev.OrderUpdates()
		if err != nil {
			return err
		}
		for _, u := range updates {
			fmt.Printf("order %d %s %s %s @ %s: %s\n", u.Order.Oid, u.Order.Coin, u.Order.Side, u.Order.Sz, u.Order.LimitPx, u.Status)
		}
	case "userFills":
		fills, err := ev.UserFills()
		if err != nil {
			return err
		}
		if fills.IsSnapshot {
			return nil
		}
		for _, f := range fills.Fills {
			fmt.Printf("fill %s %s %s @ %s (fee %s)\n", f.Coin, f.Side, f.Sz, f.Px, f.Fee)
		}
	default:
		fmt.Println(string(ev.Data))
	}
	return nil
}
