package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"secura/config"
	"secura/contentstore"
	"secura/discovery"
	"secura/ledger"
)

const shutdownTimeout = 5 * time.Second

var devnetCommand = &cli.Command{
	Name:  "devnet",
	Usage: "Run an in-memory ledger and content store for local testing",
	Flags: []cli.Flag{
		&cli.IntFlag{
			Name:  "ledger-port",
			Value: 9944,
		},
		&cli.IntFlag{
			Name:  "content-port",
			Value: 5001,
		},
		&cli.StringFlag{
			Name:  "name",
			Usage: "mDNS instance name (defaults to the account name)",
		},
		&cli.BoolFlag{
			Name:  "no-advertise",
			Usage: "Do not announce the devnet over mDNS",
		},
	},
	Action: cmdDevnet,
}

var discoverCommand = &cli.Command{
	Name:  "discover",
	Usage: "Browse the local network for devnets",
	Flags: []cli.Flag{
		&cli.DurationFlag{
			Name:  "timeout",
			Value: discovery.DefaultScanTimeout,
		},
		&cli.BoolFlag{
			Name:  "use",
			Usage: "Point the config at the first devnet found",
		},
	},
	Action: cmdDiscover,
}

func cmdDevnet(ctx *cli.Context) error {
	cfg := getConfig(ctx)
	logger := getLogger(ctx)

	runCtx, stop := signal.NotifyContext(ctx.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ledgerPort := ctx.Int("ledger-port")
	contentPort := ctx.Int("content-port")
	gatewayURL := "http://" + net.JoinHostPort("127.0.0.1", strconv.Itoa(contentPort))

	memory := ledger.NewMemory()
	ledgerServer := ledger.NewServer(memory, logger)
	defer ledgerServer.Close()
	content := contentstore.NewMemory(gatewayURL)

	servers := []*http.Server{
		{Addr: net.JoinHostPort("", strconv.Itoa(ledgerPort)), Handler: ledgerServer},
		{Addr: net.JoinHostPort("", strconv.Itoa(contentPort)), Handler: contentstore.NewHandler(content, logger)},
	}

	genesis := time.Now()
	interval := cfg.BlockInterval()

	if !ctx.Bool("no-advertise") {
		name := ctx.String("name")
		if name == "" {
			name = cfg.AccountName
		}
		advertiser, err := discovery.Advertise(discovery.Config{
			InstanceID:          uuid.NewString(),
			InstanceName:        name,
			LedgerPort:          ledgerPort,
			ContentPort:         contentPort,
			GenesisUnixMilli:    genesis.UnixMilli(),
			BlockIntervalMillis: interval.Milliseconds(),
		})
		if err != nil {
			logger.Warn().Err(err).Msg("devnet advertisement failed")
		} else {
			defer advertiser.Stop()
		}
	}

	g, gctx := errgroup.WithContext(runCtx)
	for _, server := range servers {
		g.Go(func() error {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("serve %s: %w", server.Addr, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		ledgerServer.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		for _, server := range servers {
			_ = server.Shutdown(shutdownCtx)
		}
		return nil
	})
	g.Go(func() error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				memory.AdvanceBlock()
			}
		}
	})

	fmt.Printf("Ledger:          ws://127.0.0.1:%d\n", ledgerPort)
	fmt.Printf("Content API:     %s/api/v0\n", gatewayURL)
	fmt.Printf("Gateway:         %s\n", gatewayURL)
	fmt.Printf("Genesis:         %d\n", genesis.UnixMilli())
	fmt.Println("Status:          running (press Ctrl+C to stop)")

	err := g.Wait()
	fmt.Println("Status:          shutting down")
	return err
}

func cmdDiscover(ctx *cli.Context) error {
	devnets, err := discovery.Browse(ctx.Context, discovery.Config{ScanTimeout: ctx.Duration("timeout")})
	if err != nil {
		return fmt.Errorf("failed to browse for devnets: %w", err)
	}
	if len(devnets) == 0 {
		fmt.Println("No devnets found")
		return nil
	}

	for _, devnet := range devnets {
		fmt.Printf("%s (%s)\n", devnet.Name, devnet.InstanceID)
		fmt.Printf("  Ledger:      %s\n", devnet.LedgerURL())
		fmt.Printf("  Content API: %s\n", devnet.ContentAPIURL())
		fmt.Printf("  Gateway:     %s\n", devnet.GatewayURL())
	}

	if !ctx.Bool("use") {
		return nil
	}
	chosen := devnets[0]
	cfg := getConfig(ctx)
	cfg.LedgerURL = chosen.LedgerURL()
	cfg.ContentAPIURL = chosen.ContentAPIURL()
	cfg.GatewayURL = chosen.GatewayURL()
	cfg.GenesisUnixMilli = chosen.GenesisUnixMilli
	if chosen.BlockIntervalMillis > 0 {
		cfg.BlockIntervalMillis = chosen.BlockIntervalMillis
	}
	if err := config.Save(getConfigPath(ctx), cfg); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}
	fmt.Printf("Config updated to use %s\n", chosen.Name)
	return nil
}
