package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/urfave/cli/v2"

	"secura/blobcache"
	"secura/config"
	"secura/contentstore"
	"secura/crypto"
	"secura/engine"
	"secura/ledger"
	"secura/storage"
)

// session holds the collaborators of one connected command.
type session struct {
	signer *crypto.Signer
	client *ledger.Client
	store  *storage.Store
	blobs  *blobcache.Cache
	engine *engine.Engine
}

func loadSigner(ctx *cli.Context) (*crypto.Signer, error) {
	cfg := getConfig(ctx)
	signer, err := crypto.EnsureAccountKey(cfg.PrivateKeyPath, cfg.PublicKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare account key: %w", err)
	}
	if cfg.Address != signer.Address() {
		cfg.Address = signer.Address()
		if err := config.Save(getConfigPath(ctx), cfg); err != nil {
			return nil, fmt.Errorf("failed to persist account address: %w", err)
		}
	}
	return signer, nil
}

func openSession(ctx *cli.Context) (*session, error) {
	cfg := getConfig(ctx)
	logger := getLogger(ctx)

	signer, err := loadSigner(ctx)
	if err != nil {
		return nil, err
	}

	s := &session{signer: signer}
	ok := false
	defer func() {
		if !ok {
			s.Close()
		}
	}()

	s.client, err = ledger.Dial(ctx.Context, ledger.ClientOptions{
		URL:    cfg.LedgerURL,
		Signer: signer,
		Log:    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ledger at %s: %w", cfg.LedgerURL, err)
	}

	s.store, _, err = storage.Open(getDataDir(ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s.blobs, err = blobcache.Open(filepath.Join(getDataDir(ctx), "blobs"))
	if err != nil {
		return nil, fmt.Errorf("failed to open blob cache: %w", err)
	}

	content := contentstore.NewHTTPClient(cfg.ContentAPIURL, cfg.GatewayURL, nil)
	s.engine, err = engine.New(engine.Options{
		Signer:            signer,
		Ledger:            s.client,
		Store:             content,
		Blobs:             blobcache.NewFetcher(s.blobs, content, logger),
		Backing:           s.store,
		Snapshots:         s.store,
		SendLog:           s.store,
		TimeMapper:        engine.NewTimeMapper(cfg.Genesis(), cfg.BlockInterval()),
		RereadDelay:       cfg.RereadDelay(),
		FetchTimeout:      cfg.FetchTimeout(),
		ReaderConcurrency: cfg.ReaderConcurrency,
		Log:               logger,
	})
	if err != nil {
		return nil, err
	}

	ok = true
	return s, nil
}

// Close releases every collaborator that was opened.
func (s *session) Close() {
	if s.engine != nil {
		s.engine.Close()
	}
	if s.client != nil {
		_ = s.client.Close()
	}
	if s.blobs != nil {
		_ = s.blobs.Close()
	}
	if s.store != nil {
		_ = s.store.Close()
	}
}

// refresh runs one read cycle, reporting a lost ledger connection plainly.
func (s *session) refresh(ctx context.Context) (engine.View, error) {
	view, err := s.engine.Refresh(ctx)
	if errors.Is(err, engine.ErrHalted) {
		return view, fmt.Errorf("ledger connection lost: %w", err)
	}
	return view, err
}
