package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"secura/engine"
	"secura/models"
)

const seenRetention = 30 * 24 * time.Hour

var watchCommand = &cli.Command{
	Name:  "watch",
	Usage: "Follow new ledger blocks and print messages as they arrive",
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:  "all",
			Usage: "Print messages already shown by an earlier watch",
		},
	},
	Action: cmdWatch,
}

func cmdWatch(ctx *cli.Context) error {
	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()
	logger := getLogger(ctx)

	runCtx, stop := signal.NotifyContext(ctx.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// SIGHUP retries content that failed to resolve.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-runCtx.Done():
				return
			case <-hup:
				cleared := s.engine.ClearFailures()
				logger.Info().Int("cleared", cleared).Msg("cleared failed resolutions")
			}
		}
	}()

	cutoff := time.Now().Add(-seenRetention).UnixMilli()
	if pruned, err := s.store.PruneSeen(cutoff); err != nil {
		logger.Warn().Err(err).Msg("prune seen records")
	} else if pruned > 0 {
		logger.Debug().Int64("pruned", pruned).Msg("pruned seen records")
	}

	viewer := s.engine.Viewer()
	showAll := ctx.Bool("all")
	fmt.Printf("Watching %s (press Ctrl+C to stop)\n", viewer)

	printed := make(map[string]bool)
	err = s.engine.Watch(runCtx, func(view engine.View) {
		var fresh []models.MessageRecord
		for _, record := range view.Timeline.Records() {
			if printed[record.ID] {
				continue
			}
			seen, err := s.store.HasSeen(viewer, record.ID)
			if err != nil {
				logger.Warn().Err(err).Str("id", record.ID).Msg("check seen record")
			}
			if seen && !showAll {
				continue
			}
			fresh = append(fresh, record)
		}
		if len(fresh) == 0 {
			return
		}

		contents := s.engine.ResolveAll(runCtx, fresh)
		printContents(s.engine, contents)

		// Records still loading are shown again once their content settles.
		now := time.Now().UnixMilli()
		for _, record := range settledRecords(contents) {
			printed[record.ID] = true
			if err := s.store.MarkSeen(viewer, record.ID, now); err != nil {
				logger.Warn().Err(err).Str("id", record.ID).Msg("mark record seen")
			}
		}
	})
	if errors.Is(err, engine.ErrHalted) {
		return fmt.Errorf("ledger connection lost: %w", err)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// settledRecords returns the records whose content reached a final state.
func settledRecords(contents []engine.MessageContent) []models.MessageRecord {
	var settled []models.MessageRecord
	for _, content := range contents {
		if content.Settled() {
			settled = append(settled, content.Record)
		}
	}
	return settled
}
