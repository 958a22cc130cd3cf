package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"secura/ledger"
	"secura/models"
)

// DefaultReaderConcurrency bounds concurrent record fetches in one read.
const DefaultReaderConcurrency = 8

// Reader enumerates a viewer's inbox and outbox and fetches their records.
type Reader struct {
	ledger      ledger.Ledger
	concurrency int
	log         zerolog.Logger
}

// NewReader returns a reader over l.
func NewReader(l ledger.Ledger, concurrency int, log zerolog.Logger) *Reader {
	if concurrency <= 0 {
		concurrency = DefaultReaderConcurrency
	}
	return &Reader{ledger: l, concurrency: concurrency, log: log}
}

// Read returns the viewer's inbound and outbound records in reference-list
// order. Each distinct id is fetched once. Absent records are dropped
// silently and records that fail to fetch or decode are logged and skipped.
// A lost connection or an ended ctx aborts the read, so a partial record set
// is never returned.
func (r *Reader) Read(ctx context.Context, viewer string) (inbound, outbound []models.MessageRecord, err error) {
	inboxIDs, err := r.ledger.InboxIDs(ctx, viewer)
	if err != nil {
		return nil, nil, fmt.Errorf("read inbox of %s: %w", viewer, err)
	}
	outboxIDs, err := r.ledger.OutboxIDs(ctx, viewer)
	if err != nil {
		return nil, nil, fmt.Errorf("read outbox of %s: %w", viewer, err)
	}

	ids := distinct(inboxIDs, outboxIDs)
	fetched := make([]*models.MessageRecord, len(ids))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for i, id := range ids {
		g.Go(func() error {
			record, err := r.ledger.Message(gctx, id)
			if err != nil {
				if systemic(gctx, err) {
					return err
				}
				r.log.Warn().Err(err).Str("id", id).Msg("skipping unreadable record")
				return nil
			}
			if record != nil {
				record.ID = id
			}
			fetched[i] = record
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, fmt.Errorf("read records of %s: %w", viewer, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, fmt.Errorf("read records of %s: %w", viewer, err)
	}

	byID := make(map[string]*models.MessageRecord, len(ids))
	for i, id := range ids {
		byID[id] = fetched[i]
	}
	return collect(inboxIDs, byID), collect(outboxIDs, byID), nil
}

// systemic reports whether err ends the whole read rather than one record.
func systemic(ctx context.Context, err error) bool {
	return ctx.Err() != nil ||
		errors.Is(err, ledger.ErrNotConnected) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

func distinct(lists ...[]string) []string {
	seen := make(map[string]struct{})
	out := make([]string, 0)
	for _, list := range lists {
		for _, id := range list {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}

func collect(ids []string, byID map[string]*models.MessageRecord) []models.MessageRecord {
	seen := make(map[string]struct{}, len(ids))
	out := make([]models.MessageRecord, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		if record := byID[id]; record != nil {
			out = append(out, *record)
		}
	}
	return out
}
