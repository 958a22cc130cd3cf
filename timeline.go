package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"secura/engine"
	"secura/models"
	"secura/storage"
)

var timelineCommand = &cli.Command{
	Name:   "timeline",
	Usage:  "Read the ledger once and print contacts and messages",
	Action: cmdTimeline,
}

var chatCommand = &cli.Command{
	Name:      "chat",
	Usage:     "Print the conversation with one counterparty",
	ArgsUsage: "PEER",
	Action:    cmdChat,
}

var historyCommand = &cli.Command{
	Name:      "history",
	Usage:     "Print the last saved timeline without contacting the ledger",
	ArgsUsage: "[PEER]",
	Action:    cmdHistory,
}

func cmdTimeline(ctx *cli.Context) error {
	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	view, err := s.refresh(ctx.Context)
	if err != nil {
		return err
	}

	fmt.Printf("Contacts (%d):\n", view.Contacts.Len())
	for _, contact := range view.Contacts.Sorted() {
		fmt.Printf("  %s\n", contact)
	}
	fmt.Printf("\nMessages (%d):\n", view.Timeline.Len())
	printContents(s.engine, s.engine.ResolveAll(ctx.Context, view.Timeline.Records()))
	return nil
}

func cmdChat(ctx *cli.Context) error {
	if ctx.NArg() == 0 {
		return fmt.Errorf("you must specify a peer address")
	}
	peer := ctx.Args().Get(0)

	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	view, err := s.refresh(ctx.Context)
	if err != nil {
		return err
	}
	records := view.Timeline.Conversation(view.Viewer, peer)
	if len(records) == 0 {
		fmt.Printf("No messages with %s\n", peer)
		return nil
	}
	printContents(s.engine, s.engine.ResolveAll(ctx.Context, records))
	return nil
}

func cmdHistory(ctx *cli.Context) error {
	signer, err := loadSigner(ctx)
	if err != nil {
		return err
	}
	store, _, err := storage.Open(getDataDir(ctx))
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer store.Close()

	viewer := signer.Address()
	var records []models.MessageRecord
	if ctx.NArg() > 0 {
		records, err = store.LoadConversation(viewer, ctx.Args().Get(0))
	} else {
		records, err = store.LoadTimeline(viewer)
	}
	if err != nil {
		return fmt.Errorf("failed to load timeline snapshot: %w", err)
	}
	if len(records) == 0 {
		fmt.Println("No saved messages")
		return nil
	}

	cfg := getConfig(ctx)
	mapper := engine.NewTimeMapper(cfg.Genesis(), cfg.BlockInterval())
	now := time.Now()
	for _, record := range records {
		text, err := store.LoadContent(record.ContentAddress())
		if err != nil {
			text = engine.PlaceholderUnavailable
		}
		printLine(mapper, now, viewer, record, text)
	}
	return nil
}

func printContents(e *engine.Engine, contents []engine.MessageContent) {
	mapper := e.TimeMapper()
	now := time.Now()
	for _, content := range contents {
		printLine(mapper, now, e.Viewer(), content.Record, content.Display())
	}
}

func printLine(mapper engine.TimeMapper, now time.Time, viewer string, record models.MessageRecord, text string) {
	arrow := "<-"
	if record.Direction == models.DirectionOutbound {
		arrow = "->"
	}
	peer := record.Counterparty(viewer)
	if peer == viewer {
		peer = "self"
	}
	marker := " "
	if !record.Read && record.Direction == models.DirectionInbound {
		marker = "*"
	}
	text = strings.ReplaceAll(text, "\n", "\n    ")
	fmt.Printf("%s %s %s %s\n    %s\n", marker, mapper.Format(record.Timestamp, now), arrow, shortAddress(peer), text)
}

func shortAddress(address string) string {
	if len(address) <= 16 {
		return address
	}
	return address[:10] + "…" + address[len(address)-4:]
}
