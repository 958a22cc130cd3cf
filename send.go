package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"secura/engine"
	"secura/storage"
)

var sendCommand = &cli.Command{
	Name:      "send",
	Usage:     "Send a text message",
	ArgsUsage: "PEER TEXT...",
	Action:    cmdSend,
}

var sendFileCommand = &cli.Command{
	Name:      "send-file",
	Usage:     "Send a file as an attachment",
	ArgsUsage: "PEER PATH",
	Action:    cmdSendFile,
}

var sendsCommand = &cli.Command{
	Name:  "sends",
	Usage: "List recent send attempts",
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:  "orphans",
			Usage: "Only show sends whose content was stored but never recorded",
		},
		&cli.IntFlag{
			Name:  "limit",
			Value: 20,
		},
	},
	Action: cmdSends,
}

func cmdSend(ctx *cli.Context) error {
	if ctx.NArg() < 2 {
		return fmt.Errorf("you must specify a peer address and message text")
	}
	peer := ctx.Args().Get(0)
	text := strings.Join(ctx.Args().Slice()[1:], " ")
	return deliver(ctx, peer, engine.TextBody(text))
}

func cmdSendFile(ctx *cli.Context) error {
	if ctx.NArg() < 2 {
		return fmt.Errorf("you must specify a peer address and file path")
	}
	peer := ctx.Args().Get(0)
	path := ctx.Args().Get(1)
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	return deliver(ctx, peer, engine.FileMessage(filepath.Base(path), data))
}

func deliver(ctx *cli.Context, peer string, body engine.Body) error {
	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	result, err := s.engine.Send(ctx.Context, peer, body)
	if err != nil {
		var subErr *engine.SubmissionError
		switch {
		case errors.Is(err, engine.ErrOversizedPointer):
			return fmt.Errorf("content address does not fit the ledger: %w", err)
		case errors.As(err, &subErr):
			return fmt.Errorf("content stored at %s but not recorded on the ledger: %w", subErr.Address, subErr.Err)
		default:
			return err
		}
	}

	if result.BlobAddress != "" {
		fmt.Printf("Blob:    %s\n", result.BlobAddress)
	}
	fmt.Printf("Content: %s\n", result.Address)
	fmt.Printf("Record:  %s (block %d)\n", result.Receipt.ID, result.Receipt.Height)

	s.engine.Wait()
	if slices.Contains(s.engine.View().Timeline.IDs(), result.Receipt.ID) {
		fmt.Println("Status:  visible in timeline")
	} else {
		fmt.Println("Status:  submitted, not yet visible")
	}
	return nil
}

func cmdSends(ctx *cli.Context) error {
	store, _, err := storage.Open(getDataDir(ctx))
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer store.Close()

	var sends []storage.Send
	if ctx.Bool("orphans") {
		sends, err = store.ListOrphans(ctx.Int("limit"))
	} else {
		sends, err = store.ListSends("", ctx.Int("limit"))
	}
	if err != nil {
		return fmt.Errorf("failed to list sends: %w", err)
	}
	if len(sends) == 0 {
		fmt.Println("No sends")
		return nil
	}

	for _, send := range sends {
		fmt.Printf("%s  %-9s %-4s -> %s  %s\n",
			time.UnixMilli(send.CreatedAt).Format(time.DateTime),
			send.Status,
			send.Kind,
			shortAddress(send.Recipient),
			send.ContentAddress,
		)
		if send.Error != "" {
			fmt.Printf("    %s\n", send.Error)
		}
	}
	return nil
}
