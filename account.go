package main

import (
	"fmt"
	"strings"

	"github.com/skip2/go-qrcode"
	"github.com/urfave/cli/v2"
)

var accountCommand = &cli.Command{
	Name:  "account",
	Usage: "Create or load the account key and print its address",
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:  "qr",
			Usage: "Also render the address as a terminal QR code",
		},
	},
	Action: cmdAccount,
}

func cmdAccount(ctx *cli.Context) error {
	signer, err := loadSigner(ctx)
	if err != nil {
		return err
	}
	cfg := getConfig(ctx)

	fmt.Printf("Address:         %s\n", signer.Address())
	fmt.Printf("Account Name:    %s\n", cfg.AccountName)
	fmt.Printf("Ledger:          %s\n", cfg.LedgerURL)
	fmt.Printf("Content API:     %s\n", cfg.ContentAPIURL)
	fmt.Printf("Gateway:         %s\n", cfg.GatewayURL)
	fmt.Printf("Config File:     %s\n", getConfigPath(ctx))
	fmt.Printf("Data Directory:  %s\n", getDataDir(ctx))

	if ctx.Bool("qr") {
		code, err := qrcode.New(signer.Address(), qrcode.Medium)
		if err != nil {
			return fmt.Errorf("failed to render QR code: %w", err)
		}
		fmt.Println()
		fmt.Print(renderQR(code.Bitmap()))
	}
	return nil
}

// renderQR draws two bitmap rows per terminal line using half-block glyphs.
func renderQR(bitmap [][]bool) string {
	var b strings.Builder
	for y := 0; y < len(bitmap); y += 2 {
		for x := range bitmap[y] {
			top := bitmap[y][x]
			bottom := y+1 < len(bitmap) && bitmap[y+1][x]
			switch {
			case top && bottom:
				b.WriteRune(' ')
			case top:
				b.WriteRune('▄')
			case bottom:
				b.WriteRune('▀')
			default:
				b.WriteRune('█')
			}
		}
		b.WriteByte('\n')
	}
	return b.String()
}
