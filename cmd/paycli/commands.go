package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"satspay/internal/api"
	"satspay/internal/lightning"
)

var payCommand = &cli.Command{
	Name:        "pay",
	Usage:       "Pay a BOLT11 invoice",
	Description: `Send a payment from --wallet. A pending result means the outcome is not known yet; check it with "status" instead of paying again.`,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:     "request",
			Usage:    "the encoded payment request",
			Required: true,
		},
		&cli.StringFlag{
			Name:  "memo",
			Usage: "note recorded with the ledger entry",
		},
		&cli.Int64Flag{
			Name:  "timeout-ms",
			Usage: "how long to wait for the payment to settle (server default if unset)",
		},
		&cli.PathFlag{
			Name:  "route",
			Usage: "JSON file with a pre-computed route to pay along",
		},
	},
	Action: pay,
}

func pay(ctx *cli.Context) error {
	wallet, err := walletFlag(ctx)
	if err != nil {
		return err
	}

	req := api.SendPaymentRequest{
		PaymentRequest: ctx.String("request"),
		Memo:           ctx.String("memo"),
		TimeoutMS:      ctx.Int64("timeout-ms"),
	}
	if path := ctx.Path("route"); path != "" {
		route, err := readRoute(path)
		if err != nil {
			return err
		}
		req.Route = route
	}

	var resp api.PaymentResponse
	err = newClient(ctx.String("server")).do(ctx.Context, "POST", "/api/wallets/"+wallet+"/payments", req, &resp)
	var apiErr *apiError
	if errors.As(err, &apiErr) && apiErr.Body.Payment != nil {
		printJSON(apiErr.Body.Payment)
		return err
	}
	if err != nil {
		return err
	}
	printJSON(resp)
	return nil
}

func readRoute(path string) (*lightning.PaymentRoute, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var route lightning.PaymentRoute
	if err := json.Unmarshal(data, &route); err != nil {
		return nil, fmt.Errorf("could not parse route: %w", err)
	}
	if err := route.Validate(); err != nil {
		return nil, err
	}
	return &route, nil
}

var statusCommand = &cli.Command{
	Name:  "status",
	Usage: "Show the latest attempt and ledger entries of a payment",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "hash", Usage: "payment hash", Required: true},
	},
	Action: func(ctx *cli.Context) error {
		wallet, err := walletFlag(ctx)
		if err != nil {
			return err
		}
		var resp api.StatusResponse
		if err := newClient(ctx.String("server")).do(ctx.Context, "GET", "/api/wallets/"+wallet+"/payments/"+ctx.String("hash"), nil, &resp); err != nil {
			return err
		}
		printJSON(resp)
		return nil
	},
}

var receiptCommand = &cli.Command{
	Name:  "receipt",
	Usage: "Show the archived receipt of a settled payment",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "hash", Usage: "payment hash", Required: true},
	},
	Action: func(ctx *cli.Context) error {
		wallet, err := walletFlag(ctx)
		if err != nil {
			return err
		}
		var resp json.RawMessage
		if err := newClient(ctx.String("server")).do(ctx.Context, "GET", "/api/wallets/"+wallet+"/payments/"+ctx.String("hash")+"/receipt", nil, &resp); err != nil {
			return err
		}
		printJSON(resp)
		return nil
	},
}

var invoiceCommand = &cli.Command{
	Name:  "invoice",
	Usage: "Create an invoice for --wallet to be paid",
	Flags: []cli.Flag{
		&cli.Int64Flag{Name: "sats", Usage: "amount in satoshis, 0 for any amount"},
		&cli.StringFlag{Name: "memo", Usage: "invoice description"},
		&cli.DurationFlag{Name: "expiry", Usage: "how long the invoice stays payable (server default if unset)"},
	},
	Action: func(ctx *cli.Context) error {
		wallet, err := walletFlag(ctx)
		if err != nil {
			return err
		}
		req := api.CreateInvoiceRequest{
			Sats:             ctx.Int64("sats"),
			Memo:             ctx.String("memo"),
			ExpiresInSeconds: int64(ctx.Duration("expiry").Seconds()),
		}
		var resp api.InvoiceResponse
		if err := newClient(ctx.String("server")).do(ctx.Context, "POST", "/api/wallets/"+wallet+"/invoices", req, &resp); err != nil {
			return err
		}
		printJSON(resp)
		return nil
	},
}

var qrCommand = &cli.Command{
	Name:  "qr",
	Usage: "Download the QR code of an invoice as PNG",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "hash", Usage: "payment hash of the invoice", Required: true},
		&cli.PathFlag{Name: "out", Usage: "output file", Value: "invoice.png"},
	},
	Action: func(ctx *cli.Context) error {
		f, err := os.Create(ctx.Path("out"))
		if err != nil {
			return err
		}
		defer f.Close()
		if err := newClient(ctx.String("server")).do(ctx.Context, "GET", "/api/invoices/"+ctx.String("hash")+"/qr", nil, f); err != nil {
			return err
		}
		fmt.Printf("wrote %s\n", ctx.Path("out"))
		return nil
	},
}

func walletFlag(ctx *cli.Context) (string, error) {
	wallet := ctx.String("wallet")
	if wallet == "" {
		return "", fmt.Errorf("missing '--wallet' flag")
	}
	return wallet, nil
}

func printJSON(v any) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fatal(err)
	}
	fmt.Println(string(out))
}
