package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

func main() {
	app := cli.NewApp()

	app.Name = "paycli"
	app.Usage = "Send and inspect Lightning payments through a satspay server"
	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "server",
			Value:   "http://localhost:8080",
			Usage:   "satspay server base URL",
			EnvVars: []string{"PAYCLI_SERVER"},
		},
		&cli.StringFlag{
			Name:    "wallet",
			Usage:   "wallet to act for",
			EnvVars: []string{"PAYCLI_WALLET"},
		},
	}
	app.Commands = []*cli.Command{
		payCommand,
		statusCommand,
		invoiceCommand,
		receiptCommand,
		qrCommand,
	}

	if err := app.Run(os.Args); err != nil {
		fatal(err)
	}
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "[paycli] %v\n", err)
	os.Exit(1)
}
