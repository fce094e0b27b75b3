package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/btcsuite/btcd/chaincfg"

	"satspay/internal/api"
	"satspay/internal/archive"
	"satspay/internal/ledger"
	"satspay/internal/lightning"
	"satspay/internal/logging"
	"satspay/internal/payments"
	"satspay/internal/store"
)

// pendingMaxAge bounds how long an unresolvable payment counts against its
// wallet's pending limit.
const pendingMaxAge = 24 * time.Hour

func printStats(st *store.SQLiteStore) {
	ctx := context.Background()
	stats, err := st.GetStats(ctx)
	if err != nil {
		logging.Internal.Fatalf("failed to get stats: %v", err)
	}

	fmt.Println("╔══════════════════════════════════════════╗")
	fmt.Println("║            SatsPay Statistics            ║")
	fmt.Println("╠══════════════════════════════════════════╣")
	fmt.Printf("║  Total Payments:  %-22d║\n", stats.TotalAttempts)
	fmt.Printf("║  ├─ Succeeded:    %-22d║\n", stats.Succeeded)
	fmt.Printf("║  ├─ Failed:       %-22d║\n", stats.Failed)
	fmt.Printf("║  ├─ Unresolved:   %-22d║\n", stats.Indeterminate)
	fmt.Printf("║  └─ In flight:    %-22d║\n", stats.Pending)
	fmt.Println("╠══════════════════════════════════════════╣")
	fmt.Printf("║  Amount Sent:     %-22s║\n", lightning.Satoshis(stats.AmountSent))
	fmt.Printf("║  Fees Paid:       %-22s║\n", lightning.Satoshis(stats.FeesPaid))
	fmt.Printf("║  Reimbursed:      %-22s║\n", lightning.Satoshis(stats.Reimbursed))
	fmt.Println("╠══════════════════════════════════════════╣")
	fmt.Printf("║  Ledger Entries:  %-22d║\n", stats.LedgerEntries)
	fmt.Printf("║  Invoices:        %-22d║\n", stats.Invoices)
	if !stats.OldestAttempt.IsZero() {
		fmt.Printf("║  Oldest Payment:  %-22s║\n", stats.OldestAttempt.Format("2006-01-02 15:04"))
		fmt.Printf("║  Newest Payment:  %-22s║\n", stats.NewestAttempt.Format("2006-01-02 15:04"))
	} else {
		fmt.Println("║  No payments in database                 ║")
	}
	fmt.Println("╚══════════════════════════════════════════╝")
}

// connectGateway picks the Lightning backend: lnd if LND_HOST is set, Alby
// if ALBY_TOKEN is set, otherwise an in-process simulated node.
func connectGateway(ctx context.Context, net *chaincfg.Params, decoder *lightning.Decoder) (lightning.Service, func(), error) {
	if host := os.Getenv("LND_HOST"); host != "" {
		client, err := lightning.NewLndClient(ctx, lightning.LndConfig{
			Host:         host,
			TLSCertPath:  os.Getenv("LND_TLS_CERT"),
			MacaroonPath: os.Getenv("LND_MACAROON"),
		}, decoder)
		if err != nil {
			return nil, nil, err
		}
		logging.Internal.Printf("connected to lnd at %s", host)
		return client, func() { client.Close() }, nil
	}

	if token := os.Getenv("ALBY_TOKEN"); token != "" {
		cfg := lightning.AlbyConfig{AccessToken: token, BaseURL: os.Getenv("ALBY_URL")}
		if pk := os.Getenv("ALBY_PUBKEY"); pk != "" {
			pubkey, err := lightning.ParsePubkey(pk)
			if err != nil {
				return nil, nil, fmt.Errorf("ALBY_PUBKEY: %w", err)
			}
			cfg.Pubkey = pubkey
		}
		client, err := lightning.NewAlbyClient(ctx, cfg, decoder)
		if err != nil {
			return nil, nil, err
		}
		logging.Internal.Println("connected to Lightning wallet via Alby HTTP API (payments cannot be tracked)")
		return client, func() {}, nil
	}

	sim, err := lightning.NewSimNode(net)
	if err != nil {
		return nil, nil, err
	}
	logging.Internal.Printf("using simulated Lightning node %s (set LND_HOST or ALBY_TOKEN for real payments)", logging.Short(string(sim.Pubkey())))
	return sim, func() {}, nil
}

// openArchive uses B2 if configured, then ARCHIVE_DIR, else no archive.
func openArchive() (archive.Storage, error) {
	if bucket := os.Getenv("B2_BUCKET"); bucket != "" {
		b2, err := archive.NewB2Storage(archive.B2Config{
			KeyID:    os.Getenv("B2_KEY_ID"),
			AppKey:   os.Getenv("B2_APP_KEY"),
			Bucket:   bucket,
			Prefix:   os.Getenv("B2_PREFIX"),
			Endpoint: os.Getenv("B2_ENDPOINT"),
		})
		if err != nil {
			return nil, err
		}
		logging.Internal.Printf("archiving receipts to Backblaze B2 (bucket: %s)", bucket)
		return b2, nil
	}
	if dir := os.Getenv("ARCHIVE_DIR"); dir != "" {
		fs, err := archive.NewFSStorage(dir)
		if err != nil {
			return nil, err
		}
		logging.Internal.Printf("archiving receipts to %s", dir)
		return fs, nil
	}
	logging.Internal.Println("receipt archive disabled (set B2_BUCKET or ARCHIVE_DIR)")
	return nil, nil
}

// withMiddleware wraps h as Logger(RateLimit(CORS(h))). Dev mode allows any
// origin and skips rate limiting.
func withMiddleware(h http.Handler, dev bool, corsOrigins string) http.Handler {
	var cors api.CORSConfig
	if dev {
		logging.Internal.Println("dev mode: any CORS origin, no rate limits")
	} else {
		for _, o := range strings.Split(corsOrigins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cors.AllowedOrigins = append(cors.AllowedOrigins, o)
			}
		}
		logging.Internal.Printf("CORS origins: %v", cors.AllowedOrigins)
	}

	h = api.CORS(cors)(h)
	if !dev {
		h = api.RateLimit(api.DefaultRateLimitConfig())(h)
	}
	return api.Logger(h)
}

func main() {
	addr := flag.String("addr", ":8080", "HTTP listen address")
	dbPath := flag.String("db", "satspay.db", "SQLite database path")
	network := flag.String("network", "mainnet", "Bitcoin network: mainnet, testnet, signet, regtest or simnet")
	showStats := flag.Bool("stats", false, "Show database statistics and exit")
	devMode := flag.Bool("dev", false, "Development mode: disables CORS restrictions and rate limiting")
	corsOrigins := flag.String("cors-origins", "http://localhost:3000", "Comma-separated list of allowed CORS origins")
	timeoutMS := flag.Int64("timeout-ms", int64(lightning.DefaultTimeoutMSecs), "Send timeout in milliseconds when the client sets none")
	nodeRPS := flag.Float64("node-rps", 5, "Maximum calls per second to the Lightning node")
	reconcileInterval := flag.Duration("reconcile-interval", 30*time.Second, "How often unresolved payments are checked")
	maxPending := flag.Int("max-pending", api.DefaultMaxPending, "Unresolved payments allowed per wallet")
	flag.Parse()

	st, err := store.NewSQLiteStore(*dbPath)
	if err != nil {
		logging.Internal.Fatalf("failed to open database: %v", err)
	}
	defer st.Close()

	if *showStats {
		printStats(st)
		return
	}

	timeout, err := lightning.NewTimeoutMSecs(*timeoutMS)
	if err != nil {
		logging.Internal.Fatalf("invalid -timeout-ms: %v", err)
	}
	params, err := lightning.NetworkParams(*network)
	if err != nil {
		logging.Internal.Fatalf("invalid -network: %v", err)
	}
	decoder, err := lightning.NewDecoder(params, lightning.DefaultDecodeCacheSize)
	if err != nil {
		logging.Internal.Fatalf("failed to create decoder: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	node, closeNode, err := connectGateway(ctx, params, decoder)
	if err != nil {
		logging.Internal.Fatalf("failed to connect to Lightning node: %v", err)
	}
	defer closeNode()
	throttled := lightning.NewThrottled(node, *nodeRPS, int(*nodeRPS)+1)

	// Ledger entries go to the store, and settled ones also to the archive.
	var lw ledger.Writer = st
	var receipts *archive.ReceiptWriter
	storage, err := openArchive()
	if err != nil {
		logging.Internal.Fatalf("failed to initialize receipt archive: %v", err)
	}
	if storage != nil {
		receipts = archive.NewReceiptWriter(st, storage)
		lw = receipts
	}

	paymentsSvc := payments.NewService(throttled, decoder, st, lw)
	paymentsSvc.SetDefaultTimeout(timeout)

	pendingLimiter := api.NewPendingPaymentLimiter(*maxPending)

	// Restart recovery: payments left unresolved still count against their wallets.
	unresolved, err := st.ListAttempts(ctx, store.StateIndeterminate, store.StatePending)
	if err != nil {
		logging.Internal.Printf("warning: failed to load unresolved payments: %v", err)
	}
	for _, a := range unresolved {
		pendingLimiter.Track(a.WalletID, a.PaymentHash)
	}
	if len(unresolved) > 0 {
		logging.Internal.Printf("%d unresolved payment(s) from a previous run", len(unresolved))
	}

	reconciler := payments.NewReconciler(throttled, st, lw)
	reconciler.SetResolvedCallback(pendingLimiter.OnResolved)
	reconciler.Start(ctx, *reconcileInterval)

	go func() {
		ticker := time.NewTicker(1 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := pendingLimiter.CleanupExpired(pendingMaxAge); n > 0 {
					logging.Internal.Printf("stopped counting %d long-unresolved payment(s) against their wallets", n)
				}
			}
		}
	}()

	handler := api.NewHandler(paymentsSvc, pendingLimiter)
	if receipts != nil {
		handler.SetReceiptSource(receipts)
	}

	mux := http.NewServeMux()
	mux.Handle("/api/", handler)

	server := &http.Server{
		Addr:              *addr,
		Handler:           withMiddleware(mux, *devMode, *corsOrigins),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		logging.Internal.Println("shutting down...")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		// In-flight sends finish their bookkeeping before the server returns.
		if err := server.Shutdown(shutdownCtx); err != nil {
			logging.Internal.Printf("shutdown error: %v", err)
		}
		cancel()
	}()

	logging.Internal.Printf("starting server on %s (network %s)", *addr, *network)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		logging.Internal.Fatalf("server error: %v", err)
	}

	if receipts != nil {
		receipts.Wait()
	}
}
