package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/alejandrodnm/polyterm/config"
	"github.com/alejandrodnm/polyterm/internal/adapters/clob"
	"github.com/alejandrodnm/polyterm/internal/adapters/custody"
	"github.com/alejandrodnm/polyterm/internal/adapters/notify"
	"github.com/alejandrodnm/polyterm/internal/adapters/onchain"
	"github.com/alejandrodnm/polyterm/internal/adapters/relay"
	"github.com/alejandrodnm/polyterm/internal/adapters/storage"
	"github.com/alejandrodnm/polyterm/internal/application/balances"
	"github.com/alejandrodnm/polyterm/internal/application/provisioning"
	"github.com/alejandrodnm/polyterm/internal/gateway"
	"github.com/alejandrodnm/polyterm/internal/metrics"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	provisionMode := flag.Bool("provision", false, "run provisioning for -token once and exit")
	watchMode := flag.Bool("watch", false, "watch balances for -token in the terminal")
	verifyMode := flag.Bool("verify", false, "re-check completed steps against on-chain state")
	token := flag.String("token", "", "session token for -provision/-watch/-verify")
	verbose := flag.Bool("verbose", false, "set log level to debug")
	logFormat := flag.String("format", "", "log format: text|json (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err, "path", *configPath)
		os.Exit(1)
	}

	if *verbose {
		cfg.Log.Level = "debug"
	}
	if *logFormat != "" {
		cfg.Log.Format = *logFormat
	}
	setupLogger(cfg.Log)

	slog.Info("polyterm starting",
		"config", *configPath,
		"gateway", cfg.Gateway.Addr,
		"balance_interval", cfg.BalancesInterval(),
	)

	custodyClient := custody.NewClient(custody.Config{
		BaseURL:   cfg.Custody.BaseURL,
		APIKey:    cfg.Custody.APIKey,
		JWTSecret: []byte(cfg.Custody.JWTSecret),
	})

	chainClient, err := onchain.NewClient(cfg.Chain.RPCURL)
	if err != nil {
		slog.Error("failed to connect to chain RPC", "err", err, "url", cfg.Chain.RPCURL)
		os.Exit(1)
	}

	relayer := relay.NewExecutor(relay.Config{
		BaseURL:          cfg.Relay.BaseURL,
		APIKey:           cfg.Relay.APIKey,
		SafeFactory:      common.HexToAddress(cfg.Relay.SafeFactory),
		SafeInitCodeHash: common.HexToHash(cfg.Relay.SafeInitCodeHash),
		WaitTimeout:      cfg.RelayWaitTimeout(),
	})

	exchange := clob.NewClient(cfg.Exchange.CLOBBase, cfg.Exchange.DataBase)

	store, err := storage.NewSQLiteStore(cfg.Storage.DSN)
	if err != nil {
		slog.Error("failed to open storage", "err", err, "dsn", cfg.Storage.DSN)
		os.Exit(1)
	}
	defer store.Close()

	promReg := prometheus.NewRegistry()

	orch := provisioning.New(provisioning.Config{
		SessionSignerID: cfg.Custody.SessionSignerID,
		SignerPolicies:  cfg.Custody.Policies,
	}, provisioning.Deps{
		Store:    store,
		Custody:  custodyClient,
		Chain:    chainClient,
		Relay:    relayer,
		Exchange: exchange,
		Metrics:  metrics.NewProvisioning(promReg),
	})

	console := notify.NewConsole(*verbose)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	switch {
	case *provisionMode:
		runProvision(ctx, custodyClient, orch, console, *token)
	case *verifyMode:
		runVerify(ctx, custodyClient, orch, console, *token)
	case *watchMode:
		runWatch(ctx, cfg, custodyClient, store, chainClient, exchange, console, *token)
	default:
		registry := balances.NewRegistry(
			balances.Config{Interval: cfg.BalancesInterval()},
			balances.Deps{Chain: chainClient, Exchange: exchange, Store: store},
		)
		defer registry.StopAll()
		serve(ctx, cfg, custodyClient, orch, registry, promReg)
	}
}

// resolveUser turns a session token into the verified user identity.
func resolveUser(ctx context.Context, custodyClient *custody.Client, token string) string {
	if token == "" {
		slog.Error("this mode requires -token")
		os.Exit(1)
	}
	userID, err := custodyClient.VerifySessionToken(ctx, token)
	if err != nil {
		slog.Error("session token rejected", "err", err)
		os.Exit(1)
	}
	return userID
}

func runProvision(ctx context.Context, custodyClient *custody.Client, orch *provisioning.Orchestrator, console *notify.Console, token string) {
	userID := resolveUser(ctx, custodyClient, token)

	wallet, err := custodyClient.ResolveWallet(ctx, userID)
	if err != nil {
		slog.Error("wallet resolution failed", "user", userID, "err", err)
		os.Exit(1)
	}

	rec, err := orch.EnsureProvisioned(ctx, userID, wallet.ID, wallet.Address)
	if err != nil {
		slog.Error("provisioning failed", "user", userID, "err", err)
		os.Exit(1)
	}

	console.NotifyProgress(rec)
}

func runVerify(ctx context.Context, custodyClient *custody.Client, orch *provisioning.Orchestrator, console *notify.Console, token string) {
	userID := resolveUser(ctx, custodyClient, token)

	report, rec, err := orch.Verify(ctx, userID)
	if err != nil {
		slog.Error("verify failed", "user", userID, "err", err)
		os.Exit(1)
	}

	console.NotifyProgress(rec)

	if report.Clean() {
		fmt.Println("  verify: completed steps still match on-chain state")
		return
	}
	if report.SafeCodeMissing {
		fmt.Println("  DRIFT: safe address has no contract code")
	}
	if report.RevokedAllowances.AnyNeeded() {
		fmt.Printf("  DRIFT: %d allowance(s) revoked out-of-band\n", report.RevokedAllowances.Count())
	}
	if report.CredentialMissing {
		fmt.Println("  DRIFT: exchange credential missing from store")
	}
	os.Exit(2)
}

func runWatch(
	ctx context.Context,
	cfg *config.Config,
	custodyClient *custody.Client,
	store *storage.SQLiteStore,
	chainClient *onchain.Client,
	exchange *clob.Client,
	console *notify.Console,
	token string,
) {
	userID := resolveUser(ctx, custodyClient, token)

	rec, ok, err := store.GetRecord(ctx, userID)
	if err != nil || !ok {
		slog.Error("no provisioning record; run -provision first", "user", userID, "err", err)
		os.Exit(1)
	}
	if rec.SafeAddress == "" {
		slog.Error("no safe address on record; run -provision first", "user", userID)
		os.Exit(1)
	}

	sync := balances.New(
		balances.Config{Interval: cfg.BalancesInterval()},
		balances.Deps{Chain: chainClient, Exchange: exchange, Store: store, Notifier: console},
		userID,
		common.HexToAddress(rec.SafeAddress),
	)
	sync.Run(ctx)
}

func serve(
	ctx context.Context,
	cfg *config.Config,
	custodyClient *custody.Client,
	orch *provisioning.Orchestrator,
	registry *balances.Registry,
	promReg *prometheus.Registry,
) {
	if cfg.Gateway.MetricsAddr != "" {
		go func() {
			if err := metrics.Serve(cfg.Gateway.MetricsAddr, promReg); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics listener failed", "err", err)
			}
		}()
	}

	srv := &http.Server{
		Addr:              cfg.Gateway.Addr,
		Handler:           gateway.NewServer(gateway.Deps{Custody: custodyClient, Provisioner: orch, Balances: registry}).Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("gateway shutdown error", "err", err)
		}
	}()

	slog.Info("gateway listening", "addr", cfg.Gateway.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("gateway exited with error", "err", err)
		os.Exit(1)
	}

	slog.Info("polyterm stopped cleanly")
}

func setupLogger(cfg config.LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}
