// Treasury Sentinel - advisory treasury monitor with metered escalation
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/mishablank/treasury-sentinel/internal/agent"
	"github.com/mishablank/treasury-sentinel/internal/budget"
	"github.com/mishablank/treasury-sentinel/internal/chain"
	"github.com/mishablank/treasury-sentinel/internal/config"
	"github.com/mishablank/treasury-sentinel/internal/escalation"
	"github.com/mishablank/treasury-sentinel/internal/logging"
	"github.com/mishablank/treasury-sentinel/internal/marketdata"
	"github.com/mishablank/treasury-sentinel/internal/metrics"
	"github.com/mishablank/treasury-sentinel/internal/payment"
	"github.com/mishablank/treasury-sentinel/internal/realtime"
	"github.com/mishablank/treasury-sentinel/internal/scheduler"
	"github.com/mishablank/treasury-sentinel/internal/server"
	"github.com/mishablank/treasury-sentinel/internal/settle"
	"github.com/mishablank/treasury-sentinel/internal/store"
	"github.com/mishablank/treasury-sentinel/internal/traces"
	"github.com/mishablank/treasury-sentinel/internal/wallet"
	"github.com/mishablank/treasury-sentinel/internal/webhooks"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	logger := logging.New("info", "text")

	logger.Info("starting treasury sentinel",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger = logging.New(cfg.LogLevel, cfg.LogFormat)

	logger.Info("configuration loaded",
		"env", cfg.Env,
		"chains", len(cfg.Chains),
		"budget_limit", cfg.BudgetLimit.String(),
		"cron", cfg.CronExpression,
	)

	metrics.Register()

	ctx := context.Background()

	shutdownTraces, err := traces.Init(ctx, cfg.OTLPEndpoint, logger)
	if err != nil {
		logger.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTraces(shutdownCtx); err != nil {
			logger.Warn("trace exporter shutdown failed", "error", err)
		}
	}()

	st, whStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to open store", "error", err)
		os.Exit(1)
	}

	// Budget ledger: the hard cap on what the sentinel may spend.
	ledger := budget.New(cfg.BudgetLimit, cfg.MinimumOperational)

	// Settlement rail on Base: payer wallet plus on-chain verifier.
	payer, err := wallet.New(wallet.Config{
		RPCURL:       cfg.BaseRPCURL,
		PrivateKey:   cfg.PrivateKey,
		ChainID:      config.DefaultBaseChainID,
		USDCContract: cfg.USDCBaseAddress,
	})
	if err != nil {
		logger.Error("failed to create wallet", "error", err)
		os.Exit(1)
	}

	verifier, err := settle.New(ctx, settle.Config{
		RPCURL:        cfg.BaseRPCURL,
		USDCContract:  common.HexToAddress(cfg.USDCBaseAddress),
		Recipient:     common.HexToAddress(cfg.GatewayRecipient),
		Confirmations: cfg.ConfirmationBlocks,
		PollInterval:  cfg.SettlementPollInterval,
	}, st, logger)
	if err != nil {
		logger.Error("failed to create settlement verifier", "error", err)
		os.Exit(1)
	}

	pipeline := payment.New(payer, verifier, ledger, logger,
		payment.WithInvoiceTTL(cfg.InvoiceTTL))
	gateway := marketdata.New(cfg.GatewayBaseURL, pipeline, logger)

	// Realtime hub streams transitions, payments, and run outcomes.
	hub := realtime.NewHub(logger)

	// Webhooks push the same events to registered external endpoints.
	notifier := webhooks.NewNotifier(webhooks.NewDispatcher(whStore), logger)

	transitions := escalation.NewTransitionLedger(escalation.DefaultLedgerCap, store.Sink{Store: st}, logger)
	machine := escalation.New(ledger, transitions, escalation.Config{Cooldown: cfg.Cooldown}, logger,
		escalation.WithGateway(gateway),
		escalation.WithObserver(hub),
		escalation.WithObserver(notifier),
	)

	// One reader per monitored treasury chain.
	readers := make([]*chain.Reader, 0, len(cfg.Chains))
	for _, ch := range cfg.Chains {
		reader, err := chain.NewReader(chain.Config{
			ChainID:  ch.ChainID,
			RPCURL:   ch.RPCURL,
			Treasury: ch.TreasuryAddress,
			Tokens:   ch.TrackedTokens,
		}, logger)
		if err != nil {
			logger.Error("failed to create chain reader", "chain_id", ch.ChainID, "error", err)
			os.Exit(1)
		}
		readers = append(readers, reader)
	}
	fleet := chain.NewFleet(readers, logger)
	defer fleet.Close()

	// Level and spend are durable across restarts.
	if err := agent.RestoreState(ctx, st, machine, ledger, logger); err != nil {
		logger.Error("failed to restore state", "error", err)
		os.Exit(1)
	}

	runner := agent.New(st, fleet, machine, ledger, agent.Config{
		RunTimeout:         cfg.RunTimeout,
		Escalation:         escalation.Config{Cooldown: cfg.Cooldown},
		MinimumOperational: cfg.MinimumOperational,
	}, logger,
		agent.WithRunObserver(hub.BroadcastRun),
		agent.WithRunObserver(notifier.NotifyRunFailed),
		agent.WithPaymentObserver(hub.BroadcastPayment),
		agent.WithPaymentObserver(notifier.NotifyPayment),
		agent.WithBudgetObserver(hub.BroadcastBudget),
	)

	sched, err := scheduler.New(runner, st, cfg.CronExpression, logger)
	if err != nil {
		logger.Error("failed to create scheduler", "error", err)
		os.Exit(1)
	}

	srv, err := server.New(cfg, server.Deps{
		Store:    st,
		Machine:  machine,
		Budget:   ledger,
		Replayer: runner,
		Sched:    sched,
		Hub:      hub,
		Webhooks: webhooks.NewHandler(whStore),
	}, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

// openStore picks PostgreSQL when DATABASE_URL is set, in-memory otherwise.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Store, webhooks.Store, error) {
	if cfg.DatabaseURL == "" {
		logger.Info("using in-memory storage (state will not survive a restart)")
		return store.NewMemoryStore(), webhooks.NewMemoryStore(), nil
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		return nil, nil, fmt.Errorf("connect to database: %w", err)
	}

	pg := store.NewPostgresStore(db)
	if err := pg.Migrate(ctx); err != nil {
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}
	whStore := webhooks.NewPostgresStore(db)
	if err := whStore.Migrate(ctx); err != nil {
		return nil, nil, fmt.Errorf("migrate webhooks: %w", err)
	}

	logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	return pg, whStore, nil
}

// maskDSN hides the password in a connection string for logging.
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}
