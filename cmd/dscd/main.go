package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"stablevault/config"
	"stablevault/core/events"
	"stablevault/gateway/middleware"
	"stablevault/native/dsc"
	"stablevault/native/token"
	"stablevault/observability"
	"stablevault/observability/logging"
	telemetry "stablevault/observability/otel"
	"stablevault/services/dscd/server"
	"stablevault/services/oracle"
	oraclestore "stablevault/services/oracle/storage"
	"stablevault/state/vault"
	"stablevault/storage"
)

const eventBufferSize = 1024

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/dscd/config.toml", "path to dscd configuration file")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("dscd: load config: %v", err)
	}
	logger := logging.Setup("dscd", cfg.Environment, cfg.LogLevel)

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetryConfig(cfg))
	if err != nil {
		log.Fatalf("dscd: init telemetry: %v", err)
	}
	defer func() {
		_ = shutdownTelemetry(context.Background())
	}()

	db, err := openDatabase(cfg.Storage.Path)
	if err != nil {
		log.Fatalf("dscd: open ledger database: %v", err)
	}
	defer db.Close()
	vaultStore, err := vault.Open(db)
	if err != nil {
		log.Fatalf("dscd: open vault store: %v", err)
	}

	dsn, err := oraclestore.ResolveDSN(cfg.Oracle.Database)
	if err != nil {
		log.Fatalf("dscd: resolve oracle DSN: %v", err)
	}
	rounds, err := oraclestore.Open(dsn)
	if err != nil {
		log.Fatalf("dscd: open oracle storage: %v", err)
	}
	defer rounds.Close()

	feeds := make([]oracle.Feed, 0, len(cfg.Assets))
	seeded := make(map[string]decimal.Decimal)
	for _, asset := range cfg.Assets {
		feeds = append(feeds, oracle.Feed{ID: asset.Feed, Decimals: asset.OracleDecimals})
		if asset.Price != "" {
			seeded[asset.Feed] = decimal.RequireFromString(asset.Price)
		}
	}
	var sources []oracle.Source
	if len(seeded) > 0 {
		sources = append(sources, oracle.NewStaticSource("config", seeded))
	}
	prices, err := oracle.New(rounds, sources, feeds,
		cfg.Oracle.Interval.Duration, cfg.Oracle.MaxAge.Duration, cfg.Oracle.MinFeeds,
		oracle.WithLogger(logger), oracle.WithMetrics(observability.Oracle()))
	if err != nil {
		log.Fatalf("dscd: oracle manager: %v", err)
	}
	adapter, err := oracle.NewAdapter(rounds,
		oracle.WithMaxAge(cfg.Oracle.MaxAge.Duration),
		oracle.WithAdapterMetrics(observability.Oracle()))
	if err != nil {
		log.Fatalf("dscd: oracle adapter: %v", err)
	}

	engineAddr := cfg.EngineAddress()
	debt := token.NewLedger(cfg.Engine.DebtSymbol, cfg.Engine.DebtDecimals, engineAddr)
	ledgers := map[string]*token.Ledger{debt.Symbol(): debt}
	assets := make([]server.Asset, 0, len(cfg.Assets))
	assetConfigs := make([]dsc.AssetConfig, 0, len(cfg.Assets))
	for _, asset := range cfg.Assets {
		// Collateral tokens are external to the engine; nobody may mint them
		// after genesis.
		ledger := token.NewLedger(asset.Symbol, asset.Decimals, common.Address{})
		ledgers[ledger.Symbol()] = ledger
		assets = append(assets, server.Asset{
			Symbol:  asset.Symbol,
			Address: asset.AddressOf(),
			Feed:    asset.Feed,
			Ledger:  ledger,
		})
		assetConfigs = append(assetConfigs, dsc.AssetConfig{
			Asset:    asset.AddressOf(),
			FeedID:   asset.Feed,
			Decimals: asset.Decimals,
			Token:    ledger.Caller(engineAddr),
		})
	}
	if err := restoreBalances(cfg, vaultStore, ledgers, logger); err != nil {
		log.Fatalf("dscd: restore token balances: %v", err)
	}
	for _, ledger := range ledgers {
		vaultStore.TrackTokens(ledger)
	}
	transfers := observability.Tokens()
	for _, ledger := range ledgers {
		ledger.SetHook(func(t token.Transfer) {
			switch {
			case t.From == (common.Address{}):
				transfers.RecordTransfer(t.Token, "mint")
			case t.To == (common.Address{}):
				transfers.RecordTransfer(t.Token, "burn")
			default:
				transfers.RecordTransfer(t.Token, "transfer")
			}
		})
	}

	buffer := events.NewBuffer(eventBufferSize)
	engine, err := dsc.NewEngine(dsc.Config{
		Address:   engineAddr,
		Assets:    assetConfigs,
		DebtToken: debt.Caller(engineAddr),
		Oracle:    adapter,
	},
		dsc.WithLedgerStore(vaultStore),
		dsc.WithEmitter(buffer),
		dsc.WithMetrics(observability.Engine()),
		dsc.WithLogger(logger),
	)
	if err != nil {
		log.Fatalf("dscd: engine: %v", err)
	}

	auth, err := middleware.NewAuthenticator(middleware.AuthConfig{
		HMACSecret: cfg.Auth.HMACSecret,
		Issuer:     cfg.Auth.Issuer,
		Audience:   cfg.Auth.Audience,
		ClockSkew:  cfg.Auth.ClockSkew.Duration,
	}, logger)
	if err != nil {
		log.Fatalf("dscd: authenticator: %v", err)
	}
	limiter := middleware.NewRateLimiter(middleware.RateLimit{
		RequestsPerMinute: float64(cfg.RateLimit.RequestsPerMinute),
		Burst:             cfg.RateLimit.Burst,
	}, logger)
	limiter.OnThrottle(observability.HTTP().RecordThrottle)

	srv, err := server.New(server.Config{ListenAddress: cfg.ListenAddress}, server.Runtime{
		Engine:        engine,
		Assets:        assets,
		Debt:          debt,
		Prices:        prices,
		Events:        buffer,
		Authenticator: auth,
		RateLimiter:   limiter,
		Observability: middleware.NewObservability("dscd", observability.HTTP(), logger),
		Metrics:       promhttp.Handler(),
		Logger:        logger,
	})
	if err != nil {
		log.Fatalf("dscd: server: %v", err)
	}
	srv.Wrap(func(h http.Handler) http.Handler {
		return otelhttp.NewHandler(h, "dscd")
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error { return prices.Run(ctx) })
	group.Go(func() error { return srv.Run(ctx) })
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("dscd stopped", slog.String("error", err.Error()))
	}
}

// telemetryConfig passes the raw header string through; telemetry.Init parses
// it.
func telemetryConfig(cfg config.Config) telemetry.Config {
	return telemetry.Config{
		ServiceName: "dscd",
		Environment: cfg.Environment,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     cfg.Telemetry.Headers,
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
	}
}

func openDatabase(path string) (storage.Database, error) {
	if path == "" {
		return storage.NewMemDB(), nil
	}
	return storage.NewLevelDB(path)
}

// restoreBalances loads persisted token balances. A fresh database is seeded
// from the genesis allocations instead.
func restoreBalances(cfg config.Config, store *vault.Store, ledgers map[string]*token.Ledger, logger *slog.Logger) error {
	empty := true
	for symbol, ledger := range ledgers {
		balances, err := store.LoadTokenBalances(symbol)
		if err != nil {
			return err
		}
		if len(balances) == 0 {
			continue
		}
		empty = false
		if err := ledger.Restore(balances); err != nil {
			return err
		}
	}
	if !empty {
		return nil
	}
	credits, err := cfg.Credits()
	if err != nil {
		return err
	}
	for _, credit := range credits {
		ledger, ok := ledgers[credit.Symbol]
		if !ok {
			continue
		}
		if err := ledger.Credit(credit.Account, credit.Amount); err != nil {
			return err
		}
		logger.Info("genesis allocation", slog.String("token", credit.Symbol), slog.String("account", credit.Account.Hex()))
	}
	for symbol, ledger := range ledgers {
		if err := store.SaveTokenBalances(symbol, ledger.Balances()); err != nil {
			return err
		}
	}
	return nil
}
