package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"stablevault/core/events"
	"stablevault/gateway/middleware"
	"stablevault/native/dsc"
	"stablevault/native/token"
	"stablevault/services/oracle/storage"
)

// Config defines HTTP server parameters.
type Config struct {
	ListenAddress   string
	ShutdownTimeout time.Duration
}

// Asset is a collateral token served by the API.
type Asset struct {
	Symbol  string
	Address common.Address
	Feed    string
	Ledger  *token.Ledger
}

// PricePoster records operator supplied prices.
type PricePoster interface {
	Post(ctx context.Context, feedID string, price decimal.Decimal, source string) (storage.Round, error)
}

// Runtime carries the collaborators the handlers drive.
type Runtime struct {
	Engine        *dsc.Engine
	Assets        []Asset
	Debt          *token.Ledger
	Prices        PricePoster
	Events        *events.Buffer
	Authenticator *middleware.Authenticator
	RateLimiter   *middleware.RateLimiter
	Observability *middleware.Observability
	CORS          middleware.CORSConfig
	Metrics       http.Handler
	Logger        *slog.Logger
}

// Server exposes the accounting engine over HTTP.
type Server struct {
	cfg     Config
	rt      Runtime
	logger  *slog.Logger
	bySym   map[string]Asset
	byAddr  map[common.Address]Asset
	handler http.Handler

	// mu serialises engine access. The engine rejects overlapping calls
	// instead of queueing them.
	mu sync.Mutex
}

// New validates the runtime and builds the router.
func New(cfg Config, rt Runtime) (*Server, error) {
	if rt.Engine == nil {
		return nil, fmt.Errorf("engine required")
	}
	if rt.Debt == nil {
		return nil, fmt.Errorf("debt token ledger required")
	}
	if rt.Authenticator == nil {
		return nil, fmt.Errorf("authenticator required")
	}
	if rt.Logger == nil {
		rt.Logger = slog.Default()
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	s := &Server{
		cfg:    cfg,
		rt:     rt,
		logger: rt.Logger,
		bySym:  make(map[string]Asset, len(rt.Assets)),
		byAddr: make(map[common.Address]Asset, len(rt.Assets)),
	}
	for _, asset := range rt.Assets {
		if asset.Ledger == nil {
			return nil, fmt.Errorf("asset %s has no ledger", asset.Symbol)
		}
		if _, err := rt.Engine.PriceFeedID(asset.Address); err != nil {
			return nil, fmt.Errorf("asset %s: %w", asset.Symbol, err)
		}
		asset.Symbol = strings.ToUpper(strings.TrimSpace(asset.Symbol))
		s.bySym[asset.Symbol] = asset
		s.byAddr[asset.Address] = asset
	}
	s.handler = s.routes()
	return s, nil
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.handler }

// Wrap decorates the root handler, typically with transport instrumentation.
// It must be called before Run.
func (s *Server) Wrap(wrap func(http.Handler) http.Handler) {
	if wrap != nil {
		s.handler = wrap(s.handler)
	}
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.CORS(s.rt.CORS))
	if s.rt.Observability != nil {
		r.Use(s.rt.Observability.Middleware)
	}

	r.Get("/healthz", s.handleHealth)
	if s.rt.Metrics != nil {
		r.Handle("/metrics", s.rt.Metrics)
	}

	r.Route("/v1", func(v1 chi.Router) {
		v1.Group(func(pub chi.Router) {
			if s.rt.RateLimiter != nil {
				pub.Use(s.rt.RateLimiter.Middleware)
			}
			pub.Get("/params", s.handleParams)
			pub.Get("/assets", s.handleAssets)
			pub.Get("/accounts/{account}", s.handleAccount)
			pub.Get("/accounts/{account}/collateral/{asset}", s.handleCollateral)
			pub.Get("/prices/{asset}/usd", s.handlePrice)
			pub.Get("/tokens/{symbol}/balances/{account}", s.handleTokenBalance)
			pub.Get("/events", s.handleEvents)
		})
		v1.Group(func(acct chi.Router) {
			acct.Use(s.rt.Authenticator.Middleware(middleware.ScopeAccount))
			if s.rt.RateLimiter != nil {
				acct.Use(s.rt.RateLimiter.Middleware)
			}
			acct.Post("/collateral/deposit", s.handleDeposit)
			acct.Post("/collateral/redeem", s.handleRedeem)
			acct.Post("/debt/mint", s.handleMint)
			acct.Post("/debt/burn", s.handleBurn)
			acct.Post("/positions/open", s.handleOpen)
			acct.Post("/positions/close", s.handleClose)
			acct.Post("/liquidations", s.handleLiquidate)
			acct.Post("/tokens/approve", s.handleApprove)
		})
		v1.Group(func(ops chi.Router) {
			ops.Use(s.rt.Authenticator.Middleware(middleware.ScopeOracle))
			ops.Post("/oracle/prices", s.handlePostPrice)
		})
	})
	return r
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddress,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	s.logger.Info("http server listening", "addr", s.cfg.ListenAddress)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen and serve: %w", err)
	}
	return nil
}

// lookupAsset resolves a collateral asset by symbol or hex address.
func (s *Server) lookupAsset(ref string) (Asset, bool) {
	ref = strings.TrimSpace(ref)
	if common.IsHexAddress(ref) {
		asset, ok := s.byAddr[common.HexToAddress(ref)]
		return asset, ok
	}
	asset, ok := s.bySym[strings.ToUpper(ref)]
	return asset, ok
}

// lookupLedger resolves any token the server knows, the debt token included.
func (s *Server) lookupLedger(symbol string) (*token.Ledger, bool) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == s.rt.Debt.Symbol() {
		return s.rt.Debt, true
	}
	if asset, ok := s.bySym[symbol]; ok {
		return asset.Ledger, true
	}
	return nil, false
}
