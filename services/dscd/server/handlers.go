package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"stablevault/gateway/middleware"
	"stablevault/native/dsc"
	"stablevault/native/token"
	"stablevault/services/oracle"
)

const (
	maxBodyBytes      = 1 << 16
	defaultEventLimit = 50
	usdDecimals       = 18
	unlimitedAmount   = "max"
)

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, errorResponse{Error: kind, Message: message})
}

// engineStatus maps an engine error kind onto an HTTP status.
func engineStatus(kind string) int {
	switch kind {
	case "invalid_amount", "unsupported_asset":
		return http.StatusBadRequest
	case "health_factor_broken", "health_factor_ok", "health_factor_not_improved",
		"insufficient_balance", "transfer_failed", "overflow":
		return http.StatusUnprocessableEntity
	case "stale_price", "oracle_price_invalid":
		return http.StatusServiceUnavailable
	case "reentrant_call":
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	kind := dsc.ErrorKind(err)
	status := engineStatus(kind)
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		s.logger.Error("engine failure", "path", r.URL.Path, "kind", kind, "error", err)
		writeError(w, status, kind, "internal error")
		return
	}
	writeError(w, status, kind, err.Error())
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_payload", err.Error())
		return false
	}
	return true
}

// caller returns the account named by the bearer token.
func caller(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	claims, ok := middleware.ClaimsFrom(r.Context())
	if !ok || !common.IsHexAddress(claims.Subject) {
		writeError(w, http.StatusForbidden, "invalid_subject", "token subject must be an account address")
		return common.Address{}, false
	}
	account := common.HexToAddress(claims.Subject)
	if account == (common.Address{}) {
		writeError(w, http.StatusForbidden, "invalid_subject", "token subject must not be the zero address")
		return common.Address{}, false
	}
	return account, true
}

func parseAccount(w http.ResponseWriter, raw, field string) (common.Address, bool) {
	raw = strings.TrimSpace(raw)
	if !common.IsHexAddress(raw) {
		writeError(w, http.StatusBadRequest, "invalid_address", field+" must be a hex address")
		return common.Address{}, false
	}
	return common.HexToAddress(raw), true
}

func parseAmount(w http.ResponseWriter, raw string, decimals uint8, field string) (*uint256.Int, bool) {
	amount, err := token.ParseUnits(raw, decimals)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_amount", fmt.Sprintf("%s: %v", field, err))
		return nil, false
	}
	return amount, true
}

func (s *Server) asset(w http.ResponseWriter, ref string) (Asset, bool) {
	asset, ok := s.lookupAsset(ref)
	if !ok {
		writeError(w, http.StatusBadRequest, "unsupported_asset", fmt.Sprintf("unknown collateral asset %q", ref))
	}
	return asset, ok
}

type positionView struct {
	Asset  string `json:"asset"`
	Symbol string `json:"symbol"`
	Amount string `json:"amount"`
	Units  string `json:"units"`
}

type ledgerView struct {
	Account   string         `json:"account"`
	Debt      string         `json:"debt"`
	DebtUnits string         `json:"debt_units"`
	Positions []positionView `json:"positions"`
}

type accountView struct {
	ledgerView
	CollateralUSD string `json:"collateral_usd"`
	HealthFactor  string `json:"health_factor"`
	Healthy       bool   `json:"healthy"`
}

// ledgerSnapshot reads an account's ledger rows without touching the oracle.
// Callers hold s.mu.
func (s *Server) ledgerSnapshot(account common.Address) (ledgerView, error) {
	debt, err := s.rt.Engine.DebtOf(account)
	if err != nil {
		return ledgerView{}, err
	}
	positions, err := s.rt.Engine.Positions(account)
	if err != nil {
		return ledgerView{}, err
	}
	view := ledgerView{
		Account:   account.Hex(),
		Debt:      token.FormatUnits(debt, s.rt.Debt.Decimals()),
		DebtUnits: debt.Dec(),
		Positions: make([]positionView, 0, len(positions)),
	}
	for _, pos := range positions {
		asset := s.byAddr[pos.Asset]
		view.Positions = append(view.Positions, positionView{
			Asset:  pos.Asset.Hex(),
			Symbol: asset.Symbol,
			Amount: token.FormatUnits(pos.Amount, asset.Ledger.Decimals()),
			Units:  pos.Amount.Dec(),
		})
	}
	return view, nil
}

func formatHealth(hf *uint256.Int) string {
	if hf == nil {
		return "0"
	}
	if hf.Eq(dsc.MaxHealthFactor()) {
		return "inf"
	}
	return token.FormatUnits(hf, usdDecimals)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleParams(w http.ResponseWriter, r *http.Request) {
	params := s.rt.Engine.Params()
	writeJSON(w, http.StatusOK, map[string]any{
		"engine":                s.rt.Engine.Address().Hex(),
		"debt_token":            s.rt.Debt.Symbol(),
		"liquidation_threshold": params.LiquidationThreshold,
		"liquidation_bonus":     params.LiquidationBonus,
		"liquidation_precision": params.LiquidationPrecision,
		"min_health_factor":     token.FormatUnits(params.MinHealthFactor, usdDecimals),
	})
}

func (s *Server) handleAssets(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]map[string]any, 0, len(s.rt.Assets))
	for _, addr := range s.rt.Engine.CollateralAssets() {
		asset := s.byAddr[addr]
		total, err := s.rt.Engine.TotalCollateral(addr)
		if err != nil {
			s.writeEngineError(w, r, err)
			return
		}
		feed, _ := s.rt.Engine.PriceFeedID(addr)
		decimals, _ := s.rt.Engine.AssetDecimals(addr)
		out = append(out, map[string]any{
			"symbol":           asset.Symbol,
			"address":          addr.Hex(),
			"feed":             feed,
			"decimals":         decimals,
			"total_collateral": token.FormatUnits(total, decimals),
		})
	}
	totalDebt, err := s.rt.Engine.TotalDebt()
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"assets":     out,
		"total_debt": token.FormatUnits(totalDebt, s.rt.Debt.Decimals()),
	})
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	account, ok := parseAccount(w, chi.URLParam(r, "account"), "account")
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ledger, err := s.ledgerSnapshot(account)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	info, err := s.rt.Engine.AccountInformation(r.Context(), account)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	hf, err := dsc.CalculateHealthFactor(info.Debt, info.CollateralUSD)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, accountView{
		ledgerView:    ledger,
		CollateralUSD: token.FormatUnits(info.CollateralUSD, usdDecimals),
		HealthFactor:  formatHealth(hf),
		Healthy:       !hf.Lt(s.rt.Engine.Params().MinHealthFactor),
	})
}

func (s *Server) handleCollateral(w http.ResponseWriter, r *http.Request) {
	account, ok := parseAccount(w, chi.URLParam(r, "account"), "account")
	if !ok {
		return
	}
	asset, ok := s.asset(w, chi.URLParam(r, "asset"))
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	balance, err := s.rt.Engine.CollateralBalance(account, asset.Address)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, positionView{
		Asset:  asset.Address.Hex(),
		Symbol: asset.Symbol,
		Amount: token.FormatUnits(balance, asset.Ledger.Decimals()),
		Units:  balance.Dec(),
	})
}

// handlePrice converts between an asset amount and its USD value. With ?usd=
// it returns the asset amount worth that many dollars; otherwise it values
// ?amount= (default 1).
func (s *Server) handlePrice(w http.ResponseWriter, r *http.Request) {
	asset, ok := s.asset(w, chi.URLParam(r, "asset"))
	if !ok {
		return
	}
	decimals := asset.Ledger.Decimals()
	query := r.URL.Query()
	s.mu.Lock()
	defer s.mu.Unlock()
	if raw := query.Get("usd"); raw != "" {
		usd, ok := parseAmount(w, raw, usdDecimals, "usd")
		if !ok {
			return
		}
		amount, err := s.rt.Engine.TokenAmountFromUSD(r.Context(), asset.Address, usd)
		if err != nil {
			s.writeEngineError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"asset":  asset.Symbol,
			"feed":   asset.Feed,
			"usd":    token.FormatUnits(usd, usdDecimals),
			"amount": token.FormatUnits(amount, decimals),
		})
		return
	}
	raw := query.Get("amount")
	if raw == "" {
		raw = "1"
	}
	amount, ok := parseAmount(w, raw, decimals, "amount")
	if !ok {
		return
	}
	usd, err := s.rt.Engine.USDValue(r.Context(), asset.Address, amount)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"asset":  asset.Symbol,
		"feed":   asset.Feed,
		"amount": token.FormatUnits(amount, decimals),
		"usd":    token.FormatUnits(usd, usdDecimals),
	})
}

func (s *Server) handleTokenBalance(w http.ResponseWriter, r *http.Request) {
	ledger, ok := s.lookupLedger(chi.URLParam(r, "symbol"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown_token", "unknown token")
		return
	}
	account, ok := parseAccount(w, chi.URLParam(r, "account"), "account")
	if !ok {
		return
	}
	balance := ledger.BalanceOf(account)
	allowance := ledger.Allowance(account, s.rt.Engine.Address())
	writeJSON(w, http.StatusOK, map[string]string{
		"token":               ledger.Symbol(),
		"account":             account.Hex(),
		"balance":             token.FormatUnits(balance, ledger.Decimals()),
		"units":               balance.Dec(),
		"allowance_to_engine": token.FormatUnits(allowance, ledger.Decimals()),
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := defaultEventLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = parsed
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": s.rt.Events.Recent(limit)})
}

type collateralRequest struct {
	Asset     string `json:"asset"`
	Amount    string `json:"amount"`
	Recipient string `json:"recipient,omitempty"`
}

type debtRequest struct {
	Amount string `json:"amount"`
}

type positionRequest struct {
	Asset      string `json:"asset"`
	Collateral string `json:"collateral"`
	Debt       string `json:"debt"`
}

type liquidationRequest struct {
	Asset       string `json:"asset"`
	Defaulter   string `json:"defaulter"`
	DebtToCover string `json:"debt_to_cover"`
}

type approveRequest struct {
	Token  string `json:"token"`
	Amount string `json:"amount"`
}

type priceRequest struct {
	Feed   string `json:"feed,omitempty"`
	Asset  string `json:"asset,omitempty"`
	Price  string `json:"price"`
	Source string `json:"source,omitempty"`
}

// committed answers a successful state change with the caller's ledger rows.
// Callers hold s.mu.
func (s *Server) committed(w http.ResponseWriter, r *http.Request, account common.Address) {
	view, err := s.ledgerSnapshot(account)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	account, ok := caller(w, r)
	if !ok {
		return
	}
	var req collateralRequest
	if !decodeBody(w, r, &req) {
		return
	}
	asset, ok := s.asset(w, req.Asset)
	if !ok {
		return
	}
	amount, ok := parseAmount(w, req.Amount, asset.Ledger.Decimals(), "amount")
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.rt.Engine.DepositCollateral(r.Context(), account, asset.Address, amount); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	s.committed(w, r, account)
}

func (s *Server) handleRedeem(w http.ResponseWriter, r *http.Request) {
	account, ok := caller(w, r)
	if !ok {
		return
	}
	var req collateralRequest
	if !decodeBody(w, r, &req) {
		return
	}
	asset, ok := s.asset(w, req.Asset)
	if !ok {
		return
	}
	amount, ok := parseAmount(w, req.Amount, asset.Ledger.Decimals(), "amount")
	if !ok {
		return
	}
	var recipient common.Address
	if req.Recipient != "" {
		if recipient, ok = parseAccount(w, req.Recipient, "recipient"); !ok {
			return
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.rt.Engine.RedeemCollateral(r.Context(), account, asset.Address, amount, recipient); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	s.committed(w, r, account)
}

func (s *Server) handleMint(w http.ResponseWriter, r *http.Request) {
	account, ok := caller(w, r)
	if !ok {
		return
	}
	var req debtRequest
	if !decodeBody(w, r, &req) {
		return
	}
	amount, ok := parseAmount(w, req.Amount, s.rt.Debt.Decimals(), "amount")
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.rt.Engine.MintDebt(r.Context(), account, amount); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	s.committed(w, r, account)
}

func (s *Server) handleBurn(w http.ResponseWriter, r *http.Request) {
	account, ok := caller(w, r)
	if !ok {
		return
	}
	var req debtRequest
	if !decodeBody(w, r, &req) {
		return
	}
	amount, ok := parseAmount(w, req.Amount, s.rt.Debt.Decimals(), "amount")
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.rt.Engine.BurnDebt(r.Context(), account, amount); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	s.committed(w, r, account)
}

func (s *Server) parsePosition(w http.ResponseWriter, r *http.Request) (common.Address, Asset, *uint256.Int, *uint256.Int, bool) {
	account, ok := caller(w, r)
	if !ok {
		return common.Address{}, Asset{}, nil, nil, false
	}
	var req positionRequest
	if !decodeBody(w, r, &req) {
		return common.Address{}, Asset{}, nil, nil, false
	}
	asset, ok := s.asset(w, req.Asset)
	if !ok {
		return common.Address{}, Asset{}, nil, nil, false
	}
	collateral, ok := parseAmount(w, req.Collateral, asset.Ledger.Decimals(), "collateral")
	if !ok {
		return common.Address{}, Asset{}, nil, nil, false
	}
	debt, ok := parseAmount(w, req.Debt, s.rt.Debt.Decimals(), "debt")
	if !ok {
		return common.Address{}, Asset{}, nil, nil, false
	}
	return account, asset, collateral, debt, true
}

func (s *Server) handleOpen(w http.ResponseWriter, r *http.Request) {
	account, asset, collateral, debt, ok := s.parsePosition(w, r)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.rt.Engine.DepositCollateralAndMintDebt(r.Context(), account, asset.Address, collateral, debt); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	s.committed(w, r, account)
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	account, asset, collateral, debt, ok := s.parsePosition(w, r)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.rt.Engine.RedeemCollateralForDebt(r.Context(), account, asset.Address, collateral, debt); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	s.committed(w, r, account)
}

func (s *Server) handleLiquidate(w http.ResponseWriter, r *http.Request) {
	liquidator, ok := caller(w, r)
	if !ok {
		return
	}
	var req liquidationRequest
	if !decodeBody(w, r, &req) {
		return
	}
	asset, ok := s.asset(w, req.Asset)
	if !ok {
		return
	}
	defaulter, ok := parseAccount(w, req.Defaulter, "defaulter")
	if !ok {
		return
	}
	debt, ok := parseAmount(w, req.DebtToCover, s.rt.Debt.Decimals(), "debt_to_cover")
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	result, err := s.rt.Engine.Liquidate(r.Context(), liquidator, asset.Address, defaulter, debt)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	decimals := asset.Ledger.Decimals()
	writeJSON(w, http.StatusOK, map[string]string{
		"defaulter":     defaulter.Hex(),
		"liquidator":    liquidator.Hex(),
		"asset":         asset.Symbol,
		"debt_covered":  token.FormatUnits(result.DebtCovered, s.rt.Debt.Decimals()),
		"seized":        token.FormatUnits(result.Seized, decimals),
		"bonus":         token.FormatUnits(result.Bonus, decimals),
		"health_before": formatHealth(result.HealthBefore),
		"health_after":  formatHealth(result.HealthAfter),
	})
}

// handleApprove lets the caller grant the engine an allowance on a token.
// "max" approves the largest representable amount.
func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	account, ok := caller(w, r)
	if !ok {
		return
	}
	var req approveRequest
	if !decodeBody(w, r, &req) {
		return
	}
	ledger, ok := s.lookupLedger(req.Token)
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown_token", fmt.Sprintf("unknown token %q", req.Token))
		return
	}
	var amount *uint256.Int
	if strings.EqualFold(strings.TrimSpace(req.Amount), unlimitedAmount) {
		amount = new(uint256.Int).SetAllOne()
	} else if amount, ok = parseAmount(w, req.Amount, ledger.Decimals(), "amount"); !ok {
		return
	}
	spender := s.rt.Engine.Address()
	// Held so the approval cannot land inside an engine operation's token
	// snapshot and be reverted with it.
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ledger.Caller(account).Approve(spender, amount); err != nil {
		writeError(w, http.StatusBadRequest, "approve_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"token":     ledger.Symbol(),
		"owner":     account.Hex(),
		"spender":   spender.Hex(),
		"allowance": ledger.Allowance(account, spender).Dec(),
	})
}

func (s *Server) handlePostPrice(w http.ResponseWriter, r *http.Request) {
	if s.rt.Prices == nil {
		writeError(w, http.StatusServiceUnavailable, "oracle_unavailable", "price posting disabled")
		return
	}
	var req priceRequest
	if !decodeBody(w, r, &req) {
		return
	}
	feed := strings.TrimSpace(req.Feed)
	if req.Asset != "" {
		asset, ok := s.asset(w, req.Asset)
		if !ok {
			return
		}
		feed = asset.Feed
	}
	price, err := decimal.NewFromString(strings.TrimSpace(req.Price))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_price", "price must be a decimal number")
		return
	}
	source := strings.TrimSpace(req.Source)
	if source == "" {
		if claims, ok := middleware.ClaimsFrom(r.Context()); ok {
			source = "api:" + claims.Subject
		}
	}
	round, err := s.rt.Prices.Post(r.Context(), feed, price, source)
	switch {
	case errors.Is(err, oracle.ErrUnknownFeed):
		writeError(w, http.StatusNotFound, "unknown_feed", err.Error())
		return
	case errors.Is(err, oracle.ErrInvalidPrice):
		writeError(w, http.StatusBadRequest, "invalid_price", err.Error())
		return
	case err != nil:
		s.logger.Error("post price", "feed", feed, "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"feed":       round.FeedID,
		"round_id":   round.RoundID,
		"answer":     round.Answer.String(),
		"decimals":   round.Decimals,
		"price":      token.FormatBig(round.Answer, round.Decimals),
		"updated_at": round.UpdatedAt.Format(time.RFC3339Nano),
	})
}
