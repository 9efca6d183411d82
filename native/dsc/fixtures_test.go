package dsc

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"stablevault/core/events"
	"stablevault/native/token"
)

var (
	engineAddr = common.HexToAddress("0x00000000000000000000000000000000000000e0")
	wethAddr   = common.HexToAddress("0x0000000000000000000000000000000000000a01")
	wbtcAddr   = common.HexToAddress("0x0000000000000000000000000000000000000a02")
	alice      = common.HexToAddress("0x0000000000000000000000000000000000000001")
	bob        = common.HexToAddress("0x0000000000000000000000000000000000000002")
	carol      = common.HexToAddress("0x0000000000000000000000000000000000000003")
)

// ether returns v * 1e18.
func ether(v uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(v), uint256.NewInt(1_000_000_000_000_000_000))
}

func mustDec(t *testing.T, s string) *uint256.Int {
	t.Helper()
	v, err := uint256.FromDecimal(s)
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return v
}

// fakeOracle serves fixed answers with feed decimals of 8.
type fakeOracle struct {
	mu      sync.Mutex
	answers map[string]*big.Int
	errs    map[string]error
	calls   int
}

func newFakeOracle() *fakeOracle {
	return &fakeOracle{answers: make(map[string]*big.Int), errs: make(map[string]error)}
}

// setUSD sets the feed to a whole-dollar price.
func (o *fakeOracle) setUSD(feed string, dollars int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.answers[feed] = new(big.Int).Mul(big.NewInt(dollars), big.NewInt(100_000_000))
	delete(o.errs, feed)
}

func (o *fakeOracle) fail(feed string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.errs[feed] = err
}

func (o *fakeOracle) LatestPrice(_ context.Context, feed string) (PriceQuote, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls++
	if err := o.errs[feed]; err != nil {
		return PriceQuote{}, err
	}
	answer, ok := o.answers[feed]
	if !ok {
		return PriceQuote{}, errors.New("unknown feed")
	}
	return PriceQuote{
		Answer:          new(big.Int).Set(answer),
		Decimals:        8,
		RoundID:         1,
		AnsweredInRound: 1,
		UpdatedAt:       time.Now(),
	}, nil
}

// mockToken is a non-journaled token whose calls can be made to fail. The
// engine has to unwind it with compensating calls. Like an ERC-20 it only lets
// the engine pull what the owner approved.
type mockToken struct {
	balances     map[common.Address]*uint256.Int
	allowances   map[common.Address]*uint256.Int
	failTransfer bool
	failPull     bool
	failMint     bool
	failBurn     bool
	calls        int
}

func newMockToken() *mockToken {
	return &mockToken{
		balances:   make(map[common.Address]*uint256.Int),
		allowances: make(map[common.Address]*uint256.Int),
	}
}

// approve lets the engine pull up to amount from owner.
func (m *mockToken) approve(owner common.Address, amount *uint256.Int) {
	m.allowances[owner] = new(uint256.Int).Set(amount)
}

// supply sums every balance.
func (m *mockToken) supply() *uint256.Int {
	total := new(uint256.Int)
	for _, b := range m.balances {
		total.Add(total, b)
	}
	return total
}

func (m *mockToken) balance(account common.Address) *uint256.Int {
	if b, ok := m.balances[account]; ok {
		return b
	}
	b := new(uint256.Int)
	m.balances[account] = b
	return b
}

func (m *mockToken) move(from, to common.Address, amount *uint256.Int) bool {
	src := m.balance(from)
	if src.Lt(amount) {
		return false
	}
	src.Sub(src, amount)
	dst := m.balance(to)
	dst.Add(dst, amount)
	return true
}

func (m *mockToken) Transfer(to common.Address, amount *uint256.Int) bool {
	m.calls++
	if m.failTransfer {
		return false
	}
	return m.move(engineAddr, to, amount)
}

func (m *mockToken) TransferFrom(from, to common.Address, amount *uint256.Int) bool {
	m.calls++
	if m.failPull {
		return false
	}
	allowance, ok := m.allowances[from]
	if !ok || allowance.Lt(amount) {
		return false
	}
	if !m.move(from, to, amount) {
		return false
	}
	allowance.Sub(allowance, amount)
	return true
}

func (m *mockToken) BalanceOf(account common.Address) *uint256.Int {
	return new(uint256.Int).Set(m.balance(account))
}

func (m *mockToken) Mint(to common.Address, amount *uint256.Int) bool {
	m.calls++
	if m.failMint {
		return false
	}
	b := m.balance(to)
	b.Add(b, amount)
	return true
}

func (m *mockToken) Burn(amount *uint256.Int) error {
	m.calls++
	if m.failBurn {
		return errors.New("burn disabled")
	}
	b := m.balance(engineAddr)
	if b.Lt(amount) {
		return errors.New("burn exceeds balance")
	}
	b.Sub(b, amount)
	return nil
}

// memStore is an in-memory LedgerStore.
type memStore struct {
	collateral map[positionKey]*uint256.Int
	debt       map[common.Address]*uint256.Int
	writes     int
	fail       error
}

func newMemStore() *memStore {
	return &memStore{
		collateral: make(map[positionKey]*uint256.Int),
		debt:       make(map[common.Address]*uint256.Int),
	}
}

func (s *memStore) LoadLedgers() ([]CollateralRow, []DebtRow, error) {
	var collateral []CollateralRow
	for key, amount := range s.collateral {
		collateral = append(collateral, CollateralRow{Account: key.account, Asset: key.asset, Amount: amount})
	}
	var debt []DebtRow
	for account, amount := range s.debt {
		debt = append(debt, DebtRow{Account: account, Amount: amount})
	}
	return collateral, debt, nil
}

func (s *memStore) StoreLedgers(collateral []CollateralRow, debt []DebtRow) error {
	if s.fail != nil {
		return s.fail
	}
	s.writes++
	for _, row := range collateral {
		s.collateral[positionKey{row.Account, row.Asset}] = copyAmount(row.Amount)
	}
	for _, row := range debt {
		s.debt[row.Account] = copyAmount(row.Amount)
	}
	return nil
}

type recordedOp struct {
	op      string
	outcome string
}

type recordingMetrics struct {
	ops          []recordedOp
	liquidations int
}

func (m *recordingMetrics) ObserveOperation(op, outcome string, _ time.Duration) {
	m.ops = append(m.ops, recordedOp{op, outcome})
}

func (m *recordingMetrics) ObserveLiquidation(common.Address, *uint256.Int, *uint256.Int) {
	m.liquidations++
}

// fixture wires an engine to journaled token ledgers: WETH (18 decimals) and
// WBTC (8 decimals) as collateral, DSC as the debt token.
type fixture struct {
	engine  *Engine
	weth    *token.Ledger
	wbtc    *token.Ledger
	dsc     *token.Ledger
	oracle  *fakeOracle
	events  *events.Buffer
	store   *memStore
	metrics *recordingMetrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		weth:    token.NewLedger("WETH", 18, common.Address{}),
		wbtc:    token.NewLedger("WBTC", 8, common.Address{}),
		dsc:     token.NewLedger("DSC", 18, engineAddr),
		oracle:  newFakeOracle(),
		events:  events.NewBuffer(64),
		store:   newMemStore(),
		metrics: &recordingMetrics{},
	}
	f.oracle.setUSD("ETH/USD", 2000)
	f.oracle.setUSD("BTC/USD", 30000)

	engine, err := NewEngine(Config{
		Address: engineAddr,
		Assets: []AssetConfig{
			{Asset: wethAddr, FeedID: "ETH/USD", Decimals: 18, Token: f.weth.Caller(engineAddr)},
			{Asset: wbtcAddr, FeedID: "BTC/USD", Decimals: 8, Token: f.wbtc.Caller(engineAddr)},
		},
		DebtToken: f.dsc.Caller(engineAddr),
		Oracle:    f.oracle,
	},
		WithEmitter(f.events),
		WithLedgerStore(f.store),
		WithMetrics(f.metrics),
		WithIDGenerator(func() string { return "op-test" }),
	)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	f.engine = engine
	return f
}

// fund gives account collateral and approves the engine for everything.
func (f *fixture) fund(t *testing.T, account common.Address, weth, wbtc *uint256.Int) {
	t.Helper()
	unlimited := new(uint256.Int).SetAllOne()
	if weth != nil {
		if err := f.weth.Credit(account, weth); err != nil {
			t.Fatalf("credit weth: %v", err)
		}
	}
	if wbtc != nil {
		if err := f.wbtc.Credit(account, wbtc); err != nil {
			t.Fatalf("credit wbtc: %v", err)
		}
	}
	for _, l := range []*token.Ledger{f.weth, f.wbtc, f.dsc} {
		if err := l.Approve(account, engineAddr, unlimited); err != nil {
			t.Fatalf("approve: %v", err)
		}
	}
}

// assertConservation checks that custody balances and debt supply match the
// ledgers.
func (f *fixture) assertConservation(t *testing.T) {
	t.Helper()
	for asset, l := range map[common.Address]*token.Ledger{wethAddr: f.weth, wbtcAddr: f.wbtc} {
		total, err := f.engine.TotalCollateral(asset)
		if err != nil {
			t.Fatalf("total collateral: %v", err)
		}
		if custody := l.BalanceOf(engineAddr); !custody.Eq(total) {
			t.Fatalf("%s custody %s != ledger total %s", l.Symbol(), custody, total)
		}
	}
	debt, err := f.engine.TotalDebt()
	if err != nil {
		t.Fatalf("total debt: %v", err)
	}
	if supply := f.dsc.TotalSupply(); !supply.Eq(debt) {
		t.Fatalf("debt supply %s != ledger total %s", supply, debt)
	}
}

// newMockEngine wires an engine whose collateral and debt tokens are
// non-journaled mocks.
func newMockEngine(t *testing.T, opts ...Option) (*Engine, *mockToken, *mockToken, *fakeOracle) {
	t.Helper()
	collateral := newMockToken()
	debt := newMockToken()
	oracle := newFakeOracle()
	oracle.setUSD("ETH/USD", 2000)
	engine, err := NewEngine(Config{
		Address:   engineAddr,
		Assets:    []AssetConfig{{Asset: wethAddr, FeedID: "ETH/USD", Token: collateral}},
		DebtToken: debt,
		Oracle:    oracle,
	}, opts...)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return engine, collateral, debt, oracle
}

// fundMock gives account WETH on the mock and approves the engine for its
// collateral and debt tokens.
func fundMock(account common.Address, collateral, debt *mockToken, weth *uint256.Int) {
	collateral.balances[account] = new(uint256.Int).Set(weth)
	unlimited := new(uint256.Int).SetAllOne()
	collateral.approve(account, unlimited)
	debt.approve(account, unlimited)
}

// assertMockConservation checks the mock custody and supply against the
// engine ledgers.
func assertMockConservation(t *testing.T, engine *Engine, collateral, debt *mockToken) {
	t.Helper()
	total, err := engine.TotalCollateral(wethAddr)
	if err != nil {
		t.Fatalf("total collateral: %v", err)
	}
	if custody := collateral.BalanceOf(engineAddr); !custody.Eq(total) {
		t.Fatalf("custody %s != ledger total %s", custody, total)
	}
	owed, err := engine.TotalDebt()
	if err != nil {
		t.Fatalf("total debt: %v", err)
	}
	if supply := debt.supply(); !supply.Eq(owed) {
		t.Fatalf("debt supply %s != ledger total %s", supply, owed)
	}
}
