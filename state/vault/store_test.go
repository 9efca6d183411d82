package vault

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"

	"stablevault/native/dsc"
	"stablevault/native/token"
	"stablevault/storage"
)

var (
	alice = common.HexToAddress("0x0000000000000000000000000000000000000001")
	bob   = common.HexToAddress("0x0000000000000000000000000000000000000002")
	weth  = common.HexToAddress("0x0000000000000000000000000000000000000a01")
	wbtc  = common.HexToAddress("0x0000000000000000000000000000000000000a02")
)

func TestStoreLedgersRoundTrip(t *testing.T) {
	store, err := Open(storage.NewMemDB())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	large := new(uint256.Int).Lsh(uint256.NewInt(1), 250)
	err = store.StoreLedgers(
		[]dsc.CollateralRow{
			{Account: alice, Asset: weth, Amount: uint256.NewInt(10)},
			{Account: alice, Asset: wbtc, Amount: large},
			{Account: bob, Asset: weth, Amount: new(uint256.Int)},
		},
		[]dsc.DebtRow{{Account: alice, Amount: uint256.NewInt(5)}},
	)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	collateral, debt, err := store.LoadLedgers()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(collateral) != 2 {
		t.Fatalf("zero rows must be skipped: %+v", collateral)
	}
	found := map[common.Address]*uint256.Int{}
	for _, row := range collateral {
		if row.Account != alice {
			t.Fatalf("unexpected account %s", row.Account.Hex())
		}
		found[row.Asset] = row.Amount
	}
	if !found[weth].Eq(uint256.NewInt(10)) || !found[wbtc].Eq(large) {
		t.Fatalf("unexpected balances %+v", found)
	}
	if len(debt) != 1 || debt[0].Account != alice || !debt[0].Amount.Eq(uint256.NewInt(5)) {
		t.Fatalf("unexpected debt rows %+v", debt)
	}

	// A later zero write clears the row.
	if err := store.StoreLedgers(nil, []dsc.DebtRow{{Account: alice, Amount: new(uint256.Int)}}); err != nil {
		t.Fatalf("store: %v", err)
	}
	if _, debt, _ = store.LoadLedgers(); len(debt) != 0 {
		t.Fatalf("cleared debt still loaded: %+v", debt)
	}
}

func TestTokenBalancesAreNamespacedBySymbol(t *testing.T) {
	store, err := Open(storage.NewMemDB())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := store.SaveTokenBalances("dsc", map[common.Address]*uint256.Int{alice: uint256.NewInt(3)}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.SaveTokenBalances("DSCX", map[common.Address]*uint256.Int{bob: uint256.NewInt(4)}); err != nil {
		t.Fatalf("save: %v", err)
	}
	balances, err := store.LoadTokenBalances("DSC")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(balances) != 1 || !balances[alice].Eq(uint256.NewInt(3)) {
		t.Fatalf("unexpected balances %+v", balances)
	}
}

func TestOpenChecksSchemaVersion(t *testing.T) {
	db, err := storage.NewLevelDB(filepath.Join(t.TempDir(), "vault"))
	if err != nil {
		t.Fatalf("leveldb: %v", err)
	}
	defer db.Close()
	if _, err := Open(db); err != nil {
		t.Fatalf("first open: %v", err)
	}
	if _, err := Open(db); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	encoded, _ := rlp.EncodeToBytes(SchemaVersion + 1)
	if err := db.Put(versionKey, encoded); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := Open(db); !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("expected ErrVersionMismatch, got %v", err)
	}
	if _, err := Open(nil); err == nil {
		t.Fatalf("expected nil database to be rejected")
	}
}

// failingDB accepts reads and direct puts but never commits a batch.
type failingDB struct {
	storage.Database
}

func (db failingDB) NewBatch() storage.Batch { return failingBatch{db.Database.NewBatch()} }

type failingBatch struct {
	storage.Batch
}

func (failingBatch) Write() error { return errors.New("disk full") }

func TestStoreLedgersWritesTrackedTokens(t *testing.T) {
	store, err := Open(storage.NewMemDB())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	dscLedger := token.NewLedger("dsc", 18, common.Address{})
	if err := dscLedger.Credit(alice, uint256.NewInt(7)); err != nil {
		t.Fatalf("credit: %v", err)
	}
	store.TrackTokens(dscLedger)

	if err := store.StoreLedgers(nil, []dsc.DebtRow{{Account: alice, Amount: uint256.NewInt(7)}}); err != nil {
		t.Fatalf("store: %v", err)
	}
	balances, err := store.LoadTokenBalances("DSC")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(balances) != 1 || !balances[alice].Eq(uint256.NewInt(7)) {
		t.Fatalf("unexpected balances %+v", balances)
	}

	// A holder that drops to zero is overwritten rather than left stale.
	if err := dscLedger.Move(alice, bob, uint256.NewInt(7)); err != nil {
		t.Fatalf("move: %v", err)
	}
	if err := store.StoreLedgers(nil, nil); err != nil {
		t.Fatalf("store: %v", err)
	}
	if balances, _ = store.LoadTokenBalances("DSC"); len(balances) != 1 || !balances[bob].Eq(uint256.NewInt(7)) {
		t.Fatalf("unexpected balances after move %+v", balances)
	}
}

func TestFailedBatchWritesNeitherLedgersNorBalances(t *testing.T) {
	mem := storage.NewMemDB()
	store, err := Open(failingDB{mem})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	dscLedger := token.NewLedger("dsc", 18, common.Address{})
	if err := dscLedger.Credit(alice, uint256.NewInt(7)); err != nil {
		t.Fatalf("credit: %v", err)
	}
	store.TrackTokens(dscLedger)

	err = store.StoreLedgers(
		[]dsc.CollateralRow{{Account: alice, Asset: weth, Amount: uint256.NewInt(10)}},
		[]dsc.DebtRow{{Account: alice, Amount: uint256.NewInt(7)}},
	)
	if err == nil {
		t.Fatalf("expected batch failure")
	}
	reader, err := Open(mem)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	collateral, debt, err := reader.LoadLedgers()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	balances, err := reader.LoadTokenBalances("DSC")
	if err != nil {
		t.Fatalf("load balances: %v", err)
	}
	if len(collateral) != 0 || len(debt) != 0 || len(balances) != 0 {
		t.Fatalf("partial write: collateral=%+v debt=%+v balances=%+v", collateral, debt, balances)
	}
}
