package vault

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"

	"stablevault/native/dsc"
	"stablevault/storage"
)

// SchemaVersion identifies the on-disk layout. Increment it whenever the key
// scheme or value encoding changes.
const SchemaVersion uint64 = 1

var (
	versionKey         = []byte("vault/version")
	collateralPrefix   = []byte("vault/collateral/")
	debtPrefix         = []byte("vault/debt/")
	tokenBalancePrefix = []byte("token/balance/")

	// ErrVersionMismatch indicates the database was written with another
	// layout.
	ErrVersionMismatch = errors.New("vault: schema version mismatch")
	errCorruptKey      = errors.New("vault: malformed key")
)

// BalanceSource is a token whose balances are written alongside the engine
// ledgers.
type BalanceSource interface {
	Symbol() string
	Balances() map[common.Address]*uint256.Int
}

// Store persists engine ledgers and token balances in a key-value database.
// Amounts are stored as RLP-encoded big integers.
type Store struct {
	db     storage.Database
	tokens []BalanceSource
}

// Open wraps db, stamping the schema version on first use and refusing a
// database written by an incompatible layout.
func Open(db storage.Database) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("vault: database required")
	}
	raw, err := db.Get(versionKey)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		encoded, err := rlp.EncodeToBytes(SchemaVersion)
		if err != nil {
			return nil, err
		}
		if err := db.Put(versionKey, encoded); err != nil {
			return nil, fmt.Errorf("vault: write version: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("vault: read version: %w", err)
	default:
		var stored uint64
		if err := rlp.DecodeBytes(raw, &stored); err != nil {
			return nil, fmt.Errorf("vault: decode version: %w", err)
		}
		if stored != SchemaVersion {
			return nil, fmt.Errorf("%w: on-disk=%d expected=%d", ErrVersionMismatch, stored, SchemaVersion)
		}
	}
	return &Store{db: db}, nil
}

func collateralKey(account, asset common.Address) []byte {
	key := make([]byte, 0, len(collateralPrefix)+2*common.AddressLength)
	key = append(key, collateralPrefix...)
	key = append(key, account.Bytes()...)
	return append(key, asset.Bytes()...)
}

func debtKey(account common.Address) []byte {
	key := make([]byte, 0, len(debtPrefix)+common.AddressLength)
	key = append(key, debtPrefix...)
	return append(key, account.Bytes()...)
}

func tokenPrefix(symbol string) []byte {
	normalized := strings.ToUpper(strings.TrimSpace(symbol))
	key := make([]byte, 0, len(tokenBalancePrefix)+len(normalized)+1)
	key = append(key, tokenBalancePrefix...)
	key = append(key, normalized...)
	return append(key, '/')
}

func encodeAmount(amount *uint256.Int) ([]byte, error) {
	if amount == nil {
		return rlp.EncodeToBytes(new(big.Int))
	}
	return rlp.EncodeToBytes(amount.ToBig())
}

func decodeAmount(data []byte) (*uint256.Int, error) {
	value := new(big.Int)
	if err := rlp.DecodeBytes(data, value); err != nil {
		return nil, err
	}
	amount, overflow := uint256.FromBig(value)
	if overflow {
		return nil, fmt.Errorf("vault: stored amount exceeds 256 bits")
	}
	return amount, nil
}

// LoadLedgers implements dsc.LedgerStore. Zero rows are skipped.
func (s *Store) LoadLedgers() ([]dsc.CollateralRow, []dsc.DebtRow, error) {
	var collateral []dsc.CollateralRow
	err := s.db.Iterate(collateralPrefix, func(key, value []byte) error {
		rest := bytes.TrimPrefix(key, collateralPrefix)
		if len(rest) != 2*common.AddressLength {
			return fmt.Errorf("%w: %x", errCorruptKey, key)
		}
		amount, err := decodeAmount(value)
		if err != nil {
			return fmt.Errorf("decode collateral %x: %w", key, err)
		}
		if amount.IsZero() {
			return nil
		}
		collateral = append(collateral, dsc.CollateralRow{
			Account: common.BytesToAddress(rest[:common.AddressLength]),
			Asset:   common.BytesToAddress(rest[common.AddressLength:]),
			Amount:  amount,
		})
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	var debt []dsc.DebtRow
	err = s.db.Iterate(debtPrefix, func(key, value []byte) error {
		rest := bytes.TrimPrefix(key, debtPrefix)
		if len(rest) != common.AddressLength {
			return fmt.Errorf("%w: %x", errCorruptKey, key)
		}
		amount, err := decodeAmount(value)
		if err != nil {
			return fmt.Errorf("decode debt %x: %w", key, err)
		}
		if amount.IsZero() {
			return nil
		}
		debt = append(debt, dsc.DebtRow{Account: common.BytesToAddress(rest), Amount: amount})
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return collateral, debt, nil
}

// TrackTokens registers tokens whose balances StoreLedgers snapshots into the
// same batch as the ledger rows. It must be called before the store is shared.
func (s *Store) TrackTokens(tokens ...BalanceSource) {
	s.tokens = append(s.tokens, tokens...)
}

// StoreLedgers implements dsc.LedgerStore. The rows and the balances of every
// tracked token are written in one batch.
func (s *Store) StoreLedgers(collateral []dsc.CollateralRow, debt []dsc.DebtRow) error {
	batch := s.db.NewBatch()
	for _, row := range collateral {
		encoded, err := encodeAmount(row.Amount)
		if err != nil {
			return err
		}
		batch.Put(collateralKey(row.Account, row.Asset), encoded)
	}
	for _, row := range debt {
		encoded, err := encodeAmount(row.Amount)
		if err != nil {
			return err
		}
		batch.Put(debtKey(row.Account), encoded)
	}
	for _, token := range s.tokens {
		if err := putTokenBalances(batch, token.Symbol(), token.Balances()); err != nil {
			return err
		}
	}
	if batch.Len() == 0 {
		return nil
	}
	return batch.Write()
}

// SaveTokenBalances writes the supplied balances for a token in one batch.
func (s *Store) SaveTokenBalances(symbol string, balances map[common.Address]*uint256.Int) error {
	batch := s.db.NewBatch()
	if err := putTokenBalances(batch, symbol, balances); err != nil {
		return err
	}
	if batch.Len() == 0 {
		return nil
	}
	return batch.Write()
}

func putTokenBalances(batch storage.Batch, symbol string, balances map[common.Address]*uint256.Int) error {
	prefix := tokenPrefix(symbol)
	for account, amount := range balances {
		encoded, err := encodeAmount(amount)
		if err != nil {
			return err
		}
		key := append(append([]byte(nil), prefix...), account.Bytes()...)
		batch.Put(key, encoded)
	}
	return nil
}

// LoadTokenBalances returns the non-zero persisted balances of a token.
func (s *Store) LoadTokenBalances(symbol string) (map[common.Address]*uint256.Int, error) {
	prefix := tokenPrefix(symbol)
	out := make(map[common.Address]*uint256.Int)
	err := s.db.Iterate(prefix, func(key, value []byte) error {
		rest := bytes.TrimPrefix(key, prefix)
		if len(rest) != common.AddressLength {
			return fmt.Errorf("%w: %x", errCorruptKey, key)
		}
		amount, err := decodeAmount(value)
		if err != nil {
			return fmt.Errorf("decode balance %x: %w", key, err)
		}
		if !amount.IsZero() {
			out[common.BytesToAddress(rest)] = amount
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

var _ dsc.LedgerStore = (*Store)(nil)
