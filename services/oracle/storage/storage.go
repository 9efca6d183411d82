package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	_ "github.com/glebarez/sqlite"
)

var (
	// ErrPathRequired is returned when the backing store path is missing.
	ErrPathRequired = errors.New("oracle storage path must be configured")
	// ErrNotFound is returned when a feed has no recorded rounds.
	ErrNotFound = errors.New("oracle round not found")
)

// Round is one recorded answer for a feed. Answer is the price scaled by
// 10^Decimals.
type Round struct {
	FeedID          string
	RoundID         uint64
	AnsweredInRound uint64
	Answer          *big.Int
	Decimals        uint8
	Sources         []string
	UpdatedAt       time.Time
}

// Storage persists oracle rounds in sqlite.
type Storage struct {
	db *sql.DB
}

// Open initialises the backing store using a sqlite-compatible DSN.
func Open(dsn string) (*Storage, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, ErrPathRequired
	}
	db, err := sql.Open("sqlite", trimmed)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Storage{db: db}, nil
}

// Close releases database resources.
func (s *Storage) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// NextRoundID returns the identifier the next round for feed should use.
func (s *Storage) NextRoundID(ctx context.Context, feedID string) (uint64, error) {
	if s == nil {
		return 0, fmt.Errorf("storage not configured")
	}
	var last sql.NullInt64
	row := s.db.QueryRowContext(ctx, `SELECT MAX(round_id) FROM oracle_rounds WHERE feed = ?`, feedKey(feedID))
	if err := row.Scan(&last); err != nil {
		return 0, fmt.Errorf("query round id: %w", err)
	}
	if !last.Valid {
		return 1, nil
	}
	return uint64(last.Int64) + 1, nil
}

// RecordRound stores a round. Round identifiers are unique per feed.
func (s *Storage) RecordRound(ctx context.Context, round Round) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	if round.Answer == nil {
		return fmt.Errorf("round missing answer")
	}
	if round.RoundID == 0 {
		return fmt.Errorf("round id must be positive")
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO oracle_rounds(feed, round_id, answered_in_round, answer, decimals, sources, updated_at, recorded_at)
        VALUES(?, ?, ?, ?, ?, ?, ?, ?)
    `, feedKey(round.FeedID), round.RoundID, round.AnsweredInRound, round.Answer.String(), round.Decimals,
		strings.Join(round.Sources, ","), round.UpdatedAt.UTC().UnixNano(), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert round: %w", err)
	}
	return nil
}

// LatestRound returns the most recent round for the feed.
func (s *Storage) LatestRound(ctx context.Context, feedID string) (Round, error) {
	if s == nil {
		return Round{}, fmt.Errorf("storage not configured")
	}
	row := s.db.QueryRowContext(ctx, `
        SELECT feed, round_id, answered_in_round, answer, decimals, sources, updated_at
        FROM oracle_rounds
        WHERE feed = ?
        ORDER BY round_id DESC
        LIMIT 1
    `, feedKey(feedID))
	round, err := scanRound(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Round{}, fmt.Errorf("%w: %s", ErrNotFound, feedID)
	}
	if err != nil {
		return Round{}, fmt.Errorf("query round: %w", err)
	}
	return round, nil
}

// History returns up to limit rounds for the feed, newest first.
func (s *Storage) History(ctx context.Context, feedID string, limit int) ([]Round, error) {
	if s == nil {
		return nil, fmt.Errorf("storage not configured")
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT feed, round_id, answered_in_round, answer, decimals, sources, updated_at
        FROM oracle_rounds
        WHERE feed = ?
        ORDER BY round_id DESC
        LIMIT ?
    `, feedKey(feedID), limit)
	if err != nil {
		return nil, fmt.Errorf("query rounds: %w", err)
	}
	defer rows.Close()
	out := make([]Round, 0)
	for rows.Next() {
		round, err := scanRound(rows)
		if err != nil {
			return nil, fmt.Errorf("scan round: %w", err)
		}
		out = append(out, round)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rounds: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRound(row scanner) (Round, error) {
	var (
		round   Round
		answer  string
		sources string
		updated int64
	)
	if err := row.Scan(&round.FeedID, &round.RoundID, &round.AnsweredInRound, &answer, &round.Decimals, &sources, &updated); err != nil {
		return Round{}, err
	}
	value, ok := new(big.Int).SetString(answer, 10)
	if !ok {
		return Round{}, fmt.Errorf("invalid stored answer %q", answer)
	}
	round.Answer = value
	if sources != "" {
		round.Sources = strings.Split(sources, ",")
	}
	round.UpdatedAt = time.Unix(0, updated).UTC()
	return round, nil
}

func feedKey(feedID string) string {
	return strings.ToUpper(strings.TrimSpace(feedID))
}

const schema = `
CREATE TABLE IF NOT EXISTS oracle_rounds (
    feed TEXT NOT NULL,
    round_id INTEGER NOT NULL,
    answered_in_round INTEGER NOT NULL,
    answer TEXT NOT NULL,
    decimals INTEGER NOT NULL,
    sources TEXT NOT NULL,
    updated_at INTEGER NOT NULL,
    recorded_at TIMESTAMP NOT NULL,
    PRIMARY KEY (feed, round_id)
);
CREATE INDEX IF NOT EXISTS idx_oracle_rounds_updated ON oracle_rounds(feed, updated_at);
`
