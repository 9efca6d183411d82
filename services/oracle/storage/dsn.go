package storage

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
)

// filePragmas keep the price history in WAL mode so readers are not blocked
// by the poller.
var filePragmas = url.Values{
	"mode":          {"rwc"},
	"_busy_timeout": {"5000"},
	"_journal_mode": {"WAL"},
	"_foreign_keys": {"on"},
}

// MemoryDSN names a private shared-cache in-memory database.
const MemoryDSN = "file:oracle?mode=memory&cache=shared"

// ResolveDSN turns the configured oracle database into a SQLite DSN. A plain
// path becomes an absolute file URI with the WAL pragmas, ":memory:" selects
// MemoryDSN, and a file URI keeps its own query or gains the pragmas when it
// has none.
func ResolveDSN(database string) (string, error) {
	trimmed := strings.TrimSpace(database)
	switch {
	case trimmed == "":
		return "", ErrPathRequired
	case trimmed == ":memory:":
		return MemoryDSN, nil
	case strings.HasPrefix(trimmed, "file:"):
		if strings.Contains(trimmed, "?") {
			return trimmed, nil
		}
		return trimmed + "?" + filePragmas.Encode(), nil
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return "", fmt.Errorf("resolve oracle database path: %w", err)
	}
	return "file:" + abs + "?" + filePragmas.Encode(), nil
}
