// Package storage keeps the service's append-only audit log of maintenance
// runs and notification deliveries in SQLite.
package storage

import (
	"database/sql"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/scalar/service/internal/logging"

	// SQLite driver - imported for side effects (registers the driver).
	// modernc.org/sqlite is pure Go, so the service builds without CGO.
	_ "modernc.org/sqlite"
)

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// DefaultMaxRows bounds each audit table; older rows are pruned on insert.
const DefaultMaxRows = 10000

// SQLiteStore records audit entries. It creates the database and tables on
// first use and serializes access through internal locking.
type SQLiteStore struct {
	db      *sql.DB
	mu      sync.RWMutex
	logger  zerolog.Logger
	maxRows int
}

// NewSQLiteStore opens or creates a SQLite database at path and applies any
// pending migrations. Use ":memory:" for an in-memory database.
func NewSQLiteStore(path string, logger zerolog.Logger) (*SQLiteStore, error) {
	logger = logging.Component(logger, "storage")
	logger.Debug().Str("path", path).Msg("opening audit database")

	// busy_timeout covers the CLI reading history while the service writes.
	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if path == ":memory:" {
		// Each pooled connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db, logger: logger, maxRows: DefaultMaxRows}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	logger.Debug().Int("schema_version", currentSchemaVersion).Msg("audit database ready")
	return store, nil
}

// SetMaxRows changes the per-table retention. Zero or less disables pruning.
func (s *SQLiteStore) SetMaxRows(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxRows = n
}

// Close releases the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
