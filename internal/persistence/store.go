package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/aristath/multiworker/internal/backend"
	"github.com/aristath/multiworker/internal/task"
	"github.com/aristath/multiworker/internal/telemetry"
	_ "modernc.org/sqlite"
)

// Session is a named conversation together with its running token totals.
type Session struct {
	Name      string
	Model     string
	History   []backend.Message
	Totals    telemetry.RunningTotals
	UpdatedAt time.Time
}

// SessionInfo summarizes a stored session for listings.
type SessionInfo struct {
	Name        string
	Turns       int
	TotalTokens int
	UpdatedAt   time.Time
}

// TurnRecord is the outcome of one turn, appended to a session's log.
type TurnRecord struct {
	Session          string
	Answer           string
	Usage            task.Usage
	Retries          int
	WorkersSucceeded int
	WorkersFailed    int
	SynthOK          bool
	Started          time.Time
	Finished         time.Time
}

// Store defines the persistence interface for sessions and turn records.
type Store interface {
	// Session operations
	SaveSession(ctx context.Context, sess *Session) (string, error)
	LoadSession(ctx context.Context, name string) (*Session, error)
	ListSessions(ctx context.Context) ([]SessionInfo, error)

	// Turn log
	RecordTurn(ctx context.Context, rec TurnRecord) error
	Turns(ctx context.Context, name string) ([]TurnRecord, error)

	// Lifecycle
	Close() error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore creates a new SQLite-backed store at the given path.
// Creates parent directories if needed. Enables WAL mode, foreign keys, and busy timeout.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}

	// modernc.org/sqlite doesn't support _foreign_keys in the connection string
	connStr := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", dbPath)
	return open(ctx, connStr, "PRAGMA journal_mode = WAL", "PRAGMA busy_timeout = 5000")
}

var memoryStores atomic.Int64

// NewMemoryStore creates an in-memory SQLite store for testing.
// Each store gets its own database; connections within a store share it.
func NewMemoryStore(ctx context.Context) (*SQLiteStore, error) {
	connStr := fmt.Sprintf("file:memdb%d?mode=memory&cache=shared", memoryStores.Add(1))
	return open(ctx, connStr)
}

func open(ctx context.Context, connStr string, pragmas ...string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One connection keeps PRAGMA settings and the shared in-memory database alive.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	store := &SQLiteStore{db: db, now: time.Now}

	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
