package history

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

const defaultBusyTimeout = 120 * time.Second

// History is a handle on one run-history store. Independent handles opened
// on the same path observe each other's committed writes; every query
// re-reads current committed state.
type History struct {
	path        string
	busyTimeout time.Duration
	logger      Logger

	mu     sync.RWMutex
	db     *sql.DB
	closed bool
}

// Option configures a History handle
type Option func(*History)

// WithLogger sets the logger used by the handle. The default discards
// all messages.
func WithLogger(l Logger) Option {
	return func(h *History) { h.logger = l }
}

// WithBusyTimeout sets how long a blocked transaction waits for the
// database lock before failing.
func WithBusyTimeout(d time.Duration) Option {
	return func(h *History) { h.busyTimeout = d }
}

// Open opens the store at the given path, creating the file and the
// schema when absent. A store that was never initialized opens fine but
// rejects appends until StoreInitialData is called.
func Open(path string, opts ...Option) (*History, error) {
	if path == "" {
		return nil, wrapError("open", fmt.Errorf("database path cannot be empty"))
	}

	h := &History{
		path:        path,
		busyTimeout: defaultBusyTimeout,
		logger:      NopLogger(),
	}
	for _, opt := range opts {
		opt(h)
	}

	// _journal_mode=WAL: readers do not block the single writer
	// _busy_timeout: wait for the lock instead of failing immediately
	// _foreign_keys: needed for the cascade on re-initialization
	// _txlock=immediate: appends take the write lock up front, so
	// concurrent writers queue on the busy timeout instead of failing
	// on snapshot upgrade
	dsn := fmt.Sprintf(
		"%s?_txlock=immediate&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(%d)&_pragma=foreign_keys(ON)",
		path, h.busyTimeout.Milliseconds(),
	)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, wrapError("open", fmt.Errorf("failed to open database: %w", err))
	}

	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(2 * time.Hour)

	if err := createTables(context.Background(), db); err != nil {
		_ = db.Close()
		return nil, wrapError("open", err)
	}

	h.db = db
	h.logger.Debug("store opened", "path", path)
	return h, nil
}

// Close closes the database connection and releases resources. Closing an
// already closed handle is a no-op.
func (h *History) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil
	}
	h.closed = true

	if h.db != nil {
		if err := h.db.Close(); err != nil {
			h.logger.Error("failed to close store", "path", h.path, "error", err)
			return wrapError("close", err)
		}
	}

	h.logger.Debug("store closed", "path", h.path)
	return nil
}

// Path returns the locator the handle was opened with
func (h *History) Path() string {
	return h.path
}

// conn returns the database connection, guarding against use after Close
func (h *History) conn() (*sql.DB, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.closed {
		return nil, ErrStoreClosed
	}
	return h.db, nil
}

// querier is satisfied by both *sql.DB and *sql.Tx, so the run-metadata
// lookup works inside and outside transactions.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// runRow is the persisted run metadata
type runRow struct {
	uid              string
	startTime        string
	endTime          sql.NullString
	distanceFunction string
	epsilonFunction  string
	popStrategy      string
}

// loadRun reads the singleton run row, or reports ErrUninitialized
func loadRun(ctx context.Context, q querier) (runRow, error) {
	var r runRow
	err := q.QueryRowContext(ctx, `
		SELECT uid, start_time, end_time, distance_function, epsilon_function, population_strategy
		FROM runs WHERE id = 1
	`).Scan(&r.uid, &r.startTime, &r.endTime, &r.distanceFunction, &r.epsilonFunction, &r.popStrategy)
	if err == sql.ErrNoRows {
		return runRow{}, ErrUninitialized
	}
	if err != nil {
		return runRow{}, err
	}
	return r, nil
}
