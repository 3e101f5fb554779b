package datastore

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	_ "github.com/duckdb/duckdb-go/v2"
)

// DB is the slice of database/sql the store uses. It exists so tests can
// substitute a failing connection.
type DB interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
	Begin() (*sql.Tx, error)
	Close() error
}

// duckDB wraps the embedded database handle. DuckDB invalidates the whole
// database object after certain fatal errors; the wrapper reopens the file
// and retries once. All writes are serialized, reads run in parallel.
type duckDB struct {
	path string
	log  *slog.Logger

	mu      sync.RWMutex // protects db during recovery
	writeMu sync.Mutex   // serializes writes
	db      *sql.DB
}

// openDB opens the database file at path, or an in-memory database when
// path is empty.
func openDB(path string, log *slog.Logger) (*duckDB, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// A small pool: one writer plus a few concurrent readers.
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(0)

	return &duckDB{
		path: path,
		log:  log,
		db:   db,
	}, nil
}

func isInvalidationError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database has been invalidated") ||
		strings.Contains(msg, "FATAL Error") ||
		strings.Contains(msg, "must be restarted")
}

func (d *duckDB) recover() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.log.Warn("datastore: database invalidated, reopening")

	if d.db != nil {
		d.db.Close()
		d.db = nil
	}

	db, err := sql.Open("duckdb", d.path)
	if err != nil {
		return fmt.Errorf("reopen database: %w", err)
	}
	d.db = db
	d.log.Info("datastore: database connection recovered")
	return nil
}

func (d *duckDB) handle() *sql.DB {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.db
}

func (d *duckDB) Exec(query string, args ...any) (sql.Result, error) {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	result, err := d.handle().Exec(query, args...)
	if err != nil && isInvalidationError(err) {
		if recoverErr := d.recover(); recoverErr != nil {
			return nil, fmt.Errorf("recover database: %w (original error: %w)", recoverErr, err)
		}
		result, err = d.handle().Exec(query, args...)
	}
	return result, err
}

func (d *duckDB) Query(query string, args ...any) (*sql.Rows, error) {
	rows, err := d.handle().Query(query, args...)
	if err != nil && isInvalidationError(err) {
		if recoverErr := d.recover(); recoverErr != nil {
			return nil, fmt.Errorf("recover database: %w (original error: %w)", recoverErr, err)
		}
		rows, err = d.handle().Query(query, args...)
	}
	return rows, err
}

func (d *duckDB) QueryRow(query string, args ...any) *sql.Row {
	// Invalidation surfaces at Scan time; the next write recovers.
	return d.handle().QueryRow(query, args...)
}

func (d *duckDB) Begin() (*sql.Tx, error) {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	tx, err := d.handle().Begin()
	if err != nil && isInvalidationError(err) {
		if recoverErr := d.recover(); recoverErr != nil {
			return nil, fmt.Errorf("recover database: %w (original error: %w)", recoverErr, err)
		}
		tx, err = d.handle().Begin()
	}
	return tx, err
}

func (d *duckDB) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.db != nil {
		return d.db.Close()
	}
	return nil
}
