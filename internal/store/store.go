// Package store implements the Persistent Queue Store (PQS): an embedded,
// transactional relational store holding JOB_QUEUE and REQUEST_QUEUE, a
// global write-transaction mutex, and the FITS scalar predicate.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/mattn/go-sqlite3"

	"hsm-recall-core/internal/coreerrors"
)

var driverSeq atomic.Int64

// Store wraps a single-connection SQLite handle plus the write-transaction
// mutex described in §4.1. It deliberately caps the connection pool at one
// connection: the PQS contract requires all writers to be serialized
// through a single BEGIN/END TRANSACTION window, and a second connection
// would let SQLite interleave writes outside that window.
type Store struct {
	db   *sql.DB
	fits *fitsAccumulator

	transMu sync.Mutex
}

// Open initializes the store. inMemory selects a process-local ":memory:"
// database (used by tests); otherwise dbFile is opened read-write and
// created if missing (mode=rwc). No exclusive-create flag is passed.
func Open(ctx context.Context, dbFile string, inMemory bool) (*Store, error) {
	acc := &fitsAccumulator{}

	driverName := fmt.Sprintf("sqlite3-pqs-%d", driverSeq.Add(1))
	sql.Register(driverName, &sqlite3.SQLiteDriver{
		ConnectHook: func(conn *sqlite3.SQLiteConn) error {
			return registerFITS(conn, acc)
		},
	})

	dsn := dbFile + "?_mutex=full"
	if inMemory {
		dsn = "file::memory:?cache=shared&_mutex=full"
	} else {
		dsn = "file:" + dbFile + "?mode=rwc&_mutex=full"
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", coreerrors.ErrTransientDB, dbFile, err)
	}
	// A single connection: writers are serialized by transMu, not by the
	// database/sql pool, so pooling additional connections would only let
	// unserialized readers race the writer mid-transaction.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("%w: ping %s: %v", coreerrors.ErrTransientDB, dbFile, err)
	}

	s := &Store{db: db, fits: acc}
	return s, nil
}

// CreateTables is the idempotent schema bootstrap described in §4.1.
func (s *Store) CreateTables(ctx context.Context) error {
	return s.RunMigrations(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}

// BeginTransaction acquires the global write mutex and issues BEGIN
// TRANSACTION. If BEGIN fails the mutex is released before the error is
// surfaced, per §4.1.
func (s *Store) BeginTransaction(ctx context.Context) error {
	s.transMu.Lock()
	if _, err := s.db.ExecContext(ctx, "BEGIN TRANSACTION"); err != nil {
		s.transMu.Unlock()
		return fmt.Errorf("%w: begin transaction: %v", coreerrors.ErrTransientDB, err)
	}
	return nil
}

// EndTransaction issues END TRANSACTION and always releases the mutex
// acquired by BeginTransaction, even on failure, per §4.1.
func (s *Store) EndTransaction(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "END TRANSACTION")
	s.transMu.Unlock()
	if err != nil {
		return fmt.Errorf("%w: end transaction: %v", coreerrors.ErrTransientDB, err)
	}
	return nil
}

// WithTransaction runs fn inside a begin/end transaction pair, guaranteeing
// the write mutex is released on every exit path including a panic or an
// error returned by fn. Nested calls are forbidden by the PQS contract;
// callers must not call WithTransaction from within another transaction.
func (s *Store) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if err := s.BeginTransaction(ctx); err != nil {
		return err
	}
	defer func() {
		if end := s.EndTransaction(ctx); end != nil && err == nil {
			err = end
		}
	}()
	return fn(ctx)
}

// LastUpdates returns the number of rows changed by the most recently
// executed statement on this connection.
func (s *Store) LastUpdates(ctx context.Context) (int64, error) {
	var n int64
	row := s.db.QueryRowContext(ctx, "SELECT changes()")
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("%w: changes(): %v", coreerrors.ErrTransientDB, err)
	}
	return n, nil
}

// resetFits primes the FITS accumulator ahead of an admission query that
// invokes the predicate; fitsSnapshot returns the counts it observed once
// the query has been fully drained. Reserved for the (out-of-scope)
// migration admission path; see §4.5.
func (s *Store) resetFits(freeCapacity int64) {
	s.fits.reset(freeCapacity)
}

func (s *Store) fitsSnapshot() (numFound, total int64) {
	return s.fits.snapshot()
}
