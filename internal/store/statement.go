package store

import (
	"context"
	"database/sql"
	"fmt"

	"hsm-recall-core/internal/coreerrors"
)

// PreparedStatement models the prepare/step/finalize cycle from §4.1 on top
// of database/sql's Stmt/Rows. Unlike the original C++ port, misuse is
// reported as an error return rather than being fatal to the process, per
// the "exceptions as control flow" design note.
type PreparedStatement struct {
	sql  string
	stmt *sql.Stmt
	rows *sql.Rows
}

// Prepare compiles sql against the store's connection.
func (s *Store) Prepare(ctx context.Context, query string) (*PreparedStatement, error) {
	stmt, err := s.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: prepare %q: %v", coreerrors.ErrTransientDB, query, err)
	}
	return &PreparedStatement{sql: query, stmt: stmt}, nil
}

// Step executes the statement (on first call) and advances to the next
// row. It returns (true, nil) while a row is available, (false, nil) once
// done, and a non-nil error otherwise.
func (ps *PreparedStatement) Step(ctx context.Context, args ...any) (bool, error) {
	if ps.rows == nil {
		rows, err := ps.stmt.QueryContext(ctx, args...)
		if err != nil {
			return false, fmt.Errorf("%w: step %q: %v", coreerrors.ErrTransientDB, ps.sql, err)
		}
		ps.rows = rows
	}
	if !ps.rows.Next() {
		if err := ps.rows.Err(); err != nil {
			return false, fmt.Errorf("%w: step %q: %v", coreerrors.ErrTransientDB, ps.sql, err)
		}
		return false, nil
	}
	return true, nil
}

// Scan delegates to the underlying row cursor; callers must only call it
// after Step returned true.
func (ps *PreparedStatement) Scan(dest ...any) error {
	if ps.rows == nil {
		return fmt.Errorf("%w: scan %q before step", coreerrors.ErrTransientDB, ps.sql)
	}
	if err := ps.rows.Scan(dest...); err != nil {
		return fmt.Errorf("%w: scan %q: %v", coreerrors.ErrTransientDB, ps.sql, err)
	}
	return nil
}

// Finalize releases the statement's resources. It is always safe to call,
// mirroring sqlite3_finalize's tolerance of a statement that never stepped.
func (ps *PreparedStatement) Finalize() error {
	var rowsErr, stmtErr error
	if ps.rows != nil {
		rowsErr = ps.rows.Close()
	}
	stmtErr = ps.stmt.Close()
	if rowsErr != nil {
		return fmt.Errorf("%w: finalize %q: %v", coreerrors.ErrTransientDB, ps.sql, rowsErr)
	}
	if stmtErr != nil {
		return fmt.Errorf("%w: finalize %q: %v", coreerrors.ErrTransientDB, ps.sql, stmtErr)
	}
	return nil
}

// Exec is a convenience for DML statements that need no row cursor (INSERT,
// UPDATE, DELETE): prepare, execute once, finalize.
func (s *Store) Exec(ctx context.Context, query string, args ...any) (rowsAffected int64, err error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("%w: exec %q: %v", coreerrors.ErrTransientDB, query, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%w: rows affected %q: %v", coreerrors.ErrTransientDB, query, err)
	}
	return n, nil
}
