package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"hsm-recall-core/internal/coreerrors"
	"hsm-recall-core/internal/models"
)

// RequestExists reports whether a REQUEST_QUEUE row already exists for
// (reqNum, tapeId), per §4.4 step 4.
func (s *Store) RequestExists(ctx context.Context, reqNum int64, tapeID string) (bool, error) {
	var n int64
	row := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM REQUEST_QUEUE WHERE REQ_NUM = ? AND TAPE_ID = ?
	`, reqNum, tapeID)
	if err := row.Scan(&n); err != nil {
		return false, fmt.Errorf("%w: request exists: %v", coreerrors.ErrTransientDB, err)
	}
	return n > 0, nil
}

// ReviveRequest sets an existing request's state back to NEW; it may have
// been IN_PROGRESS or COMPLETED.
func (s *Store) ReviveRequest(ctx context.Context, reqNum int64, tapeID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE REQUEST_QUEUE SET STATE = ? WHERE REQ_NUM = ? AND TAPE_ID = ?
	`, int(models.ReqNew), reqNum, tapeID)
	if err != nil {
		return fmt.Errorf("%w: revive request: %v", coreerrors.ErrTransientDB, err)
	}
	return nil
}

// InsertRequest creates a new REQUEST_QUEUE row in state NEW.
func (s *Store) InsertRequest(ctx context.Context, r models.Request) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO REQUEST_QUEUE (
			OPERATION, REQ_NUM, TARGET_STATE, REPL_COUNT, REPL_NUM, POOL,
			TAPE_ID, TIME_ADDED, STATE
		) VALUES (?,?,?,?,?,?,?,?,?)
	`, int(r.Operation), r.ReqNum, int(r.TargetState), r.ReplCount, r.ReplIndex,
		r.Pool, r.TapeID, r.TimeAdded.Unix(), int(models.ReqNew))
	if err != nil {
		return fmt.Errorf("%w: insert request: %w", coreerrors.ErrTransientDB, err)
	}
	return nil
}

// SelectNewRequests returns NEW requests for op ordered by TIME_ADDED
// ascending (oldest-first, §4.5 tie-break rule).
func (s *Store) SelectNewRequests(ctx context.Context, op models.Operation) ([]models.Request, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT OPERATION, REQ_NUM, TARGET_STATE, REPL_COUNT, REPL_NUM, POOL, TAPE_ID, TIME_ADDED, STATE
		FROM REQUEST_QUEUE
		WHERE OPERATION = ? AND STATE = ?
		ORDER BY TIME_ADDED ASC
	`, int(op), int(models.ReqNew))
	if err != nil {
		return nil, fmt.Errorf("%w: select new requests: %v", coreerrors.ErrTransientDB, err)
	}
	defer rows.Close()

	var out []models.Request
	for rows.Next() {
		var r models.Request
		var operation, targetState, state int
		var replCount, replIndex sql.NullInt64
		var pool sql.NullString
		var addedUnix int64
		if err := rows.Scan(&operation, &r.ReqNum, &targetState, &replCount, &replIndex,
			&pool, &r.TapeID, &addedUnix, &state); err != nil {
			return nil, fmt.Errorf("%w: scan request: %v", coreerrors.ErrTransientDB, err)
		}
		r.Operation = models.Operation(operation)
		r.TargetState = models.FileState(targetState)
		r.ReplCount = int32(replCount.Int64)
		r.ReplIndex = int32(replIndex.Int64)
		r.Pool = pool.String
		r.TimeAdded = time.Unix(addedUnix, 0).UTC()
		r.State = models.RequestState(state)
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListRequests returns every request row with its live job count, for the
// admin introspection endpoint (GET /requests).
func (s *Store) ListRequests(ctx context.Context) ([]models.Request, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.OPERATION, r.REQ_NUM, r.TARGET_STATE, r.REPL_COUNT, r.REPL_NUM,
		       r.POOL, r.TAPE_ID, r.TIME_ADDED, r.STATE,
		       (SELECT COUNT(*) FROM JOB_QUEUE j WHERE j.REQ_NUM = r.REQ_NUM AND j.TAPE_ID = r.TAPE_ID)
		FROM REQUEST_QUEUE r
		ORDER BY r.TIME_ADDED ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("%w: list requests: %v", coreerrors.ErrTransientDB, err)
	}
	defer rows.Close()

	var out []models.Request
	for rows.Next() {
		var r models.Request
		var operation, targetState, state int
		var replCount, replIndex sql.NullInt64
		var pool sql.NullString
		var addedUnix int64
		if err := rows.Scan(&operation, &r.ReqNum, &targetState, &replCount, &replIndex,
			&pool, &r.TapeID, &addedUnix, &state, &r.JobCount); err != nil {
			return nil, fmt.Errorf("%w: scan request: %v", coreerrors.ErrTransientDB, err)
		}
		r.Operation = models.Operation(operation)
		r.TargetState = models.FileState(targetState)
		r.ReplCount = int32(replCount.Int64)
		r.ReplIndex = int32(replIndex.Int64)
		r.Pool = pool.String
		r.TimeAdded = time.Unix(addedUnix, 0).UTC()
		r.State = models.RequestState(state)
		out = append(out, r)
	}
	return out, rows.Err()
}

// TryStartRequest atomically transitions (reqNum, tapeId) from NEW to
// IN_PROGRESS. It returns false (no error) if another scheduler cycle (or,
// in theory, a concurrent admission race) already claimed it, so the
// caller can skip it rather than double-dispatch — enforcing invariant 5.
func (s *Store) TryStartRequest(ctx context.Context, reqNum int64, tapeID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE REQUEST_QUEUE SET STATE = ?
		WHERE REQ_NUM = ? AND TAPE_ID = ? AND STATE = ?
	`, int(models.ReqInProgress), reqNum, tapeID, int(models.ReqNew))
	if err != nil {
		return false, fmt.Errorf("%w: start request: %v", coreerrors.ErrTransientDB, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%w: start request rows affected: %v", coreerrors.ErrTransientDB, err)
	}
	return n > 0, nil
}

// DeleteRequest removes a fully-drained request row.
func (s *Store) DeleteRequest(ctx context.Context, reqNum int64, tapeID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM REQUEST_QUEUE WHERE REQ_NUM = ? AND TAPE_ID = ?
	`, reqNum, tapeID)
	if err != nil {
		return fmt.Errorf("%w: delete request: %v", coreerrors.ErrTransientDB, err)
	}
	return nil
}
