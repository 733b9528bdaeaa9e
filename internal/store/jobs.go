package store

import (
	"context"
	"database/sql"
	"fmt"

	"hsm-recall-core/internal/coreerrors"
	"hsm-recall-core/internal/models"
)

// InsertJob adds one JOB_QUEUE row. Callers run this inside a transaction
// opened with BeginTransaction/WithTransaction, per §4.4 step 3. FileName
// is passed as a nil *string when the originating event carried no name,
// which binds as SQL NULL.
func (s *Store) InsertJob(ctx context.Context, j models.Job) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO JOB_QUEUE (
			OPERATION, FILE_NAME, REQ_NUM, TARGET_STATE, REPL_NUM, POOL,
			FILE_SIZE, FS_ID_H, FS_ID_L, I_GEN, I_NUM, MTIME_SEC, MTIME_NSEC,
			LAST_UPD, TAPE_ID, FILE_STATE, START_BLOCK, CONN_INFO
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
	`, int(j.Operation), j.FileName, j.ReqNum, int(j.TargetState), j.ReplIndex, j.Pool,
		j.FileSize, j.FUID.FsIDHigh, j.FUID.FsIDLow, j.FUID.IGen, j.FUID.INum,
		j.MTimeSec, j.MTimeNsec, j.LastUpdate, j.TapeID, int(j.FileState), j.StartBlock, j.ConnInfo)
	if err != nil {
		return fmt.Errorf("%w: insert job: %w", coreerrors.ErrTransientDB, err)
	}
	return nil
}

// SetRecalling transitions jobs for (reqNum, tapeId) currently in fromState
// to toState. It is called twice by process_files: MIGRATED->RECALLING_MIG
// and PREMIGRATED->RECALLING_PREMIG.
func (s *Store) SetRecalling(ctx context.Context, reqNum int64, tapeID string, fromState, toState models.FileState) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE JOB_QUEUE SET FILE_STATE = ?
		WHERE REQ_NUM = ? AND TAPE_ID = ? AND FILE_STATE = ?
	`, int(toState), reqNum, tapeID, int(fromState))
	if err != nil {
		return 0, fmt.Errorf("%w: set recalling: %v", coreerrors.ErrTransientDB, err)
	}
	return res.RowsAffected()
}

// RecallingJob is the projection SelectRecallingJobs returns: enough of the
// job row to drive recall() and respond to the originating event.
type RecallingJob struct {
	FUID        models.FUID
	FileName    *string
	FileState   models.FileState // RECALLING_MIG or RECALLING_PREMIG
	TargetState models.FileState // RESIDENT or PREMIGRATED
	ConnInfo    int64
}

// SelectRecallingJobs returns every RECALLING_* job for (reqNum, tapeId)
// ordered by START_BLOCK ascending, so RCX dispatches recall() calls in
// non-decreasing tape-head order (Testable Property 4).
func (s *Store) SelectRecallingJobs(ctx context.Context, reqNum int64, tapeID string) ([]RecallingJob, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT FS_ID_H, FS_ID_L, I_GEN, I_NUM, FILE_NAME, FILE_STATE, TARGET_STATE, CONN_INFO
		FROM JOB_QUEUE
		WHERE REQ_NUM = ? AND TAPE_ID = ?
		  AND FILE_STATE IN (?, ?)
		ORDER BY START_BLOCK ASC
	`, reqNum, tapeID, int(models.RecallingMig), int(models.RecallingPremig))
	if err != nil {
		return nil, fmt.Errorf("%w: select recalling jobs: %v", coreerrors.ErrTransientDB, err)
	}
	defer rows.Close()

	var out []RecallingJob
	for rows.Next() {
		var j RecallingJob
		var fileName sql.NullString
		var fileState, targetState int
		if err := rows.Scan(&j.FUID.FsIDHigh, &j.FUID.FsIDLow, &j.FUID.IGen, &j.FUID.INum,
			&fileName, &fileState, &targetState, &j.ConnInfo); err != nil {
			return nil, fmt.Errorf("%w: scan recalling job: %v", coreerrors.ErrTransientDB, err)
		}
		if fileName.Valid {
			name := fileName.String
			j.FileName = &name
		}
		j.FileState = models.FileState(fileState)
		j.TargetState = models.FileState(targetState)
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: select recalling jobs: %v", coreerrors.ErrTransientDB, err)
	}
	return out, nil
}

// DeleteRecallingJobs removes every RECALLING_* job for (reqNum, tapeId),
// run unconditionally at the end of process_files whether or not each
// individual recall() succeeded (§4.6 state machine table).
func (s *Store) DeleteRecallingJobs(ctx context.Context, reqNum int64, tapeID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM JOB_QUEUE
		WHERE REQ_NUM = ? AND TAPE_ID = ? AND FILE_STATE IN (?, ?)
	`, reqNum, tapeID, int(models.RecallingMig), int(models.RecallingPremig))
	if err != nil {
		return fmt.Errorf("%w: delete recalling jobs: %v", coreerrors.ErrTransientDB, err)
	}
	return nil
}

// CountRemainingJobs counts jobs still queued for (reqNum, tapeId) after a
// process_files cycle has drained the RECALLING_* rows. A positive count
// means new events arrived mid-cycle and the request must return to NEW
// instead of being deleted (Testable Property / Scenario S3).
func (s *Store) CountRemainingJobs(ctx context.Context, reqNum int64, tapeID string) (int64, error) {
	var n int64
	row := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM JOB_QUEUE WHERE REQ_NUM = ? AND TAPE_ID = ?
	`, reqNum, tapeID)
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("%w: count remaining jobs: %v", coreerrors.ErrTransientDB, err)
	}
	return n, nil
}

// SelectAllJobs returns every job row for an operation regardless of state,
// used by CleanupEvents to respond `failed` to every outstanding event at
// shutdown.
func (s *Store) SelectAllJobs(ctx context.Context, op models.Operation) ([]RecallingJob, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT FS_ID_H, FS_ID_L, I_GEN, I_NUM, FILE_NAME, FILE_STATE, TARGET_STATE, CONN_INFO
		FROM JOB_QUEUE WHERE OPERATION = ?
	`, int(op))
	if err != nil {
		return nil, fmt.Errorf("%w: select all jobs: %v", coreerrors.ErrTransientDB, err)
	}
	defer rows.Close()

	var out []RecallingJob
	for rows.Next() {
		var j RecallingJob
		var fileName sql.NullString
		var fileState, targetState int
		if err := rows.Scan(&j.FUID.FsIDHigh, &j.FUID.FsIDLow, &j.FUID.IGen, &j.FUID.INum,
			&fileName, &fileState, &targetState, &j.ConnInfo); err != nil {
			return nil, fmt.Errorf("%w: scan job: %v", coreerrors.ErrTransientDB, err)
		}
		if fileName.Valid {
			name := fileName.String
			j.FileName = &name
		}
		j.FileState = models.FileState(fileState)
		j.TargetState = models.FileState(targetState)
		out = append(out, j)
	}
	return out, rows.Err()
}

// SmallestJobSize returns the smallest FILE_SIZE among jobs for (reqNum,
// replIndex), reserved as res_avail's min_file_size input for the
// (out-of-scope) migration admission path; the recall scheduler does not
// call it. See §4.5.
func (s *Store) SmallestJobSize(ctx context.Context, reqNum int64, replIndex int32) (int64, error) {
	var size sql.NullInt64
	row := s.db.QueryRowContext(ctx, `
		SELECT MIN(FILE_SIZE) FROM JOB_QUEUE WHERE REQ_NUM = ? AND REPL_NUM = ?
	`, reqNum, replIndex)
	if err := row.Scan(&size); err != nil {
		return 0, fmt.Errorf("%w: smallest job size: %v", coreerrors.ErrTransientDB, err)
	}
	if !size.Valid {
		return 0, nil
	}
	return size.Int64, nil
}
