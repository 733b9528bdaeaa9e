// Package recall is the Recall Executor (RCX, §4.6): it moves bytes from a
// mounted tape (or a cloud-tier object) back onto a filesystem for one tape
// worth of coalesced jobs, then frees the drive and decides whether the
// request has more work waiting.
package recall

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"hsm-recall-core/internal/connector"
	"hsm-recall-core/internal/coreerrors"
	"hsm-recall-core/internal/eventlog"
	"hsm-recall-core/internal/fsobj"
	"hsm-recall-core/internal/inventory"
	"hsm-recall-core/internal/models"
	"hsm-recall-core/internal/store"
	"hsm-recall-core/internal/telemetry"
)

// Executor is the per-tape worker described in §4.6 and §5 (one RCX worker
// bound to a request's tape for the duration of a recall cycle).
type Executor struct {
	Store      *store.Store
	Inventory  *inventory.Inventory
	Opener     fsobj.Opener
	Connector  connector.Connector
	// TapeSource picks the reader for a recall. copyBytes calls it with the
	// request's tape id, which is the pool name under intake's default
	// one-pool-per-tape mapping; a PoolOf that groups several tapes into
	// one pool is not consulted here.
	TapeSource func(pool string) TapeSource
	BufSize    int
	FailedLog  *eventlog.Log // nil disables recording
}

// Result summarizes one ExecRequest cycle for the caller's telemetry/logging.
type Result struct {
	Recalled int
	Failed   int
	Revived  bool
}

// ExecRequest runs process_files for (reqNum, tapeID), then frees the drive
// holding slot and decides whether the request is fully drained (§4.6
// steps 1-4). The remaining-job count and the resulting revive or delete
// run inside one PQS write transaction, which serializes them against QM's
// AddJob transaction: a job QM committed first is counted and the request
// revived; a job QM commits after the delete finds no request row and QM
// creates a new one.
func (e *Executor) ExecRequest(ctx context.Context, reqNum int64, tapeID, slot string) (Result, error) {
	res, err := e.processFiles(ctx, reqNum, tapeID)
	if err != nil {
		return res, err
	}

	if err := e.Inventory.SetCartridgeState(tapeID, inventory.TapeMounted); err != nil {
		return res, fmt.Errorf("exec request: %w", err)
	}
	drive, err := e.Inventory.DriveHoldingSlot(slot)
	if err != nil {
		return res, fmt.Errorf("exec request: %w", err)
	}
	if err := e.Inventory.SetFree(drive.ID); err != nil {
		return res, fmt.Errorf("exec request: %w", err)
	}

	err = e.Store.WithTransaction(ctx, func(ctx context.Context) error {
		remaining, err := e.Store.CountRemainingJobs(ctx, reqNum, tapeID)
		if err != nil {
			return err
		}
		if remaining > 0 {
			if err := e.Store.ReviveRequest(ctx, reqNum, tapeID); err != nil {
				return err
			}
			res.Revived = true
			return nil
		}
		return e.Store.DeleteRequest(ctx, reqNum, tapeID)
	})
	return res, err
}

// processFiles transitions every MIGRATED/PREMIGRATED job queued against
// (reqNum, tapeID) into its RECALLING_* counterpart, drains them in
// monotone tape-head order, and responds to each originating event exactly
// once regardless of outcome (§4.6 step 1, §8 event-response-completeness
// property).
func (e *Executor) processFiles(ctx context.Context, reqNum int64, tapeID string) (Result, error) {
	if _, err := e.Store.SetRecalling(ctx, reqNum, tapeID, models.Migrated, models.RecallingMig); err != nil {
		return Result{}, err
	}
	if _, err := e.Store.SetRecalling(ctx, reqNum, tapeID, models.Premigrated, models.RecallingPremig); err != nil {
		return Result{}, err
	}

	jobs, err := e.Store.SelectRecallingJobs(ctx, reqNum, tapeID)
	if err != nil {
		return Result{}, err
	}

	var res Result
	for _, j := range jobs {
		succeeded := e.recallOne(ctx, j, tapeID)
		if succeeded {
			res.Recalled++
			telemetry.JobsRecalledTotal.Inc()
		} else {
			res.Failed++
			telemetry.JobsFailedTotal.Inc()
		}
		if err := e.Connector.RespondRecallEvent(ctx, j.ConnInfo, succeeded); err != nil {
			return res, fmt.Errorf("respond recall event: %w", err)
		}
	}

	if err := e.Store.DeleteRecallingJobs(ctx, reqNum, tapeID); err != nil {
		return res, err
	}
	return res, nil
}

// recallOne moves one file's bytes from tape onto disk. It never returns an
// error directly to the caller: any failure short-circuits to a false
// (failed) result so processFiles can still respond to every event and
// drain the RECALLING_* rows for the rest of the batch.
func (e *Executor) recallOne(ctx context.Context, j store.RecallingJob, tapeID string) bool {
	fileName := ""
	if j.FileName != nil {
		fileName = *j.FileName
	}
	fail := func(reason string) bool {
		if e.FailedLog != nil {
			e.FailedLog.Record(eventlog.Entry{TapeID: tapeID, FileName: fileName, Reason: reason, At: time.Now()})
		}
		return false
	}

	handle, err := e.Opener.Open(ctx, j.FUID, fileName)
	if err != nil {
		return fail("open failed: " + err.Error())
	}

	unlock, err := handle.Lock(ctx)
	if err != nil {
		return fail("lock failed: " + err.Error())
	}
	defer unlock()

	state, err := handle.MigState(ctx)
	if err != nil {
		return fail("migration state lookup failed: " + err.Error())
	}
	if state != models.Migrated && state != models.Premigrated {
		// Reactivation raced a concurrent recall that already finished this
		// file; treat as success (idempotent reactivation, §8).
		return true
	}

	if err := e.copyBytes(ctx, handle, &j, tapeID); err != nil {
		return fail(err.Error())
	}

	if err := handle.FinishRecall(ctx, j.TargetState); err != nil {
		return fail("finish recall failed: " + err.Error())
	}
	if j.TargetState == models.Resident {
		if err := handle.RemoveAttribute(ctx); err != nil {
			return fail("remove attribute failed: " + err.Error())
		}
	}
	return true
}

// copyBytes performs the fixed-buffer read-from-tape/write-to-disk loop.
// The on-tape size may diverge from the filesystem's recorded size (a
// migration that raced a truncate/append); when it does, the copy clamps to
// the smaller of the two and forces j.TargetState to RESIDENT, since a
// size-mismatched recall can never be a valid premigration.
func (e *Executor) copyBytes(ctx context.Context, handle fsobj.Handle, j *store.RecallingJob, tapeID string) error {
	attr, err := handle.Attribute(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", coreerrors.ErrFilesystem, err)
	}
	if len(attr.TapeID) == 0 {
		return fmt.Errorf("%w: no tape id on migration attribute", coreerrors.ErrFilesystem)
	}
	sourceTapeID := attr.TapeID[0]

	path, err := handle.TapePath(ctx, sourceTapeID)
	if err != nil {
		return fmt.Errorf("%w: %v", coreerrors.ErrTapeIO, err)
	}

	source := e.TapeSource(tapeID)
	tf, err := source.Open(ctx, sourceTapeID, path)
	if err != nil {
		return fmt.Errorf("%w: %v", coreerrors.ErrTapeIO, err)
	}
	defer tf.Close()

	tapeSize, err := tf.Size()
	if err != nil {
		return fmt.Errorf("%w: %v", coreerrors.ErrTapeIO, err)
	}

	stat, err := handle.Stat(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", coreerrors.ErrFilesystem, err)
	}
	total := stat.Size
	if tapeSize != total {
		slog.Warn("tape size differs from filesystem size, forcing resident",
			"tape_id", tapeID, "tape_size", tapeSize, "fs_size", stat.Size)
		j.TargetState = models.Resident
		if tapeSize < total {
			total = tapeSize
		}
	}

	if err := handle.PrepareRecall(ctx); err != nil {
		return fmt.Errorf("%w: %v", coreerrors.ErrFilesystem, err)
	}

	buf := make([]byte, e.bufSize())
	var off int64
	for off < total {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", coreerrors.ErrForcedTerminate, ctx.Err())
		default:
		}

		n := len(buf)
		if remaining := total - off; int64(n) > remaining {
			n = int(remaining)
		}
		read, err := tf.ReadAt(buf[:n], off)
		if read == 0 && err != nil {
			return fmt.Errorf("%w: %v", coreerrors.ErrTapeIO, err)
		}
		written, err := handle.Write(ctx, off, buf[:read])
		if err != nil {
			return fmt.Errorf("%w: %v", coreerrors.ErrFilesystem, err)
		}
		if written != read {
			return fmt.Errorf("%w: short write %d of %d bytes", coreerrors.ErrFilesystem, written, read)
		}
		telemetry.BytesRecalledTotal.Add(float64(read))
		off += int64(read)
	}
	return nil
}

func (e *Executor) bufSize() int {
	if e.BufSize <= 0 {
		return 262144
	}
	return e.BufSize
}
