// Package queue is the Queue Mutator (QM, §4.4): it turns one intake event
// into JOB_QUEUE/REQUEST_QUEUE rows (or an immediate response, when no row
// is needed), and wakes the scheduler once new work has been committed.
package queue

import (
	"context"
	"fmt"
	"time"

	"hsm-recall-core/internal/connector"
	"hsm-recall-core/internal/coreerrors"
	"hsm-recall-core/internal/eventlog"
	"hsm-recall-core/internal/fsobj"
	"hsm-recall-core/internal/models"
	"hsm-recall-core/internal/sched"
	"hsm-recall-core/internal/store"
)

// Mutator is the QM. It is safe for concurrent use by EI's AddJob worker
// pool: every mutation runs inside a single PQS transaction.
type Mutator struct {
	Store     *store.Store
	Opener    fsobj.Opener
	Connector connector.Connector
	Signal    *sched.Signal
	FailedLog *eventlog.Log // nil disables recording
}

// Admission is everything EI has already decided about one event before
// handing it to QM: which request/tape this job coalesces into and how
// many replicas the request spans.
type Admission struct {
	ReqNum    int64
	Pool      string
	TapeID    string // the request's tape, assigned by EI; "" lets QM fill it from the file's own attribute
	ReplIndex int32
	ReplCount int32
}

// AddJob opens ev's file, decides whether it needs a recall at all, and
// either responds immediately (already resident, or the file/attribute is
// unusable) or persists a JOB_QUEUE/REQUEST_QUEUE row pair and wakes the
// scheduler. It never returns an error for ordinary per-file failures —
// those are reported to the connector as a failed response — only for PQS
// failures that leave the event unanswered.
func (m *Mutator) AddJob(ctx context.Context, ev connector.Event, admission Admission) error {
	targetState := models.Premigrated
	if ev.ToResident {
		targetState = models.Resident
	}

	handle, err := m.Opener.Open(ctx, ev.FUID, ev.FileName)
	if err != nil {
		return m.fail(ctx, ev, "open failed: "+err.Error())
	}

	stat, err := handle.Stat(ctx)
	if err != nil || !stat.IsRegular() {
		return m.fail(ctx, ev, "stat failed or not a regular file")
	}

	state, err := handle.MigState(ctx)
	if err != nil {
		return m.fail(ctx, ev, "migration state lookup failed: "+err.Error())
	}

	// Resident-shortcut: nothing to recall, and a file already at the
	// requested state needs no tape I/O either.
	if state == models.Resident || state == targetState {
		return m.respond(ctx, ev.ConnInfo, true)
	}
	if state != models.Migrated && state != models.Premigrated {
		return m.fail(ctx, ev, "unexpected migration state "+state.String())
	}

	attr, err := handle.Attribute(ctx)
	if err != nil || len(attr.TapeID) == 0 {
		return m.fail(ctx, ev, "missing migration attribute")
	}
	tapeID := admission.TapeID
	if tapeID == "" {
		tapeID = attr.TapeID[0]
	}

	now := time.Now()
	job := models.Job{
		Operation:   models.TransparentRecall,
		ReqNum:      admission.ReqNum,
		TargetState: targetState,
		ReplIndex:   admission.ReplIndex,
		Pool:        admission.Pool,
		FileSize:    stat.Size,
		FUID:        ev.FUID,
		MTimeSec:    stat.MTimeS,
		MTimeNsec:   stat.MTimeNs,
		LastUpdate:  now.Unix(),
		TapeID:      tapeID,
		FileState:   state,
		ConnInfo:    ev.ConnInfo,
	}
	if ev.FileName != "" {
		name := ev.FileName
		job.FileName = &name
	}

	err = m.Store.WithTransaction(ctx, func(ctx context.Context) error {
		if insertErr := m.Store.InsertJob(ctx, job); insertErr != nil {
			if store.IsUniqueViolation(insertErr) {
				return nil
			}
			return insertErr
		}
		exists, existsErr := m.Store.RequestExists(ctx, admission.ReqNum, tapeID)
		if existsErr != nil {
			return existsErr
		}
		if !exists {
			req := models.Request{
				Operation:   models.TransparentRecall,
				ReqNum:      admission.ReqNum,
				TargetState: targetState,
				ReplCount:   admission.ReplCount,
				ReplIndex:   admission.ReplIndex,
				Pool:        admission.Pool,
				TapeID:      tapeID,
				TimeAdded:   now,
			}
			return m.Store.InsertRequest(ctx, req)
		}
		// A request row already exists, whether NEW, IN_PROGRESS, or
		// COMPLETED; revive it to NEW unconditionally so the scheduler picks
		// it up again. This is safe even while a worker already has the
		// tape in flight: the scheduler's tryClaim/release map, not
		// REQUEST_QUEUE.STATE, is what prevents two RCX workers from
		// dispatching the same tape concurrently.
		return m.Store.ReviveRequest(ctx, admission.ReqNum, tapeID)
	})
	if err != nil {
		return fmt.Errorf("add job: %w", err)
	}

	m.Signal.Broadcast()
	return nil
}

func (m *Mutator) respond(ctx context.Context, connInfo int64, succeeded bool) error {
	if err := m.Connector.RespondRecallEvent(ctx, connInfo, succeeded); err != nil {
		return fmt.Errorf("respond recall event: %w", err)
	}
	return nil
}

func (m *Mutator) fail(ctx context.Context, ev connector.Event, reason string) error {
	if m.FailedLog != nil {
		m.FailedLog.Record(eventlog.Entry{FileName: ev.FileName, Reason: reason, At: time.Now()})
	}
	return m.respond(ctx, ev.ConnInfo, false)
}

// CleanupEvents answers `failed` to every outstanding transparent-recall job
// still queued at shutdown, so the connector's caller never blocks waiting
// on an event this core will not service again (§4.4 shutdown step,
// event-response-completeness property).
func (m *Mutator) CleanupEvents(ctx context.Context) error {
	jobs, err := m.Store.SelectAllJobs(ctx, models.TransparentRecall)
	if err != nil {
		return err
	}
	for _, j := range jobs {
		if m.FailedLog != nil {
			entry := eventlog.Entry{Reason: "unanswered at shutdown", At: time.Now()}
			if j.FileName != nil {
				entry.FileName = *j.FileName
			}
			m.FailedLog.Record(entry)
		}
		if err := m.Connector.RespondRecallEvent(ctx, j.ConnInfo, false); err != nil {
			return fmt.Errorf("%w: cleanup events: %v", coreerrors.ErrTransientDB, err)
		}
	}
	return nil
}
