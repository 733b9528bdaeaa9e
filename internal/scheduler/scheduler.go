// Package scheduler is SCH (§4.5): the admission loop that turns NEW
// requests into mounted tapes and dispatches RCX workers, cooperating with
// QM's wakeup signal and, across instances sharing a library, a Redis
// suspend/resume broadcast.
package scheduler

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"hsm-recall-core/internal/coordination"
	"hsm-recall-core/internal/inventory"
	"hsm-recall-core/internal/models"
	"hsm-recall-core/internal/recall"
	"hsm-recall-core/internal/sched"
	"hsm-recall-core/internal/store"
	"hsm-recall-core/internal/telemetry"
)

// Scheduler is one instance's admission loop.
type Scheduler struct {
	Store     *store.Store
	Inventory *inventory.Inventory
	Executor  *recall.Executor
	Signal    *sched.Signal

	// MaxInFlight bounds concurrent RCX workers (one per tape being drained).
	MaxInFlight int

	mu         sync.Mutex
	suspended  map[string]bool // tapeID -> suspended
	inFlight   map[string]bool // tapeID -> a worker is currently draining it
}

func New(st *store.Store, inv *inventory.Inventory, exec *recall.Executor, signal *sched.Signal, maxInFlight int) *Scheduler {
	if maxInFlight <= 0 {
		maxInFlight = 8
	}
	return &Scheduler{
		Store:       st,
		Inventory:   inv,
		Executor:    exec,
		Signal:      signal,
		MaxInFlight: maxInFlight,
		suspended:   make(map[string]bool),
		inFlight:    make(map[string]bool),
	}
}

// ApplySuspendCommand is wired to a coordination.Broadcaster subscription so
// every instance's local suspend_map stays consistent (§4.5 distributed
// suspend/resume).
func (s *Scheduler) ApplySuspendCommand(cmd coordination.Command) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cmd.Suspend {
		s.suspended[cmd.TapeID] = true
	} else {
		delete(s.suspended, cmd.TapeID)
	}
}

func (s *Scheduler) isSuspended(tapeID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.suspended[tapeID]
}

// Run is the cooperative admission loop: wait for a signal, sweep NEW
// requests oldest-first, admit whatever the inventory allows, and repeat.
// It returns when ctx is cancelled, after every dispatched worker returns.
func (s *Scheduler) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for {
		select {
		case <-ctx.Done():
			return g.Wait()
		default:
		}

		s.sweep(gctx, g)
		s.Signal.Wait(ctx)
	}
}

// sweep admits as many NEW requests as the inventory currently allows,
// dispatching one RCX worker per admitted tape.
func (s *Scheduler) sweep(ctx context.Context, g *errgroup.Group) {
	requests, err := s.Store.SelectNewRequests(ctx, models.TransparentRecall)
	if err != nil {
		slog.Warn("scheduler: select new requests failed", "error", err)
		return
	}
	telemetry.RequestsQueuedGauge.Set(float64(len(requests)))

	busy := 0
	for _, d := range s.Inventory.Drives() {
		if d.Busy {
			busy++
		}
	}
	telemetry.DrivesBusyGauge.Set(float64(busy))

	for _, req := range requests {
		if s.isSuspended(req.TapeID) {
			continue
		}
		if !s.tryClaim(req.TapeID) {
			continue
		}

		drive, slot, err := s.admit(ctx, req)
		if err != nil {
			s.release(req.TapeID)
			slog.Warn("scheduler: admission failed", "tape", req.TapeID, "error", err)
			continue
		}
		if drive == "" {
			// No drive available right now; leave the request NEW and try
			// again on the next wakeup.
			s.release(req.TapeID)
			continue
		}

		started, err := s.Store.TryStartRequest(ctx, req.ReqNum, req.TapeID)
		if err != nil || !started {
			s.release(req.TapeID)
			if err != nil {
				slog.Warn("scheduler: try start request failed", "error", err)
			}
			continue
		}

		reqNum, tapeID, slotCopy := req.ReqNum, req.TapeID, slot
		g.Go(func() error {
			defer s.release(tapeID)
			res, err := s.Executor.ExecRequest(ctx, reqNum, tapeID, slotCopy)
			if err != nil {
				slog.Warn("scheduler: exec request failed", "tape", tapeID, "error", err)
				return nil
			}
			if res.Revived {
				s.Signal.Broadcast()
			}
			return nil
		})
	}
}

// admit picks (or mounts) a drive for req's tape and marks it busy. It
// returns an empty driveID, nil error when no drive is currently free —
// that is a normal backpressure condition, not a failure.
func (s *Scheduler) admit(ctx context.Context, req models.Request) (driveID, slot string, err error) {
	cart, ok := s.Inventory.GetCartridge(req.TapeID)
	if !ok {
		return "", "", nil
	}
	slot = cart.Slot

	if drive, ok := s.Inventory.FreeDriveForSlot(slot); ok {
		if err := s.Inventory.MarkBusy(drive.ID); err != nil {
			return "", "", err
		}
		return drive.ID, slot, nil
	}

	if cart.State == inventory.TapeMounted {
		// Mounted but its drive is busy with another request; wait.
		return "", "", nil
	}

	drive, ok := s.Inventory.AnyFreeDrive()
	if !ok {
		return "", "", nil
	}
	if err := s.Inventory.MarkBusy(drive.ID); err != nil {
		return "", "", err
	}
	if err := s.Inventory.Mount(ctx, drive.ID, req.TapeID); err != nil {
		_ = s.Inventory.SetFree(drive.ID)
		return "", "", err
	}
	return drive.ID, slot, nil
}

func (s *Scheduler) tryClaim(tapeID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFlight[tapeID] {
		return false
	}
	if len(s.inFlight) >= s.MaxInFlight {
		return false
	}
	s.inFlight[tapeID] = true
	return true
}

func (s *Scheduler) release(tapeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, tapeID)
}
