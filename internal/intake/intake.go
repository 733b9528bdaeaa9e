// Package intake is the Event Intake (EI, §4.3): it drives the connector's
// GetEvent loop, resolves each event to a coalescing (request number, tape,
// pool) triple, throttles per pool, and dispatches to a bounded pool of QM
// workers.
package intake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"hsm-recall-core/internal/connector"
	"hsm-recall-core/internal/coreerrors"
	"hsm-recall-core/internal/fsobj"
	"hsm-recall-core/internal/queue"
	"hsm-recall-core/internal/ratelimit"
	"hsm-recall-core/internal/telemetry"
)

// Intake owns the connector session lifecycle and the AddJob dispatch pool.
type Intake struct {
	Connector   connector.Connector
	Opener      fsobj.Opener
	Filesystems []fsobj.ManagedFilesystem
	Mutator     *queue.Mutator
	Limiter     *ratelimit.TokenBucket // nil disables throttling
	MaxWorkers  int
	// PoolOf maps a tape id to its pool name, used as the rate-limit key and
	// written to the POOL column of the rows QM creates; request numbers are
	// still assigned per tape id. Defaults to the identity function (one pool
	// per tape) when nil, which is correct for deployments with no pool
	// grouping configured.
	PoolOf func(tapeID string) string

	reqNumSeq atomic.Int64

	mu      sync.Mutex
	tapeReq map[string]int64 // tapeID -> the request number currently coalescing events for it
}

func New(conn connector.Connector, opener fsobj.Opener, mutator *queue.Mutator, limiter *ratelimit.TokenBucket, maxWorkers int) *Intake {
	if maxWorkers <= 0 {
		maxWorkers = 16
	}
	return &Intake{
		Connector:  conn,
		Opener:     opener,
		Mutator:    mutator,
		Limiter:    limiter,
		MaxWorkers: maxWorkers,
		tapeReq:    make(map[string]int64),
	}
}

// Startup runs the EI startup protocol: open the connector session and
// re-attach every configured filesystem that is already HSM-managed,
// recording the session start time against it (§4.3 startup protocol).
// Configured filesystems that are not managed are left unchanged.
func (e *Intake) Startup(ctx context.Context) error {
	if err := e.Connector.InitTransRecalls(ctx); err != nil {
		return fmt.Errorf("intake startup: %w", err)
	}
	start, err := e.Connector.GetStartTime(ctx)
	if err != nil {
		return fmt.Errorf("intake startup: %w", err)
	}
	for _, fs := range e.Filesystems {
		managed, err := fs.IsFsManaged(ctx)
		if err != nil {
			return fmt.Errorf("intake startup: check managed: %w", err)
		}
		if !managed {
			continue
		}
		if err := fs.ManageFs(ctx, true, start); err != nil {
			return fmt.Errorf("intake startup: manage fs: %w", err)
		}
	}
	return nil
}

// Run drives the main event loop until ctx is cancelled, then drains
// in-flight work and runs CleanupEvents (§4.3 shutdown).
func (e *Intake) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	sem := make(chan struct{}, e.MaxWorkers)

	for {
		select {
		case <-ctx.Done():
			return e.shutdown(g)
		default:
		}

		ev, err := e.Connector.GetEvent(ctx)
		switch {
		case errors.Is(err, coreerrors.ErrSentinelEvent):
			// A non-blocking connector (e.g. the fake used outside a live
			// session) returns the sentinel immediately rather than
			// blocking; a real connector's GetEvent blocks until an event
			// or the session ends, so this sleep only throttles the idle
			// demo path.
			time.Sleep(20 * time.Millisecond)
			continue
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return e.shutdown(g)
		case err != nil:
			slog.Warn("intake: get event failed", "error", err)
			continue
		}

		correlationID := uuid.NewString()

		admission, tapeID, pool, ok := e.resolve(gctx, ev)
		if !ok {
			// Unresolvable event (bad FUID, missing attribute, etc): let QM
			// AddJob's own checks respond failed rather than duplicating
			// that logic here.
			admission.TapeID = ""
		}
		slog.Debug("intake: event resolved", "correlation_id", correlationID, "tape", tapeID, "pool", pool)

		if e.Limiter != nil && tapeID != "" {
			for {
				allowed, _, err := e.Limiter.Allow(gctx, "pool:"+pool)
				if err != nil || allowed {
					break
				}
				telemetry.RateLimitRejects.Inc()
				slog.Debug("intake: rate limited", "correlation_id", correlationID, "pool", pool)
				time.Sleep(10 * time.Millisecond)
			}
		}

		sem <- struct{}{}
		cid := correlationID
		g.Go(func() error {
			defer func() { <-sem }()
			if err := e.Mutator.AddJob(gctx, ev, admission); err != nil {
				slog.Warn("intake: add job failed", "correlation_id", cid, "error", err)
				return err
			}
			return nil
		})
	}
}

// resolve peeks the file's migration attribute to decide which tape (and
// therefore which coalescing request number) this event belongs to. It
// mirrors the checks QM.AddJob performs again inside its own transaction;
// duplicating the read here is what lets EI batch events per tape before a
// request row exists.
func (e *Intake) resolve(ctx context.Context, ev connector.Event) (queue.Admission, string, string, bool) {
	handle, err := e.Opener.Open(ctx, ev.FUID, ev.FileName)
	if err != nil {
		return queue.Admission{}, "", "", false
	}
	attr, err := handle.Attribute(ctx)
	if err != nil || len(attr.TapeID) == 0 {
		return queue.Admission{}, "", "", false
	}
	tapeID := attr.TapeID[0]
	pool := tapeID
	if e.PoolOf != nil {
		pool = e.PoolOf(tapeID)
	}

	e.mu.Lock()
	reqNum, ok := e.tapeReq[tapeID]
	if !ok {
		reqNum = e.reqNumSeq.Add(1)
		e.tapeReq[tapeID] = reqNum
	}
	e.mu.Unlock()

	return queue.Admission{
		ReqNum:    reqNum,
		Pool:      pool,
		TapeID:    tapeID,
		ReplIndex: 0,
		ReplCount: 1,
	}, tapeID, pool, true
}

// ForgetTape drops the cached request-number assignment for tapeID once its
// request has fully drained, so a later event picks a fresh request number
// instead of silently reviving a deleted row.
func (e *Intake) ForgetTape(tapeID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.tapeReq, tapeID)
}

func (e *Intake) shutdown(g *errgroup.Group) error {
	if err := g.Wait(); err != nil {
		slog.Warn("intake: worker pool drain error", "error", err)
	}
	ctx := context.Background()
	if err := e.Mutator.CleanupEvents(ctx); err != nil {
		return fmt.Errorf("intake shutdown: %w", err)
	}
	if err := e.Connector.EndTransRecalls(ctx); err != nil {
		return fmt.Errorf("intake shutdown: %w", err)
	}
	return nil
}
