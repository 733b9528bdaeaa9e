package store

import (
	"context"
	"errors"
	"testing"

	"hsm-recall-core/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	s, err := Open(ctx, ":memory:", true)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := s.CreateTables(ctx); err != nil {
		t.Fatalf("create tables: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleJob(reqNum int64, iNum int64, tapeID string) models.Job {
	return models.Job{
		Operation:   models.TransparentRecall,
		ReqNum:      reqNum,
		TargetState: models.Resident,
		FileSize:    1024,
		FUID:        models.FUID{FsIDHigh: 1, FsIDLow: 2, IGen: 1, INum: iNum},
		TapeID:      tapeID,
		FileState:   models.Migrated,
	}
}

func TestInsertJobRejectsDuplicateUID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	j := sampleJob(1, 42, "TAPE001")
	if err := s.InsertJob(ctx, j); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if err := s.InsertJob(ctx, j); err == nil {
		t.Fatalf("expected unique constraint violation on duplicate (fuid, repl) insert")
	} else if !IsUniqueViolation(err) {
		t.Fatalf("expected unique violation, got: %v", err)
	}
}

func TestSetRecallingAndSelectOrdersByStartBlock(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i, block := range []int64{30, 10, 20} {
		j := sampleJob(7, int64(100+i), "TAPE001")
		j.StartBlock = block
		if err := s.InsertJob(ctx, j); err != nil {
			t.Fatalf("insert job %d: %v", i, err)
		}
	}

	n, err := s.SetRecalling(ctx, 7, "TAPE001", models.Migrated, models.RecallingMig)
	if err != nil {
		t.Fatalf("set recalling: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 rows transitioned, got %d", n)
	}

	jobs, err := s.SelectRecallingJobs(ctx, 7, "TAPE001")
	if err != nil {
		t.Fatalf("select recalling jobs: %v", err)
	}
	if len(jobs) != 3 {
		t.Fatalf("expected 3 jobs, got %d", len(jobs))
	}
	// inserted at blocks 30,10,20 (inums 100,101,102); sorted by START_BLOCK
	// ascending that is blocks 10,20,30 -> inums 101,102,100.
	wantOrder := []int64{101, 102, 100}
	for i, j := range jobs {
		if j.FUID.INum != wantOrder[i] {
			t.Fatalf("job %d: expected inum %d, got %d (start block order violated)", i, wantOrder[i], j.FUID.INum)
		}
	}
}

func TestRequestLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	exists, err := s.RequestExists(ctx, 1, "TAPE001")
	if err != nil || exists {
		t.Fatalf("expected no request yet, exists=%v err=%v", exists, err)
	}

	req := models.Request{
		Operation: models.TransparentRecall,
		ReqNum:    1,
		TapeID:    "TAPE001",
		ReplCount: 1,
	}
	if err := s.InsertRequest(ctx, req); err != nil {
		t.Fatalf("insert request: %v", err)
	}

	started, err := s.TryStartRequest(ctx, 1, "TAPE001")
	if err != nil || !started {
		t.Fatalf("expected first start to succeed, started=%v err=%v", started, err)
	}

	// A second cycle must not be able to claim the same request concurrently
	// (invariant: one in-flight cycle per tape).
	started, err = s.TryStartRequest(ctx, 1, "TAPE001")
	if err != nil {
		t.Fatalf("second start: %v", err)
	}
	if started {
		t.Fatalf("expected second concurrent start to be rejected")
	}

	if err := s.DeleteRequest(ctx, 1, "TAPE001"); err != nil {
		t.Fatalf("delete request: %v", err)
	}
	exists, err = s.RequestExists(ctx, 1, "TAPE001")
	if err != nil || exists {
		t.Fatalf("expected request gone, exists=%v err=%v", exists, err)
	}
}

func TestCountRemainingJobsAndDeleteRecalling(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.InsertJob(ctx, sampleJob(2, 1, "TAPE002")); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := s.SetRecalling(ctx, 2, "TAPE002", models.Migrated, models.RecallingMig); err != nil {
		t.Fatalf("set recalling: %v", err)
	}

	n, err := s.CountRemainingJobs(ctx, 2, "TAPE002")
	if err != nil {
		t.Fatalf("count remaining: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 remaining job, got %d", n)
	}

	if err := s.DeleteRecallingJobs(ctx, 2, "TAPE002"); err != nil {
		t.Fatalf("delete recalling: %v", err)
	}
	n, err = s.CountRemainingJobs(ctx, 2, "TAPE002")
	if err != nil {
		t.Fatalf("count remaining after delete: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0 remaining jobs after drain, got %d", n)
	}
}

func TestWithTransactionReleasesMutexOnError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	errFn := errors.New("fn failed")
	err := s.WithTransaction(ctx, func(ctx context.Context) error {
		if err := s.InsertJob(ctx, sampleJob(3, 1, "TAPE003")); err != nil {
			return err
		}
		return errFn
	})
	if !errors.Is(err, errFn) {
		t.Fatalf("first transaction: expected fn's error, got %v", err)
	}

	// If the mutex were not released, this second transaction would hang
	// forever and trip go test's own timeout.
	if err := s.WithTransaction(ctx, func(ctx context.Context) error {
		return nil
	}); err != nil {
		t.Fatalf("second transaction: %v", err)
	}
}
