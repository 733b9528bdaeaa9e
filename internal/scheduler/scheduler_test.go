package scheduler

import (
	"context"
	"testing"
	"time"

	connectorfake "hsm-recall-core/internal/connector/fake"
	"hsm-recall-core/internal/coordination"
	"hsm-recall-core/internal/eventlog"
	"hsm-recall-core/internal/fsobj"
	fsobjfake "hsm-recall-core/internal/fsobj/fake"
	"hsm-recall-core/internal/inventory"
	"hsm-recall-core/internal/models"
	"hsm-recall-core/internal/recall"
	"hsm-recall-core/internal/sched"
	"hsm-recall-core/internal/store"
)

type fakeMounter struct{}

func (fakeMounter) Mount(context.Context, string, string) error   { return nil }
func (fakeMounter) Unmount(context.Context, string, string) error { return nil }

type fakeTapeSource struct{ data map[string][]byte }

type memTapeFile struct{ data []byte }

func (m *memTapeFile) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(m.data)) {
		return 0, context.Canceled
	}
	return copy(p, m.data[off:]), nil
}
func (m *memTapeFile) Size() (int64, error) { return int64(len(m.data)), nil }
func (m *memTapeFile) Close() error         { return nil }

func (f *fakeTapeSource) Open(_ context.Context, _ string, path string) (recall.TapeFile, error) {
	return &memTapeFile{data: f.data[path]}, nil
}

func newTestScheduler(t *testing.T) (*Scheduler, *store.Store, *fsobjfake.Opener, *inventory.Inventory) {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(ctx, ":memory:", true)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := st.CreateTables(ctx); err != nil {
		t.Fatalf("create tables: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	inv := inventory.New(fakeMounter{})
	inv.AddCartridge(inventory.Cartridge{ID: "TAPE001", Slot: "SLOT1"})
	inv.AddDrive(inventory.Drive{ID: "DRIVE1"})

	opener := fsobjfake.NewOpener()
	conn := connectorfake.New()
	source := &fakeTapeSource{data: map[string][]byte{"fake-tape://TAPE001": []byte("x")}}
	exec := &recall.Executor{
		Store: st, Inventory: inv, Opener: opener, Connector: conn,
		TapeSource: func(string) recall.TapeSource { return source },
		FailedLog:  eventlog.New(10),
	}
	sch := New(st, inv, exec, sched.NewSignal(10*time.Millisecond), 4)
	return sch, st, opener, inv
}

func fuid(inum int64) models.FUID {
	return models.FUID{FsIDHigh: 1, FsIDLow: 1, IGen: 1, INum: inum}
}

func TestSweepAdmitsAndDrainsANewRequest(t *testing.T) {
	sch, st, opener, inv := newTestScheduler(t)
	ctx := context.Background()

	f := fuid(1)
	opener.Put(f, &fsobjfake.File{
		Stat:  fsobj.StatInfo{Mode: 0o100000, Size: 1},
		State: models.Migrated,
		Attr:  fsobj.MigAttr{TapeID: []string{"TAPE001"}},
	})
	if err := st.InsertJob(ctx, models.Job{
		Operation: models.TransparentRecall, ReqNum: 1, TargetState: models.Resident,
		FUID: f, TapeID: "TAPE001", FileState: models.Migrated, ConnInfo: 1,
	}); err != nil {
		t.Fatalf("insert job: %v", err)
	}
	if err := st.InsertRequest(ctx, models.Request{
		Operation: models.TransparentRecall, ReqNum: 1, TapeID: "TAPE001", ReplCount: 1,
	}); err != nil {
		t.Fatalf("insert request: %v", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- sch.Run(runCtx) }()

	deadline := time.Now().Add(400 * time.Millisecond)
	for time.Now().Before(deadline) {
		exists, err := st.RequestExists(ctx, 1, "TAPE001")
		if err == nil && !exists {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done

	exists, err := st.RequestExists(ctx, 1, "TAPE001")
	if err != nil || exists {
		t.Fatalf("expected the request drained and deleted, exists=%v err=%v", exists, err)
	}

	for _, d := range inv.Drives() {
		if d.Busy {
			t.Fatalf("expected drive freed after the sweep, got %+v", d)
		}
	}
}

func TestSuspendedTapeIsNotAdmitted(t *testing.T) {
	sch, st, opener, _ := newTestScheduler(t)
	ctx := context.Background()

	f := fuid(2)
	opener.Put(f, &fsobjfake.File{
		Stat:  fsobj.StatInfo{Mode: 0o100000, Size: 1},
		State: models.Migrated,
		Attr:  fsobj.MigAttr{TapeID: []string{"TAPE001"}},
	})
	if err := st.InsertJob(ctx, models.Job{
		Operation: models.TransparentRecall, ReqNum: 2, TargetState: models.Resident,
		FUID: f, TapeID: "TAPE001", FileState: models.Migrated, ConnInfo: 1,
	}); err != nil {
		t.Fatalf("insert job: %v", err)
	}
	if err := st.InsertRequest(ctx, models.Request{
		Operation: models.TransparentRecall, ReqNum: 2, TapeID: "TAPE001", ReplCount: 1,
	}); err != nil {
		t.Fatalf("insert request: %v", err)
	}

	sch.ApplySuspendCommand(coordination.Command{TapeID: "TAPE001", Suspend: true})
	sch.sweep(ctx, nil)

	started, err := st.TryStartRequest(ctx, 2, "TAPE001")
	if err != nil || !started {
		t.Fatalf("expected the request to remain NEW (unclaimed by the suspended sweep), started=%v err=%v", started, err)
	}
}
