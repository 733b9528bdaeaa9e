package recall

import (
	"context"
	"errors"
	"testing"

	connectorfake "hsm-recall-core/internal/connector/fake"
	"hsm-recall-core/internal/eventlog"
	"hsm-recall-core/internal/fsobj"
	fsobjfake "hsm-recall-core/internal/fsobj/fake"
	"hsm-recall-core/internal/inventory"
	"hsm-recall-core/internal/models"
	"hsm-recall-core/internal/store"
)

type memTapeFile struct {
	data []byte
}

func (m *memTapeFile) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(m.data)) {
		return 0, errors.New("eof")
	}
	n := copy(p, m.data[off:])
	return n, nil
}

func (m *memTapeFile) Size() (int64, error) { return int64(len(m.data)), nil }
func (m *memTapeFile) Close() error         { return nil }

type fakeTapeSource struct {
	data map[string][]byte
}

func (f *fakeTapeSource) Open(_ context.Context, _ string, path string) (TapeFile, error) {
	d, ok := f.data[path]
	if !ok {
		return nil, errors.New("no such tape path")
	}
	return &memTapeFile{data: d}, nil
}

type fakeMounter struct{}

func (fakeMounter) Mount(context.Context, string, string) error   { return nil }
func (fakeMounter) Unmount(context.Context, string, string) error { return nil }

func newTestExecutor(t *testing.T) (*Executor, *store.Store, *fsobjfake.Opener, *connectorfake.Connector, *inventory.Inventory) {
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
	inv.AddDrive(inventory.Drive{ID: "DRIVE1", Slot: "SLOT1", Busy: true})

	opener := fsobjfake.NewOpener()
	conn := connectorfake.New()

	source := &fakeTapeSource{data: map[string][]byte{
		"fake-tape://TAPE001": []byte("hello world, this is tape data"),
	}}

	exec := &Executor{
		Store:      st,
		Inventory:  inv,
		Opener:     opener,
		Connector:  conn,
		TapeSource: func(string) TapeSource { return source },
		FailedLog:  eventlog.New(10),
	}
	return exec, st, opener, conn, inv
}

func fuid(inum int64) models.FUID {
	return models.FUID{FsIDHigh: 1, FsIDLow: 1, IGen: 1, INum: inum}
}

func TestExecRequestRecallsFileAndFreesTheDrive(t *testing.T) {
	exec, st, opener, conn, inv := newTestExecutor(t)
	ctx := context.Background()

	f := fuid(1)
	opener.Put(f, &fsobjfake.File{
		Stat:  fsobj.StatInfo{Mode: 0o100000, Size: 31},
		State: models.Migrated,
		Attr:  fsobj.MigAttr{TapeID: []string{"TAPE001"}},
	})
	job := models.Job{
		Operation: models.TransparentRecall, ReqNum: 1, TargetState: models.Resident,
		FUID: f, TapeID: "TAPE001", FileState: models.Migrated, ConnInfo: 55,
	}
	if err := st.InsertJob(ctx, job); err != nil {
		t.Fatalf("insert job: %v", err)
	}
	req := models.Request{Operation: models.TransparentRecall, ReqNum: 1, TapeID: "TAPE001", ReplCount: 1}
	if err := st.InsertRequest(ctx, req); err != nil {
		t.Fatalf("insert request: %v", err)
	}
	if _, err := st.TryStartRequest(ctx, 1, "TAPE001"); err != nil {
		t.Fatalf("try start request: %v", err)
	}

	res, err := exec.ExecRequest(ctx, 1, "TAPE001", "SLOT1")
	if err != nil {
		t.Fatalf("exec request: %v", err)
	}
	if res.Recalled != 1 || res.Failed != 0 {
		t.Fatalf("expected 1 recalled 0 failed, got %+v", res)
	}
	if len(conn.Responses) != 1 || !conn.Responses[0].Succeeded || conn.Responses[0].ConnInfo != 55 {
		t.Fatalf("expected one successful response, got %+v", conn.Responses)
	}

	drive := inv.Drives()[0]
	if drive.Busy {
		t.Fatalf("expected drive freed after recall cycle")
	}

	exists, err := st.RequestExists(ctx, 1, "TAPE001")
	if err != nil || exists {
		t.Fatalf("expected request deleted once drained, exists=%v err=%v", exists, err)
	}
}

func TestExecRequestClampsToSmallerTapeSize(t *testing.T) {
	exec, st, opener, _, _ := newTestExecutor(t)
	ctx := context.Background()

	f := fuid(2)
	file := &fsobjfake.File{
		// The filesystem believes the file is much larger than what's
		// actually on tape; the copy must clamp to the tape's size rather
		// than reading (or writing) past it.
		Stat:  fsobj.StatInfo{Mode: 0o100000, Size: 999999},
		State: models.Migrated,
		Attr:  fsobj.MigAttr{TapeID: []string{"TAPE001"}},
	}
	opener.Put(f, file)
	job := models.Job{
		Operation: models.TransparentRecall, ReqNum: 2, TargetState: models.Resident,
		FUID: f, TapeID: "TAPE001", FileState: models.Migrated, ConnInfo: 1,
	}
	if err := st.InsertJob(ctx, job); err != nil {
		t.Fatalf("insert job: %v", err)
	}
	req := models.Request{Operation: models.TransparentRecall, ReqNum: 2, TapeID: "TAPE001", ReplCount: 1}
	if err := st.InsertRequest(ctx, req); err != nil {
		t.Fatalf("insert request: %v", err)
	}
	if _, err := st.TryStartRequest(ctx, 2, "TAPE001"); err != nil {
		t.Fatalf("try start request: %v", err)
	}

	res, err := exec.ExecRequest(ctx, 2, "TAPE001", "SLOT1")
	if err != nil {
		t.Fatalf("exec request: %v", err)
	}
	if res.Recalled != 1 {
		t.Fatalf("expected the clamped copy to still succeed, got %+v", res)
	}
	if len(file.LiveData) != len("hello world, this is tape data") {
		t.Fatalf("expected the copy clamped to the tape's size, got %d bytes", len(file.LiveData))
	}
}

func TestRecallOneReturnsFailureOnOpenError(t *testing.T) {
	exec, st, _, conn, _ := newTestExecutor(t)
	ctx := context.Background()

	f := fuid(3) // never registered with the opener
	job := models.Job{
		Operation: models.TransparentRecall, ReqNum: 3, TargetState: models.Resident,
		FUID: f, TapeID: "TAPE001", FileState: models.Migrated, ConnInfo: 9,
	}
	if err := st.InsertJob(ctx, job); err != nil {
		t.Fatalf("insert job: %v", err)
	}
	req := models.Request{Operation: models.TransparentRecall, ReqNum: 3, TapeID: "TAPE001", ReplCount: 1}
	if err := st.InsertRequest(ctx, req); err != nil {
		t.Fatalf("insert request: %v", err)
	}
	if _, err := st.TryStartRequest(ctx, 3, "TAPE001"); err != nil {
		t.Fatalf("try start request: %v", err)
	}

	res, err := exec.ExecRequest(ctx, 3, "TAPE001", "SLOT1")
	if err != nil {
		t.Fatalf("exec request: %v", err)
	}
	if res.Failed != 1 || res.Recalled != 0 {
		t.Fatalf("expected 1 failed 0 recalled, got %+v", res)
	}
	if len(conn.Responses) != 1 || conn.Responses[0].Succeeded {
		t.Fatalf("expected a failed response, got %+v", conn.Responses)
	}
	if exec.FailedLog.Len() != 1 {
		t.Fatalf("expected the open failure recorded, got %d entries", exec.FailedLog.Len())
	}
}

func TestCopyBytesRespectsForcedTermination(t *testing.T) {
	exec, _, opener, _, _ := newTestExecutor(t)
	f := fuid(4)
	opener.Put(f, &fsobjfake.File{
		Stat:  fsobj.StatInfo{Mode: 0o100000, Size: 31},
		State: models.Migrated,
		Attr:  fsobj.MigAttr{TapeID: []string{"TAPE001"}},
	})
	exec.BufSize = 1 // force multiple loop iterations so cancellation is observed

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	handle, err := opener.Open(context.Background(), f, "")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	job := store.RecallingJob{FUID: f, TargetState: models.Resident}
	if err := exec.copyBytes(ctx, handle, &job, "TAPE001"); err == nil {
		t.Fatalf("expected forced termination error on a cancelled context")
	}
}

func TestExecRequestForcesResidentOnSizeMismatch(t *testing.T) {
	exec, st, opener, _, _ := newTestExecutor(t)
	ctx := context.Background()

	f := fuid(5)
	file := &fsobjfake.File{
		// The filesystem believes the file is smaller than what's on tape
		// (31 bytes); a premigration target can't survive a mismatched
		// recall, so this must finish RESIDENT regardless of the requested
		// target state.
		Stat:  fsobj.StatInfo{Mode: 0o100000, Size: 5},
		State: models.Premigrated,
		Attr:  fsobj.MigAttr{TapeID: []string{"TAPE001"}},
	}
	opener.Put(f, file)
	job := models.Job{
		Operation: models.TransparentRecall, ReqNum: 5, TargetState: models.Premigrated,
		FUID: f, TapeID: "TAPE001", FileState: models.Premigrated, ConnInfo: 1,
	}
	if err := st.InsertJob(ctx, job); err != nil {
		t.Fatalf("insert job: %v", err)
	}
	req := models.Request{Operation: models.TransparentRecall, ReqNum: 5, TapeID: "TAPE001", ReplCount: 1}
	if err := st.InsertRequest(ctx, req); err != nil {
		t.Fatalf("insert request: %v", err)
	}
	if _, err := st.TryStartRequest(ctx, 5, "TAPE001"); err != nil {
		t.Fatalf("try start request: %v", err)
	}

	res, err := exec.ExecRequest(ctx, 5, "TAPE001", "SLOT1")
	if err != nil {
		t.Fatalf("exec request: %v", err)
	}
	if res.Recalled != 1 {
		t.Fatalf("expected the size-mismatched copy to still succeed, got %+v", res)
	}
	if file.State != models.Resident {
		t.Fatalf("expected a size mismatch to force the file resident, got state %v", file.State)
	}
}
