// Package fsobj declares the narrow filesystem abstraction (FsObj) the
// core needs and is implemented outside this repository (§6): stat,
// migration-state inspection, the tape-backed path, and the
// prepare/write/finish-recall write path. A process-wide fake
// implementation lives in fsobj/fake for tests.
package fsobj

import (
	"context"
	"time"

	"hsm-recall-core/internal/models"
)

// MigAttr is the migration attribute read from a premigrated/migrated
// file: every tape it currently lives on, most-preferred first. Only
// TapeID[0] is consulted by this core (§4.3 step 6 — no cross-replica
// optimization).
type MigAttr struct {
	TapeID []string
}

// StatInfo is the subset of stat(2) the core consults.
type StatInfo struct {
	Mode    uint32 // os.FileMode-compatible bits; IsRegular() below checks S_IFREG
	Size    int64
	MTimeS  int64
	MTimeNs int64
}

func (s StatInfo) IsRegular() bool {
	const sIFMT = 0o170000
	const sIFREG = 0o100000
	return s.Mode&sIFMT == sIFREG
}

// Handle is the per-file handle the Locker/Reader/Writer methods below
// operate on. Obtaining one does not perform I/O.
type Handle interface {
	// Stat mirrors stat(2) on the live (disk) copy.
	Stat(ctx context.Context) (StatInfo, error)

	// MigState returns the file's current migration state.
	MigState(ctx context.Context) (models.FileState, error)

	// Attribute returns the migration attribute; callers only reach this
	// once MigState has reported MIGRATED or PREMIGRATED.
	Attribute(ctx context.Context) (MigAttr, error)

	// TapePath resolves the tape-backed path for tapeID (§6).
	TapePath(ctx context.Context, tapeID string) (string, error)

	// Lock takes the per-file exclusive lock for the duration of a single
	// recall() call (§4.6, §5 shared resources) and returns an unlock func.
	Lock(ctx context.Context) (unlock func(), err error)

	// PrepareRecall readies the filesystem object to receive bytes.
	PrepareRecall(ctx context.Context) error

	// Write writes size bytes from buf at offset into the live copy.
	Write(ctx context.Context, offset int64, buf []byte) (int, error)

	// FinishRecall commits the live copy to toState.
	FinishRecall(ctx context.Context, toState models.FileState) error

	// RemoveAttribute drops the migration attribute once a file has fully
	// converged to RESIDENT.
	RemoveAttribute(ctx context.Context) error
}

// Opener resolves a FUID (plus the filename carried on the event, which may
// be empty) into a Handle. Implementations outside this repository may
// open by path, by (fsid, inode) pair, or both.
type Opener interface {
	Open(ctx context.Context, fuid models.FUID, fileName string) (Handle, error)
}

// ManagedFilesystem is consulted once at EI startup for each configured
// filesystem (§4.3 startup protocol).
type ManagedFilesystem interface {
	IsFsManaged(ctx context.Context) (bool, error)
	ManageFs(ctx context.Context, managed bool, startTime time.Time) error
}
