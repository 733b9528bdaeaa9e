package recall

import (
	"context"
	"fmt"
	"io"

	"golang.org/x/sys/unix"
)

// TapeFile is an open tape-backed descriptor: readable at arbitrary
// offsets (recall() drives the offset itself rather than relying on a
// running cursor) and reportable for its on-tape size, which may diverge
// from the filesystem's recorded size (§4.6 size-mismatch handling).
type TapeFile interface {
	io.ReaderAt
	Size() (int64, error)
	Close() error
}

// TapeSource opens the tape-backed path for a (tapeID, path) pair. Two
// implementations exist: LocalTapeSource for a directly-attached tape
// drive's block device path, and cloudtape.Source for a cloud-tier pool
// backed by S3-compatible object storage (SPEC_FULL.md §4.6 domain-stack
// addition).
type TapeSource interface {
	Open(ctx context.Context, tapeID, path string) (TapeFile, error)
}

// LocalTapeSource opens the tape-backed path with O_RDWR|O_CLOEXEC via
// golang.org/x/sys/unix, matching "opened with read/write and
// close-on-exec" in §6: os.OpenFile has no portable way to request
// O_CLOEXEC explicitly, so the raw POSIX open call is used directly.
type LocalTapeSource struct{}

func (LocalTapeSource) Open(_ context.Context, _ string, path string) (TapeFile, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open tape path %s: %w", path, err)
	}
	return &localTapeFile{fd: fd, path: path}, nil
}

type localTapeFile struct {
	fd   int
	path string
}

func (f *localTapeFile) ReadAt(p []byte, off int64) (int, error) {
	n, err := unix.Pread(f.fd, p, off)
	if err != nil {
		return n, fmt.Errorf("read tape path %s: %w", f.path, err)
	}
	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}

func (f *localTapeFile) Size() (int64, error) {
	var st unix.Stat_t
	if err := unix.Fstat(f.fd, &st); err != nil {
		return 0, fmt.Errorf("fstat tape path %s: %w", f.path, err)
	}
	return st.Size, nil
}

func (f *localTapeFile) Close() error {
	return unix.Close(f.fd)
}
