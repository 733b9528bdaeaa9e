package store

import (
	"sync"

	"github.com/mattn/go-sqlite3"
)

// fitsAccumulator is the side-effected state behind the FITS(inode, size)
// scalar predicate. The original engine smuggled three C pointers through
// integer columns; here the accumulator is a plain struct the Store resets
// before issuing an admission query and reads back afterward, guarded by
// its own mutex.
type fitsAccumulator struct {
	mu       sync.Mutex
	free     int64
	numFound int64
	total    int64
}

func (f *fitsAccumulator) reset(free int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.free = free
	f.numFound = 0
	f.total = 0
}

func (f *fitsAccumulator) snapshot() (numFound, total int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.numFound, f.total
}

// fits implements the FITS(inode, size) predicate: it decrements the
// remaining free-capacity accumulator by size and counts the candidate as
// found when it still fits, otherwise only counts it as considered.
func (f *fitsAccumulator) fits(_ int64, size int64) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.total++
	if f.free >= size {
		f.free -= size
		f.numFound++
		return 1
	}
	return 0
}

// registerFITS wires the accumulator into a fresh SQLite connection. It is
// only reachable from the (out-of-scope) migration admission path in this
// core; the recall admission path never issues a query that calls FITS.
// Registered on every open to preserve schema/query compatibility per the
// PQS contract.
func registerFITS(conn *sqlite3.SQLiteConn, acc *fitsAccumulator) error {
	return conn.RegisterFunc("FITS", acc.fits, true)
}
