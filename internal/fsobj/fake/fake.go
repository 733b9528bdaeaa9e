// Package fake is an in-memory FsObj double used by the core's own tests,
// in the spirit of the teacher's localUploader/s3Uploader test doubles.
package fake

import (
	"context"
	"fmt"
	"sync"
	"time"

	"hsm-recall-core/internal/fsobj"
	"hsm-recall-core/internal/models"
)

// File is one fake file's mutable state.
type File struct {
	mu       sync.Mutex // guards the fields below
	recallMu sync.Mutex // the per-file lock handed out by Handle.Lock

	Stat     fsobj.StatInfo
	State    models.FileState
	Attr     fsobj.MigAttr
	LiveData []byte // bytes currently on disk
	Prepared bool
	Finished models.FileState
	AttrGone bool
}

// Opener is the fake Opener keyed by FUID.
type Opener struct {
	mu    sync.Mutex
	files map[models.FUID]*File
}

func NewOpener() *Opener {
	return &Opener{files: make(map[models.FUID]*File)}
}

func (o *Opener) Put(fuid models.FUID, f *File) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.files[fuid] = f
}

func (o *Opener) Open(_ context.Context, fuid models.FUID, _ string) (fsobj.Handle, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	f, ok := o.files[fuid]
	if !ok {
		return nil, fmt.Errorf("fake fsobj: no such file %+v", fuid)
	}
	return &handle{f: f}, nil
}

type handle struct {
	f *File
}

func (h *handle) Stat(context.Context) (fsobj.StatInfo, error) {
	h.f.mu.Lock()
	defer h.f.mu.Unlock()
	return h.f.Stat, nil
}

func (h *handle) MigState(context.Context) (models.FileState, error) {
	h.f.mu.Lock()
	defer h.f.mu.Unlock()
	return h.f.State, nil
}

func (h *handle) Attribute(context.Context) (fsobj.MigAttr, error) {
	h.f.mu.Lock()
	defer h.f.mu.Unlock()
	return h.f.Attr, nil
}

func (h *handle) TapePath(_ context.Context, tapeID string) (string, error) {
	return "fake-tape://" + tapeID, nil
}

func (h *handle) Lock(context.Context) (func(), error) {
	h.f.recallMu.Lock()
	return func() { h.f.recallMu.Unlock() }, nil
}

func (h *handle) PrepareRecall(context.Context) error {
	h.f.Prepared = true
	h.f.LiveData = make([]byte, 0)
	return nil
}

func (h *handle) Write(_ context.Context, offset int64, buf []byte) (int, error) {
	needed := int(offset) + len(buf)
	if len(h.f.LiveData) < needed {
		grown := make([]byte, needed)
		copy(grown, h.f.LiveData)
		h.f.LiveData = grown
	}
	copy(h.f.LiveData[offset:], buf)
	return len(buf), nil
}

func (h *handle) FinishRecall(_ context.Context, toState models.FileState) error {
	h.f.Finished = toState
	h.f.State = toState
	return nil
}

func (h *handle) RemoveAttribute(context.Context) error {
	h.f.AttrGone = true
	return nil
}

// ManagedFS is a fake fsobj.ManagedFilesystem.
type ManagedFS struct {
	Managed   bool
	StartedAt time.Time
}

func (m *ManagedFS) IsFsManaged(context.Context) (bool, error) { return m.Managed, nil }

func (m *ManagedFS) ManageFs(_ context.Context, managed bool, startTime time.Time) error {
	m.Managed = managed
	m.StartedAt = startTime
	return nil
}
