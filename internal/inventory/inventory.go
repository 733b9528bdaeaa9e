// Package inventory is the narrow Resource Inventory Interface (RII) the
// scheduler consults for tape/drive admission (§4.2). The physical
// mount/unmount mechanics are an external collaborator; this package only
// owns the in-memory bookkeeping of which cartridge sits in which slot and
// which drive is busy.
package inventory

import (
	"context"
	"fmt"
	"sync"
)

type CartridgeState int

const (
	TapeUnmounted CartridgeState = iota
	TapeMounting
	TapeMounted
)

type Cartridge struct {
	ID          string
	Slot        string
	State       CartridgeState
	InProgress  bool
}

type Drive struct {
	ID   string
	Slot string // "" when no cartridge is mounted
	Busy bool
}

// Mounter performs the physical mount/unmount action. It blocks until the
// action completes. Implementations talk to the real tape library; tests
// use a fake that completes immediately.
type Mounter interface {
	Mount(ctx context.Context, driveID, cartridgeID string) error
	Unmount(ctx context.Context, driveID, cartridgeID string) error
}

// Inventory is the scheduler's view of cartridges and drives. All
// inspect-and-mutate sequences must hold mu; unlike the original's
// recursive mutex, callers that need to act on a drive after mutating
// cartridge state collect the drive reference first and release mu before
// calling back into a method that itself takes mu (e.g. SetFree), per the
// Design Notes redesign.
type Inventory struct {
	mu         sync.Mutex
	cartridges map[string]*Cartridge
	drives     map[string]*Drive
	mounter    Mounter
}

func New(mounter Mounter) *Inventory {
	return &Inventory{
		cartridges: make(map[string]*Cartridge),
		drives:     make(map[string]*Drive),
		mounter:    mounter,
	}
}

// AddCartridge / AddDrive seed the inventory; used at startup and in tests.
func (inv *Inventory) AddCartridge(c Cartridge) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	cp := c
	inv.cartridges[c.ID] = &cp
}

func (inv *Inventory) AddDrive(d Drive) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	dp := d
	inv.drives[d.ID] = &dp
}

// GetCartridge returns a copy of the cartridge's current state.
func (inv *Inventory) GetCartridge(tapeID string) (Cartridge, bool) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	c, ok := inv.cartridges[tapeID]
	if !ok {
		return Cartridge{}, false
	}
	return *c, true
}

// Drives returns a snapshot of every drive.
func (inv *Inventory) Drives() []Drive {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	out := make([]Drive, 0, len(inv.drives))
	for _, d := range inv.drives {
		out = append(out, *d)
	}
	return out
}

// FreeDriveForSlot returns a free drive already holding the cartridge's
// slot, if any.
func (inv *Inventory) FreeDriveForSlot(slot string) (Drive, bool) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	for _, d := range inv.drives {
		if d.Slot == slot && !d.Busy {
			return *d, true
		}
	}
	return Drive{}, false
}

// AnyFreeDrive returns any currently-free drive, used to pick a mount
// target when the cartridge is not yet loaded anywhere.
func (inv *Inventory) AnyFreeDrive() (Drive, bool) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	for _, d := range inv.drives {
		if !d.Busy {
			return *d, true
		}
	}
	return Drive{}, false
}

// MarkBusy flags a drive busy under the scheduler's admission decision.
func (inv *Inventory) MarkBusy(driveID string) error {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	d, ok := inv.drives[driveID]
	if !ok {
		return fmt.Errorf("inventory: unknown drive %s", driveID)
	}
	d.Busy = true
	return nil
}

// SetFree marks a drive free. Callers must not be holding mu when calling
// this (see the package doc); it takes the lock itself.
func (inv *Inventory) SetFree(driveID string) error {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	d, ok := inv.drives[driveID]
	if !ok {
		return fmt.Errorf("inventory: unknown drive %s", driveID)
	}
	d.Busy = false
	return nil
}

// SetCartridgeState updates a cartridge's mount state.
func (inv *Inventory) SetCartridgeState(tapeID string, state CartridgeState) error {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	c, ok := inv.cartridges[tapeID]
	if !ok {
		return fmt.Errorf("inventory: unknown cartridge %s", tapeID)
	}
	c.State = state
	return nil
}

// DriveHoldingSlot returns, without locking semantics leaking to the
// caller, the single drive whose Slot matches. RCX asserts exactly one
// match when freeing a drive after a recall cycle (§4.6 step 2).
func (inv *Inventory) DriveHoldingSlot(slot string) (Drive, error) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	var found *Drive
	for _, d := range inv.drives {
		if d.Slot == slot {
			if found != nil {
				return Drive{}, fmt.Errorf("inventory: slot %s held by more than one drive", slot)
			}
			found = d
		}
	}
	if found == nil {
		return Drive{}, fmt.Errorf("inventory: no drive holds slot %s", slot)
	}
	return *found, nil
}

// Mount blocks until the cartridge is physically mounted on the drive,
// then records the new slot/state. Called holding only the inventory
// lock's semantics (i.e. never while the scheduler's own mtx is held), per
// §4.5 step d.
func (inv *Inventory) Mount(ctx context.Context, driveID, cartridgeID string) error {
	if err := inv.mounter.Mount(ctx, driveID, cartridgeID); err != nil {
		return fmt.Errorf("inventory: mount %s on %s: %w", cartridgeID, driveID, err)
	}
	inv.mu.Lock()
	defer inv.mu.Unlock()
	c, ok := inv.cartridges[cartridgeID]
	if !ok {
		return fmt.Errorf("inventory: unknown cartridge %s", cartridgeID)
	}
	d, ok := inv.drives[driveID]
	if !ok {
		return fmt.Errorf("inventory: unknown drive %s", driveID)
	}
	d.Slot = c.Slot
	c.State = TapeMounted
	return nil
}

// Unmount is the inverse of Mount, exposed for completeness and operator
// tooling; the recall path only ever mounts (drives are freed, not
// unmounted, when a request drains — the cartridge stays loaded for the
// next request).
func (inv *Inventory) Unmount(ctx context.Context, driveID, cartridgeID string) error {
	if err := inv.mounter.Unmount(ctx, driveID, cartridgeID); err != nil {
		return fmt.Errorf("inventory: unmount %s from %s: %w", cartridgeID, driveID, err)
	}
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if d, ok := inv.drives[driveID]; ok {
		d.Slot = ""
	}
	if c, ok := inv.cartridges[cartridgeID]; ok {
		c.State = TapeUnmounted
	}
	return nil
}
