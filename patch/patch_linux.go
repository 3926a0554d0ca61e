//go:build linux

package patch

import (
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"unsafe"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/sliverarmory/plthook/arch"
	"github.com/sliverarmory/plthook/procmaps"
)

// New returns a Patcher for the running process.
func New(opts ...Option) (*Patcher, error) {
	spec, err := arch.Host()
	if err != nil {
		return nil, err
	}
	p := &Patcher{
		arch:       spec,
		pageSize:   uintptr(unix.Getpagesize()),
		log:        log.StandardLogger(),
		protection: procmaps.Protection,
		pages:      make(map[uintptr]*pageLock),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// region is a page whose protection may have been changed for a write.
type region struct {
	base    uintptr
	length  uintptr
	prot    int
	changed bool
}

func (r *region) bytes() []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(r.base)), r.length)
}

// acquire makes the page holding slot writable. The caller must release
// the region whether or not its write succeeded.
func (p *Patcher) acquire(slot uintptr) (*region, error) {
	r := &region{base: p.pageOf(slot), length: p.pageSize}
	prot, err := p.protection(slot)
	if err != nil {
		return nil, fmt.Errorf("%w: protection of %#x: %w", ErrProtectionChangeFailed, slot, err)
	}
	r.prot = prot
	if prot&unix.PROT_WRITE != 0 {
		return r, nil
	}
	// never add PROT_EXEC here, even if the page had it
	if err := unix.Mprotect(r.bytes(), unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return nil, fmt.Errorf("%w: mprotect(%#x, rw): %w", ErrProtectionChangeFailed, r.base, err)
	}
	r.changed = true
	p.log.WithFields(log.Fields{
		"page": fmt.Sprintf("%#x", r.base),
		"prot": prot,
	}).Debug("page made writable")
	return r, nil
}

func (p *Patcher) release(r *region) error {
	if !r.changed {
		return nil
	}
	if err := unix.Mprotect(r.bytes(), r.prot); err != nil {
		return fmt.Errorf("%w: restore mprotect(%#x, %#x): %w", ErrProtectionChangeFailed, r.base, r.prot, err)
	}
	return nil
}

// guard turns a fault inside fn into an error.
func guard(addr uintptr, fn func()) (err error) {
	defer debug.SetPanicOnFault(debug.SetPanicOnFault(true))
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: fault at %#x: %v", ErrProtectionChangeFailed, addr, r)
		}
	}()
	fn()
	return nil
}

func load(slot uintptr) (v uintptr, err error) {
	err = guard(slot, func() {
		v = atomic.LoadUintptr((*uintptr)(unsafe.Pointer(slot)))
	})
	return v, err
}

func store(slot, value uintptr) error {
	return guard(slot, func() {
		atomic.StoreUintptr((*uintptr)(unsafe.Pointer(slot)), value)
	})
}

func (p *Patcher) checkAlign(slot uintptr) error {
	if slot == 0 || !p.arch.Aligned(slot) {
		return fmt.Errorf("%w: %#x", ErrUnalignedSlot, slot)
	}
	return nil
}

// Read atomically loads the slot.
func (p *Patcher) Read(slot uintptr) (uintptr, error) {
	if err := p.checkAlign(slot); err != nil {
		return 0, err
	}
	return load(slot)
}

// Patch stores value into slot and returns what it held before. Writing
// the value a slot already holds changes nothing, not even protection.
func (p *Patcher) Patch(slot, value uintptr) (uintptr, error) {
	if err := p.checkAlign(slot); err != nil {
		return 0, err
	}

	unlock := p.lockPage(p.pageOf(slot))
	defer unlock()

	prev, err := load(slot)
	if err != nil {
		return 0, err
	}
	if prev == value {
		return prev, nil
	}

	r, err := p.acquire(slot)
	if err != nil {
		return 0, err
	}
	err = store(slot, value)
	if relErr := p.release(r); relErr != nil {
		// the page is still writable: undo the write rather than leave a
		// hooked slot behind an error
		if err == nil {
			if undoErr := store(slot, prev); undoErr != nil {
				relErr = errors.Join(relErr, undoErr)
			}
		}
		err = errors.Join(err, relErr)
	}
	if err != nil {
		return 0, err
	}

	p.arch.Synchronize(slot, uintptr(p.arch.PtrSize))
	p.log.WithFields(log.Fields{
		"slot": fmt.Sprintf("%#x", slot),
		"old":  fmt.Sprintf("%#x", prev),
		"new":  fmt.Sprintf("%#x", value),
	}).Debug("slot patched")
	return prev, nil
}
