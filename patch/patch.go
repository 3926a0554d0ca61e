// Package patch writes pointer-sized GOT slots in the running process.
//
// Each write happens inside a critical section keyed by the slot's page.
// If the page is not writable it is switched to read-write for the duration
// of the store and then put back, whatever the outcome of the store.
package patch

import (
	"errors"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/sliverarmory/plthook/arch"
)

var (
	ErrProtectionChangeFailed = errors.New("page protection change failed")
	ErrUnalignedSlot          = arch.ErrUnalignedSlot
)

type Option func(*Patcher)

func WithLogger(logger log.FieldLogger) Option {
	return func(p *Patcher) {
		p.log = logger
	}
}

// WithProtectionLookup replaces the /proc/self/maps lookup used to learn a
// page's current protection.
func WithProtectionLookup(lookup func(addr uintptr) (int, error)) Option {
	return func(p *Patcher) {
		p.protection = lookup
	}
}

// Patcher is safe for concurrent use.
type Patcher struct {
	arch       arch.Spec
	pageSize   uintptr
	log        log.FieldLogger
	protection func(addr uintptr) (int, error)

	mu    sync.Mutex
	pages map[uintptr]*pageLock
}

type pageLock struct {
	mu   sync.Mutex
	refs int
}

// lockPage serializes every write to one page and returns the unlock.
func (p *Patcher) lockPage(page uintptr) func() {
	p.mu.Lock()
	l := p.pages[page]
	if l == nil {
		l = &pageLock{}
		p.pages[page] = l
	}
	l.refs++
	p.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		p.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(p.pages, page)
		}
		p.mu.Unlock()
	}
}

func (p *Patcher) pageOf(addr uintptr) uintptr {
	return addr &^ (p.pageSize - 1)
}

// Arch is the architecture the patcher writes for.
func (p *Patcher) Arch() arch.Spec {
	return p.arch
}
