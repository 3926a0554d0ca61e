// Package registry tracks which GOT slots are hooked and what each hook
// replaced. It is the only writer of a slot once the slot is hooked.
package registry

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"sync"
)

var ErrDoubleUnhook = errors.New("hook handle already released")

// Patcher is the slot writer the registry drives.
type Patcher interface {
	Patch(slot, value uintptr) (uintptr, error)
}

// Handle identifies one Hook call.
type Handle uint64

// Record describes a hooked slot.
type Record struct {
	Symbol   string
	Slot     uintptr
	Original uintptr
	Current  uintptr
	RefCount int
}

type layer struct {
	handle      Handle
	replacement uintptr
	// restore is the value the slot held when this layer was applied.
	restore uintptr
}

type record struct {
	symbol   string
	slot     uintptr
	original uintptr
	layers   []layer
}

func (rec *record) snapshot() Record {
	return Record{
		Symbol:   rec.symbol,
		Slot:     rec.slot,
		Original: rec.original,
		Current:  rec.layers[len(rec.layers)-1].replacement,
		RefCount: len(rec.layers),
	}
}

func (rec *record) find(h Handle) int {
	return slices.IndexFunc(rec.layers, func(l layer) bool { return l.handle == h })
}

type Registry struct {
	mu      sync.Mutex
	patcher Patcher
	last    Handle
	slots   map[uintptr]*record
	handles map[Handle]uintptr
}

func New(p Patcher) *Registry {
	return &Registry{
		patcher: p,
		slots:   make(map[uintptr]*record),
		handles: make(map[Handle]uintptr),
	}
}

// Hook redirects slot to replacement. Hooking a slot that is already hooked
// stacks a new layer on top; the value it displaces becomes that layer's
// restore point.
func (r *Registry) Hook(slot, replacement uintptr, symbol string) (Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, err := r.patcher.Patch(slot, replacement)
	if err != nil {
		return 0, err
	}
	rec := r.slots[slot]
	if rec == nil {
		rec = &record{symbol: symbol, slot: slot, original: prev}
		r.slots[slot] = rec
	}

	r.last++
	h := r.last
	rec.layers = append(rec.layers, layer{handle: h, replacement: replacement, restore: prev})
	r.handles[h] = slot
	return h, nil
}

// Unhook removes the layer added by h. Removing the top layer writes its
// restore point back to the slot, which is the original value once no
// layers remain. Removing a lower layer leaves the slot alone and hands
// the layer's restore point to the layer above it.
func (r *Registry) Unhook(h Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.unhookLocked(h)
}

func (r *Registry) unhookLocked(h Handle) error {
	slot, ok := r.handles[h]
	if !ok {
		return fmt.Errorf("%w: %d", ErrDoubleUnhook, h)
	}
	rec := r.slots[slot]
	i := rec.find(h)

	if i == len(rec.layers)-1 {
		if _, err := r.patcher.Patch(slot, rec.layers[i].restore); err != nil {
			return err
		}
	} else {
		rec.layers[i+1].restore = rec.layers[i].restore
	}

	rec.layers = slices.Delete(rec.layers, i, i+1)
	delete(r.handles, h)
	if len(rec.layers) == 0 {
		delete(r.slots, slot)
	}
	return nil
}

// Original returns the value h's replacement should call through to.
func (r *Registry) Original(h Handle) (uintptr, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	slot, ok := r.handles[h]
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrDoubleUnhook, h)
	}
	rec := r.slots[slot]
	return rec.layers[rec.find(h)].restore, nil
}

// Slot reports which slot h hooked.
func (r *Registry) Slot(h Handle) (uintptr, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	slot, ok := r.handles[h]
	return slot, ok
}

func (r *Registry) Query(slot uintptr) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.slots[slot]
	if !ok {
		return Record{}, false
	}
	return rec.snapshot(), true
}

// Records lists every hooked slot ordered by address.
func (r *Registry) Records() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Record, 0, len(r.slots))
	for _, rec := range r.slots {
		out = append(out, rec.snapshot())
	}
	slices.SortFunc(out, func(a, b Record) int {
		return cmp.Compare(a.Slot, b.Slot)
	})
	return out
}
