// Package resolver finds the GOT slots through which an image calls an
// imported symbol.
package resolver

import (
	"errors"
	"fmt"
	"iter"
	"slices"
	"strings"

	"github.com/sliverarmory/plthook/arch"
	"github.com/sliverarmory/plthook/elfimage"
)

var ErrSymbolNotFound = errors.New("symbol not found")

// Slot is one GOT entry bound to a symbol by a relocation.
type Slot struct {
	// Vaddr is the slot's image vaddr, Addr its address in this process.
	Vaddr uint64
	Addr  uintptr

	Symbol elfimage.Symbol
	Reloc  elfimage.Relocation
	Kind   arch.SlotKind
	Table  elfimage.RelocTable
}

func (s Slot) String() string {
	name := s.Symbol.Name
	if s.Symbol.Version != "" {
		name += "@" + s.Symbol.Version
	}
	return fmt.Sprintf("%s at %#x (%s)", name, s.Vaddr, s.Table.Name())
}

// SplitVersion separates "name@VERSION" or "name@@VERSION" into its parts.
func SplitVersion(symbol string) (name, version string) {
	name, version, found := strings.Cut(symbol, "@")
	if !found || name == "" {
		return symbol, ""
	}
	return name, strings.TrimLeft(version, "@")
}

// Result is what Find collected for one symbol.
type Result struct {
	Name    string
	Version string
	Slots   []Slot
	// Ambiguous is set when no version was requested and the image imports
	// the name under more than one version. Only slots of the first version
	// seen are returned; Skipped lists the others.
	Ambiguous bool
	Skipped   []string
}

// Slots lazily yields every slot that binds name. A version given either
// as an argument or as a "@VERSION" suffix must match exactly; without one,
// the version of the first matching relocation is kept and the others are
// skipped. Duplicate slots are reported once.
func Slots(dyn *elfimage.DynamicInfo, name, version string) iter.Seq2[Slot, error] {
	return scan(dyn, name, version, nil)
}

// Find collects Slots into a Result and fails with ErrSymbolNotFound when
// there is nothing to hook.
func Find(dyn *elfimage.DynamicInfo, name, version string) (Result, error) {
	res := Result{}
	res.Name, res.Version = SplitVersion(name)
	if version != "" {
		res.Version = version
	}
	if res.Name == "" {
		return Result{}, fmt.Errorf("%w: empty name", ErrSymbolNotFound)
	}
	skipped := func(v string) {
		if !slices.Contains(res.Skipped, v) {
			res.Skipped = append(res.Skipped, v)
		}
	}
	for slot, err := range scan(dyn, res.Name, res.Version, skipped) {
		if err != nil {
			return Result{}, err
		}
		res.Slots = append(res.Slots, slot)
	}
	if len(res.Slots) == 0 {
		if res.Version != "" {
			return Result{}, fmt.Errorf("%w: %s@%s", ErrSymbolNotFound, res.Name, res.Version)
		}
		return Result{}, fmt.Errorf("%w: %s", ErrSymbolNotFound, res.Name)
	}
	res.Version = res.Slots[0].Symbol.Version
	res.Ambiguous = len(res.Skipped) > 0
	return res, nil
}

func scan(dyn *elfimage.DynamicInfo, symbol, hint string, skipped func(string)) iter.Seq2[Slot, error] {
	return func(yield func(Slot, error) bool) {
		name, version := SplitVersion(symbol)
		if hint != "" {
			version = hint
		}
		img := dyn.Image()
		// a version can only be matched in an image that carries them
		explicit := version != "" && dyn.VerSym != 0
		if !explicit {
			version = ""
		}
		pinned := explicit
		seen := make(map[uint64]bool)
		syms := make(map[uint32]elfimage.Symbol)

		for _, table := range dyn.Tables {
			for rel, err := range dyn.Relocations(table) {
				if err != nil {
					yield(Slot{}, err)
					return
				}
				kind := img.Arch.Kind(rel.Type)
				if kind == arch.SlotNone || rel.Sym == 0 {
					continue
				}
				sym, ok := syms[rel.Sym]
				if !ok {
					if sym, err = dyn.Symbol(rel.Sym); err != nil {
						yield(Slot{}, err)
						return
					}
					syms[rel.Sym] = sym
				}
				if sym.Name != name {
					continue
				}
				switch {
				case !pinned:
					version, pinned = sym.Version, true
				case sym.Version != version:
					if !explicit && skipped != nil {
						skipped(sym.Version)
					}
					continue
				}

				slot, err := checkSlot(img, table, rel, sym, kind)
				if err != nil {
					yield(Slot{}, err)
					return
				}
				if seen[slot.Vaddr] {
					continue
				}
				seen[slot.Vaddr] = true
				if !yield(slot, nil) {
					return
				}
			}
		}
	}
}

// checkSlot validates a matching relocation before it is handed out for
// patching.
func checkSlot(img *elfimage.Image, table elfimage.RelocTable, rel elfimage.Relocation, sym elfimage.Symbol, kind arch.SlotKind) (Slot, error) {
	if kind == arch.SlotNarrow {
		return Slot{}, fmt.Errorf("%w: %s for %s is a 32-bit slot in a %s image",
			elfimage.ErrMalformedImage, img.Arch.RelocName(rel.Type), sym.Name, img.Class)
	}
	size := uint64(img.PtrSize())
	if !img.Writable(rel.Offset, size) {
		return Slot{}, fmt.Errorf("%w: slot %#x for %s is outside every writable segment",
			elfimage.ErrMalformedImage, rel.Offset, sym.Name)
	}
	addr := img.Addr(rel.Offset)
	if !img.Arch.Aligned(addr) {
		return Slot{}, fmt.Errorf("%w: slot %#x for %s: %w",
			elfimage.ErrMalformedImage, rel.Offset, sym.Name, arch.ErrUnalignedSlot)
	}
	return Slot{
		Vaddr:  rel.Offset,
		Addr:   addr,
		Symbol: sym,
		Reloc:  rel,
		Kind:   kind,
		Table:  table,
	}, nil
}

// Imports yields every jump or data slot in the image with its symbol,
// without checking it can be patched.
func Imports(dyn *elfimage.DynamicInfo) iter.Seq2[Slot, error] {
	return func(yield func(Slot, error) bool) {
		img := dyn.Image()
		seen := make(map[uint64]bool)
		for _, table := range dyn.Tables {
			for rel, err := range dyn.Relocations(table) {
				if err != nil {
					yield(Slot{}, err)
					return
				}
				kind := img.Arch.Kind(rel.Type)
				if kind == arch.SlotNone || rel.Sym == 0 || seen[rel.Offset] {
					continue
				}
				sym, err := dyn.Symbol(rel.Sym)
				if err != nil {
					yield(Slot{}, err)
					return
				}
				seen[rel.Offset] = true
				slot := Slot{
					Vaddr:  rel.Offset,
					Addr:   img.Addr(rel.Offset),
					Symbol: sym,
					Reloc:  rel,
					Kind:   kind,
					Table:  table,
				}
				if !yield(slot, nil) {
					return
				}
			}
		}
	}
}
