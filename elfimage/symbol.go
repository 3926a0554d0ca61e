package elfimage

import (
	"debug/elf"
	"fmt"
	"iter"
	"maps"
)

const (
	versymHidden = 0x8000
	versymIndex  = 0x7fff
)

type Symbol struct {
	Index   uint32
	Name    string
	Value   uint64
	Size    uint64
	Section elf.SectionIndex
	Bind    elf.SymBind
	Type    elf.SymType
	// Version is empty for unversioned and base-version symbols.
	Version string
	Hidden  bool
}

// Defined reports whether the symbol is provided by this image rather than
// imported from another one.
func (s Symbol) Defined() bool {
	return s.Section != elf.SHN_UNDEF
}

// Symbol reads dynamic symbol index, including its version.
func (info *DynamicInfo) Symbol(index uint32) (Symbol, error) {
	if uint64(index) >= info.SymCount {
		return Symbol{}, fmt.Errorf("%w: symbol %d out of %d", ErrMalformedImage, index, info.SymCount)
	}
	img := info.img
	addr := info.SymTab + uint64(index)*info.SymEnt

	var (
		sym     = Symbol{Index: index}
		nameOff uint32
		stInfo  byte
	)
	if img.Class == elf.ELFCLASS32 {
		var raw elf.Sym32
		if err := img.decode(addr, elf.Sym32Size, &raw); err != nil {
			return Symbol{}, err
		}
		nameOff, stInfo = raw.Name, raw.Info
		sym.Value, sym.Size = uint64(raw.Value), uint64(raw.Size)
		sym.Section = elf.SectionIndex(raw.Shndx)
	} else {
		var raw elf.Sym64
		if err := img.decode(addr, elf.Sym64Size, &raw); err != nil {
			return Symbol{}, err
		}
		nameOff, stInfo = raw.Name, raw.Info
		sym.Value, sym.Size = raw.Value, raw.Size
		sym.Section = elf.SectionIndex(raw.Shndx)
	}
	sym.Bind = elf.ST_BIND(stInfo)
	sym.Type = elf.ST_TYPE(stInfo)

	name, err := info.String(uint64(nameOff))
	if err != nil {
		return Symbol{}, fmt.Errorf("symbol %d: %w", index, err)
	}
	sym.Name = name

	if info.VerSym != 0 {
		vs, err := img.u16(info.VerSym + 2*uint64(index))
		if err != nil {
			return Symbol{}, fmt.Errorf("symbol %d version: %w", index, err)
		}
		sym.Hidden = vs&versymHidden != 0
		if v := vs & versymIndex; v > 1 {
			sym.Version = info.versions[v]
		}
	}
	return sym, nil
}

// Symbols yields every dynamic symbol after the null entry, stopping at
// the first error.
func (info *DynamicInfo) Symbols() iter.Seq2[Symbol, error] {
	return func(yield func(Symbol, error) bool) {
		for i := uint64(1); i < info.SymCount; i++ {
			sym, err := info.Symbol(uint32(i))
			if err != nil {
				yield(Symbol{}, err)
				return
			}
			if !yield(sym, nil) {
				return
			}
		}
	}
}

// Lookup finds the symbol the image defines under name. If several
// versions define it, the default one wins over hidden ones.
func (info *DynamicInfo) Lookup(name string) (Symbol, bool, error) {
	var (
		found Symbol
		ok    bool
	)
	for sym, err := range info.Symbols() {
		if err != nil {
			return Symbol{}, false, err
		}
		if !sym.Defined() || sym.Name != name {
			continue
		}
		if !sym.Hidden {
			return sym, true, nil
		}
		if !ok {
			found, ok = sym, true
		}
	}
	return found, ok, nil
}

// Versions returns the version names by versym index.
func (info *DynamicInfo) Versions() map[uint16]string {
	return maps.Clone(info.versions)
}
