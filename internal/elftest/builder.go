// Package elftest assembles small ELF shared objects in memory for tests.
// Virtual addresses equal file offsets, so the result can be read through
// elfimage.Bytes directly.
package elftest

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
	"slices"
)

// RWBase is where the writable segment starts. Everything read-only must
// fit below it.
const RWBase = 0x10000

type HashStyle int

const (
	HashSysV HashStyle = iota
	HashGNU
	HashNone
)

type Sym struct {
	Name    string
	Version string
	Defined bool
	Type    elf.SymType
}

type Reloc struct {
	// Sym names the referenced symbol, optionally as "name@VERSION" to pick
	// one of several versions; empty means symbol zero.
	Sym    string
	Type   uint32
	Addend int64
	// Offset overrides the GOT slot the builder would allocate.
	Offset uint64
	// Value is stored in the allocated slot.
	Value uint64
}

type Builder struct {
	Class   elf.Class
	Machine elf.Machine
	Order   binary.ByteOrder

	SOName string
	Needed []string
	Syms   []Sym
	PLT    []Reloc
	Dyn    []Reloc
	// Packed emits Dyn as an Android APS2 table.
	Packed bool
	Hash   HashStyle
	// Bias is added to every d_ptr entry, the way glibc rewrites them once
	// an object is relocated.
	Bias uint64
	// Omit drops the builder's own entries with these tags. Extra is
	// applied afterwards, so the pair can replace an entry.
	Omit []elf.DynTag
	// Extra entries are appended to the dynamic section before DT_NULL.
	Extra [][2]uint64
}

type Image struct {
	Data     []byte
	Dynamic  uint64
	GOT      uint64
	PLTSlots []uint64
	DynSlots []uint64
}

type strtab struct {
	data  []byte
	index map[string]uint32
}

func (s *strtab) add(name string) uint32 {
	if s.index == nil {
		s.data = []byte{0}
		s.index = map[string]uint32{"": 0}
	}
	if off, ok := s.index[name]; ok {
		return off
	}
	off := uint32(len(s.data))
	s.data = append(append(s.data, name...), 0)
	s.index[name] = off
	return off
}

type writer struct {
	buf   []byte
	order binary.ByteOrder
	wide  bool
}

func (w *writer) grow(end uint64) {
	if end > uint64(len(w.buf)) {
		w.buf = append(w.buf, make([]byte, end-uint64(len(w.buf)))...)
	}
}

func (w *writer) bytes(off uint64, b []byte) {
	w.grow(off + uint64(len(b)))
	copy(w.buf[off:], b)
}

func (w *writer) u8(off uint64, v uint8) {
	w.grow(off + 1)
	w.buf[off] = v
}

func (w *writer) u16(off uint64, v uint16) {
	w.grow(off + 2)
	w.order.PutUint16(w.buf[off:], v)
}

func (w *writer) u32(off uint64, v uint32) {
	w.grow(off + 4)
	w.order.PutUint32(w.buf[off:], v)
}

func (w *writer) u64(off uint64, v uint64) {
	w.grow(off + 8)
	w.order.PutUint64(w.buf[off:], v)
}

func (w *writer) word(off uint64, v uint64) {
	if w.wide {
		w.u64(off, v)
	} else {
		w.u32(off, uint32(v))
	}
}

func align(v, to uint64) uint64 {
	return (v + to - 1) &^ (to - 1)
}

// AppendSLEB128 appends v in signed LEB128 form.
func AppendSLEB128(b []byte, v int64) []byte {
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && c&0x40 == 0) || (v == -1 && c&0x40 != 0) {
			return append(b, c)
		}
		b = append(b, c|0x80)
	}
}

// Build lays out the object. It panics if the read-only part outgrows
// RWBase, which only happens with far larger inputs than a test needs.
func (b *Builder) Build() Image {
	wide := b.Class == elf.ELFCLASS64
	order := b.Order
	if order == nil {
		order = binary.LittleEndian
	}
	w := &writer{order: order, wide: wide}

	ptr := uint64(4)
	hdrSize, phentsize, symEnt, dynEnt := uint64(52), uint64(32), uint64(16), uint64(8)
	relEnt := uint64(8)
	if wide {
		ptr = 8
		hdrSize, phentsize, symEnt, dynEnt = 64, 56, 24, 16
		relEnt = 24
	}
	rela := wide

	var strs strtab
	strs.add("")
	syms := append([]Sym{{}}, b.Syms...)
	symIndex := make(map[string]uint32)
	nameOffs := make([]uint32, len(syms))
	for i, s := range syms {
		nameOffs[i] = strs.add(s.Name)
		if i == 0 {
			continue
		}
		for _, key := range []string{s.Name, s.Name + "@" + s.Version} {
			if _, ok := symIndex[key]; !ok {
				symIndex[key] = uint32(i)
			}
		}
	}

	var defs, needs []string
	for _, s := range syms[1:] {
		switch {
		case s.Version == "":
		case s.Defined && !slices.Contains(defs, s.Version):
			defs = append(defs, s.Version)
		case !s.Defined && !slices.Contains(needs, s.Version):
			needs = append(needs, s.Version)
		}
	}
	versionIndex := make(map[string]uint16)
	next := uint16(2)
	for _, v := range defs {
		versionIndex["def:"+v] = next
		next++
	}
	for _, v := range needs {
		versionIndex["need:"+v] = next
		next++
	}

	soname := b.SOName
	if soname == "" && len(defs) > 0 {
		soname = "libtest.so"
	}
	needed := b.Needed
	if len(needs) > 0 && len(needed) == 0 {
		needed = []string{"libc.so.6"}
	}
	var sonameOff uint32
	if soname != "" {
		sonameOff = strs.add(soname)
	}
	neededOffs := make([]uint32, len(needed))
	for i, n := range needed {
		neededOffs[i] = strs.add(n)
	}
	for _, v := range defs {
		strs.add(v)
	}
	for _, v := range needs {
		strs.add(v)
	}

	// read-only part
	off := align(hdrSize+4*phentsize, 8)
	symtab := off
	for i, s := range syms {
		p := symtab + uint64(i)*symEnt
		typ := s.Type
		if typ == elf.STT_NOTYPE && i > 0 {
			typ = elf.STT_FUNC
		}
		info := byte(elf.STB_GLOBAL)<<4 | byte(typ)
		if i == 0 {
			info = 0
		}
		var shndx uint16
		var value uint64
		if s.Defined {
			shndx = 1
			value = 0x100 + uint64(i)*0x10
		}
		if wide {
			w.u32(p, nameOffs[i])
			w.u8(p+4, info)
			w.u16(p+6, shndx)
			w.u64(p+8, value)
		} else {
			w.u32(p, nameOffs[i])
			w.u32(p+4, uint32(value))
			w.u8(p+12, info)
			w.u16(p+14, shndx)
		}
	}
	off = symtab + uint64(len(syms))*symEnt

	strtabAddr := off
	w.bytes(strtabAddr, strs.data)
	off = align(strtabAddr+uint64(len(strs.data)), 8)

	var hashAddr uint64
	nsyms := uint64(len(syms))
	switch b.Hash {
	case HashSysV:
		hashAddr = off
		w.u32(off, 1)
		w.u32(off+4, uint32(nsyms))
		off = align(off+4*(3+nsyms), 8)
	case HashGNU:
		hashAddr = off
		w.u32(off, 1)
		w.u32(off+4, 1)
		w.u32(off+8, 1)
		w.u32(off+12, 6)
		buckets := off + 16 + ptr
		if nsyms > 1 {
			w.u32(buckets, 1)
			for i := uint64(1); i < nsyms; i++ {
				var h uint32
				if i == nsyms-1 {
					h = 1
				}
				w.u32(buckets+4+4*(i-1), h)
			}
		} else {
			w.u32(buckets, 0)
		}
		off = align(buckets+4+4*nsyms, 8)
	}

	var versymAddr, verdefAddr, verneedAddr uint64
	if len(defs)+len(needs) > 0 {
		versymAddr = off
		for i, s := range syms {
			var v uint16
			switch {
			case i == 0:
			case s.Version == "":
				v = 1
			case s.Defined:
				v = versionIndex["def:"+s.Version]
			default:
				v = versionIndex["need:"+s.Version]
			}
			w.u16(versymAddr+2*uint64(i), v)
		}
		off = align(versymAddr+2*nsyms, 8)
	}
	if len(defs) > 0 {
		verdefAddr = off
		names := append([]string{soname}, defs...)
		for i, name := range names {
			p := verdefAddr + uint64(i)*28
			var flags uint16
			if i == 0 {
				flags = 1
			}
			w.u16(p, 1)
			w.u16(p+2, flags)
			w.u16(p+4, uint16(i+1))
			w.u16(p+6, 1)
			w.u32(p+12, 20)
			if i < len(names)-1 {
				w.u32(p+16, 28)
			}
			w.u32(p+20, strs.add(name))
		}
		off = align(verdefAddr+uint64(len(names))*28, 8)
	}
	if len(needs) > 0 {
		verneedAddr = off
		w.u16(off, 1)
		w.u16(off+2, uint16(len(needs)))
		w.u32(off+4, neededOffs[0])
		w.u32(off+8, 16)
		for i, v := range needs {
			p := off + 16 + uint64(i)*16
			w.u16(p+6, versionIndex["need:"+v])
			w.u32(p+8, strs.add(v))
			if i < len(needs)-1 {
				w.u32(p+12, 16)
			}
		}
		off = align(off+16+uint64(len(needs))*16, 8)
	}

	// GOT slots are allocated before the tables that reference them.
	got := uint64(RWBase)
	slot := got
	assign := func(relocs []Reloc) []uint64 {
		out := make([]uint64, len(relocs))
		for i, r := range relocs {
			if r.Offset != 0 {
				out[i] = r.Offset
				continue
			}
			out[i] = slot
			slot += ptr
		}
		return out
	}
	pltSlots := assign(b.PLT)
	dynSlots := assign(b.Dyn)

	relInfo := func(r Reloc) uint64 {
		sym := uint64(0)
		if r.Sym != "" {
			idx, ok := symIndex[r.Sym]
			if !ok {
				panic(fmt.Sprintf("elftest: relocation against unknown symbol %q", r.Sym))
			}
			sym = uint64(idx)
		}
		if wide {
			return sym<<32 | uint64(r.Type)
		}
		return sym<<8 | uint64(r.Type&0xff)
	}
	entSize := relEnt
	if !rela {
		entSize = 2 * ptr
	}
	writeTable := func(at uint64, relocs []Reloc, slots []uint64) uint64 {
		for i, r := range relocs {
			p := at + uint64(i)*entSize
			w.word(p, slots[i])
			w.word(p+ptr, relInfo(r))
			if rela {
				w.word(p+2*ptr, uint64(r.Addend))
			}
		}
		return uint64(len(relocs)) * entSize
	}

	var jmprel, jmprelSize, relAddr, relSize uint64
	if len(b.PLT) > 0 {
		jmprel = off
		jmprelSize = writeTable(jmprel, b.PLT, pltSlots)
		off = align(jmprel+jmprelSize, 8)
	}
	if len(b.Dyn) > 0 {
		relAddr = off
		if b.Packed {
			packed := []byte("APS2")
			packed = AppendSLEB128(packed, int64(len(b.Dyn)))
			packed = AppendSLEB128(packed, 0)
			var prevOff uint64
			var prevAddend int64
			for i, r := range b.Dyn {
				flags := int64(0)
				if rela {
					flags = 8
				}
				packed = AppendSLEB128(packed, 1)
				packed = AppendSLEB128(packed, flags)
				packed = AppendSLEB128(packed, int64(dynSlots[i]-prevOff))
				packed = AppendSLEB128(packed, int64(relInfo(r)))
				if rela {
					packed = AppendSLEB128(packed, r.Addend-prevAddend)
					prevAddend = r.Addend
				}
				prevOff = dynSlots[i]
			}
			w.bytes(relAddr, packed)
			relSize = uint64(len(packed))
		} else {
			relSize = writeTable(relAddr, b.Dyn, dynSlots)
		}
		off = align(relAddr+relSize, 8)
	}
	if off > RWBase {
		panic("elftest: read-only part does not fit below RWBase")
	}
	textEnd := off

	// writable part: GOT, then the dynamic section
	for i, r := range b.PLT {
		if r.Offset == 0 {
			w.word(pltSlots[i], r.Value)
		}
	}
	for i, r := range b.Dyn {
		if r.Offset == 0 {
			w.word(dynSlots[i], r.Value)
		}
	}
	dynAddr := align(slot, 16)
	if dynAddr == got {
		// keep an empty GOT from sharing the dynamic section's address
		dynAddr += 16
	}

	var entries [][2]uint64
	p := func(v uint64) uint64 { return v + b.Bias }
	for _, n := range neededOffs {
		entries = append(entries, [2]uint64{uint64(elf.DT_NEEDED), uint64(n)})
	}
	if soname != "" {
		entries = append(entries, [2]uint64{uint64(elf.DT_SONAME), uint64(sonameOff)})
	}
	entries = append(entries,
		[2]uint64{uint64(elf.DT_SYMTAB), p(symtab)},
		[2]uint64{uint64(elf.DT_STRTAB), p(strtabAddr)},
		[2]uint64{uint64(elf.DT_STRSZ), uint64(len(strs.data))},
		[2]uint64{uint64(elf.DT_SYMENT), symEnt},
	)
	switch b.Hash {
	case HashSysV:
		entries = append(entries, [2]uint64{uint64(elf.DT_HASH), p(hashAddr)})
	case HashGNU:
		entries = append(entries, [2]uint64{uint64(elf.DT_GNU_HASH), p(hashAddr)})
	}
	if versymAddr != 0 {
		entries = append(entries, [2]uint64{uint64(elf.DT_VERSYM), p(versymAddr)})
	}
	if verdefAddr != 0 {
		entries = append(entries,
			[2]uint64{uint64(elf.DT_VERDEF), p(verdefAddr)},
			[2]uint64{uint64(elf.DT_VERDEFNUM), uint64(len(defs) + 1)},
		)
	}
	if verneedAddr != 0 {
		entries = append(entries,
			[2]uint64{uint64(elf.DT_VERNEED), p(verneedAddr)},
			[2]uint64{uint64(elf.DT_VERNEEDNUM), 1},
		)
	}
	pltrel := elf.DT_REL
	if rela {
		pltrel = elf.DT_RELA
	}
	if jmprelSize > 0 {
		entries = append(entries,
			[2]uint64{uint64(elf.DT_JMPREL), p(jmprel)},
			[2]uint64{uint64(elf.DT_PLTRELSZ), jmprelSize},
			[2]uint64{uint64(elf.DT_PLTREL), uint64(pltrel)},
		)
	}
	if relSize > 0 {
		switch {
		case b.Packed && rela:
			entries = append(entries, [2]uint64{0x60000011, p(relAddr)}, [2]uint64{0x60000012, relSize})
		case b.Packed:
			entries = append(entries, [2]uint64{0x6000000f, p(relAddr)}, [2]uint64{0x60000010, relSize})
		case rela:
			entries = append(entries,
				[2]uint64{uint64(elf.DT_RELA), p(relAddr)},
				[2]uint64{uint64(elf.DT_RELASZ), relSize},
				[2]uint64{uint64(elf.DT_RELAENT), entSize},
			)
		default:
			entries = append(entries,
				[2]uint64{uint64(elf.DT_REL), p(relAddr)},
				[2]uint64{uint64(elf.DT_RELSZ), relSize},
				[2]uint64{uint64(elf.DT_RELENT), entSize},
			)
		}
	}
	entries = slices.DeleteFunc(entries, func(e [2]uint64) bool {
		return slices.Contains(b.Omit, elf.DynTag(e[0]))
	})
	entries = append(entries, b.Extra...)
	entries = append(entries, [2]uint64{uint64(elf.DT_NULL), 0})
	for i, e := range entries {
		at := dynAddr + uint64(i)*dynEnt
		w.word(at, e[0])
		w.word(at+dynEnt/2, e[1])
	}
	dynSize := uint64(len(entries)) * dynEnt
	end := dynAddr + dynSize
	w.grow(end)

	// headers
	data := byte(elf.ELFDATA2LSB)
	if order == binary.BigEndian {
		data = byte(elf.ELFDATA2MSB)
	}
	w.bytes(0, []byte(elf.ELFMAG))
	w.u8(uint64(elf.EI_CLASS), byte(b.Class))
	w.u8(uint64(elf.EI_DATA), data)
	w.u8(uint64(elf.EI_VERSION), byte(elf.EV_CURRENT))
	w.u16(16, uint16(elf.ET_DYN))
	w.u16(18, uint16(b.Machine))
	w.u32(20, uint32(elf.EV_CURRENT))
	if wide {
		w.u64(32, hdrSize)
		w.u16(52, uint16(hdrSize))
		w.u16(54, uint16(phentsize))
		w.u16(56, 4)
	} else {
		w.u32(28, uint32(hdrSize))
		w.u16(40, uint16(hdrSize))
		w.u16(42, uint16(phentsize))
		w.u16(44, 4)
	}

	progs := []elf.ProgHeader{
		{Type: elf.PT_LOAD, Flags: elf.PF_R | elf.PF_X, Off: 0, Vaddr: 0, Filesz: textEnd, Memsz: textEnd, Align: 0x1000},
		{Type: elf.PT_LOAD, Flags: elf.PF_R | elf.PF_W, Off: RWBase, Vaddr: RWBase, Filesz: end - RWBase, Memsz: end - RWBase, Align: 0x1000},
		{Type: elf.PT_DYNAMIC, Flags: elf.PF_R | elf.PF_W, Off: dynAddr, Vaddr: dynAddr, Filesz: dynSize, Memsz: dynSize, Align: 8},
		{Type: elf.PT_GNU_RELRO, Flags: elf.PF_R, Off: dynAddr, Vaddr: dynAddr, Filesz: dynSize, Memsz: dynSize, Align: 1},
	}
	for i, prog := range progs {
		at := hdrSize + uint64(i)*phentsize
		if wide {
			w.u32(at, uint32(prog.Type))
			w.u32(at+4, uint32(prog.Flags))
			w.u64(at+8, prog.Off)
			w.u64(at+16, prog.Vaddr)
			w.u64(at+24, prog.Vaddr)
			w.u64(at+32, prog.Filesz)
			w.u64(at+40, prog.Memsz)
			w.u64(at+48, prog.Align)
		} else {
			w.u32(at, uint32(prog.Type))
			w.u32(at+4, uint32(prog.Off))
			w.u32(at+8, uint32(prog.Vaddr))
			w.u32(at+12, uint32(prog.Vaddr))
			w.u32(at+16, uint32(prog.Filesz))
			w.u32(at+20, uint32(prog.Memsz))
			w.u32(at+24, uint32(prog.Flags))
			w.u32(at+28, uint32(prog.Align))
		}
	}

	return Image{
		Data:     w.buf,
		Dynamic:  dynAddr,
		GOT:      got,
		PLTSlots: pltSlots,
		DynSlots: dynSlots,
	}
}
