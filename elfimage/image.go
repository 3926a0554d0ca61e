// Package elfimage reads the dynamic-linking metadata of an ELF shared
// object that is already laid out in memory. It never writes to the image.
//
// Every read goes through Image.span, which rejects any range that is not
// fully inside one PT_LOAD segment. Corrupt metadata therefore surfaces as
// ErrMalformedImage instead of a stray dereference.
package elfimage

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/sliverarmory/plthook/arch"
)

var (
	ErrMalformedImage   = errors.New("malformed ELF image")
	ErrUnsupportedClass = arch.ErrUnsupportedClass
)

const (
	header32Size = 52
	header64Size = 64
	prog32Size   = 32
	prog64Size   = 56
)

type Image struct {
	mem  Memory
	base uintptr

	Class   elf.Class
	Data    elf.Data
	Machine elf.Machine
	Type    elf.Type
	Arch    arch.Spec
	Progs   []elf.ProgHeader

	order    binary.ByteOrder
	hdrVaddr uint64
	loads    []elf.ProgHeader
	relro    []elf.ProgHeader
	dynamic  *elf.ProgHeader
}

// Open parses the ELF and program headers found at offset zero of mem.
// base is the absolute address of the ELF header in this process, or zero
// when mem is not a live mapping.
func Open(mem Memory, base uintptr) (*Image, error) {
	img := &Image{
		mem:  mem,
		base: base,
		// until the program headers are read, only the header mapping is
		// known to be readable
		loads: []elf.ProgHeader{{Type: elf.PT_LOAD, Vaddr: 0, Memsz: mem.HeaderLen()}},
	}

	var ident [elf.EI_NIDENT]byte
	if err := img.read(0, ident[:]); err != nil {
		return nil, err
	}
	if !bytes.Equal(ident[:len(elf.ELFMAG)], []byte(elf.ELFMAG)) {
		return nil, fmt.Errorf("%w: bad magic %x", ErrMalformedImage, ident[:4])
	}
	img.Class = elf.Class(ident[elf.EI_CLASS])
	img.Data = elf.Data(ident[elf.EI_DATA])
	switch img.Data {
	case elf.ELFDATA2LSB:
		img.order = binary.LittleEndian
	case elf.ELFDATA2MSB:
		img.order = binary.BigEndian
	default:
		return nil, fmt.Errorf("%w: unknown data encoding %s", ErrMalformedImage, img.Data)
	}

	var (
		phoff     uint64
		phentsize uint16
		phnum     uint16
	)
	switch img.Class {
	case elf.ELFCLASS32:
		var hdr elf.Header32
		if err := img.decode(0, header32Size, &hdr); err != nil {
			return nil, err
		}
		img.Type, img.Machine = elf.Type(hdr.Type), elf.Machine(hdr.Machine)
		phoff, phentsize, phnum = uint64(hdr.Phoff), hdr.Phentsize, hdr.Phnum
	case elf.ELFCLASS64:
		var hdr elf.Header64
		if err := img.decode(0, header64Size, &hdr); err != nil {
			return nil, err
		}
		img.Type, img.Machine = elf.Type(hdr.Type), elf.Machine(hdr.Machine)
		phoff, phentsize, phnum = hdr.Phoff, hdr.Phentsize, hdr.Phnum
	default:
		return nil, fmt.Errorf("%w: unknown class %s", ErrMalformedImage, img.Class)
	}

	spec, err := arch.Lookup(img.Machine, img.Class)
	if err != nil {
		return nil, err
	}
	img.Arch = spec

	if img.Type != elf.ET_DYN && img.Type != elf.ET_EXEC {
		return nil, fmt.Errorf("%w: unexpected type %s", ErrMalformedImage, img.Type)
	}
	if err := img.readProgs(phoff, phentsize, phnum); err != nil {
		return nil, err
	}
	return img, nil
}

func (img *Image) readProgs(phoff uint64, phentsize, phnum uint16) error {
	want := uint16(prog32Size)
	if img.Class == elf.ELFCLASS64 {
		want = prog64Size
	}
	if phnum == 0 {
		return fmt.Errorf("%w: no program headers", ErrMalformedImage)
	}
	if phentsize != want {
		return fmt.Errorf("%w: program header size %d, want %d", ErrMalformedImage, phentsize, want)
	}

	progs := make([]elf.ProgHeader, 0, phnum)
	for i := uint64(0); i < uint64(phnum); i++ {
		off := phoff + i*uint64(phentsize)
		var prog elf.ProgHeader
		if img.Class == elf.ELFCLASS64 {
			var raw elf.Prog64
			if err := img.decode(off, prog64Size, &raw); err != nil {
				return err
			}
			prog = elf.ProgHeader{
				Type: elf.ProgType(raw.Type), Flags: elf.ProgFlag(raw.Flags),
				Off: raw.Off, Vaddr: raw.Vaddr, Paddr: raw.Paddr,
				Filesz: raw.Filesz, Memsz: raw.Memsz, Align: raw.Align,
			}
		} else {
			var raw elf.Prog32
			if err := img.decode(off, prog32Size, &raw); err != nil {
				return err
			}
			prog = elf.ProgHeader{
				Type: elf.ProgType(raw.Type), Flags: elf.ProgFlag(raw.Flags),
				Off: uint64(raw.Off), Vaddr: uint64(raw.Vaddr), Paddr: uint64(raw.Paddr),
				Filesz: uint64(raw.Filesz), Memsz: uint64(raw.Memsz), Align: uint64(raw.Align),
			}
		}
		progs = append(progs, prog)
	}

	var (
		loads    []elf.ProgHeader
		relro    []elf.ProgHeader
		dynamic  *elf.ProgHeader
		hdrVaddr uint64
		hdrFound bool
	)
	for i := range progs {
		prog := progs[i]
		switch prog.Type {
		case elf.PT_LOAD:
			if prog.Vaddr+prog.Memsz < prog.Vaddr || prog.Filesz > prog.Memsz {
				return fmt.Errorf("%w: segment %d has inconsistent sizes", ErrMalformedImage, i)
			}
			loads = append(loads, prog)
			if !hdrFound && prog.Off == 0 && prog.Filesz > 0 {
				hdrVaddr, hdrFound = prog.Vaddr, true
			}
		case elf.PT_GNU_RELRO:
			relro = append(relro, prog)
		case elf.PT_DYNAMIC:
			if dynamic == nil {
				dynamic = &progs[i]
			}
		}
	}
	if !hdrFound {
		return fmt.Errorf("%w: no loadable segment holds the ELF header", ErrMalformedImage)
	}
	if dynamic == nil {
		return fmt.Errorf("%w: no PT_DYNAMIC segment", ErrMalformedImage)
	}

	img.Progs = progs
	img.loads = loads
	img.relro = relro
	img.dynamic = dynamic
	img.hdrVaddr = hdrVaddr
	return nil
}

// Base is the absolute address of the ELF header, zero for file images.
func (img *Image) Base() uintptr {
	return img.base
}

// Bias is the difference between an absolute address and its image vaddr.
func (img *Image) Bias() uintptr {
	return img.base - uintptr(img.hdrVaddr)
}

// Addr converts an image vaddr to an address in the current process. File
// images have no process address and get the vaddr back unchanged.
func (img *Image) Addr(vaddr uint64) uintptr {
	if img.base == 0 {
		return uintptr(vaddr)
	}
	return img.Bias() + uintptr(vaddr)
}

// PtrSize is the width of a GOT slot for this image.
func (img *Image) PtrSize() int {
	return img.Arch.PtrSize
}

// ByteOrder reports the image's byte order.
func (img *Image) ByteOrder() binary.ByteOrder {
	return img.order
}

// span is the single bounds check in front of every read: [vaddr,
// vaddr+size) must sit inside one loadable segment.
func (img *Image) span(vaddr, size uint64) error {
	end := vaddr + size
	if end < vaddr {
		return fmt.Errorf("%w: range at %#x overflows", ErrMalformedImage, vaddr)
	}
	for _, load := range img.loads {
		if vaddr >= load.Vaddr && end <= load.Vaddr+load.Memsz {
			return nil
		}
	}
	return fmt.Errorf("%w: [%#x, %#x) is outside every loaded segment", ErrMalformedImage, vaddr, end)
}

// Contains reports whether [vaddr, vaddr+size) is inside a loaded segment.
func (img *Image) Contains(vaddr, size uint64) bool {
	return img.span(vaddr, size) == nil
}

// Writable reports whether [vaddr, vaddr+size) is inside a segment the
// loader leaves writable or one it write-protects after relocation.
func (img *Image) Writable(vaddr, size uint64) bool {
	if img.span(vaddr, size) != nil {
		return false
	}
	end := vaddr + size
	for _, load := range img.loads {
		if load.Flags&elf.PF_W != 0 && vaddr >= load.Vaddr && end <= load.Vaddr+load.Memsz {
			return true
		}
	}
	for _, seg := range img.relro {
		if vaddr >= seg.Vaddr && end <= seg.Vaddr+seg.Memsz {
			return true
		}
	}
	return false
}

func (img *Image) read(vaddr uint64, p []byte) error {
	if err := img.span(vaddr, uint64(len(p))); err != nil {
		return err
	}
	if vaddr < img.hdrVaddr {
		return fmt.Errorf("%w: %#x precedes the ELF header", ErrMalformedImage, vaddr)
	}
	if _, err := img.mem.ReadAt(p, int64(vaddr-img.hdrVaddr)); err != nil {
		return errors.Join(fmt.Errorf("%w: read %d bytes at %#x", ErrMalformedImage, len(p), vaddr), err)
	}
	return nil
}

func (img *Image) decode(vaddr uint64, size int, out any) error {
	buf := make([]byte, size)
	if err := img.read(vaddr, buf); err != nil {
		return err
	}
	return binary.Read(bytes.NewReader(buf), img.order, out)
}

func (img *Image) u16(vaddr uint64) (uint16, error) {
	var buf [2]byte
	if err := img.read(vaddr, buf[:]); err != nil {
		return 0, err
	}
	return img.order.Uint16(buf[:]), nil
}

func (img *Image) u32(vaddr uint64) (uint32, error) {
	var buf [4]byte
	if err := img.read(vaddr, buf[:]); err != nil {
		return 0, err
	}
	return img.order.Uint32(buf[:]), nil
}

func (img *Image) u64(vaddr uint64) (uint64, error) {
	var buf [8]byte
	if err := img.read(vaddr, buf[:]); err != nil {
		return 0, err
	}
	return img.order.Uint64(buf[:]), nil
}

// word reads a class-sized value.
func (img *Image) word(vaddr uint64) (uint64, error) {
	if img.Class == elf.ELFCLASS32 {
		v, err := img.u32(vaddr)
		return uint64(v), err
	}
	return img.u64(vaddr)
}
