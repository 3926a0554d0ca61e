package elfimage

import (
	"bytes"
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"os"
)

// Memory is the address space an Image reads from. Offsets are relative to
// the ELF header, so a live mapping, a byte slice, and a file laid out by its
// segments all look the same to the reader.
type Memory interface {
	io.ReaderAt
	// HeaderLen reports how many bytes from the ELF header on may be read
	// before the program headers are known.
	HeaderLen() uint64
}

// Bytes is an image whose virtual layout matches its byte layout.
type Bytes []byte

func (b Bytes) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off > int64(len(b)) {
		return 0, fmt.Errorf("read at %#x: %w", off, io.ErrUnexpectedEOF)
	}
	n := copy(p, b[off:])
	if n < len(p) {
		return n, io.ErrUnexpectedEOF
	}
	return n, nil
}

func (b Bytes) HeaderLen() uint64 {
	return uint64(len(b))
}

// fileMemory presents an on-disk object the way the loader would map it:
// each PT_LOAD at its vaddr, with the tail past p_filesz reading as zero.
type fileMemory struct {
	data     []byte
	loads    []elf.ProgHeader
	hdrVaddr uint64
}

func (m *fileMemory) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("read at %#x: %w", off, io.ErrUnexpectedEOF)
	}
	vaddr := m.hdrVaddr + uint64(off)
	for _, load := range m.loads {
		if vaddr < load.Vaddr || vaddr+uint64(len(p)) > load.Vaddr+load.Memsz {
			continue
		}
		clear(p)
		rel := vaddr - load.Vaddr
		if rel >= load.Filesz {
			return len(p), nil
		}
		avail := min(load.Filesz-rel, uint64(len(p)))
		start := load.Off + rel
		if start > uint64(len(m.data)) || avail > uint64(len(m.data))-start {
			return 0, fmt.Errorf("segment at %#x: %w", load.Vaddr, io.ErrUnexpectedEOF)
		}
		copy(p, m.data[start:start+avail])
		return len(p), nil
	}
	return 0, fmt.Errorf("vaddr %#x is not inside a loadable segment: %w", vaddr, io.ErrUnexpectedEOF)
}

func (m *fileMemory) HeaderLen() uint64 {
	for _, load := range m.loads {
		if load.Vaddr == m.hdrVaddr {
			return load.Filesz
		}
	}
	return 0
}

// OpenFile reads the object at path and lays it out in memory order. The
// result has a zero base, so slot addresses it reports are image vaddrs.
func OpenFile(path string) (*Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return OpenFileBytes(data)
}

// OpenFileBytes is OpenFile for an object already read into memory.
func OpenFileBytes(data []byte) (*Image, error) {
	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Join(ErrMalformedImage, err)
	}
	defer f.Close()

	mem := &fileMemory{data: data}
	found := false
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		mem.loads = append(mem.loads, prog.ProgHeader)
		if prog.Off == 0 && prog.Filesz > 0 && !found {
			mem.hdrVaddr = prog.Vaddr
			found = true
		}
	}
	if !found {
		return nil, fmt.Errorf("%w: no loadable segment holds the ELF header", ErrMalformedImage)
	}
	return Open(mem, 0)
}
