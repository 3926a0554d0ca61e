package elfimage

import (
	"bytes"
	"debug/elf"
	"fmt"
)

// Group flags of the APS2 packed relocation format used by Android's
// relocation packer and lld's --pack-dyn-relocs=android.
const (
	packedGroupedByInfo        = 1
	packedGroupedByOffsetDelta = 2
	packedGroupedByAddend      = 4
	packedGroupHasAddend       = 8
)

var packedMagic = []byte("APS2")

type sleb128Reader struct {
	data []byte
	pos  int
}

func (r *sleb128Reader) next() (int64, error) {
	var (
		value int64
		shift uint
	)
	for {
		if r.pos >= len(r.data) {
			return 0, fmt.Errorf("%w: packed relocations truncated at byte %d", ErrMalformedImage, r.pos)
		}
		b := r.data[r.pos]
		r.pos++
		if shift < 64 {
			value |= int64(b&0x7f) << shift
		}
		shift += 7
		if b&0x80 == 0 {
			if shift < 64 && b&0x40 != 0 {
				value |= -1 << shift
			}
			return value, nil
		}
		if shift >= 70 {
			return 0, fmt.Errorf("%w: sleb128 value too long at byte %d", ErrMalformedImage, r.pos)
		}
	}
}

// decodePacked expands an APS2 table, calling yield for each relocation
// until it returns false.
func decodePacked(data []byte, class elf.Class, rela bool, yield func(Relocation) bool) error {
	if !bytes.HasPrefix(data, packedMagic) {
		return fmt.Errorf("%w: packed relocations lack the APS2 magic", ErrMalformedImage)
	}
	r := &sleb128Reader{data: data, pos: len(packedMagic)}

	mask := ^uint64(0)
	if class == elf.ELFCLASS32 {
		mask = 0xffffffff
	}

	count, err := r.next()
	if err != nil {
		return err
	}
	if count < 0 {
		return fmt.Errorf("%w: packed relocation count %d", ErrMalformedImage, count)
	}
	start, err := r.next()
	if err != nil {
		return err
	}

	var (
		offset = uint64(start)
		info   uint64
		addend int64
	)
	for remaining := uint64(count); remaining > 0; {
		size, err := r.next()
		if err != nil {
			return err
		}
		if size <= 0 || uint64(size) > remaining {
			return fmt.Errorf("%w: packed group of %d with %d relocations left", ErrMalformedImage, size, remaining)
		}
		flags, err := r.next()
		if err != nil {
			return err
		}
		hasAddend := flags&packedGroupHasAddend != 0
		if hasAddend && !rela {
			return fmt.Errorf("%w: addend in a packed REL table", ErrMalformedImage)
		}

		var delta int64
		if flags&packedGroupedByOffsetDelta != 0 {
			if delta, err = r.next(); err != nil {
				return err
			}
		}
		if flags&packedGroupedByInfo != 0 {
			v, err := r.next()
			if err != nil {
				return err
			}
			info = uint64(v)
		}
		switch {
		case hasAddend && flags&packedGroupedByAddend != 0:
			v, err := r.next()
			if err != nil {
				return err
			}
			addend += v
		case !hasAddend:
			addend = 0
		}

		for i := int64(0); i < size; i++ {
			if flags&packedGroupedByOffsetDelta != 0 {
				offset += uint64(delta)
			} else {
				v, err := r.next()
				if err != nil {
					return err
				}
				offset += uint64(v)
			}
			if flags&packedGroupedByInfo == 0 {
				v, err := r.next()
				if err != nil {
					return err
				}
				info = uint64(v)
			}
			if hasAddend && flags&packedGroupedByAddend == 0 {
				v, err := r.next()
				if err != nil {
					return err
				}
				addend += v
			}

			rel := Relocation{Offset: offset & mask, Addend: addend}
			rel.Sym, rel.Type = splitInfo(class, info&mask)
			if !yield(rel) {
				return nil
			}
		}
		remaining -= uint64(size)
	}
	return nil
}
