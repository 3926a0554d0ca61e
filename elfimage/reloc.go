package elfimage

import (
	"debug/elf"
	"iter"
)

// relocBatch is how many table entries are read from the image at once.
const relocBatch = 256

// Relocation is one decoded REL or RELA entry. Addend is zero for REL.
type Relocation struct {
	Offset uint64
	Sym    uint32
	Type   uint32
	Addend int64
}

func splitInfo(class elf.Class, info uint64) (sym, typ uint32) {
	if class == elf.ELFCLASS32 {
		return uint32(info >> 8), uint32(info & 0xff)
	}
	return uint32(info >> 32), uint32(info)
}

// Relocations iterates the entries of table in order. Packed tables are
// expanded on the fly. Iteration stops after the first error.
func (info *DynamicInfo) Relocations(table RelocTable) iter.Seq2[Relocation, error] {
	return func(yield func(Relocation, error) bool) {
		img := info.img
		if table.Encoding.Packed() {
			buf := make([]byte, table.Size)
			if err := img.read(table.Addr, buf); err != nil {
				yield(Relocation{}, err)
				return
			}
			err := decodePacked(buf, img.Class, table.Encoding.HasAddend(), func(rel Relocation) bool {
				return yield(rel, nil)
			})
			if err != nil {
				yield(Relocation{}, err)
			}
			return
		}

		count := table.Count()
		buf := make([]byte, min(count, relocBatch)*table.EntSize)
		for first := uint64(0); first < count; first += relocBatch {
			n := min(count-first, relocBatch)
			chunk := buf[:n*table.EntSize]
			if err := img.read(table.Addr+first*table.EntSize, chunk); err != nil {
				yield(Relocation{}, err)
				return
			}
			for i := uint64(0); i < n; i++ {
				rel := img.decodeReloc(chunk[i*table.EntSize:], table.Encoding.HasAddend())
				if !yield(rel, nil) {
					return
				}
			}
		}
	}
}

func (img *Image) decodeReloc(b []byte, rela bool) Relocation {
	o := img.order
	var rel Relocation
	if img.Class == elf.ELFCLASS32 {
		rel.Offset = uint64(o.Uint32(b))
		rel.Sym, rel.Type = splitInfo(img.Class, uint64(o.Uint32(b[4:])))
		if rela {
			rel.Addend = int64(int32(o.Uint32(b[8:])))
		}
		return rel
	}
	rel.Offset = o.Uint64(b)
	rel.Sym, rel.Type = splitInfo(img.Class, o.Uint64(b[8:]))
	if rela {
		rel.Addend = int64(o.Uint64(b[16:]))
	}
	return rel
}
