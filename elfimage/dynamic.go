package elfimage

import (
	"bytes"
	"debug/elf"
	"fmt"
)

// Android's packed relocation tags. debug/elf does not name them.
const (
	dtAndroidRel    elf.DynTag = 0x6000000f
	dtAndroidRelSz  elf.DynTag = 0x60000010
	dtAndroidRela   elf.DynTag = 0x60000011
	dtAndroidRelaSz elf.DynTag = 0x60000012
)

// maxVersionEntries bounds version table walks on corrupt images.
const maxVersionEntries = 1 << 12

type Encoding int

const (
	EncodingRel Encoding = iota
	EncodingRela
	EncodingPackedRel
	EncodingPackedRela
)

func (e Encoding) String() string {
	switch e {
	case EncodingRel:
		return "REL"
	case EncodingRela:
		return "RELA"
	case EncodingPackedRel:
		return "APS2 REL"
	case EncodingPackedRela:
		return "APS2 RELA"
	default:
		return fmt.Sprintf("Encoding(%d)", int(e))
	}
}

func (e Encoding) Packed() bool {
	return e == EncodingPackedRel || e == EncodingPackedRela
}

func (e Encoding) HasAddend() bool {
	return e == EncodingRela || e == EncodingPackedRela
}

// RelocTable is one relocation table named by the dynamic section.
type RelocTable struct {
	Tag      elf.DynTag
	Addr     uint64
	Size     uint64
	EntSize  uint64
	Encoding Encoding
	// PLT is set for the DT_JMPREL table.
	PLT bool
}

// Count is the number of entries, or zero for packed tables whose count is
// only known once decoded.
func (t RelocTable) Count() uint64 {
	if t.Encoding.Packed() || t.EntSize == 0 {
		return 0
	}
	return t.Size / t.EntSize
}

func (t RelocTable) Name() string {
	switch t.Tag {
	case dtAndroidRel:
		return "DT_ANDROID_REL"
	case dtAndroidRela:
		return "DT_ANDROID_RELA"
	default:
		return t.Tag.String()
	}
}

// DynamicInfo summarizes the dynamic section of one image. All addresses are
// image vaddrs.
type DynamicInfo struct {
	img *Image

	SymTab   uint64
	SymEnt   uint64
	SymCount uint64
	StrTab   uint64
	StrSize  uint64
	Hash     uint64
	GNUHash  uint64
	VerSym   uint64

	Tables []RelocTable

	SOName string
	Needed []string

	versions map[uint16]string
}

// Image returns the image info was read from.
func (info *DynamicInfo) Image() *Image {
	return info.img
}

// Dynamic walks PT_DYNAMIC and validates every table it names against the
// loaded segments.
func (img *Image) Dynamic() (*DynamicInfo, error) {
	entSize := uint64(8)
	if img.Class == elf.ELFCLASS64 {
		entSize = 16
	}
	seg := img.dynamic
	if err := img.span(seg.Vaddr, seg.Memsz); err != nil {
		return nil, fmt.Errorf("dynamic segment: %w", err)
	}

	tags := make(map[elf.DynTag]uint64)
	var neededOffs []uint64
	count := seg.Memsz / entSize
	for i := uint64(0); i < count; i++ {
		addr := seg.Vaddr + i*entSize
		rawTag, err := img.word(addr)
		if err != nil {
			return nil, err
		}
		val, err := img.word(addr + entSize/2)
		if err != nil {
			return nil, err
		}
		tag := elf.DynTag(rawTag)
		if tag == elf.DT_NULL {
			break
		}
		if tag == elf.DT_NEEDED {
			neededOffs = append(neededOffs, val)
			continue
		}
		if _, seen := tags[tag]; !seen {
			tags[tag] = val
		}
	}

	info := &DynamicInfo{img: img}
	symtab, ok := tags[elf.DT_SYMTAB]
	if !ok {
		return nil, fmt.Errorf("%w: missing DT_SYMTAB", ErrMalformedImage)
	}
	strtab, ok := tags[elf.DT_STRTAB]
	if !ok {
		return nil, fmt.Errorf("%w: missing DT_STRTAB", ErrMalformedImage)
	}
	strsz, ok := tags[elf.DT_STRSZ]
	if !ok || strsz == 0 {
		return nil, fmt.Errorf("%w: missing DT_STRSZ", ErrMalformedImage)
	}
	info.SymTab = img.ptr(symtab)
	info.StrTab = img.ptr(strtab)
	info.StrSize = strsz
	if err := img.span(info.StrTab, info.StrSize); err != nil {
		return nil, fmt.Errorf("string table: %w", err)
	}

	info.SymEnt = 16
	if img.Class == elf.ELFCLASS64 {
		info.SymEnt = 24
	}
	if v, ok := tags[elf.DT_SYMENT]; ok && v != info.SymEnt {
		return nil, fmt.Errorf("%w: DT_SYMENT %d, want %d", ErrMalformedImage, v, info.SymEnt)
	}

	if err := img.collectTables(info, tags); err != nil {
		return nil, err
	}

	if v, ok := tags[elf.DT_HASH]; ok {
		info.Hash = img.ptr(v)
	}
	if v, ok := tags[elf.DT_GNU_HASH]; ok {
		info.GNUHash = img.ptr(v)
	}
	symCount, err := img.symbolCount(info)
	if err != nil {
		return nil, err
	}
	info.SymCount = symCount

	if v, ok := tags[elf.DT_VERSYM]; ok {
		info.VerSym = img.ptr(v)
		if err := img.span(info.VerSym, 2*info.SymCount); err != nil {
			return nil, fmt.Errorf("version symbol table: %w", err)
		}
	}
	if info.versions, err = img.readVersions(info, tags); err != nil {
		return nil, err
	}

	if v, ok := tags[elf.DT_SONAME]; ok {
		if info.SOName, err = info.String(v); err != nil {
			return nil, err
		}
	}
	for _, off := range neededOffs {
		name, err := info.String(off)
		if err != nil {
			return nil, err
		}
		info.Needed = append(info.Needed, name)
	}
	return info, nil
}

// ptr maps a d_ptr value to an image vaddr. glibc rewrites these entries to
// absolute addresses once the object is relocated; bionic and on-disk
// objects keep vaddrs.
func (img *Image) ptr(val uint64) uint64 {
	if img.span(val, 1) == nil {
		return val
	}
	if img.base != 0 {
		if adjusted := val - uint64(img.Bias()); img.span(adjusted, 1) == nil {
			return adjusted
		}
	}
	return val
}

func (img *Image) collectTables(info *DynamicInfo, tags map[elf.DynTag]uint64) error {
	relEnt, relaEnt := uint64(8), uint64(12)
	if img.Class == elf.ELFCLASS64 {
		relEnt, relaEnt = 16, 24
	}
	if v, ok := tags[elf.DT_RELENT]; ok && v != relEnt {
		return fmt.Errorf("%w: DT_RELENT %d, want %d", ErrMalformedImage, v, relEnt)
	}
	if v, ok := tags[elf.DT_RELAENT]; ok && v != relaEnt {
		return fmt.Errorf("%w: DT_RELAENT %d, want %d", ErrMalformedImage, v, relaEnt)
	}

	add := func(tag, sizeTag elf.DynTag, enc Encoding, entSize uint64, plt bool) error {
		addr, ok := tags[tag]
		if !ok {
			return nil
		}
		size, ok := tags[sizeTag]
		if !ok {
			return fmt.Errorf("%w: %s without %s", ErrMalformedImage, tag, sizeTag)
		}
		if size == 0 {
			return nil
		}
		table := RelocTable{
			Tag:      tag,
			Addr:     img.ptr(addr),
			Size:     size,
			EntSize:  entSize,
			Encoding: enc,
			PLT:      plt,
		}
		if !enc.Packed() && size%entSize != 0 {
			return fmt.Errorf("%w: %s size %d is not a multiple of %d", ErrMalformedImage, tag, size, entSize)
		}
		if err := img.span(table.Addr, table.Size); err != nil {
			return fmt.Errorf("%s: %w", table.Name(), err)
		}
		info.Tables = append(info.Tables, table)
		return nil
	}

	pltEnc, pltEnt := EncodingRel, relEnt
	if img.Class == elf.ELFCLASS64 {
		pltEnc, pltEnt = EncodingRela, relaEnt
	}
	if v, ok := tags[elf.DT_PLTREL]; ok {
		switch elf.DynTag(v) {
		case elf.DT_REL:
			pltEnc, pltEnt = EncodingRel, relEnt
		case elf.DT_RELA:
			pltEnc, pltEnt = EncodingRela, relaEnt
		default:
			return fmt.Errorf("%w: DT_PLTREL %#x", ErrMalformedImage, v)
		}
	}

	if err := add(elf.DT_JMPREL, elf.DT_PLTRELSZ, pltEnc, pltEnt, true); err != nil {
		return err
	}
	if err := add(elf.DT_REL, elf.DT_RELSZ, EncodingRel, relEnt, false); err != nil {
		return err
	}
	if err := add(elf.DT_RELA, elf.DT_RELASZ, EncodingRela, relaEnt, false); err != nil {
		return err
	}
	if err := add(dtAndroidRel, dtAndroidRelSz, EncodingPackedRel, 0, false); err != nil {
		return err
	}
	return add(dtAndroidRela, dtAndroidRelaSz, EncodingPackedRela, 0, false)
}

func (img *Image) symbolCount(info *DynamicInfo) (uint64, error) {
	var (
		count uint64
		err   error
	)
	switch {
	case info.Hash != 0:
		var nchain uint32
		nchain, err = img.u32(info.Hash + 4)
		count = uint64(nchain)
	case info.GNUHash != 0:
		count, err = img.gnuHashCount(info.GNUHash)
	default:
		count = img.boundedSymbolCount(info)
	}
	if err != nil {
		return 0, fmt.Errorf("symbol hash table: %w", err)
	}
	size := count * info.SymEnt
	if count != 0 && size/count != info.SymEnt {
		return 0, fmt.Errorf("%w: symbol count %d overflows", ErrMalformedImage, count)
	}
	if err := img.span(info.SymTab, size); err != nil {
		return 0, fmt.Errorf("symbol table: %w", err)
	}
	return count, nil
}

// gnuHashCount finds the highest symbol index reachable through DT_GNU_HASH
// by walking the chain of the last non-empty bucket.
func (img *Image) gnuHashCount(addr uint64) (uint64, error) {
	nbuckets, err := img.u32(addr)
	if err != nil {
		return 0, err
	}
	symoffset, err := img.u32(addr + 4)
	if err != nil {
		return 0, err
	}
	bloomSize, err := img.u32(addr + 8)
	if err != nil {
		return 0, err
	}
	buckets := addr + 16 + uint64(bloomSize)*uint64(img.Arch.PtrSize)
	if err := img.span(buckets, 4*uint64(nbuckets)); err != nil {
		return 0, err
	}

	var last uint32
	for i := uint64(0); i < uint64(nbuckets); i++ {
		idx, err := img.u32(buckets + 4*i)
		if err != nil {
			return 0, err
		}
		last = max(last, idx)
	}
	if last < symoffset {
		return uint64(symoffset), nil
	}

	chains := buckets + 4*uint64(nbuckets)
	for idx := uint64(last); ; idx++ {
		h, err := img.u32(chains + 4*(idx-uint64(symoffset)))
		if err != nil {
			return 0, err
		}
		if h&1 != 0 {
			return idx + 1, nil
		}
	}
}

// boundedSymbolCount is used when the image has no hash table: the symbol
// table is assumed to end where the string table starts, or at the end of
// its segment.
func (img *Image) boundedSymbolCount(info *DynamicInfo) uint64 {
	for _, load := range img.loads {
		end := load.Vaddr + load.Memsz
		if info.SymTab < load.Vaddr || info.SymTab >= end {
			continue
		}
		if info.StrTab > info.SymTab && info.StrTab <= end {
			end = info.StrTab
		}
		return (end - info.SymTab) / info.SymEnt
	}
	return 0
}

func (img *Image) readVersions(info *DynamicInfo, tags map[elf.DynTag]uint64) (map[uint16]string, error) {
	names := make(map[uint16]string)

	if v, ok := tags[elf.DT_VERNEED]; ok {
		addr := img.ptr(v)
		num := min(tags[elf.DT_VERNEEDNUM], maxVersionEntries)
		for i := uint64(0); i < num; i++ {
			cnt, err := img.u16(addr + 2)
			if err != nil {
				return nil, fmt.Errorf("version needs: %w", err)
			}
			auxOff, err := img.u32(addr + 8)
			if err != nil {
				return nil, fmt.Errorf("version needs: %w", err)
			}
			next, err := img.u32(addr + 12)
			if err != nil {
				return nil, fmt.Errorf("version needs: %w", err)
			}
			aux := addr + uint64(auxOff)
			for j := uint16(0); j < cnt; j++ {
				other, err := img.u16(aux + 6)
				if err != nil {
					return nil, fmt.Errorf("version needs: %w", err)
				}
				nameOff, err := img.u32(aux + 8)
				if err != nil {
					return nil, fmt.Errorf("version needs: %w", err)
				}
				auxNext, err := img.u32(aux + 12)
				if err != nil {
					return nil, fmt.Errorf("version needs: %w", err)
				}
				name, err := info.String(uint64(nameOff))
				if err != nil {
					return nil, err
				}
				names[other&0x7fff] = name
				if auxNext == 0 {
					break
				}
				aux += uint64(auxNext)
			}
			if next == 0 {
				break
			}
			addr += uint64(next)
		}
	}

	if v, ok := tags[elf.DT_VERDEF]; ok {
		addr := img.ptr(v)
		num := min(tags[elf.DT_VERDEFNUM], maxVersionEntries)
		for i := uint64(0); i < num; i++ {
			ndx, err := img.u16(addr + 4)
			if err != nil {
				return nil, fmt.Errorf("version definitions: %w", err)
			}
			cnt, err := img.u16(addr + 6)
			if err != nil {
				return nil, fmt.Errorf("version definitions: %w", err)
			}
			auxOff, err := img.u32(addr + 12)
			if err != nil {
				return nil, fmt.Errorf("version definitions: %w", err)
			}
			next, err := img.u32(addr + 16)
			if err != nil {
				return nil, fmt.Errorf("version definitions: %w", err)
			}
			if cnt > 0 {
				nameOff, err := img.u32(addr + uint64(auxOff))
				if err != nil {
					return nil, fmt.Errorf("version definitions: %w", err)
				}
				name, err := info.String(uint64(nameOff))
				if err != nil {
					return nil, err
				}
				if _, taken := names[ndx&0x7fff]; !taken {
					names[ndx&0x7fff] = name
				}
			}
			if next == 0 {
				break
			}
			addr += uint64(next)
		}
	}
	return names, nil
}

// String reads the NUL-terminated string at off in the dynamic string table.
func (info *DynamicInfo) String(off uint64) (string, error) {
	if off >= info.StrSize {
		return "", fmt.Errorf("%w: string offset %#x past DT_STRSZ %#x", ErrMalformedImage, off, info.StrSize)
	}
	var (
		out   []byte
		chunk [64]byte
	)
	addr, remain := info.StrTab+off, info.StrSize-off
	for remain > 0 {
		n := min(remain, uint64(len(chunk)))
		if err := info.img.read(addr, chunk[:n]); err != nil {
			return "", err
		}
		if i := bytes.IndexByte(chunk[:n], 0); i >= 0 {
			out = append(out, chunk[:i]...)
			return string(out), nil
		}
		out = append(out, chunk[:n]...)
		addr += n
		remain -= n
	}
	return "", fmt.Errorf("%w: unterminated string at %#x", ErrMalformedImage, off)
}
