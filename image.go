package plthook

import (
	"fmt"
	"sync"

	"github.com/sliverarmory/plthook/elfimage"
	"github.com/sliverarmory/plthook/procmaps"
)

// Image is a shared object loaded in this process. The engine only reads
// its metadata and writes its GOT slots; the mapping stays owned by the
// dynamic linker.
type Image struct {
	// Mapping is the maps entry holding the ELF header.
	Mapping procmaps.Mapping

	elf *elfimage.Image

	dynOnce sync.Once
	dyn     *elfimage.DynamicInfo
	dynErr  error
}

// OpenImage finds the image loaded from path. A bare file name such as
// "libc.so.6" matches the first image with that base name.
func OpenImage(path string) (*Image, error) {
	entries, err := procmaps.Scan("self")
	if err != nil {
		return nil, fmt.Errorf("plthook: open %s: %w", path, err)
	}
	m, err := procmaps.ByPath(entries, path)
	if err != nil {
		return nil, fmt.Errorf("plthook: open %s: %w", path, err)
	}
	return openMapping(m)
}

// OpenImageAt finds the image that addr belongs to. addr may be the load
// base or any address inside the image, such as one of its functions.
func OpenImageAt(addr uintptr) (*Image, error) {
	entries, err := procmaps.Scan("self")
	if err != nil {
		return nil, fmt.Errorf("plthook: open %#x: %w", addr, err)
	}
	m, err := procmaps.ByAddress(entries, addr)
	if err != nil {
		return nil, fmt.Errorf("plthook: open %#x: %w", addr, err)
	}
	return openMapping(m)
}

// OpenImageByInode finds the image mapped from the file dev:inode with its
// ELF header at offset. offset is non-zero for libraries loaded straight
// out of an uncompressed archive, where several images share one inode.
func OpenImageByInode(dev, inode uint64, offset uintptr) (*Image, error) {
	entries, err := procmaps.Scan("self")
	if err != nil {
		return nil, fmt.Errorf("plthook: open %d:%d: %w", dev, inode, err)
	}
	m, err := procmaps.ByInode(entries, dev, inode, offset)
	if err != nil {
		return nil, fmt.Errorf("plthook: open %d:%d: %w", dev, inode, err)
	}
	return openMapping(m)
}

func openMapping(m procmaps.Mapping) (*Image, error) {
	mem := elfimage.Live{Base: m.Start, HeaderMap: uint64(m.Len())}
	img, err := elfimage.Open(mem, m.Start)
	if err != nil {
		return nil, fmt.Errorf("plthook: open %s at %#x: %w", m.Path, m.Start, err)
	}
	return &Image{Mapping: m, elf: img}, nil
}

// Path is the file the image was mapped from.
func (i *Image) Path() string {
	return i.Mapping.Path
}

// Base is the address of the image's ELF header.
func (i *Image) Base() uintptr {
	return i.elf.Base()
}

// ELF exposes the parsed headers.
func (i *Image) ELF() *elfimage.Image {
	return i.elf
}

// Dynamic parses the dynamic section on first use and caches the result.
func (i *Image) Dynamic() (*elfimage.DynamicInfo, error) {
	i.dynOnce.Do(func() {
		i.dyn, i.dynErr = i.elf.Dynamic()
	})
	return i.dyn, i.dynErr
}

func (i *Image) String() string {
	return fmt.Sprintf("%s@%#x", i.Mapping.Path, i.Base())
}

// NewImage wraps an already parsed image, for callers that locate images
// themselves.
func NewImage(img *elfimage.Image) *Image {
	return &Image{elf: img}
}
