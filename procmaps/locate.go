package procmaps

import (
	"fmt"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

// headerCandidate reports whether m can hold an ELF header: a readable,
// private, file-backed mapping.
func headerCandidate(m Mapping) bool {
	return m.Private && m.Prot&unix.PROT_READ != 0 && m.Named()
}

// ByPath returns the mapping holding the ELF header of the object loaded
// from path. A bare file name matches any directory.
func ByPath(entries []Mapping, path string) (Mapping, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return Mapping{}, fmt.Errorf("%w: empty path", ErrNotMapped)
	}
	bare := !strings.ContainsRune(path, '/')
	for _, m := range entries {
		if !headerCandidate(m) || m.Offset != 0 {
			continue
		}
		if m.Path == path || (bare && filepath.Base(m.Path) == path) {
			return m, nil
		}
	}
	return Mapping{}, fmt.Errorf("%w: no image loaded from %s", ErrNotMapped, path)
}

// ByAddress returns the header mapping of the object that addr falls in.
// addr may be the load base or any address inside one of its mappings.
func ByAddress(entries []Mapping, addr uintptr) (Mapping, error) {
	idx := -1
	for i, m := range entries {
		if m.Contains(addr) {
			idx = i
			break
		}
	}
	if idx < 0 {
		return Mapping{}, fmt.Errorf("%w: %#x", ErrNotMapped, addr)
	}
	owner := entries[idx]
	if !owner.Named() {
		return Mapping{}, fmt.Errorf("%w: %#x is not inside a file-backed image", ErrNotMapped, addr)
	}
	for i := idx; i >= 0; i-- {
		m := entries[i]
		if m.Dev != owner.Dev || m.Inode != owner.Inode {
			continue
		}
		if m.Offset == 0 && headerCandidate(m) {
			return m, nil
		}
	}
	return Mapping{}, fmt.Errorf("%w: no ELF header mapping precedes %#x", ErrNotMapped, addr)
}

// ByInode returns the header mapping for the file identified by dev and
// inode, where the ELF header sits at offset within that file. offset is
// non-zero for libraries mapped directly out of an archive.
func ByInode(entries []Mapping, dev, inode uint64, offset uintptr) (Mapping, error) {
	for _, m := range entries {
		if m.Dev == dev && m.Inode == inode && m.Offset == offset && headerCandidate(m) {
			return m, nil
		}
	}
	return Mapping{}, fmt.Errorf("%w: no mapping of %d:%d at offset %#x", ErrNotMapped, dev, inode, offset)
}
