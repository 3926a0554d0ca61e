// Package procmaps reads the kernel's view of a process address space from
// /proc/<pid>/maps.
package procmaps

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

var ErrNotMapped = errors.New("address is not mapped")

// Mapping is one line of a maps file.
type Mapping struct {
	Start   uintptr
	End     uintptr
	Prot    int
	Private bool
	Offset  uintptr
	Dev     uint64
	Inode   uint64
	Path    string
}

func (m Mapping) Contains(addr uintptr) bool {
	return addr >= m.Start && addr < m.End
}

func (m Mapping) Len() uintptr {
	return m.End - m.Start
}

// Perms renders Prot and Private the way the kernel prints them.
func (m Mapping) Perms() string {
	b := []byte("---s")
	if m.Prot&unix.PROT_READ != 0 {
		b[0] = 'r'
	}
	if m.Prot&unix.PROT_WRITE != 0 {
		b[1] = 'w'
	}
	if m.Prot&unix.PROT_EXEC != 0 {
		b[2] = 'x'
	}
	if m.Private {
		b[3] = 'p'
	}
	return string(b)
}

// Named reports whether the mapping is backed by a file rather than being
// anonymous or a kernel pseudo-region like [stack].
func (m Mapping) Named() bool {
	return m.Path != "" && !strings.HasPrefix(m.Path, "[")
}

// Scan reads /proc/<pid>/maps. Pass "self" for the current process.
func Scan(pid string) ([]Mapping, error) {
	path := "/proc/" + pid + "/maps"
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return Parse(bytes.NewReader(raw))
}

// Parse reads maps-formatted lines. Lines that do not parse are skipped.
func Parse(r io.Reader) ([]Mapping, error) {
	var entries []Mapping
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)
	for scanner.Scan() {
		entry, ok := parseLine(scanner.Text())
		if !ok {
			continue
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan maps: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Start < entries[j].Start })
	return entries, nil
}

func parseLine(line string) (Mapping, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return Mapping{}, false
	}
	fields := strings.Fields(line)
	if len(fields) < 5 {
		return Mapping{}, false
	}

	rangeParts := strings.SplitN(fields[0], "-", 2)
	if len(rangeParts) != 2 {
		return Mapping{}, false
	}
	start, startErr := parseHexUintptr(rangeParts[0])
	end, endErr := parseHexUintptr(rangeParts[1])
	offset, offsetErr := parseHexUintptr(fields[2])
	if startErr != nil || endErr != nil || offsetErr != nil || end < start {
		return Mapping{}, false
	}

	perms := fields[1]
	if len(perms) < 4 {
		return Mapping{}, false
	}
	var prot int
	if perms[0] == 'r' {
		prot |= unix.PROT_READ
	}
	if perms[1] == 'w' {
		prot |= unix.PROT_WRITE
	}
	if perms[2] == 'x' {
		prot |= unix.PROT_EXEC
	}

	devParts := strings.SplitN(fields[3], ":", 2)
	if len(devParts) != 2 {
		return Mapping{}, false
	}
	major, majorErr := strconv.ParseUint(devParts[0], 16, 32)
	minor, minorErr := strconv.ParseUint(devParts[1], 16, 32)
	inode, inodeErr := strconv.ParseUint(fields[4], 10, 64)
	if majorErr != nil || minorErr != nil || inodeErr != nil {
		return Mapping{}, false
	}

	path := ""
	if len(fields) >= 6 {
		path = strings.Join(fields[5:], " ")
		path = strings.TrimSuffix(path, " (deleted)")
	}

	return Mapping{
		Start:   start,
		End:     end,
		Prot:    prot,
		Private: perms[3] == 'p',
		Offset:  offset,
		Dev:     unix.Mkdev(uint32(major), uint32(minor)),
		Inode:   inode,
		Path:    path,
	}, true
}

func parseHexUintptr(s string) (uintptr, error) {
	if s == "" {
		return 0, errors.New("empty hex string")
	}
	var out uintptr
	for _, r := range s {
		out <<= 4
		switch {
		case r >= '0' && r <= '9':
			out += uintptr(r - '0')
		case r >= 'a' && r <= 'f':
			out += uintptr(r-'a') + 10
		case r >= 'A' && r <= 'F':
			out += uintptr(r-'A') + 10
		default:
			return 0, fmt.Errorf("invalid hex string %q", s)
		}
	}
	return out, nil
}

// Find returns the mapping containing addr. entries must be sorted by Start,
// as Parse returns them.
func Find(entries []Mapping, addr uintptr) (Mapping, bool) {
	i := sort.Search(len(entries), func(i int) bool { return entries[i].End > addr })
	if i < len(entries) && entries[i].Contains(addr) {
		return entries[i], true
	}
	return Mapping{}, false
}

// Protection reports the current protection of the page holding addr in the
// calling process.
func Protection(addr uintptr) (int, error) {
	entries, err := Scan("self")
	if err != nil {
		return 0, err
	}
	entry, ok := Find(entries, addr)
	if !ok {
		return 0, fmt.Errorf("%w: %#x", ErrNotMapped, addr)
	}
	return entry.Prot, nil
}
