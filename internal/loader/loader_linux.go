//go:build linux && cgo

// Package loader loads a shared object from memory through the C runtime's
// dlopen and calls into it. Tests and the command line tool use it to get a
// real image into the process whose GOT can then be hooked.
package loader

import (
	"debug/elf"
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/sliverarmory/plthook/arch"
	"github.com/sliverarmory/plthook/elfimage"
	"github.com/sliverarmory/plthook/procmaps"
)

const (
	rtldNow   = 2
	rtldLocal = 0
)

type dynAPI struct {
	dlopen  uintptr
	dlsym   uintptr
	dlclose uintptr
	dlerror uintptr
}

var (
	apiOnce sync.Once
	api     dynAPI
	apiErr  error
)

var ErrClosed = errors.New("loader: module is closed")

// Module is a shared object loaded from memory. Its backing file has no
// directory entry; the dynamic linker sees it as /proc/self/fd/N.
type Module struct {
	mu     sync.RWMutex
	file   *os.File
	handle uintptr
}

// Load writes data to an anonymous file and dlopens it.
func Load(data []byte) (*Module, error) {
	if len(data) == 0 {
		return nil, errors.New("loader: empty image")
	}
	if err := validateForHost(data); err != nil {
		return nil, err
	}
	dl, err := getDynAPI()
	if err != nil {
		return nil, err
	}

	f, err := anonymousFile()
	if err != nil {
		return nil, err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("loader: write image: %w", err)
	}

	path := fmt.Sprintf("/proc/self/fd/%d", f.Fd())
	handle, err := dlopen(dl, path)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return &Module{file: f, handle: handle}, nil
}

// LoadFile reads path and loads it with Load.
func LoadFile(path string) (*Module, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("loader: %w", err)
	}
	return Load(data)
}

// Free dlcloses the module and drops its backing file. It is safe to call
// more than once.
func (m *Module) Free() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.handle != 0 {
		if dl, err := getDynAPI(); err == nil {
			cCall1(dl.dlclose, m.handle)
		}
		m.handle = 0
	}
	if m.file != nil {
		_ = m.file.Close()
		m.file = nil
	}
}

// Symbol resolves an export with dlsym.
func (m *Module) Symbol(name string) (uintptr, error) {
	if strings.TrimSpace(name) == "" {
		return 0, errors.New("loader: empty symbol name")
	}
	m.mu.RLock()
	handle := m.handle
	m.mu.RUnlock()
	if handle == 0 {
		return 0, ErrClosed
	}

	dl, err := getDynAPI()
	if err != nil {
		return 0, err
	}
	cName, err := unix.BytePtrFromString(name)
	if err != nil {
		return 0, fmt.Errorf("loader: symbol %q: %w", name, err)
	}

	cCall0(dl.dlerror)
	addr := cCall2(dl.dlsym, handle, uintptr(unsafe.Pointer(cName)))
	runtime.KeepAlive(cName)
	if msg := dlerror(dl); msg != "" {
		return 0, fmt.Errorf("loader: dlsym %s: %s", name, msg)
	}
	if addr == 0 {
		return 0, fmt.Errorf("loader: dlsym %s: null address", name)
	}
	return addr, nil
}

// Call resolves name and calls it with up to two pointer-sized arguments.
func (m *Module) Call(name string, args ...uintptr) (uintptr, error) {
	fn, err := m.Symbol(name)
	if err != nil {
		return 0, err
	}
	return Call(fn, args...)
}

// Call invokes the C function at fn.
func Call(fn uintptr, args ...uintptr) (uintptr, error) {
	if fn == 0 {
		return 0, errors.New("loader: call through null address")
	}
	switch len(args) {
	case 0:
		return cCall0(fn), nil
	case 1:
		return cCall1(fn, args[0]), nil
	case 2:
		return cCall2(fn, args[0], args[1]), nil
	default:
		return 0, fmt.Errorf("loader: %d arguments, at most 2 are supported", len(args))
	}
}

// anonymousFile opens a file on /dev/shm that has no name, with O_TMPFILE
// where the kernel supports it and create-then-unlink otherwise.
func anonymousFile() (*os.File, error) {
	fd, err := unix.Open("/dev/shm", unix.O_RDWR|unix.O_CLOEXEC|unix.O_TMPFILE, 0o600)
	if err == nil {
		return os.NewFile(uintptr(fd), "plthook-loader"), nil
	}
	f, tmpErr := os.CreateTemp("/dev/shm", "plthook-loader-*")
	if tmpErr != nil {
		return nil, fmt.Errorf("loader: anonymous file: %w", errors.Join(err, tmpErr))
	}
	if err := os.Remove(f.Name()); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("loader: anonymous file: %w", err)
	}
	return f, nil
}

func dlopen(dl *dynAPI, path string) (uintptr, error) {
	cPath, err := unix.BytePtrFromString(path)
	if err != nil {
		return 0, fmt.Errorf("loader: dlopen %s: %w", path, err)
	}
	cCall0(dl.dlerror)
	handle := cCall2(dl.dlopen, uintptr(unsafe.Pointer(cPath)), rtldNow|rtldLocal)
	runtime.KeepAlive(cPath)
	if handle == 0 {
		msg := dlerror(dl)
		if msg == "" {
			msg = "no error reported"
		}
		return 0, fmt.Errorf("loader: dlopen %s: %s", path, msg)
	}
	return handle, nil
}

// dlerror returns and clears the dynamic linker's pending error message.
func dlerror(dl *dynAPI) string {
	p := cCall0(dl.dlerror)
	if p == 0 {
		return ""
	}
	return unix.BytePtrToString((*byte)(unsafe.Pointer(p)))
}

func getDynAPI() (*dynAPI, error) {
	apiOnce.Do(func() {
		apiErr = initDynAPI()
	})
	if apiErr != nil {
		return nil, apiErr
	}
	return &api, nil
}

// initDynAPI finds dlopen and friends in the C runtime already mapped into
// the process by reading its dynamic symbol table in place.
func initDynAPI() error {
	libc, err := findRuntimeLibc()
	if err != nil {
		return err
	}
	img, err := elfimage.Open(elfimage.Live{Base: libc.Start, HeaderMap: uint64(libc.Len())}, libc.Start)
	if err != nil {
		return fmt.Errorf("open runtime libc %s: %w", libc.Path, err)
	}
	dyn, err := img.Dynamic()
	if err != nil {
		return fmt.Errorf("read runtime libc %s: %w", libc.Path, err)
	}

	addrs := make(map[string]uintptr, 4)
	for _, name := range []string{"dlopen", "dlsym", "dlclose", "dlerror"} {
		sym, ok, err := dyn.Lookup(name)
		if err != nil {
			return fmt.Errorf("resolve libc symbol %s: %w", name, err)
		}
		if !ok {
			return fmt.Errorf("resolve libc symbol %s: not defined by %s", name, libc.Path)
		}
		addrs[name] = img.Addr(sym.Value)
	}

	api = dynAPI{
		dlopen:  addrs["dlopen"],
		dlsym:   addrs["dlsym"],
		dlclose: addrs["dlclose"],
		dlerror: addrs["dlerror"],
	}
	return nil
}

func findRuntimeLibc() (procmaps.Mapping, error) {
	entries, err := procmaps.Scan("self")
	if err != nil {
		return procmaps.Mapping{}, err
	}

	bestScore := -1
	var best procmaps.Mapping
	for _, entry := range entries {
		if entry.Offset != 0 || !entry.Named() || entry.Prot&unix.PROT_READ == 0 {
			continue
		}
		score := libcPathScore(entry.Path)
		if score > bestScore {
			bestScore = score
			best = entry
		}
	}
	if bestScore < 0 {
		return procmaps.Mapping{}, errors.New("failed to locate runtime libc mapping")
	}
	return best, nil
}

func libcPathScore(path string) int {
	p := strings.ToLower(path)
	switch {
	case strings.Contains(p, "libc.so"):
		return 100
	case strings.Contains(p, "libc-"):
		return 95
	case strings.Contains(p, "ld-musl"):
		return 90
	case strings.Contains(p, "musl"):
		return 85
	case strings.Contains(p, "ld-linux"):
		return 80
	default:
		return -1
	}
}

func validateForHost(data []byte) error {
	img, err := elfimage.OpenFileBytes(data)
	if err != nil {
		return fmt.Errorf("invalid ELF image: %w", err)
	}
	host, err := arch.Host()
	if err != nil {
		return err
	}
	if img.Machine != host.Machine || img.Class != host.Class {
		return fmt.Errorf("foreign platform (provided: %s/%s, expected: %s/%s)", img.Machine, img.Class, host.Machine, host.Class)
	}
	if img.Type != elf.ET_DYN {
		return fmt.Errorf("unsupported ELF file type: %s", img.Type)
	}
	return nil
}
