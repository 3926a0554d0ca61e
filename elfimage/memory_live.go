package elfimage

import (
	"fmt"
	"runtime/debug"
	"unsafe"
)

// Live is an image mapped into the current process, addressed from its ELF
// header at Base. Image bounds-checks every read against the program
// headers before it reaches Live, and a fault on an unreadable page is
// returned as an error rather than crashing the process.
type Live struct {
	Base      uintptr
	HeaderMap uint64
}

func (m Live) ReadAt(p []byte, off int64) (n int, err error) {
	if off < 0 {
		return 0, fmt.Errorf("%w: negative offset %d", ErrMalformedImage, off)
	}
	if len(p) == 0 {
		return 0, nil
	}
	defer debug.SetPanicOnFault(debug.SetPanicOnFault(true))
	defer func() {
		if r := recover(); r != nil {
			n, err = 0, fmt.Errorf("%w: fault reading %#x: %v", ErrMalformedImage, m.Base+uintptr(off), r)
		}
	}()
	src := unsafe.Slice((*byte)(unsafe.Pointer(m.Base+uintptr(off))), len(p))
	return copy(p, src), nil
}

func (m Live) HeaderLen() uint64 {
	return m.HeaderMap
}
