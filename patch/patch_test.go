//go:build linux

package patch

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/sliverarmory/plthook/procmaps"
)

func mapPage(t *testing.T, prot int) ([]byte, uintptr) {
	t.Helper()
	mem, err := unix.Mmap(-1, 0, unix.Getpagesize(), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	require.NoError(t, err)
	t.Cleanup(func() { _ = unix.Munmap(mem) })
	if prot != unix.PROT_READ|unix.PROT_WRITE {
		require.NoError(t, unix.Mprotect(mem, prot))
	}
	return mem, uintptr(unsafe.Pointer(&mem[0]))
}

func newPatcher(t *testing.T, opts ...Option) *Patcher {
	t.Helper()
	p, err := New(opts...)
	if err != nil {
		t.Skipf("no patcher for this host: %v", err)
	}
	return p
}

func TestPatchWritablePage(t *testing.T) {
	_, base := mapPage(t, unix.PROT_READ|unix.PROT_WRITE)
	p := newPatcher(t)
	slot := base + 8*unsafe.Sizeof(uintptr(0))

	prev, err := p.Patch(slot, 0xdeadbeef)
	require.NoError(t, err)
	assert.Zero(t, prev)

	got, err := p.Read(slot)
	require.NoError(t, err)
	assert.Equal(t, uintptr(0xdeadbeef), got)

	prev, err = p.Patch(slot, 0x1234)
	require.NoError(t, err)
	assert.Equal(t, uintptr(0xdeadbeef), prev)
}

func TestPatchReadOnlyPageRestoresProtection(t *testing.T) {
	_, base := mapPage(t, unix.PROT_READ)
	p := newPatcher(t)

	_, err := p.Patch(base, 0xfeed)
	require.NoError(t, err)

	got, err := p.Read(base)
	require.NoError(t, err)
	assert.Equal(t, uintptr(0xfeed), got)

	prot, err := procmaps.Protection(base)
	require.NoError(t, err)
	assert.Equal(t, unix.PROT_READ, prot)
}

func TestPatchSameValueIsNoop(t *testing.T) {
	_, base := mapPage(t, unix.PROT_READ)
	var lookups atomic.Int32
	p := newPatcher(t, WithProtectionLookup(func(addr uintptr) (int, error) {
		lookups.Add(1)
		return procmaps.Protection(addr)
	}))

	_, err := p.Patch(base, 0x42)
	require.NoError(t, err)
	require.Equal(t, int32(1), lookups.Load())

	prev, err := p.Patch(base, 0x42)
	require.NoError(t, err)
	assert.Equal(t, uintptr(0x42), prev)
	assert.Equal(t, int32(1), lookups.Load())
}

func TestPatchUnaligned(t *testing.T) {
	mem, base := mapPage(t, unix.PROT_READ|unix.PROT_WRITE)
	p := newPatcher(t)

	_, err := p.Patch(base+1, 0x42)
	assert.ErrorIs(t, err, ErrUnalignedSlot)
	_, err = p.Read(base + 1)
	assert.ErrorIs(t, err, ErrUnalignedSlot)
	_, err = p.Patch(0, 0x42)
	assert.ErrorIs(t, err, ErrUnalignedSlot)
	assert.Equal(t, make([]byte, 16), mem[:16])
}

func TestPatchProtectionLookupFails(t *testing.T) {
	_, base := mapPage(t, unix.PROT_READ)
	p := newPatcher(t, WithProtectionLookup(func(uintptr) (int, error) {
		return 0, errors.New("maps unavailable")
	}))

	_, err := p.Patch(base, 0x42)
	assert.ErrorIs(t, err, ErrProtectionChangeFailed)

	got, err := p.Read(base)
	require.NoError(t, err)
	assert.Zero(t, got)
}

func TestPatchInaccessiblePage(t *testing.T) {
	_, base := mapPage(t, unix.PROT_NONE)
	p := newPatcher(t)

	_, err := p.Patch(base, 0x42)
	assert.ErrorIs(t, err, ErrProtectionChangeFailed)
	_, err = p.Read(base)
	assert.ErrorIs(t, err, ErrProtectionChangeFailed)
}

func TestPatchConcurrentSlotsOnOnePage(t *testing.T) {
	_, base := mapPage(t, unix.PROT_READ)
	p := newPatcher(t)
	size := unsafe.Sizeof(uintptr(0))

	var wg sync.WaitGroup
	for i := uintptr(0); i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.Patch(base+i*size, 0x1000+i)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	for i := uintptr(0); i < 32; i++ {
		got, err := p.Read(base + i*size)
		require.NoError(t, err)
		assert.Equal(t, 0x1000+i, got)
	}
	prot, err := procmaps.Protection(base)
	require.NoError(t, err)
	assert.Equal(t, unix.PROT_READ, prot)
	assert.Empty(t, p.pages)
}

func TestConcurrentReadersNeverSeeTornValues(t *testing.T) {
	_, base := mapPage(t, unix.PROT_READ)
	p := newPatcher(t)

	const (
		original    = ^uintptr(0) / 3
		replacement = ^uintptr(0) / 5
	)
	_, err := p.Patch(base, original)
	require.NoError(t, err)

	var (
		stop atomic.Bool
		bad  atomic.Int64
		wg   sync.WaitGroup
	)
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for !stop.Load() {
				v := atomic.LoadUintptr((*uintptr)(unsafe.Pointer(base)))
				if v != original && v != replacement {
					bad.Add(1)
				}
			}
		}()
	}
	for i := range 2000 {
		value := original
		if i%2 == 0 {
			value = replacement
		}
		if _, err := p.Patch(base, value); !assert.NoError(t, err) {
			break
		}
	}
	stop.Store(true)
	wg.Wait()
	assert.Zero(t, bad.Load())
}
