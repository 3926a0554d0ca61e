package registry

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePatcher struct {
	mu     sync.Mutex
	mem    map[uintptr]uintptr
	writes int
	fail   error
}

func newFake(slots map[uintptr]uintptr) *fakePatcher {
	return &fakePatcher{mem: slots}
}

func (f *fakePatcher) Patch(slot, value uintptr) (uintptr, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return 0, f.fail
	}
	prev := f.mem[slot]
	if prev != value {
		f.mem[slot] = value
		f.writes++
	}
	return prev, nil
}

func (f *fakePatcher) get(slot uintptr) uintptr {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mem[slot]
}

const (
	slotA = uintptr(0x1000)
	slotB = uintptr(0x1008)
	libc  = uintptr(0xaaaa)
)

func TestHookUnhookRestores(t *testing.T) {
	fp := newFake(map[uintptr]uintptr{slotA: libc})
	r := New(fp)

	h, err := r.Hook(slotA, 0xbeef, "malloc")
	require.NoError(t, err)
	assert.Equal(t, uintptr(0xbeef), fp.get(slotA))

	rec, ok := r.Query(slotA)
	require.True(t, ok)
	assert.Equal(t, Record{Symbol: "malloc", Slot: slotA, Original: libc, Current: 0xbeef, RefCount: 1}, rec)

	orig, err := r.Original(h)
	require.NoError(t, err)
	assert.Equal(t, libc, orig)

	require.NoError(t, r.Unhook(h))
	assert.Equal(t, libc, fp.get(slotA))
	_, ok = r.Query(slotA)
	assert.False(t, ok)
}

func TestNestingLaw(t *testing.T) {
	fp := newFake(map[uintptr]uintptr{slotA: libc})
	r := New(fp)

	outer, err := r.Hook(slotA, 0x1, "malloc")
	require.NoError(t, err)
	inner, err := r.Hook(slotA, 0x2, "malloc")
	require.NoError(t, err)
	assert.NotEqual(t, outer, inner)

	rec, _ := r.Query(slotA)
	assert.Equal(t, 2, rec.RefCount)
	assert.Equal(t, libc, rec.Original)
	assert.Equal(t, uintptr(0x2), rec.Current)

	orig, err := r.Original(inner)
	require.NoError(t, err)
	assert.Equal(t, uintptr(0x1), orig)

	require.NoError(t, r.Unhook(inner))
	assert.Equal(t, uintptr(0x1), fp.get(slotA))
	rec, _ = r.Query(slotA)
	assert.Equal(t, 1, rec.RefCount)

	require.NoError(t, r.Unhook(outer))
	assert.Equal(t, libc, fp.get(slotA))
	assert.Empty(t, r.Records())
}

func TestUnhookLowerLayerSplices(t *testing.T) {
	fp := newFake(map[uintptr]uintptr{slotA: libc})
	r := New(fp)

	outer, err := r.Hook(slotA, 0x1, "malloc")
	require.NoError(t, err)
	inner, err := r.Hook(slotA, 0x2, "malloc")
	require.NoError(t, err)
	writes := fp.writes

	require.NoError(t, r.Unhook(outer))
	assert.Equal(t, writes, fp.writes)
	assert.Equal(t, uintptr(0x2), fp.get(slotA))

	orig, err := r.Original(inner)
	require.NoError(t, err)
	assert.Equal(t, libc, orig)

	require.NoError(t, r.Unhook(inner))
	assert.Equal(t, libc, fp.get(slotA))
}

func TestDoubleUnhook(t *testing.T) {
	fp := newFake(map[uintptr]uintptr{slotA: libc})
	r := New(fp)

	h, err := r.Hook(slotA, 0x1, "malloc")
	require.NoError(t, err)
	require.NoError(t, r.Unhook(h))

	writes := fp.writes
	assert.ErrorIs(t, r.Unhook(h), ErrDoubleUnhook)
	assert.ErrorIs(t, r.Unhook(Handle(999)), ErrDoubleUnhook)
	_, err = r.Original(h)
	assert.ErrorIs(t, err, ErrDoubleUnhook)
	assert.Equal(t, writes, fp.writes)
}

func TestRehookAfterUnhook(t *testing.T) {
	fp := newFake(map[uintptr]uintptr{slotA: libc})
	r := New(fp)

	h, err := r.Hook(slotA, 0x1, "malloc")
	require.NoError(t, err)
	require.NoError(t, r.Unhook(h))

	h2, err := r.Hook(slotA, 0x3, "malloc")
	require.NoError(t, err)
	assert.NotEqual(t, h, h2)
	rec, ok := r.Query(slotA)
	require.True(t, ok)
	assert.Equal(t, 1, rec.RefCount)
	assert.Equal(t, libc, rec.Original)
}

func TestFailedPatchLeavesNoRecord(t *testing.T) {
	boom := errors.New("denied")
	fp := newFake(map[uintptr]uintptr{slotA: libc})
	fp.fail = boom
	r := New(fp)

	_, err := r.Hook(slotA, 0x1, "malloc")
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, r.Records())

	fp.fail = nil
	h, err := r.Hook(slotA, 0x1, "malloc")
	require.NoError(t, err)

	fp.fail = boom
	assert.ErrorIs(t, r.Unhook(h), boom)
	// the hook is still live and can be released once writes work again
	fp.fail = nil
	require.NoError(t, r.Unhook(h))
	assert.Equal(t, libc, fp.get(slotA))
}

func TestRecords(t *testing.T) {
	fp := newFake(map[uintptr]uintptr{slotA: libc, slotB: libc + 8})
	r := New(fp)

	h1, err := r.Hook(slotB, 0x1, "free")
	require.NoError(t, err)
	h2, err := r.Hook(slotA, 0x2, "malloc")
	require.NoError(t, err)
	h3, err := r.Hook(slotA, 0x3, "malloc")
	require.NoError(t, err)

	recs := r.Records()
	require.Len(t, recs, 2)
	assert.Equal(t, slotA, recs[0].Slot)
	assert.Equal(t, 2, recs[0].RefCount)
	assert.Equal(t, "free", recs[1].Symbol)

	for _, h := range []Handle{h3, h2, h1} {
		require.NoError(t, r.Unhook(h))
	}
	assert.Empty(t, r.Records())
	assert.Equal(t, libc, fp.get(slotA))
	assert.Equal(t, libc+8, fp.get(slotB))
}

func TestConcurrentHooks(t *testing.T) {
	fp := newFake(map[uintptr]uintptr{slotA: libc})
	r := New(fp)

	var wg sync.WaitGroup
	handles := make(chan Handle, 64)
	for i := range 64 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := r.Hook(slotA, uintptr(0x100+i), "malloc")
			if assert.NoError(t, err) {
				handles <- h
			}
		}()
	}
	wg.Wait()
	close(handles)

	rec, ok := r.Query(slotA)
	require.True(t, ok)
	assert.Equal(t, 64, rec.RefCount)

	for h := range handles {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, r.Unhook(h))
		}()
	}
	wg.Wait()
	assert.Equal(t, libc, fp.get(slotA))
	assert.Empty(t, r.Records())
}
