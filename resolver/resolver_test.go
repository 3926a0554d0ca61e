package resolver

import (
	"debug/elf"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sliverarmory/plthook/arch"
	"github.com/sliverarmory/plthook/elfimage"
	"github.com/sliverarmory/plthook/internal/elftest"
)

func open(t *testing.T, b *elftest.Builder) (*elfimage.DynamicInfo, elftest.Image) {
	t.Helper()
	built := b.Build()
	img, err := elfimage.Open(elfimage.Bytes(built.Data), 0)
	require.NoError(t, err)
	dyn, err := img.Dynamic()
	require.NoError(t, err)
	return dyn, built
}

func libcImports() *elftest.Builder {
	jump := uint32(elf.R_X86_64_JMP_SLOT)
	return &elftest.Builder{
		Class:   elf.ELFCLASS64,
		Machine: elf.EM_X86_64,
		Syms: []elftest.Sym{
			{Name: "malloc", Version: "GLIBC_2.2.5"},
			{Name: "free", Version: "GLIBC_2.2.5"},
			{Name: "stat", Version: "GLIBC_2.2.5"},
			{Name: "stat", Version: "GLIBC_2.33"},
		},
		PLT: []elftest.Reloc{
			{Sym: "malloc", Type: jump},
			{Sym: "free", Type: jump},
			{Sym: "stat@GLIBC_2.2.5", Type: jump},
			{Sym: "stat@GLIBC_2.33", Type: jump},
		},
		Dyn: []elftest.Reloc{
			{Sym: "free", Type: uint32(elf.R_X86_64_GLOB_DAT)},
			{Type: uint32(elf.R_X86_64_RELATIVE), Addend: 0x10},
		},
	}
}

func TestFind(t *testing.T) {
	dyn, built := open(t, libcImports())

	res, err := Find(dyn, "malloc", "")
	require.NoError(t, err)
	require.Len(t, res.Slots, 1)
	slot := res.Slots[0]
	assert.Equal(t, built.PLTSlots[0], slot.Vaddr)
	assert.Equal(t, uintptr(built.PLTSlots[0]), slot.Addr)
	assert.Equal(t, arch.SlotJump, slot.Kind)
	assert.True(t, slot.Table.PLT)
	assert.Equal(t, "GLIBC_2.2.5", res.Version)
	assert.False(t, res.Ambiguous)
	assert.Contains(t, slot.String(), "malloc@GLIBC_2.2.5")
}

func TestFindPLTAndDataSlots(t *testing.T) {
	dyn, built := open(t, libcImports())

	res, err := Find(dyn, "free", "")
	require.NoError(t, err)
	require.Len(t, res.Slots, 2)
	assert.Equal(t, built.PLTSlots[1], res.Slots[0].Vaddr)
	assert.Equal(t, arch.SlotJump, res.Slots[0].Kind)
	assert.Equal(t, built.DynSlots[0], res.Slots[1].Vaddr)
	assert.Equal(t, arch.SlotData, res.Slots[1].Kind)
}

func TestFindVersions(t *testing.T) {
	dyn, built := open(t, libcImports())

	res, err := Find(dyn, "stat", "GLIBC_2.33")
	require.NoError(t, err)
	require.Len(t, res.Slots, 1)
	assert.Equal(t, built.PLTSlots[3], res.Slots[0].Vaddr)
	assert.False(t, res.Ambiguous)

	res, err = Find(dyn, "stat@GLIBC_2.2.5", "")
	require.NoError(t, err)
	require.Len(t, res.Slots, 1)
	assert.Equal(t, built.PLTSlots[2], res.Slots[0].Vaddr)
	assert.Equal(t, "stat", res.Name)

	res, err = Find(dyn, "stat", "")
	require.NoError(t, err)
	require.Len(t, res.Slots, 1)
	assert.Equal(t, built.PLTSlots[2], res.Slots[0].Vaddr)
	assert.Equal(t, "GLIBC_2.2.5", res.Version)
	assert.True(t, res.Ambiguous)
	assert.Equal(t, []string{"GLIBC_2.33"}, res.Skipped)

	_, err = Find(dyn, "stat", "GLIBC_9.9")
	assert.ErrorIs(t, err, ErrSymbolNotFound)
}

func TestFindNotImported(t *testing.T) {
	dyn, _ := open(t, libcImports())
	_, err := Find(dyn, "calloc", "")
	assert.ErrorIs(t, err, ErrSymbolNotFound)

	// relocations without a symbol never match
	_, err = Find(dyn, "", "")
	assert.ErrorIs(t, err, ErrSymbolNotFound)
}

func TestHintIgnoredWithoutVersioning(t *testing.T) {
	dyn, built := open(t, &elftest.Builder{
		Class:   elf.ELFCLASS32,
		Machine: elf.EM_ARM,
		Syms:    []elftest.Sym{{Name: "malloc"}},
		PLT:     []elftest.Reloc{{Sym: "malloc", Type: uint32(elf.R_ARM_JUMP_SLOT)}},
	})
	res, err := Find(dyn, "malloc@LIBC", "")
	require.NoError(t, err)
	require.Len(t, res.Slots, 1)
	assert.Equal(t, built.PLTSlots[0], res.Slots[0].Vaddr)
	assert.Empty(t, res.Version)
}

func TestNarrowSlot(t *testing.T) {
	dyn, _ := open(t, &elftest.Builder{
		Class:   elf.ELFCLASS64,
		Machine: elf.EM_AARCH64,
		Syms:    []elftest.Sym{{Name: "malloc"}, {Name: "free"}},
		PLT: []elftest.Reloc{
			{Sym: "malloc", Type: uint32(elf.R_AARCH64_P32_JUMP_SLOT)},
			{Sym: "free", Type: uint32(elf.R_AARCH64_JUMP_SLOT)},
		},
	})
	_, err := Find(dyn, "malloc", "")
	assert.ErrorIs(t, err, elfimage.ErrMalformedImage)

	res, err := Find(dyn, "free", "")
	require.NoError(t, err)
	assert.Len(t, res.Slots, 1)
}

func TestBadSlots(t *testing.T) {
	b := libcImports()
	b.PLT[0].Offset = elftest.RWBase + 3
	dyn, _ := open(t, b)
	_, err := Find(dyn, "malloc", "")
	assert.ErrorIs(t, err, elfimage.ErrMalformedImage)
	assert.ErrorIs(t, err, arch.ErrUnalignedSlot)

	b = libcImports()
	b.PLT[0].Offset = 0x40
	dyn, _ = open(t, b)
	_, err = Find(dyn, "malloc", "")
	assert.ErrorIs(t, err, elfimage.ErrMalformedImage)
	assert.NotErrorIs(t, err, arch.ErrUnalignedSlot)
}

func TestPackedDataSlot(t *testing.T) {
	dyn, built := open(t, &elftest.Builder{
		Class:   elf.ELFCLASS64,
		Machine: elf.EM_AARCH64,
		Packed:  true,
		Syms:    []elftest.Sym{{Name: "malloc"}},
		Dyn:     []elftest.Reloc{{Sym: "malloc", Type: uint32(elf.R_AARCH64_GLOB_DAT)}},
	})
	res, err := Find(dyn, "malloc", "")
	require.NoError(t, err)
	require.Len(t, res.Slots, 1)
	assert.Equal(t, built.DynSlots[0], res.Slots[0].Vaddr)
	assert.Equal(t, arch.SlotData, res.Slots[0].Kind)
}

func TestDuplicateSlotsReportedOnce(t *testing.T) {
	b := libcImports()
	b.Dyn = append(b.Dyn, elftest.Reloc{Sym: "malloc", Type: uint32(elf.R_X86_64_64)})
	built := b.Build()
	b.Dyn[len(b.Dyn)-1].Offset = built.PLTSlots[0]
	dyn, _ := open(t, b)

	res, err := Find(dyn, "malloc", "")
	require.NoError(t, err)
	assert.Len(t, res.Slots, 1)
}

func TestSlotsIsLazy(t *testing.T) {
	dyn, _ := open(t, libcImports())
	var n int
	for slot, err := range Slots(dyn, "free", "") {
		require.NoError(t, err)
		assert.Equal(t, "free", slot.Symbol.Name)
		n++
		break
	}
	assert.Equal(t, 1, n)
}

func TestSlotsReusable(t *testing.T) {
	dyn, built := open(t, libcImports())
	seq := Slots(dyn, "stat", "")

	collect := func() []uint64 {
		var out []uint64
		for slot, err := range seq {
			if !assert.NoError(t, err) {
				return nil
			}
			out = append(out, slot.Vaddr)
		}
		return out
	}
	want := []uint64{built.PLTSlots[2]}
	assert.Equal(t, want, collect())
	assert.Equal(t, want, collect())

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.Equal(t, want, collect())
		}()
	}
	wg.Wait()
}

func TestImports(t *testing.T) {
	dyn, _ := open(t, libcImports())
	var names []string
	for slot, err := range Imports(dyn) {
		require.NoError(t, err)
		names = append(names, slot.Symbol.Name)
	}
	assert.Equal(t, []string{"malloc", "free", "stat", "stat", "free"}, names)
}

func TestSplitVersion(t *testing.T) {
	for _, tc := range []struct {
		in, name, version string
	}{
		{"malloc", "malloc", ""},
		{"malloc@GLIBC_2.2.5", "malloc", "GLIBC_2.2.5"},
		{"malloc@@GLIBC_2.2.5", "malloc", "GLIBC_2.2.5"},
		{"@weird", "@weird", ""},
	} {
		name, version := SplitVersion(tc.in)
		assert.Equal(t, tc.name, name, tc.in)
		assert.Equal(t, tc.version, version, tc.in)
	}
}
