// Package arch maps an ELF {machine, class} pair to the facts the hook engine
// needs: pointer width, which relocation types name a patchable slot, and
// what has to happen after a slot is written.
package arch

import (
	"debug/elf"
	"errors"
	"fmt"
	"runtime"
	"slices"
)

var (
	ErrUnsupportedClass = errors.New("unsupported ELF machine or class")
	// ErrUnalignedSlot is returned for a slot that cannot be written with a
	// single pointer-sized atomic store.
	ErrUnalignedSlot = errors.New("slot is not pointer aligned")
)

// SlotKind classifies a relocation type for one architecture.
type SlotKind int

const (
	// SlotNone is any relocation that does not fill a function pointer slot.
	SlotNone SlotKind = iota
	// SlotJump is a PLT jump slot.
	SlotJump
	// SlotData is a GOT data slot (GLOB_DAT or pointer-width absolute),
	// used by images built with -fno-plt.
	SlotData
	// SlotNarrow is a slot relocation of the wrong width for the image class.
	SlotNarrow
)

func (k SlotKind) String() string {
	switch k {
	case SlotJump:
		return "jump"
	case SlotData:
		return "data"
	case SlotNarrow:
		return "narrow"
	default:
		return "none"
	}
}

// SyncAction is performed after a slot write.
type SyncAction int

const (
	SyncNone SyncAction = iota
	SyncFlushCache
)

type Spec struct {
	Name    string
	Machine elf.Machine
	Class   elf.Class
	PtrSize int

	JumpSlot []uint32
	DataSlot []uint32
	Narrow   []uint32

	Sync SyncAction
}

var table = []Spec{
	{
		Name:     "386",
		Machine:  elf.EM_386,
		Class:    elf.ELFCLASS32,
		PtrSize:  4,
		JumpSlot: []uint32{uint32(elf.R_386_JMP_SLOT)},
		DataSlot: []uint32{uint32(elf.R_386_GLOB_DAT), uint32(elf.R_386_32)},
		Sync:     SyncNone,
	},
	{
		Name:     "amd64",
		Machine:  elf.EM_X86_64,
		Class:    elf.ELFCLASS64,
		PtrSize:  8,
		JumpSlot: []uint32{uint32(elf.R_X86_64_JMP_SLOT)},
		DataSlot: []uint32{uint32(elf.R_X86_64_GLOB_DAT), uint32(elf.R_X86_64_64)},
		Narrow:   []uint32{uint32(elf.R_X86_64_32), uint32(elf.R_X86_64_32S)},
		Sync:     SyncNone,
	},
	{
		Name:     "arm",
		Machine:  elf.EM_ARM,
		Class:    elf.ELFCLASS32,
		PtrSize:  4,
		JumpSlot: []uint32{uint32(elf.R_ARM_JUMP_SLOT)},
		DataSlot: []uint32{uint32(elf.R_ARM_GLOB_DAT), uint32(elf.R_ARM_ABS32)},
		Sync:     SyncFlushCache,
	},
	{
		Name:     "arm64",
		Machine:  elf.EM_AARCH64,
		Class:    elf.ELFCLASS64,
		PtrSize:  8,
		JumpSlot: []uint32{uint32(elf.R_AARCH64_JUMP_SLOT)},
		DataSlot: []uint32{uint32(elf.R_AARCH64_GLOB_DAT), uint32(elf.R_AARCH64_ABS64)},
		Narrow: []uint32{
			uint32(elf.R_AARCH64_P32_JUMP_SLOT),
			uint32(elf.R_AARCH64_P32_GLOB_DAT),
			uint32(elf.R_AARCH64_P32_ABS32),
		},
		Sync: SyncFlushCache,
	},
	{
		Name:     "riscv64",
		Machine:  elf.EM_RISCV,
		Class:    elf.ELFCLASS64,
		PtrSize:  8,
		JumpSlot: []uint32{uint32(elf.R_RISCV_JUMP_SLOT)},
		DataSlot: []uint32{uint32(elf.R_RISCV_64)},
		Narrow:   []uint32{uint32(elf.R_RISCV_32)},
		Sync:     SyncFlushCache,
	},
}

// Lookup returns the row for machine and class.
func Lookup(machine elf.Machine, class elf.Class) (Spec, error) {
	for _, spec := range table {
		if spec.Machine == machine && spec.Class == class {
			return spec, nil
		}
	}
	return Spec{}, fmt.Errorf("%w: %s/%s", ErrUnsupportedClass, machine, class)
}

// Host returns the row describing the running process.
func Host() (Spec, error) {
	for _, spec := range table {
		if spec.Name == runtime.GOARCH {
			return spec, nil
		}
	}
	return Spec{}, fmt.Errorf("%w: GOARCH %s", ErrUnsupportedClass, runtime.GOARCH)
}

// Supported lists every known row.
func Supported() []Spec {
	return slices.Clone(table)
}

func (s Spec) Kind(relType uint32) SlotKind {
	switch {
	case slices.Contains(s.JumpSlot, relType):
		return SlotJump
	case slices.Contains(s.DataSlot, relType):
		return SlotData
	case slices.Contains(s.Narrow, relType):
		return SlotNarrow
	default:
		return SlotNone
	}
}

// RelocName renders relType with the debug/elf name for this machine.
func (s Spec) RelocName(relType uint32) string {
	switch s.Machine {
	case elf.EM_386:
		return elf.R_386(relType).String()
	case elf.EM_X86_64:
		return elf.R_X86_64(relType).String()
	case elf.EM_ARM:
		return elf.R_ARM(relType).String()
	case elf.EM_AARCH64:
		return elf.R_AARCH64(relType).String()
	case elf.EM_RISCV:
		return elf.R_RISCV(relType).String()
	default:
		return fmt.Sprintf("R_%d", relType)
	}
}

// Aligned reports whether addr can hold an atomically written slot.
func (s Spec) Aligned(addr uintptr) bool {
	return addr%uintptr(s.PtrSize) == 0
}

// Synchronize makes a write of n bytes at addr visible to instruction
// fetch where the architecture keeps separate caches.
func (s Spec) Synchronize(addr, n uintptr) {
	switch s.Sync {
	case SyncFlushCache:
		flushCache(addr, addr+n)
	case SyncNone:
	}
}
