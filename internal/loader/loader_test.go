//go:build linux && cgo

package loader

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sliverarmory/plthook/internal/fixture"
)

func TestLoadAndCall(t *testing.T) {
	so := fixture.Build(t, "tracee.c")

	module, err := LoadFile(so)
	require.NoError(t, err)
	t.Cleanup(module.Free)

	p, err := module.Call("tracee_alloc", 32)
	require.NoError(t, err)
	require.NotZero(t, p)
	_, err = module.Call("tracee_release", p)
	require.NoError(t, err)

	traced, err := module.Call("tracee_traced")
	require.NoError(t, err)
	assert.Zero(t, traced)
}

func TestSymbolErrors(t *testing.T) {
	so := fixture.Build(t, "tracee.c")

	module, err := LoadFile(so)
	require.NoError(t, err)

	_, err = module.Symbol("")
	assert.Error(t, err)
	_, err = module.Symbol("no_such_export")
	assert.Error(t, err)

	module.Free()
	module.Free()
	_, err = module.Symbol("tracee_alloc")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestLoadRejects(t *testing.T) {
	_, err := Load(nil)
	assert.Error(t, err)

	_, err = Load([]byte("not an elf image at all"))
	assert.Error(t, err)

	self, err := os.ReadFile("/proc/self/exe")
	require.NoError(t, err)
	// a non-PIE test binary is ET_EXEC
	if len(self) > 0x11 && self[0x10] == 2 {
		_, err = Load(self)
		assert.Error(t, err)
	}
}

func TestDynAPI(t *testing.T) {
	dl, err := getDynAPI()
	require.NoError(t, err)
	assert.NotZero(t, dl.dlopen)
	assert.NotZero(t, dl.dlsym)
	assert.NotZero(t, dl.dlclose)
	assert.NotZero(t, dl.dlerror)
}

func TestCallArity(t *testing.T) {
	_, err := Call(0)
	assert.Error(t, err)
	_, err = Call(1, 1, 2, 3)
	assert.Error(t, err)
}

func TestLibcPathScore(t *testing.T) {
	assert.Equal(t, 100, libcPathScore("/usr/lib/x86_64-linux-gnu/libc.so.6"))
	assert.Equal(t, 90, libcPathScore("/lib/ld-musl-x86_64.so.1"))
	assert.Equal(t, -1, libcPathScore("/usr/lib/libm.so.6"))
}
