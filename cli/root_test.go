package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sliverarmory/plthook/internal/fixture"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		slotVersion = ""
		mapsPID = "self"
		hookSpecs = nil
		callExport = "StartW"
	})
	err := rootCmd.Execute()
	return out.String(), err
}

func TestImportsAndSlots(t *testing.T) {
	so := fixture.Build(t, "tracee.c")

	out, err := execute(t, "imports", so)
	require.NoError(t, err)
	assert.Contains(t, out, "SLOT")
	assert.Contains(t, out, "malloc")
	assert.Contains(t, out, "free")

	out, err = execute(t, "slots", so, "malloc")
	require.NoError(t, err)
	assert.Contains(t, out, "R_")

	_, err = execute(t, "slots", so, "no_such_import")
	assert.Error(t, err)
}

func TestMaps(t *testing.T) {
	out, err := execute(t, "maps", "libc")
	require.NoError(t, err)
	assert.Contains(t, out, "PATH")
}
