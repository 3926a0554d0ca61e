// Package fixture builds the C shared objects under testdata/c for tests.
package fixture

import (
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

// Source returns the absolute path of testdata/c/<name>.
func Source(name string) string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "..", "..", "testdata", "c", name)
}

// ZigTarget maps a GOARCH to the zig cc target triple for linux/gnu.
func ZigTarget(goarch string) (string, bool) {
	switch goarch {
	case "386":
		return "x86-linux-gnu", true
	case "amd64":
		return "x86_64-linux-gnu", true
	case "arm":
		return "arm-linux-gnueabihf", true
	case "arm64":
		return "aarch64-linux-gnu", true
	case "riscv64":
		return "riscv64-linux-gnu", true
	default:
		return "", false
	}
}

// Build compiles testdata/c/<name> into a shared object in a temp dir and
// returns its path. zig cc is preferred, then cc. The test is skipped when
// neither is available.
//
// Objects are linked with -z now so no GOT slot still points at the lazy
// resolver when a test hooks it.
func Build(t testing.TB, name string) string {
	t.Helper()

	source := Source(name)
	output := filepath.Join(t.TempDir(), strings.TrimSuffix(name, filepath.Ext(name))+"-"+runtime.GOARCH+".so")
	flags := []string{
		"-shared", "-fPIC",
		"-O1", "-g0",
		"-fno-builtin",
		"-Wl,-z,now",
		"-o", output,
		source,
	}

	if _, err := exec.LookPath("zig"); err == nil {
		args := []string{"cc"}
		if target, ok := ZigTarget(runtime.GOARCH); ok {
			args = append(args, "-target", target)
		}
		cmd := exec.Command("zig", append(args, flags...)...)
		cmd.Env = OverrideEnv(os.Environ(), map[string]string{
			"ZIG_GLOBAL_CACHE_DIR": filepath.Join(os.TempDir(), "plthook-zig-global-cache"),
			"ZIG_LOCAL_CACHE_DIR":  filepath.Join(os.TempDir(), "plthook-zig-local-cache"),
		})
		out, err := cmd.CombinedOutput()
		if err == nil {
			return output
		}
		t.Logf("zig cc failed for %s, retrying with cc: %v\n%s", name, err, out)
	}

	cc := RequireCommand(t, "cc")
	out, err := exec.Command(cc, flags...).CombinedOutput()
	if err != nil {
		t.Fatalf("build %s: %v\n%s", name, err, out)
	}
	return output
}

// RequireCommand skips the test when name is not on PATH.
func RequireCommand(t testing.TB, name string) string {
	t.Helper()
	path, err := exec.LookPath(name)
	if err != nil {
		t.Skipf("%s not found in PATH", name)
	}
	return path
}

func OverrideEnv(base []string, overrides map[string]string) []string {
	block := make(map[string]struct{}, len(overrides))
	for key := range overrides {
		block[key] = struct{}{}
	}

	out := make([]string, 0, len(base)+len(overrides))
	for _, kv := range base {
		eq := strings.IndexByte(kv, '=')
		if eq <= 0 {
			continue
		}
		if _, drop := block[kv[:eq]]; drop {
			continue
		}
		out = append(out, kv)
	}

	for key, value := range overrides {
		out = append(out, key+"="+value)
	}
	return out
}
