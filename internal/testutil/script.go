package testutil

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

// Script writes an executable /bin/sh script named name into dir and
// returns its path. The body is prefixed with a shebang and "set -u".
//
// Tests that need a fake pub/sub process use scripts: they print lines,
// sleep and exit with chosen codes, which is all the harness observes.
func Script(t testing.TB, dir, name, body string) string {
	t.Helper()
	RequireShell(t)

	path := filepath.Join(dir, name)
	content := "#!/bin/sh\nset -u\n" + body + "\n"
	if err := os.WriteFile(path, []byte(content), 0o755); err != nil {
		t.Fatalf("write script %s: %v", path, err)
	}
	return path
}

// RequireShell skips the test when /bin/sh is not available.
func RequireShell(t testing.TB) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("process tests need /bin/sh")
	}
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("process tests need /bin/sh")
	}
}
