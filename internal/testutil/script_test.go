package testutil

import (
	"os"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScript_IsExecutable(t *testing.T) {
	path := Script(t, t.TempDir(), "hello.sh", `echo "hello $1"; exit 3`)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.NotZero(t, info.Mode()&0o100)

	out, err := exec.Command(path, "world").Output()
	require.Error(t, err)
	assert.Equal(t, "hello world\n", string(out))

	var exitErr *exec.ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 3, exitErr.ExitCode())
}
