package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/tracebed/internal/testutil"
)

// serverScript becomes ready, reports a session unless the case is named
// "broken" and runs until terminated.
const serverScript = `
echo "server ready on port $TRACEBED_PORT"
case "$TRACEBED_CASE" in
  broken) echo "session refused" ;;
  *) echo "session established" ;;
esac
trap 'exit 0' TERM
while :; do sleep 0.05; done`

const clientScript = `
echo "$TRACEBED_PROCESS connected to $TRACEBED_PORT"
echo "$TRACEBED_PROCESS done" >&2`

const configYAML = `executables:
  server: ./server.sh
  client: ./client.sh
timeouts: {ready: 5s, exit: 5s, case: 20s, grace: 200ms}
ports: {base: 24010, stride: 10}
`

const passingSuite = `name: cli-demo
cases:
  - name: pubsub
    kind: client_server
    client_server: {clients: 2, server_lifetime: signal}
    expect:
      lines:
        - {name: session, process: server, pattern: session established}
  - name: later
    kind: client_server
    skip: not supported yet
`

const failingSuite = `name: cli-demo
cases:
  - name: pubsub
    kind: client_server
    client_server: {server_lifetime: signal}
    expect:
      lines:
        - {name: session, process: server, pattern: session established}
  - name: broken
    kind: client_server
    client_server: {server_lifetime: signal}
    expect:
      lines:
        - {name: session, process: server, pattern: session established}
`

const unknownComponentSuite = `name: bad
cases:
  - name: events
    kind: client_server
    trace: {Nope.Trace.X: 1}
`

// fixture is a directory holding fake executables, a harness config and suites.
type fixture struct {
	dir    string
	config string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	testutil.RequireShell(t)

	dir := t.TempDir()
	testutil.Script(t, dir, "server.sh", serverScript)
	testutil.Script(t, dir, "client.sh", clientScript)

	f := &fixture{dir: dir, config: filepath.Join(dir, "tracebed.yaml")}
	require.NoError(t, os.WriteFile(f.config, []byte(configYAML), 0o644))
	return f
}

// suite writes a suite file and returns its path.
func (f *fixture) suite(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(f.dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func (f *fixture) db() string {
	return filepath.Join(f.dir, "runs.db")
}

// execute runs the CLI and returns stdout, stderr and the exit code.
func execute(args ...string) (string, string, int) {
	var stdout, stderr bytes.Buffer
	code := run(args, &stdout, &stderr)
	return stdout.String(), stderr.String(), code
}

// jsonResponse mirrors CLIResponse with raw payloads.
type jsonResponse struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data"`
	Error  *struct {
		Code    string          `json:"code"`
		Message string          `json:"message"`
		Details json.RawMessage `json:"details"`
	} `json:"error"`
}

func decodeResponse(t *testing.T, out string) jsonResponse {
	t.Helper()
	var resp jsonResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp), "output: %s", out)
	return resp
}

// syncBuffer is a bytes.Buffer safe for a writer and a concurrent reader.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
