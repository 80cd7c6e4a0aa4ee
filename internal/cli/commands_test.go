package cli

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tracebed/internal/topology"
	"github.com/roach88/tracebed/internal/trace"
)

func TestValidateCommand(t *testing.T) {
	fx := newFixture(t)
	suitePath := fx.suite(t, "suite.yaml", passingSuite)

	stdout, _, code := execute("validate", "--config", fx.config, suitePath)
	require.Equal(t, ExitSuccess, code, stdout)
	assert.Contains(t, stdout, `✓ Suite "cli-demo" is valid (2 case(s))`)
}

func TestValidateCommand_JSON(t *testing.T) {
	fx := newFixture(t)
	suitePath := fx.suite(t, "suite.yaml", passingSuite)

	stdout, _, code := execute("validate", "--format", "json", "--config", fx.config, suitePath)
	require.Equal(t, ExitSuccess, code, stdout)

	var result ValidationResult
	require.NoError(t, json.Unmarshal(decodeResponse(t, stdout).Data, &result))
	assert.True(t, result.Valid)
	require.Len(t, result.Cases, 2)
	assert.Equal(t, CaseSummary{Name: "pubsub", Kind: "client_server", Processes: 3, Rules: 1}, result.Cases[0])
	assert.Equal(t, "not supported yet", result.Cases[1].Skip)
}

func TestValidateCommand_Errors(t *testing.T) {
	fx := newFixture(t)

	tests := []struct {
		name string
		doc  string
		code string
	}{
		{"unknown component", unknownComponentSuite, "UNKNOWN_COMPONENT"},
		{"invalid level", `name: bad
cases:
  - name: events
    kind: client_server
    trace: {Ice.Trace.Network: -1}
`, "INVALID_LEVEL"},
		{"unsupported kind", `name: bad
cases:
  - name: events
    kind: mesh
`, "UNSUPPORTED_VARIANT"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			suitePath := fx.suite(t, strings.ReplaceAll(tt.name, " ", "_")+".yaml", tt.doc)

			stdout, _, code := execute("validate", "--format", "json", "--config", fx.config, suitePath)
			assert.Equal(t, ExitCommandError, code)

			resp := decodeResponse(t, stdout)
			require.NotNil(t, resp.Error)
			assert.Equal(t, ErrCodeSuite, resp.Error.Code)
			assert.Contains(t, resp.Error.Message, tt.code)
		})
	}
}

func TestValidateCommand_UnsupportedExtension(t *testing.T) {
	fx := newFixture(t)
	suitePath := fx.suite(t, "suite.txt", passingSuite)

	stdout, _, code := execute("validate", "--config", fx.config, suitePath)
	assert.Equal(t, ExitCommandError, code)
	assert.Contains(t, stdout, "unsupported suite file extension")
}

func TestPlanCommand(t *testing.T) {
	fx := newFixture(t)
	suitePath := fx.suite(t, "suite.yaml", passingSuite)

	stdout, _, code := execute("plan", "--config", fx.config, suitePath)
	require.Equal(t, ExitSuccess, code, stdout)

	assert.Contains(t, stdout, "Case: pubsub (client_server) ports 24010-24019")
	assert.Contains(t, stdout, "Case: later (client_server) ports 24020-24029")
	assert.Contains(t, stdout, "client-2")
	assert.Contains(t, stdout, filepath.Join(fx.dir, "server.sh"))
	assert.Contains(t, stdout, "rules: 1, ordered: 0")
}

func TestPlanCommand_JSONFilter(t *testing.T) {
	fx := newFixture(t)
	suitePath := fx.suite(t, "suite.yaml", passingSuite)

	stdout, _, code := execute("plan", "--format", "json", "--filter", "later", "--config", fx.config, suitePath)
	require.Equal(t, ExitSuccess, code, stdout)

	var plans []topology.Plan
	require.NoError(t, json.Unmarshal(decodeResponse(t, stdout).Data, &plans))
	require.Len(t, plans, 1)
	assert.Equal(t, "later", plans[0].Case)
	assert.Equal(t, 24010, plans[0].Ports.Base, "ports follow the position in the filtered run")
	require.NotEmpty(t, plans[0].Processes)
	assert.Equal(t, "server", plans[0].Processes[0].Name)
}

func TestComponentsCommand(t *testing.T) {
	stdout, _, code := execute("components", "--config", "")
	require.Equal(t, ExitSuccess, code, stdout)
	assert.Contains(t, stdout, "DataStorm.Trace.Session")
	assert.Contains(t, stdout, "DATASTORM_TRACE_SESSION")
}

func TestComponentsCommand_Custom(t *testing.T) {
	dir := t.TempDir()
	cfg := filepath.Join(dir, "tracebed.yaml")
	require.NoError(t, os.WriteFile(cfg, []byte(`components:
  - {name: Custom.Trace.Cache, category: Cache, env: CUSTOM_TRACE_CACHE}
`), 0o644))

	stdout, _, code := execute("components", "--format", "json", "--config", cfg)
	require.Equal(t, ExitSuccess, code, stdout)

	var components []trace.Component
	require.NoError(t, json.Unmarshal(decodeResponse(t, stdout).Data, &components))
	assert.Contains(t, components, trace.Component{Name: "Custom.Trace.Cache", Category: "Cache", Env: "CUSTOM_TRACE_CACHE"})
	assert.Contains(t, components, trace.Component{Name: "Ice.Trace.Network", Category: "Network", Env: "ICE_TRACE_NETWORK"})
}

func TestHistoryAndLogs(t *testing.T) {
	fx := newFixture(t)
	suitePath := fx.suite(t, "suite.yaml", passingSuite)

	_, _, code := execute("run", "--config", fx.config, "--db", fx.db(), suitePath)
	require.Equal(t, ExitSuccess, code)

	stdout, _, code := execute("history", "--db", fx.db())
	require.Equal(t, ExitSuccess, code, stdout)
	assert.Contains(t, stdout, "cli-demo")
	assert.Contains(t, stdout, "pass")

	stdout, _, code = execute("logs", "--db", fx.db(), "latest", "pubsub")
	require.Equal(t, ExitSuccess, code, stdout)
	assert.Contains(t, stdout, "server/stdout: session established")
	assert.Contains(t, stdout, "client-1/stderr: client-1 done")

	stdout, _, code = execute("logs", "--db", fx.db(), "--process", "client", "--stream", "stdout", "latest", "pubsub")
	require.Equal(t, ExitSuccess, code, stdout)
	assert.Contains(t, stdout, "client-2/stdout: client-2 connected to 24010")
	assert.NotContains(t, stdout, "server/")
	assert.NotContains(t, stdout, "/stderr")

	stdout, _, code = execute("logs", "--db", fx.db(), "--format", "json", "latest", "later")
	require.Equal(t, ExitSuccess, code, stdout)
	assert.JSONEq(t, `[]`, string(decodeResponse(t, stdout).Data), "skipped cases have no output")
}

func TestHistoryCommand_ShowRun(t *testing.T) {
	fx := newFixture(t)
	suitePath := fx.suite(t, "suite.yaml", failingSuite)

	stdout, _, _ := execute("run", "--format", "json", "--config", fx.config, "--db", fx.db(), suitePath)
	var details struct {
		RunID string `json:"run_id"`
	}
	resp := decodeResponse(t, stdout)
	require.NotNil(t, resp.Error)
	require.NoError(t, json.Unmarshal(resp.Error.Details, &details))

	stdout, _, code := execute("history", "--db", fx.db(), "--run", details.RunID[:13])
	require.Equal(t, ExitSuccess, code, stdout)
	assert.Contains(t, stdout, "Run: "+details.RunID)
	assert.Contains(t, stdout, "✗ broken (fail)")
}

func TestHistoryCommand_Empty(t *testing.T) {
	fx := newFixture(t)
	_, _, code := execute("run", "--config", fx.config, "--db", fx.db(), "--filter", "later",
		fx.suite(t, "suite.yaml", passingSuite))
	require.Equal(t, ExitSuccess, code)

	stdout, _, code := execute("history", "--db", fx.db(), "--limit", "0")
	require.Equal(t, ExitSuccess, code)
	assert.Contains(t, stdout, "cli-demo")

	empty := filepath.Join(t.TempDir(), "empty.db")
	_, _, code = execute("history", "--db", empty, "--run", "x")
	assert.Equal(t, ExitCommandError, code, "database must exist")
}

func TestStoreCommands_NotFound(t *testing.T) {
	fx := newFixture(t)
	_, _, code := execute("run", "--config", fx.config, "--db", fx.db(), fx.suite(t, "suite.yaml", passingSuite))
	require.Equal(t, ExitSuccess, code)

	tests := []struct {
		name string
		args []string
	}{
		{"missing db", []string{"history", "--db", filepath.Join(fx.dir, "nope.db")}},
		{"unknown run", []string{"logs", "--db", fx.db(), "ffffffff", "pubsub"}},
		{"unknown case", []string{"logs", "--db", fx.db(), "latest", "nope"}},
		{"unknown run prefix", []string{"history", "--db", fx.db(), "--run", "ffffffff"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := append(tt.args, "--format", "json")
			stdout, _, code := execute(args...)
			assert.Equal(t, ExitCommandError, code)
			resp := decodeResponse(t, stdout)
			require.NotNil(t, resp.Error)
			assert.Equal(t, ErrCodeNotFound, resp.Error.Code)
		})
	}
}

func TestLogsCommand_InvalidStream(t *testing.T) {
	fx := newFixture(t)
	_, _, code := execute("logs", "--db", fx.db(), "--stream", "stdin", "latest", "pubsub")
	assert.Equal(t, ExitCommandError, code)
}

func TestLogsCommand_RequiresDB(t *testing.T) {
	_, stderr, code := execute("logs", "latest", "pubsub")
	assert.Equal(t, ExitCommandError, code)
	assert.Contains(t, stderr, `required flag(s) "db" not set`)
}
