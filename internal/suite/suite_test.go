package suite

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tracebed/internal/trace"
)

func writeSuite(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_EventsInEveryFormat(t *testing.T) {
	for _, file := range []string{"events.yaml", "events.json", "events.cue"} {
		t.Run(file, func(t *testing.T) {
			s, err := Load(filepath.Join("testdata", file), nil)
			require.NoError(t, err)

			assert.Equal(t, "DataStorm/events", s.Name)
			require.Len(t, s.Cases, 1)

			c := s.Cases[0]
			assert.Equal(t, KindClientServer, c.Kind)
			assert.Equal(t, TraceCheckPresent, c.CheckTrace)
			require.NotNil(t, c.ClientServer)
			assert.Equal(t, 1, c.ClientServer.Clients)
			assert.Equal(t, LifetimeCompletion, c.ClientServer.ServerLifetime)

			cfg := c.TraceConfig()
			assert.Equal(t, 5, cfg.Len())
			assert.Equal(t, 3, cfg.Level("DataStorm.Trace.Session"))
			assert.Equal(t, 2, cfg.Level("Ice.Trace.Network"))
		})
	}
}

func TestLoad_AllFormatsAgree(t *testing.T) {
	yamlSuite, err := Load("testdata/events.yaml", nil)
	require.NoError(t, err)
	jsonSuite, err := Load("testdata/events.json", nil)
	require.NoError(t, err)
	cueSuite, err := Load("testdata/events.cue", nil)
	require.NoError(t, err)

	y := yamlSuite.Cases[0].TraceConfig()
	assert.True(t, y.Equal(jsonSuite.Cases[0].TraceConfig()))
	assert.True(t, y.Equal(cueSuite.Cases[0].TraceConfig()))
}

func TestLoad_FullSuite(t *testing.T) {
	s, err := Load("testdata/full.yaml", nil)
	require.NoError(t, err)
	require.Len(t, s.Cases, 3)

	events := s.Cases[0]
	assert.True(t, events.Independent)
	assert.Equal(t, 2, events.ClientServer.Clients)
	assert.Equal(t, LifetimeSignal, events.ClientServer.ServerLifetime)
	assert.Equal(t, ExitSpec{"0", "2-3"}, events.Expect.Exit["client"])
	require.Len(t, events.Expect.Ordered, 1)
	assert.Len(t, events.Expect.Ordered[0].Steps, 2)
	assert.Equal(t, TraceCheckOff, events.CheckTrace)

	fanout := s.Cases[1]
	assert.Equal(t, 2*time.Minute, fanout.Timeout)
	assert.Equal(t, 100*time.Millisecond, fanout.MultiClient.Stagger)
	assert.Equal(t, 1, fanout.MultiClient.Groups[0].Count)
	assert.Equal(t, 3, fanout.MultiClient.Groups[1].Count)

	crash := s.Cases[2]
	assert.True(t, crash.Skipped())
	require.Len(t, crash.FailureInjection.Faults, 2)
	assert.Equal(t, 2*time.Second, crash.FailureInjection.Faults[0].After)
	assert.Equal(t, "connected", crash.FailureInjection.Faults[1].OnOutput)
}

func TestLoad_ConfigErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		code    ErrorCode
	}{
		{
			name: "unknown component",
			content: `
name: s
cases:
  - name: c
    kind: client_server
    trace: {Bogus.Trace: 1}
`,
			code: ErrCodeUnknownComponent,
		},
		{
			name: "fractional level",
			content: `
name: s
cases:
  - name: c
    kind: client_server
    trace: {Ice.Trace.Network: 1.5}
`,
			code: ErrCodeInvalidLevel,
		},
		{
			name: "negative level",
			content: `
name: s
cases:
  - name: c
    kind: client_server
    trace: {Ice.Trace.Network: -2}
`,
			code: ErrCodeInvalidLevel,
		},
		{
			name: "unsupported kind",
			content: `
name: s
cases:
  - name: c
    kind: mesh
`,
			code: ErrCodeUnsupportedVariant,
		},
		{
			name: "misspelled field",
			content: `
name: s
cases:
  - name: c
    kind: client_server
    trcae: {Ice.Trace.Network: 1}
`,
			code: ErrCodeInvalidSuite,
		},
		{
			name: "mismatched params",
			content: `
name: s
cases:
  - name: c
    kind: client_server
    multi_client: {groups: [{role: a}, {role: b}]}
`,
			code: ErrCodeInvalidSuite,
		},
		{
			name: "single client in multi_client",
			content: `
name: s
cases:
  - name: c
    kind: multi_client
    multi_client: {groups: [{role: subscriber}]}
`,
			code: ErrCodeInvalidSuite,
		},
		{
			name: "fault with two triggers",
			content: `
name: s
cases:
  - name: c
    kind: failure_injection
    failure_injection:
      faults: [{target: server, action: kill, after: 1s, on_output: x}]
`,
			code: ErrCodeInvalidSuite,
		},
		{
			name: "duplicate case",
			content: `
name: s
cases:
  - {name: c, kind: client_server}
  - {name: c, kind: client_server}
`,
			code: ErrCodeInvalidSuite,
		},
		{
			name: "bad exit range",
			content: `
name: s
cases:
  - name: c
    kind: client_server
    expect: {exit: {server: ["9-1"]}}
`,
			code: ErrCodeInvalidSuite,
		},
		{
			name: "bad regex",
			content: `
name: s
cases:
  - name: c
    kind: client_server
    expect: {lines: [{regex: "("}]}
`,
			code: ErrCodeInvalidSuite,
		},
		{
			name: "unknown rule component",
			content: `
name: s
cases:
  - name: c
    kind: client_server
    expect: {lines: [{component: Bogus.Trace}]}
`,
			code: ErrCodeUnknownComponent,
		},
		{
			name:    "no cases",
			content: "name: s\ncases: []\n",
			code:    ErrCodeInvalidSuite,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeSuite(t, "suite.yaml", tt.content)
			_, err := Load(path, nil)
			require.Error(t, err)
			assert.True(t, IsConfigError(err), "got %T: %v", err, err)
			assert.Equal(t, tt.code, CodeOf(err), "got %v", err)
		})
	}
}

func TestLoad_UnknownComponentWrapsTraceError(t *testing.T) {
	path := writeSuite(t, "suite.json", `{"name":"s","cases":[{"name":"c","kind":"client_server","trace":{"Bogus.Trace":1}}]}`)

	_, err := Load(path, nil)
	require.Error(t, err)
	assert.True(t, trace.IsUnknownComponent(err))

	var ce *ConfigError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "c", ce.Case)
	assert.Equal(t, "trace.Bogus.Trace", ce.Field)
}

func TestLoad_CUERejectsUnknownField(t *testing.T) {
	path := writeSuite(t, "suite.cue", `
name: "s"
cases: [{name: "c", kind: "client_server", clients: 3}]
`)
	_, err := Load(path, nil)
	require.Error(t, err)
	assert.Equal(t, ErrCodeInvalidSuite, CodeOf(err))
}

func TestLoad_UnsupportedExtension(t *testing.T) {
	path := writeSuite(t, "suite.toml", "name = 's'")
	_, err := Load(path, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported suite file extension")
}

func TestLoad_CustomComponent(t *testing.T) {
	reg, err := trace.NewRegistry(trace.Component{Name: "Custom.Trace.Cache", Category: "Cache", Env: "CUSTOM_TRACE_CACHE"})
	require.NoError(t, err)

	path := writeSuite(t, "suite.yaml", `
name: s
cases:
  - name: c
    kind: client_server
    trace: {Custom.Trace.Cache: 2}
`)
	s, err := Load(path, reg)
	require.NoError(t, err)
	assert.Equal(t, 2, s.Cases[0].TraceConfig().Level("Custom.Trace.Cache"))
}

func TestValidate_Idempotent(t *testing.T) {
	s, err := Load("testdata/full.yaml", nil)
	require.NoError(t, err)

	before := s.Cases[1].MultiClient.Groups
	require.NoError(t, Validate(s, nil))
	assert.Equal(t, before, s.Cases[1].MultiClient.Groups)
	assert.Equal(t, 1, s.Cases[0].TraceConfig().Len())
}

func TestSuite_Filter(t *testing.T) {
	s, err := Load("testdata/full.yaml", nil)
	require.NoError(t, err)

	filtered, err := s.Filter("f*")
	require.NoError(t, err)
	require.Len(t, filtered.Cases, 1)
	assert.Equal(t, "fanout", filtered.Cases[0].Name)
	assert.Len(t, s.Cases, 3)

	all, err := s.Filter("")
	require.NoError(t, err)
	assert.Len(t, all.Cases, 3)

	_, err = s.Filter("nothing*")
	assert.Error(t, err)
	_, err = s.Filter("[")
	assert.Error(t, err)
}

func TestSuite_Find(t *testing.T) {
	s, err := Load("testdata/full.yaml", nil)
	require.NoError(t, err)

	c, ok := s.Find("crash")
	require.True(t, ok)
	assert.Equal(t, KindFailureInjection, c.Kind)

	_, ok = s.Find("missing")
	assert.False(t, ok)
}

func TestDigest(t *testing.T) {
	var digests []string
	for _, file := range []string{"events.yaml", "events.json", "events.cue"} {
		s, err := Load(filepath.Join("testdata", file), nil)
		require.NoError(t, err)
		d, err := Digest(s)
		require.NoError(t, err)
		assert.Len(t, d, 64)
		digests = append(digests, d)
	}
	assert.Equal(t, digests[0], digests[1], "yaml and json agree")
	assert.Equal(t, digests[0], digests[2], "yaml and cue agree")

	s, err := Load(filepath.Join("testdata", "events.yaml"), nil)
	require.NoError(t, err)
	s.Cases[0].Trace["Ice.Trace.Network"] = 3
	changed, err := Digest(s)
	require.NoError(t, err)
	assert.NotEqual(t, digests[0], changed)
}
