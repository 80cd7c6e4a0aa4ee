package harness

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tracebed/internal/capture"
	"github.com/roach88/tracebed/internal/config"
	"github.com/roach88/tracebed/internal/suite"
	"github.com/roach88/tracebed/internal/testutil"
	"github.com/roach88/tracebed/internal/verdict"
)

// serverScript announces readiness, reports a session unless the case is
// named "broken", emits a Session trace line when that level is set and
// runs until terminated.
const serverScript = `
echo "server ready on port $TRACEBED_PORT"
case "$TRACEBED_CASE" in
  broken) echo "session refused" ;;
  *) echo "session established" ;;
esac
if [ -n "${DATASTORM_TRACE_SESSION:-}" ]; then
  echo "-- 10:00:00.000 Session: created session for $TRACEBED_CASE"
fi
trap 'exit 0' TERM
while :; do sleep 0.05; done`

const clientScript = `
echo "$TRACEBED_PROCESS connected to $TRACEBED_PORT"
echo "$TRACEBED_PROCESS done" >&2`

func testConfig(t *testing.T, scripts map[string]string) *config.Config {
	t.Helper()
	dir := t.TempDir()

	cfg := config.Default()
	cfg.Executables = map[string]string{}
	for role, body := range scripts {
		cfg.Executables[role] = testutil.Script(t, dir, role+".sh", body)
	}
	cfg.Timeouts = config.Timeouts{
		Ready: 5 * time.Second,
		Exit:  5 * time.Second,
		Case:  20 * time.Second,
		Grace: 200 * time.Millisecond,
	}
	require.NoError(t, cfg.Validate())
	return cfg
}

func defaultConfig(t *testing.T) *config.Config {
	return testConfig(t, map[string]string{"server": serverScript, "client": clientScript})
}

func parseSuite(t *testing.T, doc string) *suite.Suite {
	t.Helper()
	s, err := suite.Parse([]byte(doc), suite.FormatYAML, "test.yaml")
	require.NoError(t, err)
	require.NoError(t, suite.Validate(s, nil))
	return s
}

func newHarness(t *testing.T, opts Options) *Harness {
	t.Helper()
	if opts.Config == nil {
		opts.Config = defaultConfig(t)
	}
	h, err := New(opts)
	require.NoError(t, err)
	return h
}

func runOne(t *testing.T, h *Harness, doc string) CaseResult {
	t.Helper()
	s := parseSuite(t, doc)
	require.Len(t, s.Cases, 1)
	return h.RunCase(context.Background(), &s.Cases[0], 0)
}

func diagnosticKinds(v verdict.Verdict) []verdict.DiagnosticKind {
	var out []verdict.DiagnosticKind
	for _, d := range v.Diagnostics {
		out = append(out, d.Kind)
	}
	return out
}

func status(t *testing.T, v verdict.Verdict, process string) verdict.ExitStatus {
	t.Helper()
	for _, st := range v.Processes {
		if st.Process == process {
			return st
		}
	}
	t.Fatalf("no process %q in verdict", process)
	return verdict.ExitStatus{}
}

const threeCases = `
name: demo
cases:
  - name: first
    kind: client_server
    independent: true
    client_server: {clients: 2, server_lifetime: signal}
    expect:
      lines:
        - {name: session, process: server, pattern: session established}
  - name: broken
    kind: client_server
    independent: true
    client_server: {server_lifetime: signal}
    expect:
      lines:
        - {name: session, process: server, pattern: session established}
  - name: third
    kind: client_server
    independent: true
    client_server: {server_lifetime: signal}
    expect:
      lines:
        - {name: session, process: server, pattern: session established}
`

func TestRunSuite_OneFailingCase(t *testing.T) {
	h := newHarness(t, Options{})
	res := h.RunSuite(context.Background(), parseSuite(t, threeCases))

	assert.False(t, res.Pass)
	assert.Equal(t, "demo", res.Suite)
	assert.Len(t, res.SuiteDigest, 64)
	require.Len(t, res.Cases, 3)
	assert.Equal(t, verdict.Pass, res.Cases[0].Verdict.Outcome)
	assert.Equal(t, verdict.Fail, res.Cases[1].Verdict.Outcome)
	assert.Equal(t, verdict.Pass, res.Cases[2].Verdict.Outcome)

	failing := res.Failing()
	require.Len(t, failing, 1)
	assert.Equal(t, "broken", failing[0].Case)
	require.Len(t, failing[0].Diagnostics, 1)
	assert.Equal(t, verdict.KindUnmatched, failing[0].Diagnostics[0].Kind)
	assert.Equal(t, "session", failing[0].Diagnostics[0].Rule)

	assert.Equal(t, Counts{Passed: 2, Failed: 1, Total: 3}, res.Counts())
	assert.Empty(t, res.Errors)
}

func TestRunSuite_ParallelKeepsDeclaredOrder(t *testing.T) {
	s := parseSuite(t, threeCases)
	cfg := defaultConfig(t)

	seq := newHarness(t, Options{Config: cfg}).RunSuite(context.Background(), s)

	var mu sync.Mutex
	var started []int
	par := newHarness(t, Options{
		Config:   cfg,
		Parallel: 3,
		OnCaseStart: func(index int, _ *suite.Case) {
			mu.Lock()
			started = append(started, index)
			mu.Unlock()
		},
	}).RunSuite(context.Background(), s)

	outcomes := func(r *SuiteResult) []string {
		var out []string
		for _, c := range r.Cases {
			out = append(out, c.Verdict.Case+"="+string(c.Verdict.Outcome))
		}
		return out
	}
	assert.Equal(t, outcomes(seq), outcomes(par))
	assert.Equal(t, seq.Pass, par.Pass)
	assert.ElementsMatch(t, []int{0, 1, 2}, started)

	for i, c := range par.Cases {
		assert.Equal(t, i, c.Index)
	}
	ports := map[int]bool{}
	for _, c := range par.Cases {
		ports[c.Plan.Ports.Base] = true
	}
	assert.Len(t, ports, 3, "parallel cases must not share ports")
}

func TestHarness_Batches(t *testing.T) {
	cases := []suite.Case{
		{Name: "a", Independent: true},
		{Name: "b", Independent: true},
		{Name: "c"},
		{Name: "d", Independent: true},
		{Name: "e", Independent: true},
		{Name: "f", Independent: true},
	}

	h := newHarness(t, Options{Parallel: 2})
	assert.Equal(t, [][]int{{0, 1}, {2}, {3, 4, 5}}, h.batches(cases))

	h = newHarness(t, Options{Parallel: 1})
	assert.Equal(t, [][]int{{0}, {1}, {2}, {3}, {4}, {5}}, h.batches(cases))
}

func TestRunCase_ServerReadyBeforeClientsStart(t *testing.T) {
	h := newHarness(t, Options{})
	res := runOne(t, h, `
name: order
cases:
  - name: order
    kind: client_server
    client_server: {clients: 3, server_lifetime: signal}
`)
	require.Equal(t, verdict.Pass, res.Verdict.Outcome, "%+v", res.Verdict.Diagnostics)

	ready := capture.Filter(res.Lines, func(l capture.Line) bool {
		return l.Process == "server" && strings.Contains(l.Text, "ready")
	})
	require.NotEmpty(t, ready)

	for _, st := range res.Verdict.Processes {
		if st.Role == "client" {
			assert.False(t, st.Started.Before(ready[0].Time), "%s started before the server was ready", st.Process)
		}
	}

	server := status(t, res.Verdict, "server")
	assert.Equal(t, verdict.Killed, server.Termination)
	assert.Contains(t, server.Reason, "signal lifetime")
	assert.Equal(t, verdict.Exited, status(t, res.Verdict, "client-3").Termination)
	assert.Positive(t, res.Verdict.Duration)
}

func TestRunCase_CapturesEveryProcess(t *testing.T) {
	h := newHarness(t, Options{})
	res := runOne(t, h, `
name: capture
cases:
  - name: capture
    kind: client_server
    client_server: {clients: 2, server_lifetime: signal}
    expect:
      lines:
        - {name: stderr, process: client, stream: stderr, pattern: done, min_count: 2}
      ordered:
        - name: server first
          steps:
            - {process: server, pattern: ready}
            - {process: client, pattern: connected}
`)
	assert.Equal(t, verdict.Pass, res.Verdict.Outcome, "%+v", res.Verdict.Diagnostics)

	procs := map[string]bool{}
	for _, l := range res.Lines {
		procs[l.Process] = true
	}
	assert.Equal(t, map[string]bool{"server": true, "client-1": true, "client-2": true}, procs)

	for i := 1; i < len(res.Lines); i++ {
		prev, cur := res.Lines[i-1], res.Lines[i]
		assert.False(t, cur.Time.Before(prev.Time), "merged log out of order")
	}
}

func TestRunCase_TraceCorrelation(t *testing.T) {
	h := newHarness(t, Options{})
	res := runOne(t, h, `
name: trace
cases:
  - name: trace
    kind: client_server
    client_server: {server_lifetime: signal}
    trace:
      DataStorm.Trace.Session: 3
    check_trace: present
`)
	assert.Equal(t, verdict.Pass, res.Verdict.Outcome, "%+v", res.Verdict.Diagnostics)

	res = runOne(t, h, `
name: trace
cases:
  - name: trace
    kind: client_server
    client_server: {server_lifetime: signal}
    trace:
      DataStorm.Trace.Topic: 1
    check_trace: present
`)
	assert.Equal(t, verdict.Fail, res.Verdict.Outcome)
	assert.Equal(t, []verdict.DiagnosticKind{verdict.KindUnmatched}, diagnosticKinds(res.Verdict))
}

func TestRunCase_MultiClient(t *testing.T) {
	h := newHarness(t, Options{})
	res := runOne(t, h, `
name: fanout
cases:
  - name: fanout
    kind: multi_client
    multi_client:
      server_lifetime: signal
      stagger: 50ms
      groups:
        - role: publisher
        - role: subscriber
          count: 2
`)
	require.Equal(t, verdict.Pass, res.Verdict.Outcome, "%+v", res.Verdict.Diagnostics)

	var names []string
	for _, st := range res.Verdict.Processes {
		names = append(names, st.Process)
	}
	assert.Equal(t, []string{"server", "publisher-1", "subscriber-1", "subscriber-2"}, names)

	last := status(t, res.Verdict, "subscriber-2").Started
	first := status(t, res.Verdict, "publisher-1").Started
	assert.GreaterOrEqual(t, last.Sub(first), 80*time.Millisecond)
}

func TestRunCase_ProcessTimeout(t *testing.T) {
	cfg := testConfig(t, map[string]string{
		"server": serverScript,
		"client": `echo "hanging"; exec sleep 30`,
	})
	cfg.Timeouts.Exit = 200 * time.Millisecond

	h := newHarness(t, Options{Config: cfg})
	res := runOne(t, h, `
name: hang
cases:
  - name: hang
    kind: client_server
    client_server: {server_lifetime: signal}
`)
	assert.Equal(t, verdict.Timeout, res.Verdict.Outcome)
	assert.Equal(t, verdict.TimedOut, status(t, res.Verdict, "client-1").Termination)
	assert.True(t, status(t, res.Verdict, "client-1").Termination.IsKilled())
	require.NotEmpty(t, res.Verdict.Diagnostics)
	assert.Equal(t, verdict.KindTimeout, res.Verdict.Diagnostics[0].Kind)
}

func TestRunCase_CaseTimeout(t *testing.T) {
	cfg := testConfig(t, map[string]string{
		"server": serverScript,
		"client": `exec sleep 30`,
	})

	h := newHarness(t, Options{Config: cfg})
	start := time.Now()
	res := runOne(t, h, `
name: slow
cases:
  - name: slow
    kind: client_server
    timeout: 300ms
    client_server: {server_lifetime: signal}
`)
	assert.Less(t, time.Since(start), 10*time.Second)
	assert.Equal(t, verdict.Timeout, res.Verdict.Outcome)
	require.Len(t, res.Verdict.Diagnostics, 1)
	assert.Equal(t, verdict.KindAborted, res.Verdict.Diagnostics[0].Kind)
	assert.Contains(t, res.Verdict.Diagnostics[0].Message, "case exceeded its timeout of 300ms")
	assert.Equal(t, verdict.Killed, status(t, res.Verdict, "client-1").Termination)
}

func TestRunCase_LaunchError(t *testing.T) {
	cfg := defaultConfig(t)
	cfg.Executables["client"] = "/nonexistent/tracebed-client"

	h := newHarness(t, Options{Config: cfg})
	res := runOne(t, h, `
name: missing
cases:
  - name: missing
    kind: client_server
    client_server: {server_lifetime: signal}
`)
	assert.Equal(t, verdict.Error, res.Verdict.Outcome)
	assert.Equal(t, []verdict.DiagnosticKind{verdict.KindLaunch}, diagnosticKinds(res.Verdict))

	assert.Equal(t, verdict.Killed, status(t, res.Verdict, "server").Termination)
	client := status(t, res.Verdict, "client-1")
	assert.Equal(t, verdict.NotStarted, client.Termination)
	assert.Contains(t, client.Reason, "/nonexistent/tracebed-client")
}

func TestRunCase_NoExecutable(t *testing.T) {
	cfg := config.Default()
	h := newHarness(t, Options{Config: cfg})
	res := runOne(t, h, `
name: none
cases:
  - name: none
    kind: client_server
`)
	assert.Equal(t, verdict.Error, res.Verdict.Outcome)
	assert.Contains(t, res.Verdict.Diagnostics[0].Message, "no executable configured")
}

func TestRunCase_ServerNeverReady(t *testing.T) {
	cfg := testConfig(t, map[string]string{
		"server": `echo "starting"; exec sleep 30`,
		"client": clientScript,
	})
	cfg.Timeouts.Ready = 200 * time.Millisecond

	h := newHarness(t, Options{Config: cfg})
	res := runOne(t, h, `
name: stuck
cases:
  - name: stuck
    kind: client_server
`)
	assert.Equal(t, verdict.Timeout, res.Verdict.Outcome)
	server := status(t, res.Verdict, "server")
	assert.Equal(t, verdict.TimedOut, server.Termination)
	assert.Contains(t, server.Reason, "not ready within 200ms")
	assert.Equal(t, verdict.NotStarted, status(t, res.Verdict, "client-1").Termination)
}

func TestRunCase_ServerExitsBeforeReady(t *testing.T) {
	cfg := testConfig(t, map[string]string{
		"server": `echo "address already in use" >&2; exit 1`,
		"client": clientScript,
	})

	h := newHarness(t, Options{Config: cfg})
	res := runOne(t, h, `
name: crash
cases:
  - name: crash
    kind: client_server
`)
	assert.Equal(t, verdict.Fail, res.Verdict.Outcome)
	assert.Equal(t, []verdict.DiagnosticKind{verdict.KindNotReady, verdict.KindExit}, diagnosticKinds(res.Verdict))

	d := res.Verdict.Diagnostics[0]
	assert.Equal(t, "server", d.Process)
	require.Len(t, d.Context, 1)
	assert.Equal(t, "address already in use", d.Context[0].Text)
	assert.Equal(t, verdict.NotStarted, status(t, res.Verdict, "client-1").Termination)
}

func TestRunCase_ExpectedCrash(t *testing.T) {
	cfg := testConfig(t, map[string]string{
		"server": `echo "ready"; sleep 0.1; echo "fatal: lost session" >&2; exit 3`,
		"client": `sleep 0.3; echo "reconnect failed"; exit 1`,
	})

	h := newHarness(t, Options{Config: cfg})
	res := runOne(t, h, `
name: crash
cases:
  - name: crash
    kind: client_server
    expect:
      exit:
        server: ["1-255"]
        client: 1
      lines:
        - {process: server, stream: stderr, pattern: lost session}
`)
	assert.Equal(t, verdict.Pass, res.Verdict.Outcome, "%+v", res.Verdict.Diagnostics)
	assert.Equal(t, 3, status(t, res.Verdict, "server").Code)
}

func TestRunCase_FaultKillsServer(t *testing.T) {
	cfg := testConfig(t, map[string]string{
		"server": `echo "ready"; echo "session established"; exec sleep 30`,
		"client": `sleep 0.3; echo "failover complete"`,
	})

	h := newHarness(t, Options{Config: cfg})
	res := runOne(t, h, `
name: faults
cases:
  - name: kill-on-output
    kind: failure_injection
    failure_injection:
      faults:
        - {target: server, action: kill, on_output: session established}
`)
	require.Equal(t, verdict.Pass, res.Verdict.Outcome, "%+v", res.Verdict.Diagnostics)

	server := status(t, res.Verdict, "server")
	assert.Equal(t, verdict.Killed, server.Termination)
	assert.Contains(t, server.Reason, `fault: kill server on output "session established"`)
	assert.Equal(t, 137, server.Code)
}

func TestRunCase_FaultAfterDelay(t *testing.T) {
	cfg := testConfig(t, map[string]string{
		"server": serverScript,
		"client": `echo "subscribed"; exec sleep 30`,
	})

	h := newHarness(t, Options{Config: cfg})
	res := runOne(t, h, `
name: faults
cases:
  - name: terminate-client
    kind: failure_injection
    failure_injection:
      server_lifetime: signal
      faults:
        - {target: client-1, action: terminate, after: 100ms}
`)
	require.Equal(t, verdict.Pass, res.Verdict.Outcome, "%+v", res.Verdict.Diagnostics)
	client := status(t, res.Verdict, "client-1")
	assert.Equal(t, verdict.Killed, client.Termination)
	assert.Equal(t, 143, client.Code)
}

func TestRunCase_FaultNeverFired(t *testing.T) {
	h := newHarness(t, Options{})
	res := runOne(t, h, `
name: faults
cases:
  - name: too-late
    kind: failure_injection
    failure_injection:
      server_lifetime: signal
      faults:
        - {target: client-1, action: kill, after: 10s}
`)
	assert.Equal(t, verdict.Fail, res.Verdict.Outcome)
	assert.Equal(t, []verdict.DiagnosticKind{verdict.KindFault}, diagnosticKinds(res.Verdict))
	assert.Contains(t, res.Verdict.Diagnostics[0].Message, "never fired")
}

func TestRunSuite_FailFast(t *testing.T) {
	h := newHarness(t, Options{FailFast: true})
	s := parseSuite(t, strings.Replace(threeCases, "name: first", "name: first\n    skip: covered elsewhere", 1))

	res := h.RunSuite(context.Background(), s)
	assert.False(t, res.Pass)
	assert.Equal(t, verdict.Skipped, res.Cases[0].Verdict.Outcome)
	assert.Equal(t, "covered elsewhere", res.Cases[0].Verdict.SkipReason)
	assert.Equal(t, verdict.Fail, res.Cases[1].Verdict.Outcome)
	assert.Equal(t, verdict.Skipped, res.Cases[2].Verdict.Outcome)
	assert.Contains(t, res.Cases[2].Verdict.SkipReason, "earlier case failed")
	assert.Nil(t, res.Cases[2].Plan)
}

func TestRunSuite_SkippedCasesDoNotFail(t *testing.T) {
	h := newHarness(t, Options{})
	s := parseSuite(t, `
name: skips
cases:
  - name: skipped
    kind: client_server
    skip: needs IPv6
  - name: runs
    kind: client_server
    client_server: {server_lifetime: signal}
`)
	res := h.RunSuite(context.Background(), s)
	assert.True(t, res.Pass)
	assert.Equal(t, Counts{Passed: 1, Skipped: 1, Total: 2}, res.Counts())
}

func TestRunSuite_Timeout(t *testing.T) {
	cfg := testConfig(t, map[string]string{
		"server": serverScript,
		"client": `exec sleep 30`,
	})

	h := newHarness(t, Options{Config: cfg, Timeout: 300 * time.Millisecond})
	s := parseSuite(t, `
name: slow
cases:
  - name: hangs
    kind: client_server
    client_server: {server_lifetime: signal}
  - name: never-runs
    kind: client_server
`)
	res := h.RunSuite(context.Background(), s)

	assert.False(t, res.Pass)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "suite exceeded its timeout of 300ms")
	assert.Equal(t, verdict.Timeout, res.Cases[0].Verdict.Outcome)
	assert.Contains(t, res.Cases[0].Verdict.Diagnostics[0].Message, "suite timeout")
	assert.Equal(t, verdict.Killed, status(t, res.Cases[0].Verdict, "client-1").Termination)
	assert.Equal(t, verdict.Skipped, res.Cases[1].Verdict.Outcome)
	assert.True(t, res.Cases[0].Interrupted)
	assert.True(t, res.Cases[1].Interrupted)
}

func TestRunSuite_DeadlineAfterLastCaseIsNotAnError(t *testing.T) {
	h := newHarness(t, Options{
		Timeout: 50 * time.Millisecond,
		OnCaseDone: func(CaseResult) {
			time.Sleep(150 * time.Millisecond)
		},
	})
	s := parseSuite(t, `
name: late
cases:
  - name: only
    kind: client_server
    skip: needs IPv6
`)
	res := h.RunSuite(context.Background(), s)

	assert.True(t, res.Pass)
	assert.Empty(t, res.Errors)
	assert.False(t, res.Cases[0].Interrupted)
}

func TestRunSuite_Cancelled(t *testing.T) {
	h := newHarness(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := h.RunSuite(ctx, parseSuite(t, threeCases))
	assert.False(t, res.Pass)
	assert.Equal(t, Counts{Skipped: 3, Total: 3}, res.Counts())
	assert.Contains(t, res.Errors[0], "suite aborted")
}

func TestRunSuite_Progress(t *testing.T) {
	var mu sync.Mutex
	var done []string
	h := newHarness(t, Options{OnCaseDone: func(r CaseResult) {
		mu.Lock()
		done = append(done, r.Verdict.Case)
		mu.Unlock()
	}})

	h.RunSuite(context.Background(), parseSuite(t, threeCases))
	assert.Equal(t, []string{"first", "broken", "third"}, done)
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.TraceRouting = "carrier-pigeon"
	_, err := New(Options{Config: cfg})
	assert.ErrorContains(t, err, "invalid harness config")
}
