// Package supervisor launches the processes of a test case and watches them
// until they reach a terminal state.
//
// A Supervisor serves exactly one case. Every process it launches gets its
// own process group, a capture.Buffer fed by one goroutine per output stream
// and a waiter goroutine that records how it ended. All buffers of a case
// share one sequencer so their lines can be merged into a single ordered log.
//
// State machine per process:
//
//	Starting -> Running -> Exited | Killed | TimedOut
//
// TimedOut is a killed state whose cause is a timeout.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/roach88/tracebed/internal/capture"
	"github.com/roach88/tracebed/internal/topology"
	"github.com/roach88/tracebed/internal/verdict"
)

// State is the lifecycle state of a process.
type State string

const (
	Starting State = "starting"
	Running  State = "running"
	Exited   State = "exited"
	Killed   State = "killed"
	TimedOut State = "timed_out"
)

// Terminal reports whether the state is final.
func (s State) Terminal() bool {
	return s == Exited || s == Killed || s == TimedOut
}

// Options configure a Supervisor.
type Options struct {
	// Grace is the wait between SIGTERM and SIGKILL. Default 5s.
	Grace time.Duration

	// Logger receives lifecycle events. Default discards.
	Logger *slog.Logger

	// Now stamps captured lines and lifecycle events. Default time.Now.
	Now func() time.Time
}

// Supervisor owns the processes of one case.
type Supervisor struct {
	grace  time.Duration
	logger *slog.Logger
	now    func() time.Time
	seq    *capture.Sequencer

	mu    sync.Mutex
	procs []*Process
}

// New creates a supervisor for one case.
func New(opts Options) *Supervisor {
	if opts.Grace <= 0 {
		opts.Grace = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Supervisor{
		grace:  opts.Grace,
		logger: opts.Logger,
		now:    opts.Now,
		seq:    capture.NewSequencer(),
	}
}

// Process is the live handle of a launched process.
type Process struct {
	Spec topology.ProcessSpec

	cmd     *exec.Cmd
	buf     *capture.Buffer
	sup     *Supervisor
	started time.Time
	done    chan struct{}

	mu         sync.Mutex
	state      State
	code       int
	ended      time.Time
	readyAt    time.Time
	stopState  State
	stopReason string
}

// Launch starts spec. The process runs in its own process group with the
// ambient environment overlaid by spec.Env, and its stdout and stderr are
// captured line by line. A process that cannot start yields a *LaunchError.
func (s *Supervisor) Launch(ctx context.Context, spec topology.ProcessSpec) (*Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, &LaunchError{Process: spec.Name, Command: spec.Command, Err: err}
	}
	if spec.Command == "" {
		return nil, &LaunchError{Process: spec.Name, Err: fmt.Errorf("%w for role %q", ErrNoExecutable, spec.Role)}
	}

	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Env = mergeEnviron(os.Environ(), spec.Env)
	cmd.Dir = spec.Dir
	configureProcAttr(cmd)

	outR, outW, err := os.Pipe()
	if err != nil {
		return nil, &LaunchError{Process: spec.Name, Command: spec.Command, Err: err}
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		outR.Close()
		outW.Close()
		return nil, &LaunchError{Process: spec.Name, Command: spec.Command, Err: err}
	}
	cmd.Stdout = outW
	cmd.Stderr = errW

	p := &Process{
		Spec:  spec,
		cmd:   cmd,
		buf:   capture.NewBuffer(spec.Name, spec.Role, s.seq, s.now),
		sup:   s,
		done:  make(chan struct{}),
		state: Starting,
	}

	if err := cmd.Start(); err != nil {
		for _, f := range []*os.File{outR, outW, errR, errW} {
			f.Close()
		}
		s.logger.Debug("launch failed", "process", spec.Name, "command", spec.Command, "error", err)
		return nil, &LaunchError{Process: spec.Name, Command: spec.Command, Err: err}
	}
	// The child holds its own copies of the write ends.
	outW.Close()
	errW.Close()

	p.mu.Lock()
	p.started = s.now()
	p.state = Running
	p.mu.Unlock()

	s.mu.Lock()
	s.procs = append(s.procs, p)
	s.mu.Unlock()

	s.logger.Debug("launched", "process", spec.Name, "pid", cmd.Process.Pid, "rank", spec.Rank)

	var drains sync.WaitGroup
	drains.Add(2)
	go p.drain(&drains, outR, capture.Stdout)
	go p.drain(&drains, errR, capture.Stderr)
	go p.wait(&drains, outR, errR)

	return p, nil
}

func (p *Process) drain(wg *sync.WaitGroup, r io.Reader, stream capture.Stream) {
	defer wg.Done()
	if err := capture.Drain(r, stream, p.buf); err != nil && !isClosedPipe(err) {
		p.sup.logger.Debug("capture ended", "process", p.Spec.Name, "stream", stream, "error", err)
	}
}

// wait records the exit, then gives the capture goroutines up to the grace
// period to drain what is left in the pipes. Descendants still holding the
// pipes open after that are killed with the group.
func (p *Process) wait(drains *sync.WaitGroup, readers ...*os.File) {
	_ = p.cmd.Wait()
	code := exitCode(p.cmd.ProcessState)

	p.mu.Lock()
	p.ended = p.sup.now()
	p.code = code
	if p.stopState != "" {
		p.state = p.stopState
	} else {
		p.state = Exited
	}
	state := p.state
	p.mu.Unlock()

	p.sup.logger.Debug("process ended", "process", p.Spec.Name, "state", state, "code", code)

	drained := make(chan struct{})
	go func() {
		drains.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(p.sup.grace):
		_ = signalGroup(p.cmd.Process, false)
		for _, r := range readers {
			r.Close()
		}
		<-drained
	}
	for _, r := range readers {
		r.Close()
	}

	p.buf.Close()
	close(p.done)
}

func isClosedPipe(err error) bool {
	return errors.Is(err, os.ErrClosed) || errors.Is(err, io.ErrClosedPipe)
}

// mergeEnviron overlays KEY=VALUE entries on base. Overlay entries win.
// The result is sorted by key.
func mergeEnviron(base, overlay []string) []string {
	m := make(map[string]string, len(base)+len(overlay))
	for _, list := range [][]string{base, overlay} {
		for _, kv := range list {
			k, v, ok := strings.Cut(kv, "=")
			if !ok {
				continue
			}
			m[k] = v
		}
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+m[k])
	}
	return out
}

// AwaitReady blocks until p signals readiness: a captured line containing
// the spec's readiness pattern, or the readiness delay elapsing since
// launch. Processes without a readiness signal are ready immediately.
//
// Returns ErrReadyTimeout when timeout (if positive) passes first,
// ErrExitedBeforeReady when the process ends first, or the context error.
func (s *Supervisor) AwaitReady(ctx context.Context, p *Process, timeout time.Duration) error {
	r := p.Spec.Readiness
	if r.IsZero() {
		p.markReady(p.startedAt())
		return nil
	}

	var deadline <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}

	if r.Pattern == "" {
		wait := r.Delay - s.now().Sub(p.startedAt())
		if wait < 0 {
			wait = 0
		}
		delay := time.NewTimer(wait)
		defer delay.Stop()
		select {
		case <-delay.C:
			p.markReady(s.now())
			return nil
		case <-p.done:
			return ErrExitedBeforeReady
		case <-deadline:
			return ErrReadyTimeout
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	seen := 0
	for {
		changed := p.buf.Changed()
		for _, line := range p.buf.Since(seen) {
			seen++
			if strings.Contains(line.Text, r.Pattern) {
				p.markReady(line.Time)
				s.logger.Debug("ready", "process", p.Spec.Name, "line", line.Text)
				return nil
			}
		}
		if p.buf.Closed() {
			return ErrExitedBeforeReady
		}
		select {
		case <-changed:
		case <-deadline:
			return ErrReadyTimeout
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// AwaitExit blocks until p ends and returns its terminal state.
//
// When timeout (if positive) passes first, the process group is sent SIGTERM,
// then SIGKILL after the grace period, and the process ends TimedOut. When
// ctx ends first, the group is terminated the same way and the process ends
// Killed. Captured output is kept in both cases.
func (s *Supervisor) AwaitExit(ctx context.Context, p *Process, timeout time.Duration) State {
	var deadline <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}

	select {
	case <-p.done:
	case <-deadline:
		p.terminate(TimedOut, fmt.Sprintf("did not exit within %s", timeout), true)
		<-p.done
	case <-ctx.Done():
		p.terminate(Killed, "aborted: "+ctx.Err().Error(), true)
		<-p.done
	}
	return p.State()
}

// Stop terminates p gracefully: SIGTERM now, SIGKILL after the grace period.
// The process ends Killed with reason. Stop does not wait; use AwaitExit.
func (s *Supervisor) Stop(p *Process, reason string) {
	p.terminate(Killed, reason, true)
}

// Kill sends SIGKILL to p's process group. The process ends Killed.
func (s *Supervisor) Kill(p *Process, reason string) {
	p.terminate(Killed, reason, false)
}

// Expire terminates p gracefully and records it TimedOut, for deadlines the
// caller enforces itself such as readiness timeouts.
func (s *Supervisor) Expire(p *Process, reason string) {
	p.terminate(TimedOut, reason, true)
}

// StopAll terminates every process still running and waits for all of them.
func (s *Supervisor) StopAll(reason string) {
	for _, p := range s.Processes() {
		p.terminate(Killed, reason, true)
	}
	for _, p := range s.Processes() {
		<-p.done
	}
}

func (p *Process) terminate(state State, reason string, graceful bool) {
	p.mu.Lock()
	if p.state.Terminal() || p.stopState != "" {
		p.mu.Unlock()
		if !graceful {
			// Escalate a pending graceful stop.
			_ = signalGroup(p.cmd.Process, false)
		}
		return
	}
	p.stopState = state
	p.stopReason = reason
	p.mu.Unlock()

	p.sup.logger.Debug("terminating", "process", p.Spec.Name, "reason", reason, "graceful", graceful)
	if err := signalGroup(p.cmd.Process, graceful); err != nil {
		p.sup.logger.Warn("signal failed", "process", p.Spec.Name, "error", err)
	}
	if graceful {
		go func() {
			t := time.NewTimer(p.sup.grace)
			defer t.Stop()
			select {
			case <-p.done:
			case <-t.C:
				_ = signalGroup(p.cmd.Process, false)
			}
		}()
	}
}

// Processes returns the launched processes in launch order.
func (s *Supervisor) Processes() []*Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Process(nil), s.procs...)
}

// Lines returns the captured output of every process merged by timestamp.
func (s *Supervisor) Lines() []capture.Line {
	var logs [][]capture.Line
	for _, p := range s.Processes() {
		logs = append(logs, p.buf.Lines())
	}
	return capture.Merge(logs...)
}

// Done is closed once the process has ended and its output is drained.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Buffer returns the process's captured output.
func (p *Process) Buffer() *capture.Buffer {
	return p.buf
}

// Pid returns the OS process id.
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// State returns the current state.
func (p *Process) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Process) startedAt() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}

// StartedAt returns the launch timestamp.
func (p *Process) StartedAt() time.Time {
	return p.startedAt()
}

func (p *Process) markReady(at time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.readyAt.IsZero() {
		p.readyAt = at
	}
}

// ReadyAt returns when readiness was observed, zero if never.
func (p *Process) ReadyAt() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.readyAt
}

// Status summarizes the process for the verdict engine. Call it once the
// process is terminal.
func (p *Process) Status() verdict.ExitStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := verdict.ExitStatus{
		Process: p.Spec.Name,
		Role:    p.Spec.Role,
		Code:    p.code,
		Reason:  p.stopReason,
		Started: p.started,
		Ended:   p.ended,
	}
	switch p.state {
	case Exited:
		st.Termination = verdict.Exited
	case Killed:
		st.Termination = verdict.Killed
	case TimedOut:
		st.Termination = verdict.TimedOut
	default:
		// Not terminal yet; report what is known.
		st.Termination = verdict.Killed
		st.Reason = "still " + string(p.state)
	}
	return st
}

// NotStarted summarizes a spec that never launched.
func NotStarted(spec topology.ProcessSpec, reason string) verdict.ExitStatus {
	return verdict.ExitStatus{
		Process:     spec.Name,
		Role:        spec.Role,
		Termination: verdict.NotStarted,
		Reason:      reason,
	}
}
