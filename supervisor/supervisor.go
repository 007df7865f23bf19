// Package supervisor owns every subprocess murmur starts: startup helpers,
// MCP tool servers and bridged agents. It records each child, logs its output
// and exit, and stops all of them with a bounded TERM, wait, KILL sequence.
package supervisor

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/m4xw311/murmur/config"
	"github.com/m4xw311/murmur/errors"
)

// waitDelay bounds how long Wait blocks on output copying after the child
// itself has exited.
const waitDelay = 2 * time.Second

// Spec describes a child to start.
type Spec struct {
	Name    string
	Command string
	Args    []string
	Dir     string
	Env     map[string]string

	// Stdin and Stdout are handed to the child unchanged. When nil, stdin is
	// empty and stdout lines are logged.
	Stdin  io.Reader
	Stdout io.Writer
}

func (s Spec) command() *exec.Cmd {
	cmd := exec.Command(s.Command, s.Args...)
	cmd.Dir = s.Dir
	if len(s.Env) > 0 {
		cmd.Env = os.Environ()
		for _, k := range sortedKeys(s.Env) {
			cmd.Env = append(cmd.Env, k+"="+s.Env[k])
		}
	}
	return cmd
}

// Conn is a live IPC connection to a child whose lifetime is owned by the
// transport. Wait returns once the peer has gone away; Close releases the
// transport and reaps the child.
type Conn interface {
	Wait() error
	Close() error
}

// ConnectFunc starts cmd as part of establishing an IPC connection.
type ConnectFunc func(ctx context.Context, cmd *exec.Cmd) (Conn, error)

// State is the lifecycle state of a child.
type State string

const (
	StateStarting    State = "starting"
	StateRunning     State = "running"
	StateTerminating State = "terminating"
	StateExited      State = "exited"
)

// Process is a running or exited child.
type Process struct {
	Name    string
	Pid     int
	Command string
	Args    []string

	done     chan struct{}
	exitCode int
	err      error

	mu     sync.Mutex
	state  State
	signal os.Signal
}

// Done is closed once the child has exited and been reaped.
func (p *Process) Done() <-chan struct{} { return p.done }

// State returns where the child is in its lifecycle.
func (p *Process) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Signal returns the signal that ended the child, or nil when it exited on
// its own or is still running.
func (p *Process) Signal() os.Signal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.signal
}

func (p *Process) setState(st State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateExited {
		p.state = st
	}
}

// ExitCode returns the exit code, or -1 while running or when killed by a
// signal.
func (p *Process) ExitCode() int {
	select {
	case <-p.done:
		return p.exitCode
	default:
		return -1
	}
}

// Err returns the error reported when reaping the child, if any.
func (p *Process) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

type entry struct {
	proc *Process
	os   *os.Process
}

// Supervisor tracks children by pid.
type Supervisor struct {
	logger *slog.Logger
	cfg    config.Shutdown

	mu       sync.Mutex
	children map[int]*entry
	closing  bool

	shutdownOnce sync.Once
	shutdownErr  error
}

// New returns a supervisor that shuts down according to cfg.
func New(logger *slog.Logger, cfg config.Shutdown) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{logger: logger, cfg: cfg, children: map[int]*entry{}}
}

// Launch starts a child and returns once it is running. Output the caller
// does not claim is logged line by line.
func (s *Supervisor) Launch(ctx context.Context, spec Spec) (*Process, error) {
	if err := s.checkOpen(spec.Name); err != nil {
		return nil, err
	}
	cmd := spec.command()
	cmd.Stdin = spec.Stdin
	log := s.logger.With("process", spec.Name)
	var sinks []*lineWriter
	if spec.Stdout != nil {
		cmd.Stdout = spec.Stdout
	} else {
		w := newLineWriter(log, "stdout")
		cmd.Stdout, sinks = w, append(sinks, w)
	}
	stderr := newLineWriter(log, "stderr")
	cmd.Stderr, sinks = stderr, append(sinks, stderr)
	cmd.WaitDelay = waitDelay

	if err := ctx.Err(); err != nil {
		return nil, errors.Mark(err, errors.ErrProcessLaunch, "not starting '%s'", spec.Name)
	}
	if err := cmd.Start(); err != nil {
		return nil, errors.Mark(err, errors.ErrProcessLaunch, "could not start '%s'", spec.Name)
	}

	for _, w := range sinks {
		w.bind(cmd.Process.Pid)
	}
	p := s.track(spec, cmd.Process)
	go func() {
		err := cmd.Wait()
		for _, w := range sinks {
			w.Flush()
		}
		s.exited(p, cmd.ProcessState, err)
	}()
	return p, nil
}

// LaunchIPC hands a prepared command to connect, which must start it, and
// adopts the resulting child. The child's stderr is logged. The returned
// Conn is the one produced by connect; closing it ends the child.
func (s *Supervisor) LaunchIPC(ctx context.Context, spec Spec, connect ConnectFunc) (*Process, Conn, error) {
	if err := s.checkOpen(spec.Name); err != nil {
		return nil, nil, err
	}
	cmd := spec.command()
	stderr := newLineWriter(s.logger.With("process", spec.Name), "stderr")
	cmd.Stderr = stderr

	conn, err := connect(ctx, cmd)
	if cmd.Process != nil {
		stderr.bind(cmd.Process.Pid)
	} else {
		stderr.bind(0)
	}
	if err != nil {
		if cmd.Process != nil && cmd.ProcessState == nil {
			_ = cmd.Process.Kill()
		}
		return nil, nil, errors.Mark(err, errors.ErrProcessLaunch, "could not connect to '%s'", spec.Name)
	}
	if cmd.Process == nil {
		_ = conn.Close()
		return nil, nil, errors.Mark(errors.New("connect returned without starting the command"), errors.ErrProcessLaunch, "could not start '%s'", spec.Name)
	}

	p := s.track(spec, cmd.Process)
	go func() {
		_ = conn.Wait()
		err := conn.Close()
		stderr.Flush()
		s.exited(p, cmd.ProcessState, err)
	}()
	return p, conn, nil
}

func (s *Supervisor) checkOpen(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return errors.Mark(errors.New("supervisor is shutting down"), errors.ErrProcessLaunch, "not starting '%s'", name)
	}
	return nil
}

func (s *Supervisor) track(spec Spec, proc *os.Process) *Process {
	p := &Process{
		Name:     spec.Name,
		Pid:      proc.Pid,
		Command:  spec.Command,
		Args:     spec.Args,
		done:     make(chan struct{}),
		exitCode: -1,
		state:    StateStarting,
	}
	s.mu.Lock()
	s.children[proc.Pid] = &entry{proc: p, os: proc}
	s.mu.Unlock()
	p.setState(StateRunning)
	s.logger.Info("process started", "process", spec.Name, "pid", proc.Pid, "command", spec.Command)
	return p
}

func (s *Supervisor) exited(p *Process, state *os.ProcessState, err error) {
	p.mu.Lock()
	if state != nil {
		p.exitCode = state.ExitCode()
		if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			p.signal = ws.Signal()
		}
	}
	p.state = StateExited
	p.mu.Unlock()
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		p.err = err
	}
	s.mu.Lock()
	delete(s.children, p.Pid)
	s.mu.Unlock()
	close(p.done)

	attrs := []any{"process", p.Name, "pid", p.Pid, "exit_code", p.exitCode}
	if p.signal != nil {
		attrs = append(attrs, "signal", p.signal.String())
	}
	if p.err != nil {
		attrs = append(attrs, "error", p.err)
	}
	s.logger.Info("process exited", attrs...)
}

// Handles returns the children that have not exited, ordered by pid.
func (s *Supervisor) Handles() []*Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Process, 0, len(s.children))
	for _, e := range s.children {
		out = append(out, e.proc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Pid < out[j].Pid })
	return out
}

// Shutdown stops every child: SIGTERM to all, wait up to the grace window,
// SIGKILL to survivors, wait up to the final window. The whole sequence is
// bounded by the shutdown timeout and by ctx; when either expires the
// remaining children are sent SIGKILL without further waiting and
// ErrShutdownTimeout is returned.
// Later calls return the first call's result.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		s.shutdownErr = s.shutdown(ctx)
	})
	return s.shutdownErr
}

func (s *Supervisor) shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	entries := make([]*entry, 0, len(s.children))
	for _, e := range s.children {
		entries = append(entries, e)
	}
	s.mu.Unlock()
	if len(entries) == 0 {
		return nil
	}

	if t := s.cfg.Timeout(); t > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}
	s.logger.Info("stopping processes", "count", len(entries))

	for _, e := range entries {
		e.proc.setState(StateTerminating)
	}
	signalAll(s.logger, entries, syscall.SIGTERM)
	if waitAll(ctx, entries, s.cfg.Grace()) {
		return nil
	}
	if ctx.Err() == nil {
		survivors := pending(entries)
		s.logger.Warn("processes ignored SIGTERM, killing", "count", len(survivors))
		signalAll(s.logger, survivors, syscall.SIGKILL)
		if waitAll(ctx, survivors, s.cfg.Final()) {
			return nil
		}
	}

	left := pending(entries)
	signalAll(s.logger, left, syscall.SIGKILL)
	pids := make([]int, len(left))
	for i, e := range left {
		pids[i] = e.proc.Pid
	}
	err := errors.Wrapf(errors.ErrShutdownTimeout, "%d processes still running", len(left))
	s.logger.Error("shutdown timed out, forced kill", "pids", pids, "error", err)
	return err
}

func signalAll(logger *slog.Logger, entries []*entry, sig os.Signal) {
	var wg sync.WaitGroup
	for _, e := range entries {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := e.os.Signal(sig); err != nil && !errors.Is(err, os.ErrProcessDone) {
				logger.Debug("signal failed", "pid", e.proc.Pid, "signal", sig.String(), "error", err)
			}
		}()
	}
	wg.Wait()
}

// waitAll reports whether every entry exited within d and before ctx ended.
func waitAll(ctx context.Context, entries []*entry, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	for _, e := range entries {
		select {
		case <-e.proc.done:
		case <-timer.C:
			return false
		case <-ctx.Done():
			return false
		}
	}
	return true
}

func pending(entries []*entry) []*entry {
	var out []*entry
	for _, e := range entries {
		select {
		case <-e.proc.done:
		default:
			out = append(out, e)
		}
	}
	return out
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
