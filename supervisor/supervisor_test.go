package supervisor

import (
	"bytes"
	"context"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/m4xw311/murmur/config"
	"github.com/m4xw311/murmur/errors"
	"github.com/m4xw311/murmur/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fast = config.Shutdown{GraceSeconds: 0.3, FinalSeconds: 1, TimeoutSeconds: 5}

// syncBuffer lets the test read log output written from reaper goroutines.
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

func waitDone(t *testing.T, p *Process) {
	t.Helper()
	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("process %d did not exit", p.Pid)
	}
}

func TestLaunchLogsOutputAndExit(t *testing.T) {
	var out syncBuffer
	logger := slog.New(slog.NewTextHandler(&out, nil))
	s := New(logger, fast)

	p, err := s.Launch(context.Background(), Spec{
		Name:    "greeter",
		Command: "sh",
		Args:    []string{"-c", "echo hello; echo oops >&2; printf tail; exit 3"},
	})
	require.NoError(t, err)
	waitDone(t, p)

	assert.Equal(t, 3, p.ExitCode())
	assert.Equal(t, StateExited, p.State())
	assert.Nil(t, p.Signal())
	assert.NoError(t, p.Err())
	assert.Empty(t, s.Handles())
	logs := out.String()
	assert.Contains(t, logs, "msg=hello")
	assert.Contains(t, logs, "msg=oops")
	assert.Contains(t, logs, "stream=stderr")
	assert.Contains(t, logs, "msg=tail")
	assert.Contains(t, logs, "exit_code=3")
}

func TestOutputRecordsCarryPid(t *testing.T) {
	var out syncBuffer
	s := New(slog.New(slog.NewTextHandler(&out, nil)), fast)

	p, err := s.Launch(context.Background(), Spec{Name: "echo", Command: "echo", Args: []string{"hello-line"}})
	require.NoError(t, err)
	waitDone(t, p)

	var record string
	for _, line := range strings.Split(out.String(), "\n") {
		if strings.Contains(line, "msg=hello-line") {
			record = line
		}
	}
	require.NotEmpty(t, record)
	assert.Contains(t, record, "pid="+strconv.Itoa(p.Pid))
	assert.Contains(t, record, "stream=stdout")
}

func TestLaunchPassesEnvAndStdout(t *testing.T) {
	s := New(logging.Discard(), fast)
	var out syncBuffer
	p, err := s.Launch(context.Background(), Spec{
		Name:    "env",
		Command: "sh",
		Args:    []string{"-c", "read line; echo \"$GREETING $line\""},
		Env:     map[string]string{"GREETING": "hi"},
		Stdin:   strings.NewReader("there\n"),
		Stdout:  &out,
	})
	require.NoError(t, err)
	waitDone(t, p)
	assert.Equal(t, "hi there\n", out.String())
}

func TestLaunchFailure(t *testing.T) {
	s := New(logging.Discard(), fast)
	_, err := s.Launch(context.Background(), Spec{Name: "ghost", Command: "/definitely/not/here"})
	assert.True(t, errors.Is(err, errors.ErrProcessLaunch))
	assert.Empty(t, s.Handles())
}

func TestShutdownTerminatesCooperativeChildren(t *testing.T) {
	s := New(logging.Discard(), fast)
	var procs []*Process
	for i := 0; i < 3; i++ {
		p, err := s.Launch(context.Background(), Spec{Name: "sleeper", Command: "sleep", Args: []string{"30"}})
		require.NoError(t, err)
		procs = append(procs, p)
	}
	require.Len(t, s.Handles(), 3)

	start := time.Now()
	require.NoError(t, s.Shutdown(context.Background()))
	assert.Less(t, time.Since(start), 2*time.Second)
	for _, p := range procs {
		waitDone(t, p)
	}
	assert.Empty(t, s.Handles())
}

func TestShutdownKillsChildIgnoringTerm(t *testing.T) {
	s := New(logging.Discard(), fast)
	p, err := s.Launch(context.Background(), Spec{
		Name:    "stubborn",
		Command: "sh",
		Args:    []string{"-c", "trap '' TERM; exec sleep 30"},
	})
	require.NoError(t, err)
	// Give the shell time to install the trap before it is signalled.
	time.Sleep(200 * time.Millisecond)

	start := time.Now()
	require.NoError(t, s.Shutdown(context.Background()))
	elapsed := time.Since(start)

	waitDone(t, p)
	assert.GreaterOrEqual(t, elapsed, fast.Grace())
	assert.Less(t, elapsed, fast.Timeout())
	assert.Equal(t, -1, p.ExitCode(), "killed by signal")
	assert.Equal(t, syscall.SIGKILL, p.Signal())
	assert.Empty(t, s.Handles())
}

func TestProcessStateFollowsShutdown(t *testing.T) {
	s := New(logging.Discard(), fast)
	p, err := s.Launch(context.Background(), Spec{
		Name:    "stubborn",
		Command: "sh",
		Args:    []string{"-c", "trap '' TERM; exec sleep 30"},
	})
	require.NoError(t, err)
	assert.Equal(t, StateRunning, p.State())
	assert.Equal(t, "sh", p.Command)
	assert.Equal(t, []string{"-c", "trap '' TERM; exec sleep 30"}, p.Args)
	time.Sleep(200 * time.Millisecond)

	done := make(chan error, 1)
	go func() { done <- s.Shutdown(context.Background()) }()
	assert.Eventually(t, func() bool { return p.State() == StateTerminating }, time.Second, 10*time.Millisecond)

	require.NoError(t, <-done)
	waitDone(t, p)
	assert.Equal(t, StateExited, p.State())
	assert.Equal(t, syscall.SIGKILL, p.Signal())
}

func TestShutdownIsIdempotentAndClosesLaunch(t *testing.T) {
	s := New(logging.Discard(), fast)
	_, err := s.Launch(context.Background(), Spec{Name: "sleeper", Command: "sleep", Args: []string{"30"}})
	require.NoError(t, err)

	require.NoError(t, s.Shutdown(context.Background()))
	require.NoError(t, s.Shutdown(context.Background()))

	_, err = s.Launch(context.Background(), Spec{Name: "late", Command: "true"})
	assert.True(t, errors.Is(err, errors.ErrProcessLaunch))
}

func TestShutdownReportsTimeout(t *testing.T) {
	s := New(logging.Discard(), fast)
	p, err := s.Launch(context.Background(), Spec{
		Name:    "stubborn",
		Command: "sh",
		Args:    []string{"-c", "trap '' TERM; exec sleep 30"},
	})
	require.NoError(t, err)
	time.Sleep(200 * time.Millisecond)
	t.Cleanup(func() {
		_ = syscall.Kill(p.Pid, syscall.SIGKILL)
		waitDone(t, p)
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = s.Shutdown(ctx)
	assert.True(t, errors.Is(err, errors.ErrShutdownTimeout))

	// Survivors are killed even though nobody waits for them.
	waitDone(t, p)
	assert.Equal(t, syscall.SIGKILL, p.Signal())
}

// cmdConn is a Conn over a bare command, standing in for an IPC transport.
type cmdConn struct{ cmd *exec.Cmd }

func (c cmdConn) Wait() error  { return c.cmd.Wait() }
func (c cmdConn) Close() error { return nil }

func TestLaunchIPCAdoptsChild(t *testing.T) {
	s := New(logging.Discard(), fast)
	p, conn, err := s.LaunchIPC(context.Background(), Spec{Name: "server", Command: "sleep", Args: []string{"30"}},
		func(ctx context.Context, cmd *exec.Cmd) (Conn, error) {
			if err := cmd.Start(); err != nil {
				return nil, err
			}
			return cmdConn{cmd}, nil
		})
	require.NoError(t, err)
	require.NotNil(t, conn)
	assert.Len(t, s.Handles(), 1)

	require.NoError(t, s.Shutdown(context.Background()))
	waitDone(t, p)
	assert.Empty(t, s.Handles())
}

func TestLaunchIPCConnectFailure(t *testing.T) {
	s := New(logging.Discard(), fast)
	_, _, err := s.LaunchIPC(context.Background(), Spec{Name: "server", Command: "sleep", Args: []string{"30"}},
		func(ctx context.Context, cmd *exec.Cmd) (Conn, error) {
			return nil, errors.New("handshake failed")
		})
	assert.True(t, errors.Is(err, errors.ErrProcessLaunch))
	assert.Empty(t, s.Handles())
}
