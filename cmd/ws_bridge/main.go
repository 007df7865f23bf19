// Command ws_bridge exposes a stdio agent, typically `murmur -acp`, over a
// WebSocket. Each connection gets its own supervised child: text messages are
// written to the child's stdin one per line, and every stdout line is sent
// back as a {"type":"stdout","data":...} frame.
package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/m4xw311/murmur/config"
	"github.com/m4xw311/murmur/errors"
	"github.com/m4xw311/murmur/logging"
	"github.com/m4xw311/murmur/supervisor"
)

// childGrace is how long a child may take to exit once its client is gone.
const childGrace = 5 * time.Second

type frame struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

type bridge struct {
	sup      *supervisor.Supervisor
	command  []string
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

func newBridge(sup *supervisor.Supervisor, command []string, logger *slog.Logger) *bridge {
	return &bridge{
		sup:     sup,
		command: command,
		logger:  logging.For(logger, "ws_bridge"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (b *bridge) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", b.handleWS)
	return mux
}

func (b *bridge) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Warn("upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	log := b.logger.With("remote", r.RemoteAddr)

	stdinR, stdinW := io.Pipe()
	out := &frameWriter{conn: conn}
	proc, err := b.sup.Launch(r.Context(), supervisor.Spec{
		Name:    "agent@" + r.RemoteAddr,
		Command: b.command[0],
		Args:    b.command[1:],
		Stdin:   stdinR,
		Stdout:  out,
	})
	if err != nil {
		log.Error("could not start agent", "error", err)
		_ = out.send(frame{Type: "error", Data: "could not start agent"})
		return
	}
	log.Info("client connected", "pid", proc.Pid)

	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				log.Info("client disconnected", "error", err)
				return
			}
			if _, err := stdinW.Write(append(msg, '\n')); err != nil {
				log.Warn("agent stdin closed", "error", err)
				return
			}
		}
	}()

	select {
	case <-proc.Done():
		_ = stdinR.Close()
		out.flush()
		log.Info("agent exited", "exit_code", proc.ExitCode())
		_ = out.close("agent exited")
	case <-clientGone:
		_ = stdinW.Close()
		select {
		case <-proc.Done():
		case <-time.After(childGrace):
			log.Warn("agent still running after its client left", "pid", proc.Pid)
		}
	}
}

// frameWriter turns the child's stdout into one frame per line. Gorilla
// connections allow one concurrent writer, hence the lock.
type frameWriter struct {
	conn *websocket.Conn

	mu  sync.Mutex
	buf []byte
}

func (f *frameWriter) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.buf = append(f.buf, p...)
	for {
		i := bytes.IndexByte(f.buf, '\n')
		if i < 0 {
			return len(p), nil
		}
		line := string(f.buf[:i])
		f.buf = f.buf[i+1:]
		if err := f.conn.WriteJSON(frame{Type: "stdout", Data: line}); err != nil {
			return 0, err
		}
	}
}

// flush sends a trailing line that lacked its newline.
func (f *frameWriter) flush() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.buf) > 0 {
		_ = f.conn.WriteJSON(frame{Type: "stdout", Data: string(f.buf)})
		f.buf = nil
	}
}

func (f *frameWriter) send(fr frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conn.WriteJSON(fr)
}

func (f *frameWriter) close(reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	return f.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}

func main() {
	os.Exit(run(os.Args[1:], os.Stderr))
}

func run(args []string, stderr io.Writer) int {
	fs := flag.NewFlagSet("ws_bridge", flag.ContinueOnError)
	fs.SetOutput(stderr)
	addr := fs.String("addr", "localhost:8080", "Address to listen on")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	command := fs.Args()
	if len(command) == 0 {
		fmt.Fprintln(stderr, "usage: ws_bridge [-addr host:port] command [args...]")
		return 2
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(stderr, "Error loading configuration: %+v\n", err)
		return 1
	}
	logger, closer, err := logging.New(cfg.Log, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "Error setting up logging: %+v\n", err)
		return 1
	}
	defer closer.Close()
	slog.SetDefault(logger)

	sup := supervisor.New(logger, cfg.Shutdown)
	var once sync.Once
	shutdown := func() {
		once.Do(func() {
			if err := sup.Shutdown(context.Background()); err != nil {
				logger.Error("shutdown incomplete", "error", err)
			}
		})
	}
	defer shutdown()

	srv := &http.Server{Addr: *addr, Handler: newBridge(sup, command, logger).routes()}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	served := make(chan error, 1)
	go func() { served <- srv.ListenAndServe() }()
	logger.Info("WebSocket bridge running", "url", "ws://"+*addr+"/ws", "command", command)

	select {
	case err := <-served:
		logger.Error("server stopped", "error", err)
		return 1
	case <-ctx.Done():
	}
	logger.Info("signal received, shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), cfg.Shutdown.Timeout())
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		logger.Warn("server shutdown", "error", err)
	}
	shutdown()
	return 0
}
