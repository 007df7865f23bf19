package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/m4xw311/murmur/agent"
	"github.com/m4xw311/murmur/agent/acp"
	"github.com/m4xw311/murmur/agent/terminal"
	"github.com/m4xw311/murmur/config"
	"github.com/m4xw311/murmur/errors"
	"github.com/m4xw311/murmur/llm"
	"github.com/m4xw311/murmur/logging"
	"github.com/m4xw311/murmur/session"
	"github.com/m4xw311/murmur/supervisor"
	"github.com/m4xw311/murmur/tools"
	"github.com/m4xw311/murmur/tools/mcp"
)

// hostGrace is how long a host gets to wind down its turn after a signal.
const hostGrace = 2 * time.Second

type options struct {
	mode      agent.Mode
	session   string
	resume    string
	verbosity terminal.Verbosity
	acp       bool
	prompt    string
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	fs := flag.NewFlagSet("murmur", flag.ContinueOnError)
	fs.SetOutput(stderr)
	modeFlag := fs.String("m", "auto", "Execution mode: 'auto' or 'prompt'")
	sessionFlag := fs.String("s", "", "Conversation name to create or use")
	resumeFlag := fs.String("r", "", "Resume a stored conversation by name")
	verbosityFlag := fs.String("tool-verbosity", "none", "Tool verbosity level: 'none', 'info', or 'all'")
	acpFlag := fs.Bool("acp", false, "Serve the Agent Client Protocol on stdio")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	opts := options{
		session: *sessionFlag,
		resume:  *resumeFlag,
		acp:     *acpFlag,
		prompt:  strings.Join(fs.Args(), " "),
	}
	switch agent.Mode(*modeFlag) {
	case agent.ModeAuto, agent.ModePrompt:
		opts.mode = agent.Mode(*modeFlag)
	default:
		return options{}, errors.New("invalid mode '%s'. Must be 'auto' or 'prompt'", *modeFlag)
	}
	v, err := terminal.ParseVerbosity(*verbosityFlag)
	if err != nil {
		return options{}, err
	}
	opts.verbosity = v
	if opts.session != "" && opts.resume != "" {
		return options{}, errors.New("-s and -r cannot be combined")
	}
	return opts, nil
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) (code int) {
	opts, err := parseFlags(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(stderr, "%v\n", err)
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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	e, err := start(context.Background(), cfg, logger)
	if err != nil {
		logger.Error("could not start", "error", err)
		return 1
	}
	defer e.close()
	defer func() {
		if p := recover(); p != nil {
			logger.Error("murmur panicked", "panic", p, "stack", string(debug.Stack()))
			e.close()
			code = 2
		}
	}()

	host := func(ctx context.Context) error {
		if opts.acp {
			return acp.Run(ctx, e, stdin, stdout, logger)
		}
		return e.runTerminal(ctx, opts, stdin, stdout)
	}
	done := make(chan error, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				logger.Error("host panicked", "panic", p, "stack", string(debug.Stack()))
				done <- errors.New("panic: %v", p)
			}
		}()
		done <- host(ctx)
	}()

	select {
	case err = <-done:
	case <-ctx.Done():
		logger.Info("signal received, shutting down")
		select {
		case err = <-done:
		case <-time.After(hostGrace):
		}
	}
	if err != nil {
		logger.Error("murmur stopped with an error", "error", err)
		return 1
	}
	return 0
}

// engine holds what every conversation shares: the supervised processes, the
// tool registry and the model client.
type engine struct {
	cfg      *config.Config
	logger   *slog.Logger
	sup      *supervisor.Supervisor
	registry *tools.Registry
	client   llm.LLMClient
	mcp      []*mcp.Source

	closeOnce sync.Once
}

var _ acp.Factory = (*engine)(nil)

// start launches the configured helper processes and tool servers and builds
// the shared collaborators. Anything already started is stopped on error.
func start(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*engine, error) {
	e := &engine{cfg: cfg, logger: logger, sup: supervisor.New(logger, cfg.Shutdown)}

	for _, p := range cfg.StartupProcesses {
		spec := supervisor.Spec{Name: p.Name, Command: p.Command, Args: p.Args, Dir: p.Dir}
		if _, err := e.sup.Launch(ctx, spec); err != nil {
			logger.Error("could not start helper process", "process", p.Name, "error", err)
		}
	}

	sources, err := tools.FromConfig(cfg)
	if err != nil {
		e.close()
		return nil, err
	}
	for _, server := range cfg.MCPServers {
		src, err := mcp.Connect(ctx, e.sup, server, logger)
		if err != nil {
			logger.Error("MCP server unavailable", "server", server.Name, "error", err)
			continue
		}
		e.mcp = append(e.mcp, src)
		sources = append(sources, src)
	}
	e.registry = tools.NewRegistry(logger, cfg.IgnoreList, sources...)
	n := e.registry.Load(ctx)
	logger.Info("tools loaded", "count", n, "sources", len(sources))

	e.client, err = llm.NewClient(ctx, cfg.LLMClient, cfg.Model)
	if err != nil {
		e.close()
		return nil, err
	}
	return e, nil
}

// close stops every child and releases the tool server sessions. Only the
// first call has an effect.
func (e *engine) close() {
	e.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.Shutdown.Timeout())
		defer cancel()
		if err := e.sup.Shutdown(ctx); err != nil {
			e.logger.Error("shutdown incomplete", "error", err)
		}
		for _, src := range e.mcp {
			_ = src.Close()
		}
	})
}

// openStore opens the conversation named name. With mustExist, a missing
// snapshot is an error.
func (e *engine) openStore(name string, mustExist bool) (*session.Store, error) {
	path := session.PathFor(e.cfg.StateDir, name)
	if mustExist {
		if _, err := os.Stat(path); err != nil {
			return nil, errors.Wrapf(err, "conversation '%s' not found", name)
		}
	}
	store, err := session.Open(session.Options{
		Path:             path,
		MessageLimit:     e.cfg.MessageLimit,
		CompressionLimit: e.cfg.MessageCompressionLimit,
	})
	if err != nil {
		// The store is still usable, just empty.
		e.logger.Error("conversation could not be restored", "conversation", name, "error", err)
	}
	return store, nil
}

func (e *engine) newAgent(store *session.Store, mode agent.Mode, approve func(context.Context, session.Part) bool) (*agent.Agent, error) {
	opts := agent.OptionsFromConfig(e.cfg)
	opts.Store = store
	opts.Client = e.client
	opts.Tools = e.registry
	opts.Logger = e.logger
	opts.Mode = mode
	opts.Approve = approve
	return agent.New(opts)
}

func (e *engine) NewSession(ctx context.Context, id string) (*agent.Agent, error) {
	store, err := e.openStore(id, false)
	if err != nil {
		return nil, err
	}
	return e.newAgent(store, agent.ModeAuto, nil)
}

func (e *engine) LoadSession(ctx context.Context, id string) (*agent.Agent, error) {
	store, err := e.openStore(id, true)
	if err != nil {
		return nil, err
	}
	return e.newAgent(store, agent.ModeAuto, nil)
}

func (e *engine) runTerminal(ctx context.Context, opts options, stdin io.Reader, stdout io.Writer) error {
	name := opts.resume
	if name == "" {
		name = opts.session
	}
	if name == "" {
		name = defaultSessionName()
	}
	store, err := e.openStore(name, opts.resume != "")
	if err != nil {
		return err
	}
	if opts.resume != "" {
		fmt.Fprintf(stdout, "Resuming conversation: %s\n", name)
	} else {
		fmt.Fprintf(stdout, "Starting conversation: %s\n", name)
	}

	term := terminal.New(stdin, stdout, opts.verbosity)
	a, err := e.newAgent(store, opts.mode, term.Approve)
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, "Murmur is ready. Type your prompt.")
	return term.Run(ctx, a, opts.prompt)
}

func defaultSessionName() string {
	wd, err := os.Getwd()
	if err != nil {
		wd = "murmur"
	}
	return fmt.Sprintf("%s_%s", filepath.Base(wd), time.Now().Format("2006-01-02_15-04-05"))
}
