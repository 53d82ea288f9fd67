// pixelpane draws images and video inside the terminal.
//
// It detects what graphics the controlling terminal can show, picks a
// rendering backend (sixel, kitty, iTerm2, halfblocks or an X11 overlay
// window) and then applies JSON commands read from stdin or a control
// socket: add, remove, move, query, tick, clear and exit.
//
// Usage:
//
//	pixelpane [flags]
//	pixelpane -socket PATH -send '{"action":"query"}'
//
// Flags:
//
//	-config string    Path to configuration file (default: $XDG_CONFIG_HOME/pixelpane/config.toml)
//	-backend string   Rendering backend (auto|sixel|kitty|iterm2|halfblocks|x11|none)
//	-socket string    Control socket path (default: $XDG_RUNTIME_DIR/pixelpane-<pid>.sock)
//	-no-socket        Do not listen on a control socket
//	-no-stdin         Do not read commands from stdin
//	-pid-file string  Write the process id to this file
//	-send string      Send a command to a running instance ("-" reads stdin) and exit
//	-silent           Suppress all log output
//	-verbose          Enable verbose logging
//	-version          Print version and exit
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"
	"github.com/muesli/termenv"

	"gitlab.com/tinyland/lab/pixelpane/pkg/canvas"
	"gitlab.com/tinyland/lab/pixelpane/pkg/config"
	"gitlab.com/tinyland/lab/pixelpane/pkg/daemon"
	"gitlab.com/tinyland/lab/pixelpane/pkg/session"
	"gitlab.com/tinyland/lab/pixelpane/pkg/terminal"
)

var (
	version = "0.1.0"
	commit  = "dev"
	date    = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath = flag.String("config", "", "Path to configuration file")
		backend    = flag.String("backend", "", "Rendering backend (auto|sixel|kitty|iterm2|halfblocks|x11|none)")
		socketPath = flag.String("socket", "", "Control socket path")
		noSocket   = flag.Bool("no-socket", false, "Do not listen on a control socket")
		noStdin    = flag.Bool("no-stdin", false, "Do not read commands from stdin")
		pidFile    = flag.String("pid-file", "", "Write the process id to this file")
		send       = flag.String("send", "", "Send a command to a running instance (\"-\" reads stdin) and exit")
		silent     = flag.Bool("silent", false, "Suppress all log output")
		verbose    = flag.Bool("verbose", false, "Enable verbose logging")
		showVer    = flag.Bool("version", false, "Print version and exit")
	)
	flag.Parse()

	if *showVer {
		fmt.Printf("pixelpane %s (%s) built %s\n", version, commit, date)
		return 0
	}

	// Load configuration
	var (
		cfg *config.Config
		err error
	)
	if *configPath != "" {
		cfg, err = config.LoadFromFile(*configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return 1
	}

	// Flags take precedence over the file and the environment.
	if *backend != "" {
		cfg.Output.Backend = *backend
	}
	if *socketPath != "" {
		cfg.Socket.Path = *socketPath
	}
	if *noSocket {
		cfg.Socket.Enabled = false
	}
	if *pidFile != "" {
		cfg.General.PIDFile = *pidFile
	}
	if *silent {
		cfg.General.Silent = true
	}
	if *verbose {
		cfg.General.LogLevel = "debug"
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		return 1
	}

	if *send != "" {
		return sendCommands(cfg, *send)
	}

	logger, closeLog, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to set up logging: %v\n", err)
		return 1
	}
	defer closeLog()

	if cfg.General.PIDFile != "" {
		if err := daemon.AcquirePID(cfg.General.PIDFile); err != nil {
			fmt.Fprintf(os.Stderr, "pixelpane: %v\n", err)
			return 1
		}
		defer daemon.ReleasePID(cfg.General.PIDFile)
	}

	// Setup context with signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	go func() {
		sig := <-sigChan
		logger.Info("received shutdown signal", "signal", sig.String())
		cancel()
	}()

	term, err := terminal.Open(ctx, terminal.Options{
		QueryTimeout: cfg.Output.QueryTimeout.Duration,
		Override:     geometryOverride(cfg.Geometry),
		Logger:       logger,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "pixelpane: %v\n", err)
		return 1
	}

	profile, geom := term.Profile(), term.Geometry()
	cv, err := canvas.New(profile, geom, canvas.Options{
		Backend:      cfg.Output.Backend,
		Writer:       term.Writer(),
		ColorProfile: termenv.NewOutput(term.Writer(), termenv.WithTTY(true)).EnvColorProfile(),
		Logger:       logger,
	})
	if err != nil {
		term.Close()
		fmt.Fprintf(os.Stderr, "pixelpane: %v\n", err)
		return 1
	}

	sess := session.New(term, cv, session.Options{
		Override: geometryOverride(cfg.Geometry),
		FFmpeg:   cfg.Decode.FFmpeg,
		FFprobe:  cfg.Decode.FFprobe,
		Logger:   logger,
	})
	defer restoreOnPanic(sess)

	logger.Info("pixelpane started",
		"version", version,
		"backend", cv.Name(),
		"terminal", profile.Name,
		"terminal_pid", profile.PID,
		"tty", profile.TTY,
		"multiplexer", profile.Mux,
		"rows", geom.Rows,
		"cols", geom.Cols,
		"cell", fmt.Sprintf("%.1fx%.1f", geom.CellWidth, geom.CellHeight),
		"padding", fmt.Sprintf("%.1fx%.1f", geom.PaddingX, geom.PaddingY),
	)

	opts := session.RunOptions{
		Output:        os.Stdout,
		TrackInterval: cfg.Output.TrackInterval.Duration,
	}
	if cfg.Socket.Enabled {
		path := cfg.SocketPath(os.Getpid())
		opts.Socket = session.NewSocketServer(path, cfg.Socket.TCP, sess, logger)
		logger.Info("control socket", "path", path, "tcp", cfg.Socket.TCP)
	}
	switch {
	case *noStdin:
	case isatty.IsTerminal(os.Stdin.Fd()) || isatty.IsCygwinTerminal(os.Stdin.Fd()):
		// Keystrokes on the tty would race the query replies.
		logger.Debug("stdin is a terminal, not reading commands from it")
	default:
		opts.Input = os.Stdin
	}
	if opts.Input == nil && opts.Socket == nil {
		sess.Close()
		fmt.Fprintln(os.Stderr, "pixelpane: no command source: stdin is a terminal or disabled and the socket is off")
		return 1
	}

	if err := sess.Run(ctx, opts); err != nil {
		logger.Error("session ended with error", "error", err)
		return 1
	}
	logger.Info("pixelpane stopped")
	return 0
}

// newLogger builds the slog handler: the log file plus stderr when stderr
// is not a terminal, or nothing at all when silent.
func newLogger(cfg *config.Config) (*slog.Logger, func(), error) {
	noop := func() {}
	if cfg.General.Silent {
		return slog.New(slog.NewTextHandler(io.Discard, nil)), noop, nil
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.General.LogLevel)); err != nil {
		return nil, noop, fmt.Errorf("log level: %w", err)
	}

	var writers []io.Writer
	// stderr usually is the terminal being painted on.
	if !isatty.IsTerminal(os.Stderr.Fd()) && !isatty.IsCygwinTerminal(os.Stderr.Fd()) {
		writers = append(writers, os.Stderr)
	}

	closeLog := noop
	if cfg.General.LogFile != "" {
		if err := ensureLogDir(cfg.General.LogFile); err != nil {
			return nil, noop, fmt.Errorf("create log directory: %w", err)
		}
		f, err := os.OpenFile(cfg.General.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, noop, fmt.Errorf("open log file: %w", err)
		}
		if info, err := f.Stat(); err == nil && info.Size() > 0 {
			fmt.Fprintf(f, "--- log continues (%s so far) ---\n", humanize.Bytes(uint64(info.Size())))
		}
		writers = append(writers, f)
		closeLog = func() { f.Close() }
	}

	w := io.Discard
	if len(writers) > 0 {
		w = io.MultiWriter(writers...)
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})), closeLog, nil
}

func ensureLogDir(logFile string) error {
	dir := filepath.Dir(logFile)
	return os.MkdirAll(dir, 0o755)
}

func geometryOverride(g config.GeometryConfig) terminal.Override {
	return terminal.Override{
		CellWidth:  g.CellWidth,
		CellHeight: g.CellHeight,
		PaddingX:   g.PaddingX,
		PaddingY:   g.PaddingY,
	}
}

// sendCommands is the -send client: it forwards one command, or every
// line of stdin for "-", and prints the replies. Any failed reply makes the
// exit status 1.
func sendCommands(cfg *config.Config, arg string) int {
	var client *session.Client
	switch {
	case cfg.Socket.Path != "":
		client = session.NewClient(cfg.Socket.Path)
	case cfg.General.PIDFile != "":
		// The default socket path embeds the server's pid.
		pid, err := daemon.ReadPID(cfg.General.PIDFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "pixelpane: %v\n", err)
			return 1
		}
		client = session.NewClient(cfg.SocketPath(pid))
	case cfg.Socket.TCP != "":
		client = session.NewTCPClient(cfg.Socket.TCP)
	default:
		fmt.Fprintln(os.Stderr, "pixelpane: -send needs -socket, -pid-file, socket.path or socket.tcp")
		return 1
	}

	var cmds [][]byte
	if arg == "-" {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			if line := strings.TrimSpace(sc.Text()); line != "" {
				cmds = append(cmds, []byte(line))
			}
		}
		if err := sc.Err(); err != nil {
			fmt.Fprintf(os.Stderr, "read commands: %v\n", err)
			return 1
		}
	} else {
		cmds = [][]byte{[]byte(arg)}
	}
	if len(cmds) == 0 {
		return 0
	}

	replies, err := client.Send(cmds...)
	code := 0
	enc := json.NewEncoder(os.Stdout)
	for _, r := range replies {
		enc.Encode(r)
		if !r.OK {
			code = 1
		}
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "pixelpane: %v\n", err)
		return 1
	}
	return code
}

// restoreOnPanic tears the session down so the terminal leaves raw mode,
// then reports the panic and exits.
func restoreOnPanic(sess *session.Session) {
	r := recover()
	if r == nil {
		return
	}
	closeErr := sess.Close()
	fmt.Fprintf(os.Stderr, "\npanic: %v\n\n%s\n", r, debug.Stack())
	if closeErr != nil && !errors.Is(closeErr, terminal.ErrTerminalUnavailable) {
		fmt.Fprintf(os.Stderr, "teardown: %v\n", closeErr)
	}
	os.Exit(1)
}
