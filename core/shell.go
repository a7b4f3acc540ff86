package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/user"
	"strconv"
	"strings"

	"github.com/abiosoft/readline"
	"github.com/fatih/color"
	"github.com/josephlewis42/jobsh/core/config"
	"github.com/josephlewis42/jobsh/core/jobctl"
	"github.com/josephlewis42/jobsh/core/shell"
	"github.com/mattn/go-isatty"
	"go.uber.org/zap"
)

const (
	EnvHome   = "HOME"
	EnvPWD    = "PWD"
	EnvOldPWD = "OLDPWD"
	EnvUser   = "USER"

	DefaultPrompt = `\u@\h:\w\$ `

	// statusSyntaxError is returned for lines that can't be parsed.
	statusSyntaxError = 2
	// statusInterrupted is the status of a line abandoned with ^C.
	statusInterrupted = 130
)

// ShellOptions configures a Shell.
type ShellOptions struct {
	Config *config.Configuration
	Log    *zap.Logger
	Events jobctl.EventRecorder

	// Standard streams of the shell, inherited by commands that don't
	// redirect them. Default to the process's own.
	Stdin  *os.File
	Stdout *os.File
	Stderr *os.File
}

// Shell reads lines, runs them through the executor and handles builtins.
type Shell struct {
	Readline *readline.Instance
	Executor *jobctl.Executor

	config *config.Configuration
	log    *zap.Logger
	stdout io.Writer
	stderr io.Writer

	lastRet int
	// ctx is the context of the line being run, builtins that wait use it.
	ctx context.Context

	quit     bool
	exitCode int
	// warnedStopped is set once exit has refused to leave stopped jobs behind.
	warnedStopped bool

	noticesDone chan struct{}
}

// NewShell creates a shell and starts its executor. Close must be called to
// release it.
func NewShell(opts ShellOptions) (*Shell, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	stdin, stdout, stderr := opts.Stdin, opts.Stdout, opts.Stderr
	if stdin == nil {
		stdin = os.Stdin
	}
	if stdout == nil {
		stdout = os.Stdout
	}
	if stderr == nil {
		stderr = os.Stderr
	}

	setColorMode(cfg.Color, stdout)

	rlConfig := &readline.Config{
		Stdin:  readline.NewCancelableStdin(stdin),
		Stdout: stdout,
		Stderr: stderr,
		FuncIsTerminal: func() bool {
			return isatty.IsTerminal(stdin.Fd()) && isatty.IsTerminal(stdout.Fd())
		},
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	}
	if err := rlConfig.Init(); err != nil {
		return nil, err
	}

	rl, err := readline.NewEx(rlConfig)
	if err != nil {
		return nil, err
	}

	var terminal *jobctl.Terminal
	if cfg.JobControl {
		terminal = jobctl.OpenTerminal(stdin)
	}

	s := &Shell{
		Readline:    rl,
		config:      cfg,
		log:         log,
		stdout:      rl.Stdout(),
		stderr:      rl.Stderr(),
		noticesDone: make(chan struct{}),
	}

	s.Executor = jobctl.New(jobctl.Options{
		Resolver: jobctl.NewResolver(cfg.LookupPath()),
		Builder: &jobctl.Builder{
			Stdin:                 stdin,
			Stdout:                stdout,
			Stderr:                stderr,
			RedirectFailureStatus: cfg.RedirectFailureStatus,
			ExecFailureStatus:     cfg.ExecFailureStatus,
		},
		IDPolicy:        jobctl.IDPolicy(cfg.JobIDs),
		NoticeQueueSize: cfg.NoticeQueueSize,
		Terminal:        terminal,
		Diag:            s.stderr,
		Events:          opts.Events,
		Log:             log,
	})
	s.Executor.Disposition().OnIgnored = func(sig os.Signal) {
		log.Debug("ignored signal at prompt", zap.Stringer("signal", sig))
	}
	s.Executor.Start()

	go s.printNotices()

	return s, nil
}

// printNotices writes job notices as they arrive until the executor closes.
func (s *Shell) printNotices() {
	defer close(s.noticesDone)

	for notice := range s.Executor.Notices() {
		fmt.Fprintln(s.stderr, notice.String())
	}
}

// Stdout is where builtins write their output.
func (s *Shell) Stdout() io.Writer {
	return s.stdout
}

// Stderr is where builtins and the executor write diagnostics.
func (s *Shell) Stderr() io.Writer {
	return s.stderr
}

// LastStatus returns the exit status of the last line run.
func (s *Shell) LastStatus() int {
	return s.lastRet
}

// Context returns the context of the line being run.
func (s *Shell) Context() context.Context {
	if s.ctx == nil {
		return context.Background()
	}
	return s.ctx
}

// Quit ends Run after the current line with the given status.
func (s *Shell) Quit(status int) {
	s.quit = true
	s.exitCode = status
}

// Prompt expands the configured prompt. Supported escapes are \u (user),
// \h (short host name), \w (working directory), \W (its base name), \j (number
// of jobs) and \$ (# for root, $ otherwise).
func (s *Shell) Prompt() string {
	prompt := s.config.Prompt
	if prompt == "" {
		prompt = DefaultPrompt
	}

	username := os.Getenv(EnvUser)
	if u, err := user.Current(); err == nil {
		username = u.Username
	}
	host, _ := os.Hostname()
	if i := strings.IndexByte(host, '.'); i >= 0 {
		host = host[:i]
	}

	pwd, _ := os.Getwd()
	if home := os.Getenv(EnvHome); home != "" && strings.HasPrefix(pwd, home) {
		pwd = "~" + strings.TrimPrefix(pwd, home)
	}
	base := pwd
	if i := strings.LastIndexByte(pwd, '/'); i >= 0 && len(pwd) > 1 {
		base = pwd[i+1:]
	}

	sign := "$"
	if os.Geteuid() == 0 {
		sign = "#"
	}

	replacer := strings.NewReplacer(
		`\u`, username,
		`\h`, host,
		`\w`, pwd,
		`\W`, base,
		`\j`, strconv.Itoa(len(s.Executor.Jobs())),
		`\$`, sign,
	)
	return replacer.Replace(prompt)
}

// Run reads and executes lines until input ends or exit is called, returning
// the shell's exit status.
func (s *Shell) Run(ctx context.Context) int {
	for !s.quit {
		s.Readline.SetPrompt(s.Prompt())
		line, err := s.Readline.Readline()

		switch {
		case err == io.EOF:
			return s.lastRet // Input closed, quit.

		case err == readline.ErrInterrupt:
			s.lastRet = statusInterrupted

		case err != nil:
			s.log.Error("couldn't read line", zap.Error(err))
			return 1

		default:
			s.RunLine(ctx, line)
		}
	}

	return s.exitCode
}

// RunLine runs a single line and returns its exit status.
func (s *Shell) RunLine(ctx context.Context, line string) int {
	s.ctx = ctx
	defer func() { s.ctx = nil }()

	s.lastRet = s.runLine(ctx, line)
	return s.lastRet
}

func (s *Shell) runLine(ctx context.Context, line string) int {
	pipeline, err := shell.Parse(line)
	if err != nil {
		fmt.Fprintf(s.stderr, "jobsh: syntax error: %v\n", err)
		return statusSyntaxError
	}
	if pipeline == nil {
		return s.lastRet // empty line
	}

	name := pipeline.Commands[0].Name()
	if name != "exit" {
		s.warnedStopped = false
	}

	if builtin, ok := AllBuiltins[name]; ok {
		if len(pipeline.Commands) > 1 || pipeline.Background ||
			pipeline.Stdin != "" || pipeline.Stdout != "" || pipeline.Stderr != "" {
			fmt.Fprintf(s.stderr, "%s: shell builtins can't be piped, redirected or backgrounded\n", name)
			return 1
		}
		return builtin.Main(s, pipeline.Commands[0].Args)
	}

	return s.runPipeline(ctx, pipeline, strings.TrimSpace(line))
}

func (s *Shell) runPipeline(ctx context.Context, pipeline *jobctl.Pipeline, text string) int {
	outcome, err := s.Executor.Run(ctx, pipeline, text)
	if err != nil {
		var spawnErr *jobctl.SpawnError
		if !errors.As(err, &spawnErr) {
			fmt.Fprintf(s.stderr, "jobsh: %v\n", err)
		}
		return 1
	}

	if outcome.Kind == jobctl.Backgrounded {
		fmt.Fprintf(s.stdout, "[%d] %d\n", int(outcome.JobID), outcome.Pgid)
	}
	return outcome.ExitCode()
}

// Close stops the executor and releases the terminal.
func (s *Shell) Close() error {
	s.Executor.Close()
	<-s.noticesDone
	return s.Readline.Close()
}

// setColorMode applies the color setting to the builtins' output.
func setColorMode(mode string, out *os.File) {
	switch mode {
	case "always":
		color.NoColor = false
	case "never":
		color.NoColor = true
	default:
		color.NoColor = os.Getenv("TERM") == "dumb" ||
			(!isatty.IsTerminal(out.Fd()) && !isatty.IsCygwinTerminal(out.Fd()))
	}
}
