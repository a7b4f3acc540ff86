package jobctl

import (
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Command is a single stage of a pipeline.
type Command struct {
	// Path is the resolved executable, empty until resolved.
	Path string
	// Args holds the argument vector, Args[0] is the program name.
	Args []string
}

// Name returns the program name the command was invoked as.
func (c Command) Name() string {
	if len(c.Args) == 0 {
		return ""
	}
	return c.Args[0]
}

// Pipeline is an ordered chain of commands connected stage to stage by pipes.
type Pipeline struct {
	Commands []Command

	// Stdin redirects the input of the first command.
	Stdin string
	// Stdout redirects the output of the last command.
	Stdout string
	// Stderr redirects the error stream of the last command.
	Stderr string

	// Background is set if the pipeline should be run as a job without
	// waiting for it.
	Background bool
}

// SpawnError is returned when the process creation primitive itself fails.
// It aborts the whole pipeline.
type SpawnError struct {
	Name string
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("%s: cannot start: %v", e.Name, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// Builder starts the processes of a pipeline and wires them together.
type Builder struct {
	// Dir and Env default to the shell's working directory and environment
	// at the time each stage starts.
	Dir string
	Env []string

	// Streams used by stages that aren't connected to a pipe or redirection.
	Stdin  *os.File
	Stdout *os.File
	Stderr *os.File

	// Diag receives one line per stage that couldn't be started.
	Diag io.Writer

	// RedirectFailureStatus is the exit status recorded for a stage whose
	// redirection target couldn't be opened.
	RedirectFailureStatus int
	// ExecFailureStatus is the exit status recorded for a stage whose program
	// couldn't be executed.
	ExecFailureStatus int

	Log *zap.Logger
}

type spawnOptions struct {
	// terminal, if set, is handed to the new process group.
	terminal *Terminal
}

// Spawn starts one process per command. Every command must already be
// resolved. On a SpawnError the returned group holds the members that were
// already started so the caller can reap them.
func (b *Builder) Spawn(p *Pipeline, opts spawnOptions) (*Group, error) {
	group := &Group{}
	last := len(p.Commands) - 1

	// prevRead is the read end of the previous stage's pipe, it becomes the
	// stdin of the current stage.
	var prevRead *os.File
	defer func() {
		if prevRead != nil {
			prevRead.Close()
		}
	}()

	for slot, cmd := range p.Commands {
		var owned fdSet
		files := stdio{b.Stdin, b.Stdout, b.Stderr}

		if slot > 0 {
			files[0] = prevRead
		} else if p.Background {
			devNull, err := os.Open(os.DevNull)
			if err != nil {
				return group, &SpawnError{Name: cmd.Name(), Err: err}
			}
			files[0] = owned.own(devNull)
		}

		var nextRead *os.File
		if slot < last {
			r, w, err := os.Pipe()
			if err != nil {
				owned.Close()
				return group, &SpawnError{Name: cmd.Name(), Err: err}
			}
			files[1] = owned.own(w)
			nextRead = r
		}

		handle := ProcessHandle{Slot: slot}
		member := Member{ProcessHandle: handle}

		if err := applyRedirections(slot, p, &files, &owned); err != nil {
			fmt.Fprintln(b.Diag, err)
			member.Status = exitStatus(b.RedirectFailureStatus)
			member.Done = true
		} else {
			pid, err := b.start(cmd, files, group.Pgid, opts.terminal)
			switch {
			case isSpawnFailure(err):
				owned.Close()
				if nextRead != nil {
					nextRead.Close()
				}
				return group, &SpawnError{Name: cmd.Name(), Err: err}
			case err != nil:
				fmt.Fprintf(b.Diag, "%s: %v\n", cmd.Name(), err)
				member.Status = exitStatus(b.ExecFailureStatus)
				member.Done = true
			default:
				member.Pid = pid
				if group.Pgid == 0 {
					group.Pgid = pid
				}
				b.log().Debug("started stage",
					zap.Int("slot", slot),
					zap.Int("pid", pid),
					zap.Int("pgid", group.Pgid),
					zap.String("path", cmd.Path))
			}
		}

		// The child holds its own copies now: drop the write end of the new
		// pipe, any redirection files and the read end that was just consumed.
		owned.Close()
		if prevRead != nil {
			prevRead.Close()
		}
		prevRead = nextRead

		group.Members = append(group.Members, member)
	}

	return group, nil
}

func (b *Builder) start(cmd Command, files stdio, pgid int, terminal *Terminal) (int, error) {
	sys := &syscall.SysProcAttr{
		Setpgid: true,
		Pgid:    pgid,
	}
	// Only the group leader moves the group to the foreground, later stages
	// join a group that already owns the terminal.
	if terminal != nil && pgid == 0 {
		sys.Foreground = true
		sys.Ctty = terminal.Fd()
	}

	env := b.Env
	if env == nil {
		env = os.Environ()
	}

	attr := &syscall.ProcAttr{
		Dir: b.Dir,
		Env: env,
		Files: []uintptr{
			files[0].Fd(),
			files[1].Fd(),
			files[2].Fd(),
		},
		Sys: sys,
	}

	return syscall.ForkExec(cmd.Path, cmd.Args, attr)
}

func (b *Builder) log() *zap.Logger {
	if b.Log == nil {
		return zap.NewNop()
	}
	return b.Log
}

// isSpawnFailure distinguishes failures to create a process at all from
// failures to execute the program inside a created process.
func isSpawnFailure(err error) bool {
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return false
	}
	switch errno {
	case unix.EAGAIN, unix.ENOMEM, unix.ENOSYS, unix.EMFILE, unix.ENFILE:
		return true
	}
	return false
}
