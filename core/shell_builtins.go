package core

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/josephlewis42/jobsh/core/jobctl"
	"github.com/pborman/getopt/v2"
)

// AllBuiltins holds a list of all registered shell builtins
var AllBuiltins = make(map[string]ShellBuiltin)

// BuiltinUsage holds a one line synopsis of each builtin.
var BuiltinUsage = make(map[string]string)

type ShellBuiltin interface {
	Main(s *Shell, args []string) int
}

type ShellBuiltinFunc func(s *Shell, args []string) int

func (f ShellBuiltinFunc) Main(s *Shell, args []string) int {
	return f(s, args)
}

var _ ShellBuiltin = (ShellBuiltinFunc)(nil)

// ListBuiltins returns the names of the registered builtins in order.
func ListBuiltins() []string {
	var names []string
	for name := range AllBuiltins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

var (
	runningColor = color.New(color.FgGreen)
	stoppedColor = color.New(color.FgYellow)
)

// parseOpts parses flags for a builtin, printing usage and returning false
// if the caller should stop.
func parseOpts(s *Shell, opts *getopt.Set, args []string, status *int) bool {
	helpOpt := opts.BoolLong("help", 'h', "show help and exit")
	opts.SetProgram(args[0])

	err := opts.Getopt(args, nil)
	if err == nil && !*helpOpt {
		return true
	}

	w := s.Stdout()
	*status = 0
	if err != nil {
		w = s.Stderr()
		fmt.Fprintf(w, "%s: %v\n", args[0], err)
		*status = 2
	}
	fmt.Fprintf(w, "usage: %s\n", BuiltinUsage[args[0]])
	opts.PrintOptions(w)
	return false
}

// parseJobRef accepts %n, n, and %% or %+ for the current job.
func parseJobRef(ref string) (jobctl.ID, bool) {
	if ref == "%%" || ref == "%+" {
		return 0, true
	}
	n, err := strconv.Atoi(strings.TrimPrefix(ref, "%"))
	if err != nil || n <= 0 {
		return 0, false
	}
	return jobctl.ID(n), true
}

// findJob resolves the optional job argument of a builtin, defaulting to the
// current job.
func findJob(s *Shell, name string, args []string) (jobctl.Job, bool) {
	switch len(args) {
	case 0:
		if job, ok := s.Executor.CurrentJob(); ok {
			return job, true
		}
		fmt.Fprintf(s.Stderr(), "%s: current: no such job\n", name)
		return jobctl.Job{}, false

	case 1:
		id, ok := parseJobRef(args[0])
		if ok && id == 0 {
			return findJob(s, name, nil)
		}
		if ok {
			if job, found := s.Executor.Job(id); found {
				return job, true
			}
		}
		fmt.Fprintf(s.Stderr(), "%s: %s: no such job\n", name, args[0])
		return jobctl.Job{}, false

	default:
		fmt.Fprintf(s.Stderr(), "%s: too many arguments\n", name)
		return jobctl.Job{}, false
	}
}

// Cd is the cd shell builtin
func Cd(s *Shell, args []string) int {
	var dir string
	switch len(args) {
	case 1:
		dir = os.Getenv(EnvHome)
		if dir == "" {
			fmt.Fprintf(s.Stderr(), "%s: HOME not set\n", args[0])
			return 1
		}
	case 2:
		dir = args[1]
		if dir == "-" {
			dir = os.Getenv(EnvOldPWD)
			if dir == "" {
				fmt.Fprintf(s.Stderr(), "%s: OLDPWD not set\n", args[0])
				return 1
			}
			fmt.Fprintln(s.Stdout(), dir)
		}
	default:
		fmt.Fprintf(s.Stderr(), "%s: too many arguments\n", args[0])
		return 1
	}

	prev, _ := os.Getwd()
	if err := os.Chdir(dir); err != nil {
		var pathErr *os.PathError
		if errors.As(err, &pathErr) {
			err = pathErr.Err
		}
		fmt.Fprintf(s.Stderr(), "%s: %s: %v\n", args[0], dir, err)
		return 1
	}

	wd, err := os.Getwd()
	if err != nil {
		wd = dir
	}
	os.Setenv(EnvOldPWD, prev)
	os.Setenv(EnvPWD, wd)
	return 0
}

// Exit quits the shell. With stopped jobs it refuses once, like an
// interactive shell.
func Exit(s *Shell, args []string) int {
	status := s.LastStatus()
	switch len(args) {
	case 1:
	case 2:
		n, err := strconv.Atoi(args[1])
		if err != nil {
			fmt.Fprintf(s.Stderr(), "%s: %s: numeric argument required\n", args[0], args[1])
			n = 2
		}
		status = n & 0xff
	default:
		fmt.Fprintf(s.Stderr(), "%s: too many arguments\n", args[0])
		return 1
	}

	if !s.warnedStopped && hasStoppedJobs(s) {
		fmt.Fprintln(s.Stderr(), "There are stopped jobs.")
		s.warnedStopped = true
		return 1
	}

	s.Quit(status)
	return status
}

func hasStoppedJobs(s *Shell) bool {
	for _, job := range s.Executor.Jobs() {
		if job.State == jobctl.Stopped {
			return true
		}
	}
	return false
}

// Jobs lists the job table.
func Jobs(s *Shell, args []string) int {
	opts := getopt.New()
	long := opts.Bool('l', "also list the process ids of running members")
	pgids := opts.Bool('p', "list only the process group of each job")

	var status int
	if !parseOpts(s, opts, args, &status) {
		return status
	}

	w := s.Stdout()
	for _, job := range s.Executor.Jobs() {
		switch {
		case *pgids:
			fmt.Fprintln(w, job.Pgid)
		case *long:
			fmt.Fprintf(w, "[%d] %s %s %s\n", int(job.ID), joinPids(job.Pids()), stateString(job.State), job.Text)
		default:
			fmt.Fprintf(w, "[%d] %s %s\n", int(job.ID), stateString(job.State), job.Text)
		}
	}
	return 0
}

func stateString(state jobctl.State) string {
	if state == jobctl.Stopped {
		return stoppedColor.Sprint(state)
	}
	return runningColor.Sprint(state)
}

func joinPids(pids []int) string {
	out := make([]string, len(pids))
	for i, pid := range pids {
		out[i] = strconv.Itoa(pid)
	}
	return strings.Join(out, ",")
}

// Fg continues a job in the foreground and waits for it.
func Fg(s *Shell, args []string) int {
	job, ok := findJob(s, args[0], args[1:])
	if !ok {
		return 1
	}

	fmt.Fprintln(s.Stdout(), job.Text)
	outcome, err := s.Executor.Foreground(s.Context(), job.ID)
	if err != nil {
		fmt.Fprintf(s.Stderr(), "%s: %v\n", args[0], err)
		return 1
	}
	return outcome.ExitCode()
}

// Bg continues a stopped job in the background.
func Bg(s *Shell, args []string) int {
	job, ok := findJob(s, args[0], args[1:])
	if !ok {
		return 1
	}

	err := s.Executor.Resume(job.ID)
	switch {
	case errors.Is(err, jobctl.ErrJobNotStopped):
		fmt.Fprintf(s.Stderr(), "%s: job %d already in background\n", args[0], int(job.ID))
		return 0
	case err != nil:
		fmt.Fprintf(s.Stderr(), "%s: %v\n", args[0], err)
		return 1
	}

	fmt.Fprintf(s.Stdout(), "[%d] %s\n", int(job.ID), job.Text)
	return 0
}

// Stop suspends a job.
func Stop(s *Shell, args []string) int {
	job, ok := findJob(s, args[0], args[1:])
	if !ok {
		return 1
	}
	if err := s.Executor.Stop(job.ID); err != nil {
		fmt.Fprintf(s.Stderr(), "%s: %v\n", args[0], err)
		return 1
	}
	return 0
}

func Help(s *Shell, args []string) int {
	opts := getopt.New()
	var status int
	if !parseOpts(s, opts, args, &status) {
		return status
	}

	w := s.Stdout()
	if names := opts.Args(); len(names) > 0 {
		status := 0
		for _, name := range names {
			usage, ok := BuiltinUsage[name]
			if !ok {
				fmt.Fprintf(s.Stderr(), "%s: no help topics match %q\n", args[0], name)
				status = 1
				continue
			}
			fmt.Fprintln(w, usage)
		}
		return status
	}

	printBuiltinList(w)
	return 0
}

func printBuiltinList(w io.Writer) {
	fmt.Fprintln(w, "These shell commands are defined internally.  Type `help' to see this list.")
	fmt.Fprintln(w, "Type `help name' to find out more about the function `name'.")
	fmt.Fprintln(w)
	for _, name := range ListBuiltins() {
		fmt.Fprintf(w, "  %s\n", BuiltinUsage[name])
	}
}

func register(name, usage string, f ShellBuiltinFunc) {
	AllBuiltins[name] = f
	BuiltinUsage[name] = usage
}

func init() {
	register("cd", "cd [dir]", Cd)
	register("exit", "exit [n]", Exit)
	register("jobs", "jobs [-lp]", Jobs)
	register("fg", "fg [job]", Fg)
	register("bg", "bg [job]", Bg)
	register("stop", "stop [job]", Stop)
	register("help", "help [name ...]", Help)
}
