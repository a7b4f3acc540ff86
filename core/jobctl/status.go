package jobctl

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// ProcessHandle identifies one spawned pipeline stage.
type ProcessHandle struct {
	// Pid is zero when the stage never started, e.g. because its redirection
	// target couldn't be opened.
	Pid int
	// Slot is the stage's position in the pipeline.
	Slot int
}

// Status is a state change reported for a process.
type Status struct {
	Exited   bool
	ExitCode int

	Signaled bool
	Signal   unix.Signal

	Stopped   bool
	Continued bool
}

func exitStatus(code int) Status {
	return Status{Exited: true, ExitCode: code}
}

func statusFromWait(ws unix.WaitStatus) Status {
	switch {
	case ws.Exited():
		return Status{Exited: true, ExitCode: ws.ExitStatus()}
	case ws.Signaled():
		return Status{Signaled: true, Signal: ws.Signal()}
	case ws.Stopped():
		return Status{Stopped: true, Signal: ws.StopSignal()}
	default:
		return Status{Continued: ws.Continued()}
	}
}

// Terminated is true once the process has exited or was killed.
func (s Status) Terminated() bool {
	return s.Exited || s.Signaled
}

// Code converts the status to a shell exit code, signals are reported as
// 128+n.
func (s Status) Code() int {
	switch {
	case s.Exited:
		return s.ExitCode
	case s.Signaled, s.Stopped:
		return 128 + int(s.Signal)
	default:
		return 0
	}
}

func (s Status) String() string {
	switch {
	case s.Exited:
		return fmt.Sprintf("exit status %d", s.ExitCode)
	case s.Signaled:
		return fmt.Sprintf("signal %d", int(s.Signal))
	case s.Stopped:
		return fmt.Sprintf("stopped by signal %d", int(s.Signal))
	case s.Continued:
		return "continued"
	default:
		return "running"
	}
}

// Member is a process handle plus the last state reported for it.
type Member struct {
	ProcessHandle

	Status Status
	Done   bool
}

// Group is the set of processes created for one pipeline. All started
// members share the process group Pgid.
type Group struct {
	Pgid    int
	Members []Member
}

// Pids returns the process ids of the members that were started and haven't
// terminated yet.
func (g *Group) Pids() []int {
	var out []int
	for _, m := range g.Members {
		if m.Pid != 0 && !m.Done {
			out = append(out, m.Pid)
		}
	}
	return out
}

// Statuses returns the member statuses in pipeline order.
func (g *Group) Statuses() []Status {
	out := make([]Status, len(g.Members))
	for i, m := range g.Members {
		out[i] = m.Status
	}
	return out
}

func (g *Group) member(pid int) *Member {
	for i := range g.Members {
		if g.Members[i].Pid == pid {
			return &g.Members[i]
		}
	}
	return nil
}

// outstanding counts members that haven't terminated.
func (g *Group) outstanding() int {
	n := 0
	for _, m := range g.Members {
		if !m.Done {
			n++
		}
	}
	return n
}
