package jobctl

import (
	"os"
	"os/signal"

	"github.com/mattn/go-isatty"
	"golang.org/x/sys/unix"
)

// Terminal is the controlling terminal the shell hands to foreground jobs.
type Terminal struct {
	fd    int
	shell int
}

// OpenTerminal returns a Terminal for f, or nil if f isn't a terminal.
func OpenTerminal(f *os.File) *Terminal {
	if f == nil || !isatty.IsTerminal(f.Fd()) {
		return nil
	}
	return &Terminal{
		fd:    int(f.Fd()),
		shell: unix.Getpgrp(),
	}
}

// Fd returns the terminal's file descriptor.
func (t *Terminal) Fd() int {
	return t.fd
}

// Foreground gives the terminal to the process group pgid.
func (t *Terminal) Foreground(pgid int) error {
	// A background process group changing the foreground group gets SIGTTOU.
	signal.Ignore(unix.SIGTTOU)
	defer signal.Reset(unix.SIGTTOU)

	return unix.IoctlSetPointerInt(t.fd, unix.TIOCSPGRP, pgid)
}

// Reclaim takes the terminal back for the shell.
func (t *Terminal) Reclaim() error {
	return t.Foreground(t.shell)
}
