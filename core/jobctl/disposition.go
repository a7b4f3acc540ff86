package jobctl

import (
	"os"
	"os/signal"
	"sync"

	"golang.org/x/sys/unix"
)

// interruptSignals are the terminal signals the shell must survive itself
// while still letting them reach foreground jobs.
var interruptSignals = []os.Signal{unix.SIGINT, unix.SIGQUIT, unix.SIGTSTP}

// SignalMode is what the shell does with interrupt, quit and suspend.
type SignalMode int

const (
	// SignalIgnore swallows the signal, used while the shell owns the
	// terminal.
	SignalIgnore SignalMode = iota
	// SignalForward delivers the signal to a foreground process group.
	SignalForward
)

// SignalPolicy is a restorable value describing how interrupt and quit are
// handled.
type SignalPolicy struct {
	Mode SignalMode
	// Pgid is the target of SignalForward.
	Pgid int
}

// Disposition routes interrupt, quit and suspend according to the current
// policy.
//
// The shell never leaves the signals at their default disposition because a
// Go process would die on them. Catching them instead of ignoring them also
// means children start with the default disposition: the kernel resets
// caught signals on exec but keeps ignored ones ignored.
type Disposition struct {
	mu     sync.Mutex
	policy SignalPolicy

	// OnIgnored, if set, is called for every signal swallowed under
	// SignalIgnore.
	OnIgnored func(os.Signal)

	sigs chan os.Signal
	done chan struct{}
}

// NewDisposition creates a disposition with the SignalIgnore policy.
func NewDisposition() *Disposition {
	return &Disposition{}
}

// Swap installs policy and returns the previous one so it can be restored.
func (d *Disposition) Swap(policy SignalPolicy) SignalPolicy {
	d.mu.Lock()
	defer d.mu.Unlock()

	prev := d.policy
	d.policy = policy
	return prev
}

// Policy returns the current policy.
func (d *Disposition) Policy() SignalPolicy {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.policy
}

// Deliver handles sig according to the current policy. It reports whether
// the signal was forwarded.
func (d *Disposition) Deliver(sig os.Signal) bool {
	policy := d.Policy()

	if policy.Mode == SignalForward {
		s, ok := sig.(unix.Signal)
		if !ok || policy.Pgid <= 0 {
			return false
		}
		return unix.Kill(-policy.Pgid, s) == nil
	}

	if d.OnIgnored != nil {
		d.OnIgnored(sig)
	}
	return false
}

// Start catches the terminal signals for the process.
func (d *Disposition) Start() {
	d.sigs = make(chan os.Signal, 1)
	d.done = make(chan struct{})
	signal.Notify(d.sigs, interruptSignals...)

	go func() {
		defer close(d.done)
		for sig := range d.sigs {
			d.Deliver(sig)
		}
	}()
}

// Stop restores the default disposition of the terminal signals.
func (d *Disposition) Stop() {
	if d.sigs == nil {
		return
	}
	signal.Stop(d.sigs)
	close(d.sigs)
	<-d.done
	d.sigs = nil
}
