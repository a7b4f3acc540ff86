package jobctl

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Outcome is the result of waiting for a foreground group.
type Outcome struct {
	// Statuses holds the last reported state of each member in pipeline
	// order.
	Statuses []Status
	// Stopped is set if the wait ended because every live member stopped.
	Stopped bool
}

// Controller blocks the control path on a foreground process group.
type Controller struct {
	Notifier    *Notifier
	Disposition *Disposition
	// Terminal, if set, is owned by the group for the duration of the wait.
	Terminal *Terminal
	Log      *zap.Logger
}

// Wait blocks until every member of the group has terminated or stopped.
// While waiting, interrupt and quit are forwarded to the group; the previous
// disposition is restored before returning. Cancelling ctx kills the group,
// Wait still returns only after the members have been reaped.
func (c *Controller) Wait(ctx context.Context, group *Group) Outcome {
	return c.wait(ctx, group, c.Notifier.watch(group))
}

func (c *Controller) wait(ctx context.Context, group *Group, w *waiter) Outcome {
	defer c.Notifier.unwatch(group)

	prev := c.Disposition.Swap(SignalPolicy{Mode: SignalForward, Pgid: group.Pgid})
	defer c.Disposition.Swap(prev)

	if c.Terminal != nil && group.Pgid != 0 {
		if err := c.Terminal.Foreground(group.Pgid); err != nil {
			c.log().Debug("couldn't hand over terminal", zap.Error(err))
		}
		defer func() {
			if err := c.Terminal.Reclaim(); err != nil {
				c.log().Warn("couldn't reclaim terminal", zap.Error(err))
			}
		}()
	}

	pending := make(map[int]bool)
	for _, pid := range group.Pids() {
		pending[pid] = true
	}
	stopped := make(map[int]bool)

	cancelled := ctx.Done()
	for len(pending) > 0 && len(stopped) < len(pending) {
		select {
		case <-w.ready:
			for _, r := range w.drain() {
				m := group.member(r.Pid)
				if m == nil || m.Done {
					continue
				}
				m.Status = r.Status

				switch {
				case r.Status.Terminated():
					m.Done = true
					delete(pending, r.Pid)
					delete(stopped, r.Pid)
				case r.Status.Stopped:
					stopped[r.Pid] = true
				case r.Status.Continued:
					delete(stopped, r.Pid)
				}
			}

		case <-cancelled:
			cancelled = nil
			c.log().Debug("wait cancelled, killing group", zap.Int("pgid", group.Pgid))
			_ = unix.Kill(-group.Pgid, unix.SIGKILL)
		}
	}

	return Outcome{
		Statuses: group.Statuses(),
		Stopped:  len(pending) > 0,
	}
}

func (c *Controller) log() *zap.Logger {
	if c.Log == nil {
		return zap.NewNop()
	}
	return c.Log
}
