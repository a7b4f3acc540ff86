package jobctl

import (
	"os"
	"os/signal"
	"sync"

	"github.com/josephlewis42/jobsh/core/logger"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// maxOrphans bounds the statuses kept for processes nobody has claimed yet.
const maxOrphans = 256

// EventRecorder stores shell events in the event log.
type EventRecorder interface {
	Record(le *logger.LogEntry) error
}

type nopRecorder struct{}

func (nopRecorder) Record(*logger.LogEntry) error { return nil }

type reaped struct {
	Pid    int
	Status Status
}

// waiter queues the state changes of the processes a foreground wait is
// blocked on.
type waiter struct {
	mu    sync.Mutex
	queue []reaped
	ready chan struct{}
}

func newWaiter() *waiter {
	return &waiter{ready: make(chan struct{}, 1)}
}

func (w *waiter) push(r reaped) {
	w.mu.Lock()
	w.queue = append(w.queue, r)
	w.mu.Unlock()

	select {
	case w.ready <- struct{}{}:
	default:
	}
}

func (w *waiter) drain() []reaped {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := w.queue
	w.queue = nil
	return out
}

// Notifier reaps children whenever SIGCHLD arrives and routes each state
// change either to the foreground wait that owns the process or to the job
// table. Announcements for background jobs are queued on Notices() without
// blocking; formatting them is up to the consumer.
type Notifier struct {
	table  *Table
	log    *zap.Logger
	events EventRecorder

	mu      sync.Mutex
	waiters map[int]*waiter
	orphans map[int]Status
	// orphanOrder tracks insertion order so the oldest orphan is evicted first.
	orphanOrder []int

	notices chan Notice
	closed  bool

	// unrecorded holds notices waiting to be written to the event log, which
	// happens outside mu. recording is set while a goroutine drains it.
	unrecorded []Notice
	recording  bool

	sigs chan os.Signal
	done chan struct{}
}

// NewNotifier creates a notifier updating table. Up to queueSize notices are
// buffered before new ones are dropped.
func NewNotifier(table *Table, queueSize int, log *zap.Logger, events EventRecorder) *Notifier {
	if queueSize <= 0 {
		queueSize = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	if events == nil {
		events = nopRecorder{}
	}
	return &Notifier{
		table:   table,
		log:     log,
		events:  events,
		waiters: make(map[int]*waiter),
		orphans: make(map[int]Status),
		notices: make(chan Notice, queueSize),
	}
}

// Notices returns the queue of job announcements.
func (n *Notifier) Notices() <-chan Notice {
	return n.notices
}

// Start begins reaping children on SIGCHLD.
func (n *Notifier) Start() {
	// A buffer of one coalesces signals the same way the kernel does, every
	// wakeup reaps everything that's ready.
	n.sigs = make(chan os.Signal, 1)
	n.done = make(chan struct{})
	signal.Notify(n.sigs, unix.SIGCHLD)

	go func() {
		defer close(n.done)

		// Catch anything that changed state before the handler existed.
		n.reap()
		for range n.sigs {
			n.reap()
		}
	}()
}

// Close stops reaping and closes the notice queue.
func (n *Notifier) Close() {
	if n.sigs != nil {
		signal.Stop(n.sigs)
		close(n.sigs)
		<-n.done
		n.sigs = nil
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.closed {
		n.closed = true
		close(n.notices)
	}
}

// reap collects every child state change that's currently available without
// blocking.
func (n *Notifier) reap() {
	for {
		var ws unix.WaitStatus
		pid, err := unix.Wait4(-1, &ws, unix.WNOHANG|unix.WUNTRACED|unix.WCONTINUED, nil)
		switch {
		case err == unix.EINTR:
			continue
		case err != nil, pid <= 0:
			// ECHILD: no children left; pid 0: none ready.
			return
		}

		status := statusFromWait(ws)
		n.log.Debug("child state changed", zap.Int("pid", pid), zap.Stringer("status", status))
		n.dispatch(pid, status)
	}
}

func (n *Notifier) dispatch(pid int, status Status) {
	n.mu.Lock()
	n.dispatchLocked(pid, status)
	n.mu.Unlock()

	n.recordNotices()
}

func (n *Notifier) dispatchLocked(pid int, status Status) {
	if w, ok := n.waiters[pid]; ok {
		if status.Terminated() {
			delete(n.waiters, pid)
		}
		w.push(reaped{Pid: pid, Status: status})
		return
	}

	notice, found := n.table.record(pid, status)
	if !found {
		// The process was started but hasn't been handed to a job or a wait
		// yet; keep its status until it is.
		n.addOrphanLocked(pid, status)
		return
	}
	if notice != nil {
		n.publishLocked(*notice)
	}
}

func (n *Notifier) addOrphanLocked(pid int, status Status) {
	if _, ok := n.orphans[pid]; !ok {
		n.orphanOrder = append(n.orphanOrder, pid)
	}
	if prev, ok := n.orphans[pid]; ok && prev.Terminated() {
		return
	}
	n.orphans[pid] = status

	for len(n.orphanOrder) > maxOrphans {
		oldest := n.orphanOrder[0]
		n.orphanOrder = n.orphanOrder[1:]
		delete(n.orphans, oldest)
	}
}

func (n *Notifier) takeOrphanLocked(pid int) (Status, bool) {
	status, ok := n.orphans[pid]
	if !ok {
		return Status{}, false
	}
	delete(n.orphans, pid)
	for i, v := range n.orphanOrder {
		if v == pid {
			n.orphanOrder = append(n.orphanOrder[:i], n.orphanOrder[i+1:]...)
			break
		}
	}
	return status, true
}

func (n *Notifier) publishLocked(notice Notice) {
	n.unrecorded = append(n.unrecorded, notice)
	if n.closed {
		return
	}

	select {
	case n.notices <- notice:
	default:
		n.log.Warn("notice queue full, dropping notice",
			zap.Int("job", int(notice.JobID)),
			zap.Int("pid", notice.Handle.Pid))
	}
}

func (n *Notifier) publish(notice Notice) {
	n.mu.Lock()
	n.publishLocked(notice)
	n.mu.Unlock()

	n.recordNotices()
}

// recordNotices writes queued notices to the event log without holding mu.
// If another goroutine is already writing, it picks up the new notices
// instead, so callers never wait on the log.
func (n *Notifier) recordNotices() {
	n.mu.Lock()
	if n.recording {
		n.mu.Unlock()
		return
	}
	n.recording = true

	for len(n.unrecorded) > 0 {
		batch := n.unrecorded
		n.unrecorded = nil
		n.mu.Unlock()

		for _, notice := range batch {
			n.recordNotice(notice)
		}

		n.mu.Lock()
	}

	n.recording = false
	n.mu.Unlock()
}

func (n *Notifier) recordNotice(notice Notice) {
	le := &logger.LogEntry{
		JobID: int(notice.JobID),
		Text:  notice.Text,
		Pids:  []int{notice.Handle.Pid},
	}
	switch notice.Kind {
	case NoticeFinished:
		le.Type = logger.EventJobFinished
		le.ExitStatus = notice.Status.ExitCode
	case NoticeTerminated:
		le.Type = logger.EventJobTerminated
		le.Signal = int(notice.Status.Signal)
	case NoticeStopped:
		le.Type = logger.EventJobStopped
		le.Signal = int(notice.Status.Signal)
	}
	if err := n.events.Record(le); err != nil {
		n.log.Warn("couldn't record event", zap.Error(err))
	}
}

// watch routes all future state changes of the group's live members to the
// returned waiter.
func (n *Notifier) watch(group *Group) *waiter {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.watchLocked(group)
}

func (n *Notifier) watchLocked(group *Group) *waiter {
	w := newWaiter()
	for _, pid := range group.Pids() {
		if status, ok := n.takeOrphanLocked(pid); ok {
			w.push(reaped{Pid: pid, Status: status})
			if status.Terminated() {
				continue
			}
		}
		n.waiters[pid] = w
	}
	return w
}

// unwatch stops routing the group's processes to a waiter. Later changes go
// to the table, or are held until a job claims them.
func (n *Notifier) unwatch(group *Group) {
	n.mu.Lock()
	defer n.mu.Unlock()

	for _, m := range group.Members {
		delete(n.waiters, m.Pid)
	}
}

// Register adds the group to the job table and replays any state changes
// that arrived before it was tracked. If the job's id is already set it's
// kept where possible.
func (n *Notifier) Register(job Job) ID {
	id := n.register(job)
	n.recordNotices()
	return id
}

func (n *Notifier) register(job Job) ID {
	n.mu.Lock()
	defer n.mu.Unlock()

	for _, m := range job.Members {
		delete(n.waiters, m.Pid)
	}

	if job.outstanding() == 0 {
		// Nothing is running, e.g. every stage failed its redirection. The
		// job is announced and gone at once, one notice per member.
		id := n.table.Reinsert(job)
		n.table.Remove(id)
		job.ID = id
		for _, m := range job.Members {
			n.publishLocked(newNotice(&job, m.ProcessHandle, m.Status))
		}
		return id
	}

	id := n.table.Reinsert(job)
	for _, pid := range job.Pids() {
		if status, ok := n.takeOrphanLocked(pid); ok {
			if notice, _ := n.table.record(pid, status); notice != nil {
				n.publishLocked(*notice)
			}
		}
	}
	return id
}

// claim removes a job from the table and starts routing its processes to a
// waiter, atomically with respect to reaping.
func (n *Notifier) claim(id ID) (Job, *waiter, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	job, ok := n.table.Remove(id)
	if !ok {
		return Job{}, nil, false
	}
	return job, n.watchLocked(&job.Group), true
}
