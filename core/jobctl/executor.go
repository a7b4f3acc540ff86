package jobctl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/josephlewis42/jobsh/core/logger"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

var (
	// ErrJobNotStopped is returned when resuming a job that's already running.
	ErrJobNotStopped = errors.New("job is not stopped")
)

// OutcomeKind says how Run disposed of a pipeline.
type OutcomeKind int

const (
	Foregrounded OutcomeKind = iota
	Backgrounded
	CommandNotFound
)

// RunOutcome describes the result of running a pipeline.
type RunOutcome struct {
	Kind OutcomeKind

	// Statuses holds the per-stage result of a foreground run.
	Statuses []Status
	// Stopped is set if a foreground run was suspended and became a job.
	Stopped bool

	// JobID is set for background runs and foreground runs that stopped.
	JobID ID
	// Pgid is the process group of the pipeline.
	Pgid int

	// NotFound names the commands that couldn't be resolved.
	NotFound []string
}

// ExitCode returns the shell exit status of the outcome, the status of the
// last stage for foreground runs.
func (o RunOutcome) ExitCode() int {
	switch {
	case o.Kind == CommandNotFound:
		return 127
	case o.Kind == Backgrounded:
		return 0
	case len(o.Statuses) == 0:
		return 0
	default:
		return o.Statuses[len(o.Statuses)-1].Code()
	}
}

// Options configures an Executor.
type Options struct {
	Resolver *Resolver
	Builder  *Builder
	IDPolicy IDPolicy

	// NoticeQueueSize bounds the number of undelivered job notices.
	NoticeQueueSize int

	// Terminal is handed to foreground jobs if set.
	Terminal *Terminal

	// Diag receives one-line diagnostics for the operator.
	Diag   io.Writer
	Events EventRecorder
	Log    *zap.Logger
}

// Executor runs pipelines and manages the jobs they become.
type Executor struct {
	resolver    *Resolver
	builder     *Builder
	table       *Table
	notifier    *Notifier
	controller  *Controller
	disposition *Disposition
	terminal    *Terminal
	diag        io.Writer
	events      EventRecorder
	log         *zap.Logger
}

// New creates an executor, Start must be called before running anything.
func New(opts Options) *Executor {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	events := opts.Events
	if events == nil {
		events = nopRecorder{}
	}
	diag := opts.Diag
	if diag == nil {
		diag = io.Discard
	}
	builder := opts.Builder
	if builder == nil {
		builder = &Builder{}
	}
	if builder.Diag == nil {
		builder.Diag = diag
	}
	if builder.Log == nil {
		builder.Log = log
	}
	if builder.Stdin == nil {
		builder.Stdin = os.Stdin
	}
	if builder.Stdout == nil {
		builder.Stdout = os.Stdout
	}
	if builder.Stderr == nil {
		builder.Stderr = os.Stderr
	}

	table := NewTable(opts.IDPolicy)
	notifier := NewNotifier(table, opts.NoticeQueueSize, log, events)
	disposition := NewDisposition()

	return &Executor{
		resolver:    opts.Resolver,
		builder:     builder,
		table:       table,
		notifier:    notifier,
		disposition: disposition,
		terminal:    opts.Terminal,
		diag:        diag,
		events:      events,
		log:         log,
		controller: &Controller{
			Notifier:    notifier,
			Disposition: disposition,
			Terminal:    opts.Terminal,
			Log:         log,
		},
	}
}

// Start installs the signal handling the executor depends on.
func (e *Executor) Start() {
	e.notifier.Start()
	e.disposition.Start()
}

// Close undoes Start.
func (e *Executor) Close() {
	e.disposition.Stop()
	e.notifier.Close()
}

// Notices returns the queue of background job announcements.
func (e *Executor) Notices() <-chan Notice {
	return e.notifier.Notices()
}

// Disposition returns the interrupt routing of the executor.
func (e *Executor) Disposition() *Disposition {
	return e.disposition
}

// Run resolves and starts the pipeline. Foreground pipelines are waited for,
// background pipelines become jobs labelled with text.
func (e *Executor) Run(ctx context.Context, p *Pipeline, text string) (RunOutcome, error) {
	if len(p.Commands) == 0 {
		return RunOutcome{Kind: Foregrounded}, nil
	}

	if err := e.resolver.Resolve(p); err != nil {
		var notFound *NotFoundError
		if !errors.As(err, &notFound) {
			return RunOutcome{}, err
		}
		for _, name := range notFound.Names {
			fmt.Fprintf(e.diag, "%s: command not found\n", name)
		}
		e.record(&logger.LogEntry{
			Type:    logger.EventCommandNotFound,
			Command: notFound.Names,
			Text:    text,
		})
		return RunOutcome{Kind: CommandNotFound, NotFound: notFound.Names}, nil
	}

	var opts spawnOptions
	if !p.Background {
		opts.terminal = e.terminal
	}

	group, err := e.builder.Spawn(p, opts)
	if err != nil {
		fmt.Fprintln(e.diag, err)
		if len(group.Pids()) > 0 {
			// Don't leave the stages that did start blocked on a half-built
			// pipeline.
			_ = unix.Kill(-group.Pgid, unix.SIGKILL)
			e.controller.Wait(context.Background(), group)
		}
		return RunOutcome{}, err
	}

	e.record(&logger.LogEntry{
		Type:    logger.EventRunCommand,
		Command: commandNames(p),
		Text:    text,
		Pids:    group.Pids(),
	})

	if p.Background {
		id := e.notifier.Register(Job{State: Running, Text: text, Group: *group})
		e.record(&logger.LogEntry{
			Type:  logger.EventJobStarted,
			JobID: int(id),
			Text:  text,
			Pids:  group.Pids(),
		})
		return RunOutcome{Kind: Backgrounded, JobID: id, Pgid: group.Pgid}, nil
	}

	return e.foreground(ctx, Job{Text: text, Group: *group}, nil), nil
}

// foreground waits on the job's group, turning it back into a job if it
// stops. w is the waiter already routing the group's state changes, if any.
func (e *Executor) foreground(ctx context.Context, job Job, w *waiter) RunOutcome {
	group := job.Group
	if w == nil {
		w = e.notifier.watch(&group)
	}
	out := e.controller.wait(ctx, &group, w)

	res := RunOutcome{
		Kind:     Foregrounded,
		Statuses: out.Statuses,
		Pgid:     group.Pgid,
		JobID:    job.ID,
	}
	if !out.Stopped {
		return res
	}

	job.Group = group
	job.State = Stopped
	res.Stopped = true
	res.JobID = e.notifier.Register(job)

	stored, ok := e.table.Get(res.JobID)
	if !ok {
		return res
	}
	for _, m := range stored.Members {
		if m.Status.Stopped {
			e.notifier.publish(newNotice(&stored, m.ProcessHandle, m.Status))
			break
		}
	}
	return res
}

// Jobs lists the jobs in the table in the order they were created.
func (e *Executor) Jobs() []Job {
	return e.table.List()
}

// Job looks up a job by id.
func (e *Executor) Job(id ID) (Job, bool) {
	return e.table.Get(id)
}

// CurrentJob returns the most recently created job.
func (e *Executor) CurrentJob() (Job, bool) {
	return e.table.Current()
}

// Resume continues a stopped job in the background. The job's state changes
// to Running once the reaper has seen it continue, so a job that stops again
// right away stays Stopped.
func (e *Executor) Resume(id ID) error {
	job, ok := e.table.Get(id)
	if !ok {
		return fmt.Errorf("%v: %w", id, ErrNoSuchJob)
	}
	if job.State != Stopped {
		return fmt.Errorf("%v: %w", id, ErrJobNotStopped)
	}
	if err := unix.Kill(-job.Pgid, unix.SIGCONT); err != nil {
		return fmt.Errorf("%v: %w", id, err)
	}
	e.record(&logger.LogEntry{Type: logger.EventJobResumed, JobID: int(id), Text: job.Text})
	return nil
}

// Stop suspends a job. The job's state changes to Stopped once the stop has
// been observed.
func (e *Executor) Stop(id ID) error {
	job, ok := e.table.Get(id)
	if !ok {
		return fmt.Errorf("%v: %w", id, ErrNoSuchJob)
	}
	if err := unix.Kill(-job.Pgid, unix.SIGSTOP); err != nil {
		return fmt.Errorf("%v: %w", id, err)
	}
	return nil
}

// Foreground continues a job and waits for it like a foreground pipeline.
func (e *Executor) Foreground(ctx context.Context, id ID) (RunOutcome, error) {
	job, w, ok := e.notifier.claim(id)
	if !ok {
		return RunOutcome{}, fmt.Errorf("%v: %w", id, ErrNoSuchJob)
	}

	if err := unix.Kill(-job.Pgid, unix.SIGCONT); err != nil && err != unix.ESRCH {
		e.log.Warn("couldn't continue job", zap.Int("job", int(id)), zap.Error(err))
	}
	e.record(&logger.LogEntry{Type: logger.EventJobResumed, JobID: int(id), Text: job.Text})

	return e.foreground(ctx, job, w), nil
}

func (e *Executor) record(le *logger.LogEntry) {
	if err := e.events.Record(le); err != nil {
		e.log.Warn("couldn't record event", zap.Error(err))
	}
}

func commandNames(p *Pipeline) []string {
	out := make([]string, len(p.Commands))
	for i, c := range p.Commands {
		out[i] = c.Name()
	}
	return out
}
