package jobctl

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/josephlewis42/jobsh/core/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

const testTimeout = 5 * time.Second

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type eventRecorder struct {
	mu      sync.Mutex
	entries []logger.LogEntry
}

func (r *eventRecorder) Record(le *logger.LogEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, *le)
	return nil
}

func (r *eventRecorder) types() []logger.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []logger.EventType
	for _, le := range r.entries {
		out = append(out, le.Type)
	}
	return out
}

type testEnv struct {
	*Executor

	dir    string
	diag   *syncBuffer
	events *eventRecorder
}

func requirePrograms(t *testing.T, names ...string) {
	t.Helper()
	for _, name := range names {
		if _, err := exec.LookPath(name); err != nil {
			t.Skipf("%s isn't available: %v", name, err)
		}
	}
}

func newTestEnv(t *testing.T, searchPath string) *testEnv {
	t.Helper()

	dir := t.TempDir()
	devNull, err := os.Open(os.DevNull)
	require.NoError(t, err)
	stdout, err := os.Create(filepath.Join(dir, "stdout"))
	require.NoError(t, err)
	stderr, err := os.Create(filepath.Join(dir, "stderr"))
	require.NoError(t, err)

	if searchPath == "" {
		searchPath = os.Getenv("PATH")
	}

	env := &testEnv{
		dir:    dir,
		diag:   &syncBuffer{},
		events: &eventRecorder{},
	}
	env.Executor = New(Options{
		Resolver: NewResolver(searchPath),
		Builder: &Builder{
			Stdin:                 devNull,
			Stdout:                stdout,
			Stderr:                stderr,
			RedirectFailureStatus: 1,
			ExecFailureStatus:     127,
		},
		NoticeQueueSize: 16,
		Diag:            env.diag,
		Events:          env.events,
	})
	env.Start()

	t.Cleanup(func() {
		for _, job := range env.Jobs() {
			_ = unix.Kill(-job.Pgid, unix.SIGKILL)
			_ = unix.Kill(-job.Pgid, unix.SIGCONT)
		}
		assert.Eventually(t, func() bool {
			return len(env.Jobs()) == 0
		}, testTimeout, 10*time.Millisecond, "jobs left behind")

		env.Close()
		devNull.Close()
		stdout.Close()
		stderr.Close()
	})

	return env
}

func (env *testEnv) path(name string) string {
	return filepath.Join(env.dir, name)
}

func (env *testEnv) nextNotice(t *testing.T) Notice {
	t.Helper()
	select {
	case n, ok := <-env.Notices():
		require.True(t, ok, "notice queue closed")
		return n
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for a notice")
		return Notice{}
	}
}

// waitForeground blocks until a foreground wait has installed its signal
// forwarding.
func (env *testEnv) waitForeground(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		return env.Disposition().Policy().Mode == SignalForward
	}, testTimeout, 5*time.Millisecond)
}

func (env *testEnv) waitForState(t *testing.T, id ID, state State) {
	t.Helper()
	require.Eventually(t, func() bool {
		job, ok := env.Job(id)
		return ok && job.State == state
	}, testTimeout, 5*time.Millisecond, "job %v never became %v", id, state)
}

// procStat reads the scheduler state and parent of pid from /proc.
func procStat(pid int) (state byte, ppid int, err error) {
	raw, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return 0, 0, err
	}
	// The command name may contain spaces, the fields after it don't.
	rest := string(raw[bytes.LastIndexByte(raw, ')')+1:])
	fields := strings.Fields(rest)
	if len(fields) < 2 {
		return 0, 0, fmt.Errorf("short stat for %d: %q", pid, raw)
	}
	ppid, err = strconv.Atoi(fields[1])
	return fields[0][0], ppid, err
}

func requireProc(t *testing.T) {
	t.Helper()
	if _, err := os.Stat("/proc/self/stat"); err != nil {
		t.Skipf("/proc isn't available: %v", err)
	}
}

// childPids lists the live and zombie children of the test process.
func childPids(t *testing.T) []int {
	t.Helper()

	entries, err := os.ReadDir("/proc")
	require.NoError(t, err)

	var out []int
	for _, e := range entries {
		pid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		if _, ppid, err := procStat(pid); err == nil && ppid == os.Getpid() {
			out = append(out, pid)
		}
	}
	return out
}

// openFds lists the descriptors open in the test process, including the one
// used to read the list.
func openFds(t *testing.T) []int {
	t.Helper()

	entries, err := os.ReadDir("/proc/self/fd")
	require.NoError(t, err)

	out := make([]int, 0, len(entries))
	for _, e := range entries {
		fd, err := strconv.Atoi(e.Name())
		require.NoError(t, err)
		out = append(out, fd)
	}
	return out
}

// packFds fills every free descriptor slot up to the highest open one, so
// next is the lowest free descriptor and all above it are free too. release
// closes the fillers.
func packFds(t *testing.T) (next int, release func()) {
	t.Helper()

	highest := 0
	for _, fd := range openFds(t) {
		if fd > highest {
			highest = fd
		}
	}

	var fillers []*os.File
	release = func() {
		for _, f := range fillers {
			f.Close()
		}
		fillers = nil
	}
	t.Cleanup(release)

	for {
		f, err := os.Open(os.DevNull)
		require.NoError(t, err)
		fillers = append(fillers, f)

		if fd := int(f.Fd()); fd >= highest {
			return fd + 1, release
		}
	}
}

func pipeline(stages ...string) *Pipeline {
	p := &Pipeline{}
	for _, stage := range stages {
		p.Commands = append(p.Commands, Command{Args: strings.Fields(stage)})
	}
	return p
}

func assertGone(t *testing.T, pgid int) {
	t.Helper()
	// Neither running nor a zombie: the group no longer exists.
	assert.Equal(t, unix.ESRCH, unix.Kill(-pgid, 0))
}

func TestExecutor_identityPipeline(t *testing.T) {
	requirePrograms(t, "cat")
	env := newTestEnv(t, "")

	var input strings.Builder
	for i := 0; i < 500; i++ {
		fmt.Fprintf(&input, "line %d of the input\n", i)
	}
	require.NoError(t, os.WriteFile(env.path("in"), []byte(input.String()), 0644))

	for n := 1; n <= 5; n++ {
		t.Run(fmt.Sprintf("%d-stages", n), func(t *testing.T) {
			var stages []string
			for i := 0; i < n; i++ {
				stages = append(stages, "cat")
			}
			p := pipeline(stages...)
			p.Stdin = env.path("in")
			p.Stdout = env.path(fmt.Sprintf("out-%d", n))

			outcome, err := env.Run(context.Background(), p, strings.Join(stages, " | "))
			require.NoError(t, err)
			assert.Equal(t, Foregrounded, outcome.Kind)
			require.Len(t, outcome.Statuses, n)
			for _, status := range outcome.Statuses {
				assert.Equal(t, exitStatus(0), status)
			}
			assert.Equal(t, 0, outcome.ExitCode())

			got, err := os.ReadFile(p.Stdout)
			require.NoError(t, err)
			assert.Equal(t, input.String(), string(got))
			assertGone(t, outcome.Pgid)
		})
	}
}

func TestExecutor_redirectTruncates(t *testing.T) {
	requirePrograms(t, "cat", "sort")
	env := newTestEnv(t, "")

	require.NoError(t, os.WriteFile(env.path("in"), []byte("b\nc\na\n"), 0644))
	require.NoError(t, os.WriteFile(env.path("out"), []byte(strings.Repeat("stale\n", 100)), 0644))

	p := pipeline("cat", "sort")
	p.Stdin = env.path("in")
	p.Stdout = env.path("out")
	p.Stderr = env.path("err")

	outcome, err := env.Run(context.Background(), p, "cat < in | sort > out 2> err")
	require.NoError(t, err)
	assert.Equal(t, 0, outcome.ExitCode())

	got, err := os.ReadFile(env.path("out"))
	require.NoError(t, err)
	assert.Equal(t, "a\nb\nc\n", string(got))

	info, err := os.Stat(env.path("err"))
	require.NoError(t, err, "error redirect target is created")
	assert.Zero(t, info.Size())
}

func TestExecutor_redirectFailure(t *testing.T) {
	requirePrograms(t, "cat", "wc")
	env := newTestEnv(t, "")

	p := pipeline("cat", "wc -l")
	p.Stdin = env.path("missing/input")
	p.Stdout = env.path("count")

	outcome, err := env.Run(context.Background(), p, "cat < missing/input | wc -l > count")
	require.NoError(t, err)
	require.Len(t, outcome.Statuses, 2)

	// Only the stage with the bad redirection fails, its neighbour sees EOF.
	assert.Equal(t, exitStatus(1), outcome.Statuses[0])
	assert.Equal(t, exitStatus(0), outcome.Statuses[1])
	assert.Equal(t, env.path("missing/input")+": no such file or directory\n", env.diag.String())

	got, err := os.ReadFile(env.path("count"))
	require.NoError(t, err)
	assert.Equal(t, "0", strings.TrimSpace(string(got)))
}

func TestExecutor_execFailure(t *testing.T) {
	requirePrograms(t, "cat")
	env := newTestEnv(t, "")

	// Executable, but not in a format the kernel can run.
	bogus := env.path("bogus")
	require.NoError(t, os.WriteFile(bogus, []byte{0, 1, 2, 3}, 0755))

	p := &Pipeline{Commands: []Command{
		{Args: []string{bogus}},
		{Args: []string{"cat"}},
	}}
	p.Stdout = env.path("out")

	outcome, err := env.Run(context.Background(), p, "bogus | cat")
	require.NoError(t, err)
	require.Len(t, outcome.Statuses, 2)
	assert.Equal(t, exitStatus(127), outcome.Statuses[0])
	assert.Equal(t, exitStatus(0), outcome.Statuses[1])
	assert.Contains(t, env.diag.String(), bogus+": exec format error")
}

func TestExecutor_commandNotFound(t *testing.T) {
	requirePrograms(t, "cat")
	env := newTestEnv(t, "")

	p := pipeline("no-such-command-1", "cat", "no-such-command-2")
	outcome, err := env.Run(context.Background(), p, "no-such-command-1 | cat | no-such-command-2")
	require.NoError(t, err)

	assert.Equal(t, CommandNotFound, outcome.Kind)
	assert.Equal(t, []string{"no-such-command-1", "no-such-command-2"}, outcome.NotFound)
	assert.Equal(t, 127, outcome.ExitCode())
	assert.Equal(t,
		"no-such-command-1: command not found\nno-such-command-2: command not found\n",
		env.diag.String())

	// Nothing was started.
	assert.Zero(t, outcome.Pgid)
	assert.Empty(t, env.Jobs())
	assert.Equal(t, []logger.EventType{logger.EventCommandNotFound}, env.events.types())
}

func TestExecutor_background(t *testing.T) {
	requirePrograms(t, "sleep")
	env := newTestEnv(t, "")

	start := time.Now()
	p := pipeline("sleep 0.2")
	p.Background = true
	outcome, err := env.Run(context.Background(), p, "sleep 0.2 &")
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second, "background runs return immediately")

	assert.Equal(t, Backgrounded, outcome.Kind)
	assert.Equal(t, ID(1), outcome.JobID)
	assert.NotZero(t, outcome.Pgid)
	assert.Equal(t, 0, outcome.ExitCode())

	job, ok := env.Job(outcome.JobID)
	require.True(t, ok)
	assert.Equal(t, Running, job.State)
	assert.Equal(t, "sleep 0.2 &", job.Text)
	assert.Equal(t, outcome.Pgid, job.Pgid)

	second := pipeline("sleep 0.2")
	second.Background = true
	other, err := env.Run(context.Background(), second, "sleep 0.2 &")
	require.NoError(t, err)
	assert.Equal(t, ID(2), other.JobID)

	var got []string
	for i := 0; i < 2; i++ {
		got = append(got, env.nextNotice(t).String())
	}
	assert.ElementsMatch(t, []string{
		"Job [1] (sleep 0.2 &) finished with status 0",
		"Job [2] (sleep 0.2 &) finished with status 0",
	}, got)

	assert.Empty(t, env.Jobs(), "finished jobs are removed")
	assertGone(t, outcome.Pgid)
	assertGone(t, other.Pgid)

	assert.Contains(t, env.events.types(), logger.EventJobStarted)
	assert.Contains(t, env.events.types(), logger.EventJobFinished)
}

func TestExecutor_backgroundTerminated(t *testing.T) {
	requirePrograms(t, "sleep")
	env := newTestEnv(t, "")

	p := pipeline("sleep 30")
	p.Background = true
	outcome, err := env.Run(context.Background(), p, "sleep 30 &")
	require.NoError(t, err)

	require.NoError(t, unix.Kill(-outcome.Pgid, unix.SIGTERM))

	notice := env.nextNotice(t)
	assert.Equal(t, NoticeTerminated, notice.Kind)
	assert.Equal(t, fmt.Sprintf("Job [%d] terminated with signal 15", outcome.JobID), notice.String())
}

func TestExecutor_interruptForeground(t *testing.T) {
	requirePrograms(t, "sleep", "cat")
	env := newTestEnv(t, "")

	done := make(chan RunOutcome, 1)
	go func() {
		outcome, err := env.Run(context.Background(), pipeline("cat", "sleep 30"), "cat | sleep 30")
		assert.NoError(t, err)
		done <- outcome
	}()

	env.waitForeground(t)
	assert.True(t, env.Disposition().Deliver(unix.SIGINT))

	var outcome RunOutcome
	select {
	case outcome = <-done:
	case <-time.After(testTimeout):
		t.Fatal("foreground wait didn't return after interrupt")
	}

	require.Len(t, outcome.Statuses, 2)
	last := outcome.Statuses[1]
	assert.True(t, last.Signaled)
	assert.Equal(t, unix.SIGINT, last.Signal)
	assert.Equal(t, 130, outcome.ExitCode())
	assertGone(t, outcome.Pgid)

	// The prompt policy is back in place.
	assert.Equal(t, SignalIgnore, env.Disposition().Policy().Mode)
}

func TestExecutor_stopAndResume(t *testing.T) {
	requirePrograms(t, "sleep")
	env := newTestEnv(t, "")

	p := pipeline("sleep 30")
	p.Background = true
	outcome, err := env.Run(context.Background(), p, "sleep 30 &")
	require.NoError(t, err)
	id := outcome.JobID

	assert.True(t, errors.Is(env.Resume(id), ErrJobNotStopped))

	require.NoError(t, env.Stop(id))
	notice := env.nextNotice(t)
	assert.Equal(t, NoticeStopped, notice.Kind)
	assert.Equal(t, "Job [1] (sleep 30 &) stopped", notice.String())

	job, ok := env.Job(id)
	require.True(t, ok)
	assert.Equal(t, Stopped, job.State)

	require.NoError(t, env.Resume(id))
	env.waitForState(t, id, Running)

	// Bring it to the foreground and give up on it, the wait kills the group.
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	fg, err := env.Foreground(ctx, id)
	require.NoError(t, err)
	require.Len(t, fg.Statuses, 1)
	assert.True(t, fg.Statuses[0].Signaled)
	assert.Equal(t, unix.SIGKILL, fg.Statuses[0].Signal)

	_, ok = env.Job(id)
	assert.False(t, ok)
	assertGone(t, outcome.Pgid)
	assert.Contains(t, env.events.types(), logger.EventJobResumed)
}

func TestExecutor_resumeStopsAgain(t *testing.T) {
	requirePrograms(t, "sh")
	requireProc(t)
	env := newTestEnv(t, "")

	p := &Pipeline{
		Commands: []Command{
			{Args: []string{"sh", "-c", "while :; do kill -STOP $$; done"}},
		},
		Background: true,
	}
	outcome, err := env.Run(context.Background(), p, "stopper &")
	require.NoError(t, err)
	id, pid := outcome.JobID, outcome.Pgid

	stopped := func() bool {
		job, ok := env.Job(id)
		state, _, err := procStat(pid)
		return ok && job.State == Stopped && err == nil && state == 'T'
	}

	// Every resume is followed by another stop, the table has to end up
	// agreeing with the kernel each time.
	for i := 0; i < 50; i++ {
		require.Eventually(t, stopped, testTimeout, time.Millisecond, "iteration %d", i)
		require.NoError(t, env.Resume(id), "iteration %d", i)
	}
	require.Eventually(t, stopped, testTimeout, time.Millisecond)
}

func TestExecutor_spawnFailure(t *testing.T) {
	requirePrograms(t, "sleep", "cat")
	requireProc(t)
	env := newTestEnv(t, "")

	// Warm up so descriptors the runtime opens lazily already exist.
	_, err := env.Run(context.Background(), pipeline("cat", "cat"), "cat | cat")
	require.NoError(t, err)

	children := childPids(t)
	fds := len(openFds(t))

	// Leave room for the first stage's pipe and exec handshake but not the
	// second's.
	next, release := packFds(t)
	var orig unix.Rlimit
	require.NoError(t, unix.Getrlimit(unix.RLIMIT_NOFILE, &orig))
	restore := func() { _ = unix.Setrlimit(unix.RLIMIT_NOFILE, &orig) }
	defer restore()
	limited := orig
	limited.Cur = uint64(next + 4)
	require.NoError(t, unix.Setrlimit(unix.RLIMIT_NOFILE, &limited))

	outcome, err := env.Run(context.Background(), pipeline("sleep 30", "cat", "cat"), "sleep 30 | cat | cat")
	restore()
	release()

	var spawnErr *SpawnError
	require.True(t, errors.As(err, &spawnErr), "got %v", err)
	assert.Equal(t, "cat", spawnErr.Name)
	assert.True(t, errors.Is(err, unix.EMFILE))
	assert.Equal(t, RunOutcome{}, outcome)
	assert.Equal(t, "cat: cannot start: too many open files\n", env.diag.String())

	// The stage that did start was killed and reaped, nothing leaked.
	assert.Empty(t, env.Jobs())
	assert.ElementsMatch(t, children, childPids(t))
	assert.Len(t, openFds(t), fds)
	assert.NotContains(t, env.events.types(), logger.EventJobStarted)
}

func TestExecutor_foregroundStop(t *testing.T) {
	requirePrograms(t, "sleep")
	env := newTestEnv(t, "")

	done := make(chan RunOutcome, 1)
	go func() {
		outcome, err := env.Run(context.Background(), pipeline("sleep 30"), "sleep 30")
		assert.NoError(t, err)
		done <- outcome
	}()

	env.waitForeground(t)
	assert.True(t, env.Disposition().Deliver(unix.SIGTSTP))

	var outcome RunOutcome
	select {
	case outcome = <-done:
	case <-time.After(testTimeout):
		t.Fatal("foreground wait didn't return after stop")
	}

	assert.True(t, outcome.Stopped)
	assert.NotZero(t, outcome.JobID)
	assert.Equal(t, 128+int(unix.SIGTSTP), outcome.ExitCode())

	job, ok := env.Job(outcome.JobID)
	require.True(t, ok)
	assert.Equal(t, Stopped, job.State)
	assert.Equal(t, "sleep 30", job.Text)

	notice := env.nextNotice(t)
	assert.Equal(t, fmt.Sprintf("Job [%d] (sleep 30) stopped", outcome.JobID), notice.String())
}

func TestExecutor_unknownJob(t *testing.T) {
	env := newTestEnv(t, "")

	assert.True(t, errors.Is(env.Resume(9), ErrNoSuchJob))
	assert.True(t, errors.Is(env.Stop(9), ErrNoSuchJob))

	_, err := env.Foreground(context.Background(), 9)
	assert.True(t, errors.Is(err, ErrNoSuchJob))
	assert.EqualError(t, err, "%9: no such job")
}

func TestExecutor_emptyPipeline(t *testing.T) {
	env := newTestEnv(t, "")

	outcome, err := env.Run(context.Background(), &Pipeline{}, "")
	require.NoError(t, err)
	assert.Equal(t, Foregrounded, outcome.Kind)
	assert.Equal(t, 0, outcome.ExitCode())
}
