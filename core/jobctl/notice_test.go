package jobctl

import (
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"
	"golang.org/x/sys/unix"
)

func ExampleNotice_String() {
	job := &Job{ID: 3, Text: "sleep 1 | cat &"}

	fmt.Println(newNotice(job, ProcessHandle{Pid: 10, Slot: 1}, exitStatus(0)))
	fmt.Println(newNotice(job, ProcessHandle{Pid: 10, Slot: 1}, Status{Signaled: true, Signal: unix.SIGKILL}))

	// Output: Job [3] (sleep 1 | cat &) finished with status 0
	// Job [3] terminated with signal 9
}

func TestNotice_String(t *testing.T) {
	g := goldie.New(
		t,
		goldie.WithFixtureDir(filepath.Join("testdata", "golden")),
		goldie.WithDiffEngine(goldie.ColoredDiff),
		goldie.WithTestNameForDir(true),
	)

	job := &Job{ID: 7, Text: "make -j8 > build.log"}
	handle := ProcessHandle{Pid: 4242}

	statuses := []Status{
		exitStatus(0),
		exitStatus(2),
		{Signaled: true, Signal: unix.SIGINT},
		{Signaled: true, Signal: unix.SIGTERM},
		{Stopped: true, Signal: unix.SIGTSTP},
		{Stopped: true, Signal: unix.SIGSTOP},
	}

	var sb strings.Builder
	for _, status := range statuses {
		fmt.Fprintln(&sb, newNotice(job, handle, status))
	}

	g.Assert(t, "notices", []byte(sb.String()))
}

func TestStatus_Code(t *testing.T) {
	cases := map[string]struct {
		status Status
		want   int
	}{
		"exit":     {status: exitStatus(3), want: 3},
		"signal":   {status: Status{Signaled: true, Signal: unix.SIGINT}, want: 130},
		"stopped":  {status: Status{Stopped: true, Signal: unix.SIGTSTP}, want: 128 + int(unix.SIGTSTP)},
		"running":  {status: Status{}, want: 0},
		"continue": {status: Status{Continued: true}, want: 0},
	}

	for tn, tc := range cases {
		t.Run(tn, func(t *testing.T) {
			if got := tc.status.Code(); got != tc.want {
				t.Errorf("Code() = %d, want %d", got, tc.want)
			}
		})
	}
}
