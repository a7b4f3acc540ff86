package jobctl

import "fmt"

// NoticeKind categorizes job notices.
type NoticeKind int

const (
	NoticeFinished NoticeKind = iota
	NoticeTerminated
	NoticeStopped
)

// Notice is an announcement of a job member changing state. It's built by
// the Notifier and formatted by whoever drains the notice queue.
type Notice struct {
	Kind   NoticeKind
	JobID  ID
	Text   string
	Handle ProcessHandle
	Status Status
}

func newNotice(job *Job, handle ProcessHandle, status Status) Notice {
	n := Notice{
		JobID:  job.ID,
		Text:   job.Text,
		Handle: handle,
		Status: status,
	}
	switch {
	case status.Signaled:
		n.Kind = NoticeTerminated
	case status.Stopped:
		n.Kind = NoticeStopped
	default:
		n.Kind = NoticeFinished
	}
	return n
}

func (n Notice) String() string {
	switch n.Kind {
	case NoticeTerminated:
		return fmt.Sprintf("Job [%d] terminated with signal %d", int(n.JobID), int(n.Status.Signal))
	case NoticeStopped:
		return fmt.Sprintf("Job [%d] (%s) stopped", int(n.JobID), n.Text)
	default:
		return fmt.Sprintf("Job [%d] (%s) finished with status %d", int(n.JobID), n.Text, n.Status.ExitCode)
	}
}
