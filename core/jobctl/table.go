package jobctl

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrNoSuchJob is returned when an operation names a job id that isn't in
	// the table.
	ErrNoSuchJob = errors.New("no such job")
)

// ID identifies a job in the table.
type ID int

func (id ID) String() string {
	return fmt.Sprintf("%%%d", int(id))
}

// State is the run state of a job.
type State int

const (
	Running State = iota
	Stopped
)

func (s State) String() string {
	switch s {
	case Running:
		return "Running"
	case Stopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

// IDPolicy decides how job ids are handed out.
type IDPolicy string

const (
	// IDMonotonic never reuses an id within the lifetime of the table.
	IDMonotonic IDPolicy = "monotonic"
	// IDCompact hands out the smallest positive id not currently in use.
	IDCompact IDPolicy = "compact"
)

// Job is a pipeline tracked for later operator control.
type Job struct {
	ID    ID
	State State
	// Text is the command line the job was started from.
	Text string

	Group
}

func (j *Job) clone() Job {
	out := *j
	out.Members = append([]Member(nil), j.Members...)
	return out
}

// Table maps job ids to jobs. It's shared between the control path and the
// Notifier so every method takes the table lock; callers only ever receive
// copies of job records.
type Table struct {
	mu     sync.Mutex
	policy IDPolicy
	next   ID
	jobs   map[ID]*Job
	order  []ID
	byPid  map[int]ID
}

// NewTable creates an empty table allocating ids with the given policy.
func NewTable(policy IDPolicy) *Table {
	if policy == "" {
		policy = IDMonotonic
	}
	return &Table{
		policy: policy,
		next:   1,
		jobs:   make(map[ID]*Job),
		byPid:  make(map[int]ID),
	}
}

// Insert adds a job for the group and returns its id.
func (t *Table) Insert(text string, group *Group, state State) ID {
	t.mu.Lock()
	defer t.mu.Unlock()

	job := &Job{
		ID:    t.allocLocked(),
		State: state,
		Text:  text,
	}
	job.Pgid = group.Pgid
	job.Members = append([]Member(nil), group.Members...)
	t.addLocked(job)
	return job.ID
}

// Reinsert puts a job that was previously removed back in the table. It keeps
// the job's old id unless that id has been handed out again in the meantime.
func (t *Table) Reinsert(job Job) ID {
	t.mu.Lock()
	defer t.mu.Unlock()

	stored := job.clone()
	if _, taken := t.jobs[stored.ID]; taken || stored.ID <= 0 {
		stored.ID = t.allocLocked()
	}
	t.addLocked(&stored)
	return stored.ID
}

// Remove deletes the job from the table, returning the removed record.
func (t *Table) Remove(id ID) (Job, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	job, ok := t.jobs[id]
	if !ok {
		return Job{}, false
	}
	t.removeLocked(id)
	return job.clone(), true
}

// Get returns a copy of the job with the given id.
func (t *Table) Get(id ID) (Job, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	job, ok := t.jobs[id]
	if !ok {
		return Job{}, false
	}
	return job.clone(), true
}

// Current returns the most recently inserted job.
func (t *Table) Current() (Job, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.order) == 0 {
		return Job{}, false
	}
	return t.jobs[t.order[len(t.order)-1]].clone(), true
}

// List returns copies of all jobs in insertion order.
func (t *Table) List() []Job {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Job, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, t.jobs[id].clone())
	}
	return out
}

// Len returns the number of jobs in the table.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.jobs)
}

// record applies a state change for pid to the job owning it. found is false
// if no job tracks pid. If the change should be announced, notice is non-nil.
func (t *Table) record(pid int, status Status) (notice *Notice, found bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	id, ok := t.byPid[pid]
	if !ok {
		return nil, false
	}
	job := t.jobs[id]
	member := job.member(pid)
	if member == nil || member.Done {
		return nil, true
	}
	member.Status = status

	switch {
	case status.Terminated():
		member.Done = true
		delete(t.byPid, pid)
		n := newNotice(job, member.ProcessHandle, status)
		if job.outstanding() == 0 {
			t.removeLocked(id)
		}
		return &n, true

	case status.Stopped:
		if job.State == Stopped {
			return nil, true
		}
		job.State = Stopped
		n := newNotice(job, member.ProcessHandle, status)
		return &n, true

	case status.Continued:
		job.State = Running
	}

	return nil, true
}

func (t *Table) allocLocked() ID {
	if t.policy == IDCompact {
		used := make([]int, 0, len(t.jobs))
		for id := range t.jobs {
			used = append(used, int(id))
		}
		sort.Ints(used)
		candidate := 1
		for _, id := range used {
			if id != candidate {
				break
			}
			candidate++
		}
		return ID(candidate)
	}

	id := t.next
	t.next++
	return id
}

func (t *Table) addLocked(job *Job) {
	if job.ID >= t.next {
		t.next = job.ID + 1
	}
	t.jobs[job.ID] = job
	t.order = append(t.order, job.ID)
	for _, m := range job.Members {
		if m.Pid != 0 && !m.Done {
			t.byPid[m.Pid] = job.ID
		}
	}
}

func (t *Table) removeLocked(id ID) {
	job, ok := t.jobs[id]
	if !ok {
		return
	}
	for _, m := range job.Members {
		if t.byPid[m.Pid] == id {
			delete(t.byPid, m.Pid)
		}
	}
	delete(t.jobs, id)
	for i, v := range t.order {
		if v == id {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
}
