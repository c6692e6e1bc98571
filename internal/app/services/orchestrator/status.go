package orchestrator

import (
	"sync"
	"time"
)

// JobState is the position of a job in its per-tick state machine.
type JobState string

const (
	StateIdle                 JobState = "idle"
	StateAttemptingLeadership JobState = "attempting_leadership"
	StateLeading              JobState = "leading"
	StateRunning              JobState = "running"
	StateNotLeader            JobState = "not_leader"
)

// JobStatus is the supervised view of one scheduled job.
type JobStatus struct {
	Name           string    `json:"name"`
	Schedule       string    `json:"schedule"`
	State          JobState  `json:"state"`
	Runs           int64     `json:"runs"`
	Failures       int64     `json:"failures"`
	Skipped        int64     `json:"skipped"`
	Panics         int64     `json:"panics"`
	LastError      string    `json:"last_error,omitempty"`
	LastStartedAt  time.Time `json:"last_started_at,omitempty"`
	LastFinishedAt time.Time `json:"last_finished_at,omitempty"`
	LastSuccessAt  time.Time `json:"last_success_at,omitempty"`
	LastDuration   string    `json:"last_duration,omitempty"`
	NextRunAt      time.Time `json:"next_run_at,omitempty"`
	LastResult     any       `json:"last_result,omitempty"`
}

type jobTracker struct {
	mu     sync.Mutex
	status JobStatus
}

func (t *jobTracker) snapshot() JobStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

func (t *jobTracker) setState(state JobState) {
	t.mu.Lock()
	t.status.State = state
	t.mu.Unlock()
}

// begin moves an idle job into leadership negotiation. It reports false when
// a previous run of the same job is still in flight.
func (t *jobTracker) begin() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status.State != StateIdle && t.status.State != "" {
		return false
	}
	t.status.State = StateAttemptingLeadership
	return true
}

func (t *jobTracker) skip() {
	t.mu.Lock()
	t.status.Skipped++
	t.status.State = StateIdle
	t.mu.Unlock()
}

func (t *jobTracker) start(at time.Time) {
	t.mu.Lock()
	t.status.State = StateRunning
	t.status.LastStartedAt = at
	t.mu.Unlock()
}

func (t *jobTracker) finish(at time.Time, result any, err error, panicked bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.status.Runs++
	t.status.State = StateIdle
	t.status.LastFinishedAt = at
	t.status.LastDuration = at.Sub(t.status.LastStartedAt).String()
	if result != nil {
		t.status.LastResult = result
	}
	if panicked {
		t.status.Panics++
	}
	if err != nil {
		t.status.Failures++
		t.status.LastError = err.Error()
		return
	}
	t.status.LastError = ""
	t.status.LastSuccessAt = at
}

func (t *jobTracker) setNext(at time.Time) {
	t.mu.Lock()
	t.status.NextRunAt = at
	t.mu.Unlock()
}
