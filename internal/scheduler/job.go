package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/terrpan/cvpreview/internal/document"
)

// JobStatus is the lifecycle position of a Job.
//
//	Pending → Active → Completed | Failed
//	Pending → Cancelled
//	Active  → Cancelled (at a checkpoint)
type JobStatus int32

const (
	JobPending JobStatus = iota
	JobActive
	JobCompleted
	JobFailed
	JobCancelled
)

func (s JobStatus) String() string {
	switch s {
	case JobPending:
		return "pending"
	case JobActive:
		return "active"
	case JobCompleted:
		return "completed"
	case JobFailed:
		return "failed"
	case JobCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("status(%d)", int32(s))
	}
}

// Terminal reports whether no further transition is possible.
func (s JobStatus) Terminal() bool { return s >= JobCompleted }

// Artifact is the result of a successful compile. The receiver owns
// Document and must close it.
type Artifact struct {
	JobID    uint64
	Markup   string
	Output   []byte
	Digest   string
	Log      string
	Document document.Document
	Compile  time.Duration
}

// Job is one request to compile a markup snapshot.
type Job struct {
	ID      uint64
	Markup  string
	Created time.Time

	status    atomic.Int32
	cancelled atomic.Bool
	reason    atomic.Pointer[error]

	once     sync.Once
	done     chan struct{}
	artifact *Artifact
	err      error
}

func newJob(id uint64, markup string, now time.Time) *Job {
	return &Job{
		ID:      id,
		Markup:  markup,
		Created: now,
		done:    make(chan struct{}),
	}
}

// Status returns the current lifecycle status.
func (j *Job) Status() JobStatus { return JobStatus(j.status.Load()) }

// Done is closed once the job reaches a terminal status.
func (j *Job) Done() <-chan struct{} { return j.done }

// Result returns the outcome. It is only meaningful after Done.
func (j *Job) Result() (*Artifact, error) {
	select {
	case <-j.done:
		return j.artifact, j.err
	default:
		return nil, fmt.Errorf("job %d still %s", j.ID, j.Status())
	}
}

// Wait blocks until the job finishes or ctx ends. Ending ctx does not
// cancel the job.
func (j *Job) Wait(ctx context.Context) (*Artifact, error) {
	select {
	case <-j.done:
		return j.artifact, j.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel requests cancellation. A pending job is rejected with
// ErrCancelled at once; an active job is rejected at its next
// checkpoint, since a running compile cannot be interrupted.
func (j *Job) Cancel() {
	j.cancel(ErrCancelled)
}

func (j *Job) cancel(reason error) {
	j.reason.CompareAndSwap(nil, &reason)
	j.cancelled.Store(true)
	if j.status.CompareAndSwap(int32(JobPending), int32(JobCancelled)) {
		j.resolve(nil, j.cancelReason())
	}
}

// supersede rejects a job that is still pending. It reports whether the
// job was pending.
func (j *Job) supersede() bool {
	reason := ErrSuperseded
	j.reason.CompareAndSwap(nil, &reason)
	j.cancelled.Store(true)
	if !j.status.CompareAndSwap(int32(JobPending), int32(JobCancelled)) {
		return false
	}
	j.resolve(nil, ErrSuperseded)
	return true
}

// promote moves a pending job to active. It fails if the job was
// cancelled first.
func (j *Job) promote() bool {
	return j.status.CompareAndSwap(int32(JobPending), int32(JobActive))
}

// checkpoint rejects an active job that has been cancelled and reports
// whether it did.
func (j *Job) checkpoint() bool {
	if !j.cancelled.Load() {
		return false
	}
	j.status.Store(int32(JobCancelled))
	j.resolve(nil, j.cancelReason())
	return true
}

func (j *Job) cancelReason() error {
	if p := j.reason.Load(); p != nil {
		return *p
	}
	return ErrCancelled
}

func (j *Job) complete(a *Artifact) {
	j.status.Store(int32(JobCompleted))
	j.resolve(a, nil)
}

func (j *Job) fail(err error) {
	j.status.Store(int32(JobFailed))
	j.resolve(nil, err)
}

func (j *Job) resolve(a *Artifact, err error) {
	j.once.Do(func() {
		j.artifact = a
		j.err = err
		close(j.done)
	})
}
