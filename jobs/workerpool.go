package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	appErrors "github.com/flow-hydraulics/blaze-client/errors"
	"github.com/flow-hydraulics/blaze-client/system"
	"github.com/google/uuid"
	"github.com/jpillora/backoff"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/datatypes"
)

// defaultMaxJobErrorCount is the maximum number of times a Job can be tried
// to execute before considering it completely failed.
const defaultMaxJobErrorCount = 10

var (
	ErrInvalidJobType   = errors.New("invalid job type")
	ErrPermanentFailure = errors.New("permanent failure")
	ErrNotAccepted      = errors.New("job not accepted, already pending or running")
	ErrStopped          = errors.New("worker pool stopped")
)

type ExecutorFunc func(ctx context.Context, j *Job) error

// WorkerPool runs jobs on exactly workerCount goroutines. Pending jobs are
// started in submission order, so a pool of one worker is a strict FIFO.
type WorkerPool struct {
	name        string
	workerCount uint

	mu        sync.Mutex
	cond      *sync.Cond
	queue     []*Job
	live      map[string]*Job
	running   int
	suspended bool
	stopped   bool
	idle      chan struct{}
	executors map[string]ExecutorFunc

	wg            sync.WaitGroup
	context       context.Context
	cancelContext context.CancelFunc

	store            Store
	systemService    *system.Service
	authenticator    Authenticator
	observers        []StateObserver
	logger           *log.Logger
	tracer           trace.Tracer
	maxJobErrorCount int
	retryMin         time.Duration
	retryMax         time.Duration
}

func NewWorkerPool(workerCount uint, opts ...WorkerPoolOption) *WorkerPool {
	if workerCount < 1 {
		workerCount = 1
	}

	ctx, cancel := context.WithCancel(context.Background())

	wp := &WorkerPool{
		name:        "jobs",
		workerCount: workerCount,

		live:      make(map[string]*Job),
		executors: make(map[string]ExecutorFunc),

		context:       ctx,
		cancelContext: cancel,

		maxJobErrorCount: defaultMaxJobErrorCount,
		retryMin:         500 * time.Millisecond,
		retryMax:         time.Minute,
	}
	wp.cond = sync.NewCond(&wp.mu)

	// Go through options
	for _, opt := range opts {
		opt(wp)
	}

	if wp.logger == nil {
		wp.logger = log.New()
	}

	wp.tracer = otel.Tracer("github.com/flow-hydraulics/blaze-client/jobs")

	if wp.systemService != nil {
		wp.systemService.Subscribe(func(system.Settings) { wp.wake() })
	}

	wp.startWorkers()

	return wp
}

func (wp *WorkerPool) Name() string {
	return wp.name
}

func (wp *WorkerPool) RegisterExecutor(jobType string, executorF ExecutorFunc) {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	wp.executors[jobType] = executorF
}

// Submit admits a job of jobType for key as Pending. If a job with the same
// identity is already live it is returned together with ErrNotAccepted.
func (wp *WorkerPool) Submit(jobType, key string, opts ...JobOption) (*Job, error) {
	if wp.authenticator != nil && !wp.authenticator.IsAuthenticated() {
		return nil, appErrors.ErrAuthenticationRequired
	}

	id := JobID(jobType, key)

	wp.mu.Lock()

	if wp.stopped {
		wp.mu.Unlock()
		return nil, ErrStopped
	}

	if existing, ok := wp.live[id]; ok {
		wp.mu.Unlock()
		return existing, ErrNotAccepted
	}

	if _, ok := wp.executors[jobType]; !ok {
		wp.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrInvalidJobType, jobType)
	}

	now := time.Now()
	job := &Job{
		ID:        uuid.New(),
		JobID:     id,
		Type:      jobType,
		Key:       key,
		State:     Pending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, opt := range opts {
		opt(job)
	}
	job.ctx, job.cancel = context.WithCancel(wp.context)

	wp.live[id] = job
	wp.queue = append(wp.queue, job)
	wp.persist(job, true)
	snap := job.snapshot()
	wp.cond.Signal()

	wp.mu.Unlock()

	wp.logger.
		WithFields(log.Fields{"pool": wp.name, "jobID": id}).
		Trace("Job submitted")

	wp.notify(snap)

	return job, nil
}

// Cancel cancels the live job with the given identity. A pending job never
// runs, a running one sees its context cancelled. Returns false if no such
// job is live.
func (wp *WorkerPool) Cancel(jobID string) bool {
	wp.mu.Lock()

	job, ok := wp.live[jobID]
	if !ok || job.cancelRequested {
		wp.mu.Unlock()
		return ok
	}

	job.cancelRequested = true
	job.cancel()

	if job.State == Running {
		wp.mu.Unlock()
		return true
	}

	snap := wp.finishLocked(job, Cancelled, nil)
	wp.mu.Unlock()

	wp.notify(snap)
	return true
}

// CancelAll cancels every live job.
func (wp *WorkerPool) CancelAll() {
	wp.mu.Lock()
	ids := make([]string, 0, len(wp.live))
	for id := range wp.live {
		ids = append(ids, id)
	}
	wp.mu.Unlock()

	for _, id := range ids {
		wp.Cancel(id)
	}
}

// Suspend stops pending jobs from being started. Running jobs continue.
func (wp *WorkerPool) Suspend() {
	wp.mu.Lock()
	defer wp.mu.Unlock()

	if !wp.suspended {
		wp.logger.WithFields(log.Fields{"pool": wp.name}).Debug("Pool suspended")
	}
	wp.suspended = true
}

func (wp *WorkerPool) Resume() {
	wp.mu.Lock()
	defer wp.mu.Unlock()

	if wp.suspended {
		wp.logger.WithFields(log.Fields{"pool": wp.name}).Debug("Pool resumed")
	}
	wp.suspended = false
	wp.cond.Broadcast()
}

func (wp *WorkerPool) IsSuspended() bool {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	return wp.suspended
}

// Job returns a copy of the live job with the given identity.
func (wp *WorkerPool) Job(jobID string) (Job, bool) {
	wp.mu.Lock()
	defer wp.mu.Unlock()

	job, ok := wp.live[jobID]
	if !ok {
		return Job{}, false
	}
	return job.snapshot(), true
}

// Running returns the number of jobs currently executing.
func (wp *WorkerPool) Running() int {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	return wp.running
}

func (wp *WorkerPool) Status() (WorkerPoolStatus, error) {
	var status WorkerPoolStatus

	if wp.store != nil {
		query, err := wp.store.Status()
		if err != nil {
			return status, err
		}

		for _, r := range query {
			switch r.State {
			case Completed:
				status.JobsCompleted = r.Count
			case Cancelled:
				status.JobsCancelled = r.Count
			case Failed:
				status.JobsFailed = r.Count
			default:
				continue
			}
		}
	}

	wp.mu.Lock()
	status.JobsRunning = wp.running
	status.JobsPending = len(wp.live) - wp.running
	status.Suspended = wp.suspended
	wp.mu.Unlock()

	status.Maintenance = wp.inMaintenance()
	status.WorkerCount = int(wp.workerCount)

	return status, nil
}

// Wait blocks until no job is live or ctx is done.
func (wp *WorkerPool) Wait(ctx context.Context) error {
	for {
		wp.mu.Lock()
		if len(wp.live) == 0 {
			wp.mu.Unlock()
			return nil
		}
		if wp.idle == nil {
			wp.idle = make(chan struct{})
		}
		idle := wp.idle
		wp.mu.Unlock()

		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Stop cancels all pending jobs and the context of running ones, then waits
// for the workers to exit.
func (wp *WorkerPool) Stop() {
	wp.mu.Lock()
	if wp.stopped {
		wp.mu.Unlock()
		wp.wg.Wait()
		return
	}
	wp.stopped = true

	var snaps []Job
	for _, job := range wp.live {
		if job.State == Pending {
			job.cancelRequested = true
			snaps = append(snaps, wp.finishLocked(job, Cancelled, nil))
		}
	}
	wp.cancelContext()
	wp.cond.Broadcast()
	wp.mu.Unlock()

	for _, s := range snaps {
		wp.notify(s)
	}

	wp.wg.Wait()
}

func (wp *WorkerPool) wake() {
	wp.mu.Lock()
	wp.cond.Broadcast()
	wp.mu.Unlock()
}

func (wp *WorkerPool) inMaintenance() bool {
	return wp.systemService != nil && wp.systemService.IsMaintenanceMode()
}

func (wp *WorkerPool) startWorkers() {
	for i := uint(0); i < wp.workerCount; i++ {
		wp.wg.Add(1)
		go func() {
			defer wp.wg.Done()
			for {
				job := wp.next()
				if job == nil {
					return
				}
				wp.process(job)
			}
		}()
	}
}

// next blocks until a pending job may start and marks it running. Returns
// nil once the pool is stopped.
func (wp *WorkerPool) next() *Job {
	wp.mu.Lock()
	defer wp.mu.Unlock()

	var job *Job
	for {
		for !wp.stopped && (wp.suspended || len(wp.queue) == 0 || wp.inMaintenance()) {
			wp.cond.Wait()
		}
		if wp.stopped {
			return nil
		}

		job = wp.queue[0]
		if wait := time.Until(job.notBefore); wait > 0 {
			if job.retry == nil {
				job.retry = time.AfterFunc(wait, wp.wake)
			}
			wp.cond.Wait()
			continue
		}
		break
	}

	wp.queue[0] = nil
	wp.queue = wp.queue[1:]

	if job.retry != nil {
		job.retry.Stop()
		job.retry = nil
	}
	job.notBefore = time.Time{}

	job.State = Running
	job.ExecCount++
	job.UpdatedAt = time.Now()
	wp.running++
	wp.persist(job, false)

	return job
}

func (wp *WorkerPool) process(job *Job) {
	wp.notify(job.snapshot())

	wp.mu.Lock()
	executor := wp.executors[job.Type]
	wp.mu.Unlock()

	ctx, span := wp.tracer.Start(job.ctx, "job."+job.Type, trace.WithAttributes(
		attribute.String("job.id", job.JobID),
		attribute.Int("job.exec_count", job.ExecCount),
		attribute.String("job.pool", wp.name),
	))

	err := executor(ctx, job)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()

	wp.mu.Lock()
	wp.running--

	var snap Job
	switch {
	case err != nil && job.ctx.Err() != nil:
		snap = wp.finishLocked(job, Cancelled, err)
	case err == nil:
		snap = wp.finishLocked(job, Completed, nil)
	case appErrors.IsTransportFailure(err) && !errors.Is(err, ErrPermanentFailure) && job.ExecCount <= wp.maxJobErrorCount:
		snap = wp.retryLocked(job, err)
	default:
		snap = wp.finishLocked(job, Failed, err)
	}
	wp.mu.Unlock()

	if err != nil {
		wp.logger.
			WithFields(log.Fields{"error": err, "pool": wp.name, "jobID": job.JobID, "state": snap.State}).
			Warn("Job execution resulted with error")
	}

	wp.notify(snap)
}

// retryLocked puts a job back to pending once its backoff delay elapsed.
// The job stays live meanwhile. A single worker pool keeps the job at the
// head of its queue and starts nothing else before it.
func (wp *WorkerPool) retryLocked(job *Job, err error) Job {
	b := &backoff.Backoff{
		Min:    wp.retryMin,
		Max:    wp.retryMax,
		Factor: 2,
		Jitter: true,
	}
	delay := b.ForAttempt(float64(job.ExecCount - 1))

	job.State = Pending
	job.Error = err.Error()
	job.UpdatedAt = time.Now()
	wp.persist(job, false)

	if wp.workerCount == 1 {
		job.notBefore = time.Now().Add(delay)
		wp.queue = append([]*Job{job}, wp.queue...)
		job.retry = time.AfterFunc(delay, wp.wake)
		return job.snapshot()
	}

	job.retry = time.AfterFunc(delay, func() {
		wp.mu.Lock()
		defer wp.mu.Unlock()

		job.retry = nil
		if wp.stopped || job.cancelRequested || job.State != Pending {
			return
		}
		wp.queue = append(wp.queue, job)
		wp.cond.Signal()
	})

	return job.snapshot()
}

func (wp *WorkerPool) finishLocked(job *Job, state State, err error) Job {
	if job.retry != nil {
		job.retry.Stop()
		job.retry = nil
	}

	if job.State == Pending {
		for i, q := range wp.queue {
			if q == job {
				wp.queue = append(wp.queue[:i], wp.queue[i+1:]...)
				// A worker may be holding for this job's retry delay.
				wp.cond.Broadcast()
				break
			}
		}
	}

	job.State = state
	if err != nil {
		job.Error = err.Error()
	} else if state == Completed {
		job.Error = ""
	}
	job.UpdatedAt = time.Now()
	job.cancel()

	delete(wp.live, job.JobID)
	if len(wp.live) == 0 && wp.idle != nil {
		close(wp.idle)
		wp.idle = nil
	}

	wp.persist(job, false)

	return job.snapshot()
}

func (wp *WorkerPool) persist(job *Job, insert bool) {
	if wp.store == nil {
		return
	}

	var err error
	if insert {
		err = wp.store.InsertJob(job)
	} else {
		err = wp.store.UpdateJob(job)
	}

	if err != nil {
		wp.logger.
			WithFields(log.Fields{"error": err, "pool": wp.name, "jobID": job.JobID}).
			Warn("Could not update DB entry for job")
	}
}

// SetAttributes replaces the attributes of a live job. Executors use it to
// carry state over to a retry.
func (wp *WorkerPool) SetAttributes(job *Job, attributes datatypes.JSON) {
	wp.mu.Lock()
	defer wp.mu.Unlock()

	job.Attributes = attributes
	job.UpdatedAt = time.Now()
	wp.persist(job, false)
}

func (wp *WorkerPool) notify(j Job) {
	for _, fn := range wp.observers {
		fn(j)
	}
}

func PermanentFailure(err error) error {
	return fmt.Errorf("%w: %s", ErrPermanentFailure, err.Error())
}
