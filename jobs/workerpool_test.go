package jobs

import (
	"context"
	goerrors "errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/flow-hydraulics/blaze-client/errors"
	"github.com/flow-hydraulics/blaze-client/internal/test"
	"github.com/flow-hydraulics/blaze-client/system"
	"github.com/google/go-cmp/cmp"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type authFunc func() bool

func (f authFunc) IsAuthenticated() bool { return f() }

func newPool(t *testing.T, workers uint, opts ...WorkerPoolOption) *WorkerPool {
	t.Helper()

	logger, _ := logtest.NewNullLogger()
	opts = append([]WorkerPoolOption{
		WithLogger(logger),
		WithRetryDelay(time.Millisecond, 5*time.Millisecond),
	}, opts...)

	wp := NewWorkerPool(workers, opts...)
	t.Cleanup(wp.Stop)

	return wp
}

func wait(t *testing.T, wp *WorkerPool) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := wp.Wait(ctx); err != nil {
		t.Fatalf("pool did not become idle: %v", err)
	}
}

// stateRecorder collects final states by job id.
type stateRecorder struct {
	mu     sync.Mutex
	states map[string][]State
}

func (r *stateRecorder) observe(j Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.states == nil {
		r.states = make(map[string][]State)
	}
	r.states[j.JobID] = append(r.states[j.JobID], j.State)
}

func (r *stateRecorder) get(id string) []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State{}, r.states[id]...)
}

func TestSubmitDedup(t *testing.T) {
	wp := newPool(t, 1)
	wp.Suspend()

	wp.RegisterExecutor("upload", func(ctx context.Context, j *Job) error { return nil })

	first, err := wp.Submit("upload", "x")
	if err != nil {
		t.Fatal(err)
	}
	if first.JobID != "upload:x" {
		t.Fatalf("expected job id %q, got %q", "upload:x", first.JobID)
	}

	again, err := wp.Submit("upload", "x")
	if !goerrors.Is(err, ErrNotAccepted) {
		t.Fatalf("expected ErrNotAccepted, got %v", err)
	}
	if again != first {
		t.Fatal("expected the existing job to be returned")
	}

	if _, err := wp.Submit("upload", "y"); err != nil {
		t.Fatalf("expected another key to be accepted, got %v", err)
	}

	status, err := wp.Status()
	if err != nil {
		t.Fatal(err)
	}
	if status.JobsPending != 2 || !status.Suspended {
		t.Fatalf("expected 2 pending jobs in a suspended pool, got %+v", status)
	}

	wp.Resume()
	wait(t, wp)

	// Finished jobs do not block a new submit.
	if _, err := wp.Submit("upload", "x"); err != nil {
		t.Fatalf("expected resubmit after completion, got %v", err)
	}
	wait(t, wp)
}

func TestSubmitUnknownType(t *testing.T) {
	wp := newPool(t, 1)
	if _, err := wp.Submit("nope", "x"); !goerrors.Is(err, ErrInvalidJobType) {
		t.Fatalf("expected ErrInvalidJobType, got %v", err)
	}
}

func TestSubmitRequiresAuthentication(t *testing.T) {
	authenticated := false
	wp := newPool(t, 1, WithAuthenticator(authFunc(func() bool { return authenticated })))
	wp.RegisterExecutor("upload", func(ctx context.Context, j *Job) error { return nil })

	if _, err := wp.Submit("upload", "x"); !errors.IsAuthenticationRequired(err) {
		t.Fatalf("expected authentication required, got %v", err)
	}

	authenticated = true
	if _, err := wp.Submit("upload", "x"); err != nil {
		t.Fatal(err)
	}
	wait(t, wp)
}

func TestFIFO(t *testing.T) {
	wp := newPool(t, 1)
	wp.Suspend()

	var mu sync.Mutex
	var order []string

	wp.RegisterExecutor("upload", func(ctx context.Context, j *Job) error {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, j.Key)
		return nil
	})

	for _, k := range []string{"A", "B", "C"} {
		if _, err := wp.Submit("upload", k); err != nil {
			t.Fatal(err)
		}
	}

	wp.Resume()
	wait(t, wp)

	if diff := cmp.Diff([]string{"A", "B", "C"}, order); diff != "" {
		t.Fatalf("unexpected execution order (-want +got):\n%s", diff)
	}
}

func TestFIFORetry(t *testing.T) {
	wp := newPool(t, 1, WithRetryDelay(20*time.Millisecond, 40*time.Millisecond))
	wp.Suspend()

	var mu sync.Mutex
	var order []string
	failed := false

	wp.RegisterExecutor("upload", func(ctx context.Context, j *Job) error {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, j.Key)
		if j.Key == "A" && !failed {
			failed = true
			return errors.Transport(fmt.Errorf("no ack"))
		}
		return nil
	})

	for _, k := range []string{"A", "B", "C"} {
		if _, err := wp.Submit("upload", k); err != nil {
			t.Fatal(err)
		}
	}

	wp.Resume()
	wait(t, wp)

	if diff := cmp.Diff([]string{"A", "A", "B", "C"}, order); diff != "" {
		t.Fatalf("expected the retry to run before later jobs (-want +got):\n%s", diff)
	}
}

func TestCancelHeldRetry(t *testing.T) {
	wp := newPool(t, 1, WithRetryDelay(time.Hour, time.Hour))

	ran := make(chan string, 4)
	wp.RegisterExecutor("upload", func(ctx context.Context, j *Job) error {
		ran <- j.Key
		if j.Key == "A" {
			return errors.Transport(fmt.Errorf("no ack"))
		}
		return nil
	})

	if _, err := wp.Submit("upload", "A"); err != nil {
		t.Fatal(err)
	}
	if k := <-ran; k != "A" {
		t.Fatalf("expected A first, got %s", k)
	}
	if _, err := wp.Submit("upload", "B"); err != nil {
		t.Fatal(err)
	}

	select {
	case k := <-ran:
		t.Fatalf("expected %s to wait behind the held retry", k)
	case <-time.After(50 * time.Millisecond):
	}

	if !wp.Cancel(JobID("upload", "A")) {
		t.Fatal("expected A to be live")
	}
	wait(t, wp)

	if k := <-ran; k != "B" {
		t.Fatalf("expected B after cancelling A, got %s", k)
	}
}

func TestConcurrencyLimit(t *testing.T) {
	const workers = 3

	wp := newPool(t, workers)

	var mu sync.Mutex
	current, peak := 0, 0
	release := make(chan struct{})

	wp.RegisterExecutor("send", func(ctx context.Context, j *Job) error {
		mu.Lock()
		current++
		if current > peak {
			peak = current
		}
		mu.Unlock()

		<-release

		mu.Lock()
		current--
		mu.Unlock()
		return nil
	})

	for i := 0; i < 10; i++ {
		if _, err := wp.Submit("send", fmt.Sprint(i)); err != nil {
			t.Fatal(err)
		}
	}

	for i := 0; i < 10; i++ {
		release <- struct{}{}
	}
	wait(t, wp)

	if peak > workers {
		t.Fatalf("expected at most %d concurrent jobs, got %d", workers, peak)
	}
}

func TestSuspend(t *testing.T) {
	wp := newPool(t, 3)

	started := make(chan string, 10)
	release := make(chan struct{})

	wp.RegisterExecutor("send", func(ctx context.Context, j *Job) error {
		started <- j.Key
		<-release
		return nil
	})

	for _, k := range []string{"1", "2", "3"} {
		if _, err := wp.Submit("send", k); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < 3; i++ {
		<-started
	}

	wp.Suspend()

	if _, err := wp.Submit("send", "4"); err != nil {
		t.Fatal(err)
	}

	// Running jobs finish while suspended.
	close(release)

	deadline := time.Now().Add(5 * time.Second)
	for wp.Running() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("running jobs did not finish")
		}
		time.Sleep(5 * time.Millisecond)
	}

	select {
	case k := <-started:
		t.Fatalf("expected no job to start while suspended, %s started", k)
	case <-time.After(50 * time.Millisecond):
	}

	if j, ok := wp.Job("send:4"); !ok || j.State != Pending {
		t.Fatalf("expected job 4 to be pending, got %+v", j)
	}

	wp.Resume()

	select {
	case k := <-started:
		if k != "4" {
			t.Fatalf("expected job 4 to start, got %s", k)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("expected job 4 to start after resume")
	}
	wait(t, wp)
}

func TestCancel(t *testing.T) {
	rec := &stateRecorder{}
	wp := newPool(t, 1, WithStateObserver(rec.observe))

	running := make(chan struct{})
	ran := make(chan string, 10)

	wp.RegisterExecutor("send", func(ctx context.Context, j *Job) error {
		ran <- j.Key
		if j.Key == "slow" {
			close(running)
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	})

	if _, err := wp.Submit("send", "slow"); err != nil {
		t.Fatal(err)
	}
	<-running

	if _, err := wp.Submit("send", "queued"); err != nil {
		t.Fatal(err)
	}

	if !wp.Cancel("send:queued") {
		t.Fatal("expected pending job to be cancelled")
	}
	if !wp.Cancel("send:slow") {
		t.Fatal("expected running job to be cancelled")
	}
	if wp.Cancel("send:unknown") {
		t.Fatal("expected cancel of an unknown job to report false")
	}

	wait(t, wp)
	close(ran)

	var keys []string
	for k := range ran {
		keys = append(keys, k)
	}
	if diff := cmp.Diff([]string{"slow"}, keys); diff != "" {
		t.Fatalf("cancelled pending job must not run (-want +got):\n%s", diff)
	}

	if diff := cmp.Diff([]State{Pending, Cancelled}, rec.get("send:queued")); diff != "" {
		t.Fatalf("unexpected states of queued job (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]State{Pending, Running, Cancelled}, rec.get("send:slow")); diff != "" {
		t.Fatalf("unexpected states of running job (-want +got):\n%s", diff)
	}
}

func TestTransportFailureRetry(t *testing.T) {
	rec := &stateRecorder{}
	wp := newPool(t, 1, WithStateObserver(rec.observe), WithMaxJobErrorCount(5))

	attempts := 0
	wp.RegisterExecutor("send", func(ctx context.Context, j *Job) error {
		attempts++
		if attempts < 3 {
			return errors.Transport(fmt.Errorf("no ack"))
		}
		return nil
	})

	job, err := wp.Submit("send", "m1")
	if err != nil {
		t.Fatal(err)
	}
	wait(t, wp)

	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
	if job.ExecCount != 3 {
		t.Fatalf("expected exec count 3, got %d", job.ExecCount)
	}

	want := []State{Pending, Running, Pending, Running, Pending, Running, Completed}
	if diff := cmp.Diff(want, rec.get("send:m1")); diff != "" {
		t.Fatalf("unexpected state transitions (-want +got):\n%s", diff)
	}
}

func TestFailures(t *testing.T) {
	cases := []struct {
		name     string
		err      error
		attempts int
	}{
		{"transport failure exhausts retries", errors.Transport(fmt.Errorf("offline")), 3},
		{"permanent failure", PermanentFailure(errors.Transport(fmt.Errorf("gone"))), 1},
		{"other error", fmt.Errorf("boom"), 1},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			rec := &stateRecorder{}
			wp := newPool(t, 1, WithStateObserver(rec.observe), WithMaxJobErrorCount(2))

			attempts := 0
			wp.RegisterExecutor("send", func(ctx context.Context, j *Job) error {
				attempts++
				return c.err
			})

			job, err := wp.Submit("send", "m1")
			if err != nil {
				t.Fatal(err)
			}
			wait(t, wp)

			if attempts != c.attempts {
				t.Fatalf("expected %d attempts, got %d", c.attempts, attempts)
			}
			states := rec.get("send:m1")
			if states[len(states)-1] != Failed || job.Error == "" {
				t.Fatalf("expected job to fail with an error, got %v %q", states, job.Error)
			}
		})
	}
}

func TestMaintenanceMode(t *testing.T) {
	cfg := test.LoadConfig(t)
	db := test.GetDatabase(t, cfg)
	logger, _ := logtest.NewNullLogger()

	sys := system.NewService(system.NewGormStore(db), system.WithLogger(logger))
	if err := sys.SetAuthenticated(true); err != nil {
		t.Fatal(err)
	}
	if err := sys.SetMaintenanceMode(true); err != nil {
		t.Fatal(err)
	}

	store := NewGormStore(db)
	wp := newPool(t, 2, WithSystemService(sys), WithStore(store))

	ran := make(chan struct{}, 1)
	wp.RegisterExecutor("send", func(ctx context.Context, j *Job) error {
		ran <- struct{}{}
		return nil
	})

	job, err := wp.Submit("send", "m1")
	if err != nil {
		t.Fatal(err)
	}

	select {
	case <-ran:
		t.Fatal("expected no job to run in maintenance mode")
	case <-time.After(50 * time.Millisecond):
	}

	if err := sys.SetMaintenanceMode(false); err != nil {
		t.Fatal(err)
	}

	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("expected job to run after maintenance")
	}
	wait(t, wp)

	stored, err := store.Job(job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.State != Completed || stored.JobID != "send:m1" || stored.ExecCount != 1 {
		t.Fatalf("unexpected persisted job %+v", stored)
	}

	status, err := wp.Status()
	if err != nil {
		t.Fatal(err)
	}
	if status.JobsCompleted != 1 || status.JobsPending != 0 {
		t.Fatalf("unexpected status %+v", status)
	}

	if err := sys.SetAuthenticated(false); err != nil {
		t.Fatal(err)
	}
	if _, err := wp.Submit("send", "m2"); !errors.IsAuthenticationRequired(err) {
		t.Fatalf("expected authentication required after logout, got %v", err)
	}

	n, err := store.PruneJobs(time.Now().Add(time.Minute))
	if err != nil || n != 1 {
		t.Fatalf("expected 1 pruned job, got %d %v", n, err)
	}
}

func TestStop(t *testing.T) {
	logger, _ := logtest.NewNullLogger()
	wp := NewWorkerPool(1, WithLogger(logger))

	running := make(chan struct{})
	wp.RegisterExecutor("send", func(ctx context.Context, j *Job) error {
		if j.Key == "a" {
			close(running)
		}
		<-ctx.Done()
		return ctx.Err()
	})

	if _, err := wp.Submit("send", "a"); err != nil {
		t.Fatal(err)
	}
	<-running
	b, err := wp.Submit("send", "b")
	if err != nil {
		t.Fatal(err)
	}

	wp.Stop()
	wp.Stop()

	if b.State != Cancelled {
		t.Fatalf("expected pending job to be cancelled on stop, got %s", b.State)
	}
	if _, err := wp.Submit("send", "c"); !goerrors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
}
