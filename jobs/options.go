package jobs

import (
	"time"

	"github.com/flow-hydraulics/blaze-client/system"
	log "github.com/sirupsen/logrus"
	"gorm.io/datatypes"
)

type WorkerPoolOption func(*WorkerPool)
type JobOption func(*Job)

// StateObserver is called with a copy of a job after each state change.
type StateObserver func(Job)

// Authenticator gates Submit.
type Authenticator interface {
	IsAuthenticated() bool
}

// WithSystemService pauses dispatching while the system is in maintenance
// mode and rejects submits while it is logged out.
func WithSystemService(svc *system.Service) WorkerPoolOption {
	return func(wp *WorkerPool) {
		wp.systemService = svc
		wp.authenticator = svc
	}
}

func WithAuthenticator(a Authenticator) WorkerPoolOption {
	return func(wp *WorkerPool) {
		wp.authenticator = a
	}
}

func WithStore(store Store) WorkerPoolOption {
	return func(wp *WorkerPool) {
		wp.store = store
	}
}

func WithLogger(logger *log.Logger) WorkerPoolOption {
	return func(wp *WorkerPool) {
		wp.logger = logger
	}
}

func WithName(name string) WorkerPoolOption {
	return func(wp *WorkerPool) {
		wp.name = name
	}
}

func WithMaxJobErrorCount(count int) WorkerPoolOption {
	return func(wp *WorkerPool) {
		wp.maxJobErrorCount = count
	}
}

func WithRetryDelay(min, max time.Duration) WorkerPoolOption {
	return func(wp *WorkerPool) {
		wp.retryMin = min
		wp.retryMax = max
	}
}

func WithStateObserver(fn StateObserver) WorkerPoolOption {
	return func(wp *WorkerPool) {
		wp.observers = append(wp.observers, fn)
	}
}

func WithAttributes(attributes datatypes.JSON) JobOption {
	return func(job *Job) {
		job.Attributes = attributes
	}
}
