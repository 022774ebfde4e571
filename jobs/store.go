package jobs

import (
	"time"

	"github.com/flow-hydraulics/blaze-client/datastore"
	"github.com/google/uuid"
)

// Store keeps the history of job executions. Live scheduling state is
// always held in memory; rows are written for diagnostics only.
type Store interface {
	Jobs(datastore.ListOptions) ([]Job, error)
	Job(id uuid.UUID) (Job, error)
	InsertJob(*Job) error
	UpdateJob(*Job) error
	Status() ([]StatusQuery, error)
	// PruneJobs deletes finished jobs last updated before t.
	PruneJobs(t time.Time) (int64, error)
}

type StatusQuery struct {
	State State
	Count int
}
