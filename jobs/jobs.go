// Package jobs schedules outbound work on bounded worker pools.
//
// A job is identified by "<type>:<key>". At most one job per identity is
// live (pending or running) at any time; submitting it again is rejected
// with ErrNotAccepted.
package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type Job struct {
	ID         uuid.UUID      `json:"id" gorm:"column:id;primary_key;type:uuid;"`
	JobID      string         `json:"jobId" gorm:"column:job_id;index"`
	Type       string         `json:"type" gorm:"column:type"`
	Key        string         `json:"key" gorm:"-"`
	State      State          `json:"state" gorm:"column:state;default:PENDING;index"`
	Error      string         `json:"error,omitempty" gorm:"column:error"`
	ExecCount  int            `json:"execCount" gorm:"column:exec_count;default:0"`
	Attributes datatypes.JSON `json:"attributes,omitempty" gorm:"column:attributes"`
	CreatedAt  time.Time      `json:"createdAt" gorm:"column:created_at"`
	UpdatedAt  time.Time      `json:"updatedAt" gorm:"column:updated_at"`

	ctx             context.Context
	cancel          context.CancelFunc
	cancelRequested bool
	retry           *time.Timer
	// earliest start of a retry held at the head of a single worker queue
	notBefore time.Time
}

func (Job) TableName() string {
	return "jobs"
}

// JobID returns the identity of a job of jobType operating on key.
func JobID(jobType, key string) string {
	return fmt.Sprintf("%s:%s", jobType, key)
}

// Context returns the job's cancellation context.
func (j *Job) Context() context.Context {
	if j.ctx == nil {
		return context.Background()
	}
	return j.ctx
}

func (j *Job) snapshot() Job {
	return Job{
		ID:         j.ID,
		JobID:      j.JobID,
		Type:       j.Type,
		Key:        j.Key,
		State:      j.State,
		Error:      j.Error,
		ExecCount:  j.ExecCount,
		Attributes: j.Attributes,
		CreatedAt:  j.CreatedAt,
		UpdatedAt:  j.UpdatedAt,
	}
}
