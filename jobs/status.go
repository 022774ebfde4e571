package jobs

import "strings"

type State string

const (
	Unknown   State = "UNKNOWN"
	Pending   State = "PENDING"
	Running   State = "RUNNING"
	Completed State = "COMPLETED"
	Cancelled State = "CANCELLED"
	Failed    State = "FAILED"
)

// IsLive reports whether the state counts toward dedup and concurrency.
func (s State) IsLive() bool {
	return s == Pending || s == Running
}

func StateFromText(text string) State {
	switch strings.ToUpper(text) {
	default:
		return Unknown
	case "PENDING":
		return Pending
	case "RUNNING":
		return Running
	case "COMPLETED":
		return Completed
	case "CANCELLED":
		return Cancelled
	case "FAILED":
		return Failed
	}
}

type JobQueueStatus struct {
	JobsPending   int `json:"pending"`
	JobsRunning   int `json:"running"`
	JobsCompleted int `json:"completed"`
	JobsCancelled int `json:"cancelled"`
	JobsFailed    int `json:"failed"`
}

type WorkerPoolStatus struct {
	JobQueueStatus
	WorkerCount int  `json:"workerCount"`
	Suspended   bool `json:"suspended"`
	Maintenance bool `json:"maintenance"`
}
