package jobs

import (
	goerrors "errors"
	"fmt"
	"net/http"

	"github.com/flow-hydraulics/blaze-client/datastore"
	"github.com/flow-hydraulics/blaze-client/errors"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Service defines the API for job HTTP handlers.
type Service struct {
	store Store
	pools []*WorkerPool
}

// NewService initiates a new job service.
func NewService(store Store, pools ...*WorkerPool) *Service {
	return &Service{store, pools}
}

func (s *Service) List(limit, offset int) ([]Job, error) {
	o := datastore.ParseListOptions(limit, offset)
	return s.store.Jobs(o)
}

// Details returns a specific job.
func (s *Service) Details(jobId string) (result Job, err error) {
	id, err := uuid.Parse(jobId)
	if err != nil {
		// Convert error to a 400 RequestError
		err = &errors.RequestError{
			StatusCode: http.StatusBadRequest,
			Err:        fmt.Errorf("invalid job id"),
		}
		return
	}

	// Get from datastore
	result, err = s.store.Job(id)
	if goerrors.Is(err, gorm.ErrRecordNotFound) {
		// Convert error to a 404 RequestError
		err = &errors.RequestError{
			StatusCode: http.StatusNotFound,
			Err:        fmt.Errorf("job not found"),
		}
		return
	}

	return
}

// Status returns the status of every pool by name.
func (s *Service) Status() (map[string]WorkerPoolStatus, error) {
	res := make(map[string]WorkerPoolStatus, len(s.pools))
	for _, wp := range s.pools {
		st, err := wp.Status()
		if err != nil {
			return nil, err
		}
		res[wp.Name()] = st
	}
	return res, nil
}

func (s *Service) Suspend() {
	for _, wp := range s.pools {
		wp.Suspend()
	}
}

func (s *Service) Resume() {
	for _, wp := range s.pools {
		wp.Resume()
	}
}
