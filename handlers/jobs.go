package handlers

import (
	"net/http"
	"strconv"

	"github.com/flow-hydraulics/blaze-client/jobs"
	"github.com/gorilla/mux"
)

// Jobs is a HTTP server for job history and the worker pools.
type Jobs struct {
	service *jobs.Service
}

func NewJobs(service *jobs.Service) *Jobs {
	return &Jobs{service}
}

func (s *Jobs) List() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		limit, _ := strconv.Atoi(r.FormValue("limit"))
		offset, _ := strconv.Atoi(r.FormValue("offset"))

		res, err := s.service.List(limit, offset)
		if err != nil {
			handleError(rw, r, err)
			return
		}

		handleJsonResponse(rw, http.StatusOK, res)
	})
}

// Details returns details regarding a job.
// It reads the job id for the wanted job from URL.
// Job service is responsible for validating the job id.
func (s *Jobs) Details() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)

		res, err := s.service.Details(vars["jobId"])
		if err != nil {
			handleError(rw, r, err)
			return
		}

		handleJsonResponse(rw, http.StatusOK, res)
	})
}

func (s *Jobs) Status() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		res, err := s.service.Status()
		if err != nil {
			handleError(rw, r, err)
			return
		}

		handleJsonResponse(rw, http.StatusOK, res)
	})
}

func (s *Jobs) Suspend() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		s.service.Suspend()
		rw.WriteHeader(http.StatusNoContent)
	})
}

func (s *Jobs) Resume() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		s.service.Resume()
		rw.WriteHeader(http.StatusNoContent)
	})
}
