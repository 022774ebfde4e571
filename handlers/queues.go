package handlers

import (
	"fmt"
	"net/http"
	"sort"

	"github.com/flow-hydraulics/blaze-client/blaze"
	"github.com/flow-hydraulics/blaze-client/errors"
	"github.com/gorilla/mux"
)

// Queues exposes the size of the blaze queues and lookups by message id.
// Payloads are never returned.
type Queues struct {
	queues map[string]*blaze.Service
}

type QueueJSON struct {
	Name  string `json:"name"`
	Count int64  `json:"count"`
}

type QueuedMessageJSON struct {
	MessageID string `json:"messageId"`
	Timestamp int64  `json:"timestamp"`
	Size      int    `json:"size"`
}

func NewQueues(queues ...*blaze.Service) *Queues {
	m := make(map[string]*blaze.Service, len(queues))
	for _, q := range queues {
		m[q.Name()] = q
	}
	return &Queues{m}
}

func (s *Queues) queue(r *http.Request) (*blaze.Service, error) {
	name := mux.Vars(r)["queue"]
	q, ok := s.queues[name]
	if !ok {
		return nil, &errors.RequestError{
			StatusCode: http.StatusNotFound,
			Err:        fmt.Errorf("queue %q not found", name),
		}
	}
	return q, nil
}

func (s *Queues) List() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		res := make([]QueueJSON, 0, len(s.queues))
		for name, q := range s.queues {
			n, err := q.Count(r.Context())
			if err != nil {
				handleError(rw, r, err)
				return
			}
			res = append(res, QueueJSON{Name: name, Count: n})
		}

		sort.Slice(res, func(i, j int) bool { return res[i].Name < res[j].Name })

		handleJsonResponse(rw, http.StatusOK, res)
	})
}

func (s *Queues) Count() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		q, err := s.queue(r)
		if err != nil {
			handleError(rw, r, err)
			return
		}

		n, err := q.Count(r.Context())
		if err != nil {
			handleError(rw, r, err)
			return
		}

		handleJsonResponse(rw, http.StatusOK, QueueJSON{Name: q.Name(), Count: n})
	})
}

func (s *Queues) Message() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		q, err := s.queue(r)
		if err != nil {
			handleError(rw, r, err)
			return
		}

		id := mux.Vars(r)["messageId"]
		m, err := q.Message(r.Context(), id)
		if err != nil {
			handleError(rw, r, err)
			return
		}
		if m == nil {
			handleError(rw, r, &errors.RequestError{
				StatusCode: http.StatusNotFound,
				Err:        fmt.Errorf("message not queued"),
			})
			return
		}

		handleJsonResponse(rw, http.StatusOK, QueuedMessageJSON{
			MessageID: m.MessageID,
			Timestamp: m.Timestamp,
			Size:      len(m.Message),
		})
	})
}
