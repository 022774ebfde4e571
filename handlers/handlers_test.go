package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/flow-hydraulics/blaze-client/blaze"
	"github.com/flow-hydraulics/blaze-client/courier"
	"github.com/flow-hydraulics/blaze-client/internal/test"
	"github.com/flow-hydraulics/blaze-client/jobs"
	"github.com/flow-hydraulics/blaze-client/keys"
	"github.com/flow-hydraulics/blaze-client/keys/ratchet"
	"github.com/flow-hydraulics/blaze-client/system"
	"github.com/flow-hydraulics/blaze-client/transport"
	"github.com/gorilla/mux"
	logtest "github.com/sirupsen/logrus/hooks/test"
)

type nopTransport struct{}

func (nopTransport) Send(context.Context, *transport.Envelope) error { return nil }

func (nopTransport) FetchPreKeyBundle(context.Context, string) (*ratchet.Bundle, error) {
	return nil, nil
}

func (nopTransport) UploadKeys(context.Context, *transport.KeyUpload) error { return nil }

type fixture struct {
	router  *mux.Router
	system  *system.Service
	pool    *jobs.WorkerPool
	uploads *jobs.WorkerPool
	inbound *blaze.Service
}

func setup(t *testing.T) *fixture {
	t.Helper()

	cfg := test.LoadConfig(t)
	db := test.GetDatabase(t, cfg)
	logger, _ := logtest.NewNullLogger()

	f := &fixture{}

	f.system = system.NewService(system.NewGormStore(db), system.WithLogger(logger))
	ks := keys.NewService(keys.NewGormStore(db), keys.Address{Name: cfg.LocalName, DeviceID: cfg.LocalDeviceID}, keys.WithLogger(logger))
	f.inbound = blaze.NewService("inbound", blaze.NewGormStore(db, blaze.InboundTable), blaze.WithLogger(logger))
	outbound := blaze.NewService("outbound", blaze.NewGormStore(db, blaze.OutboundTable), blaze.WithLogger(logger))

	jobStore := jobs.NewGormStore(db)
	f.pool = jobs.NewWorkerPool(2, jobs.WithName("jobs"), jobs.WithStore(jobStore), jobs.WithSystemService(f.system), jobs.WithLogger(logger))
	f.uploads = jobs.NewWorkerPool(1, jobs.WithName("uploads"), jobs.WithStore(jobStore), jobs.WithSystemService(f.system), jobs.WithLogger(logger))

	c := courier.New(cfg, ks, f.inbound, outbound, f.pool, f.uploads, f.system, nopTransport{}, courier.WithLogger(logger))

	t.Cleanup(func() {
		f.uploads.Stop()
		f.pool.Stop()
		c.Close()
	})

	systemHandler := NewSystem(f.system)
	jobsHandler := NewJobs(jobs.NewService(jobStore, f.pool, f.uploads))
	queuesHandler := NewQueues(f.inbound, outbound)
	accountHandler := NewAccount(c)

	r := mux.NewRouter()
	rv := r.PathPrefix("/{apiVersion}").Subrouter()

	rv.HandleFunc("/health/ready", HandleHealthReady).Methods(http.MethodGet)
	rv.Handle("/health/liveness", Liveness(func() (interface{}, error) {
		return f.pool.Status()
	})).Methods(http.MethodGet)

	rv.Handle("/system/settings", systemHandler.GetSettings()).Methods(http.MethodGet)
	rv.Handle("/system/settings", systemHandler.SetSettings()).Methods(http.MethodPost)

	rv.Handle("/jobs", jobsHandler.List()).Methods(http.MethodGet)
	rv.Handle("/jobs/status", jobsHandler.Status()).Methods(http.MethodGet)
	rv.Handle("/jobs/suspend", jobsHandler.Suspend()).Methods(http.MethodPost)
	rv.Handle("/jobs/resume", jobsHandler.Resume()).Methods(http.MethodPost)
	rv.Handle("/jobs/{jobId}", jobsHandler.Details()).Methods(http.MethodGet)

	rv.Handle("/queues", queuesHandler.List()).Methods(http.MethodGet)
	rv.Handle("/queues/{queue}", queuesHandler.Count()).Methods(http.MethodGet)
	rv.Handle("/queues/{queue}/messages/{messageId}", queuesHandler.Message()).Methods(http.MethodGet)

	rv.Handle("/account/register", accountHandler.Register()).Methods(http.MethodPost)
	rv.Handle("/account/logout", accountHandler.Logout()).Methods(http.MethodPost)
	rv.Handle("/messages", accountHandler.Send()).Methods(http.MethodPost)

	f.router = r

	return f
}

type step struct {
	name     string
	method   string
	url      string
	body     string
	expected string
	status   int
}

func run(t *testing.T, h http.Handler, steps []step) {
	t.Helper()

	for _, s := range steps {
		t.Run(s.name, func(t *testing.T) {
			var req *http.Request
			if s.body != "" {
				req = httptest.NewRequest(s.method, s.url, strings.NewReader(s.body))
				req.Header.Set("Content-Type", "application/json")
			} else {
				req = httptest.NewRequest(s.method, s.url, nil)
			}

			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)

			if rr.Code != s.status {
				t.Errorf("handler returned wrong status code: got %v want %v (%s)", rr.Code, s.status, rr.Body.String())
			}

			if s.expected != "" {
				re := regexp.MustCompile(s.expected)
				if !re.MatchString(rr.Body.String()) {
					t.Errorf("handler returned unexpected body: got %q want %q", rr.Body.String(), s.expected)
				}
			}
		})
	}
}

func TestSystemHandlers(t *testing.T) {
	f := setup(t)

	run(t, f.router, []step{
		{
			name:   "ready",
			method: http.MethodGet,
			url:    "/v1/health/ready",
			status: http.StatusOK,
		},
		{
			name:     "liveness",
			method:   http.MethodGet,
			url:      "/v1/health/liveness",
			expected: `"workerCount":2`,
			status:   http.StatusOK,
		},
		{
			name:     "get settings",
			method:   http.MethodGet,
			url:      "/v1/system/settings",
			expected: `^\{"authenticated":false,"maintenanceMode":false\}\n$`,
			status:   http.StatusOK,
		},
		{
			name:     "set settings without body",
			method:   http.MethodPost,
			url:      "/v1/system/settings",
			expected: `empty body`,
			status:   http.StatusBadRequest,
		},
		{
			name:     "set settings invalid body",
			method:   http.MethodPost,
			url:      "/v1/system/settings",
			body:     `{"maintenanceMode":`,
			expected: `invalid body`,
			status:   http.StatusBadRequest,
		},
		{
			name:     "enable maintenance mode",
			method:   http.MethodPost,
			url:      "/v1/system/settings",
			body:     `{"maintenanceMode":true,"authenticated":true}`,
			expected: `^\{"authenticated":false,"maintenanceMode":true\}\n$`,
			status:   http.StatusOK,
		},
	})

	if !f.system.IsMaintenanceMode() {
		t.Error("expected maintenance mode to be persisted")
	}
	if f.system.IsAuthenticated() {
		t.Error("expected the settings API not to log the account in")
	}
}

func TestJobsHandlers(t *testing.T) {
	f := setup(t)

	run(t, f.router, []step{
		{
			name:   "suspend",
			method: http.MethodPost,
			url:    "/v1/jobs/suspend",
			status: http.StatusNoContent,
		},
		{
			name:     "status",
			method:   http.MethodGet,
			url:      "/v1/jobs/status",
			expected: `"uploads":\{[^}]*"suspended":true`,
			status:   http.StatusOK,
		},
		{
			name:   "resume",
			method: http.MethodPost,
			url:    "/v1/jobs/resume",
			status: http.StatusNoContent,
		},
		{
			name:     "details invalid id",
			method:   http.MethodGet,
			url:      "/v1/jobs/not-a-uuid",
			expected: `invalid job id`,
			status:   http.StatusBadRequest,
		},
		{
			name:     "details unknown id",
			method:   http.MethodGet,
			url:      "/v1/jobs/3f0f8ab0-7a4b-4b9d-9f3b-2b9c1f0b7e11",
			expected: `job not found`,
			status:   http.StatusNotFound,
		},
		{
			name:     "list empty",
			method:   http.MethodGet,
			url:      "/v1/jobs",
			expected: `^\[\]\n$`,
			status:   http.StatusOK,
		},
	})

	if f.pool.IsSuspended() || f.uploads.IsSuspended() {
		t.Error("expected pools to be resumed")
	}
}

func TestQueueHandlers(t *testing.T) {
	f := setup(t)

	if err := f.inbound.Enqueue(context.Background(), "m1", []byte{1, 2, 3}, 100); err != nil {
		t.Fatal(err)
	}

	run(t, f.router, []step{
		{
			name:     "list",
			method:   http.MethodGet,
			url:      "/v1/queues",
			expected: `^\[\{"name":"inbound","count":1\},\{"name":"outbound","count":0\}\]\n$`,
			status:   http.StatusOK,
		},
		{
			name:     "count",
			method:   http.MethodGet,
			url:      "/v1/queues/inbound",
			expected: `"count":1`,
			status:   http.StatusOK,
		},
		{
			name:     "unknown queue",
			method:   http.MethodGet,
			url:      "/v1/queues/nope",
			expected: `queue "nope" not found`,
			status:   http.StatusNotFound,
		},
		{
			name:     "queued message",
			method:   http.MethodGet,
			url:      "/v1/queues/inbound/messages/m1",
			expected: `^\{"messageId":"m1","timestamp":100,"size":3\}\n$`,
			status:   http.StatusOK,
		},
		{
			name:     "unknown message",
			method:   http.MethodGet,
			url:      "/v1/queues/inbound/messages/m2",
			expected: `message not queued`,
			status:   http.StatusNotFound,
		},
	})
}

func TestAccountHandlers(t *testing.T) {
	f := setup(t)

	run(t, f.router, []step{
		{
			name:     "send while logged out",
			method:   http.MethodPost,
			url:      "/v1/messages",
			body:     `{"recipient":"bob:1","body":"hi"}`,
			expected: `authentication required`,
			status:   http.StatusUnauthorized,
		},
		{
			name:     "register invalid body",
			method:   http.MethodPost,
			url:      "/v1/account/register",
			body:     `{"registrationId":0}`,
			expected: `invalid body`,
			status:   http.StatusBadRequest,
		},
		{
			name:   "register",
			method: http.MethodPost,
			url:    "/v1/account/register",
			body:   `{"registrationId":42}`,
			status: http.StatusNoContent,
		},
	})

	if !f.system.IsAuthenticated() {
		t.Fatal("expected the account to be logged in")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.pool.Wait(ctx); err != nil {
		t.Fatal(err)
	}

	run(t, f.router, []step{
		{
			name:   "logout",
			method: http.MethodPost,
			url:    "/v1/account/logout",
			status: http.StatusNoContent,
		},
	})

	if f.system.IsAuthenticated() {
		t.Fatal("expected the account to be logged out")
	}
}
