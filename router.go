package main

import (
	"net/http"

	"github.com/flow-hydraulics/blaze-client/handlers"
	"github.com/flow-hydraulics/blaze-client/jobs"
	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gorilla/mux/otelmux"
)

func (a *App) router() http.Handler {
	systemHandler := handlers.NewSystem(a.system)
	jobsService := jobs.NewService(a.jobStore, a.pool, a.uploads)
	jobsHandler := handlers.NewJobs(jobsService)
	queuesHandler := handlers.NewQueues(a.inbound, a.outbound)
	accountHandler := handlers.NewAccount(a.courier)

	r := mux.NewRouter()
	r.Use(otelmux.Middleware("blaze-client"))

	// Catch the api version
	rv := r.PathPrefix("/{apiVersion}").Subrouter()

	// Debug
	rv.Handle("/debug", handlers.Debug("https://github.com/flow-hydraulics/blaze-client", sha1ver, buildTime)).Methods(http.MethodGet)

	// Health
	rv.HandleFunc("/health/ready", handlers.HandleHealthReady).Methods(http.MethodGet)
	rv.Handle("/health/liveness", handlers.Liveness(func() (interface{}, error) {
		return jobsService.Status()
	})).Methods(http.MethodGet)

	// System
	rv.Handle("/system/settings", systemHandler.GetSettings()).Methods(http.MethodGet)
	rv.Handle("/system/settings", systemHandler.SetSettings()).Methods(http.MethodPost)

	// Jobs
	rv.Handle("/jobs", jobsHandler.List()).Methods(http.MethodGet)
	rv.Handle("/jobs/status", jobsHandler.Status()).Methods(http.MethodGet)
	rv.Handle("/jobs/suspend", jobsHandler.Suspend()).Methods(http.MethodPost)
	rv.Handle("/jobs/resume", jobsHandler.Resume()).Methods(http.MethodPost)
	rv.Handle("/jobs/{jobId}", jobsHandler.Details()).Methods(http.MethodGet)

	// Blaze queues
	rv.Handle("/queues", queuesHandler.List()).Methods(http.MethodGet)
	rv.Handle("/queues/{queue}", queuesHandler.Count()).Methods(http.MethodGet)
	rv.Handle("/queues/{queue}/messages/{messageId}", queuesHandler.Message()).Methods(http.MethodGet)

	// Account
	rv.Handle("/account/register", handlers.UseJson(accountHandler.Register())).Methods(http.MethodPost)
	rv.Handle("/account/logout", accountHandler.Logout()).Methods(http.MethodPost)
	rv.Handle("/account/prekeys", accountHandler.RefreshPreKeys()).Methods(http.MethodPost)
	rv.Handle("/account/signed-prekey", accountHandler.RotateSignedPreKey()).Methods(http.MethodPost)

	// Messages
	var send http.Handler = handlers.UseJson(accountHandler.Send())
	if a.idempotencyStore != nil {
		send = handlers.UseIdempotency(send, handlers.IdempotencyHandlerOptions{
			Expiry: a.cfg.IdempotencyKeyExpiry,
		}, a.idempotencyStore)
	}
	rv.Handle("/messages", send).Methods(http.MethodPost)

	h := http.TimeoutHandler(r, a.cfg.ServerTimeout, "request timed out")
	h = handlers.UseCors(h)
	h = handlers.UseLogging(h, log.StandardLogger())
	h = handlers.UseCompress(h)

	return h
}
