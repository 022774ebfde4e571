package main

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/flow-hydraulics/blaze-client/blaze"
	"github.com/flow-hydraulics/blaze-client/configs"
	"github.com/flow-hydraulics/blaze-client/courier"
	"github.com/flow-hydraulics/blaze-client/datastore/gorm"
	"github.com/flow-hydraulics/blaze-client/errors"
	"github.com/flow-hydraulics/blaze-client/handlers"
	"github.com/flow-hydraulics/blaze-client/jobs"
	"github.com/flow-hydraulics/blaze-client/keys"
	"github.com/flow-hydraulics/blaze-client/otel"
	"github.com/flow-hydraulics/blaze-client/system"
	"github.com/flow-hydraulics/blaze-client/transport"
	"github.com/gomodule/redigo/redis"
	log "github.com/sirupsen/logrus"
	upstreamgorm "gorm.io/gorm"
)

// App owns every long lived component. NewApp builds them in dependency
// order, Close tears them down in reverse.
type App struct {
	cfg *configs.Config

	db        *upstreamgorm.DB
	redisPool *redis.Pool

	idempotencyStore     handlers.IdempotencyStore
	idempotencyRedisPool *redis.Pool

	system   *system.Service
	keys     *keys.Service
	inbound  *blaze.Service
	outbound *blaze.Service
	jobStore jobs.Store
	pool     *jobs.WorkerPool
	uploads  *jobs.WorkerPool
	client   *transport.Client
	courier  *courier.Service
	server   *http.Server

	shutdownTracer func(context.Context) error

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewApp(ctx context.Context, cfg *configs.Config) (a *App, err error) {
	if cfg.LocalName == "" {
		return nil, fmt.Errorf("BLAZE_LOCAL_NAME must be set")
	}

	a = &App{cfg: cfg}
	a.ctx, a.cancel = context.WithCancel(context.Background())

	defer func() {
		if err != nil {
			a.Close()
			a = nil
		}
	}()

	a.shutdownTracer, err = otel.InitTracer(cfg)
	if err != nil {
		return a, fmt.Errorf("tracing: %w", err)
	}

	// Database
	a.db, err = gorm.New(cfg)
	if err != nil {
		return a, err
	}

	a.system = system.NewService(system.NewGormStore(a.db))

	// Key store
	crypter, err := keys.NewCrypter(ctx, cfg)
	if err != nil {
		return a, err
	}
	local := keys.Address{Name: cfg.LocalName, DeviceID: cfg.LocalDeviceID}
	a.keys = keys.NewService(keys.NewGormStore(a.db), local, keys.WithCrypter(crypter))

	// Blaze queues
	switch cfg.BlazeStoreType {
	case "redis":
		a.redisPool = blaze.NewRedisPool(cfg.BlazeRedisURL)
		prefix := "blaze:" + local.String()
		a.inbound = blaze.NewService("inbound", blaze.NewRedisStore(a.redisPool, prefix+":inbound"))
		a.outbound = blaze.NewService("outbound", blaze.NewRedisStore(a.redisPool, prefix+":outbound"))
	default:
		a.inbound = blaze.NewService("inbound", blaze.NewGormStore(a.db, blaze.InboundTable))
		a.outbound = blaze.NewService("outbound", blaze.NewGormStore(a.db, blaze.OutboundTable))
	}

	// Worker pools
	a.jobStore = jobs.NewGormStore(a.db)
	poolOpts := []jobs.WorkerPoolOption{
		jobs.WithSystemService(a.system),
		jobs.WithMaxJobErrorCount(cfg.MaxJobErrorCount),
		jobs.WithRetryDelay(cfg.JobRetryMin, cfg.JobRetryMax),
	}
	if cfg.PersistJobHistory {
		poolOpts = append(poolOpts, jobs.WithStore(a.jobStore))
	}

	a.pool = jobs.NewWorkerPool(cfg.WorkerCount, append(poolOpts, jobs.WithName("jobs"))...)
	a.uploads = jobs.NewWorkerPool(cfg.UploadWorkerCount, append(poolOpts, jobs.WithName("uploads"))...)

	// Nothing is sent before the first connect.
	a.uploads.Suspend()

	// Transport
	a.client = transport.NewClient(
		cfg.TransportURL,
		transport.WithAuthToken(cfg.TransportAuthToken),
		transport.WithAckTimeout(cfg.TransportAckTimeout),
		transport.WithReconnectDelay(cfg.ReconnectMin, cfg.ReconnectMax),
	)

	a.courier = courier.New(
		cfg, a.keys, a.inbound, a.outbound, a.pool, a.uploads, a.system, a.client,
		courier.WithSink(courier.SinkFunc(logMessage)),
		courier.WithBrokenSessionHandler(func(b courier.BrokenSession) {
			log.
				WithFields(log.Fields{"address": b.Address.String(), "failures": b.Failures, "error": b.Err}).
				Error("Session with peer broken, it is set up again on the next message")
		}),
	)

	if !cfg.DisableAdmin {
		if !cfg.DisableIdempotencyMiddleware {
			switch cfg.IdempotencyMiddlewareDatabaseType {
			case handlers.IdempotencyStoreTypeShared.String():
				a.idempotencyStore = handlers.NewIdempotencyStoreGorm(a.db)
			case handlers.IdempotencyStoreTypeRedis.String():
				a.idempotencyRedisPool = blaze.NewRedisPool(cfg.IdempotencyMiddlewareRedisURL)
				a.idempotencyStore = handlers.NewIdempotencyStoreRedis(a.idempotencyRedisPool)
			default:
				a.idempotencyStore = handlers.NewIdempotencyStoreLocal()
			}
		}

		a.server = &http.Server{
			Handler:      a.router(),
			Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			WriteTimeout: 0, // Disabled, set cfg.ServerTimeout instead
			ReadTimeout:  0, // Disabled, set cfg.ServerTimeout instead
		}
	}

	return a, nil
}

// Start connects to the message server, serves the admin API and schedules
// the periodic key maintenance.
func (a *App) Start() {
	a.client.Start(transport.Handlers{
		Inbound:      a.courier.HandleInbound,
		OnConnect:    a.courier.Online,
		OnDisconnect: a.courier.Offline,
	})
	log.Info("Started transport client")

	if a.server != nil {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()

			log.
				WithFields(log.Fields{"host": a.cfg.Host, "port": a.cfg.Port}).
				Info("Admin server listening")

			if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.WithFields(log.Fields{"error": err}).Warn("Admin server stopped")
			}
		}()
	}

	if a.cfg.SignedPreKeyRotationInterval > 0 {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.maintainKeys(a.cfg.SignedPreKeyRotationInterval)
		}()
	}
}

func (a *App) maintainKeys(interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-a.ctx.Done():
			return
		case <-t.C:
		}

		if err := a.courier.RotateSignedPreKey(); err != nil && !errors.IsAuthenticationRequired(err) {
			log.WithFields(log.Fields{"error": err}).Warn("Unable to schedule signed prekey rotation")
		}

		if s, ok := a.idempotencyStore.(*handlers.IdempotencyStoreGorm); ok {
			if _, err := s.Prune(); err != nil {
				log.WithFields(log.Fields{"error": err}).Warn("Unable to prune idempotency keys")
			}
		}

		if a.jobStore != nil && a.cfg.PersistJobHistory {
			n, err := a.jobStore.PruneJobs(time.Now().Add(-interval))
			if err != nil {
				log.WithFields(log.Fields{"error": err}).Warn("Unable to prune job history")
			} else if n > 0 {
				log.WithFields(log.Fields{"count": n}).Debug("Pruned job history")
			}
		}
	}
}

// Close is safe on a partially built App.
func (a *App) Close() {
	if a.cancel != nil {
		a.cancel()
	}

	if a.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		if err := a.server.Shutdown(ctx); err != nil {
			log.WithFields(log.Fields{"error": err}).Warn("Error in admin server shutdown")
		}
		cancel()
	}

	a.wg.Wait()

	if a.client != nil {
		a.client.Close()
		log.Info("Closed transport client")
	}

	if a.uploads != nil {
		a.uploads.Stop()
	}
	if a.pool != nil {
		a.pool.Stop()
	}
	log.Info("Stopped worker pools")

	if a.courier != nil {
		a.courier.Close()
	}

	if a.idempotencyRedisPool != nil {
		if err := a.idempotencyRedisPool.Close(); err != nil {
			log.WithFields(log.Fields{"error": err}).Warn("Unable to close idempotency redis pool")
		}
	}

	if a.redisPool != nil {
		if err := a.redisPool.Close(); err != nil {
			log.WithFields(log.Fields{"error": err}).Warn("Unable to close redis pool")
		}
	}

	if a.db != nil {
		gorm.Close(a.db)
		log.Info("Closed database")
	}

	if a.shutdownTracer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.shutdownTracer(ctx); err != nil {
			log.WithFields(log.Fields{"error": err}).Warn("Unable to flush traces")
		}
		cancel()
	}
}

// logMessage is the sink used when no UI is attached.
func logMessage(_ context.Context, m *courier.Message) error {
	log.
		WithFields(log.Fields{
			"messageId": m.ID,
			"sender":    m.Sender.String(),
			"groupId":   m.GroupID,
			"size":      len(m.Body),
		}).
		Info("Message received")
	return nil
}
