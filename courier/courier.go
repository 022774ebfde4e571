// Package courier moves messages between the key store, the durable queues
// and the transport. Outbound envelopes are removed from their queue only
// after the server acked them, inbound ones only after they were decrypted
// and handed to the sink.
package courier

import (
	"context"
	goerrors "errors"
	"sync/atomic"
	"time"

	"github.com/flow-hydraulics/blaze-client/blaze"
	"github.com/flow-hydraulics/blaze-client/configs"
	"github.com/flow-hydraulics/blaze-client/jobs"
	"github.com/flow-hydraulics/blaze-client/keys"
	"github.com/flow-hydraulics/blaze-client/keys/ratchet"
	"github.com/flow-hydraulics/blaze-client/syncmap"
	"github.com/flow-hydraulics/blaze-client/system"
	"github.com/flow-hydraulics/blaze-client/transport"
	log "github.com/sirupsen/logrus"
	"go.uber.org/ratelimit"
)

const (
	SendMessageJobType        = "send_message"
	ProcessInboundJobType     = "process_inbound"
	RefreshPreKeysJobType     = "refresh_prekeys"
	RotateSignedPreKeyJobType = "rotate_signed_prekey"

	inboundJobKey = "blaze"
)

// Transport is the server side of the courier. A nil error from Send means
// the server acked the envelope.
type Transport interface {
	Send(ctx context.Context, env *transport.Envelope) error
	FetchPreKeyBundle(ctx context.Context, address string) (*ratchet.Bundle, error)
	UploadKeys(ctx context.Context, u *transport.KeyUpload) error
}

// Message is a decrypted inbound message.
type Message struct {
	ID        string
	Sender    keys.Address
	GroupID   string
	Body      []byte
	Timestamp int64
}

// MessageSink receives decrypted messages. A message is removed from the
// inbound queue once Deliver returns nil.
type MessageSink interface {
	Deliver(ctx context.Context, m *Message) error
}

type SinkFunc func(ctx context.Context, m *Message) error

func (f SinkFunc) Deliver(ctx context.Context, m *Message) error {
	return f(ctx, m)
}

// BrokenSession is reported when sealing or opening for a peer failed
// too many times in a row. The session is archived by then.
type BrokenSession struct {
	Address  keys.Address
	Failures int
	Err      error
}

type Service struct {
	cfg       *configs.Config
	keys      *keys.Service
	inbound   *blaze.Service
	outbound  *blaze.Service
	pool      *jobs.WorkerPool
	uploads   *jobs.WorkerPool
	system    *system.Service
	transport Transport

	sink            MessageSink
	onBrokenSession func(BrokenSession)
	limiter         ratelimit.Limiter
	logger          *log.Logger

	// consecutive crypto failures by peer address
	failures *syncmap.Dictionary[string, int]
	// known device ids by peer name
	devices *syncmap.Dictionary[string, []uint32]
	// "<group>/<member>" entries our sender key was sent to
	distributed *syncmap.Dictionary[string, bool]
	// decrypted messages whose delivery to the sink failed, by message id
	decrypted *syncmap.Dictionary[string, *Message]
	// queued inbound messages that failed to open, by message id, with
	// the sender their failure was counted against
	parked *syncmap.Dictionary[string, keys.Address]

	inboundDirty atomic.Bool
	// last envelope timestamp, strictly increasing
	lastTimestamp atomic.Int64
}

type Option func(*Service)

func WithLogger(logger *log.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithSink(sink MessageSink) Option {
	return func(s *Service) {
		s.sink = sink
	}
}

func WithBrokenSessionHandler(fn func(BrokenSession)) Option {
	return func(s *Service) {
		s.onBrokenSession = fn
	}
}

func WithRateLimiter(l ratelimit.Limiter) Option {
	return func(s *Service) {
		s.limiter = l
	}
}

// New wires a courier and registers its executors: sends on the ordered
// uploads pool, everything else on the general pool.
func New(
	cfg *configs.Config,
	ks *keys.Service,
	inbound, outbound *blaze.Service,
	pool, uploads *jobs.WorkerPool,
	sys *system.Service,
	t Transport,
	opts ...Option,
) *Service {
	s := &Service{
		cfg:       cfg,
		keys:      ks,
		inbound:   inbound,
		outbound:  outbound,
		pool:      pool,
		uploads:   uploads,
		system:    sys,
		transport: t,

		failures:    syncmap.New[string, int](),
		devices:     syncmap.New[string, []uint32](),
		distributed: syncmap.New[string, bool](),
		decrypted:   syncmap.New[string, *Message](),
		parked:      syncmap.New[string, keys.Address](),
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.logger == nil {
		s.logger = log.StandardLogger()
	}

	if s.limiter == nil {
		if cfg.MessageMaxSendRate > 0 {
			s.limiter = ratelimit.New(cfg.MessageMaxSendRate)
		} else {
			s.limiter = ratelimit.NewUnlimited()
		}
	}

	uploads.RegisterExecutor(SendMessageJobType, s.executeSend)
	pool.RegisterExecutor(ProcessInboundJobType, s.executeProcessInbound)
	pool.RegisterExecutor(RefreshPreKeysJobType, s.executeRefreshPreKeys)
	pool.RegisterExecutor(RotateSignedPreKeyJobType, s.executeRotateSignedPreKey)

	return s
}

// Online resumes sending, replays the outbound queue and processes what
// arrived meanwhile. Called on every (re)connect.
func (s *Service) Online() {
	s.uploads.Resume()

	if !s.system.IsAuthenticated() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if n, err := s.Replay(ctx); err != nil {
		s.logger.WithFields(log.Fields{"error": err}).Warn("Unable to replay outbound queue")
	} else if n > 0 {
		s.logger.WithFields(log.Fields{"count": n}).Info("Replaying outbound queue")
	}

	s.triggerInbound()
}

// Offline holds back sends until the next Online.
func (s *Service) Offline() {
	s.uploads.Suspend()
}

// Close releases the caches. Pools and queues are owned by the caller.
func (s *Service) Close() {
	s.failures.Close()
	s.devices.Close()
	s.distributed.Close()
	s.decrypted.Close()
	s.parked.Close()
}

func submit(wp *jobs.WorkerPool, jobType, key string, opts ...jobs.JobOption) error {
	_, err := wp.Submit(jobType, key, opts...)
	if goerrors.Is(err, jobs.ErrNotAccepted) {
		return nil
	}
	return err
}
