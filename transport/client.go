package transport

import (
	"context"
	goerrors "errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/flow-hydraulics/blaze-client/errors"
	"github.com/flow-hydraulics/blaze-client/keys/ratchet"
	"github.com/jpillora/backoff"
	log "github.com/sirupsen/logrus"
)

var (
	ErrNotConnected   = goerrors.New("transport: not connected")
	ErrConnectionLost = goerrors.New("transport: connection lost before ack")
	ErrAckTimeout     = goerrors.New("transport: no ack in time")
	ErrClientClosed   = goerrors.New("transport: client closed")
)

const (
	defaultAckTimeout   = 15 * time.Second
	defaultPingInterval = 30 * time.Second
)

// InboundHandler persists a pushed envelope. The server gets an ack only
// when it returns nil.
type InboundHandler func(ctx context.Context, env *Envelope) error

// Handlers are the callbacks of a started client. All are optional.
type Handlers struct {
	Inbound      InboundHandler
	OnConnect    func()
	OnDisconnect func()
}

// Client keeps one connection to the server alive, reconnecting with a
// jittered backoff, and correlates requests with their acks by frame id.
type Client struct {
	url          string
	header       http.Header
	logger       *log.Logger
	ackTimeout   time.Duration
	pingInterval time.Duration
	reconnectMin time.Duration
	reconnectMax time.Duration

	handlers Handlers

	mu      sync.Mutex
	conn    *Conn
	pending map[uint64]chan *Frame
	nextID  uint64
	started bool
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type ClientOption func(*Client)

func WithLogger(logger *log.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

func WithAuthToken(token string) ClientOption {
	return func(c *Client) {
		if token != "" {
			c.header.Set("Authorization", "Bearer "+token)
		}
	}
}

func WithAckTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.ackTimeout = d
	}
}

func WithPingInterval(d time.Duration) ClientOption {
	return func(c *Client) {
		c.pingInterval = d
	}
}

func WithReconnectDelay(min, max time.Duration) ClientOption {
	return func(c *Client) {
		c.reconnectMin = min
		c.reconnectMax = max
	}
}

func NewClient(url string, opts ...ClientOption) *Client {
	ctx, cancel := context.WithCancel(context.Background())

	c := &Client{
		url:          url,
		header:       http.Header{},
		ackTimeout:   defaultAckTimeout,
		pingInterval: defaultPingInterval,
		reconnectMin: time.Second,
		reconnectMax: time.Minute,
		pending:      make(map[uint64]chan *Frame),
		ctx:          ctx,
		cancel:       cancel,
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.logger == nil {
		c.logger = log.StandardLogger()
	}

	return c
}

// Start connects in the background and keeps reconnecting until Close.
func (c *Client) Start(h Handlers) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started || c.closed {
		return
	}
	c.started = true
	c.handlers = h

	c.wg.Add(1)
	go c.run()
}

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Close stops reconnecting and closes the current connection. Pending
// requests fail with a transport failure.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	c.cancel()
	if conn != nil {
		conn.Close()
	}
	c.wg.Wait()
}

func (c *Client) run() {
	defer c.wg.Done()

	b := &backoff.Backoff{
		Min:    c.reconnectMin,
		Max:    c.reconnectMax,
		Factor: 2,
		Jitter: true,
	}

	for {
		if c.ctx.Err() != nil {
			return
		}

		conn, err := Dial(c.ctx, c.url, c.header)
		if err != nil {
			d := b.Duration()
			c.logger.
				WithFields(log.Fields{"error": err, "retryIn": d}).
				Warn("Unable to connect to message server")

			select {
			case <-time.After(d):
				continue
			case <-c.ctx.Done():
				return
			}
		}
		b.Reset()

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			conn.CloseNow()
			return
		}
		c.conn = conn
		c.mu.Unlock()

		c.logger.WithFields(log.Fields{"url": c.url}).Info("Connected to message server")
		if c.handlers.OnConnect != nil {
			c.handlers.OnConnect()
		}

		err = c.serve(conn)

		c.mu.Lock()
		c.conn = nil
		for id, ch := range c.pending {
			close(ch)
			delete(c.pending, id)
		}
		c.mu.Unlock()
		conn.CloseNow()

		c.logger.WithFields(log.Fields{"error": err}).Info("Disconnected from message server")
		if c.handlers.OnDisconnect != nil {
			c.handlers.OnDisconnect()
		}
	}
}

// serve reads frames until the connection breaks.
func (c *Client) serve(conn *Conn) error {
	ctx, cancel := context.WithCancel(c.ctx)
	defer cancel()

	pingDone := make(chan struct{})
	go func() {
		defer close(pingDone)
		c.keepAlive(ctx, conn)
	}()
	defer func() { <-pingDone }()

	for {
		f, err := conn.ReadFrame(ctx)
		if err != nil {
			if goerrors.Is(err, ErrMalformedFrame) {
				c.logger.WithFields(log.Fields{"error": err}).Warn("Dropping malformed frame")
				continue
			}
			return err
		}

		switch f.Type {
		case FrameResponse:
			c.deliver(f)
		case FrameRequest:
			c.handle(ctx, conn, f)
		}
	}
}

func (c *Client) keepAlive(ctx context.Context, conn *Conn) {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, c.ackTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil && ctx.Err() == nil {
				c.logger.WithFields(log.Fields{"error": err}).Warn("Keep-alive failed, reconnecting")
				conn.CloseNow()
				return
			}
		}
	}
}

func (c *Client) deliver(f *Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch, ok := c.pending[f.ID]
	if !ok {
		c.logger.WithFields(log.Fields{"frameID": f.ID}).Debug("Response for unknown request")
		return
	}
	delete(c.pending, f.ID)
	ch <- f
}

// handle answers server pushes in arrival order.
func (c *Client) handle(ctx context.Context, conn *Conn, f *Frame) {
	resp := &Frame{ID: f.ID, Type: FrameResponse, Status: StatusOK}

	switch {
	case f.Action != ActionMessage || c.handlers.Inbound == nil:
		resp.Status = http.StatusNotFound
		resp.Error = fmt.Sprintf("unsupported action %q", f.Action)
	default:
		env, err := UnmarshalEnvelope(f.Data)
		if err != nil {
			resp.Status = http.StatusBadRequest
			resp.Error = err.Error()
			break
		}
		if err := c.handlers.Inbound(ctx, env); err != nil {
			c.logger.
				WithFields(log.Fields{"error": err, "messageId": env.ID}).
				Warn("Inbound message not accepted")
			resp.Status = http.StatusInternalServerError
			resp.Error = err.Error()
		}
	}

	if err := conn.WriteFrame(ctx, resp); err != nil {
		c.logger.WithFields(log.Fields{"error": err, "frameID": f.ID}).Debug("Unable to answer request")
	}
}

// Request sends a request and waits for its response. Network problems are
// returned as transport failures, a non-ok status as a RequestError.
func (c *Client) Request(ctx context.Context, action string, data []byte) (*Frame, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errors.Transport(ErrClientClosed)
	}
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return nil, errors.Transport(ErrNotConnected)
	}
	c.nextID++
	id := c.nextID
	ch := make(chan *Frame, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	req := &Frame{ID: id, Type: FrameRequest, Action: action, Data: data}
	if err := conn.WriteFrame(ctx, req); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errors.Transport(err)
	}

	timer := time.NewTimer(c.ackTimeout)
	defer timer.Stop()

	select {
	case f, ok := <-ch:
		if !ok {
			return nil, errors.Transport(ErrConnectionLost)
		}
		if f.Status != StatusOK {
			return f, &errors.RequestError{
				StatusCode: int(f.Status),
				Err:        fmt.Errorf("%s: %s", action, f.Error),
			}
		}
		return f, nil
	case <-timer.C:
		return nil, errors.Transport(ErrAckTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Send delivers a sealed envelope. A nil error means the server acked it.
func (c *Client) Send(ctx context.Context, env *Envelope) error {
	_, err := c.Request(ctx, ActionSendMessage, env.Marshal())
	return err
}

// FetchPreKeyBundle fetches the published bundle of a device, given as
// "<name>:<deviceId>".
func (c *Client) FetchPreKeyBundle(ctx context.Context, address string) (*ratchet.Bundle, error) {
	f, err := c.Request(ctx, ActionGetBundle, []byte(address))
	if err != nil {
		return nil, err
	}
	return UnmarshalBundle(f.Data)
}

func (c *Client) UploadKeys(ctx context.Context, u *KeyUpload) error {
	_, err := c.Request(ctx, ActionPutKeys, u.Marshal())
	return err
}
