package transport

import (
	"context"
	goerrors "errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/flow-hydraulics/blaze-client/errors"
	"github.com/flow-hydraulics/blaze-client/keys/ratchet"
	"github.com/google/go-cmp/cmp"
	logtest "github.com/sirupsen/logrus/hooks/test"
)

// fakeServer answers requests with respond and lets tests push frames to
// the connected client.
type fakeServer struct {
	t       *testing.T
	srv     *httptest.Server
	respond func(f *Frame) *Frame

	mu        sync.Mutex
	conn      *Conn
	connected chan *Conn
	responses chan *Frame
	requests  []*Frame
	auth      string
}

func newFakeServer(t *testing.T, respond func(f *Frame) *Frame) *fakeServer {
	s := &fakeServer{
		t:         t,
		respond:   respond,
		connected: make(chan *Conn, 4),
		responses: make(chan *Frame, 16),
	}

	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := Accept(w, r)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		defer conn.CloseNow()

		s.mu.Lock()
		s.conn = conn
		s.auth = r.Header.Get("Authorization")
		s.mu.Unlock()
		s.connected <- conn

		ctx := r.Context()
		for {
			f, err := conn.ReadFrame(ctx)
			if err != nil {
				return
			}
			if f.Type == FrameResponse {
				s.responses <- f
				continue
			}

			s.mu.Lock()
			s.requests = append(s.requests, f)
			s.mu.Unlock()

			if resp := s.respond(f); resp != nil {
				resp.ID = f.ID
				resp.Type = FrameResponse
				if err := conn.WriteFrame(ctx, resp); err != nil {
					return
				}
			}
		}
	}))
	t.Cleanup(s.srv.Close)

	return s
}

func (s *fakeServer) url() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func ack(*Frame) *Frame {
	return &Frame{Status: StatusOK}
}

func startClient(t *testing.T, s *fakeServer, h Handlers, opts ...ClientOption) *Client {
	t.Helper()

	logger, _ := logtest.NewNullLogger()
	opts = append([]ClientOption{
		WithLogger(logger),
		WithAckTimeout(200 * time.Millisecond),
		WithReconnectDelay(10*time.Millisecond, 50*time.Millisecond),
	}, opts...)

	c := NewClient(s.url(), opts...)
	c.Start(h)
	t.Cleanup(c.Close)

	select {
	case <-s.connected:
	case <-time.After(5 * time.Second):
		t.Fatal("client did not connect")
	}

	deadline := time.Now().Add(5 * time.Second)
	for !c.Connected() {
		if time.Now().After(deadline) {
			t.Fatal("client did not register the connection")
		}
		time.Sleep(5 * time.Millisecond)
	}

	return c
}

func TestCodec(t *testing.T) {
	env := &Envelope{
		ID:        "m1",
		Type:      EnvelopePreKey,
		Sender:    "alice:1",
		Recipient: "bob:2",
		Content:   []byte{0x02, 0x03},
		Timestamp: 1700000000000,
	}
	f := &Frame{ID: 7, Type: FrameRequest, Action: ActionSendMessage, Data: env.Marshal()}

	got, err := UnmarshalFrame(f.Marshal())
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(f, got); diff != "" {
		t.Fatalf("frame mismatch (-want +got):\n%s", diff)
	}

	gotEnv, err := UnmarshalEnvelope(got.Data)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(env, gotEnv); diff != "" {
		t.Fatalf("envelope mismatch (-want +got):\n%s", diff)
	}

	bundle := &ratchet.Bundle{RegistrationID: 9, DeviceID: 2, IdentityKey: []byte{1}, SignedPreKeyID: 3, SignedPreKey: []byte{2}, SignedPreKeySignature: []byte{3}}
	gotBundle, err := UnmarshalBundle(MarshalBundle(bundle))
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(bundle, gotBundle); diff != "" {
		t.Fatalf("bundle without prekey mismatch (-want +got):\n%s", diff)
	}

	upload := &KeyUpload{RegistrationID: 1, IdentityKey: []byte{1}, PreKeys: []PublicPreKey{{ID: 1, Key: []byte{4}}, {ID: 2, Key: []byte{5}}}}
	gotUpload, err := UnmarshalKeyUpload(upload.Marshal())
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(upload, gotUpload); diff != "" {
		t.Fatalf("upload mismatch (-want +got):\n%s", diff)
	}

	for _, b := range [][]byte{{0xff}, (&Frame{ID: 1, Type: 9}).Marshal()} {
		if _, err := UnmarshalFrame(b); !goerrors.Is(err, ErrMalformedFrame) {
			t.Errorf("expected malformed frame for %x, got %v", b, err)
		}
	}
	if _, err := UnmarshalEnvelope(nil); !goerrors.Is(err, ErrMalformedFrame) {
		t.Errorf("expected malformed envelope, got %v", err)
	}
}

func TestSend(t *testing.T) {
	s := newFakeServer(t, func(f *Frame) *Frame {
		env, err := UnmarshalEnvelope(f.Data)
		if err != nil {
			return &Frame{Status: http.StatusBadRequest, Error: err.Error()}
		}
		if env.Recipient == "nobody:1" {
			return &Frame{Status: http.StatusNotFound, Error: "unknown recipient"}
		}
		return ack(f)
	})
	c := startClient(t, s, Handlers{}, WithAuthToken("secret"))
	ctx := context.Background()

	if err := c.Send(ctx, &Envelope{ID: "m1", Recipient: "bob:1"}); err != nil {
		t.Fatalf("expected an ack, got %v", err)
	}

	s.mu.Lock()
	auth := s.auth
	s.mu.Unlock()
	if auth != "Bearer secret" {
		t.Errorf("expected bearer token, got %q", auth)
	}

	err := c.Send(ctx, &Envelope{ID: "m2", Recipient: "nobody:1"})
	var reqErr *errors.RequestError
	if !goerrors.As(err, &reqErr) || reqErr.StatusCode != http.StatusNotFound {
		t.Fatalf("expected a 404 request error, got %v", err)
	}
	if errors.IsTransportFailure(err) {
		t.Fatal("a rejected request is not a transport failure")
	}
}

func TestAckTimeout(t *testing.T) {
	s := newFakeServer(t, func(f *Frame) *Frame { return nil })
	c := startClient(t, s, Handlers{})

	err := c.Send(context.Background(), &Envelope{ID: "m1"})
	if !errors.IsTransportFailure(err) || !goerrors.Is(err, ErrAckTimeout) {
		t.Fatalf("expected an ack timeout transport failure, got %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.Send(ctx, &Envelope{ID: "m2"}); !goerrors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestNotConnected(t *testing.T) {
	c := NewClient("ws://127.0.0.1:1")
	defer c.Close()

	if err := c.Send(context.Background(), &Envelope{ID: "m1"}); !goerrors.Is(err, ErrNotConnected) || !errors.IsTransportFailure(err) {
		t.Fatalf("expected not connected transport failure, got %v", err)
	}
}

func TestFetchPreKeyBundle(t *testing.T) {
	want := &ratchet.Bundle{RegistrationID: 1, DeviceID: 2, IdentityKey: []byte{1}, SignedPreKeyID: 3, SignedPreKey: []byte{2}, SignedPreKeySignature: []byte{3}, PreKeyID: 4, PreKey: []byte{4}}

	s := newFakeServer(t, func(f *Frame) *Frame {
		if f.Action != ActionGetBundle || string(f.Data) != "bob:2" {
			return &Frame{Status: http.StatusNotFound}
		}
		return &Frame{Status: StatusOK, Data: MarshalBundle(want)}
	})
	c := startClient(t, s, Handlers{})

	got, err := c.FetchPreKeyBundle(context.Background(), "bob:2")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("bundle mismatch (-want +got):\n%s", diff)
	}

	if err := c.UploadKeys(context.Background(), &KeyUpload{}); err == nil {
		t.Fatal("expected the fake server to reject uploads")
	}
}

func TestInbound(t *testing.T) {
	s := newFakeServer(t, ack)

	var mu sync.Mutex
	var got []string
	inbound := func(ctx context.Context, env *Envelope) error {
		if env.ID == "bad" {
			return fmt.Errorf("disk full")
		}
		mu.Lock()
		got = append(got, env.ID)
		mu.Unlock()
		return nil
	}

	startClient(t, s, Handlers{Inbound: inbound})

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	ctx := context.Background()
	for i, id := range []string{"m1", "bad"} {
		env := &Envelope{ID: id, Sender: "bob:1"}
		push := &Frame{ID: uint64(100 + i), Type: FrameRequest, Action: ActionMessage, Data: env.Marshal()}
		if err := conn.WriteFrame(ctx, push); err != nil {
			t.Fatal(err)
		}
	}

	statuses := map[uint64]uint32{}
	for i := 0; i < 2; i++ {
		select {
		case f := <-s.responses:
			statuses[f.ID] = f.Status
		case <-time.After(5 * time.Second):
			t.Fatal("expected a response to the push")
		}
	}

	if diff := cmp.Diff(map[uint64]uint32{100: StatusOK, 101: http.StatusInternalServerError}, statuses); diff != "" {
		t.Fatalf("unexpected ack statuses (-want +got):\n%s", diff)
	}

	mu.Lock()
	defer mu.Unlock()
	if diff := cmp.Diff([]string{"m1"}, got); diff != "" {
		t.Fatalf("unexpected handled messages (-want +got):\n%s", diff)
	}
}

func TestReconnect(t *testing.T) {
	s := newFakeServer(t, ack)

	events := make(chan string, 8)
	c := startClient(t, s, Handlers{
		OnConnect:    func() { events <- "connect" },
		OnDisconnect: func() { events <- "disconnect" },
	})

	if e := <-events; e != "connect" {
		t.Fatalf("expected connect, got %s", e)
	}

	s.mu.Lock()
	s.conn.CloseNow()
	s.mu.Unlock()

	for _, want := range []string{"disconnect", "connect"} {
		select {
		case e := <-events:
			if e != want {
				t.Fatalf("expected %s, got %s", want, e)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("expected %s event", want)
		}
	}

	<-s.connected
	deadline := time.Now().Add(5 * time.Second)
	for !c.Connected() {
		if time.Now().After(deadline) {
			t.Fatal("client did not reconnect")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := c.Send(context.Background(), &Envelope{ID: "m1"}); err != nil {
		t.Fatalf("expected send after reconnect to succeed, got %v", err)
	}
}
