package recognition

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-notepad/internal/config"
	"github.com/loqalabs/loqa-notepad/internal/protocol"
	"github.com/loqalabs/loqa-notepad/internal/token"
)

type fakeService struct {
	*httptest.Server
	release     chan struct{}
	releaseOnce sync.Once
	conns       chan *websocket.Conn
	queries     chan url.Values
	received    chan []byte
}

// newFakeService starts a websocket endpoint. When hold is set the upgrade
// waits until Release is called.
func newFakeService(t *testing.T, hold bool) *fakeService {
	t.Helper()
	f := &fakeService{
		conns:    make(chan *websocket.Conn, 1),
		queries:  make(chan url.Values, 1),
		received: make(chan []byte, 64),
	}
	if hold {
		f.release = make(chan struct{})
	}
	upgrader := websocket.Upgrader{}
	f.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if f.release != nil {
			<-f.release
		}
		select {
		case f.queries <- r.URL.Query():
		default:
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.conns <- conn
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if mt == websocket.BinaryMessage {
				select {
				case f.received <- data:
				default:
				}
			}
		}
	}))
	t.Cleanup(func() {
		f.Release()
		f.Close()
	})
	return f
}

func (f *fakeService) Release() {
	if f.release == nil {
		return
	}
	f.releaseOnce.Do(func() { close(f.release) })
}

func (f *fakeService) endpoint() string {
	return "ws" + strings.TrimPrefix(f.URL, "http") + "/api/v2/asr"
}

func (f *fakeService) conn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-f.conns:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("server never accepted a connection")
		return nil
	}
}

func newTestSession(endpoint string) *Session {
	cfg := config.RecognitionConfig{Endpoint: endpoint, HandshakeTimeoutMS: 2000, EventBuffer: 8}
	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewSession(cfg, logger)
}

var testCreds = token.Credentials{AppID: "app", Token: "tok", Timestamp: 1700000000}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func nextEvent(t *testing.T, s *Session) protocol.TranscriptEvent {
	t.Helper()
	select {
	case evt, ok := <-s.Events():
		if !ok {
			t.Fatal("events closed early")
		}
		return evt
	case <-time.After(2 * time.Second):
		t.Fatal("no transcript event")
		return protocol.TranscriptEvent{}
	}
}

func TestSessionStreamsEventsInOrder(t *testing.T) {
	svc := newFakeService(t, false)
	s := newTestSession(svc.endpoint())
	if s.State() != StateIdle {
		t.Fatalf("expected idle, got %s", s.State())
	}
	if err := s.Start(context.Background(), testCreds); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop()
	if s.State() != StateStreaming {
		t.Fatalf("expected streaming, got %s", s.State())
	}

	q := <-svc.queries
	if q.Get("appid") != "app" || q.Get("token") != "tok" || q.Get("timestamp") != "1700000000" {
		t.Fatalf("unexpected handshake query %v", q)
	}

	server := svc.conn(t)
	for _, msg := range []string{
		`{"payload_msg":{"text":"你"},"is_final":false}`,
		`not json`,
		`{"payload_msg":{}}`,
		`{"payload_msg":{"text":""}}`,
		`{"payload_msg":{"text":"你好"},"is_final":true}`,
	} {
		if err := server.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
			t.Fatalf("server write: %v", err)
		}
	}

	first := nextEvent(t, s)
	second := nextEvent(t, s)
	if first.Text != "你" || first.IsFinal {
		t.Fatalf("unexpected first event %+v", first)
	}
	if second.Text != "你好" || !second.IsFinal {
		t.Fatalf("unexpected second event %+v", second)
	}

	if !s.Send([]byte{1, 2, 3, 4}) {
		t.Fatal("send while streaming should succeed")
	}
	select {
	case got := <-svc.received:
		if string(got) != string([]byte{1, 2, 3, 4}) {
			t.Fatalf("server received % x", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server never received the chunk")
	}

	s.Stop()
	if s.State() != StateClosed {
		t.Fatalf("expected closed, got %s", s.State())
	}
	if err := s.Err(); err != nil {
		t.Fatalf("expected nil error after stop, got %v", err)
	}
	for range s.Events() {
		// drain until closed
	}
}

func TestSendWhileConnectingIsDropped(t *testing.T) {
	svc := newFakeService(t, true)
	s := newTestSession(svc.endpoint())
	defer s.Stop()

	if s.Send([]byte{9}) {
		t.Fatal("send while idle should be a no-op")
	}

	started := make(chan error, 1)
	go func() { started <- s.Start(context.Background(), testCreds) }()
	waitFor(t, "connecting", func() bool { return s.State() == StateConnecting })

	if s.Send([]byte{0xaa}) {
		t.Fatal("send while connecting should be a no-op")
	}

	svc.Release()
	if err := <-started; err != nil {
		t.Fatalf("start: %v", err)
	}
	if !s.Send([]byte{0xbb}) {
		t.Fatal("send after open should succeed")
	}
	select {
	case got := <-svc.received:
		if len(got) != 1 || got[0] != 0xbb {
			t.Fatalf("expected only the post-open chunk, got % x", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server never received the chunk")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	s := newTestSession("ws://127.0.0.1:1/asr")
	s.Stop()
	s.Stop()
	if s.State() != StateClosed {
		t.Fatalf("expected closed, got %s", s.State())
	}
	select {
	case <-s.Done():
	default:
		t.Fatal("done not closed after stop")
	}
	if _, ok := <-s.Events(); ok {
		t.Fatal("events should be closed")
	}
	if err := s.Start(context.Background(), testCreds); !errors.Is(err, ErrSessionUsed) {
		t.Fatalf("expected ErrSessionUsed, got %v", err)
	}
}

func TestStopDuringHandshake(t *testing.T) {
	svc := newFakeService(t, true)
	s := newTestSession(svc.endpoint())

	started := make(chan error, 1)
	go func() { started <- s.Start(context.Background(), testCreds) }()
	waitFor(t, "connecting", func() bool { return s.State() == StateConnecting })

	s.Stop()
	if s.State() != StateClosed {
		t.Fatalf("expected closed, got %s", s.State())
	}
	svc.Release()
	if err := <-started; !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
	if s.State() != StateClosed {
		t.Fatalf("handshake completion must not reopen, got %s", s.State())
	}
	if s.Send([]byte{1}) {
		t.Fatal("send after stop should be a no-op")
	}
}

func TestStopRacingStartWaitsForWorkers(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()
	endpoint := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v2/asr"

	for i := 0; i < 200; i++ {
		s := newTestSession(endpoint)
		s.cfg.PingIntervalMS = 1000

		started := make(chan error, 1)
		go func() { started <- s.Start(context.Background(), testCreds) }()
		time.Sleep(time.Duration(i%7) * 100 * time.Microsecond)
		s.Stop()

		err := <-started
		if err != nil && !errors.Is(err, ErrStopped) && !errors.Is(err, ErrSessionUsed) {
			t.Fatalf("iteration %d: unexpected start error %v", i, err)
		}
		if s.State() != StateClosed {
			t.Fatalf("iteration %d: expected closed, got %s", i, s.State())
		}
		// Stop has returned, so the reader must already be gone.
		select {
		case _, ok := <-s.Events():
			if ok {
				t.Fatalf("iteration %d: unexpected event after stop", i)
			}
		default:
			t.Fatalf("iteration %d: events still open after stop returned", i)
		}
	}
}

func TestServerDropSurfacesTransportError(t *testing.T) {
	svc := newFakeService(t, false)
	s := newTestSession(svc.endpoint())
	if err := s.Start(context.Background(), testCreds); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop()

	_ = svc.conn(t).Close()

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not close after the server dropped")
	}
	if s.State() != StateClosed {
		t.Fatalf("expected closed, got %s", s.State())
	}
	var te *TransportError
	if !errors.As(s.Err(), &te) || te.Op != "receive" {
		t.Fatalf("expected receive TransportError, got %v", s.Err())
	}
	if s.Send([]byte{1}) {
		t.Fatal("send after drop should be a no-op")
	}
	for range s.Events() {
		// drain until closed
	}
}

func TestHandshakeRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bad token", http.StatusUnauthorized)
	}))
	defer srv.Close()

	s := newTestSession("ws" + strings.TrimPrefix(srv.URL, "http"))
	err := s.Start(context.Background(), testCreds)
	var te *TransportError
	if !errors.As(err, &te) || te.Op != "dial" {
		t.Fatalf("expected dial TransportError, got %v", err)
	}
	if !strings.Contains(err.Error(), "401") {
		t.Fatalf("expected status in error, got %v", err)
	}
	if s.State() != StateClosed {
		t.Fatalf("expected closed, got %s", s.State())
	}
	if !errors.As(s.Err(), &te) {
		t.Fatalf("expected Err to report the failure, got %v", s.Err())
	}
}

func TestEndpointURL(t *testing.T) {
	got, err := endpointURL("wss://asr.example.com/api/v2/asr?cluster=x", testCreds)
	if err != nil {
		t.Fatalf("endpointURL: %v", err)
	}
	u, _ := url.Parse(got)
	q := u.Query()
	if q.Get("cluster") != "x" || q.Get("appid") != "app" || q.Get("token") != "tok" || q.Get("timestamp") != "1700000000" {
		t.Fatalf("unexpected query %v", q)
	}
	if _, err := endpointURL("https://asr.example.com", testCreds); err == nil {
		t.Fatal("expected http scheme to be rejected")
	}
}
