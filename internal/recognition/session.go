package recognition

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/looplab/fsm"
	"github.com/loqalabs/loqa-notepad/internal/config"
	"github.com/loqalabs/loqa-notepad/internal/protocol"
	"github.com/loqalabs/loqa-notepad/internal/token"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
)

const (
	StateIdle       = "idle"
	StateConnecting = "connecting"
	StateStreaming  = "streaming"
	StateClosed     = "closed"

	eventConnect = "connect"
	eventOpen    = "open"
	eventClose   = "close"

	writeWait = 5 * time.Second
)

var (
	ErrSessionUsed = errors.New("recognition session already started")
	ErrStopped     = errors.New("recognition session stopped during handshake")
)

// TransportError reports a failed or dropped recognition connection.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("recognition transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Session is one streaming connection to the recognition service. It moves
// idle -> connecting -> streaming -> closed and is never reused.
type Session struct {
	cfg    config.RecognitionConfig
	dialer *websocket.Dialer
	logger *slog.Logger
	state  *fsm.FSM

	mu            sync.Mutex
	conn          *websocket.Conn
	closing       bool
	readerStarted bool
	cancelDial    context.CancelFunc
	err           error

	writeMu   sync.Mutex
	events    chan protocol.TranscriptEvent
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	ignored metric.Int64Counter
}

func NewSession(cfg config.RecognitionConfig, logger *slog.Logger) *Session {
	s := &Session{
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: time.Duration(cfg.HandshakeTimeoutMS) * time.Millisecond,
		},
		logger: logger.With(slog.String("component", "recognition")),
		events: make(chan protocol.TranscriptEvent, eventBuffer(cfg.EventBuffer)),
		done:   make(chan struct{}),
	}
	s.state = fsm.NewFSM(
		StateIdle,
		fsm.Events{
			{Name: eventConnect, Src: []string{StateIdle}, Dst: StateConnecting},
			{Name: eventOpen, Src: []string{StateConnecting}, Dst: StateStreaming},
			{Name: eventClose, Src: []string{StateIdle, StateConnecting, StateStreaming}, Dst: StateClosed},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				s.logger.Debug("recognition state", slog.String("from", e.Src), slog.String("to", e.Dst))
			},
		},
	)
	s.ignored, _ = otel.Meter("github.com/loqalabs/loqa-notepad/recognition").Int64Counter(
		"notepad.recognition.messages.ignored",
		metric.WithDescription("Inbound recognition messages dropped as malformed"))
	return s
}

// Start dials the recognition endpoint with the session credentials and
// returns once the handshake has completed.
func (s *Session) Start(ctx context.Context, creds token.Credentials) error {
	if err := s.state.Event(ctx, eventConnect); err != nil {
		return ErrSessionUsed
	}

	ctx, span := otel.Tracer("github.com/loqalabs/loqa-notepad/recognition").Start(ctx, "recognition.connect")
	defer span.End()
	span.SetAttributes(attribute.String("recognition.app_id", creds.AppID))

	target, err := endpointURL(s.cfg.Endpoint, creds)
	if err != nil {
		te := &TransportError{Op: "build url", Err: err}
		s.shutdown(te)
		span.SetStatus(codes.Error, te.Error())
		return te
	}

	dialCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return ErrStopped
	}
	s.cancelDial = cancel
	s.mu.Unlock()

	conn, resp, err := s.dialer.DialContext(dialCtx, target, nil)
	if err != nil {
		s.mu.Lock()
		stopped := s.closing
		s.mu.Unlock()
		if stopped {
			return ErrStopped
		}
		if resp != nil {
			err = fmt.Errorf("%w (status %s)", err, resp.Status)
		}
		te := &TransportError{Op: "dial", Err: err}
		s.shutdown(te)
		span.SetStatus(codes.Error, te.Error())
		return te
	}

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		_ = conn.Close()
		return ErrStopped
	}
	if err := s.state.Event(ctx, eventOpen); err != nil {
		s.mu.Unlock()
		_ = conn.Close()
		return fmt.Errorf("open recognition session: %w", err)
	}
	s.conn = conn
	s.readerStarted = true
	// Workers are counted before shutdown can observe the connection, so
	// Stop always waits for them.
	interval := time.Duration(s.cfg.PingIntervalMS) * time.Millisecond
	if interval > 0 {
		s.wg.Add(2)
	} else {
		s.wg.Add(1)
	}
	s.mu.Unlock()

	go s.readLoop(conn)
	if interval > 0 {
		go s.keepAlive(conn, interval)
	}
	s.logger.Info("recognition streaming", slog.String("endpoint", s.cfg.Endpoint))
	return nil
}

// Send transmits one encoded chunk. Outside the streaming state it is a
// no-op; chunks are never buffered or replayed.
func (s *Session) Send(chunk []byte) bool {
	if len(chunk) == 0 || !s.state.Is(StateStreaming) {
		return false
	}
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return false
	}

	s.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	err := conn.WriteMessage(websocket.BinaryMessage, chunk)
	s.writeMu.Unlock()
	if err != nil {
		s.shutdown(&TransportError{Op: "send", Err: err})
		return false
	}
	return true
}

// Events delivers transcript events in the order the service sent them. The
// channel is closed once the session is closed.
func (s *Session) Events() <-chan protocol.TranscriptEvent { return s.events }

// Done is closed when the session reaches the closed state.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the TransportError that closed the session, or nil after Stop.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// State returns the current state name.
func (s *Session) State() string { return s.state.Current() }

// Stop closes the session. Safe to call repeatedly and from any state.
func (s *Session) Stop() {
	s.shutdown(nil)
	s.wg.Wait()
}

func (s *Session) shutdown(cause error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closing = true
		s.err = cause
		conn := s.conn
		readerStarted := s.readerStarted
		cancelDial := s.cancelDial
		s.mu.Unlock()

		if cancelDial != nil {
			cancelDial()
		}

		_ = s.state.Event(context.Background(), eventClose)

		if conn != nil {
			if cause == nil {
				msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
				_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			}
			_ = conn.Close()
		}
		if !readerStarted {
			close(s.events)
		}
		close(s.done)

		if cause != nil {
			s.logger.Warn("recognition session failed", slogError(cause))
		} else {
			s.logger.Info("recognition session stopped")
		}
	})
}

func (s *Session) readLoop(conn *websocket.Conn) {
	defer s.wg.Done()
	defer close(s.events)

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			s.shutdown(&TransportError{Op: "receive", Err: err})
			return
		}
		if msgType != websocket.TextMessage {
			s.drop(protocol.IgnoreShape)
			continue
		}
		evt, outcome := protocol.ParseInbound(data)
		if outcome.Ignored() {
			s.drop(outcome)
			continue
		}
		select {
		case s.events <- evt:
		case <-s.done:
			return
		}
	}
}

func (s *Session) drop(outcome protocol.Outcome) {
	s.logger.Debug("ignored recognition message", slog.String("outcome", string(outcome)))
	if s.ignored != nil {
		s.ignored.Add(context.Background(), 1, metric.WithAttributes(attribute.String("outcome", string(outcome))))
	}
}

func (s *Session) keepAlive(conn *websocket.Conn, interval time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				s.shutdown(&TransportError{Op: "ping", Err: err})
				return
			}
		}
	}
}

func endpointURL(endpoint string, creds token.Credentials) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	q := u.Query()
	q.Set("appid", creds.AppID)
	q.Set("token", creds.Token)
	q.Set("timestamp", strconv.FormatInt(creds.Timestamp, 10))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func eventBuffer(n int) int {
	if n <= 0 {
		return 64
	}
	return n
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
