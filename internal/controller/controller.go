package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-notepad/internal/audio"
	"github.com/loqalabs/loqa-notepad/internal/config"
	"github.com/loqalabs/loqa-notepad/internal/eventstore"
	"github.com/loqalabs/loqa-notepad/internal/notebook"
	"github.com/loqalabs/loqa-notepad/internal/protocol"
	"github.com/loqalabs/loqa-notepad/internal/recognition"
	"github.com/loqalabs/loqa-notepad/internal/segmenter"
	"github.com/loqalabs/loqa-notepad/internal/token"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var (
	ErrAlreadyRecording = errors.New("a recording session is already active")
	ErrStopped          = errors.New("recording stopped before it started")
)

// CapturerFactory returns a fresh capturer for each session.
type CapturerFactory func() audio.Capturer

type Dispatcher interface {
	Dispatch(sessionID, sentence string) bool
}

type Publisher interface {
	PublishJSON(subject string, v any) error
}

// Timeline records session history.
type Timeline interface {
	BeginSession(ctx context.Context, sessionID, runtime string) error
	EndSession(ctx context.Context, sessionID, reason string) error
	Record(ctx context.Context, sessionID, eventType string, payload any)
}

// Controller runs at most one recording session at a time: credentials,
// recognition, capture, segmentation and enrichment hand-off.
type Controller struct {
	cfg        config.Config
	issuer     token.Issuer
	capturers  CapturerFactory
	notebook   *notebook.Notebook
	dispatcher Dispatcher
	pub        Publisher
	timeline   Timeline
	logger     *slog.Logger

	framesSent metric.Int64Counter
	sentences  metric.Int64Counter

	mu     sync.Mutex
	active *run
}

type run struct {
	id        string
	session   *recognition.Session
	capturer  audio.Capturer
	segmenter *segmenter.Segmenter

	// running is set under Controller.mu once capture and recognition are up.
	running   bool
	stopping  chan struct{}
	watchDone chan struct{}
	workers   sync.WaitGroup
	stopOnce  sync.Once
}

type Options struct {
	Issuer     token.Issuer
	Capturers  CapturerFactory
	Notebook   *notebook.Notebook
	Dispatcher Dispatcher
	Publisher  Publisher
	Timeline   Timeline
}

func New(cfg config.Config, opts Options, logger *slog.Logger) *Controller {
	meter := otel.Meter("github.com/loqalabs/loqa-notepad/controller")
	c := &Controller{
		cfg:        cfg,
		issuer:     opts.Issuer,
		capturers:  opts.Capturers,
		notebook:   opts.Notebook,
		dispatcher: opts.Dispatcher,
		pub:        opts.Publisher,
		timeline:   opts.Timeline,
		logger:     logger.With(slog.String("component", "controller")),
	}
	if c.notebook == nil {
		c.notebook = notebook.New()
	}
	c.framesSent, _ = meter.Int64Counter("notepad.audio.frames.sent",
		metric.WithDescription("Encoded audio chunks delivered to the recognition service"))
	c.sentences, _ = meter.Int64Counter("notepad.sentences.closed",
		metric.WithDescription("Sentences committed to the transcript"))
	return c
}

// Start opens a new session. Credentials are minted for every call. The
// pending session is visible to Stop while credentials and the handshake are
// in flight, so Stop never waits on the network.
func (c *Controller) Start(ctx context.Context) (string, error) {
	policy, err := segmenter.ParsePolicy(c.cfg.Segmenter.Policy)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	if c.active != nil {
		c.mu.Unlock()
		return "", ErrAlreadyRecording
	}
	r := &run{
		id:        uuid.NewString(),
		session:   recognition.NewSession(c.cfg.Recognition, c.logger),
		segmenter: segmenter.New(policy),
		stopping:  make(chan struct{}),
		watchDone: make(chan struct{}),
	}
	c.active = r
	c.mu.Unlock()
	logger := c.logger.With(slog.String("session_id", r.id))

	creds, err := c.issuer.Issue(ctx)
	if err != nil {
		return c.abort(r, fmt.Errorf("issue credentials: %w", err))
	}
	if err := r.session.Start(ctx, creds); err != nil {
		return c.abort(r, err)
	}

	r.capturer = c.capturers()
	frames, err := r.capturer.Open(context.Background())
	if err != nil {
		logger.Warn("audio capture unavailable", slogError(err))
		return c.abort(r, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active != r {
		r.session.Stop()
		_ = r.capturer.Close()
		return "", ErrStopped
	}
	r.running = true
	c.notebook.SetRecording(r.id, true)
	if c.timeline != nil {
		if err := c.timeline.BeginSession(context.Background(), r.id, c.cfg.RuntimeName); err != nil {
			logger.Warn("record session start", slogError(err))
		}
		c.timeline.Record(context.Background(), r.id, eventstore.TypeSessionStarted, map[string]string{"app_id": creds.AppID})
	}
	c.publish(protocol.SubjectSessionState, protocol.SessionState{SessionID: r.id, Recording: true, Timestamp: time.Now().UTC()})

	r.workers.Add(2)
	go c.pump(r, frames)
	go c.consume(r)
	go c.watch(r)

	logger.Info("recording started")
	return r.id, nil
}

// abort releases a run that never started streaming. A Stop that already
// claimed the run wins over err.
func (c *Controller) abort(r *run, err error) (string, error) {
	c.mu.Lock()
	stopped := c.active != r
	if !stopped {
		c.active = nil
	}
	c.mu.Unlock()

	r.session.Stop()
	if r.capturer != nil {
		_ = r.capturer.Close()
	}
	if stopped {
		return "", ErrStopped
	}
	return "", err
}

// Stop ends the active session, if any. A session still connecting is cut
// short. In-flight enrichment is left to finish on its own.
func (c *Controller) Stop() {
	c.mu.Lock()
	r := c.active
	c.active = nil
	running := r != nil && r.running
	c.mu.Unlock()
	if r == nil {
		return
	}
	if !running {
		r.session.Stop()
		return
	}
	c.teardown(r, "stopped")
	<-r.watchDone
}

// Recording reports whether a session is active.
func (c *Controller) Recording() bool { return c.notebook.Recording() }

func (c *Controller) Snapshot() notebook.Snapshot { return c.notebook.Snapshot() }

func (c *Controller) Close() { c.Stop() }

func (c *Controller) pump(r *run, frames <-chan audio.Frame) {
	defer r.workers.Done()
	for frame := range frames {
		if r.session.Send(audio.Encode(frame)) {
			c.framesSent.Add(context.Background(), 1)
		}
	}
}

// consume is the single reader of transcript events, so segmentation sees
// them in arrival order.
func (c *Controller) consume(r *run) {
	defer r.workers.Done()
	for evt := range r.session.Events() {
		update := r.segmenter.Apply(evt)
		if !update.HasClosed() {
			c.notebook.SetCurrent(update.Current)
			c.publish(protocol.SubjectTranscriptPartial, protocol.PartialTranscript{
				SessionID: r.id,
				Text:      update.Current,
				Timestamp: time.Now().UTC(),
			})
			continue
		}

		index := c.notebook.CloseSentence(update.Closed)
		c.sentences.Add(context.Background(), 1)
		closed := protocol.SentenceClosed{
			SessionID: r.id,
			Index:     index,
			Text:      update.Closed,
			Trigger:   string(update.Trigger),
			Timestamp: time.Now().UTC(),
		}
		c.publish(protocol.SubjectSentenceClosed, closed)
		if c.timeline != nil {
			c.timeline.Record(context.Background(), r.id, eventstore.TypeSentenceClosed, closed)
		}
		if c.dispatcher != nil {
			c.dispatcher.Dispatch(r.id, update.Closed)
		}
	}
}

// watch tears the run down when the transport fails underneath it.
func (c *Controller) watch(r *run) {
	defer close(r.watchDone)
	select {
	case <-r.stopping:
		return
	case <-r.session.Done():
	}
	err := r.session.Err()
	if err == nil {
		return
	}

	c.logger.Warn("recording interrupted", slog.String("session_id", r.id), slogError(err))
	if c.timeline != nil {
		c.timeline.Record(context.Background(), r.id, eventstore.TypeSessionFailed, map[string]string{"error": err.Error()})
	}
	c.teardown(r, "transport_error")
	c.mu.Lock()
	if c.active == r {
		c.active = nil
	}
	c.mu.Unlock()
}

func (c *Controller) teardown(r *run, reason string) {
	r.stopOnce.Do(func() {
		close(r.stopping)
		r.session.Stop()
		if err := r.capturer.Close(); err != nil {
			c.logger.Warn("close capturer", slog.String("session_id", r.id), slogError(err))
		}
		r.workers.Wait()

		r.segmenter.Reset()
		c.notebook.ClearCurrent()
		c.notebook.SetRecording(r.id, false)
		if c.timeline != nil {
			c.timeline.Record(context.Background(), r.id, eventstore.TypeSessionStopped, map[string]string{"reason": reason})
			if err := c.timeline.EndSession(context.Background(), r.id, reason); err != nil {
				c.logger.Warn("record session end", slogError(err))
			}
		}
		c.publish(protocol.SubjectSessionState, protocol.SessionState{
			SessionID: r.id,
			Recording: false,
			Reason:    reason,
			Timestamp: time.Now().UTC(),
		})
		c.logger.Info("recording stopped", slog.String("session_id", r.id), slog.String("reason", reason))
	})
}

func (c *Controller) publish(subject string, v any) {
	if c.pub == nil {
		return
	}
	if err := c.pub.PublishJSON(subject, v); err != nil {
		c.logger.Warn("publish failed", slog.String("subject", subject), slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
