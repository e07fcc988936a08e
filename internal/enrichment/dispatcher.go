package enrichment

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/loqalabs/loqa-notepad/internal/config"
	"github.com/loqalabs/loqa-notepad/internal/eventstore"
	"github.com/loqalabs/loqa-notepad/internal/protocol"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/loqalabs/loqa-notepad/enrichment"

// Merger receives successful results.
type Merger interface {
	MergeEnrichment(protocol.EnrichmentResult)
}

type Publisher interface {
	PublishJSON(subject string, v any) error
}

type Recorder interface {
	Record(ctx context.Context, sessionID, eventType string, payload any)
}

// Dispatcher sends each closed sentence to the enricher on its own goroutine
// and merges results in completion order. Requests never cancel each other
// and outlive the recording session that produced them.
type Dispatcher struct {
	cfg      config.EnrichmentConfig
	enricher Enricher
	merger   Merger
	pub      Publisher
	rec      Recorder
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup

	tracer   trace.Tracer
	requests metric.Int64Counter
	failures metric.Int64Counter
	latency  metric.Float64Histogram
}

func NewDispatcher(parent context.Context, cfg config.EnrichmentConfig, enricher Enricher, merger Merger, pub Publisher, rec Recorder, logger *slog.Logger) *Dispatcher {
	ctx, cancel := context.WithCancel(parent)
	meter := otel.Meter(instrumentationName)
	d := &Dispatcher{
		cfg:      cfg,
		enricher: enricher,
		merger:   merger,
		pub:      pub,
		rec:      rec,
		logger:   logger.With(slog.String("component", "enrichment")),
		ctx:      ctx,
		cancel:   cancel,
		tracer:   otel.Tracer(instrumentationName),
	}
	d.requests, _ = meter.Int64Counter("notepad.enrichment.requests",
		metric.WithDescription("Enrichment requests issued"))
	d.failures, _ = meter.Int64Counter("notepad.enrichment.failures",
		metric.WithDescription("Enrichment requests that failed"))
	d.latency, _ = meter.Float64Histogram("notepad.enrichment.latency",
		metric.WithDescription("Enrichment round-trip latency"), metric.WithUnit("ms"))
	return d
}

// Dispatch starts enrichment for a closed sentence and returns immediately.
// It reports whether a request was issued.
func (d *Dispatcher) Dispatch(sessionID, sentence string) bool {
	if !d.cfg.Enabled || d.enricher == nil {
		return false
	}
	if utf8.RuneCountInString(strings.TrimSpace(sentence)) < d.cfg.MinChars {
		d.logger.Debug("sentence too short for enrichment", slog.String("session_id", sessionID))
		return false
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return false
	}
	d.wg.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.wg.Done()
		d.run(sessionID, sentence)
	}()
	return true
}

func (d *Dispatcher) run(sessionID, sentence string) {
	ctx := d.ctx
	if d.cfg.TimeoutMS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(d.cfg.TimeoutMS)*time.Millisecond)
		defer cancel()
	}
	ctx, span := d.tracer.Start(ctx, "enrichment.request",
		trace.WithAttributes(attribute.String("session.id", sessionID), attribute.Int("sentence.runes", utf8.RuneCountInString(sentence))))
	defer span.End()

	d.requests.Add(ctx, 1)
	start := time.Now()
	result, err := d.enricher.Enrich(ctx, sentence)
	latency := time.Since(start)
	d.latency.Record(ctx, float64(latency.Milliseconds()))

	if err != nil {
		d.failures.Add(ctx, 1)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		d.logger.Warn("enrichment failed",
			slog.String("session_id", sessionID),
			slog.Duration("latency", latency),
			slogError(err))
		if d.rec != nil {
			d.rec.Record(context.Background(), sessionID, eventstore.TypeEnrichmentFailed, map[string]string{
				"sentence": sentence,
				"error":    err.Error(),
			})
		}
		return
	}

	d.merger.MergeEnrichment(result)

	msg := protocol.EnrichmentMerged{
		SessionID: sessionID,
		Sentence:  sentence,
		Terms:     result.Terms,
		Notes:     result.Notes,
		LatencyMS: latency.Milliseconds(),
		Timestamp: time.Now().UTC(),
	}
	if d.pub != nil {
		if err := d.pub.PublishJSON(protocol.SubjectEnrichmentMerged, msg); err != nil {
			d.logger.Warn("publish enrichment result", slogError(err))
		}
	}
	if d.rec != nil {
		d.rec.Record(context.Background(), sessionID, eventstore.TypeEnrichmentMerged, msg)
	}
	d.logger.Info("enrichment merged",
		slog.String("session_id", sessionID),
		slog.Int("terms", len(result.Terms)),
		slog.Duration("latency", latency))
}

// Close stops accepting sentences and waits for in-flight requests. When ctx
// expires first the remaining requests are cancelled.
func (d *Dispatcher) Close(ctx context.Context) {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		d.logger.Warn("cancelling in-flight enrichment")
		d.cancel()
		<-done
	}
	d.cancel()
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
