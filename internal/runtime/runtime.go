package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-notepad/internal/audio"
	"github.com/loqalabs/loqa-notepad/internal/bus"
	"github.com/loqalabs/loqa-notepad/internal/config"
	"github.com/loqalabs/loqa-notepad/internal/controller"
	"github.com/loqalabs/loqa-notepad/internal/enrichment"
	"github.com/loqalabs/loqa-notepad/internal/eventstore"
	"github.com/loqalabs/loqa-notepad/internal/natsserver"
	"github.com/loqalabs/loqa-notepad/internal/notebook"
	"github.com/loqalabs/loqa-notepad/internal/token"
	"github.com/nats-io/nats.go"
)

type Runtime struct {
	cfg            config.Config
	logger         *slog.Logger
	httpServer     *http.Server
	metricsServer  *http.Server
	telemetryClose func(context.Context) error

	nats       *natsserver.EmbeddedServer
	bus        *bus.Client
	store      *eventstore.Store
	notebook   *notebook.Notebook
	dispatcher *enrichment.Dispatcher
	controller *controller.Controller
	subs       []*nats.Subscription

	ready atomic.Bool
	wg    sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.telemetryClose = shutdownTelemetry

	if err := r.initComponents(ctx); err != nil {
		r.closeComponents(context.Background())
		r.closeTelemetry(context.Background())
		return err
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.serve(r.httpServer, "http")

	if metricsHandler != nil {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metricsHandler)
		r.metricsServer = &http.Server{
			Addr:              r.cfg.Telemetry.PrometheusBind,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		r.serve(r.metricsServer, "metrics")
	}

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr), slog.String("audio_mode", r.cfg.Audio.Mode))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	for _, srv := range []*http.Server{r.httpServer, r.metricsServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()

	r.closeComponents(shutdownCtx)
	r.closeTelemetry(shutdownCtx)
	return nil
}

func (r *Runtime) serve(srv *http.Server, name string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("server failed", slog.String("server", name), slog.String("error", err.Error()))
		}
	}()
}

// initComponents wires the bus, timeline, enrichment and controller.
func (r *Runtime) initComponents(ctx context.Context) error {
	if r.cfg.Bus.Enabled {
		ns, err := natsserver.Start(r.cfg.Bus, r.logger)
		if err != nil {
			return err
		}
		r.nats = ns

		busCfg := r.cfg.Bus
		if ns != nil {
			busCfg.Servers = []string{ns.ClientURL()}
		}
		client, err := bus.Connect(ctx, r.cfg.RuntimeName, busCfg, r.logger.With(slog.String("component", "bus")))
		if err != nil {
			return err
		}
		r.bus = client
	}

	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	r.store = store

	issuer, err := token.New(r.cfg.Token)
	if err != nil {
		return fmt.Errorf("build token issuer: %w", err)
	}

	var enricher enrichment.Enricher
	if r.cfg.Enrichment.Enabled {
		enricher, err = enrichment.New(r.cfg.Enrichment)
		if err != nil {
			return fmt.Errorf("build enricher: %w", err)
		}
	}

	r.notebook = notebook.New()
	r.dispatcher = enrichment.NewDispatcher(context.WithoutCancel(ctx), r.cfg.Enrichment, enricher, r.notebook, r.bus, r.store, r.logger)
	r.controller = controller.New(r.cfg, controller.Options{
		Issuer:     issuer,
		Capturers:  r.newCapturer,
		Notebook:   r.notebook,
		Dispatcher: r.dispatcher,
		Publisher:  r.bus,
		Timeline:   r.store,
	}, r.logger)

	if r.bus != nil {
		if err := r.subscribeControl(); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runtime) newCapturer() audio.Capturer {
	if r.cfg.Audio.Mode == "synthetic" {
		return audio.NewSyntheticCapturer(r.cfg.Audio, r.logger)
	}
	return audio.NewDeviceCapturer(r.cfg.Audio, r.logger)
}

func (r *Runtime) closeComponents(ctx context.Context) {
	if r.controller != nil {
		r.controller.Close()
	}
	if r.dispatcher != nil {
		r.dispatcher.Close(ctx)
	}
	for _, sub := range r.subs {
		_ = sub.Unsubscribe()
	}
	r.subs = nil
	r.bus.Close()
	r.nats.Shutdown()
	if err := r.store.Close(); err != nil {
		r.logger.Error("event store close error", slog.String("error", err.Error()))
	}
}

func (r *Runtime) closeTelemetry(ctx context.Context) {
	if r.telemetryClose == nil {
		return
	}
	if err := r.telemetryClose(ctx); err != nil {
		r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
	}
}
