package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-wallet/internal/assistant"
	"github.com/loqalabs/loqa-wallet/internal/bus"
	"github.com/loqalabs/loqa-wallet/internal/capture"
	"github.com/loqalabs/loqa-wallet/internal/config"
	"github.com/loqalabs/loqa-wallet/internal/dispatch"
	"github.com/loqalabs/loqa-wallet/internal/eventstore"
	"github.com/loqalabs/loqa-wallet/internal/natsserver"
	"github.com/loqalabs/loqa-wallet/internal/transfer"
	"golang.org/x/sync/errgroup"
)

type Runtime struct {
	cfg            config.Config
	logger         *slog.Logger
	httpServer     *http.Server
	metricsServer  *http.Server
	tracerClose    func(context.Context) error
	metricsHandler http.Handler
	ready          atomic.Bool

	nats      *natsserver.EmbeddedServer
	bus       *bus.Client
	store     *eventstore.Store
	assistant *assistant.Coordinator
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start brings every component up and blocks until ctx is cancelled or a
// server fails.
func (r *Runtime) Start(ctx context.Context) error {
	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry
	r.metricsHandler = metricsHandler

	if err := r.setup(ctx); err != nil {
		r.teardown()
		return err
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r.handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	if bind := r.cfg.Telemetry.PrometheusBind; bind != "" && r.metricsHandler != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", r.metricsHandler)
		r.metricsServer = &http.Server{Addr: bind, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return serve(r.httpServer)
	})
	if r.metricsServer != nil {
		g.Go(func() error {
			return serve(r.metricsServer)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		r.ready.Store(false)
		r.logger.Info("runtime stopping")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		var errs []error
		for _, srv := range []*http.Server{r.httpServer, r.metricsServer} {
			if srv == nil {
				continue
			}
			if err := srv.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr), slog.String("session_id", r.assistant.SessionID()))

	err = g.Wait()
	r.teardown()
	if err != nil {
		r.logger.Error("runtime stopped with error", slog.String("error", err.Error()))
	}
	return err
}

func serve(srv *http.Server) error {
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server %s: %w", srv.Addr, err)
	}
	return nil
}

// setup wires the bus, event store and assistant session.
func (r *Runtime) setup(ctx context.Context) error {
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
		client, err := bus.Connect(ctx, busCfg, r.logger)
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

	engine, err := capture.NewEngine(r.cfg.Capture, r.bus)
	if err != nil {
		return err
	}
	classifier, err := dispatch.NewClassifier(r.cfg.Dispatch)
	if err != nil {
		return err
	}
	submitter, err := transfer.NewSubmitter(r.cfg.Transfer)
	if err != nil {
		return err
	}

	r.assistant = assistant.New(ctx, r.cfg, assistant.Deps{
		Engine:     engine,
		Classifier: classifier,
		Submitter:  submitter,
		Bus:        r.bus,
		Store:      r.store,
	}, r.logger)
	if err := r.assistant.Start(); err != nil {
		return fmt.Errorf("start assistant: %w", err)
	}
	return nil
}

func (r *Runtime) teardown() {
	if r.assistant != nil {
		r.assistant.Close()
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Warn("event store close error", slog.String("error", err.Error()))
		}
	}
	r.bus.Close()
	r.nats.Shutdown()

	if r.tracerClose != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.tracerClose(ctx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}
