package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/CZERTAINLY/daas/internal/api"
	"github.com/CZERTAINLY/daas/internal/callback"
	"github.com/CZERTAINLY/daas/internal/content"
	"github.com/CZERTAINLY/daas/internal/log"
	"github.com/CZERTAINLY/daas/internal/model"
	"github.com/CZERTAINLY/daas/internal/pipeline"
	"github.com/CZERTAINLY/daas/internal/queue"
	"github.com/CZERTAINLY/daas/internal/registry"
	"github.com/CZERTAINLY/daas/internal/store"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

var _ api.Service = (*pipeline.Pipeline)(nil)

// daas owns every long lived resource built from the configuration.
type daas struct {
	pipeline *pipeline.Pipeline
	store    *store.Store
	queue    *queue.Redis
}

func newDaas(ctx context.Context, cfg model.Config) (*daas, error) {
	reg, err := registry.FromConfig(cfg.Decompilers)
	if err != nil {
		return nil, fmt.Errorf("building registry: %w", err)
	}
	queueTimeout, err := cfg.QueueTimeout()
	if err != nil {
		return nil, err
	}
	callbackTimeout, err := cfg.CallbackTimeout()
	if err != nil {
		return nil, err
	}
	blobs, err := content.New(ctx, cfg.Content)
	if err != nil {
		return nil, fmt.Errorf("initializing content store: %w", err)
	}

	queueCfg := model.Queue{Addr: model.DefaultQueueAddr}
	if cfg.Queue != nil {
		queueCfg = *cfg.Queue
	}

	st, err := store.Open(ctx, cfg.StorePath())
	if err != nil {
		return nil, err
	}
	q := queue.New(queueCfg, queueTimeout)

	p := pipeline.New(pipeline.Deps{
		Registry:  reg,
		Samples:   st,
		Queue:     q,
		Callbacks: callback.NewManager(callback.NewRedisRegistrations(q.Client()), callbackTimeout),
		Content:   blobs,
	}).WithForcePolicy(cfg.ForcePolicy())

	slog.DebugContext(ctx, "daas initialized",
		"store", cfg.StorePath(),
		"queue", queueCfg.Addr,
		"decompilers", reg.Identifiers())
	return &daas{pipeline: p, store: st, queue: q}, nil
}

func (d *daas) Close() error {
	return errors.Join(d.queue.Close(), d.store.Close())
}

func doServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = log.ContextAttrs(ctx, slog.Group("daas",
		slog.String("cmd", "serve"),
		slog.Int("pid", os.Getpid()),
	))

	d, err := newDaas(ctx, config)
	if err != nil {
		return err
	}
	defer func() {
		if err := d.Close(); err != nil {
			slog.WarnContext(ctx, "closing resources failed", "error", err)
		}
	}()

	var schedule *model.Schedule
	if config.Reconcile != nil {
		schedule = config.Reconcile.Schedule
	}
	sweeper, err := pipeline.NewSweeper(ctx, d.pipeline, schedule, config.Parallelism())
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr: config.Listen(),
		Handler: api.New(d.pipeline, api.Options{
			MaxSize:       config.MaxSize(),
			AllowDownload: config.Service.AllowDownload,
		}).Handler(),
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.InfoContext(ctx, "listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serving http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return sweeper.Run(ctx)
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func doReconcile(cmd *cobra.Command, _ []string) error {
	ctx := log.ContextAttrs(cmd.Context(), slog.Group("daas",
		slog.String("cmd", "reconcile"),
		slog.Int("pid", os.Getpid()),
	))

	d, err := newDaas(ctx, config)
	if err != nil {
		return err
	}
	defer func() {
		if err := d.Close(); err != nil {
			slog.WarnContext(ctx, "closing resources failed", "error", err)
		}
	}()

	report, err := d.pipeline.Sweep(ctx, config.Parallelism())
	slog.InfoContext(ctx, "reconciled",
		"checked", report.Checked,
		"changed", report.Changed,
		"finished", report.Finished,
		"failed", report.Failed)
	return err
}
