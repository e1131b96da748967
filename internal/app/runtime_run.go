package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/whysosaket/intercom-agent/internal/catalogsync"
	"github.com/whysosaket/intercom-agent/internal/heartbeat"
	"github.com/whysosaket/intercom-agent/internal/pipeline"
)

const livenessBeat = 20 * time.Second

// Initialize starts the pipeline stages and the docs index in order.
func (r *Runtime) Initialize(ctx context.Context) error {
	if err := pipeline.InitializeAll(ctx, r.components...); err != nil {
		return fmt.Errorf("initialize pipeline: %w", err)
	}
	return nil
}

func (r *Runtime) Run(ctx context.Context) error {
	if err := r.Initialize(ctx); err != nil {
		return err
	}
	r.logger.Info("intercom-agent runtime starting",
		"addr", r.cfg.HTTPAddr,
		"threshold", r.cfg.ConfidenceThreshold,
		"mock_mode", r.cfg.MockMode,
		"docs_root", r.docs.Root(),
	)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return runMonitored(groupCtx, r.heartbeat, "coordinator", livenessBeat, func(runCtx context.Context) error {
			return r.coordinator.Run(runCtx)
		})
	})
	group.Go(func() error {
		return runMonitored(groupCtx, r.heartbeat, "watcher", livenessBeat, func(runCtx context.Context) error {
			return r.watcher.Start(runCtx)
		})
	})
	group.Go(func() error {
		// A disabled scheduler reports itself; beating would mark it healthy.
		interval := time.Duration(0)
		if r.scheduler.Status().Enabled {
			interval = livenessBeat
		}
		return runMonitored(groupCtx, r.heartbeat, "scheduler", interval, func(runCtx context.Context) error {
			return r.scheduler.Start(runCtx)
		})
	})
	group.Go(func() error {
		return runMonitored(groupCtx, r.heartbeat, "api", livenessBeat, func(runCtx context.Context) error {
			err := r.httpServer.ListenAndServe()
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		})
	})
	group.Go(func() error {
		return r.heartbeatMonitor.Start(groupCtx)
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return r.httpServer.Shutdown(shutdownCtx)
	})

	return group.Wait()
}

// Sync runs one catalogue sync outside the server, from Intercom or from a
// saved snapshot.
func (r *Runtime) Sync(ctx context.Context, snapshotPath string, fromSnapshot bool) (catalogsync.Summary, error) {
	if err := r.Initialize(ctx); err != nil {
		return catalogsync.Summary{}, err
	}
	if fromSnapshot {
		return r.sync.SyncFromSnapshot(ctx, snapshotPath)
	}
	return r.sync.Sync(ctx)
}

// Close shuts stages down in reverse order, then flushes traces and closes
// the store.
func (r *Runtime) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	errs := []error{pipeline.ShutdownAll(ctx, r.components...)}
	errs = append(errs, r.telemetry.Shutdown(ctx))
	if r.store != nil {
		errs = append(errs, r.store.Close())
	}
	return errors.Join(errs...)
}

func runMonitored(
	ctx context.Context,
	reporter heartbeat.Reporter,
	component string,
	beatInterval time.Duration,
	run func(context.Context) error,
) error {
	if run == nil {
		return nil
	}
	if reporter != nil {
		reporter.Starting(component, "starting")
		reporter.Beat(component, "running")
	}

	var stopHeartbeat func()
	if reporter != nil && beatInterval > 0 {
		heartbeatCtx, cancel := context.WithCancel(ctx)
		stopHeartbeat = cancel
		go func() {
			ticker := time.NewTicker(beatInterval)
			defer ticker.Stop()
			for {
				select {
				case <-heartbeatCtx.Done():
					return
				case <-ticker.C:
					reporter.Beat(component, "running")
				}
			}
		}()
	}

	err := run(ctx)
	if stopHeartbeat != nil {
		stopHeartbeat()
	}
	if reporter == nil {
		return err
	}
	if err != nil && ctx.Err() == nil {
		reporter.Degrade(component, "component failed", err)
		return err
	}
	reporter.Stopped(component, "stopped")
	return err
}
