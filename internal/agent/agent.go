// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package agent assembles the governor pipeline: receiver, processor,
// bridge, orchestrator and the publication listeners, built from one
// immutable Config and torn down in dependency order.
package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/sessionops/governor/internal/alerts"
	"github.com/sessionops/governor/internal/bridge"
	"github.com/sessionops/governor/internal/config"
	"github.com/sessionops/governor/internal/events"
	"github.com/sessionops/governor/internal/logs"
	"github.com/sessionops/governor/internal/optimizer"
	"github.com/sessionops/governor/internal/orchestrator"
	"github.com/sessionops/governor/internal/otlp"
	"github.com/sessionops/governor/internal/processor"
	"github.com/sessionops/governor/internal/self_metrics"
	"github.com/sessionops/governor/internal/session"
	"github.com/sessionops/governor/internal/store"
	"github.com/sessionops/governor/internal/version"
	"github.com/sessionops/governor/internal/web"
)

const (
	ingestReadTimeout = 5 * time.Second
	drainDeadline     = 5 * time.Second
	shutdownTimeout   = 5 * time.Second

	// headerTimeout bounds the request handshake on the api, health and
	// prometheus listeners. Established SSE streams are unaffected.
	headerTimeout = 30 * time.Second
)

// Agent owns every pipeline component for one governor process.
type Agent struct {
	Config config.Config
	Logger logs.StructuredLogger

	Bus          *events.Bus
	Registry     *session.Registry
	Optimizer    *optimizer.Optimizer
	Store        store.Store
	Metrics      *self_metrics.Metrics
	Receiver     *otlp.Receiver
	Processor    *processor.Processor
	Bridge       *bridge.Bridge
	Alerts       *alerts.Engine
	Orchestrator *orchestrator.Orchestrator
	Web          *web.Server
}

// New wires the components. It opens the state store; the caller owns the
// returned agent and must Run it (Run closes the store on the way out).
func New(cfg config.Config, logger logs.StructuredLogger) (*Agent, error) {
	if logger == nil {
		logger = logs.Default()
	}

	var st store.Store
	var err error
	switch cfg.StoreEngine {
	case "bolt":
		st, err = store.NewBoltStore(cfg.StateDir)
	default:
		st, err = store.NewFileStore(cfg.StateDir, logger)
	}
	if err != nil {
		return nil, fmt.Errorf("opening %s state store in %q: %w", cfg.StoreEngine, cfg.StateDir, err)
	}

	bus := events.NewBus(cfg.SSEReplayBuffer)
	registry := session.NewRegistry(session.Options{
		WindowSize:          cfg.ContextWindowSize,
		MaxSessions:         cfg.MaxConcurrentSessions,
		RetentionAfterClose: cfg.RetentionAfterClose,
		Logger:              logger,
		Bus:                 bus,
	})
	metrics := self_metrics.New(bus.Dropped, registry.Collisions)
	opt := optimizer.New(optimizer.Defaults{
		Checkpoint: cfg.CheckpointThreshold,
		Warning:    cfg.WarningThreshold,
		Compaction: cfg.CompactionThreshold,
	})
	alertEngine := alerts.New(alerts.Options{
		Registry: registry,
		Bus:      bus,
		Logger:   logger,
	})

	receiver := otlp.NewReceiver(otlp.ReceiverOptions{
		Strict:  cfg.StrictSessionID,
		Logger:  logger,
		Metrics: metrics,
	})
	proc := processor.New(processor.Options{
		Registry:  registry,
		Optimizer: opt,
		Bus:       bus,
		Logger:    logger,
		Metrics:   metrics,
	})
	br := bridge.New(bridge.Options{
		Optimizer:                opt,
		Alerts:                   alertEngine,
		Bus:                      bus,
		Logger:                   logger,
		Metrics:                  metrics,
		CompactionDropFraction:   cfg.CompactionDropFraction,
		HighVelocityTokensPerSec: cfg.HighVelocityTokensPerSec,
	})
	orch := orchestrator.New(orchestrator.Options{
		Registry:  registry,
		Optimizer: opt,
		Store:     st,
		Bus:       bus,
		Alerts:    alertEngine,
		Logger:    logger,
	})
	srv := web.NewServer(web.Options{
		Registry: registry,
		Bus:      bus,
		Alerts:   alertEngine,
		Ender:    orch,
		Receiver: receiver,
		Ready:    orch.Operational,
		PromReg:  metrics.Registry(),
		Logger:   logger,
	})

	return &Agent{
		Config:       cfg,
		Logger:       logger,
		Bus:          bus,
		Registry:     registry,
		Optimizer:    opt,
		Store:        st,
		Metrics:      metrics,
		Receiver:     receiver,
		Processor:    proc,
		Bridge:       br,
		Alerts:       alertEngine,
		Orchestrator: orch,
		Web:          srv,
	}, nil
}

// startPipeline launches the consuming goroutines. The returned stop
// function cancels them and waits for the orchestrator to flush.
func (a *Agent) startPipeline(ctx context.Context) (stop func()) {
	pipeCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(4)
	go func() {
		defer wg.Done()
		a.Registry.RunJanitor(pipeCtx)
	}()
	go func() {
		defer wg.Done()
		a.Processor.Run(pipeCtx, a.Receiver.Points())
	}()
	go func() {
		defer wg.Done()
		a.Bridge.Run(pipeCtx, a.Processor.Updates())
	}()
	go func() {
		defer wg.Done()
		a.Orchestrator.Run(pipeCtx, a.Bridge.Decisions())
	}()
	return func() {
		cancel()
		wg.Wait()
	}
}

// Run serves until ctx is cancelled, then shuts down in order: ingestion
// stops accepting, the point queue drains, the orchestrator flushes durable
// writes, the store closes last.
func (a *Agent) Run(ctx context.Context) error {
	a.Logger.Infof("governor %s starting: ingest=:%d api=:%d health=:%d prometheus=:%d store=%s",
		version.Version, a.Config.IngestPort, a.Config.APIPort, a.Config.HealthPort,
		a.Config.PrometheusPort, a.Config.StoreEngine)

	stopPipeline := a.startPipeline(context.Background())

	ingest := &http.Server{
		Addr:        fmt.Sprintf(":%d", a.Config.IngestPort),
		Handler:     a.Receiver.Handler(),
		ReadTimeout: ingestReadTimeout,
	}
	api := newServer(a.Config.APIPort, a.Web.Handler())
	health := newServer(a.Config.HealthPort, a.Web.HealthHandler())
	prom := newServer(a.Config.PrometheusPort, a.Web.MetricsHandler())
	servers := []*http.Server{ingest, api, health, prom}

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range servers {
		s := s
		g.Go(func() error {
			if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("listener %s: %w", s.Addr, err)
			}
			return nil
		})
	}

	// gctx ends on the termination signal or on the first listener failure.
	<-gctx.Done()

	errs := &multierror.Error{}

	// 1. Stop accepting telemetry.
	shCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	if err := ingest.Shutdown(shCtx); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("stopping ingest listener: %w", err))
	}
	cancel()

	// 2. Give the processor a bounded window to drain queued points.
	a.drainPoints()

	// 3. Stop the pipeline; the orchestrator flushes in-flight persistence.
	stopPipeline()

	// 4. Store closes after its only writer is done.
	if err := a.Store.Close(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("closing state store: %w", err))
	}

	for _, s := range []*http.Server{api, health, prom} {
		shCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := s.Shutdown(shCtx); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("stopping listener %s: %w", s.Addr, err))
		}
		cancel()
	}
	if err := g.Wait(); err != nil {
		errs = multierror.Append(errs, err)
	}

	a.Logger.Infof("governor stopped")
	return errs.ErrorOrNil()
}

func newServer(port int, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           h,
		ReadHeaderTimeout: headerTimeout,
	}
}

func (a *Agent) drainPoints() {
	deadline := time.Now().Add(drainDeadline)
	for time.Now().Before(deadline) {
		if len(a.Receiver.Points()) == 0 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	a.Logger.Warnf("point queue not empty at drain deadline, %d points abandoned", len(a.Receiver.Points()))
}
