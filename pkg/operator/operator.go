/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package operator owns the control plane's singletons and their
// lifecycle: it wires the store, clock, event bus, chaos engine, registry,
// health monitor, scheduler and service reconciler together, dispatches
// inbound frames, and runs the ordered shutdown.
package operator

import (
	"context"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/packfleet/packfleet/pkg/chaos"
	"github.com/packfleet/packfleet/pkg/controllers/service"
	"github.com/packfleet/packfleet/pkg/events"
	"github.com/packfleet/packfleet/pkg/health"
	"github.com/packfleet/packfleet/pkg/operator/options"
	"github.com/packfleet/packfleet/pkg/registry"
	"github.com/packfleet/packfleet/pkg/scheduler"
	"github.com/packfleet/packfleet/pkg/store"
)

// Operator holds every singleton; all cross-component wiring happens in
// NewOperator so there is no process-global mutable state.
type Operator struct {
	Log   logr.Logger
	Clock clock.WithTicker
	Opts  options.Options

	Store      store.Interface
	Bus        *events.Bus
	Chaos      *chaos.Engine
	Registry   *registry.Registry
	Health     *health.Monitor
	Scheduler  *scheduler.Scheduler
	Reconciler *service.Reconciler
}

func NewOperator(log logr.Logger, clk clock.WithTicker, st store.Interface, opts options.Options) *Operator {
	bus := events.NewBus()
	engine := chaos.NewEngine(log, clk, chaos.Options{
		ProductionMode: opts.ProductionMode,
		Seed:           opts.Seed,
	})
	reg := registry.NewRegistry(log, clk, engine, opts.Registry)
	monitor := health.NewMonitor(log, clk, st, bus, opts.Health)
	sched := scheduler.NewScheduler(log, clk, st, reg, opts.Scheduler)
	reconciler := service.NewReconciler(log, clk, st, reg, sched, bus, opts.Reconciler)

	op := &Operator{
		Log:        log.WithName("operator"),
		Clock:      clk,
		Opts:       opts,
		Store:      st,
		Bus:        bus,
		Chaos:      engine,
		Registry:   reg,
		Health:     monitor,
		Scheduler:  sched,
		Reconciler: reconciler,
	}
	reg.SetHandler(op.handleMessage)

	if opts.ChaosEnabled && !opts.ProductionMode {
		if err := engine.Enable(); err != nil {
			log.Error(err, "chaos opt-in refused")
		}
	}

	// Pods failed in a node-loss batch never report a terminal status over
	// the wire, so their allocation is returned here.
	bus.Subscribe(func(evt events.Event) {
		if evt.Kind != events.KindPodsFailed {
			return
		}
		ctx := context.Background()
		for _, podID := range evt.PodIDs {
			pod, err := st.GetPod(ctx, podID)
			if err != nil {
				continue
			}
			if err := sched.ReleaseAllocation(ctx, pod); err != nil {
				op.Log.Error(err, "releasing allocation for lost pod", "pod", podID)
			}
		}
	})
	return op
}

// Start runs every periodic loop until ctx is cancelled, then shuts down in
// order: let in-flight ticks finish, shut the registry down (it refuses new
// admissions and closes every channel with a shutdown frame), flush the
// chaos rule store.
func (o *Operator) Start(ctx context.Context) error {
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		o.Health.Start(groupCtx)
		return nil
	})
	group.Go(func() error {
		o.Scheduler.Start(groupCtx)
		return nil
	})
	group.Go(func() error {
		o.Reconciler.Start(groupCtx)
		return nil
	})

	o.Log.Info("control plane started",
		"production", o.Opts.ProductionMode,
		"chaos", o.Chaos.Enabled(),
		"seed", o.Opts.Seed,
	)

	<-groupCtx.Done()
	// The loops observe cancellation and finish their in-flight tick; Wait
	// blocks until they have.
	err := group.Wait()

	o.Registry.Shutdown("control plane shutting down")
	o.Chaos.Flush()
	o.Log.Info("control plane stopped")
	return err
}
