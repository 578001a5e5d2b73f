// Zaparoo Braille
// Copyright (c) 2026 The Zaparoo Project Contributors.
// SPDX-License-Identifier: GPL-3.0-or-later
//
// This file is part of Zaparoo Braille.
//
// Zaparoo Braille is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// Zaparoo Braille is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with Zaparoo Braille.  If not, see <http://www.gnu.org/licenses/>.

// Package service wires the device manager, arbiter, orchestrator and
// health monitor to the API, the event publishers and mDNS discovery, and
// owns their lifetime.
package service

import (
	"context"
	"errors"
	"time"

	"github.com/ZaparooProject/zaparoo-braille/pkg/api"
	"github.com/ZaparooProject/zaparoo-braille/pkg/arbiter"
	"github.com/ZaparooProject/zaparoo-braille/pkg/config"
	"github.com/ZaparooProject/zaparoo-braille/pkg/devices"
	"github.com/ZaparooProject/zaparoo-braille/pkg/health"
	"github.com/ZaparooProject/zaparoo-braille/pkg/orchestrator"
	"github.com/ZaparooProject/zaparoo-braille/pkg/protocol"
	"github.com/ZaparooProject/zaparoo-braille/pkg/service/broker"
	"github.com/ZaparooProject/zaparoo-braille/pkg/service/discovery"
	"github.com/ZaparooProject/zaparoo-braille/pkg/service/metrics"
	"github.com/ZaparooProject/zaparoo-braille/pkg/service/publishers"
	"github.com/ZaparooProject/zaparoo-braille/pkg/service/state"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const (
	apiBuffer       = 100
	metricsBuffer   = 500
	publisherBuffer = 100
	shutdownReset   = 2 * time.Second
)

type options struct {
	clock      clockwork.Clock
	deviceOpts []devices.Option
	apiOpts    []api.Option
}

type Option func(*options)

// WithDeviceOptions passes options to the device manager, e.g. a fake
// port factory.
func WithDeviceOptions(opts ...devices.Option) Option {
	return func(o *options) {
		o.deviceOpts = append(o.deviceOpts, opts...)
	}
}

func WithAPIOptions(opts ...api.Option) Option {
	return func(o *options) {
		o.apiOpts = append(o.apiOpts, opts...)
	}
}

func WithClock(clock clockwork.Clock) Option {
	return func(o *options) {
		o.clock = clock
	}
}

// fleet adapts the core components to the metrics gauges.
type fleet struct {
	devices *devices.Manager
	arbiter *arbiter.Arbiter
	orch    *orchestrator.Orchestrator
}

func (f fleet) DeviceCounts() map[string]int {
	counts := make(map[string]int)
	for _, d := range f.devices.Devices() {
		counts[d.Status.String()]++
	}
	return counts
}

func (f fleet) ActiveModule() bool {
	return f.arbiter.Busy()
}

func (f fleet) QueuedJobs() int {
	return f.orch.Queued()
}

// connectAll connects every discovered endpoint in discovery order. A
// failed endpoint is left for the health monitor.
func connectAll(ctx context.Context, devs *devices.Manager) {
	endpoints, err := devs.Discover()
	if err != nil {
		log.Error().Err(err).Msg("failed to discover serial ports")
		return
	}
	if len(endpoints) == 0 {
		log.Warn().Msg("no braille controllers found")
		return
	}

	for _, ep := range endpoints {
		if ctx.Err() != nil {
			return
		}
		if _, err := devs.Connect(ctx, ep); err != nil {
			log.Warn().Err(err).Str("endpoint", ep).Msg("controller not available at startup")
		}
	}
	log.Info().Int("ready", len(devs.Ready())).Int("found", len(endpoints)).Msg("initial connect finished")
}

func applyLogLevel(cfg *config.Instance) {
	if cfg.DebugLogging() {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

// startPublishers starts every configured MQTT publisher on its own
// filtered broker subscription.
func startPublishers(cfg *config.Instance, b *broker.Broker) []*publishers.MQTTPublisher {
	active := make([]*publishers.MQTTPublisher, 0)
	for _, p := range publishers.FromConfig(cfg) {
		events, id := b.Subscribe("mqtt", publisherBuffer, p.Filter()...)
		if err := p.Start(events); err != nil {
			log.Error().Err(err).Msg("failed to start MQTT publisher")
			b.Unsubscribe(id)
			continue
		}
		active = append(active, p)
	}
	if len(active) > 0 {
		log.Info().Msgf("started %d MQTT publisher(s)", len(active))
	}
	return active
}

func Start(
	cfg *config.Instance,
	opts ...Option,
) (stop func() error, done <-chan struct{}, err error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.clock == nil {
		o.clock = clockwork.NewRealClock()
	}

	log.Info().Msgf("version: %s", config.AppVersion)
	bootID := uuid.New().String()
	log.Info().Msgf("boot session UUID: %s", bootID)

	applyLogLevel(cfg)

	st, ns := state.NewState(o.clock, bootID)
	ctx := st.GetContext()

	notifBroker := broker.NewBroker(ns)
	apiEvents, _ := notifBroker.Subscribe("api", apiBuffer)
	metricsEvents, _ := notifBroker.Subscribe("metrics", metricsBuffer)
	activePublishers := startPublishers(cfg, notifBroker)

	devs := devices.NewManager(cfg, st.Notifications, append([]devices.Option{devices.WithClock(o.clock)}, o.deviceOpts...)...)
	arb := arbiter.New(cfg, devs)
	orch := orchestrator.New(cfg, devs, arb, st.Notifications)
	monitor := health.NewMonitor(cfg, devs, arb)
	stats := metrics.New(fleet{devices: devs, arbiter: arb, orch: orch})

	server := api.NewServer(cfg, st, devs, arb, orch,
		append([]api.Option{api.WithMetrics(stats.Handler())}, o.apiOpts...)...)

	var g errgroup.Group
	g.Go(func() error {
		notifBroker.Run(ctx)
		return nil
	})
	g.Go(func() error {
		stats.Consume(ctx, metricsEvents)
		return nil
	})
	g.Go(func() error {
		server.Broadcast(ctx, apiEvents)
		return nil
	})
	g.Go(func() error {
		orch.Run(ctx)
		return nil
	})
	g.Go(func() error {
		connectAll(ctx, devs)
		return nil
	})
	g.Go(func() error {
		if err := monitor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	log.Info().Msg("starting API service")
	serveErr := make(chan error, 1)
	go func() {
		err := server.Serve(ctx)
		if err != nil {
			log.Error().Err(err).Msg("api server stopped with error")
			st.StopService()
		}
		serveErr <- err
	}()

	log.Info().Msg("starting mDNS discovery service")
	disc := discovery.New(cfg, func() int {
		return len(devs.Ready()) * protocol.ModulesPerDevice
	})
	if err := disc.Start(); err != nil {
		log.Error().Err(err).Msg("mDNS discovery failed to start (continuing without discovery)")
	}

	if err := cfg.Watch(ctx, func() {
		applyLogLevel(cfg)
		log.Info().Msg("configReloaded")
	}); err != nil {
		log.Warn().Err(err).Msg("config hot reload disabled")
	}

	doneCh := make(chan struct{})
	go func() {
		<-ctx.Done()
		log.Info().Msg("service context cancelled, running cleanup")

		disc.Stop()
		if err := g.Wait(); err != nil {
			log.Error().Err(err).Msg("worker stopped with error")
		}
		<-serveErr
		for _, p := range activePublishers {
			p.Stop()
		}

		resetCtx, cancel := context.WithTimeout(context.Background(), shutdownReset)
		if _, err := arb.Reset(resetCtx); err != nil {
			log.Warn().Err(err).Msg("failed to reset controllers on shutdown")
		}
		cancel()
		devs.Close()

		log.Info().Msg("service cleanup completed")
		close(doneCh)
	}()

	stop = func() error {
		st.StopService()
		<-doneCh
		return nil
	}
	return stop, doneCh, nil
}
