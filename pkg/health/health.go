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

// Package health probes connected controllers with STATUS on a fixed
// interval. Probes only run while no module holds the active token, so a
// heartbeat never lands inside a dwell window.
package health

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/ZaparooProject/zaparoo-braille/pkg/arbiter"
	"github.com/ZaparooProject/zaparoo-braille/pkg/config"
	"github.com/ZaparooProject/zaparoo-braille/pkg/devices"
	"github.com/ZaparooProject/zaparoo-braille/pkg/protocol"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// Result summarises one probe cycle.
type Result struct {
	Demoted   []string
	Recovered []string
	Probed    int
	Skipped   bool
}

type Monitor struct {
	clock   clockwork.Clock
	cfg     *config.Instance
	devices *devices.Manager
	arbiter *arbiter.Arbiter
	cycles  atomic.Int64
	skipped atomic.Int64
}

func NewMonitor(cfg *config.Instance, devs *devices.Manager, arb *arbiter.Arbiter) *Monitor {
	return &Monitor{
		clock:   devs.Clock(),
		cfg:     cfg,
		devices: devs,
		arbiter: arb,
	}
}

// Cycles is the number of probe cycles run, including skipped ones.
func (m *Monitor) Cycles() int64 {
	return m.cycles.Load()
}

// Skipped is the number of cycles deferred because a module was active.
func (m *Monitor) Skipped() int64 {
	return m.skipped.Load()
}

// Run probes every HealthInterval until ctx is done. The interval is
// re-read after each cycle so config reloads take effect.
func (m *Monitor) Run(ctx context.Context) error {
	interval := m.cfg.HealthInterval()
	ticker := m.clock.NewTicker(interval)
	defer ticker.Stop()

	log.Info().Dur("interval", interval).Msg("health monitor started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("health monitor stopped")
			return nil
		case <-ticker.Chan():
		}

		res := m.Probe(ctx)
		if len(res.Demoted) > 0 || len(res.Recovered) > 0 {
			log.Info().
				Strs("demoted", res.Demoted).
				Strs("recovered", res.Recovered).
				Msg("health probe changed device status")
		}

		if next := m.cfg.HealthInterval(); next != interval {
			interval = next
			ticker.Reset(interval)
			log.Debug().Dur("interval", interval).Msg("health interval changed")
		}
	}
}

// Probe runs one cycle. Ready devices get a STATUS; a device in Error is
// probed over its live link or, if the link is gone, reconnected.
// Disconnected devices are left alone. The cycle stops early if a module
// becomes active.
func (m *Monitor) Probe(ctx context.Context) Result {
	m.cycles.Add(1)

	var res Result
	if m.arbiter.Busy() {
		m.skipped.Add(1)
		res.Skipped = true
		log.Debug().Msg("module active, skipping health probe")
		return res
	}

	threshold := m.cfg.FailureThreshold()
	for _, d := range m.devices.Devices() {
		if ctx.Err() != nil {
			return res
		}
		if m.arbiter.Busy() {
			m.skipped.Add(1)
			res.Skipped = true
			return res
		}

		switch d.Status {
		case devices.StatusReady:
		case devices.StatusError:
			if !m.devices.Linked(d.ID) {
				res.Probed++
				if m.reconnect(ctx, d) {
					res.Recovered = append(res.Recovered, d.ID)
				}
				continue
			}
		default:
			continue
		}

		res.Probed++
		_, err := m.devices.Send(ctx, d.ID, protocol.Status{})
		switch {
		case err == nil:
			if m.devices.ProbeSucceeded(d.ID) {
				res.Recovered = append(res.Recovered, d.ID)
			}
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return res
		default:
			if m.devices.ProbeFailed(d.ID, err, threshold) {
				res.Demoted = append(res.Demoted, d.ID)
			}
		}
	}
	return res
}

func (m *Monitor) reconnect(ctx context.Context, d devices.Device) bool {
	start := m.clock.Now()
	if _, err := m.devices.Connect(ctx, d.Endpoint); err != nil {
		log.Debug().Err(err).Str("device", d.ID).Msg("reconnect failed")
		return false
	}
	log.Info().Str("device", d.ID).Dur("took", m.clock.Since(start)).Msg("reconnected device")
	return true
}
