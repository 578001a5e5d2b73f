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

package testutils

import (
	"context"
	"testing"
	"time"

	"github.com/ZaparooProject/zaparoo-braille/pkg/api/models"
	"github.com/ZaparooProject/zaparoo-braille/pkg/config"
	"github.com/ZaparooProject/zaparoo-braille/pkg/devices"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"
)

// NewConfig returns an in-memory config with timings short enough for
// tests that run on the real clock.
func NewConfig(t testing.TB) *config.Instance {
	t.Helper()

	cfg, err := config.NewConfigWithFs(afero.NewMemMapFs(), "/config", config.BaseDefaults)
	require.NoError(t, err)

	cfg.SetAutoDetect(false)
	cfg.SetBootWait(0)
	cfg.SetHandshakeAttempts(3)
	cfg.SetCommandTimeout(250 * time.Millisecond)
	cfg.SetDwell(5 * time.Millisecond)
	cfg.SetSafetyGap(time.Millisecond)
	cfg.SetInterCharacterGap(time.Millisecond)
	return cfg
}

// PortFactory opens ports on the fleet's controllers.
func (f *Fleet) PortFactory() devices.PortFactory {
	return func(path string, mode *serial.Mode) (devices.Port, error) {
		c, err := f.Open(path, mode)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

// NewManager returns a manager wired to the fleet. It is closed when the
// test ends.
func NewManager(
	t testing.TB,
	cfg *config.Instance,
	fleet *Fleet,
	ns chan<- models.Notification,
	opts ...devices.Option,
) *devices.Manager {
	t.Helper()

	opts = append([]devices.Option{devices.WithPortFactory(fleet.PortFactory())}, opts...)
	m := devices.NewManager(cfg, ns, opts...)
	t.Cleanup(m.Close)
	return m
}

// ConnectFleet adds a controller per endpoint and connects them in order.
func ConnectFleet(t testing.TB, m *devices.Manager, fleet *Fleet, endpoints ...string) {
	t.Helper()

	for _, ep := range endpoints {
		if fleet.Controller(ep) == nil {
			fleet.Add(ep)
		}
		_, err := m.Connect(context.Background(), ep)
		require.NoError(t, err)
	}
}

// Drain collects notifications until none arrive for a short while.
func Drain(ns <-chan models.Notification) []models.Notification {
	var out []models.Notification
	for {
		select {
		case n := <-ns:
			out = append(out, n)
		case <-time.After(20 * time.Millisecond):
			return out
		}
	}
}

// Methods returns the method of each notification.
func Methods(ns []models.Notification) []string {
	out := make([]string, len(ns))
	for i, n := range ns {
		out[i] = n.Method
	}
	return out
}
