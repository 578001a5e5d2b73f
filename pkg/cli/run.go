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

package cli

import (
	"context"
	"fmt"

	"github.com/ZaparooProject/zaparoo-braille/pkg/config"
	"github.com/ZaparooProject/zaparoo-braille/pkg/helpers"
	"github.com/ZaparooProject/zaparoo-braille/pkg/service"
	"github.com/ZaparooProject/zaparoo-braille/pkg/service/daemon"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
)

func newDaemon(cfg *config.Instance) *daemon.Service {
	return daemon.NewService(afero.NewOsFs(), helpers.DataDir(), func() (func() error, <-chan struct{}, error) {
		return service.Start(cfg)
	})
}

// RunService runs the service in the foreground until ctx is cancelled.
func RunService(ctx context.Context, cfg *config.Instance) error {
	for _, ip := range helpers.GetAllLocalIPs() {
		log.Info().Msgf("api reachable at ws://%s:%d/api", ip, cfg.APIPort())
	}
	if err := newDaemon(cfg).Run(ctx); err != nil {
		return fmt.Errorf("service failed: %w", err)
	}
	return nil
}

// StopService signals the instance recorded in the PID file.
func StopService(cfg *config.Instance) error {
	if err := newDaemon(cfg).Stop(); err != nil {
		return fmt.Errorf("error stopping service: %w", err)
	}
	return nil
}

// ServiceRunning reports whether another instance holds the PID file.
func ServiceRunning(cfg *config.Instance) bool {
	return newDaemon(cfg).Running()
}
