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

package methods

import (
	"errors"
	"fmt"

	"github.com/ZaparooProject/zaparoo-braille/pkg/api/models"
	"github.com/ZaparooProject/zaparoo-braille/pkg/api/models/requests"
	"github.com/ZaparooProject/zaparoo-braille/pkg/api/validation"
	"github.com/ZaparooProject/zaparoo-braille/pkg/protocol"
	"github.com/rs/zerolog/log"
)

// deviceContext lets the "device" tag check ids against the known fleet.
func deviceContext(env *requests.RequestEnv) *validation.Context {
	devs := env.Devices.Devices()
	ids := make([]string, len(devs))
	for i, d := range devs {
		ids[i] = d.ID
	}
	return validation.NewContext(ids)
}

func HandleDevicesConnect(env requests.RequestEnv) (any, error) { //nolint:gocritic // single-use parameter in API handler
	var params models.ConnectParams
	if err := validation.ValidateAndUnmarshal(env.Params, &params); err != nil {
		return nil, err
	}

	log.Info().Str("endpoint", params.Endpoint).Msg("received connect request")
	dev, err := env.Devices.Connect(env.Context, params.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to connect %s: %w", params.Endpoint, err)
	}
	return dev.Response(), nil
}

func HandleDevicesDisconnect(env requests.RequestEnv) (any, error) { //nolint:gocritic // single-use parameter in API handler
	var params models.DeviceParams
	err := validation.ValidateAndUnmarshalCtx(env.Context, env.Params, &params, deviceContext(&env))
	if err != nil {
		return nil, err
	}

	log.Info().Str("device", params.DeviceID).Msg("received disconnect request")
	if err := env.Devices.Disconnect(params.DeviceID); err != nil {
		return nil, err
	}
	return nil, nil
}

func HandleDevicesPorts(env requests.RequestEnv) (any, error) { //nolint:gocritic // single-use parameter in API handler
	ports, err := env.Devices.Discover()
	if err != nil {
		return nil, fmt.Errorf("failed to list serial ports: %w", err)
	}
	if ports == nil {
		ports = []string{}
	}
	return models.PortsResponse{Ports: ports}, nil
}

// HandleDevicesSend forwards one raw command line. Commands that can
// energize a module are routed through the arbiter like any write.
func HandleDevicesSend(env requests.RequestEnv) (any, error) { //nolint:gocritic // single-use parameter in API handler
	var params models.SendParams
	err := validation.ValidateAndUnmarshalCtx(env.Context, env.Params, &params, deviceContext(&env))
	if err != nil {
		return nil, err
	}

	cmd, err := protocol.ParseCommand(params.Command)
	if err != nil {
		return nil, err
	}

	log.Info().Str("device", params.DeviceID).Stringer("cmd", cmd).Msg("received raw command")
	reply, err := env.Arbiter.Dispatch(env.Context, params.DeviceID, cmd)
	if err != nil {
		return nil, err
	}
	return models.SendResponse{
		Responses: reply.Lines(),
		Warnings:  reply.Warnings,
	}, nil
}

func HandleDevicesVerify(env requests.RequestEnv) (any, error) { //nolint:gocritic // single-use parameter in API handler
	return models.VerifyResponse{Devices: env.Arbiter.Verify(env.Context)}, nil
}

// failures joins per-device errors into one, or nil when all succeeded.
func failures(results map[string]error) error {
	var errs []error
	for id, err := range results {
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}
