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
	"github.com/ZaparooProject/zaparoo-braille/pkg/api/models"
	"github.com/ZaparooProject/zaparoo-braille/pkg/api/models/requests"
	"github.com/ZaparooProject/zaparoo-braille/pkg/devices"
	"github.com/ZaparooProject/zaparoo-braille/pkg/protocol"
	"github.com/mackerelio/go-osstat/uptime"
	"github.com/rs/zerolog/log"
)

const singleModuleConstraint = "only one module across all devices may be energized at a time"

// Stats combines the connection counters with the render totals.
func Stats(env *requests.RequestEnv) models.StatsResponse {
	conn := env.Devices.Stats()
	render := env.Orchestrator.Stats()
	resp := models.StatsResponse{
		CommandsSent:       conn.CommandsSent,
		ResponsesReceived:  conn.ResponsesReceived,
		Errors:             conn.Errors,
		CharactersRendered: render.CharactersRendered,
		WordsRendered:      render.WordsRendered,
		JobsCompleted:      render.JobsCompleted,
	}
	if env.State != nil {
		resp.UptimeSeconds = int64(env.State.Uptime().Seconds())
	}
	return resp
}

// Status is a point in time view of the whole fleet.
func Status(env *requests.RequestEnv) models.StatusResponse {
	devs := env.Devices.Devices()
	mods := env.Arbiter.Modules()
	jobs := env.Orchestrator.Jobs()

	resp := models.StatusResponse{
		ActiveToken: env.Arbiter.Token().Response(),
		Devices:     make([]models.DeviceResponse, len(devs)),
		Modules:     make([]models.ModuleResponse, len(mods)),
		Jobs:        make([]models.JobResponse, len(jobs)),
		Stats:       Stats(env),
	}
	for i, d := range devs {
		resp.Devices[i] = d.Response()
	}
	for i, m := range mods {
		resp.Modules[i] = m.Response()
	}
	for i := range jobs {
		resp.Jobs[i] = jobs[i].Response()
	}
	return resp
}

func HandleStatus(env requests.RequestEnv) (any, error) { //nolint:gocritic // single-use parameter in API handler
	return Status(&env), nil
}

func HandleSystemInfo(env requests.RequestEnv) (any, error) { //nolint:gocritic // single-use parameter in API handler
	devs := env.Devices.Devices()

	resp := models.SystemInfoResponse{
		Endpoints:         make([]models.EndpointResponse, len(devs)),
		Constraint:        singleModuleConstraint,
		ConfiguredDevices: len(env.Config.SerialPorts()),
		ModulesPerDevice:  protocol.ModulesPerDevice,
		DwellMs:           env.Config.Dwell().Milliseconds(),
		SafetyGapMs:       env.Config.SafetyGap().Milliseconds(),
	}
	for i, d := range devs {
		resp.Endpoints[i] = models.EndpointResponse{Endpoint: d.Endpoint, Status: d.Status.String()}
		if d.Status == devices.StatusReady {
			resp.ConnectedDevices++
		}
	}
	resp.TotalModules = resp.ConnectedDevices * protocol.ModulesPerDevice

	if up, err := uptime.Get(); err != nil {
		log.Debug().Err(err).Msg("failed to read host uptime")
	} else {
		resp.HostUptimeSeconds = int64(up.Seconds())
	}
	if env.State != nil {
		resp.ServiceUptimeSecs = int64(env.State.Uptime().Seconds())
	}
	return resp, nil
}

// HandleLogsRecent returns the in-memory command log, oldest first.
func HandleLogsRecent(env requests.RequestEnv) (any, error) { //nolint:gocritic // single-use parameter in API handler
	entries := env.Devices.History()
	resp := models.LogsResponse{Entries: make([]models.CommandLogResponse, len(entries))}
	for i, e := range entries {
		resp.Entries[i] = e.Response()
	}
	return resp, nil
}
