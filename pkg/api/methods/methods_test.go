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

package methods_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/ZaparooProject/zaparoo-braille/pkg/api/methods"
	"github.com/ZaparooProject/zaparoo-braille/pkg/api/models"
	"github.com/ZaparooProject/zaparoo-braille/pkg/api/models/requests"
	"github.com/ZaparooProject/zaparoo-braille/pkg/api/validation"
	"github.com/ZaparooProject/zaparoo-braille/pkg/arbiter"
	"github.com/ZaparooProject/zaparoo-braille/pkg/devices/testutils"
	"github.com/ZaparooProject/zaparoo-braille/pkg/orchestrator"
	"github.com/ZaparooProject/zaparoo-braille/pkg/service/state"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	fleet *testutils.Fleet
	env   requests.RequestEnv
}

func newFixture(t *testing.T, endpoints ...string) *fixture {
	t.Helper()

	cfg := testutils.NewConfig(t)
	fleet := testutils.NewFleet()
	ns := make(chan models.Notification, 1024)
	devs := testutils.NewManager(t, cfg, fleet, ns)
	testutils.ConnectFleet(t, devs, fleet, endpoints...)

	st, _ := state.NewState(clockwork.NewRealClock(), "boot")
	t.Cleanup(st.StopService)

	arb := arbiter.New(cfg, devs)
	orch := orchestrator.New(cfg, devs, arb, ns)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		orch.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	return &fixture{
		fleet: fleet,
		env: requests.RequestEnv{
			Context:      st.GetContext(),
			Config:       cfg,
			State:        st,
			Devices:      devs,
			Arbiter:      arb,
			Orchestrator: orch,
		},
	}
}

func (f *fixture) with(t *testing.T, params any) requests.RequestEnv {
	t.Helper()
	env := f.env
	env.ID = uuid.New()
	if params != nil {
		data, err := json.Marshal(params)
		require.NoError(t, err)
		env.Params = data
	}
	return env
}

func TestHandleWrite(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "/dev/ttyACM0")

	res, err := methods.HandleWrite(f.with(t, models.WriteParams{Text: "Hi!"}))
	require.NoError(t, err)

	job, ok := res.(models.JobResponse)
	require.True(t, ok)
	assert.Equal(t, "hi", job.Filtered)
	require.Len(t, job.Skipped, 1)
	assert.Equal(t, "!", job.Skipped[0].Char)

	id, err := uuid.Parse(job.ID)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	final, err := f.env.Orchestrator.Wait(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, orchestrator.JobCompleted, final.Status)
}

func TestHandleWriteNoModules(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	res, err := methods.HandleWrite(f.with(t, models.WriteParams{Text: "abc"}))
	require.NoError(t, err)
	job, ok := res.(models.JobResponse)
	require.True(t, ok)

	id, err := uuid.Parse(job.ID)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	final, err := f.env.Orchestrator.Wait(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, orchestrator.JobFailed, final.Status)
	assert.Contains(t, final.Response().Error, "no available modules")
}

func TestHandleWriteValidation(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	_, err := methods.HandleWrite(f.with(t, nil))
	require.ErrorIs(t, err, validation.ErrMissingParams)

	_, err = methods.HandleWrite(f.with(t, models.WriteParams{}))
	var ve *validation.Error
	require.ErrorAs(t, err, &ve)
}

func TestHandleDevicesSend(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "/dev/ttyACM0")

	res, err := methods.HandleDevicesSend(f.with(t, models.SendParams{
		DeviceID: "/dev/ttyACM0",
		Command:  "STATUS",
	}))
	require.NoError(t, err)
	assert.Equal(t, models.SendResponse{Responses: []string{"READY"}}, res)

	_, err = methods.HandleDevicesSend(f.with(t, models.SendParams{
		DeviceID: "/dev/ttyUSB7",
		Command:  "STATUS",
	}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestHandleDevicesSendWriteTakesToken(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "/dev/ttyACM0", "/dev/ttyACM1")

	_, err := methods.HandleDevicesSend(f.with(t, models.SendParams{
		DeviceID: "/dev/ttyACM1",
		Command:  "WRITE_MODULE:1:k",
	}))
	require.NoError(t, err)

	writes := f.fleet.Writes()
	require.Len(t, writes, 1)
	assert.Equal(t, testutils.Write{Endpoint: "/dev/ttyACM1", Module: 1, Char: 'k'}, writes[0])
	assert.Zero(t, f.fleet.Violations())
	assert.Nil(t, f.env.Arbiter.Token())
}

func TestHandleDevicesConnectDisconnect(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.fleet.Add("/dev/ttyACM3")

	res, err := methods.HandleDevicesConnect(f.with(t, models.ConnectParams{Endpoint: "/dev/ttyACM3"}))
	require.NoError(t, err)
	dev, ok := res.(models.DeviceResponse)
	require.True(t, ok)
	assert.Equal(t, "ready", dev.Status)
	assert.Equal(t, 2, dev.ModuleCount)

	_, err = methods.HandleDevicesDisconnect(f.with(t, models.DeviceParams{DeviceID: "/dev/ttyACM3"}))
	require.NoError(t, err)
	assert.Empty(t, f.env.Devices.Ready())
}

func TestHandleDevicesConnectFails(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	_, err := methods.HandleDevicesConnect(f.with(t, models.ConnectParams{Endpoint: "/dev/ttyACM9"}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "/dev/ttyACM9")
}

func TestHandleTestAndReset(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "/dev/ttyACM0", "/dev/ttyACM1")

	_, err := methods.HandleTest(f.with(t, nil))
	require.NoError(t, err)
	assert.Equal(t, 1, f.fleet.Controller("/dev/ttyACM0").CountCommand("TEST"))
	assert.Equal(t, 1, f.fleet.Controller("/dev/ttyACM1").CountCommand("TEST"))

	_, err = methods.HandleReset(f.with(t, nil))
	require.NoError(t, err)
	assert.Positive(t, f.fleet.Controller("/dev/ttyACM1").CountCommand("RESET"))
	assert.Zero(t, f.fleet.Violations())
}

func TestHandleTestReportsFault(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "/dev/ttyACM0")
	f.fleet.Controller("/dev/ttyACM0").Configure(func(c *testutils.Controller) {
		c.Fault = "OVERHEAT"
	})

	_, err := methods.HandleTest(f.with(t, nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "/dev/ttyACM0")
}

func TestHandlePatternWrite(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "/dev/ttyACM0")

	_, err := methods.HandlePatternWrite(f.with(t, models.PatternParams{DeviceID: "/dev/ttyACM0", Value: 21}))
	require.NoError(t, err)
	assert.Equal(t, 1, f.fleet.Controller("/dev/ttyACM0").CountCommand("PATTERN:21"))

	_, err = methods.HandlePatternWrite(f.with(t, models.PatternParams{DeviceID: "/dev/ttyACM0", Value: 64}))
	var ve *validation.Error
	require.ErrorAs(t, err, &ve)
}

func TestHandleWriteLegacy(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "/dev/ttyACM0")

	res, err := methods.HandleWriteLegacy(f.with(t, models.WriteLegacyParams{DeviceID: "/dev/ttyACM0", Text: "ab"}))
	require.NoError(t, err)
	resp, ok := res.(models.SendResponse)
	require.True(t, ok)
	assert.Equal(t, []string{"START", "DONE"}, resp.Responses)
	assert.Equal(t, 1, f.fleet.Controller("/dev/ttyACM0").CountCommand("WRITE:ab"))
}

func TestHandleJobsCancel(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "/dev/ttyACM0")

	_, err := methods.HandleJobsCancel(f.with(t, models.CancelParams{JobID: uuid.NewString()}))
	require.ErrorIs(t, err, orchestrator.ErrJobNotFound)

	_, err = methods.HandleJobsCancel(f.with(t, models.CancelParams{JobID: "nope"}))
	var ve *validation.Error
	require.ErrorAs(t, err, &ve)
}

func TestHandleJobs(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	res, err := methods.HandleJobs(f.with(t, nil))
	require.NoError(t, err)
	assert.Equal(t, models.JobsResponse{Jobs: []models.JobResponse{}}, res)
}

func TestHandleStatus(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "/dev/ttyACM0", "/dev/ttyACM1")

	res, err := methods.HandleStatus(f.with(t, nil))
	require.NoError(t, err)
	status, ok := res.(models.StatusResponse)
	require.True(t, ok)

	require.Len(t, status.Devices, 2)
	assert.Equal(t, "/dev/ttyACM0", status.Devices[0].ID)
	assert.Equal(t, 0, status.Devices[0].Order)
	assert.Equal(t, 1, status.Devices[1].Order)
	assert.Len(t, status.Modules, 4)
	assert.Nil(t, status.ActiveToken)
	assert.Positive(t, status.Stats.CommandsSent)
}

func TestHandleSystemInfo(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "/dev/ttyACM0", "/dev/ttyACM1")

	res, err := methods.HandleSystemInfo(f.with(t, nil))
	require.NoError(t, err)
	info, ok := res.(models.SystemInfoResponse)
	require.True(t, ok)

	assert.Equal(t, 2, info.ConnectedDevices)
	assert.Equal(t, 2, info.ModulesPerDevice)
	assert.Equal(t, 4, info.TotalModules)
	assert.Equal(t, int64(5), info.DwellMs)
	assert.Len(t, info.Endpoints, 2)
	assert.NotEmpty(t, info.Constraint)
}

func TestHandleLogsRecent(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "/dev/ttyACM0")

	res, err := methods.HandleLogsRecent(f.with(t, nil))
	require.NoError(t, err)
	logs, ok := res.(models.LogsResponse)
	require.True(t, ok)
	require.NotEmpty(t, logs.Entries)
	assert.Equal(t, "STATUS", logs.Entries[0].Line)
}

func TestHandleVersion(t *testing.T) {
	t.Parallel()

	res, err := methods.HandleVersion(requests.RequestEnv{})
	require.NoError(t, err)
	v, ok := res.(models.VersionResponse)
	require.True(t, ok)
	assert.NotEmpty(t, v.Version)
	assert.Contains(t, v.Platform, "/")
}
