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

package orchestrator_test

import (
	"context"
	"testing"
	"time"

	"github.com/ZaparooProject/zaparoo-braille/pkg/api/models"
	"github.com/ZaparooProject/zaparoo-braille/pkg/arbiter"
	"github.com/ZaparooProject/zaparoo-braille/pkg/config"
	"github.com/ZaparooProject/zaparoo-braille/pkg/devices"
	"github.com/ZaparooProject/zaparoo-braille/pkg/devices/testutils"
	"github.com/ZaparooProject/zaparoo-braille/pkg/orchestrator"
	"github.com/ZaparooProject/zaparoo-braille/pkg/protocol"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"pgregory.net/rapid"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type env struct {
	cfg     *config.Instance
	fleet   *testutils.Fleet
	devices *devices.Manager
	arbiter *arbiter.Arbiter
	orch    *orchestrator.Orchestrator
	ns      chan models.Notification
}

func newEnv(t *testing.T, endpoints ...string) *env {
	t.Helper()
	return newEnvWith(t, nil, endpoints...)
}

func newEnvWith(t *testing.T, opts []devices.Option, endpoints ...string) *env {
	t.Helper()

	cfg := testutils.NewConfig(t)
	fleet := testutils.NewFleet()
	ns := make(chan models.Notification, 1024)
	m := testutils.NewManager(t, cfg, fleet, ns, opts...)
	testutils.ConnectFleet(t, m, fleet, endpoints...)
	testutils.Drain(ns)

	arb := arbiter.New(cfg, m)
	e := &env{
		cfg:     cfg,
		fleet:   fleet,
		devices: m,
		arbiter: arb,
		orch:    orchestrator.New(cfg, m, arb, ns),
		ns:      ns,
	}
	return e
}

func (e *env) start(t *testing.T) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.orch.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func (e *env) submitAndWait(t *testing.T, text string) orchestrator.Job {
	t.Helper()

	job, err := e.orch.Submit(text)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	job, err = e.orch.Wait(ctx, job.ID)
	require.NoError(t, err)
	return job
}

type placement struct {
	endpoint string
	module   int
	char     rune
}

func allIdle(a *arbiter.Arbiter) bool {
	for _, mod := range a.Modules() {
		if mod.State != arbiter.ModuleIdle {
			return false
		}
	}
	return true
}

func placements(writes []testutils.Write) []placement {
	out := make([]placement, len(writes))
	for i, w := range writes {
		out[i] = placement{endpoint: w.Endpoint, module: w.Module, char: w.Char}
	}
	return out
}

func TestScenarioA_RotatesAcrossFourModules(t *testing.T) {
	t.Parallel()

	e := newEnv(t, "/dev/ttyACM0", "/dev/ttyACM1")
	e.start(t)

	job := e.submitAndWait(t, "hola")

	assert.Equal(t, orchestrator.JobCompleted, job.Status)
	assert.Equal(t, 4, job.Cursor)
	require.NoError(t, job.Err)
	assert.Equal(t, []placement{
		{"/dev/ttyACM0", 0, 'h'},
		{"/dev/ttyACM0", 1, 'o'},
		{"/dev/ttyACM1", 0, 'l'},
		{"/dev/ttyACM1", 1, 'a'},
	}, placements(e.fleet.Writes()))

	for _, mod := range e.arbiter.Modules() {
		assert.Equal(t, arbiter.ModuleIdle, mod.State)
	}
	assert.Nil(t, e.arbiter.Token())
	assert.Zero(t, e.fleet.Energized())
	assert.Zero(t, e.fleet.Violations())
}

func TestScenarioB_SkipsUnsupported(t *testing.T) {
	t.Parallel()

	e := newEnv(t, "/dev/ttyACM0", "/dev/ttyACM1")
	e.start(t)

	job := e.submitAndWait(t, "h5la")

	assert.Equal(t, orchestrator.JobCompleted, job.Status)
	assert.Equal(t, 3, job.Cursor)
	assert.Equal(t, "hla", string(job.Filtered))
	require.Len(t, job.Skipped, 1)
	assert.Equal(t, orchestrator.Skip{Char: '5', Reason: orchestrator.SkipUnsupported, Position: 1}, job.Skipped[0])
	assert.Len(t, e.fleet.Writes(), 3)

	methods := testutils.Methods(testutils.Drain(e.ns))
	assert.Contains(t, methods, models.NotificationJobsSkipped)
	assert.Contains(t, methods, models.NotificationJobsCompleted)
}

func TestScenarioC_DeviceFailsMidJob(t *testing.T) {
	t.Parallel()

	e := newEnv(t, "/dev/ttyACM0", "/dev/ttyACM1")
	e.fleet.Controller("/dev/ttyACM0").Configure(func(c *testutils.Controller) { c.FaultAfter = 1 })
	e.start(t)

	job := e.submitAndWait(t, "hola")

	assert.Equal(t, orchestrator.JobCompleted, job.Status)
	assert.Equal(t, 4, job.Cursor)
	assert.Equal(t, []placement{
		{"/dev/ttyACM0", 0, 'h'},
		{"/dev/ttyACM1", 0, 'o'},
		{"/dev/ttyACM1", 1, 'l'},
		{"/dev/ttyACM1", 0, 'a'},
	}, placements(e.fleet.Writes()))

	dev, _ := e.devices.Device("/dev/ttyACM0")
	assert.Equal(t, devices.StatusError, dev.Status)
	assert.Contains(t, testutils.Methods(testutils.Drain(e.ns)), models.NotificationDevicesError)
	assert.Zero(t, e.fleet.Violations())
}

func TestScenarioC_OnlyDeviceFails(t *testing.T) {
	t.Parallel()

	e := newEnv(t, "/dev/ttyACM0")
	e.fleet.Controller("/dev/ttyACM0").Configure(func(c *testutils.Controller) { c.FaultAfter = 2 })
	e.start(t)

	job := e.submitAndWait(t, "hola")

	assert.Equal(t, orchestrator.JobFailed, job.Status)
	require.ErrorIs(t, job.Err, protocol.ErrNoAvailableModules)
	assert.Equal(t, 2, job.Cursor, "partial progress is preserved")
	assert.Len(t, e.fleet.Writes(), 2)
	assert.Nil(t, e.arbiter.Token())
}

func TestSubmit_NoDevices(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.start(t)

	job := e.submitAndWait(t, "abc")
	assert.Equal(t, orchestrator.JobFailed, job.Status)
	require.ErrorIs(t, job.Err, protocol.ErrNoAvailableModules)
	assert.Zero(t, job.Cursor)
}

func TestSubmit_Empty(t *testing.T) {
	t.Parallel()

	e := newEnv(t, "/dev/ttyACM0")
	_, err := e.orch.Submit("   ")
	require.ErrorIs(t, err, orchestrator.ErrEmptyText)
}

func TestSubmit_NothingRetained(t *testing.T) {
	t.Parallel()

	e := newEnv(t, "/dev/ttyACM0")
	e.start(t)

	job := e.submitAndWait(t, "123 !")
	assert.Equal(t, orchestrator.JobCompleted, job.Status)
	assert.Zero(t, job.Cursor)
	assert.Len(t, job.Skipped, 5)
	assert.Empty(t, e.fleet.Writes())
}

func TestTimingLaw(t *testing.T) {
	t.Parallel()

	e := newEnv(t, "/dev/ttyACM0")
	e.cfg.SetDwell(20 * time.Millisecond)
	e.cfg.SetSafetyGap(5 * time.Millisecond)
	e.cfg.SetInterCharacterGap(5 * time.Millisecond)
	e.start(t)

	start := time.Now()
	job := e.submitAndWait(t, "abc")
	elapsed := time.Since(start)

	assert.Equal(t, orchestrator.JobCompleted, job.Status)
	assert.Equal(t, 90*time.Millisecond, job.EstimatedTotalDuration)
	assert.GreaterOrEqual(t, elapsed, 3*e.cfg.Dwell())
	assert.GreaterOrEqual(t, job.Elapsed, job.EstimatedTotalDuration)
	for _, mod := range e.arbiter.Modules() {
		assert.Equal(t, arbiter.ModuleIdle, mod.State)
	}
}

func TestWordPauseBetweenWords(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	e := newEnvWith(t, []devices.Option{devices.WithClock(clock)}, "/dev/ttyACM0")
	e.cfg.SetDwell(0)
	e.cfg.SetSafetyGap(0)
	e.cfg.SetInterCharacterGap(0)
	e.cfg.SetWordPause(time.Second)
	e.start(t)

	submitted, err := e.orch.Submit(" ab  c ")
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, submitted.EstimatedTotalDuration, "two spaces between words")

	// both characters of the first word go out, then the module is
	// released before the pause starts
	require.Eventually(t, func() bool {
		return len(e.fleet.Writes()) == 2 && e.arbiter.Token() == nil && allIdle(e.arbiter)
	}, 5*time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	assert.Zero(t, e.fleet.Energized(), "nothing is energized during a pause")

	clock.Advance(1999 * time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, e.fleet.Writes(), 2, "the pause lasts one word pause per space")

	clock.Advance(time.Millisecond)
	job, err := e.orch.Wait(ctx, submitted.ID)
	require.NoError(t, err)

	assert.Equal(t, orchestrator.JobCompleted, job.Status)
	assert.Equal(t, "abc", string(job.Filtered))
	assert.Equal(t, 2, job.Words)
	assert.Equal(t, 2*time.Second, job.Elapsed)
	assert.Zero(t, e.fleet.Violations())
}

func TestPauses(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		text string
		want []int
	}{
		{name: "no spaces", text: "hola", want: []int{0, 0, 0, 0}},
		{name: "one space", text: "ab c", want: []int{0, 0, 1}},
		{name: "edges ignored", text: "  ab\n\tc  ", want: []int{0, 0, 2}},
		{name: "unsupported is not a pause", text: "a5b", want: []int{0, 0}},
		{name: "nothing retained", text: "   ", want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, orchestrator.Pauses(tt.text))
		})
	}
}

func TestJobsRunInSubmissionOrder(t *testing.T) {
	t.Parallel()

	e := newEnv(t, "/dev/ttyACM0")
	first, err := e.orch.Submit("abc")
	require.NoError(t, err)
	second, err := e.orch.Submit("xyz")
	require.NoError(t, err)

	jobs := e.orch.Jobs()
	require.Len(t, jobs, 2)
	assert.Equal(t, orchestrator.JobQueued, jobs[1].Status)

	e.start(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	second, err = e.orch.Wait(ctx, second.ID)
	require.NoError(t, err)
	first, err = e.orch.Wait(ctx, first.ID)
	require.NoError(t, err)

	assert.False(t, second.StartedAt.Before(first.FinishedAt))

	var chars []rune
	for _, w := range e.fleet.Writes() {
		chars = append(chars, w.Char)
	}
	assert.Equal(t, "abcxyz", string(chars))
}

func TestCancel(t *testing.T) {
	t.Parallel()

	e := newEnv(t, "/dev/ttyACM0")
	e.cfg.SetDwell(20 * time.Millisecond)

	running, err := e.orch.Submit("abcdefghijklmnopqrst")
	require.NoError(t, err)
	queued, err := e.orch.Submit("xyz")
	require.NoError(t, err)

	require.NoError(t, e.orch.Cancel(queued.ID))
	job, ok := e.orch.Job(queued.ID)
	require.True(t, ok)
	assert.Equal(t, orchestrator.JobCancelled, job.Status)
	assert.True(t, job.StartedAt.IsZero())

	e.start(t)
	require.Eventually(t, func() bool {
		j, _ := e.orch.Job(running.ID)
		return j.Cursor >= 2
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, e.orch.Cancel(running.ID))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	job, err = e.orch.Wait(ctx, running.ID)
	require.NoError(t, err)

	assert.Equal(t, orchestrator.JobCancelled, job.Status)
	assert.Less(t, job.Cursor, 20)
	assert.Len(t, e.fleet.Writes(), job.Cursor, "cancel lands on a character boundary")
	assert.Nil(t, e.arbiter.Token())
	assert.Zero(t, e.fleet.Energized())

	require.ErrorIs(t, e.orch.Cancel(running.ID), orchestrator.ErrJobFinished)
	require.ErrorIs(t, e.orch.Cancel(uuid.New()), orchestrator.ErrJobNotFound)
}

func TestRunStopsOnContext(t *testing.T) {
	t.Parallel()

	e := newEnv(t, "/dev/ttyACM0")
	job, err := e.orch.Submit("abc")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	e.orch.Run(ctx)

	job, ok := e.orch.Job(job.ID)
	require.True(t, ok)
	assert.Equal(t, orchestrator.JobCancelled, job.Status)
	assert.Empty(t, e.fleet.Writes())
}

func TestStats(t *testing.T) {
	t.Parallel()

	e := newEnv(t, "/dev/ttyACM0")
	e.start(t)
	e.submitAndWait(t, "hi there")

	stats := e.orch.Stats()
	assert.Equal(t, int64(7), stats.CharactersRendered)
	assert.Equal(t, int64(2), stats.WordsRendered)
	assert.Equal(t, int64(1), stats.JobsCompleted)
}

func TestWriteLegacy(t *testing.T) {
	t.Parallel()

	e := newEnv(t, "/dev/ttyACM0", "/dev/ttyACM1")

	reply, err := e.orch.WriteLegacy(context.Background(), "", "H5la")
	require.NoError(t, err)
	assert.Equal(t, []string{"UNSUPPORTED_CHAR:5"}, reply.Warnings)
	assert.Equal(t, 1, e.fleet.Controller("/dev/ttyACM0").CountCommand("WRITE:h5la"))
	assert.Zero(t, e.fleet.Controller("/dev/ttyACM1").CountCommand("WRITE:h5la"))

	_, err = e.orch.WriteLegacy(context.Background(), "/dev/ttyACM1", "ab")
	require.NoError(t, err)
	assert.Equal(t, 1, e.fleet.Controller("/dev/ttyACM1").CountCommand("WRITE:ab"))

	empty := newEnv(t)
	_, err = empty.orch.WriteLegacy(context.Background(), "", "ab")
	require.ErrorIs(t, err, protocol.ErrNoAvailableModules)
}

func TestPropertyRotationFairness(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(rt *rapid.T) {
		cfg := testutils.NewConfig(t)
		cfg.SetDwell(0)
		cfg.SetSafetyGap(0)
		cfg.SetInterCharacterGap(0)
		fleet := testutils.NewFleet()
		m := devices.NewManager(cfg, nil, devices.WithPortFactory(fleet.PortFactory()))
		defer m.Close()

		n := rapid.IntRange(1, 3).Draw(rt, "devices")
		for i := range n {
			ep := "/dev/ttyUSB" + string(rune('0'+i))
			fleet.Add(ep)
			_, err := m.Connect(context.Background(), ep)
			require.NoError(rt, err)
		}

		arb := arbiter.New(cfg, m)
		orch := orchestrator.New(cfg, m, arb, nil)
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			orch.Run(ctx)
			close(done)
		}()
		defer func() {
			cancel()
			<-done
		}()

		text := rapid.StringOfN(rapid.RuneFrom([]rune("abcdefghijklmnopqrstuvwxyz")), 1, 12, -1).Draw(rt, "text")
		job, err := orch.Submit(text)
		require.NoError(rt, err)
		waitCtx, waitCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer waitCancel()
		job, err = orch.Wait(waitCtx, job.ID)
		require.NoError(rt, err)
		require.Equal(rt, orchestrator.JobCompleted, job.Status)

		rotation := orchestrator.Rotation(m.Ready())
		writes := fleet.Writes()
		require.Len(rt, writes, len(text))
		for i, w := range writes {
			want := rotation[i%len(rotation)]
			if w.Endpoint != want.DeviceID || w.Module != want.Index {
				rt.Fatalf("character %d went to %s/%d, want %s", i, w.Endpoint, w.Module, want)
			}
		}
	})
}
