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

package arbiter_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ZaparooProject/zaparoo-braille/pkg/arbiter"
	"github.com/ZaparooProject/zaparoo-braille/pkg/config"
	"github.com/ZaparooProject/zaparoo-braille/pkg/devices"
	"github.com/ZaparooProject/zaparoo-braille/pkg/devices/testutils"
	"github.com/ZaparooProject/zaparoo-braille/pkg/protocol"
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
}

func newEnv(t *testing.T, endpoints ...string) *env {
	t.Helper()

	cfg := testutils.NewConfig(t)
	fleet := testutils.NewFleet()
	m := testutils.NewManager(t, cfg, fleet, nil)
	testutils.ConnectFleet(t, m, fleet, endpoints...)
	return &env{
		cfg:     cfg,
		fleet:   fleet,
		devices: m,
		arbiter: arbiter.New(cfg, m),
	}
}

func TestAcquireWriteRelease(t *testing.T) {
	t.Parallel()

	e := newEnv(t, "/dev/ttyACM0", "/dev/ttyACM1")
	ref := arbiter.ModuleRef{DeviceID: "/dev/ttyACM1", Index: 1}

	h, err := e.arbiter.Acquire(context.Background(), ref)
	require.NoError(t, err)

	token := e.arbiter.Token()
	require.NotNil(t, token)
	assert.Equal(t, ref, token.Module)
	assert.Equal(t, 1, e.arbiter.Writing())

	// every device is de-energized before the token is handed out
	for _, ep := range []string{"/dev/ttyACM0", "/dev/ttyACM1"} {
		assert.Equal(t, 1, e.fleet.Controller(ep).CountCommand("RESET"), ep)
	}

	require.NoError(t, h.Write(context.Background(), 'h'))
	assert.True(t, e.fleet.Controller("/dev/ttyACM1").Energized(1))
	assert.Equal(t, 1, e.fleet.Energized())

	h.HoldFor(e.cfg.Dwell())
	require.NoError(t, e.arbiter.Release(context.Background(), h))

	assert.Nil(t, e.arbiter.Token())
	assert.Zero(t, e.arbiter.Writing())
	assert.Zero(t, e.fleet.Energized())
	for _, mod := range e.arbiter.Modules() {
		assert.Equal(t, arbiter.ModuleIdle, mod.State, mod.Ref.String())
	}
	assert.Len(t, e.arbiter.Modules(), 4)

	// releasing twice is a no-op
	require.NoError(t, e.arbiter.Release(context.Background(), h))
	require.ErrorIs(t, h.Write(context.Background(), 'a'), arbiter.ErrHandleReleased)
}

func TestAcquire_InvalidModule(t *testing.T) {
	t.Parallel()

	e := newEnv(t, "/dev/ttyACM0")
	_, err := e.arbiter.Acquire(context.Background(), arbiter.ModuleRef{DeviceID: "/dev/ttyACM0", Index: 2})
	require.ErrorIs(t, err, protocol.ErrInvalidModule)
	assert.Zero(t, e.fleet.Controller("/dev/ttyACM0").CountCommand("RESET"))
}

func TestAcquire_DeviceNotReady(t *testing.T) {
	t.Parallel()

	e := newEnv(t, "/dev/ttyACM0")
	e.devices.MarkError("/dev/ttyACM0", protocol.ErrCommandTimeout)

	_, err := e.arbiter.Acquire(context.Background(), arbiter.ModuleRef{DeviceID: "/dev/ttyACM0"})
	require.ErrorIs(t, err, arbiter.ErrModuleUnavailable)

	_, err = e.arbiter.Acquire(context.Background(), arbiter.ModuleRef{DeviceID: "/dev/ttyACM5"})
	require.ErrorIs(t, err, arbiter.ErrModuleUnavailable)
}

func TestAcquire_WaitsForToken(t *testing.T) {
	t.Parallel()

	e := newEnv(t, "/dev/ttyACM0")
	h, err := e.arbiter.Acquire(context.Background(), arbiter.ModuleRef{DeviceID: "/dev/ttyACM0"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = e.arbiter.Acquire(ctx, arbiter.ModuleRef{DeviceID: "/dev/ttyACM0", Index: 1})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, e.arbiter.Release(context.Background(), h))

	h, err = e.arbiter.Acquire(context.Background(), arbiter.ModuleRef{DeviceID: "/dev/ttyACM0", Index: 1})
	require.NoError(t, err)
	require.NoError(t, e.arbiter.Release(context.Background(), h))
}

func TestAcquire_TargetTimeoutExhaustsRetries(t *testing.T) {
	t.Parallel()

	e := newEnv(t, "/dev/ttyACM0")
	e.cfg.SetCommandTimeout(20 * time.Millisecond)
	ctrl := e.fleet.Controller("/dev/ttyACM0")
	ctrl.Configure(func(c *testutils.Controller) { c.Silent = true })

	_, err := e.arbiter.Acquire(context.Background(), arbiter.ModuleRef{DeviceID: "/dev/ttyACM0"})
	require.ErrorIs(t, err, arbiter.ErrModuleUnavailable)
	require.ErrorIs(t, err, protocol.ErrCommandTimeout)

	// one attempt plus the default two retries
	assert.Equal(t, 1+config.DefaultRetries, ctrl.CountCommand("RESET"))

	dev, _ := e.devices.Device("/dev/ttyACM0")
	assert.Equal(t, devices.StatusError, dev.Status)
	assert.Nil(t, e.arbiter.Token())
}

func TestAcquire_RetriesRecover(t *testing.T) {
	t.Parallel()

	e := newEnv(t, "/dev/ttyACM0")
	e.cfg.SetCommandTimeout(20 * time.Millisecond)
	ctrl := e.fleet.Controller("/dev/ttyACM0")
	ctrl.Configure(func(c *testutils.Controller) { c.DropReplies = 1 })

	h, err := e.arbiter.Acquire(context.Background(), arbiter.ModuleRef{DeviceID: "/dev/ttyACM0"})
	require.NoError(t, err)
	require.NoError(t, e.arbiter.Release(context.Background(), h))

	dev, _ := e.devices.Device("/dev/ttyACM0")
	assert.Equal(t, devices.StatusReady, dev.Status)
}

func TestAcquire_OtherDeviceFault(t *testing.T) {
	t.Parallel()

	e := newEnv(t, "/dev/ttyACM0", "/dev/ttyACM1")
	e.fleet.Controller("/dev/ttyACM1").Configure(func(c *testutils.Controller) { c.Fault = "OVERHEAT" })
	ref := arbiter.ModuleRef{DeviceID: "/dev/ttyACM0"}

	_, err := e.arbiter.Acquire(context.Background(), ref)
	require.ErrorIs(t, err, protocol.ErrDeviceFault)
	require.NotErrorIs(t, err, arbiter.ErrModuleUnavailable)

	dev, _ := e.devices.Device("/dev/ttyACM1")
	assert.Equal(t, devices.StatusError, dev.Status)
	assert.False(t, e.devices.Linked("/dev/ttyACM1"))

	// the faulted device is out of the broadcast now
	h, err := e.arbiter.Acquire(context.Background(), ref)
	require.NoError(t, err)
	require.NoError(t, e.arbiter.Release(context.Background(), h))
}

func TestEnergize_FaultStillReleases(t *testing.T) {
	t.Parallel()

	e := newEnv(t, "/dev/ttyACM0")
	h, err := e.arbiter.Acquire(context.Background(), arbiter.ModuleRef{DeviceID: "/dev/ttyACM0"})
	require.NoError(t, err)

	e.fleet.Controller("/dev/ttyACM0").Configure(func(c *testutils.Controller) { c.Fault = "COIL_OPEN" })

	err = h.Write(context.Background(), 'a')
	require.ErrorIs(t, err, arbiter.ErrModuleUnavailable)
	require.ErrorIs(t, err, protocol.ErrDeviceFault)

	err = e.arbiter.Release(context.Background(), h)
	require.Error(t, err)
	assert.Nil(t, e.arbiter.Token(), "token is cleared even when release fails")
	assert.Zero(t, e.arbiter.Writing())

	dev, _ := e.devices.Device("/dev/ttyACM0")
	assert.Equal(t, devices.StatusError, dev.Status)
}

func TestRelease_FaultedResetTripsDevice(t *testing.T) {
	t.Parallel()

	e := newEnv(t, "/dev/ttyACM0", "/dev/ttyACM1")
	faulty := e.fleet.Controller("/dev/ttyACM0")

	h, err := e.arbiter.Acquire(context.Background(), arbiter.ModuleRef{DeviceID: "/dev/ttyACM0"})
	require.NoError(t, err)
	require.NoError(t, h.Write(context.Background(), 'a'))
	require.True(t, faulty.Energized(0))

	// the controller overheats while the module is held and refuses RESET
	faulty.Configure(func(c *testutils.Controller) { c.Fault = "OVERHEAT" })
	err = e.arbiter.Release(context.Background(), h)
	require.ErrorIs(t, err, arbiter.ErrModuleUnavailable)

	dev, _ := e.devices.Device("/dev/ttyACM0")
	assert.Equal(t, devices.StatusError, dev.Status)
	assert.False(t, e.devices.Linked("/dev/ttyACM0"))
	assert.False(t, faulty.Energized(0))
	assert.Zero(t, e.fleet.Energized())

	h, err = e.arbiter.Acquire(context.Background(), arbiter.ModuleRef{DeviceID: "/dev/ttyACM1"})
	require.NoError(t, err)
	require.NoError(t, h.Write(context.Background(), 'b'))
	require.NoError(t, e.arbiter.Release(context.Background(), h))

	assert.Zero(t, e.fleet.Violations())
	assert.Equal(t, 1, e.fleet.MaxEnergized())
}

func TestAcquire_ResetsErrorDeviceWithLink(t *testing.T) {
	t.Parallel()

	e := newEnv(t, "/dev/ttyACM0", "/dev/ttyACM1")
	e.devices.MarkError("/dev/ttyACM1", protocol.ErrCommandTimeout)
	require.True(t, e.devices.Linked("/dev/ttyACM1"))

	h, err := e.arbiter.Acquire(context.Background(), arbiter.ModuleRef{DeviceID: "/dev/ttyACM0"})
	require.NoError(t, err)
	require.NoError(t, e.arbiter.Release(context.Background(), h))

	assert.Equal(t, 1, e.fleet.Controller("/dev/ttyACM1").CountCommand("RESET"))
}

func TestEnergize_RejectedCommandKeepsDevice(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		code    string
		wantErr error
	}{
		{name: "invalid module", code: protocol.CodeInvalidModule, wantErr: protocol.ErrInvalidModule},
		{name: "unknown command", code: protocol.CodeUnknownCommand, wantErr: protocol.ErrUnknownCommand},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			e := newEnv(t, "/dev/ttyACM0")
			ctrl := e.fleet.Controller("/dev/ttyACM0")
			h, err := e.arbiter.Acquire(context.Background(), arbiter.ModuleRef{DeviceID: "/dev/ttyACM0"})
			require.NoError(t, err)

			ctrl.Configure(func(c *testutils.Controller) { c.Fault = tt.code })
			err = h.Write(context.Background(), 'a')
			require.ErrorIs(t, err, tt.wantErr)
			require.NotErrorIs(t, err, arbiter.ErrModuleUnavailable)
			assert.Equal(t, 1, ctrl.CountCommand("WRITE_MODULE:0:a"), "rejections are not retried")

			ctrl.Configure(func(c *testutils.Controller) { c.Fault = "" })
			require.NoError(t, e.arbiter.Release(context.Background(), h))

			dev, _ := e.devices.Device("/dev/ttyACM0")
			assert.Equal(t, devices.StatusReady, dev.Status)
			assert.True(t, e.devices.Linked("/dev/ttyACM0"))
		})
	}
}

func TestEnergize_WrongModule(t *testing.T) {
	t.Parallel()

	e := newEnv(t, "/dev/ttyACM0")
	h, err := e.arbiter.Acquire(context.Background(), arbiter.ModuleRef{DeviceID: "/dev/ttyACM0"})
	require.NoError(t, err)
	defer func() { _ = e.arbiter.Release(context.Background(), h) }()

	_, err = h.Energize(context.Background(), protocol.WriteModule{Module: 1, Char: 'a'})
	require.ErrorIs(t, err, protocol.ErrInvalidModule)

	_, err = h.Energize(context.Background(), protocol.WriteModule{Module: 0, Char: '5'})
	require.ErrorIs(t, err, protocol.ErrUnsupportedCharacter)

	dev, _ := e.devices.Device("/dev/ttyACM0")
	assert.Equal(t, devices.StatusReady, dev.Status, "local validation never demotes a device")
}

func TestReset_Idempotent(t *testing.T) {
	t.Parallel()

	e := newEnv(t, "/dev/ttyACM0", "/dev/ttyACM1")

	for range 2 {
		results, err := e.arbiter.Reset(context.Background())
		require.NoError(t, err)
		require.Len(t, results, 2)
		for id, rerr := range results {
			require.NoError(t, rerr, id)
		}
		assert.Zero(t, e.arbiter.Writing())
		assert.Zero(t, e.fleet.Energized())
	}
}

func TestTestAll(t *testing.T) {
	t.Parallel()

	e := newEnv(t, "/dev/ttyACM0", "/dev/ttyACM1")
	results := e.arbiter.TestAll(context.Background())

	require.Len(t, results, 2)
	for id, err := range results {
		require.NoError(t, err, id)
		assert.Equal(t, 1, e.fleet.Controller(id).CountCommand("TEST"))
	}
	assert.Zero(t, e.fleet.Violations())
	assert.Nil(t, e.arbiter.Token())
}

func TestWritePattern(t *testing.T) {
	t.Parallel()

	e := newEnv(t, "/dev/ttyACM0")
	require.NoError(t, e.arbiter.WritePattern(context.Background(), "/dev/ttyACM0", 0b111010))
	assert.Equal(t, 1, e.fleet.Controller("/dev/ttyACM0").CountCommand("PATTERN:58"))

	err := e.arbiter.WritePattern(context.Background(), "/dev/ttyACM0", 64)
	require.ErrorIs(t, err, protocol.ErrInvalidPattern)
}

func TestWriteLegacy(t *testing.T) {
	t.Parallel()

	e := newEnv(t, "/dev/ttyACM0")
	reply, err := e.arbiter.WriteLegacy(context.Background(), "/dev/ttyACM0", "h5la")
	require.NoError(t, err)

	assert.Equal(t, []string{"START", "WARN:UNSUPPORTED_CHAR:5", "DONE"}, reply.Lines())
	assert.Equal(t, []string{"UNSUPPORTED_CHAR:5"}, reply.Warnings)
	assert.Nil(t, e.arbiter.Token())

	_, err = e.arbiter.WriteLegacy(context.Background(), "/dev/ttyACM0", "")
	require.Error(t, err)
}

func TestDispatch(t *testing.T) {
	t.Parallel()

	e := newEnv(t, "/dev/ttyACM0")
	ctrl := e.fleet.Controller("/dev/ttyACM0")

	reply, err := e.arbiter.Dispatch(context.Background(), "/dev/ttyACM0", protocol.Status{})
	require.NoError(t, err)
	assert.Equal(t, []string{"READY"}, reply.Lines())
	assert.Zero(t, ctrl.CountCommand("RESET"), "STATUS does not take the token")

	reply, err = e.arbiter.Dispatch(context.Background(), "/dev/ttyACM0", protocol.WriteModule{Module: 1, Char: 'z'})
	require.NoError(t, err)
	assert.Equal(t, []string{"OK"}, reply.Lines())

	cmds := ctrl.Commands()
	assert.Equal(t, []string{"STATUS", "STATUS", "RESET", "WRITE_MODULE:1:z", "RESET"}, cmds)

	_, err = e.arbiter.Dispatch(context.Background(), "/dev/ttyACM0", protocol.Unknown{Line: "FOO"})
	require.ErrorIs(t, err, protocol.ErrUnknownCommand)
	_, err = e.arbiter.Dispatch(context.Background(), "/dev/ttyACM0", nil)
	require.ErrorIs(t, err, protocol.ErrUnknownCommand)
}

func TestVerify(t *testing.T) {
	t.Parallel()

	e := newEnv(t, "/dev/ttyACM0", "/dev/ttyACM1")
	e.cfg.SetCommandTimeout(20 * time.Millisecond)
	e.fleet.Controller("/dev/ttyACM1").Configure(func(c *testutils.Controller) { c.Silent = true })

	results := e.arbiter.Verify(context.Background())
	assert.Equal(t, map[string]bool{"/dev/ttyACM0": true, "/dev/ttyACM1": false}, results)
}

func TestConcurrentWritersNeverOverlap(t *testing.T) {
	t.Parallel()

	endpoints := []string{"/dev/ttyACM0", "/dev/ttyACM1", "/dev/ttyACM2"}
	e := newEnv(t, endpoints...)

	var wg sync.WaitGroup
	for i := range 12 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ref := arbiter.ModuleRef{DeviceID: endpoints[i%len(endpoints)], Index: i % 2}
			cmd := protocol.WriteModule{Module: ref.Index, Char: rune('a' + i)}
			_, err := e.arbiter.Dispatch(context.Background(), ref.DeviceID, cmd)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Len(t, e.fleet.Writes(), 12)
	assert.Equal(t, 1, e.fleet.MaxEnergized())
	assert.Zero(t, e.fleet.Violations())
	assert.Zero(t, e.fleet.Energized())
}

func TestPropertyExclusivityUnderFaults(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(rt *rapid.T) {
		cfg := testutils.NewConfig(t)
		cfg.SetCommandTimeout(10 * time.Millisecond)
		cfg.SetDwell(time.Millisecond)
		fleet := testutils.NewFleet()
		m := devices.NewManager(cfg, nil, devices.WithPortFactory(fleet.PortFactory()))
		defer m.Close()

		n := rapid.IntRange(1, 3).Draw(rt, "devices")
		endpoints := make([]string, n)
		for i := range n {
			endpoints[i] = "/dev/ttyACM" + string(rune('0'+i))
			fleet.Add(endpoints[i])
			_, err := m.Connect(context.Background(), endpoints[i])
			require.NoError(rt, err)
		}
		a := arbiter.New(cfg, m)

		steps := rapid.IntRange(1, 8).Draw(rt, "steps")
		for range steps {
			dev := rapid.SampledFrom(endpoints).Draw(rt, "device")
			switch rapid.IntRange(0, 3).Draw(rt, "fault") {
			case 1:
				fleet.Controller(dev).Configure(func(c *testutils.Controller) { c.DropReplies = 1 })
			case 2:
				fleet.Controller(dev).Configure(func(c *testutils.Controller) { c.Garbage = true })
			case 3:
				fleet.Controller(dev).Configure(func(c *testutils.Controller) { c.Garbage = false })
			}

			target := rapid.SampledFrom(endpoints).Draw(rt, "target")
			module := rapid.IntRange(0, 1).Draw(rt, "module")
			char := rapid.RuneFrom([]rune("abcdefghijklmnopqrstuvwxyz")).Draw(rt, "char")
			_, _ = a.Dispatch(context.Background(), target, protocol.WriteModule{Module: module, Char: char})

			if a.Writing() > 1 {
				rt.Fatalf("%d modules writing", a.Writing())
			}
		}

		if fleet.Violations() != 0 {
			rt.Fatalf("exclusivity violated %d times, max energized %d", fleet.Violations(), fleet.MaxEnergized())
		}
		if a.Token() != nil {
			rt.Fatalf("token still held after all operations")
		}
	})
}
