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

// Package arbiter owns the single active-module token. Only the holder of
// the token may energize a module, and every acquisition de-energizes the
// whole fleet first, so at most one module across all controllers is ever
// energized.
package arbiter

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/ZaparooProject/zaparoo-braille/pkg/api/models"
	"github.com/ZaparooProject/zaparoo-braille/pkg/config"
	"github.com/ZaparooProject/zaparoo-braille/pkg/devices"
	"github.com/ZaparooProject/zaparoo-braille/pkg/helpers/syncutil"
	"github.com/ZaparooProject/zaparoo-braille/pkg/protocol"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// ErrModuleUnavailable is returned when the target module's device stopped
// answering and was moved to Error. Its modules are out of rotation until
// the health monitor reinstates it.
var ErrModuleUnavailable = errors.New("module unavailable")

// ErrHandleReleased is returned when a released handle is used again.
var ErrHandleReleased = errors.New("handle already released")

type ModuleState int

const (
	ModuleIdle ModuleState = iota
	ModuleWriting
	ModuleCooling
)

func (s ModuleState) String() string {
	switch s {
	case ModuleIdle:
		return "idle"
	case ModuleWriting:
		return "writing"
	case ModuleCooling:
		return "cooling"
	default:
		return "unknown"
	}
}

// ModuleRef addresses one module on one device.
type ModuleRef struct {
	DeviceID string
	Index    int
}

func (r ModuleRef) String() string {
	return fmt.Sprintf("%s/%d", r.DeviceID, r.Index)
}

// Token is the active-module marker. A nil *Token means no module may be
// energized.
type Token struct {
	Since  time.Time
	Module ModuleRef
}

func (t *Token) Response() *models.ActiveTokenResponse {
	if t == nil {
		return nil
	}
	return &models.ActiveTokenResponse{
		Since:    t.Since,
		DeviceID: t.Module.DeviceID,
		Module:   t.Module.Index,
	}
}

type Module struct {
	Ref   ModuleRef
	State ModuleState
}

func (m Module) Response() models.ModuleResponse {
	return models.ModuleResponse{
		DeviceID: m.Ref.DeviceID,
		Index:    m.Ref.Index,
		State:    m.State.String(),
	}
}

type Arbiter struct {
	clock   clockwork.Clock
	cfg     *config.Instance
	devices *devices.Manager
	sem     chan struct{}
	token   *Token
	states  map[ModuleRef]ModuleState
	mu      syncutil.RWMutex
}

func New(cfg *config.Instance, devs *devices.Manager) *Arbiter {
	return &Arbiter{
		clock:   devs.Clock(),
		cfg:     cfg,
		devices: devs,
		sem:     make(chan struct{}, 1),
		states:  make(map[ModuleRef]ModuleState),
	}
}

// Handle is the caller's claim on the token between Acquire and Release.
type Handle struct {
	arbiter  *Arbiter
	Ref      ModuleRef
	released bool
}

// Token returns a copy of the current token, or nil when no module is
// active.
func (a *Arbiter) Token() *Token {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.token == nil {
		return nil
	}
	t := *a.token
	return &t
}

// Busy reports whether a module is active.
func (a *Arbiter) Busy() bool {
	return a.Token() != nil
}

// Modules lists both modules of every known device in discovery order.
func (a *Arbiter) Modules() []Module {
	devs := a.devices.Devices()

	a.mu.RLock()
	defer a.mu.RUnlock()
	mods := make([]Module, 0, len(devs)*protocol.ModulesPerDevice)
	for _, d := range devs {
		for i := range d.ModuleCount() {
			ref := ModuleRef{DeviceID: d.ID, Index: i}
			mods = append(mods, Module{Ref: ref, State: a.states[ref]})
		}
	}
	return mods
}

// Writing counts modules currently in the Writing state.
func (a *Arbiter) Writing() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	n := 0
	for _, s := range a.states {
		if s == ModuleWriting {
			n++
		}
	}
	return n
}

func (a *Arbiter) setState(ref ModuleRef, s ModuleState) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if s == ModuleIdle {
		delete(a.states, ref)
		return
	}
	a.states[ref] = s
}

func (a *Arbiter) lock(ctx context.Context) error {
	select {
	case a.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for active token: %w", ctx.Err())
	}
}

func (a *Arbiter) unlock() {
	<-a.sem
}

// Acquire waits for the token, de-energizes every module on every linked
// device, waits the safety gap and then hands ref the token. The module is
// Writing from here until Release.
func (a *Arbiter) Acquire(ctx context.Context, ref ModuleRef) (*Handle, error) {
	if !protocol.ValidModule(ref.Index) {
		return nil, fmt.Errorf("%w: %d", protocol.ErrInvalidModule, ref.Index)
	}

	if err := a.lock(ctx); err != nil {
		return nil, err
	}

	dev, ok := a.devices.Device(ref.DeviceID)
	if !ok || dev.Status != devices.StatusReady {
		a.unlock()
		return nil, fmt.Errorf("%w: %s is not ready", ErrModuleUnavailable, ref.DeviceID)
	}

	if err := a.deenergizeFleet(ctx, ref.DeviceID); err != nil {
		a.unlock()
		return nil, err
	}

	a.clock.Sleep(a.cfg.SafetyGap())

	a.mu.Lock()
	a.token = &Token{Module: ref, Since: a.clock.Now()}
	a.states[ref] = ModuleWriting
	a.mu.Unlock()

	log.Debug().Str("device", ref.DeviceID).Int("module", ref.Index).Msg("token acquired")
	return &Handle{arbiter: a, Ref: ref}, nil
}

// resetTargets is every device with an open link plus target, in
// discovery order. Devices in Error are included while their link is up,
// since a fault does not switch off a module the controller is driving.
func (a *Arbiter) resetTargets(target string) []string {
	ids := make([]string, 0)
	for _, d := range a.devices.Devices() {
		if d.ID == target || a.devices.Linked(d.ID) {
			ids = append(ids, d.ID)
		}
	}
	if target != "" && !slices.Contains(ids, target) {
		ids = append(ids, target)
	}
	return ids
}

// broadcast sends cmd to every id concurrently and returns the failures.
func (a *Arbiter) broadcast(ctx context.Context, ids []string, cmd protocol.Command) map[string]error {
	var (
		g      errgroup.Group
		mu     syncutil.Mutex
		failed = make(map[string]error)
	)

	for _, id := range ids {
		g.Go(func() error {
			_, err := a.devices.Send(ctx, id, cmd)
			if err != nil {
				mu.Lock()
				failed[id] = err
				mu.Unlock()
			}
			return err
		})
	}

	if err := g.Wait(); err != nil {
		log.Debug().Err(err).Stringer("cmd", cmd).Int("failed", len(failed)).Msg("broadcast had failures")
	}
	return failed
}

func allRetryable(failed map[string]error) bool {
	for _, err := range failed {
		if !protocol.Retryable(err) {
			return false
		}
	}
	return true
}

// deenergizeFleet broadcasts RESET, retrying the whole broadcast on
// timeouts. Devices that never acknowledge are tripped: moved to Error
// with their link closed, so none of them can still be driving a module.
func (a *Arbiter) deenergizeFleet(ctx context.Context, target string) error {
	attempts := 1 + a.cfg.Retries()

	var failed map[string]error
	for attempt := 1; attempt <= attempts; attempt++ {
		failed = a.broadcast(ctx, a.resetTargets(target), protocol.Reset{})
		if len(failed) == 0 {
			return nil
		}
		if ctx.Err() != nil {
			return fmt.Errorf("reset broadcast cancelled: %w", ctx.Err())
		}
		if !allRetryable(failed) {
			break
		}
		log.Warn().Int("attempt", attempt).Int("failed", len(failed)).Msg("reset broadcast incomplete, retrying")
	}

	errs := make([]error, 0, len(failed))
	for _, id := range slices.Sorted(maps.Keys(failed)) {
		a.devices.Trip(id, failed[id])
		errs = append(errs, fmt.Errorf("%s: %w", id, failed[id]))
	}

	if err, ok := failed[target]; ok {
		return fmt.Errorf("%w: %s did not acknowledge RESET: %w", ErrModuleUnavailable, target, err)
	}
	return fmt.Errorf("%w: reset broadcast failed: %w", protocol.ErrDeviceFault, errors.Join(errs...))
}

// sendRetry sends cmd to id, retrying timeouts and malformed replies. A
// RESET precedes each retry of an energizing command. Once retries are
// exhausted, or on a device fault, the device is tripped. A command the
// controller rejects only fails that call.
func (a *Arbiter) sendRetry(
	ctx context.Context,
	id string,
	cmd protocol.Command,
	timeout time.Duration,
) (*protocol.Reply, error) {
	if _, err := protocol.Encode(cmd); err != nil {
		return nil, err
	}

	attempts := 1 + a.cfg.Retries()

	var (
		reply *protocol.Reply
		err   error
	)
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 && protocol.Energizes(cmd) {
			if _, rerr := a.devices.Send(ctx, id, protocol.Reset{}); rerr != nil {
				log.Debug().Err(rerr).Str("device", id).Msg("reset before retry failed")
			}
		}

		reply, err = a.devices.SendTimeout(ctx, id, cmd, timeout)
		if err == nil {
			return reply, nil
		}
		if ctx.Err() != nil || !protocol.Retryable(err) {
			break
		}
		log.Warn().Err(err).Str("device", id).Stringer("cmd", cmd).Int("attempt", attempt).
			Msg("command failed, retrying")
	}

	if ctx.Err() != nil || protocol.Rejected(err) {
		return reply, err
	}
	a.devices.Trip(id, err)
	return reply, fmt.Errorf("%w: %s: %w", ErrModuleUnavailable, id, err)
}

// Energize sends cmd to the handle's device. The handle must still hold
// the token.
func (h *Handle) Energize(ctx context.Context, cmd protocol.Command) (*protocol.Reply, error) {
	return h.energize(ctx, cmd, h.arbiter.cfg.CommandTimeout())
}

func (h *Handle) energize(ctx context.Context, cmd protocol.Command, timeout time.Duration) (*protocol.Reply, error) {
	a := h.arbiter
	if h.released {
		return nil, ErrHandleReleased
	}
	if wm, ok := cmd.(protocol.WriteModule); ok && wm.Module != h.Ref.Index {
		return nil, fmt.Errorf("%w: handle holds module %d, not %d", protocol.ErrInvalidModule, h.Ref.Index, wm.Module)
	}
	return a.sendRetry(ctx, h.Ref.DeviceID, cmd, timeout)
}

// Write energizes the held module with the pattern for c.
func (h *Handle) Write(ctx context.Context, c rune) error {
	_, err := h.Energize(ctx, protocol.WriteModule{Module: h.Ref.Index, Char: c})
	return err
}

// HoldFor keeps the module energized for d. It is not cancellable, so a
// dwell always runs to completion before the module is released.
func (h *Handle) HoldFor(d time.Duration) {
	if h.released || d <= 0 {
		return
	}
	h.arbiter.clock.Sleep(d)
}

// Release de-energizes the held module, clears the token and waits out
// the inter-character gap. The token is always cleared, even when the
// device does not acknowledge; that device is tripped instead.
func (a *Arbiter) Release(ctx context.Context, h *Handle) error {
	if h == nil || h.released {
		return nil
	}
	h.released = true

	// The de-energize must go out even if the caller was cancelled.
	_, err := a.sendRetry(context.WithoutCancel(ctx), h.Ref.DeviceID, protocol.Reset{}, a.cfg.CommandTimeout())
	if protocol.Rejected(err) {
		a.devices.Trip(h.Ref.DeviceID, err)
	}

	a.mu.Lock()
	a.token = nil
	a.states[h.Ref] = ModuleCooling
	a.mu.Unlock()

	a.clock.Sleep(a.cfg.InterCharacterGap())
	a.setState(h.Ref, ModuleIdle)
	a.unlock()

	log.Debug().Str("device", h.Ref.DeviceID).Int("module", h.Ref.Index).Msg("token released")
	return err
}

// run holds the token on ref for a single command, optionally keeping the
// module energized for hold before releasing.
func (a *Arbiter) run(
	ctx context.Context,
	ref ModuleRef,
	cmd protocol.Command,
	timeout time.Duration,
	hold time.Duration,
) (*protocol.Reply, error) {
	h, err := a.Acquire(ctx, ref)
	if err != nil {
		return nil, err
	}

	reply, err := h.energize(ctx, cmd, timeout)
	if err == nil {
		h.HoldFor(hold)
	}
	if relErr := a.Release(ctx, h); err == nil {
		err = relErr
	}
	return reply, err
}
