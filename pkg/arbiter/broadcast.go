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

package arbiter

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/ZaparooProject/zaparoo-braille/pkg/braille"
	"github.com/ZaparooProject/zaparoo-braille/pkg/protocol"
	"github.com/rs/zerolog/log"
)

// testTimeout covers a TEST, which pulses every dot of both modules in
// turn before answering.
func (a *Arbiter) testTimeout() time.Duration {
	return a.cfg.CommandTimeout() + time.Duration(protocol.ModulesPerDevice*braille.DotCount)*a.cfg.SafetyGap()
}

// legacyTimeout covers a legacy WRITE, where the controller dwells on each
// character itself before sending DONE.
func (a *Arbiter) legacyTimeout(text string) time.Duration {
	return a.cfg.CommandTimeout() + time.Duration(utf8.RuneCountInString(text))*a.cfg.Dwell()
}

// TestAll sends TEST to every Ready device in discovery order, each under
// the token so no other module is energized meanwhile.
func (a *Arbiter) TestAll(ctx context.Context) map[string]error {
	results := make(map[string]error)
	for _, d := range a.devices.Ready() {
		ref := ModuleRef{DeviceID: d.ID, Index: 0}
		_, err := a.run(ctx, ref, protocol.Test{}, a.testTimeout(), 0)
		if err != nil {
			log.Warn().Err(err).Str("device", d.ID).Msg("module test failed")
		}
		results[d.ID] = err
		if ctx.Err() != nil {
			break
		}
	}
	return results
}

// Reset de-energizes every connected device, including those in Error. It
// waits for any active module to be released first.
func (a *Arbiter) Reset(ctx context.Context) (map[string]error, error) {
	if err := a.lock(ctx); err != nil {
		return nil, err
	}
	defer a.unlock()

	ids := make([]string, 0)
	for _, d := range a.devices.Devices() {
		if a.devices.Linked(d.ID) {
			ids = append(ids, d.ID)
		}
	}

	failed := a.broadcast(ctx, ids, protocol.Reset{})
	results := make(map[string]error, len(ids))
	for _, id := range ids {
		results[id] = failed[id]
	}

	a.mu.Lock()
	clear(a.states)
	a.mu.Unlock()

	log.Info().Int("devices", len(ids)).Int("failed", len(failed)).Msg("reset all devices")
	return results, nil
}

// Verify sends STATUS to every connected device and reports which
// answered READY. STATUS never energizes anything so it does not need the
// token.
func (a *Arbiter) Verify(ctx context.Context) map[string]bool {
	results := make(map[string]bool)
	ids := make([]string, 0)
	for _, d := range a.devices.Devices() {
		if a.devices.Linked(d.ID) {
			ids = append(ids, d.ID)
		} else {
			results[d.ID] = false
		}
	}

	failed := a.broadcast(ctx, ids, protocol.Status{})
	for _, id := range ids {
		results[id] = failed[id] == nil
	}
	return results
}

// WritePattern shows a raw dot pattern on module 0 of id for one dwell.
func (a *Arbiter) WritePattern(ctx context.Context, id string, value int) error {
	cmd := protocol.Pattern{Value: value}
	if err := cmd.Validate(); err != nil {
		return err
	}
	_, err := a.run(ctx, ModuleRef{DeviceID: id, Index: 0}, cmd, a.cfg.CommandTimeout(), a.cfg.Dwell())
	return err
}

// WriteLegacy sends a whole text to module 0 of one device with a legacy
// WRITE. It bypasses the rotation but still takes the token.
func (a *Arbiter) WriteLegacy(ctx context.Context, id, text string) (*protocol.Reply, error) {
	cmd := protocol.WriteLegacy{Text: text}
	if err := cmd.Validate(); err != nil {
		return nil, err
	}
	return a.run(ctx, ModuleRef{DeviceID: id, Index: 0}, cmd, a.legacyTimeout(text), 0)
}

// Dispatch sends a raw command to one device. Commands that energize a
// module go through the token like any write; STATUS and RESET go
// straight to the device.
func (a *Arbiter) Dispatch(ctx context.Context, id string, cmd protocol.Command) (*protocol.Reply, error) {
	if cmd == nil {
		return nil, protocol.ErrUnknownCommand
	}
	if err := cmd.Validate(); err != nil {
		return nil, err
	}

	switch c := cmd.(type) {
	case protocol.WriteModule:
		return a.run(ctx, ModuleRef{DeviceID: id, Index: c.Module}, c, a.cfg.CommandTimeout(), a.cfg.Dwell())
	case protocol.Pattern:
		return a.run(ctx, ModuleRef{DeviceID: id, Index: 0}, c, a.cfg.CommandTimeout(), a.cfg.Dwell())
	case protocol.WriteLegacy:
		return a.WriteLegacy(ctx, id, c.Text)
	case protocol.Test:
		return a.run(ctx, ModuleRef{DeviceID: id, Index: 0}, c, a.testTimeout(), 0)
	case protocol.Status, protocol.Reset:
		return a.devices.Send(ctx, id, c)
	default:
		return nil, fmt.Errorf("%w: %s", protocol.ErrUnknownCommand, cmd)
	}
}
