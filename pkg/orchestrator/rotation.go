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

package orchestrator

import (
	"slices"

	"github.com/ZaparooProject/zaparoo-braille/pkg/arbiter"
	"github.com/ZaparooProject/zaparoo-braille/pkg/devices"
)

// Rotation lists every module of the Ready devices, in device discovery
// order and then module index.
func Rotation(devs []devices.Device) []arbiter.ModuleRef {
	sorted := slices.Clone(devs)
	slices.SortStableFunc(sorted, func(a, b devices.Device) int {
		return a.Order - b.Order
	})

	refs := make([]arbiter.ModuleRef, 0, len(sorted)*2)
	for _, d := range sorted {
		if d.Status != devices.StatusReady {
			continue
		}
		for i := range d.ModuleCount() {
			refs = append(refs, arbiter.ModuleRef{DeviceID: d.ID, Index: i})
		}
	}
	return refs
}

// Recompute rebuilds the rotation from devs and maps pos onto it. The new
// position is the first module at or after pos in the old rotation that
// is still available, so the remaining modules keep their turn order.
func Recompute(old []arbiter.ModuleRef, pos int, devs []devices.Device) ([]arbiter.ModuleRef, int) {
	next := Rotation(devs)
	if len(next) == 0 || len(old) == 0 {
		return next, 0
	}
	for i := range old {
		ref := old[(pos+i)%len(old)]
		if idx := slices.Index(next, ref); idx >= 0 {
			return next, idx
		}
	}
	return next, 0
}

func sameRotation(a, b []arbiter.ModuleRef) bool {
	return slices.Equal(a, b)
}
