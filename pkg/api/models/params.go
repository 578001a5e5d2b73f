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

package models

type ConnectParams struct {
	Endpoint string `json:"endpoint" validate:"required,endpoint,max=256"`
}

type DeviceParams struct {
	DeviceID string `json:"deviceId" validate:"required,device"`
}

type SendParams struct {
	DeviceID string `json:"deviceId" validate:"required,device"`
	Command  string `json:"command" validate:"required,max=4096,command"`
}

type WriteParams struct {
	Text string `json:"text" validate:"required,max=4096"`
}

// WriteLegacyParams targets the first Ready device when DeviceID is empty.
type WriteLegacyParams struct {
	DeviceID string `json:"deviceId" validate:"omitempty,device"`
	Text     string `json:"text" validate:"required,max=4096"`
}

type CancelParams struct {
	JobID string `json:"jobId" validate:"required,uuid"`
}

type PatternParams struct {
	DeviceID string `json:"deviceId" validate:"required,device"`
	Value    int    `json:"value" validate:"min=0,max=63"`
}
