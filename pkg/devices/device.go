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

package devices

import (
	"time"

	"github.com/ZaparooProject/zaparoo-braille/pkg/api/models"
	"github.com/ZaparooProject/zaparoo-braille/pkg/protocol"
)

type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusReady
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusReady:
		return "ready"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Device is a snapshot of one controller. The endpoint path doubles as
// its ID, and Order is its position in discovery order, which is what
// the write rotation follows.
type Device struct {
	LastHeartbeatAt     time.Time
	LastError           error
	ID                  string
	Endpoint            string
	Order               int
	ConsecutiveFailures int
	Status              Status
}

// ModuleCount is fixed by the controller firmware.
func (Device) ModuleCount() int {
	return protocol.ModulesPerDevice
}

func (d Device) Response() models.DeviceResponse {
	resp := models.DeviceResponse{
		ID:                  d.ID,
		Endpoint:            d.Endpoint,
		Status:              d.Status.String(),
		ModuleCount:         d.ModuleCount(),
		Order:               d.Order,
		ConsecutiveFailures: d.ConsecutiveFailures,
	}
	if !d.LastHeartbeatAt.IsZero() {
		hb := d.LastHeartbeatAt
		resp.LastHeartbeatAt = &hb
	}
	if d.LastError != nil {
		resp.LastError = d.LastError.Error()
	}
	return resp
}
