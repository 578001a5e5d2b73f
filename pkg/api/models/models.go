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

import (
	"encoding/json"

	"github.com/google/uuid"
)

const (
	NotificationDevicesConnected = "devices.connected"
	NotificationDevicesError     = "devices.error"
	NotificationJobsProgress     = "jobs.progress"
	NotificationJobsCompleted    = "jobs.completed"
	NotificationJobsSkipped      = "jobs.skipped"
	NotificationCommandsSent     = "commands.sent"
	NotificationCommandsReceived = "commands.received"
)

// AllNotifications lists every notification method, used to validate
// publisher filters.
var AllNotifications = []string{
	NotificationDevicesConnected,
	NotificationDevicesError,
	NotificationJobsProgress,
	NotificationJobsCompleted,
	NotificationJobsSkipped,
	NotificationCommandsSent,
	NotificationCommandsReceived,
}

const (
	MethodDevicesConnect    = "devices.connect"
	MethodDevicesDisconnect = "devices.disconnect"
	MethodDevicesPorts      = "devices.ports"
	MethodDevicesSend       = "devices.send"
	MethodDevicesVerify     = "devices.verify"
	MethodWrite             = "write"
	MethodWriteLegacy       = "write.legacy"
	MethodJobs              = "jobs"
	MethodJobsCancel        = "jobs.cancel"
	MethodTest              = "test"
	MethodReset             = "reset"
	MethodPatternWrite      = "pattern.write"
	MethodStatus            = "status"
	MethodSystemInfo        = "system.info"
	MethodLogsRecent        = "logs.recent"
	MethodVersion           = "version"
)

type Notification struct {
	Method string
	Params json.RawMessage
}

type RequestObject struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *uuid.UUID      `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type ErrorObject struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type ResponseObject struct {
	Result  any          `json:"result"`
	Error   *ErrorObject `json:"error,omitempty"`
	JSONRPC string       `json:"jsonrpc"`
	ID      uuid.UUID    `json:"id"`
}

// ResponseErrorObject exists for sending errors, so we can omit result from
// the response, but so nil responses are still returned when using the main
// ResponseObject.
type ResponseErrorObject struct {
	Error   *ErrorObject `json:"error"`
	JSONRPC string       `json:"jsonrpc"`
	ID      uuid.UUID    `json:"id"`
}
