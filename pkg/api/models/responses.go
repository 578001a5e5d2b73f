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
	"time"
)

type DeviceResponse struct {
	LastHeartbeatAt     *time.Time `json:"lastHeartbeatAt,omitempty"`
	ID                  string     `json:"id"`
	Endpoint            string     `json:"endpoint"`
	Status              string     `json:"status"`
	LastError           string     `json:"lastError,omitempty"`
	ModuleCount         int        `json:"moduleCount"`
	Order               int        `json:"order"`
	ConsecutiveFailures int        `json:"consecutiveFailures"`
}

type DeviceErrorResponse struct {
	Error  string         `json:"error"`
	Device DeviceResponse `json:"device"`
}

type ModuleResponse struct {
	DeviceID string `json:"deviceId"`
	State    string `json:"state"`
	Index    int    `json:"index"`
}

type ActiveTokenResponse struct {
	Since    time.Time `json:"since"`
	DeviceID string    `json:"deviceId"`
	Module   int       `json:"module"`
}

type SkipResponse struct {
	Char     string `json:"char"`
	Reason   string `json:"reason"`
	Position int    `json:"position"`
}

type JobResponse struct {
	CreatedAt              time.Time      `json:"createdAt"`
	StartedAt              *time.Time     `json:"startedAt,omitempty"`
	FinishedAt             *time.Time     `json:"finishedAt,omitempty"`
	Error                  string         `json:"error,omitempty"`
	ID                     string         `json:"id"`
	RawText                string         `json:"rawText"`
	Filtered               string         `json:"filtered"`
	Status                 string         `json:"status"`
	Skipped                []SkipResponse `json:"skipped"`
	Cursor                 int            `json:"cursor"`
	Total                  int            `json:"total"`
	RotationCursor         int            `json:"rotationCursor"`
	EstimatedTotalDuration int64          `json:"estimatedTotalDurationMs"`
	Elapsed                int64          `json:"elapsedMs"`
}

type JobSkippedResponse struct {
	JobID string       `json:"jobId"`
	Skip  SkipResponse `json:"skip"`
}

type CommandLogResponse struct {
	Time      time.Time `json:"time"`
	DeviceID  string    `json:"deviceId"`
	Line      string    `json:"line"`
	Direction string    `json:"direction"`
}

type StatsResponse struct {
	CommandsSent       int64 `json:"commandsSent"`
	ResponsesReceived  int64 `json:"responsesReceived"`
	Errors             int64 `json:"errors"`
	CharactersRendered int64 `json:"charactersRendered"`
	WordsRendered      int64 `json:"wordsRendered"`
	JobsCompleted      int64 `json:"jobsCompleted"`
	UptimeSeconds      int64 `json:"uptimeSeconds"`
}

type StatusResponse struct {
	ActiveToken *ActiveTokenResponse `json:"activeToken"`
	Devices     []DeviceResponse     `json:"devices"`
	Modules     []ModuleResponse     `json:"modules"`
	Jobs        []JobResponse        `json:"jobs"`
	Stats       StatsResponse        `json:"stats"`
}

type SystemInfoResponse struct {
	Endpoints         []EndpointResponse `json:"endpoints"`
	Constraint        string             `json:"constraint"`
	ConfiguredDevices int                `json:"configuredDevices"`
	ConnectedDevices  int                `json:"connectedDevices"`
	ModulesPerDevice  int                `json:"modulesPerDevice"`
	TotalModules      int                `json:"totalModules"`
	DwellMs           int64              `json:"dwellMs"`
	SafetyGapMs       int64              `json:"safetyGapMs"`
	HostUptimeSeconds int64              `json:"hostUptimeSeconds,omitempty"`
	ServiceUptimeSecs int64              `json:"serviceUptimeSeconds"`
}

type EndpointResponse struct {
	Endpoint string `json:"endpoint"`
	Status   string `json:"status"`
}

type PortsResponse struct {
	Ports []string `json:"ports"`
}

type SendResponse struct {
	Responses []string `json:"responses"`
	Warnings  []string `json:"warnings,omitempty"`
}

type JobsResponse struct {
	Jobs []JobResponse `json:"jobs"`
}

type LogsResponse struct {
	Entries []CommandLogResponse `json:"entries"`
}

type VerifyResponse struct {
	Devices map[string]bool `json:"devices"`
}

type VersionResponse struct {
	Version  string `json:"version"`
	Platform string `json:"platform"`
}
