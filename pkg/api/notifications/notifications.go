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

package notifications

import (
	"encoding/json"

	"github.com/ZaparooProject/zaparoo-braille/pkg/api/models"
	"github.com/rs/zerolog/log"
)

// sendNotification marshals the payload and sends it without blocking. A
// full or nil channel drops the notification so event delivery can never
// stall the write cycle.
func sendNotification(ns chan<- models.Notification, method string, payload any) {
	if ns == nil {
		return
	}

	var params json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			log.Error().Err(err).Str("method", method).Msg("error marshalling notification params")
			return
		}
		params = data
	}

	select {
	case ns <- models.Notification{Method: method, Params: params}:
	default:
		log.Warn().Str("method", method).Msg("notification channel full, dropping notification")
	}
}

func DevicesConnected(ns chan<- models.Notification, payload models.DeviceResponse) {
	sendNotification(ns, models.NotificationDevicesConnected, payload)
}

func DevicesError(ns chan<- models.Notification, payload models.DeviceErrorResponse) {
	sendNotification(ns, models.NotificationDevicesError, payload)
}

func JobsProgress(ns chan<- models.Notification, payload models.JobResponse) {
	sendNotification(ns, models.NotificationJobsProgress, payload)
}

func JobsCompleted(ns chan<- models.Notification, payload models.JobResponse) {
	sendNotification(ns, models.NotificationJobsCompleted, payload)
}

func JobsSkipped(ns chan<- models.Notification, payload models.JobSkippedResponse) {
	sendNotification(ns, models.NotificationJobsSkipped, payload)
}

func CommandsSent(ns chan<- models.Notification, payload models.CommandLogResponse) {
	sendNotification(ns, models.NotificationCommandsSent, payload)
}

func CommandsReceived(ns chan<- models.Notification, payload models.CommandLogResponse) {
	sendNotification(ns, models.NotificationCommandsReceived, payload)
}
