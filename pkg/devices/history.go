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
	"github.com/ZaparooProject/zaparoo-braille/pkg/helpers/syncutil"
)

// HistorySize is how many command log lines are kept.
const HistorySize = 100

type Direction string

const (
	DirectionSent     Direction = "sent"
	DirectionReceived Direction = "received"
)

type HistoryEntry struct {
	Time      time.Time
	DeviceID  string
	Line      string
	Direction Direction
}

func (e HistoryEntry) Response() models.CommandLogResponse {
	return models.CommandLogResponse{
		Time:      e.Time,
		DeviceID:  e.DeviceID,
		Line:      e.Line,
		Direction: string(e.Direction),
	}
}

// History is a fixed-size ring of recent protocol traffic.
type History struct {
	entries []HistoryEntry
	next    int
	full    bool
	mu      syncutil.Mutex
}

func NewHistory(size int) *History {
	if size <= 0 {
		size = HistorySize
	}
	return &History{entries: make([]HistoryEntry, size)}
}

func (h *History) Add(e HistoryEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries[h.next] = e
	h.next = (h.next + 1) % len(h.entries)
	if h.next == 0 {
		h.full = true
	}
}

// Entries returns the log oldest first.
func (h *History) Entries() []HistoryEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.full {
		return append([]HistoryEntry(nil), h.entries[:h.next]...)
	}
	out := make([]HistoryEntry, 0, len(h.entries))
	out = append(out, h.entries[h.next:]...)
	out = append(out, h.entries[:h.next]...)
	return out
}
