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

package requests

import (
	"context"
	"encoding/json"

	"github.com/ZaparooProject/zaparoo-braille/pkg/arbiter"
	"github.com/ZaparooProject/zaparoo-braille/pkg/config"
	"github.com/ZaparooProject/zaparoo-braille/pkg/devices"
	"github.com/ZaparooProject/zaparoo-braille/pkg/orchestrator"
	"github.com/ZaparooProject/zaparoo-braille/pkg/service/state"
	"github.com/google/uuid"
)

// RequestEnv is everything a method handler may touch. Context ends when
// the service stops.
type RequestEnv struct {
	Context      context.Context
	Config       *config.Instance
	State        *state.State
	Devices      *devices.Manager
	Arbiter      *arbiter.Arbiter
	Orchestrator *orchestrator.Orchestrator
	Params       json.RawMessage
	ID           uuid.UUID
	IsLocal      bool
}
