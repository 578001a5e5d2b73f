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

// Package state holds the service-wide runtime state shared between the
// API and the background workers: the lifetime context, the event queue
// and boot information.
package state

import (
	"context"
	"time"

	"github.com/ZaparooProject/zaparoo-braille/pkg/api/models"
	"github.com/ZaparooProject/zaparoo-braille/pkg/helpers/syncutil"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// NotificationBuffer leaves room for a burst of command events during a
// long job without dropping device status changes.
const NotificationBuffer = 500

type State struct {
	clock         clockwork.Clock
	ctx           context.Context
	startedAt     time.Time
	ctxCancelFunc context.CancelFunc
	Notifications chan<- models.Notification
	bootID        string
	stopService   bool
	mu            syncutil.RWMutex
}

func NewState(clock clockwork.Clock, bootID string) (state *State, notificationCh <-chan models.Notification) {
	ns := make(chan models.Notification, NotificationBuffer)
	ctx, cancel := context.WithCancel(context.Background())
	return &State{
		clock:         clock,
		ctx:           ctx,
		ctxCancelFunc: cancel,
		Notifications: ns,
		bootID:        bootID,
		startedAt:     clock.Now(),
	}, ns
}

func (s *State) GetContext() context.Context {
	return s.ctx
}

// StopService cancels the service context. Only the first call logs.
func (s *State) StopService() {
	s.mu.Lock()
	already := s.stopService
	s.stopService = true
	s.mu.Unlock()

	if !already {
		log.Info().Msg("stopping service")
	}
	s.ctxCancelFunc()
}

func (s *State) Stopping() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stopService
}

func (s *State) BootID() string {
	return s.bootID
}

func (s *State) StartedAt() time.Time {
	return s.startedAt
}

func (s *State) Uptime() time.Duration {
	return s.clock.Since(s.startedAt)
}
