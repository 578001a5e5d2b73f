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

// Package broker fans the service's event stream out to independent
// consumers: API websocket sessions, MQTT publishers and metrics. A slow
// consumer loses events instead of stalling the writer.
package broker

import (
	"context"
	"slices"
	"sync/atomic"

	"github.com/ZaparooProject/zaparoo-braille/pkg/api/models"
	"github.com/ZaparooProject/zaparoo-braille/pkg/helpers/syncutil"
	"github.com/rs/zerolog/log"
)

type subscriber struct {
	ch      chan models.Notification
	name    string
	methods []string
	dropped atomic.Int64
}

func (s *subscriber) wants(method string) bool {
	return len(s.methods) == 0 || slices.Contains(s.methods, method)
}

type Broker struct {
	source      <-chan models.Notification
	subscribers map[int]*subscriber
	done        chan struct{}
	nextID      int
	mu          syncutil.RWMutex
}

func NewBroker(source <-chan models.Notification) *Broker {
	return &Broker{
		source:      source,
		subscribers: make(map[int]*subscriber),
		done:        make(chan struct{}),
	}
}

// Run relays events until ctx is done or the source is closed, then
// closes every subscriber channel.
func (b *Broker) Run(ctx context.Context) {
	defer close(b.done)
	defer b.closeAll()

	for {
		select {
		case <-ctx.Done():
			log.Debug().Msg("event broker stopping")
			return
		case n, ok := <-b.source:
			if !ok {
				log.Debug().Msg("event source closed")
				return
			}
			b.publish(n)
		}
	}
}

// Done is closed once Run has returned.
func (b *Broker) Done() <-chan struct{} {
	return b.done
}

func (b *Broker) publish(n models.Notification) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, s := range b.subscribers {
		if !s.wants(n.Method) {
			continue
		}
		select {
		case s.ch <- n:
		default:
			s.dropped.Add(1)
			log.Warn().
				Int("subscriber", id).
				Str("name", s.name).
				Str("method", n.Method).
				Msg("subscriber is behind, dropping event")
		}
	}
}

// Subscribe registers a consumer. With no methods it receives every
// event, otherwise only the listed ones.
func (b *Broker) Subscribe(name string, size int, methods ...string) (<-chan models.Notification, int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	s := &subscriber{
		ch:      make(chan models.Notification, size),
		name:    name,
		methods: methods,
	}
	b.subscribers[id] = s

	log.Debug().Int("subscriber", id).Str("name", name).Msg("subscribed to events")
	return s.ch, id
}

// Unsubscribe removes a consumer and closes its channel. Unknown ids are
// ignored.
func (b *Broker) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.subscribers[id]
	if !ok {
		return
	}
	delete(b.subscribers, id)
	close(s.ch)
}

// Dropped returns the number of events each named subscriber has missed.
func (b *Broker) Dropped() map[string]int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make(map[string]int64, len(b.subscribers))
	for _, s := range b.subscribers {
		out[s.name] += s.dropped.Load()
	}
	return out
}

func (b *Broker) closeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, s := range b.subscribers {
		close(s.ch)
		delete(b.subscribers, id)
	}
}
