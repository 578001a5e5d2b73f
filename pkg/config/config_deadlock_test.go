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

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// APIListen reads the port while holding the read lock, so it must not
// call APIPort. go-deadlock panics on the recursive RLock.
func TestAPIListenNoRecursiveLock(t *testing.T) {
	t.Parallel()

	cfg := &Instance{}

	done := make(chan struct{})
	go func() {
		_ = cfg.APIListen()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("APIListen deadlocked")
	}
}

func TestTimingGettersUnderConcurrentWrites(t *testing.T) {
	t.Parallel()

	cfg := &Instance{}

	done := make(chan struct{})
	for range 10 {
		go func() {
			for i := range 100 {
				_ = cfg.APIListen()
				_ = cfg.Dwell()
				_ = cfg.InterCharacterGap()
				_ = cfg.WordPause()
				_ = cfg.HandshakeTimeout()
				_ = cfg.Retries()
				cfg.SetSafetyGap(time.Duration(i) * time.Millisecond)
				cfg.SetRetries(i % 4)
			}
			done <- struct{}{}
		}()
	}

	for range 10 {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("concurrent access deadlocked")
		}
	}
}

func TestAPIListen(t *testing.T) {
	t.Parallel()

	port := 9000
	tests := []struct {
		port   *int
		name   string
		listen string
		want   string
	}{
		{name: "default", want: ":7599"},
		{name: "custom port", port: &port, want: ":9000"},
		{name: "host only", listen: "127.0.0.1", port: &port, want: "127.0.0.1:9000"},
		{name: "full address wins", listen: "127.0.0.1:4000", port: &port, want: "127.0.0.1:4000"},
		{name: "ipv6 host", listen: "::1", want: "[::1]:7599"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := &Instance{}
			cfg.vals.Service.APIListen = tt.listen
			cfg.vals.Service.APIPort = tt.port
			assert.Equal(t, tt.want, cfg.APIListen())
		})
	}
}
