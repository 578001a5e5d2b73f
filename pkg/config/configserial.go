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
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	DefaultBaudRate          = 115200
	DefaultBootWait          = 2 * time.Second
	DefaultHandshakeAttempts = 10
	DefaultHandshakeInterval = 100 * time.Millisecond
	DefaultCommandTimeout    = 2 * time.Second
)

// Serial configures how controllers are found and talked to.
type Serial struct {
	HandshakeAttempts *int     `toml:"handshake_attempts,omitempty"`
	BootWait          string   `toml:"boot_wait,omitempty"`
	HandshakeInterval string   `toml:"handshake_interval,omitempty"`
	CommandTimeout    string   `toml:"command_timeout,omitempty"`
	Ports             []string `toml:"ports,omitempty,multiline"`
	Ignore            []string `toml:"ignore,omitempty,multiline"`
	BaudRate          int      `toml:"baud_rate,omitempty"`
	AutoDetect        *bool    `toml:"auto_detect,omitempty"`
}

// parseDuration returns def when s is empty or invalid.
func parseDuration(key, s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		log.Warn().Str("key", key).Str("value", s).Msg("invalid duration in config, using default")
		return def
	}
	return d
}

// SerialPorts returns the endpoints to connect at startup. Empty means
// scan for controllers.
func (c *Instance) SerialPorts() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.vals.Serial.Ports...)
}

func (c *Instance) SetSerialPorts(ports []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vals.Serial.Ports = ports
}

// AutoDetect reports whether discovered endpoints are connected
// automatically when no ports are configured.
func (c *Instance) AutoDetect() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.vals.Serial.AutoDetect == nil {
		return true
	}
	return *c.vals.Serial.AutoDetect
}

func (c *Instance) SetAutoDetect(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vals.Serial.AutoDetect = &enabled
}

// IgnoredSerialIDs returns the lowercased VID:PID pairs skipped by discovery.
func (c *Instance) IgnoredSerialIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.vals.Serial.Ignore))
	for _, id := range c.vals.Serial.Ignore {
		ids = append(ids, strings.ToLower(strings.TrimSpace(id)))
	}
	return ids
}

func (c *Instance) BaudRate() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.vals.Serial.BaudRate <= 0 {
		return DefaultBaudRate
	}
	return c.vals.Serial.BaudRate
}

// BootWait is how long to wait after opening a port for the controller to
// finish its reset.
func (c *Instance) BootWait() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return parseDuration("serial.boot_wait", c.vals.Serial.BootWait, DefaultBootWait)
}

func (c *Instance) SetBootWait(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vals.Serial.BootWait = d.String()
}

func (c *Instance) HandshakeAttempts() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.vals.Serial.HandshakeAttempts == nil || *c.vals.Serial.HandshakeAttempts < 1 {
		return DefaultHandshakeAttempts
	}
	return *c.vals.Serial.HandshakeAttempts
}

func (c *Instance) SetHandshakeAttempts(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vals.Serial.HandshakeAttempts = &n
}

func (c *Instance) HandshakeInterval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return parseDuration("serial.handshake_interval", c.vals.Serial.HandshakeInterval, DefaultHandshakeInterval)
}

// HandshakeTimeout is the total bound on waiting for READY after boot.
func (c *Instance) HandshakeTimeout() time.Duration {
	return time.Duration(c.HandshakeAttempts()) * c.HandshakeInterval()
}

// CommandTimeout bounds a single command round trip.
func (c *Instance) CommandTimeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return parseDuration("serial.command_timeout", c.vals.Serial.CommandTimeout, DefaultCommandTimeout)
}

func (c *Instance) SetCommandTimeout(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vals.Serial.CommandTimeout = d.String()
}
