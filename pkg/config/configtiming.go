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

import "time"

const (
	DefaultDwell            = 2 * time.Second
	DefaultSafetyGap        = 100 * time.Millisecond
	DefaultRetries          = 2
	DefaultHealthInterval   = 5 * time.Second
	DefaultFailureThreshold = 3
)

// Timing configures the actuation cycle of a module.
type Timing struct {
	Dwell string `toml:"dwell,omitempty"`
	// SafetyGap is waited after the fleet-wide reset before energizing.
	SafetyGap string `toml:"safety_gap,omitempty"`
	// InterCharacterGap is waited after release before a module goes Idle.
	// Empty means the same as SafetyGap.
	InterCharacterGap string `toml:"inter_character_gap,omitempty"`
	// WordPause is waited for each whitespace character between two
	// written characters. Empty means the same as Dwell.
	WordPause string `toml:"word_pause,omitempty"`
}

type Arbiter struct {
	Retries *int `toml:"retries,omitempty"`
}

type Health struct {
	Interval         string `toml:"interval,omitempty"`
	FailureThreshold *int   `toml:"failure_threshold,omitempty"`
}

// Dwell is how long a character stays raised for reading.
func (c *Instance) Dwell() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return parseDuration("timing.dwell", c.vals.Timing.Dwell, DefaultDwell)
}

func (c *Instance) SetDwell(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vals.Timing.Dwell = d.String()
}

func (c *Instance) SafetyGap() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return parseDuration("timing.safety_gap", c.vals.Timing.SafetyGap, DefaultSafetyGap)
}

func (c *Instance) SetSafetyGap(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vals.Timing.SafetyGap = d.String()
}

func (c *Instance) InterCharacterGap() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	safety := parseDuration("timing.safety_gap", c.vals.Timing.SafetyGap, DefaultSafetyGap)
	return parseDuration("timing.inter_character_gap", c.vals.Timing.InterCharacterGap, safety)
}

func (c *Instance) SetInterCharacterGap(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vals.Timing.InterCharacterGap = d.String()
}

func (c *Instance) WordPause() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	dwell := parseDuration("timing.dwell", c.vals.Timing.Dwell, DefaultDwell)
	return parseDuration("timing.word_pause", c.vals.Timing.WordPause, dwell)
}

func (c *Instance) SetWordPause(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vals.Timing.WordPause = d.String()
}

// Retries is the number of extra attempts after a timed out command.
func (c *Instance) Retries() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.vals.Arbiter.Retries == nil || *c.vals.Arbiter.Retries < 0 {
		return DefaultRetries
	}
	return *c.vals.Arbiter.Retries
}

func (c *Instance) SetRetries(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vals.Arbiter.Retries = &n
}

func (c *Instance) HealthInterval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d := parseDuration("health.interval", c.vals.Health.Interval, DefaultHealthInterval)
	if d == 0 {
		return DefaultHealthInterval
	}
	return d
}

func (c *Instance) SetHealthInterval(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vals.Health.Interval = d.String()
}

// FailureThreshold is the number of consecutive failed probes before a
// device is marked Error.
func (c *Instance) FailureThreshold() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.vals.Health.FailureThreshold == nil || *c.vals.Health.FailureThreshold < 1 {
		return DefaultFailureThreshold
	}
	return *c.vals.Health.FailureThreshold
}

func (c *Instance) SetFailureThreshold(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vals.Health.FailureThreshold = &n
}
