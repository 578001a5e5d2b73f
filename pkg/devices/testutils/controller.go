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

// Package testutils provides an in-memory Braille controller that speaks
// the line protocol over a fake serial port, and a Fleet that watches how
// many modules are energized across every controller at once.
package testutils

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/ZaparooProject/zaparoo-braille/pkg/helpers/syncutil"
	"go.bug.st/serial"
)

// ErrPortClosed is returned by reads and writes on a closed port.
var ErrPortClosed = errors.New("port closed")

// Write is one WRITE_MODULE accepted by a controller.
type Write struct {
	Endpoint string
	Module   int
	Char     rune
}

// Fleet owns a set of fake controllers keyed by endpoint.
type Fleet struct {
	controllers map[string]*Controller
	energized   map[string]bool
	writes      []Write
	maxActive   int
	violations  int
	mu          syncutil.Mutex
}

func NewFleet() *Fleet {
	return &Fleet{
		controllers: make(map[string]*Controller),
		energized:   make(map[string]bool),
	}
}

// Add registers a controller at endpoint.
func (f *Fleet) Add(endpoint string) *Controller {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := &Controller{
		fleet:    f,
		endpoint: endpoint,
		out:      make(chan []byte, 64),
		closed:   make(chan struct{}),
		modules:  make([]bool, 2),
	}
	f.controllers[endpoint] = c
	return c
}

// Controller returns the controller at endpoint, or nil.
func (f *Fleet) Controller(endpoint string) *Controller {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.controllers[endpoint]
}

// Endpoints lists registered endpoints in no particular order.
func (f *Fleet) Endpoints() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	eps := make([]string, 0, len(f.controllers))
	for ep := range f.controllers {
		eps = append(eps, ep)
	}
	return eps
}

// Open connects to the controller at path, like serial.Open. Reopening a
// controller gives it a fresh port.
func (f *Fleet) Open(path string, _ *serial.Mode) (*Controller, error) {
	f.mu.Lock()
	c, ok := f.controllers[path]
	f.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no such port: %s", path)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FailOpen {
		return nil, fmt.Errorf("permission denied: %s", path)
	}
	c.out = make(chan []byte, 64)
	c.closed = make(chan struct{})
	c.isClosed = false
	c.opens++
	if c.BootReady {
		c.out <- []byte("READY\r\n")
	}
	return c, nil
}

func (f *Fleet) energize(endpoint string, module int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := endpoint + ":" + strconv.Itoa(module)
	f.energized[key] = true
	if len(f.energized) > 1 {
		f.violations++
	}
	if len(f.energized) > f.maxActive {
		f.maxActive = len(f.energized)
	}
}

func (f *Fleet) deenergize(endpoint string, module int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.energized, endpoint+":"+strconv.Itoa(module))
}

func (f *Fleet) recordWrite(w Write) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, w)
}

// MaxEnergized is the largest number of modules seen energized at once.
func (f *Fleet) MaxEnergized() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxActive
}

// Violations counts energize events that happened while another module
// was already energized.
func (f *Fleet) Violations() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.violations
}

// Energized is the number of modules currently energized.
func (f *Fleet) Energized() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.energized)
}

// Writes returns every accepted WRITE_MODULE in order.
func (f *Fleet) Writes() []Write {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Write(nil), f.writes...)
}

// Controller is a fake Braille controller with two modules. The exported
// fields change its behaviour and may be set at any time under Configure.
type Controller struct {
	fleet *Fleet
	// Silent drops every reply, simulating an unresponsive controller.
	Silent bool
	// FailOpen makes Open fail.
	FailOpen bool
	// BootReady sends the unsolicited READY line on open.
	BootReady bool
	// Fault answers every command except STATUS with ERROR:<Fault>.
	Fault string
	// Garbage answers every command with a malformed line.
	Garbage bool
	// DropReplies drops the replies to the next n commands.
	DropReplies int
	// FaultAfter sets Fault to OVERHEAT once this many WRITE_MODULE
	// commands have been accepted.
	FaultAfter int

	out      chan []byte
	closed   chan struct{}
	endpoint string
	pending  []byte
	partial  []byte
	commands []string
	modules  []bool
	opens    int
	accepted int
	isClosed bool
	mu       syncutil.Mutex
}

// Configure changes behaviour fields under the controller lock.
func (c *Controller) Configure(fn func(c *Controller)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(c)
}

// Commands returns every command line received, in order.
func (c *Controller) Commands() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.commands...)
}

// CountCommand returns how many times line was received.
func (c *Controller) CountCommand(line string) int {
	n := 0
	for _, cmd := range c.Commands() {
		if cmd == line {
			n++
		}
	}
	return n
}

// Energized reports whether module m is currently energized.
func (c *Controller) Energized(m int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return m >= 0 && m < len(c.modules) && c.modules[m]
}

// Opens counts how many times the port was opened.
func (c *Controller) Opens() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opens
}

// Send queues an unsolicited line, e.g. a late reply.
func (c *Controller) Send(line string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.emit(line)
}

func (c *Controller) Read(p []byte) (int, error) {
	c.mu.Lock()
	if len(c.pending) > 0 {
		n := copy(p, c.pending)
		c.pending = c.pending[n:]
		c.mu.Unlock()
		return n, nil
	}
	out, closed := c.out, c.closed
	c.mu.Unlock()

	select {
	case data := <-out:
		c.mu.Lock()
		defer c.mu.Unlock()
		n := copy(p, data)
		c.pending = append(c.pending, data[n:]...)
		return n, nil
	case <-closed:
		return 0, io.EOF
	}
}

func (c *Controller) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.isClosed {
		return 0, ErrPortClosed
	}

	c.partial = append(c.partial, p...)
	for {
		idx := strings.IndexByte(string(c.partial), '\n')
		if idx < 0 {
			break
		}
		line := strings.TrimRight(string(c.partial[:idx]), "\r")
		c.partial = c.partial[idx+1:]
		c.handle(line)
	}
	return len(p), nil
}

// Close drops DTR, which resets the controller like a real Arduino: every
// module is released.
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.isClosed {
		return nil
	}
	c.isClosed = true
	close(c.closed)
	c.deenergizeAll()
	return nil
}

func (*Controller) SetReadTimeout(_ time.Duration) error {
	return nil
}

// emit queues a response line. Caller must hold mu.
func (c *Controller) emit(line string) {
	if c.isClosed {
		return
	}
	select {
	case c.out <- []byte(line + "\r\n"):
	default:
	}
}

func (c *Controller) setModule(m int, on bool) {
	if c.modules[m] == on {
		return
	}
	c.modules[m] = on
	if on {
		c.fleet.energize(c.endpoint, m)
	} else {
		c.fleet.deenergize(c.endpoint, m)
	}
}

func (c *Controller) deenergizeAll() {
	for m := range c.modules {
		c.setModule(m, false)
	}
}

// pulse briefly energizes module m, as TEST, PATTERN and WRITE do on the
// real firmware before returning control.
func (c *Controller) pulse(m int) {
	c.setModule(m, true)
	c.setModule(m, false)
}

// handle runs one command line. Caller must hold mu.
func (c *Controller) handle(line string) {
	c.commands = append(c.commands, line)

	var replies []string
	switch {
	case line == "STATUS":
		replies = []string{"READY"}
	case c.Fault != "":
		replies = []string{"ERROR:" + c.Fault}
	case c.Garbage:
		replies = []string{"??"}
	case line == "RESET":
		c.deenergizeAll()
		replies = []string{"OK"}
	case line == "TEST":
		for m := range c.modules {
			c.pulse(m)
		}
		replies = []string{"OK"}
	case strings.HasPrefix(line, "WRITE_MODULE:"):
		replies = c.writeModule(strings.TrimPrefix(line, "WRITE_MODULE:"))
	case strings.HasPrefix(line, "PATTERN:"):
		v, err := strconv.Atoi(strings.TrimPrefix(line, "PATTERN:"))
		if err != nil || v < 0 || v > 63 {
			replies = []string{"ERROR:INVALID_PATTERN"}
			break
		}
		c.pulse(0)
		replies = []string{"OK"}
	case strings.HasPrefix(line, "WRITE:"):
		replies = []string{"START"}
		for _, r := range strings.TrimPrefix(line, "WRITE:") {
			if r >= 'a' && r <= 'z' {
				c.pulse(0)
				continue
			}
			if r == ' ' {
				continue
			}
			replies = append(replies, "WARN:UNSUPPORTED_CHAR:"+string(r))
		}
		replies = append(replies, "DONE")
	default:
		replies = []string{"ERROR:UNKNOWN_COMMAND"}
	}

	if c.Silent {
		return
	}
	if c.DropReplies > 0 {
		c.DropReplies--
		return
	}
	for _, r := range replies {
		c.emit(r)
	}
}

func (c *Controller) writeModule(args string) []string {
	idx, char, ok := strings.Cut(args, ":")
	if !ok {
		return []string{"ERROR:UNKNOWN_COMMAND"}
	}
	m, err := strconv.Atoi(idx)
	if err != nil || m < 0 || m >= len(c.modules) {
		return []string{"ERROR:INVALID_MODULE"}
	}
	r := []rune(char)
	if len(r) != 1 || r[0] < 'a' || r[0] > 'z' {
		return []string{"WARN:UNSUPPORTED_CHAR:" + char}
	}
	c.deenergizeAll()
	c.setModule(m, true)
	c.fleet.recordWrite(Write{Endpoint: c.endpoint, Module: m, Char: r[0]})
	c.accepted++
	if c.FaultAfter > 0 && c.accepted >= c.FaultAfter {
		c.Fault = "OVERHEAT"
	}
	return []string{"OK"}
}
