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
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ZaparooProject/zaparoo-braille/pkg/helpers/syncutil"
	"github.com/ZaparooProject/zaparoo-braille/pkg/protocol"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

const (
	linesBuffer = 64
	maxLineLen  = 1024
)

// Link is an open serial connection to one controller. A background
// goroutine splits incoming bytes into lines; Exchange writes one command
// and collects its reply. Only one exchange runs at a time.
type Link struct {
	clock   clockwork.Clock
	port    Port
	observe func(dir Direction, line string)
	lines   chan string
	closed  chan struct{}
	id      string
	once    sync.Once
	writeMu syncutil.Mutex
}

func newLink(id string, port Port, clock clockwork.Clock, observe func(Direction, string)) *Link {
	if observe == nil {
		observe = func(Direction, string) {}
	}
	l := &Link{
		id:      id,
		port:    port,
		clock:   clock,
		observe: observe,
		lines:   make(chan string, linesBuffer),
		closed:  make(chan struct{}),
	}
	go l.readLoop()
	return l
}

func (l *Link) readLoop() {
	defer close(l.lines)

	var lineBuf []byte
	buf := make([]byte, 256)
	for {
		select {
		case <-l.closed:
			return
		default:
		}

		n, err := l.port.Read(buf)
		if err != nil {
			select {
			case <-l.closed:
			default:
				log.Warn().Err(err).Str("device", l.id).Msg("serial read failed, closing link")
				l.shutdown()
			}
			return
		}

		for i := range n {
			if buf[i] != '\n' {
				if len(lineBuf) < maxLineLen {
					lineBuf = append(lineBuf, buf[i])
				}
				continue
			}

			line := strings.TrimSpace(string(lineBuf))
			lineBuf = lineBuf[:0]
			if line == "" {
				continue
			}

			select {
			case l.lines <- line:
			case <-l.closed:
				return
			}
		}
	}
}

// drain discards lines that arrived outside an exchange, such as the boot
// READY or a reply that came in after its command timed out.
func (l *Link) drain() {
	for {
		select {
		case line, ok := <-l.lines:
			if !ok {
				return
			}
			log.Debug().Str("device", l.id).Str("line", line).Msg("discarding stale line")
			l.observe(DirectionReceived, line)
		default:
			return
		}
	}
}

// Exchange sends cmd and waits up to timeout for its terminal response.
// The returned reply is never nil once the command has been written, so
// callers can inspect partial responses on failure.
func (l *Link) Exchange(ctx context.Context, cmd protocol.Command, timeout time.Duration) (*protocol.Reply, error) {
	payload, err := protocol.Encode(cmd)
	if err != nil {
		return nil, err
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	if l.Closed() {
		return nil, fmt.Errorf("%w: link to %s is closed", protocol.ErrConnection, l.id)
	}

	l.drain()

	if _, err := l.port.Write(payload); err != nil {
		return nil, fmt.Errorf("%w: write to %s failed: %w", protocol.ErrConnection, l.id, err)
	}
	l.observe(DirectionSent, cmd.String())

	reply := protocol.NewReply(cmd)
	timer := l.clock.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return reply, fmt.Errorf("exchange cancelled: %w", ctx.Err())
		case <-timer.Chan():
			return reply, fmt.Errorf("%w: no reply to %s from %s within %s",
				protocol.ErrCommandTimeout, cmd, l.id, timeout)
		case line, ok := <-l.lines:
			if !ok {
				return reply, fmt.Errorf("%w: link to %s closed mid-exchange", protocol.ErrConnection, l.id)
			}
			l.observe(DirectionReceived, line)

			resp, err := protocol.ParseResponse(line)
			if err != nil {
				return reply, err
			}
			if reply.Accept(resp) {
				return reply, reply.Err()
			}
		}
	}
}

// Closed reports whether the link has been shut down, either by Close or
// because the port failed.
func (l *Link) Closed() bool {
	select {
	case <-l.closed:
		return true
	default:
		return false
	}
}

func (l *Link) shutdown() {
	l.once.Do(func() {
		close(l.closed)
		if err := l.port.Close(); err != nil {
			log.Debug().Err(err).Str("device", l.id).Msg("error closing serial port")
		}
	})
}

// Close shuts down the link and waits for any running exchange to end.
func (l *Link) Close() error {
	if l == nil {
		return errors.New("link is nil")
	}
	l.shutdown()
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	return nil
}
