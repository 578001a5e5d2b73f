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

package protocol

import (
	"fmt"
	"strings"
)

// ResponseKind identifies a response line.
type ResponseKind int

const (
	ResponseReady ResponseKind = iota + 1
	ResponseStart
	ResponseDone
	ResponseOK
	ResponseError
	ResponseWarn
)

func (k ResponseKind) String() string {
	switch k {
	case ResponseReady:
		return "READY"
	case ResponseStart:
		return "START"
	case ResponseDone:
		return "DONE"
	case ResponseOK:
		return "OK"
	case ResponseError:
		return "ERROR"
	case ResponseWarn:
		return "WARN"
	default:
		return fmt.Sprintf("ResponseKind(%d)", int(k))
	}
}

// WarnUnsupportedChar prefixes the WARN message for characters skipped by
// a legacy write.
const WarnUnsupportedChar = "UNSUPPORTED_CHAR"

// Response is one parsed line from a controller. Message is set for ERROR
// and WARN lines.
type Response struct {
	Message string
	Kind    ResponseKind
}

func (r Response) String() string {
	if r.Kind == ResponseError || r.Kind == ResponseWarn {
		return r.Kind.String() + ":" + r.Message
	}
	return r.Kind.String()
}

// Err returns a *DeviceError for ERROR lines and nil otherwise.
func (r Response) Err() error {
	if r.Kind != ResponseError {
		return nil
	}
	return &DeviceError{Message: r.Message}
}

// UnsupportedChar returns the character named by a
// WARN:UNSUPPORTED_CHAR:<c> line.
func (r Response) UnsupportedChar() (string, bool) {
	if r.Kind != ResponseWarn {
		return "", false
	}
	c, ok := strings.CutPrefix(r.Message, WarnUnsupportedChar+":")
	return c, ok
}

// ParseResponse parses one line received from a controller. Lines outside
// the grammar fail with ErrProtocolViolation.
func ParseResponse(line string) (Response, error) {
	line = strings.TrimSpace(line)

	switch line {
	case "READY":
		return Response{Kind: ResponseReady}, nil
	case "START":
		return Response{Kind: ResponseStart}, nil
	case "DONE":
		return Response{Kind: ResponseDone}, nil
	case "OK":
		return Response{Kind: ResponseOK}, nil
	}

	if msg, ok := strings.CutPrefix(line, "ERROR:"); ok {
		return Response{Kind: ResponseError, Message: msg}, nil
	}
	if msg, ok := strings.CutPrefix(line, "WARN:"); ok {
		return Response{Kind: ResponseWarn, Message: msg}, nil
	}

	return Response{}, fmt.Errorf("%w: unexpected line %q", ErrProtocolViolation, line)
}

// Reply collects the responses to a single command until the exchange is
// complete.
type Reply struct {
	err       error
	Command   Command
	Responses []Response
	Warnings  []string
	started   bool
	done      bool
}

// NewReply starts collecting responses for cmd.
func NewReply(cmd Command) *Reply {
	return &Reply{Command: cmd}
}

// Accept folds one response into the reply and reports whether the
// exchange is complete. An unsolicited READY (sent once after boot) is
// ignored for every command except Status.
func (r *Reply) Accept(resp Response) bool {
	if r.done {
		return true
	}

	terminal := r.Command.Terminal()
	_, legacy := r.Command.(WriteLegacy)

	switch resp.Kind {
	case ResponseError:
		r.Responses = append(r.Responses, resp)
		r.err = resp.Err()
		r.done = true
	case ResponseWarn:
		r.Responses = append(r.Responses, resp)
		r.Warnings = append(r.Warnings, resp.Message)
	case ResponseReady:
		if terminal != ResponseReady {
			return false
		}
		r.Responses = append(r.Responses, resp)
		r.done = true
	case ResponseStart:
		r.Responses = append(r.Responses, resp)
		if !legacy || r.started {
			r.violation(resp)
			break
		}
		r.started = true
	case ResponseDone:
		r.Responses = append(r.Responses, resp)
		if !legacy || !r.started {
			r.violation(resp)
			break
		}
		r.done = true
	case ResponseOK:
		r.Responses = append(r.Responses, resp)
		if terminal != ResponseOK {
			r.violation(resp)
			break
		}
		r.done = true
	}

	return r.done
}

func (r *Reply) violation(resp Response) {
	r.err = fmt.Errorf("%w: %s in reply to %s", ErrProtocolViolation, resp, r.Command)
	r.done = true
}

// Done reports whether the exchange is complete.
func (r *Reply) Done() bool {
	return r.done
}

// Err returns the device error or protocol violation that ended the
// exchange, if any.
func (r *Reply) Err() error {
	return r.err
}

// Lines returns the raw text of every collected response.
func (r *Reply) Lines() []string {
	lines := make([]string, len(r.Responses))
	for i, resp := range r.Responses {
		lines[i] = resp.String()
	}
	return lines
}
