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

// Package protocol implements the line based text protocol spoken by the
// Braille controllers. Commands are parsed into tagged variants before
// anything is written to a port, and every response line is parsed into a
// Response.
package protocol

import (
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/ZaparooProject/zaparoo-braille/pkg/braille"
)

// ModulesPerDevice is the number of cells each controller drives.
const ModulesPerDevice = 2

// LineEnding terminates every command sent to a controller.
const LineEnding = "\n"

const (
	verbWriteModule = "WRITE_MODULE"
	verbWrite       = "WRITE"
	verbTest        = "TEST"
	verbStatus      = "STATUS"
	verbReset       = "RESET"
	verbPattern     = "PATTERN"
)

// Command is one of WriteModule, WriteLegacy, Test, Status, Reset, Pattern
// or Unknown.
type Command interface {
	// Validate checks the command can be put on the wire.
	Validate() error
	// Terminal is the response kind that completes the exchange.
	Terminal() ResponseKind
	fmt.Stringer
	isCommand()
}

// WriteModule writes the pattern for Char to one module.
type WriteModule struct {
	Module int
	Char   rune
}

// WriteLegacy writes a whole string to module 0. Unsupported characters
// are reported with WARN lines between START and DONE.
type WriteLegacy struct {
	Text string
}

// Test exercises every solenoid on both modules.
type Test struct{}

// Status is the liveness probe.
type Status struct{}

// Reset de-energizes every module on the device.
type Reset struct{}

// Pattern writes a raw six bit value to module 0.
type Pattern struct {
	Value int
}

// Unknown is any line that does not match the grammar.
type Unknown struct {
	Line string
}

func (WriteModule) isCommand() {}
func (WriteLegacy) isCommand() {}
func (Test) isCommand()        {}
func (Status) isCommand()      {}
func (Reset) isCommand()       {}
func (Pattern) isCommand()     {}
func (Unknown) isCommand()     {}

// ValidModule reports whether m addresses a module on a controller.
func ValidModule(m int) bool {
	return m >= 0 && m < ModulesPerDevice
}

func (c WriteModule) Validate() error {
	if !ValidModule(c.Module) {
		return fmt.Errorf("%w: %d", ErrInvalidModule, c.Module)
	}
	if !braille.Supported(c.Char) {
		return fmt.Errorf("%w: %q", ErrUnsupportedCharacter, c.Char)
	}
	return nil
}

func (c WriteLegacy) Validate() error {
	if c.Text == "" {
		return fmt.Errorf("%w: empty legacy write", ErrProtocolViolation)
	}
	if strings.ContainsAny(c.Text, "\r\n") {
		return fmt.Errorf("%w: legacy write contains a line break", ErrProtocolViolation)
	}
	return nil
}

func (Test) Validate() error   { return nil }
func (Status) Validate() error { return nil }
func (Reset) Validate() error  { return nil }

func (c Pattern) Validate() error {
	if c.Value < 0 || c.Value > braille.MaxPattern {
		return fmt.Errorf("%w: %d", ErrInvalidPattern, c.Value)
	}
	return nil
}

func (c Unknown) Validate() error {
	return fmt.Errorf("%w: %q", ErrUnknownCommand, c.Line)
}

func (WriteModule) Terminal() ResponseKind { return ResponseOK }
func (WriteLegacy) Terminal() ResponseKind { return ResponseDone }
func (Test) Terminal() ResponseKind        { return ResponseOK }
func (Status) Terminal() ResponseKind      { return ResponseReady }
func (Reset) Terminal() ResponseKind       { return ResponseOK }
func (Pattern) Terminal() ResponseKind     { return ResponseOK }
func (Unknown) Terminal() ResponseKind     { return ResponseError }

func (c WriteModule) String() string {
	return fmt.Sprintf("%s:%d:%c", verbWriteModule, c.Module, c.Char)
}

func (c WriteLegacy) String() string { return verbWrite + ":" + c.Text }
func (Test) String() string          { return verbTest }
func (Status) String() string        { return verbStatus }
func (Reset) String() string         { return verbReset }

func (c Pattern) String() string {
	return verbPattern + ":" + strconv.Itoa(c.Value)
}

func (c Unknown) String() string { return c.Line }

// Encode validates cmd and returns the exact bytes to write to the port.
// Invalid commands never reach the wire.
func Encode(cmd Command) ([]byte, error) {
	if cmd == nil {
		return nil, fmt.Errorf("%w: nil command", ErrUnknownCommand)
	}
	if err := cmd.Validate(); err != nil {
		return nil, err
	}
	return []byte(cmd.String() + LineEnding), nil
}

// ParseCommand parses one command line. Lines outside the grammar become
// Unknown, module indices outside 0 and 1 fail with ErrInvalidModule and
// patterns outside 0 to 63 fail with ErrInvalidPattern.
func ParseCommand(line string) (Command, error) {
	line = strings.TrimRight(line, "\r\n")

	verb, arg, hasArg := strings.Cut(line, ":")
	switch verb {
	case verbTest, verbStatus, verbReset:
		if hasArg {
			return Unknown{Line: line}, nil
		}
		switch verb {
		case verbTest:
			return Test{}, nil
		case verbStatus:
			return Status{}, nil
		default:
			return Reset{}, nil
		}
	case verbWrite:
		if !hasArg || arg == "" {
			return Unknown{Line: line}, nil
		}
		return WriteLegacy{Text: arg}, nil
	case verbWriteModule:
		idx, char, ok := strings.Cut(arg, ":")
		if !hasArg || !ok || utf8.RuneCountInString(char) != 1 {
			return Unknown{Line: line}, nil
		}
		m, err := strconv.Atoi(idx)
		if err != nil {
			return Unknown{Line: line}, nil
		}
		if !ValidModule(m) {
			return nil, fmt.Errorf("%w: %d", ErrInvalidModule, m)
		}
		r, _ := utf8.DecodeRuneInString(char)
		return WriteModule{Module: m, Char: r}, nil
	case verbPattern:
		if !hasArg {
			return Unknown{Line: line}, nil
		}
		v, err := strconv.Atoi(arg)
		if err != nil {
			return Unknown{Line: line}, nil
		}
		p := Pattern{Value: v}
		if err := p.Validate(); err != nil {
			return nil, err
		}
		return p, nil
	default:
		return Unknown{Line: line}, nil
	}
}

// Energizes reports whether cmd can raise a solenoid. Only commands that
// do not energize anything may be sent while another module is active.
func Energizes(cmd Command) bool {
	switch cmd.(type) {
	case Status, Reset:
		return false
	default:
		return true
	}
}
