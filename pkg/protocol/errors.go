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
	"errors"
	"fmt"
)

var (
	// ErrConnection is returned when an endpoint cannot be opened or does
	// not complete the READY handshake.
	ErrConnection = errors.New("connection error")
	// ErrCommandTimeout is returned when a device does not answer within
	// the per-command bound.
	ErrCommandTimeout = errors.New("command timeout")
	// ErrDeviceFault is returned for device reported errors and for devices
	// that have been marked as failed.
	ErrDeviceFault = errors.New("device fault")
	// ErrUnsupportedCharacter is returned for characters without a pattern.
	ErrUnsupportedCharacter = errors.New("unsupported character")
	// ErrInvalidModule is returned for module indices a device does not have.
	ErrInvalidModule = errors.New("invalid module")
	// ErrInvalidPattern is returned for raw patterns outside 0 to 63.
	ErrInvalidPattern = errors.New("invalid pattern")
	// ErrNoAvailableModules is returned when no Ready device is left to
	// render on.
	ErrNoAvailableModules = errors.New("no available modules")
	// ErrProtocolViolation is returned for malformed or unexpected lines.
	ErrProtocolViolation = errors.New("protocol violation")
	// ErrUnknownCommand is returned when trying to send an unrecognised
	// command line.
	ErrUnknownCommand = errors.New("unknown command")
)

// Well known device error codes.
const (
	CodeInvalidModule  = "INVALID_MODULE"
	CodeUnknownCommand = "UNKNOWN_COMMAND"
)

// DeviceError is an ERROR:<msg> line reported by a controller.
type DeviceError struct {
	Message string
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("device reported error: %s", e.Message)
}

// Unwrap exposes ErrDeviceFault, plus ErrInvalidModule or
// ErrUnknownCommand when the controller rejected the command itself.
func (e *DeviceError) Unwrap() []error {
	switch e.Message {
	case CodeInvalidModule:
		return []error{ErrDeviceFault, ErrInvalidModule}
	case CodeUnknownCommand:
		return []error{ErrDeviceFault, ErrUnknownCommand}
	default:
		return []error{ErrDeviceFault}
	}
}

// Rejected reports whether a controller refused a command without acting
// on it. The controller itself is still healthy.
func Rejected(err error) bool {
	var devErr *DeviceError
	if !errors.As(err, &devErr) {
		return false
	}
	return devErr.Message == CodeInvalidModule || devErr.Message == CodeUnknownCommand
}

// Retryable reports whether a failed exchange may be attempted again.
// Protocol violations are treated like timeouts.
func Retryable(err error) bool {
	return errors.Is(err, ErrCommandTimeout) || errors.Is(err, ErrProtocolViolation)
}
