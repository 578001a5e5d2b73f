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

package helpers

import (
	"fmt"
	"runtime"
	"slices"
	"strings"

	"github.com/rs/zerolog/log"
	"go.bug.st/serial/enumerator"
)

// DefaultIgnoredSerialIDs are VID:PID pairs of USB serial devices that are
// never Braille controllers.
var DefaultIgnoredSerialIDs = []string{
	// Sinden Lightgun
	"16c0:0f38", "16c0:0f39", "16c0:0f01", "16c0:0f02",
	"16d0:0f38", "16d0:0f39", "16d0:0f01", "16d0:0f02",
	// PN532 USB NFC readers
	"1a86:55d3",
}

// PortLister returns the serial ports on the host. Swapped in tests.
type PortLister func() ([]*enumerator.PortDetails, error)

// candidatePort reports whether a port name looks like a USB serial
// adapter on the current OS.
func candidatePort(goos, name string) bool {
	switch goos {
	case "linux":
		return strings.HasPrefix(name, "/dev/ttyUSB") || strings.HasPrefix(name, "/dev/ttyACM")
	case "darwin":
		return strings.HasPrefix(name, "/dev/tty.usbserial") ||
			strings.HasPrefix(name, "/dev/tty.usbmodem") ||
			strings.HasPrefix(name, "/dev/cu.usbmodem")
	case "windows":
		return strings.HasPrefix(name, "COM")
	default:
		return name != ""
	}
}

// FilterSerialPorts keeps candidate USB serial ports whose VID:PID is not
// in ignore, in the order the enumerator returned them.
func FilterSerialPorts(goos string, ports []*enumerator.PortDetails, ignore []string) []string {
	devices := make([]string, 0, len(ports))
	for _, p := range ports {
		if p == nil || !candidatePort(goos, p.Name) {
			continue
		}
		if p.IsUSB {
			id := strings.ToLower(p.VID + ":" + p.PID)
			if slices.Contains(ignore, id) {
				log.Debug().Str("port", p.Name).Str("id", id).Msg("ignoring serial device")
				continue
			}
		}
		devices = append(devices, p.Name)
	}
	return devices
}

// GetSerialDeviceList returns candidate controller endpoints on this
// host, skipping the default and extra ignored VID:PID pairs.
func GetSerialDeviceList(lister PortLister, extraIgnore []string) ([]string, error) {
	if lister == nil {
		lister = enumerator.GetDetailedPortsList
	}

	ports, err := lister()
	if err != nil {
		return nil, fmt.Errorf("failed to get serial ports list on %s: %w", runtime.GOOS, err)
	}

	ignore := append(slices.Clone(DefaultIgnoredSerialIDs), extraIgnore...)
	return FilterSerialPorts(runtime.GOOS, ports, ignore), nil
}
