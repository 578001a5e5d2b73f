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

// Package braille holds the six dot cell patterns for the supported
// character set.
//
// Bit i of a Pattern (0-indexed) set means dot i+1 is raised. Dots 1, 2
// and 3 are the left column from top to bottom, dots 4, 5 and 6 the right
// column.
package braille

import (
	"strings"
)

// DotCount is the number of dots (and solenoids) in one cell.
const DotCount = 6

// MaxPattern is the largest value a raw six bit pattern can take.
const MaxPattern = 1<<DotCount - 1

// Pattern is a six bit dot pattern for one cell.
type Pattern uint8

var patterns = [26]Pattern{
	'a' - 'a': 0b000001,
	'b' - 'a': 0b000011,
	'c' - 'a': 0b001001,
	'd' - 'a': 0b011001,
	'e' - 'a': 0b010001,
	'f' - 'a': 0b001011,
	'g' - 'a': 0b011011,
	'h' - 'a': 0b010011,
	'i' - 'a': 0b001010,
	'j' - 'a': 0b011010,
	'k' - 'a': 0b000101,
	'l' - 'a': 0b000111,
	'm' - 'a': 0b001101,
	'n' - 'a': 0b011101,
	'o' - 'a': 0b010101,
	'p' - 'a': 0b001111,
	'q' - 'a': 0b011111,
	'r' - 'a': 0b010111,
	's' - 'a': 0b001110,
	't' - 'a': 0b011110,
	'u' - 'a': 0b100101,
	'v' - 'a': 0b100111,
	'w' - 'a': 0b111010,
	'x' - 'a': 0b101101,
	'y' - 'a': 0b111101,
	'z' - 'a': 0b110101,
}

// PatternFor returns the dot pattern for c. ok is false for anything
// outside a to z.
func PatternFor(c rune) (p Pattern, ok bool) {
	if c < 'a' || c > 'z' {
		return 0, false
	}
	return patterns[c-'a'], true
}

// Supported reports whether c has a pattern.
func Supported(c rune) bool {
	_, ok := PatternFor(c)
	return ok
}

// Raised reports whether the given dot (1 to 6) is raised.
func (p Pattern) Raised(dot int) bool {
	if dot < 1 || dot > DotCount {
		return false
	}
	return p&(1<<(dot-1)) != 0
}

// Dots returns the raised dot numbers in ascending order.
func (p Pattern) Dots() []int {
	dots := make([]int, 0, DotCount)
	for d := 1; d <= DotCount; d++ {
		if p.Raised(d) {
			dots = append(dots, d)
		}
	}
	return dots
}

// String renders the pattern in the usual "dots 1-2-5" form, or "blank".
func (p Pattern) String() string {
	dots := p.Dots()
	if len(dots) == 0 {
		return "blank"
	}
	parts := make([]string, len(dots))
	for i, d := range dots {
		parts[i] = string(rune('0' + d))
	}
	return "dots " + strings.Join(parts, "-")
}

// Cell draws the pattern as three rows of two columns, using "o" for a
// raised dot and "." for a flat one. Used in debug logs.
func (p Pattern) Cell() string {
	var sb strings.Builder
	for row := range 3 {
		for _, dot := range []int{row + 1, row + 4} {
			if p.Raised(dot) {
				sb.WriteByte('o')
			} else {
				sb.WriteByte('.')
			}
		}
		if row < 2 {
			sb.WriteByte('\n')
		}
	}
	return sb.String()
}
