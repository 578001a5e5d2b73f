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

package api

import (
	"fmt"
	"strings"

	"github.com/ZaparooProject/zaparoo-braille/pkg/api/models"
	"github.com/hbollon/go-edlib"
)

const minSuggestSimilarity = 0.8

// suggestMethod returns the known method closest to name by Jaro-Winkler
// similarity, or "" when nothing is close enough.
func suggestMethod(name string) string {
	name = strings.ToLower(name)
	best := ""
	var bestScore float32
	for method := range methodMap {
		score := edlib.JaroWinklerSimilarity(name, method)
		if score > bestScore || (score == bestScore && method < best) {
			best, bestScore = method, score
		}
	}
	if bestScore < minSuggestSimilarity {
		return ""
	}
	return best
}

func methodNotFound(name string) models.ErrorObject {
	e := JSONRPCErrorMethodNotFound
	if s := suggestMethod(name); s != "" {
		e.Message = fmt.Sprintf("%s, did you mean %q?", e.Message, s)
	}
	return e
}
