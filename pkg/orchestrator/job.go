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

package orchestrator

import (
	"strings"
	"time"
	"unicode"

	"github.com/ZaparooProject/zaparoo-braille/pkg/api/models"
	"github.com/ZaparooProject/zaparoo-braille/pkg/braille"
	"github.com/google/uuid"
)

type JobStatus int

const (
	JobQueued JobStatus = iota
	JobRunning
	JobCompleted
	JobFailed
	JobCancelled
)

func (s JobStatus) String() string {
	switch s {
	case JobQueued:
		return "queued"
	case JobRunning:
		return "running"
	case JobCompleted:
		return "completed"
	case JobFailed:
		return "failed"
	case JobCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Finished reports whether the job has reached a terminal status.
func (s JobStatus) Finished() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

type SkipReason string

const (
	SkipUnsupported SkipReason = "unsupported"
	SkipWhitespace  SkipReason = "whitespace"
)

// Skip is a character dropped from the input. Position is its rune index
// in the lowercased text.
type Skip struct {
	Reason   SkipReason
	Position int
	Char     rune
}

func (s Skip) Response() models.SkipResponse {
	return models.SkipResponse{
		Char:     string(s.Char),
		Reason:   string(s.Reason),
		Position: s.Position,
	}
}

// Job is a snapshot of one write request.
type Job struct {
	CreatedAt              time.Time
	StartedAt              time.Time
	FinishedAt             time.Time
	Err                    error
	RawText                string
	Filtered               []rune
	Skipped                []Skip
	Cursor                 int
	RotationCursor         int
	Words                  int
	EstimatedTotalDuration time.Duration
	Elapsed                time.Duration
	Status                 JobStatus
	ID                     uuid.UUID
}

func (j *Job) Response() models.JobResponse {
	skipped := make([]models.SkipResponse, len(j.Skipped))
	for i, s := range j.Skipped {
		skipped[i] = s.Response()
	}

	resp := models.JobResponse{
		CreatedAt:              j.CreatedAt,
		ID:                     j.ID.String(),
		RawText:                j.RawText,
		Filtered:               string(j.Filtered),
		Status:                 j.Status.String(),
		Skipped:                skipped,
		Cursor:                 j.Cursor,
		Total:                  len(j.Filtered),
		RotationCursor:         j.RotationCursor,
		EstimatedTotalDuration: j.EstimatedTotalDuration.Milliseconds(),
		Elapsed:                j.Elapsed.Milliseconds(),
	}
	if !j.StartedAt.IsZero() {
		t := j.StartedAt
		resp.StartedAt = &t
	}
	if !j.FinishedAt.IsZero() {
		t := j.FinishedAt
		resp.FinishedAt = &t
	}
	if j.Err != nil {
		resp.Error = j.Err.Error()
	}
	return resp
}

func (j *Job) clone() Job {
	c := *j
	c.Filtered = append([]rune(nil), j.Filtered...)
	c.Skipped = append([]Skip(nil), j.Skipped...)
	return c
}

// Filter lowercases text and splits it into the characters that have a
// Braille pattern and the ones that are skipped. A word is counted for
// every run of retained characters ended by whitespace or the end of the
// text.
func Filter(text string) (retained []rune, skipped []Skip, words int) {
	inWord := false
	for pos, r := range []rune(strings.ToLower(text)) {
		if braille.Supported(r) {
			retained = append(retained, r)
			inWord = true
			continue
		}

		reason := SkipUnsupported
		if unicode.IsSpace(r) {
			reason = SkipWhitespace
			if inWord {
				words++
				inWord = false
			}
		}
		skipped = append(skipped, Skip{Char: r, Reason: reason, Position: pos})
	}
	if inWord {
		words++
	}
	return retained, skipped, words
}

// Pauses returns, for each retained character of text, how many
// whitespace characters separate it from the previous retained one.
// Whitespace before the first or after the last retained character is
// not counted.
func Pauses(text string) []int {
	var (
		pauses  []int
		pending int
	)
	for _, r := range []rune(strings.ToLower(text)) {
		switch {
		case braille.Supported(r):
			if len(pauses) == 0 {
				pending = 0
			}
			pauses = append(pauses, pending)
			pending = 0
		case unicode.IsSpace(r):
			pending++
		}
	}
	return pauses
}

// Estimate is the expected render time of n retained characters. Every
// character costs one dwell plus the safety gap on each side, no matter
// how many modules are in rotation.
func Estimate(n int, dwell, safetyGap time.Duration) time.Duration {
	return time.Duration(n) * (dwell + 2*safetyGap)
}
