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

// Package orchestrator turns submitted text into a sequence of single
// character writes. Jobs run one at a time in submission order; each
// character is written to the next module in the rotation of Ready
// devices through the arbiter.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ZaparooProject/zaparoo-braille/pkg/api/models"
	"github.com/ZaparooProject/zaparoo-braille/pkg/api/notifications"
	"github.com/ZaparooProject/zaparoo-braille/pkg/arbiter"
	"github.com/ZaparooProject/zaparoo-braille/pkg/config"
	"github.com/ZaparooProject/zaparoo-braille/pkg/devices"
	"github.com/ZaparooProject/zaparoo-braille/pkg/helpers/syncutil"
	"github.com/ZaparooProject/zaparoo-braille/pkg/protocol"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

var (
	ErrJobNotFound = errors.New("job not found")
	ErrJobFinished = errors.New("job already finished")
	ErrEmptyText   = errors.New("empty text")
)

// HistorySize is how many finished jobs are kept in memory.
const HistorySize = 100

type job struct {
	done   chan struct{}
	pauses []int
	Job
	pausedAt        int
	cancelRequested bool
}

type Stats struct {
	CharactersRendered int64
	WordsRendered      int64
	JobsCompleted      int64
}

type Orchestrator struct {
	clock     clockwork.Clock
	cfg       *config.Instance
	devices   *devices.Manager
	arbiter   *arbiter.Arbiter
	ns        chan<- models.Notification
	wake      chan struct{}
	current   *job
	byID      map[uuid.UUID]*job
	pending   []*job
	history   []*job
	chars     atomic.Int64
	words     atomic.Int64
	completed atomic.Int64
	mu        syncutil.RWMutex
}

func New(
	cfg *config.Instance,
	devs *devices.Manager,
	arb *arbiter.Arbiter,
	ns chan<- models.Notification,
) *Orchestrator {
	return &Orchestrator{
		clock:   devs.Clock(),
		cfg:     cfg,
		devices: devs,
		arbiter: arb,
		ns:      ns,
		wake:    make(chan struct{}, 1),
		byID:    make(map[uuid.UUID]*job),
	}
}

func (o *Orchestrator) signal() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// Submit filters text and queues it behind any running job. Skipped
// characters are announced straight away.
func (o *Orchestrator) Submit(text string) (Job, error) {
	if strings.TrimSpace(text) == "" {
		return Job{}, ErrEmptyText
	}

	retained, skipped, words := Filter(text)
	j := &job{
		Job: Job{
			ID:        uuid.New(),
			CreatedAt: o.clock.Now(),
			RawText:   text,
			Filtered:  retained,
			Skipped:   skipped,
			Words:     words,
			Status:    JobQueued,
		},
		pauses:   Pauses(text),
		pausedAt: -1,
		done:     make(chan struct{}),
	}
	j.EstimatedTotalDuration = o.estimate(j)

	o.mu.Lock()
	o.pending = append(o.pending, j)
	o.byID[j.ID] = j
	snap := j.clone()
	queued := len(o.pending)
	o.mu.Unlock()

	log.Info().
		Str("job", j.ID.String()).
		Int("characters", len(retained)).
		Int("skipped", len(skipped)).
		Int("queued", queued).
		Dur("estimate", snap.EstimatedTotalDuration).
		Msg("job submitted")

	for _, s := range skipped {
		ev := log.Warn()
		if s.Reason == SkipWhitespace {
			ev = log.Debug()
		}
		ev.Str("job", j.ID.String()).
			Str("char", string(s.Char)).
			Str("reason", string(s.Reason)).
			Int("position", s.Position).
			Msg("skipping character")
		notifications.JobsSkipped(o.ns, models.JobSkippedResponse{
			JobID: j.ID.String(),
			Skip:  s.Response(),
		})
	}

	o.signal()
	return snap, nil
}

// Cancel stops a job. A queued job is cancelled at once; a running job
// stops at the next character boundary.
func (o *Orchestrator) Cancel(id uuid.UUID) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	j, ok := o.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}

	switch j.Status {
	case JobQueued:
		o.pending = slices.DeleteFunc(o.pending, func(p *job) bool { return p == j })
		o.finishLocked(j, JobCancelled, nil)
	case JobRunning:
		j.cancelRequested = true
		log.Info().Str("job", id.String()).Msg("cancel requested, stopping at next character")
	default:
		return fmt.Errorf("%w: %s is %s", ErrJobFinished, id, j.Status)
	}
	return nil
}

// Run processes queued jobs until ctx is done. Jobs still queued at that
// point are cancelled.
func (o *Orchestrator) Run(ctx context.Context) {
	for {
		j := o.next()
		if j == nil {
			select {
			case <-ctx.Done():
				o.cancelPending(ctx.Err())
				return
			case <-o.wake:
			}
			continue
		}
		o.process(ctx, j)
	}
}

func (o *Orchestrator) next() *job {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.pending) == 0 {
		return nil
	}
	j := o.pending[0]
	o.pending = o.pending[1:]
	j.Status = JobRunning
	j.StartedAt = o.clock.Now()
	o.current = j
	return j
}

func (o *Orchestrator) cancelPending(cause error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, j := range o.pending {
		o.finishLocked(j, JobCancelled, cause)
	}
	o.pending = nil
}

// finishLocked moves j to a terminal status. Caller must hold mu.
func (o *Orchestrator) finishLocked(j *job, status JobStatus, err error) {
	now := o.clock.Now()
	j.Status = status
	j.Err = err
	j.FinishedAt = now
	if !j.StartedAt.IsZero() {
		j.Elapsed = now.Sub(j.StartedAt)
	}
	if o.current == j {
		o.current = nil
	}
	close(j.done)

	o.history = append(o.history, j)
	if len(o.history) > HistorySize {
		evicted := o.history[0]
		o.history = o.history[1:]
		delete(o.byID, evicted.ID)
	}

	if status == JobCompleted {
		o.completed.Add(1)
		o.words.Add(int64(j.Words))
	}

	ev := log.Info()
	if status == JobFailed {
		ev = log.Error().Err(err)
	}
	ev.Str("job", j.ID.String()).
		Str("status", status.String()).
		Int("cursor", j.Cursor).
		Int("total", len(j.Filtered)).
		Dur("elapsed", j.Elapsed).
		Msg("job finished")

	notifications.JobsCompleted(o.ns, j.Response())
}

func (o *Orchestrator) process(ctx context.Context, j *job) {
	rotation := Rotation(o.devices.Ready())

	o.mu.Lock()
	snap := j.clone()
	o.mu.Unlock()
	log.Info().Str("job", j.ID.String()).Int("modules", len(rotation)).Msg("job started")
	notifications.JobsProgress(o.ns, snap.Response())

	failures := 0
	for {
		o.mu.Lock()
		switch {
		case j.Cursor >= len(j.Filtered):
			o.finishLocked(j, JobCompleted, nil)
		case j.cancelRequested:
			o.finishLocked(j, JobCancelled, nil)
		case ctx.Err() != nil:
			o.finishLocked(j, JobCancelled, ctx.Err())
		}
		if j.Status.Finished() {
			o.mu.Unlock()
			return
		}
		pos := j.RotationCursor
		cursor := j.Cursor
		char := j.Filtered[cursor]
		pause := j.pauses[cursor] > 0 && j.pausedAt != cursor
		j.pausedAt = cursor
		o.mu.Unlock()

		if pause {
			// nothing is energized between words
			o.pause(ctx, time.Duration(j.pauses[cursor])*o.cfg.WordPause())
			continue
		}

		ready := o.devices.Ready()
		if !sameRotation(Rotation(ready), rotation) {
			rotation, pos = Recompute(rotation, pos, ready)
			log.Info().Str("job", j.ID.String()).Int("modules", len(rotation)).Msg("rotation recomputed")

			o.mu.Lock()
			j.RotationCursor = pos
			j.EstimatedTotalDuration = o.estimate(j)
			o.mu.Unlock()
		}

		if len(rotation) == 0 {
			o.mu.Lock()
			err := fmt.Errorf("%w: stopped after %d of %d characters",
				protocol.ErrNoAvailableModules, j.Cursor, len(j.Filtered))
			o.finishLocked(j, JobFailed, err)
			o.mu.Unlock()
			return
		}

		ref := rotation[pos%len(rotation)]
		rendered, err := o.render(ctx, ref, char)
		if rendered {
			failures = 0
			o.chars.Add(1)

			o.mu.Lock()
			j.Cursor++
			j.RotationCursor = (pos + 1) % len(rotation)
			j.Elapsed = o.clock.Since(j.StartedAt)
			snap := j.clone()
			o.mu.Unlock()
			notifications.JobsProgress(o.ns, snap.Response())
		}

		if err == nil || ctx.Err() != nil {
			continue
		}

		log.Warn().Err(err).Str("job", j.ID.String()).Stringer("module", ref).Bool("rendered", rendered).
			Msg("character write failed")
		if rendered {
			continue
		}

		// A device fault trips the device, so the rotation shrinks on the
		// next pass. The bound catches a controller that keeps rejecting
		// commands without ever being demoted.
		failures++
		if failures > len(rotation)+o.cfg.Retries() {
			o.mu.Lock()
			o.finishLocked(j, JobFailed, err)
			o.mu.Unlock()
			return
		}
	}
}

// estimate is Estimate plus the word pauses of j.
func (o *Orchestrator) estimate(j *job) time.Duration {
	pauses := 0
	for _, n := range j.pauses {
		pauses += n
	}
	return Estimate(len(j.Filtered), o.cfg.Dwell(), o.cfg.SafetyGap()) +
		time.Duration(pauses)*o.cfg.WordPause()
}

// pause waits d on the job clock, returning early when ctx is done.
func (o *Orchestrator) pause(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := o.clock.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.Chan():
	}
}

// render runs one acquire, write, dwell and release cycle. It reports
// whether the character was shown for its full dwell, which can be true
// even when the release afterwards failed.
func (o *Orchestrator) render(ctx context.Context, ref arbiter.ModuleRef, char rune) (bool, error) {
	h, err := o.arbiter.Acquire(ctx, ref)
	if err != nil {
		return false, err
	}

	err = h.Write(ctx, char)
	if err == nil {
		log.Debug().Str("device", ref.DeviceID).Int("module", ref.Index).Str("char", string(char)).
			Msg("character written")
		h.HoldFor(o.cfg.Dwell())
	}

	relErr := o.arbiter.Release(ctx, h)
	if err != nil {
		return false, err
	}
	return true, relErr
}

// WriteLegacy sends text in one legacy WRITE to module 0 of deviceID, or
// of the first Ready device when deviceID is empty. It does not create a
// job and does not use the rotation.
func (o *Orchestrator) WriteLegacy(ctx context.Context, deviceID, text string) (*protocol.Reply, error) {
	text = strings.ToLower(text)

	if deviceID == "" {
		rotation := Rotation(o.devices.Ready())
		if len(rotation) == 0 {
			return nil, protocol.ErrNoAvailableModules
		}
		deviceID = rotation[0].DeviceID
	}

	reply, err := o.arbiter.WriteLegacy(ctx, deviceID, text)
	if reply != nil {
		for _, w := range reply.Warnings {
			log.Warn().Str("device", deviceID).Str("warning", w).Msg("legacy write warning")
		}
	}
	if err != nil {
		return reply, err
	}
	retained, _, words := Filter(text)
	o.chars.Add(int64(len(retained)))
	o.words.Add(int64(words))
	return reply, nil
}

// Wait blocks until the job finishes or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context, id uuid.UUID) (Job, error) {
	o.mu.RLock()
	j, ok := o.byID[id]
	o.mu.RUnlock()
	if !ok {
		return Job{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}

	select {
	case <-j.done:
	case <-ctx.Done():
		return Job{}, fmt.Errorf("waiting for job: %w", ctx.Err())
	}

	o.mu.RLock()
	defer o.mu.RUnlock()
	return j.clone(), nil
}

func (o *Orchestrator) Job(id uuid.UUID) (Job, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	j, ok := o.byID[id]
	if !ok {
		return Job{}, false
	}
	return j.clone(), true
}

// Jobs lists finished, running and queued jobs, oldest first.
func (o *Orchestrator) Jobs() []Job {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]Job, 0, len(o.history)+len(o.pending)+1)
	for _, j := range o.history {
		out = append(out, j.clone())
	}
	if o.current != nil {
		out = append(out, o.current.clone())
	}
	for _, j := range o.pending {
		out = append(out, j.clone())
	}
	return out
}

// Current returns the running job, if any.
func (o *Orchestrator) Current() (Job, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.current == nil {
		return Job{}, false
	}
	return o.current.clone(), true
}

// Queued counts jobs waiting to start.
func (o *Orchestrator) Queued() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.pending)
}

func (o *Orchestrator) Stats() Stats {
	return Stats{
		CharactersRendered: o.chars.Load(),
		WordsRendered:      o.words.Load(),
		JobsCompleted:      o.completed.Load(),
	}
}
