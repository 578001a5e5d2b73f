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

package methods

import (
	"fmt"

	"github.com/ZaparooProject/zaparoo-braille/pkg/api/models"
	"github.com/ZaparooProject/zaparoo-braille/pkg/api/models/requests"
	"github.com/ZaparooProject/zaparoo-braille/pkg/api/validation"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// HandleWrite queues a job and returns it straight away. Progress arrives
// as jobs.progress notifications.
func HandleWrite(env requests.RequestEnv) (any, error) { //nolint:gocritic // single-use parameter in API handler
	var params models.WriteParams
	if err := validation.ValidateAndUnmarshal(env.Params, &params); err != nil {
		return nil, err
	}

	job, err := env.Orchestrator.Submit(params.Text)
	if err != nil {
		return nil, err
	}
	log.Info().Str("job", job.ID.String()).Int("chars", len(job.Filtered)).Msg("queued write job")
	return job.Response(), nil
}

// HandleWriteLegacy sends one legacy WRITE and waits for DONE.
func HandleWriteLegacy(env requests.RequestEnv) (any, error) { //nolint:gocritic // single-use parameter in API handler
	var params models.WriteLegacyParams
	err := validation.ValidateAndUnmarshalCtx(env.Context, env.Params, &params, deviceContext(&env))
	if err != nil {
		return nil, err
	}

	reply, err := env.Orchestrator.WriteLegacy(env.Context, params.DeviceID, params.Text)
	if err != nil {
		return nil, err
	}
	return models.SendResponse{
		Responses: reply.Lines(),
		Warnings:  reply.Warnings,
	}, nil
}

func HandleJobs(env requests.RequestEnv) (any, error) { //nolint:gocritic // single-use parameter in API handler
	jobs := env.Orchestrator.Jobs()
	resp := models.JobsResponse{Jobs: make([]models.JobResponse, len(jobs))}
	for i := range jobs {
		resp.Jobs[i] = jobs[i].Response()
	}
	return resp, nil
}

func HandleJobsCancel(env requests.RequestEnv) (any, error) { //nolint:gocritic // single-use parameter in API handler
	var params models.CancelParams
	if err := validation.ValidateAndUnmarshal(env.Params, &params); err != nil {
		return nil, err
	}

	id, err := uuid.Parse(params.JobID)
	if err != nil {
		return nil, validation.ErrInvalidParams
	}
	if err := env.Orchestrator.Cancel(id); err != nil {
		return nil, err
	}
	log.Info().Str("job", params.JobID).Msg("cancel requested")
	return nil, nil
}

func HandleTest(env requests.RequestEnv) (any, error) { //nolint:gocritic // single-use parameter in API handler
	log.Info().Msg("received module test request")
	if err := failures(env.Arbiter.TestAll(env.Context)); err != nil {
		return nil, fmt.Errorf("module test failed: %w", err)
	}
	return nil, nil
}

func HandleReset(env requests.RequestEnv) (any, error) { //nolint:gocritic // single-use parameter in API handler
	log.Info().Msg("received reset request")
	results, err := env.Arbiter.Reset(env.Context)
	if err != nil {
		return nil, err
	}
	if err := failures(results); err != nil {
		return nil, fmt.Errorf("reset failed: %w", err)
	}
	return nil, nil
}

func HandlePatternWrite(env requests.RequestEnv) (any, error) { //nolint:gocritic // single-use parameter in API handler
	var params models.PatternParams
	err := validation.ValidateAndUnmarshalCtx(env.Context, env.Params, &params, deviceContext(&env))
	if err != nil {
		return nil, err
	}

	if err := env.Arbiter.WritePattern(env.Context, params.DeviceID, params.Value); err != nil {
		return nil, err
	}
	return nil, nil
}
