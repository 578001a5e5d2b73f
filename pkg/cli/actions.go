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

package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/ZaparooProject/zaparoo-braille/pkg/api/client"
	"github.com/ZaparooProject/zaparoo-braille/pkg/api/models"
	"github.com/gocarina/gocsv"
	"github.com/google/uuid"
)

func marshalParams(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("error encoding params: %w", err)
	}
	return string(data), nil
}

// writeAndWait submits text and blocks until the job's jobs.completed
// notification arrives. The listener is opened before the job is
// submitted so a short job can't finish unseen.
func writeAndWait(ctx context.Context, c client.APIClient, out io.Writer, text string) error {
	params, err := marshalParams(models.WriteParams{Text: text})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	jobID := make(chan string, 1)
	type waitResult struct {
		err  error
		resp string
	}
	done := make(chan waitResult, 1)
	go func() {
		var id string
		resp, err := c.WaitNotification(ctx, 0, models.NotificationJobsCompleted, func(raw json.RawMessage) bool {
			if id == "" {
				select {
				case id = <-jobID:
				case <-ctx.Done():
					return false
				}
			}
			var job models.JobResponse
			if err := json.Unmarshal(raw, &job); err != nil {
				return false
			}
			return job.ID == id
		})
		done <- waitResult{resp: resp, err: err}
	}()

	resp, err := c.Call(ctx, models.MethodWrite, params)
	if err != nil {
		return fmt.Errorf("error writing: %w", err)
	}
	var queued models.JobResponse
	if err := json.Unmarshal([]byte(resp), &queued); err != nil {
		return fmt.Errorf("error decoding job: %w", err)
	}
	jobID <- queued.ID

	for _, s := range queued.Skipped {
		_, _ = fmt.Fprintf(out, "skipped %q at %d: %s\n", s.Char, s.Position, s.Reason)
	}
	_, _ = fmt.Fprintf(out, "job %s queued: %d characters, about %dms\n",
		queued.ID, queued.Total, queued.EstimatedTotalDuration)

	res := <-done
	if res.err != nil {
		return fmt.Errorf("error waiting for job: %w", res.err)
	}

	var finished models.JobResponse
	if err := json.Unmarshal([]byte(res.resp), &finished); err != nil {
		return fmt.Errorf("error decoding job: %w", err)
	}
	if finished.Error != "" {
		return fmt.Errorf("job %s %s: %s", finished.ID, finished.Status, finished.Error)
	}
	_, _ = fmt.Fprintf(out, "job %s %s: %d/%d characters in %dms\n",
		finished.ID, finished.Status, finished.Cursor, finished.Total, finished.Elapsed)
	return nil
}

func cancelJob(ctx context.Context, c client.APIClient, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("invalid job id %q: %w", id, err)
	}
	params, err := marshalParams(models.CancelParams{JobID: id})
	if err != nil {
		return err
	}
	if _, err := c.Call(ctx, models.MethodJobsCancel, params); err != nil {
		return fmt.Errorf("error cancelling job: %w", err)
	}
	return nil
}

func printStatus(ctx context.Context, c client.APIClient, out io.Writer) error {
	resp, err := c.Call(ctx, models.MethodStatus, "")
	if err != nil {
		return fmt.Errorf("error getting status: %w", err)
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, []byte(resp), "", "  "); err != nil {
		return fmt.Errorf("error formatting status: %w", err)
	}
	_, _ = fmt.Fprintln(out, buf.String())
	return nil
}

func printPorts(ctx context.Context, c client.APIClient, out io.Writer) error {
	resp, err := c.Call(ctx, models.MethodDevicesPorts, "")
	if err != nil {
		return fmt.Errorf("error listing ports: %w", err)
	}
	var ports models.PortsResponse
	if err := json.Unmarshal([]byte(resp), &ports); err != nil {
		return fmt.Errorf("error decoding ports: %w", err)
	}
	if len(ports.Ports) == 0 {
		_, _ = fmt.Fprintln(out, "no serial ports found")
		return nil
	}
	_, _ = fmt.Fprintln(out, strings.Join(ports.Ports, "\n"))
	return nil
}

func callNoResult(ctx context.Context, c client.APIClient, method string) error {
	if _, err := c.Call(ctx, method, ""); err != nil {
		return fmt.Errorf("%s failed: %w", method, err)
	}
	return nil
}

type logRow struct {
	Time      string `csv:"time"`
	Device    string `csv:"device"`
	Direction string `csv:"direction"`
	Line      string `csv:"line"`
}

func printLogs(ctx context.Context, c client.APIClient, out io.Writer) error {
	resp, err := c.Call(ctx, models.MethodLogsRecent, "")
	if err != nil {
		return fmt.Errorf("error getting logs: %w", err)
	}
	var logs models.LogsResponse
	if err := json.Unmarshal([]byte(resp), &logs); err != nil {
		return fmt.Errorf("error decoding logs: %w", err)
	}

	rows := make([]logRow, len(logs.Entries))
	for i, e := range logs.Entries {
		rows[i] = logRow{
			Time:      e.Time.Format(time.RFC3339Nano),
			Device:    e.DeviceID,
			Direction: e.Direction,
			Line:      e.Line,
		}
	}
	if err := gocsv.Marshal(&rows, out); err != nil {
		return fmt.Errorf("error writing csv: %w", err)
	}
	return nil
}
