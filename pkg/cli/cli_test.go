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
	"errors"
	"flag"
	"io"
	"testing"
	"time"

	"github.com/ZaparooProject/zaparoo-braille/pkg/api/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockClient answers calls from a table and replays one notification.
type mockClient struct {
	results      map[string]string
	errs         map[string]error
	notification string
	calls        []string
	params       []string
}

func (m *mockClient) Call(_ context.Context, method, params string) (string, error) {
	m.calls = append(m.calls, method)
	m.params = append(m.params, params)
	if err := m.errs[method]; err != nil {
		return "", err
	}
	return m.results[method], nil
}

func (m *mockClient) WaitNotification(
	ctx context.Context,
	_ time.Duration,
	_ string,
	match func(json.RawMessage) bool,
) (string, error) {
	if m.notification == "" {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if !match(json.RawMessage(m.notification)) {
		return "", errors.New("notification did not match")
	}
	return m.notification, nil
}

func parse(t *testing.T, args ...string) *Flags {
	t.Helper()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	f := NewFlags(fs)
	exit, err := f.Pre(args, io.Discard)
	require.NoError(t, err)
	require.False(t, exit)
	return f
}

const jobID = "6f1c8a52-7b7e-4e34-9f2c-3c1d2b8a9e10"

func TestPreVersion(t *testing.T) {
	t.Parallel()

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	f := NewFlags(fs)
	var out bytes.Buffer
	exit, err := f.Pre([]string{"-version"}, &out)
	require.NoError(t, err)
	assert.True(t, exit)
	assert.Contains(t, out.String(), "Zaparoo Braille v")
}

func TestPreBadFlag(t *testing.T) {
	t.Parallel()

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	f := NewFlags(fs)
	exit, err := f.Pre([]string{"-nope"}, io.Discard)
	require.Error(t, err)
	assert.True(t, exit)
}

func TestPostNoFlags(t *testing.T) {
	t.Parallel()

	m := &mockClient{}
	handled, err := parse(t).Post(context.Background(), m, io.Discard)
	require.NoError(t, err)
	assert.False(t, handled)
	assert.Empty(t, m.calls)
}

func TestPostWriteWaitsForCompletion(t *testing.T) {
	t.Parallel()

	m := &mockClient{
		results: map[string]string{
			models.MethodWrite: `{"id":"` + jobID + `","status":"queued","total":2,` +
				`"skipped":[{"char":"!","position":2,"reason":"unsupported"}],"estimatedTotalDurationMs":3000}`,
		},
		notification: `{"id":"` + jobID + `","status":"completed","cursor":2,"total":2,"elapsedMs":2950}`,
	}

	var out bytes.Buffer
	handled, err := parse(t, "-write", "Hi!").Post(context.Background(), m, &out)
	require.NoError(t, err)
	assert.True(t, handled)
	assert.Equal(t, []string{models.MethodWrite}, m.calls)
	assert.JSONEq(t, `{"text":"Hi!"}`, m.params[0])
	assert.Contains(t, out.String(), `skipped "!" at 2: unsupported`)
	assert.Contains(t, out.String(), "completed: 2/2 characters")
}

func TestPostWriteReportsFailedJob(t *testing.T) {
	t.Parallel()

	m := &mockClient{
		results:      map[string]string{models.MethodWrite: `{"id":"` + jobID + `","total":1}`},
		notification: `{"id":"` + jobID + `","status":"failed","error":"module unavailable"}`,
	}

	_, err := parse(t, "-write", "a").Post(context.Background(), m, io.Discard)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "module unavailable")
}

func TestPostWriteCallFails(t *testing.T) {
	t.Parallel()

	m := &mockClient{errs: map[string]error{models.MethodWrite: errors.New("no available modules")}}

	_, err := parse(t, "-write", "a").Post(context.Background(), m, io.Discard)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no available modules")
}

func TestPostMissingValues(t *testing.T) {
	t.Parallel()

	for _, name := range []string{"write", "cancel", "api"} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			handled, err := parse(t, "-"+name, "").Post(context.Background(), &mockClient{}, io.Discard)
			assert.True(t, handled)
			require.ErrorIs(t, err, ErrMissingValue)
		})
	}
}

func TestPostCancel(t *testing.T) {
	t.Parallel()

	m := &mockClient{}
	_, err := parse(t, "-cancel", jobID).Post(context.Background(), m, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, []string{models.MethodJobsCancel}, m.calls)
	assert.JSONEq(t, `{"jobId":"`+jobID+`"}`, m.params[0])

	_, err = parse(t, "-cancel", "job-1").Post(context.Background(), m, io.Discard)
	require.Error(t, err)
	assert.Len(t, m.calls, 1)
}

func TestPostAPI(t *testing.T) {
	t.Parallel()

	m := &mockClient{results: map[string]string{"devices.send": `{"responses":["READY"]}`}}
	var out bytes.Buffer
	_, err := parse(t, "-api", `devices.send:{"deviceId":"/dev/ttyACM0","command":"STATUS"}`).
		Post(context.Background(), m, &out)
	require.NoError(t, err)
	assert.Equal(t, `{"deviceId":"/dev/ttyACM0","command":"STATUS"}`, m.params[0])
	assert.Equal(t, "{\"responses\":[\"READY\"]}\n", out.String())
}

func TestPostStatusIndents(t *testing.T) {
	t.Parallel()

	m := &mockClient{results: map[string]string{models.MethodStatus: `{"devices":[],"activeToken":null}`}}
	var out bytes.Buffer
	_, err := parse(t, "-status").Post(context.Background(), m, &out)
	require.NoError(t, err)
	assert.Equal(t, "{\n  \"devices\": [],\n  \"activeToken\": null\n}\n", out.String())
}

func TestPostPorts(t *testing.T) {
	t.Parallel()

	m := &mockClient{results: map[string]string{models.MethodDevicesPorts: `{"ports":["/dev/ttyACM0","/dev/ttyACM1"]}`}}
	var out bytes.Buffer
	_, err := parse(t, "-ports").Post(context.Background(), m, &out)
	require.NoError(t, err)
	assert.Equal(t, "/dev/ttyACM0\n/dev/ttyACM1\n", out.String())

	m.results[models.MethodDevicesPorts] = `{"ports":[]}`
	out.Reset()
	_, err = parse(t, "-ports").Post(context.Background(), m, &out)
	require.NoError(t, err)
	assert.Equal(t, "no serial ports found\n", out.String())
}

func TestPostTestAndReset(t *testing.T) {
	t.Parallel()

	m := &mockClient{errs: map[string]error{models.MethodTest: errors.New("/dev/ttyACM1: timeout")}}

	_, err := parse(t, "-reset").Post(context.Background(), m, io.Discard)
	require.NoError(t, err)

	_, err = parse(t, "-test").Post(context.Background(), m, io.Discard)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "test failed")
	assert.Equal(t, []string{models.MethodReset, models.MethodTest}, m.calls)
}

func TestPostLogsCSV(t *testing.T) {
	t.Parallel()

	m := &mockClient{results: map[string]string{
		models.MethodLogsRecent: `{"entries":[` +
			`{"time":"2026-01-02T03:04:05Z","deviceId":"/dev/ttyACM0","line":"STATUS","direction":"sent"},` +
			`{"time":"2026-01-02T03:04:05.5Z","deviceId":"/dev/ttyACM0","line":"READY","direction":"received"}]}`,
	}}
	var out bytes.Buffer
	_, err := parse(t, "-logs").Post(context.Background(), m, &out)
	require.NoError(t, err)
	assert.Equal(t, "time,device,direction,line\n"+
		"2026-01-02T03:04:05Z,/dev/ttyACM0,sent,STATUS\n"+
		"2026-01-02T03:04:05.5Z,/dev/ttyACM0,received,READY\n", out.String())
}
