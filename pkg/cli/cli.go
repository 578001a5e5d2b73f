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
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"

	"github.com/ZaparooProject/zaparoo-braille/internal/telemetry"
	"github.com/ZaparooProject/zaparoo-braille/pkg/api/client"
	"github.com/ZaparooProject/zaparoo-braille/pkg/api/models"
	"github.com/ZaparooProject/zaparoo-braille/pkg/config"
	"github.com/ZaparooProject/zaparoo-braille/pkg/helpers"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var ErrMissingValue = errors.New("flag requires a value")

type Flags struct {
	fs      *flag.FlagSet
	Write   *string
	Cancel  *string
	API     *string
	Status  *bool
	Ports   *bool
	Logs    *bool
	Test    *bool
	Reset   *bool
	Stop    *bool
	Version *bool
}

// SetupFlags defines the common client flags on the default flag set.
func SetupFlags() *Flags {
	return NewFlags(flag.CommandLine)
}

func NewFlags(fs *flag.FlagSet) *Flags {
	return &Flags{
		fs: fs,
		Write: fs.String(
			"write",
			"",
			"write text to the braille modules and wait for completion",
		),
		Cancel: fs.String(
			"cancel",
			"",
			"cancel a queued or running job by id",
		),
		API: fs.String(
			"api",
			"",
			"send method and params to API and print response",
		),
		Status: fs.Bool(
			"status",
			false,
			"print devices, modules, jobs and statistics",
		),
		Ports: fs.Bool(
			"ports",
			false,
			"list serial ports that look like controllers",
		),
		Logs: fs.Bool(
			"logs",
			false,
			"print the recent controller command log as CSV",
		),
		Test: fs.Bool(
			"test",
			false,
			"run the module test on every ready controller",
		),
		Reset: fs.Bool(
			"reset",
			false,
			"de-energize every module on every controller",
		),
		Stop: fs.Bool(
			"stop",
			false,
			"stop the running service",
		),
		Version: fs.Bool(
			"version",
			false,
			"print version and exit",
		),
	}
}

func (f *Flags) isFlagPassed(name string) bool {
	found := false
	f.fs.Visit(func(fl *flag.Flag) {
		if fl.Name == name {
			found = true
		}
	})
	return found
}

// Pre parses the arguments and handles flags that need no environment.
// Add any custom flags before running this. It returns true when the
// program should exit.
func (f *Flags) Pre(args []string, out io.Writer) (bool, error) {
	if err := f.fs.Parse(args); err != nil {
		return true, fmt.Errorf("error parsing flags: %w", err)
	}

	if *f.Version {
		_, _ = fmt.Fprintf(out, "Zaparoo Braille v%s (%s/%s)\n", config.AppVersion, runtime.GOOS, runtime.GOARCH)
		return true, nil
	}
	return false, nil
}

// Post actions the client flags against a running service. It returns
// false when none of them were passed.
func (f *Flags) Post(ctx context.Context, c client.APIClient, out io.Writer) (bool, error) {
	switch {
	case f.isFlagPassed("write"):
		if *f.Write == "" {
			return true, fmt.Errorf("write: %w", ErrMissingValue)
		}
		return true, writeAndWait(ctx, c, out, *f.Write)
	case f.isFlagPassed("cancel"):
		if *f.Cancel == "" {
			return true, fmt.Errorf("cancel: %w", ErrMissingValue)
		}
		return true, cancelJob(ctx, c, *f.Cancel)
	case f.isFlagPassed("api"):
		if *f.API == "" {
			return true, fmt.Errorf("api: %w", ErrMissingValue)
		}
		method, params, _ := strings.Cut(*f.API, ":")
		resp, err := c.Call(ctx, method, params)
		if err != nil {
			return true, fmt.Errorf("error calling API: %w", err)
		}
		_, _ = fmt.Fprintln(out, resp)
		return true, nil
	case *f.Status:
		return true, printStatus(ctx, c, out)
	case *f.Ports:
		return true, printPorts(ctx, c, out)
	case *f.Logs:
		return true, printLogs(ctx, c, out)
	case *f.Test:
		return true, callNoResult(ctx, c, models.MethodTest)
	case *f.Reset:
		return true, callNoResult(ctx, c, models.MethodReset)
	}
	return false, nil
}

// Setup creates the app directories, starts logging and loads the user
// config.
//
//nolint:gocritic // config struct copied for immutability
func Setup(defaultConfig config.Values, writers []io.Writer) (*config.Instance, error) {
	if err := helpers.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("error creating directories: %w", err)
	}

	if err := helpers.InitLogging(helpers.LogPath(), writers); err != nil {
		return nil, fmt.Errorf("error initializing logging: %w", err)
	}

	cfg, err := config.NewConfig(helpers.ConfigDir(), defaultConfig)
	if err != nil {
		return nil, fmt.Errorf("error loading config: %w", err)
	}

	if cfg.DebugLogging() {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	if err := telemetry.Init(
		cfg.ErrorReporting(),
		cfg.ReportingDSN(),
		cfg.DeviceID(),
		config.AppVersion,
	); err != nil {
		log.Warn().Err(err).Msg("failed to initialize error reporting")
	}

	return cfg, nil
}

// Exit prints err, flushes telemetry and exits non-zero.
func Exit(err error) {
	log.Error().Err(err).Msg("exiting with error")
	_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	telemetry.Flush()
	os.Exit(1)
}
