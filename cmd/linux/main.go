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

//go:build linux

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/ZaparooProject/zaparoo-braille/internal/telemetry"
	"github.com/ZaparooProject/zaparoo-braille/pkg/api/client"
	"github.com/ZaparooProject/zaparoo-braille/pkg/cli"
	"github.com/ZaparooProject/zaparoo-braille/pkg/config"
	"github.com/ZaparooProject/zaparoo-braille/pkg/helpers"
	"github.com/rs/zerolog/log"
)

func main() {
	if err := run(); err != nil {
		cli.Exit(err)
	}
}

func run() error {
	flags := cli.SetupFlags()

	daemonMode := flag.Bool(
		"daemon",
		false,
		"run service in foreground with logs on the console",
	)

	exit, err := flags.Pre(os.Args[1:], os.Stdout)
	if err != nil || exit {
		return err
	}

	var logWriters []io.Writer
	if *daemonMode {
		logWriters = []io.Writer{helpers.ConsoleWriter()}
	}

	cfg, err := cli.Setup(config.BaseDefaults, logWriters)
	if err != nil {
		return err
	}
	defer telemetry.Close()

	defer func() {
		if err := recover(); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "Panic: %s\n", err)
			log.Fatal().Msgf("panic: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *flags.Stop {
		return cli.StopService(cfg)
	}

	handled, err := flags.Post(ctx, client.NewLocalAPIClient(cfg), os.Stdout)
	if handled || err != nil {
		return err
	}

	if !*daemonMode && cli.ServiceRunning(cfg) {
		_, _ = fmt.Println("service is already running")
		return nil
	}

	log.Info().Str("version", config.AppVersion).Msg("starting braille service")
	return cli.RunService(ctx, cfg)
}
