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

// Package daemon runs the service in the foreground with a PID file, so a
// second instance refuses to start and "-stop" can find the first one.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/ZaparooProject/zaparoo-braille/pkg/config"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
)

var (
	ErrAlreadyRunning = errors.New("service already running")
	ErrNotRunning     = errors.New("service not running")
)

// Entry starts the service and returns its stop function and a channel
// closed when it has shut down.
type Entry func() (stop func() error, done <-chan struct{}, err error)

type Service struct {
	fs      afero.Fs
	entry   Entry
	alive   func(pid int) bool
	signal  func(pid int, sig os.Signal) error
	pidPath string
}

func NewService(fs afero.Fs, runDir string, entry Entry) *Service {
	return &Service{
		fs:      fs,
		entry:   entry,
		pidPath: filepath.Join(runDir, config.PidFile),
		alive:   processAlive,
		signal:  signalProcess,
	}
}

func processAlive(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}

func signalProcess(pid int, sig os.Signal) error {
	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("failed to find process: %w", err)
	}
	if err := process.Signal(sig); err != nil {
		return fmt.Errorf("failed to signal process %d: %w", pid, err)
	}
	return nil
}

// Pid returns the PID recorded in the PID file, or 0 when there is none.
func (s *Service) Pid() (int, error) {
	data, err := afero.ReadFile(s.fs, s.pidPath)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	} else if err != nil {
		return 0, fmt.Errorf("error reading pid file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("error parsing pid: %w", err)
	}
	return pid, nil
}

func (s *Service) Running() bool {
	pid, err := s.Pid()
	if err != nil || pid == 0 {
		return false
	}
	return s.alive(pid)
}

func (s *Service) createPidFile() error {
	if err := s.fs.MkdirAll(filepath.Dir(s.pidPath), 0o750); err != nil {
		return fmt.Errorf("failed to create run directory: %w", err)
	}
	err := afero.WriteFile(s.fs, s.pidPath, []byte(strconv.Itoa(os.Getpid())), 0o600)
	if err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}
	return nil
}

func (s *Service) removePidFile() {
	if err := s.fs.Remove(s.pidPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Error().Err(err).Msg("error removing pid file")
	}
}

// Run starts the service and blocks until ctx is done or the service
// stops on its own.
func (s *Service) Run(ctx context.Context) error {
	if s.Running() {
		return ErrAlreadyRunning
	}

	log.Info().Msg("starting service")
	if err := s.createPidFile(); err != nil {
		return err
	}
	defer s.removePidFile()

	stop, done, err := s.entry()
	if err != nil {
		return fmt.Errorf("error starting service: %w", err)
	}

	select {
	case <-ctx.Done():
		log.Info().Msg("stopping service")
		if err := stop(); err != nil {
			return fmt.Errorf("error stopping service: %w", err)
		}
	case <-done:
		log.Info().Msg("service shut down internally")
	}
	return nil
}

// Stop asks a running service to shut down.
func (s *Service) Stop() error {
	if !s.Running() {
		return ErrNotRunning
	}
	pid, err := s.Pid()
	if err != nil {
		return err
	}
	return s.signal(pid, syscall.SIGTERM)
}
