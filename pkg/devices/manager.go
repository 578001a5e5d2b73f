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

// Package devices manages the serial links to Braille controllers. It
// discovers candidate endpoints, performs the READY handshake, runs
// command exchanges with per-command timeouts and tracks each device's
// status and heartbeat.
package devices

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync/atomic"
	"time"

	"github.com/ZaparooProject/zaparoo-braille/pkg/api/models"
	"github.com/ZaparooProject/zaparoo-braille/pkg/api/notifications"
	"github.com/ZaparooProject/zaparoo-braille/pkg/config"
	"github.com/ZaparooProject/zaparoo-braille/pkg/helpers"
	"github.com/ZaparooProject/zaparoo-braille/pkg/helpers/syncutil"
	"github.com/ZaparooProject/zaparoo-braille/pkg/protocol"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"go.bug.st/serial"
)

type Option func(*Manager)

func WithClock(clock clockwork.Clock) Option {
	return func(m *Manager) {
		m.clock = clock
	}
}

func WithPortFactory(factory PortFactory) Option {
	return func(m *Manager) {
		m.portFactory = factory
	}
}

func WithPortLister(lister helpers.PortLister) Option {
	return func(m *Manager) {
		m.lister = lister
	}
}

type Stats struct {
	CommandsSent      int64
	ResponsesReceived int64
	Errors            int64
}

type entry struct {
	link   *Link
	device Device
}

type Manager struct {
	clock       clockwork.Clock
	cfg         *config.Instance
	portFactory PortFactory
	lister      helpers.PortLister
	ns          chan<- models.Notification
	history     *History
	devices     map[string]*entry
	sent        atomic.Int64
	received    atomic.Int64
	errors      atomic.Int64
	nextOrder   int
	mu          syncutil.RWMutex
}

func NewManager(cfg *config.Instance, ns chan<- models.Notification, opts ...Option) *Manager {
	m := &Manager{
		clock:       clockwork.NewRealClock(),
		cfg:         cfg,
		portFactory: DefaultPortFactory,
		ns:          ns,
		history:     NewHistory(HistorySize),
		devices:     make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) Clock() clockwork.Clock {
	return m.clock
}

// Discover returns the configured endpoints followed by any auto-detected
// ones, without duplicates. The order is the discovery order used for
// the write rotation.
func (m *Manager) Discover() ([]string, error) {
	endpoints := slices.Clone(m.cfg.SerialPorts())

	if !m.cfg.AutoDetect() {
		return endpoints, nil
	}

	detected, err := helpers.GetSerialDeviceList(m.lister, m.cfg.IgnoredSerialIDs())
	if err != nil {
		if len(endpoints) > 0 {
			log.Warn().Err(err).Msg("serial auto-detect failed, using configured ports")
			return endpoints, nil
		}
		return nil, err
	}

	for _, ep := range detected {
		if !slices.Contains(endpoints, ep) {
			endpoints = append(endpoints, ep)
		}
	}
	return endpoints, nil
}

// Connect opens endpoint, waits for the controller to boot and performs
// the STATUS/READY handshake. A device that is already Ready is returned
// as is; one in Error or Disconnected is reopened.
func (m *Manager) Connect(ctx context.Context, endpoint string) (Device, error) {
	if endpoint == "" {
		return Device{}, fmt.Errorf("%w: empty endpoint", protocol.ErrConnection)
	}

	m.mu.Lock()
	e, ok := m.devices[endpoint]
	if !ok {
		e = &entry{device: Device{
			ID:       endpoint,
			Endpoint: endpoint,
			Order:    m.nextOrder,
		}}
		m.nextOrder++
		m.devices[endpoint] = e
	}
	switch {
	case e.device.Status == StatusConnecting:
		dev := e.device
		m.mu.Unlock()
		return dev, fmt.Errorf("%w: %s is already connecting", protocol.ErrConnection, endpoint)
	case e.device.Status == StatusReady && e.link != nil && !e.link.Closed():
		dev := e.device
		m.mu.Unlock()
		return dev, nil
	}
	prev := e.device.Status
	old := e.link
	e.link = nil
	e.device.Status = StatusConnecting
	m.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}

	log.Info().Str("endpoint", endpoint).Msg("connecting to device")
	link, err := m.open(ctx, endpoint)

	m.mu.Lock()
	if err == nil && e.device.Status != StatusConnecting {
		err = fmt.Errorf("%w: %s was disconnected during handshake", protocol.ErrConnection, endpoint)
		_ = link.Close()
	}
	if err != nil {
		// a failed reconnect leaves a faulted device in Error so the
		// health monitor keeps retrying it
		e.device.Status = StatusDisconnected
		if prev == StatusError {
			e.device.Status = StatusError
		}
		e.device.LastError = err
		dev := e.device
		m.mu.Unlock()
		m.errors.Add(1)
		log.Warn().Err(err).Str("endpoint", endpoint).Msg("failed to connect to device")
		return dev, err
	}
	e.link = link
	e.device.Status = StatusReady
	e.device.LastError = nil
	e.device.ConsecutiveFailures = 0
	e.device.LastHeartbeatAt = m.clock.Now()
	dev := e.device
	m.mu.Unlock()

	log.Info().Str("endpoint", endpoint).Int("order", dev.Order).Msg("device ready")
	notifications.DevicesConnected(m.ns, dev.Response())
	return dev, nil
}

func (m *Manager) open(ctx context.Context, endpoint string) (*Link, error) {
	port, err := m.portFactory(endpoint, &serial.Mode{
		BaudRate: m.cfg.BaudRate(),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", protocol.ErrConnection, err)
	}

	if err := port.SetReadTimeout(ReadTimeout); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("%w: failed to set read timeout on %s: %w", protocol.ErrConnection, endpoint, err)
	}

	link := newLink(endpoint, port, m.clock, m.observer(endpoint))

	if err := m.sleep(ctx, m.cfg.BootWait()); err != nil {
		_ = link.Close()
		return nil, fmt.Errorf("%w: boot wait cancelled: %w", protocol.ErrConnection, err)
	}

	if err := m.handshake(ctx, link); err != nil {
		_ = link.Close()
		return nil, err
	}
	return link, nil
}

// handshake polls STATUS until the controller answers READY. The READY a
// controller sends once after boot is drained by the first exchange and
// answered again by its STATUS.
func (m *Manager) handshake(ctx context.Context, link *Link) error {
	attempts := m.cfg.HandshakeAttempts()
	interval := m.cfg.HandshakeInterval()

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		_, err := link.Exchange(ctx, protocol.Status{}, interval)
		if err == nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("%w: handshake cancelled: %w", protocol.ErrConnection, ctxErr)
		}
		if errors.Is(err, protocol.ErrConnection) {
			return err
		}
		lastErr = err
		log.Debug().Err(err).Str("endpoint", link.id).Int("attempt", attempt).Msg("handshake attempt failed")
	}

	return fmt.Errorf("%w: no READY from %s after %d attempts: %w",
		protocol.ErrConnection, link.id, attempts, lastErr)
}

func (m *Manager) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := m.clock.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.Chan():
		return nil
	}
}

func (m *Manager) observer(id string) func(Direction, string) {
	return func(dir Direction, line string) {
		e := HistoryEntry{
			Time:      m.clock.Now(),
			DeviceID:  id,
			Line:      line,
			Direction: dir,
		}
		m.history.Add(e)

		if dir == DirectionSent {
			m.sent.Add(1)
			log.Debug().Str("device", id).Str("cmd", line).Msg("sent command")
			notifications.CommandsSent(m.ns, e.Response())
			return
		}
		m.received.Add(1)
		log.Debug().Str("device", id).Str("line", line).Msg("received response")
		notifications.CommandsReceived(m.ns, e.Response())
	}
}

// Send runs one command exchange with the configured command timeout.
func (m *Manager) Send(ctx context.Context, id string, cmd protocol.Command) (*protocol.Reply, error) {
	return m.SendTimeout(ctx, id, cmd, m.cfg.CommandTimeout())
}

// SendTimeout is Send with an explicit timeout, for commands like a
// legacy WRITE that legitimately take longer than one command.
func (m *Manager) SendTimeout(
	ctx context.Context,
	id string,
	cmd protocol.Command,
	timeout time.Duration,
) (*protocol.Reply, error) {
	m.mu.RLock()
	e, ok := m.devices[id]
	var link *Link
	if ok {
		link = e.link
	}
	m.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: unknown device %s", protocol.ErrConnection, id)
	}
	if link == nil || link.Closed() {
		return nil, fmt.Errorf("%w: %s is not connected", protocol.ErrConnection, id)
	}

	reply, err := link.Exchange(ctx, cmd, timeout)
	if err != nil {
		m.errors.Add(1)
		return reply, err
	}

	m.mu.Lock()
	e.device.LastHeartbeatAt = m.clock.Now()
	m.mu.Unlock()
	return reply, nil
}

// Disconnect closes the link to id. The device keeps its ID and order so
// a later Connect restores its place in the rotation.
func (m *Manager) Disconnect(id string) error {
	m.mu.Lock()
	e, ok := m.devices[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: unknown device %s", protocol.ErrConnection, id)
	}
	link := e.link
	e.link = nil
	e.device.Status = StatusDisconnected
	m.mu.Unlock()

	if link != nil {
		if err := link.Close(); err != nil {
			return fmt.Errorf("failed to close link to %s: %w", id, err)
		}
	}
	log.Info().Str("device", id).Msg("device disconnected")
	return nil
}

// Close disconnects every device.
func (m *Manager) Close() {
	for _, d := range m.Devices() {
		if d.Status == StatusDisconnected {
			continue
		}
		if err := m.Disconnect(d.ID); err != nil {
			log.Warn().Err(err).Str("device", d.ID).Msg("error disconnecting device")
		}
	}
}

// Devices returns a snapshot of every known device in discovery order.
func (m *Manager) Devices() []Device {
	m.mu.RLock()
	defer m.mu.RUnlock()
	devs := make([]Device, 0, len(m.devices))
	for _, e := range m.devices {
		devs = append(devs, e.device)
	}
	slices.SortFunc(devs, func(a, b Device) int {
		return a.Order - b.Order
	})
	return devs
}

// Ready returns the Ready devices in discovery order.
func (m *Manager) Ready() []Device {
	return slices.DeleteFunc(m.Devices(), func(d Device) bool {
		return d.Status != StatusReady
	})
}

func (m *Manager) Device(id string) (Device, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.devices[id]
	if !ok {
		return Device{}, false
	}
	return e.device, true
}

// Linked reports whether id has an open link.
func (m *Manager) Linked(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.devices[id]
	return ok && e.link != nil && !e.link.Closed()
}

// MarkError moves a connected device to Error and announces it. It
// reports whether the status changed.
func (m *Manager) MarkError(id string, cause error) bool {
	m.mu.Lock()
	e, ok := m.devices[id]
	if !ok {
		m.mu.Unlock()
		return false
	}
	e.device.LastError = cause
	if e.device.Status != StatusReady {
		m.mu.Unlock()
		return false
	}
	e.device.Status = StatusError
	dev := e.device
	m.mu.Unlock()

	msg := "device error"
	if cause != nil {
		msg = cause.Error()
	}
	log.Error().Err(cause).Str("device", id).Msg("device moved to error state")
	notifications.DevicesError(m.ns, models.DeviceErrorResponse{
		Error:  msg,
		Device: dev.Response(),
	})
	return true
}

// Trip moves id to Error and closes its link. Closing the port drops DTR,
// which resets the controller and releases every module it was driving.
// The health monitor reconnects the device later.
func (m *Manager) Trip(id string, cause error) {
	m.MarkError(id, cause)

	m.mu.Lock()
	e, ok := m.devices[id]
	var link *Link
	if ok {
		link = e.link
		e.link = nil
	}
	m.mu.Unlock()

	if link == nil {
		return
	}
	if err := link.Close(); err != nil {
		log.Warn().Err(err).Str("device", id).Msg("failed to close tripped link")
	}
	log.Warn().Str("device", id).Msg("closed link to reset controller")
}

// ProbeSucceeded records a good heartbeat. A device in Error with a live
// link returns to Ready; it reports whether that happened.
func (m *Manager) ProbeSucceeded(id string) bool {
	m.mu.Lock()
	e, ok := m.devices[id]
	if !ok {
		m.mu.Unlock()
		return false
	}
	e.device.ConsecutiveFailures = 0
	e.device.LastHeartbeatAt = m.clock.Now()
	if e.device.Status != StatusError || e.link == nil || e.link.Closed() {
		m.mu.Unlock()
		return false
	}
	e.device.Status = StatusReady
	e.device.LastError = nil
	dev := e.device
	m.mu.Unlock()

	log.Info().Str("device", id).Msg("device recovered")
	notifications.DevicesConnected(m.ns, dev.Response())
	return true
}

// ProbeFailed records a missed heartbeat and moves the device to Error
// once threshold consecutive probes have failed. It reports whether the
// device moved to Error.
func (m *Manager) ProbeFailed(id string, cause error, threshold int) bool {
	m.mu.Lock()
	e, ok := m.devices[id]
	if !ok {
		m.mu.Unlock()
		return false
	}
	e.device.ConsecutiveFailures++
	failures := e.device.ConsecutiveFailures
	m.mu.Unlock()

	log.Warn().Err(cause).Str("device", id).Int("failures", failures).Msg("heartbeat failed")
	if failures < threshold {
		return false
	}
	return m.MarkError(id, cause)
}

func (m *Manager) History() []HistoryEntry {
	return m.history.Entries()
}

func (m *Manager) Stats() Stats {
	return Stats{
		CommandsSent:      m.sent.Load(),
		ResponsesReceived: m.received.Load(),
		Errors:            m.errors.Load(),
	}
}
