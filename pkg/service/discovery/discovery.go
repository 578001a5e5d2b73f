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

// Package discovery advertises the control API over mDNS so dashboards on
// the local network can find a running service without knowing its
// address.
package discovery

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ZaparooProject/zaparoo-braille/pkg/config"
	"github.com/ZaparooProject/zaparoo-braille/pkg/helpers/syncutil"
	"github.com/grandcat/zeroconf"
	"github.com/rs/zerolog/log"
)

const ServiceType = "_zaparoo-braille._tcp"

const (
	retryInterval    = 30 * time.Second
	maxRetryDuration = 5 * time.Minute
)

var virtualPrefixes = []string{
	"docker", "br-", "veth", "virbr", "lxc", "cni", "flannel", "wg", "tun",
}

// usableInterfaces keeps interfaces that are up, multicast capable, not
// loopback and not a container or VPN bridge.
func usableInterfaces(ifaces []net.Interface) []net.Interface {
	var out []net.Interface
	for _, iface := range ifaces {
		switch {
		case iface.Flags&net.FlagUp == 0,
			iface.Flags&net.FlagLoopback != 0,
			iface.Flags&net.FlagMulticast == 0,
			virtual(iface.Name):
			continue
		}
		out = append(out, iface)
	}
	return out
}

func virtual(name string) bool {
	name = strings.ToLower(name)
	for _, p := range virtualPrefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

type shutdowner interface {
	Shutdown()
}

type registerFunc func(instance, service, domain string, port int, txt []string, ifaces []net.Interface) (shutdowner, error)

func zeroconfRegister(
	instance, service, domain string,
	port int,
	txt []string,
	ifaces []net.Interface,
) (shutdowner, error) {
	server, err := zeroconf.Register(instance, service, domain, port, txt, ifaces)
	if err != nil {
		return nil, fmt.Errorf("zeroconf register: %w", err)
	}
	return server, nil
}

// Service owns the mDNS registration. Modules is reported in the TXT
// record so a browser can tell how many cells an instance drives.
type Service struct {
	server     shutdowner
	cfg        *config.Instance
	register   registerFunc
	interfaces func() ([]net.Interface, error)
	modules    func() int
	cancel     context.CancelFunc
	instance   string
	stopped    bool
	mu         syncutil.Mutex
}

func New(cfg *config.Instance, modules func() int) *Service {
	return &Service{
		cfg:        cfg,
		register:   zeroconfRegister,
		interfaces: net.Interfaces,
		modules:    modules,
	}
}

// Start registers the service. When no network is available yet it keeps
// retrying in the background for a few minutes instead of failing.
func (s *Service) Start() error {
	if !s.cfg.DiscoveryEnabled() {
		log.Info().Msg("mdns discovery disabled")
		return nil
	}

	s.instance = s.instanceName()
	if s.tryRegister() {
		return nil
	}

	log.Info().Dur("retry", retryInterval).Msg("mdns registration failed, retrying in background")
	ctx, cancel := context.WithTimeout(context.Background(), maxRetryDuration)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	go s.retry(ctx)
	return nil
}

func (s *Service) txt() []string {
	txt := []string{
		"id=" + s.cfg.DeviceID(),
		"version=" + config.AppVersion,
		"path=/api",
	}
	if s.modules != nil {
		txt = append(txt, "modules="+strconv.Itoa(s.modules()))
	}
	return txt
}

func (s *Service) tryRegister() bool {
	all, err := s.interfaces()
	if err != nil {
		log.Debug().Err(err).Msg("failed to list network interfaces")
		return false
	}
	ifaces := usableInterfaces(all)
	if len(ifaces) == 0 {
		log.Debug().Msg("no network interface usable for mdns")
		return false
	}

	port := s.cfg.APIPort()
	server, err := s.register(s.instance, ServiceType, "local.", port, s.txt(), ifaces)
	if err != nil {
		log.Debug().Err(err).Msg("mdns registration failed")
		return false
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		server.Shutdown()
		return false
	}
	s.server = server
	s.mu.Unlock()

	log.Info().
		Str("instance", s.instance).
		Int("port", port).
		Str("type", ServiceType).
		Msg("advertising api over mdns")
	return true
}

func (s *Service) retry(ctx context.Context) {
	ticker := time.NewTicker(retryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Warn().Msg("gave up on mdns registration")
			return
		case <-ticker.C:
			if s.tryRegister() {
				return
			}
		}
	}
}

// Stop withdraws the registration.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopped = true
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if s.server != nil {
		s.server.Shutdown()
		s.server = nil
	}
}

func (s *Service) InstanceName() string {
	return s.instance
}

// instanceName prefers the configured name, then the hostname, then a
// name derived from the device id.
func (s *Service) instanceName() string {
	if name := s.cfg.DiscoveryInstanceName(); name != "" {
		return name
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host + "-braille"
	}
	id := s.cfg.DeviceID()
	if len(id) >= 8 {
		return "braille-" + id[:8]
	}
	return "braille"
}
