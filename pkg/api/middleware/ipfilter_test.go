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

package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewIPFilter(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		allowed   []string
		wantNets  int
		wantAddrs int
	}{
		{name: "empty", allowed: nil},
		{name: "single ip", allowed: []string{"192.168.1.1"}, wantAddrs: 1},
		{name: "cidr", allowed: []string{"192.168.1.0/24"}, wantNets: 1},
		{name: "mixed", allowed: []string{"192.168.1.1", "10.0.0.0/8", "::1"}, wantNets: 1, wantAddrs: 2},
		{name: "port stripped", allowed: []string{"192.168.1.1:7599", "[::1]:8080"}, wantAddrs: 2},
		{name: "invalid skipped", allowed: []string{"nope"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := NewIPFilter(tt.allowed)
			assert.Len(t, f.nets, tt.wantNets)
			assert.Len(t, f.addrs, tt.wantAddrs)
		})
	}
}

func TestIPFilter_IsAllowed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		addr    string
		allowed []string
		want    bool
	}{
		{name: "empty allows all", addr: "8.8.8.8:1234", want: true},
		{name: "exact match", allowed: []string{"192.168.1.10"}, addr: "192.168.1.10:5000", want: true},
		{name: "no match", allowed: []string{"192.168.1.10"}, addr: "192.168.1.11:5000"},
		{name: "cidr match", allowed: []string{"10.0.0.0/8"}, addr: "10.20.30.40:1", want: true},
		{name: "ipv6 loopback", allowed: []string{"::1"}, addr: "[::1]:7599", want: true},
		{name: "only invalid entries block", allowed: []string{"nope"}, addr: "127.0.0.1:1"},
		{name: "unparseable remote", allowed: []string{"127.0.0.1"}, addr: "garbage"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, NewIPFilter(tt.allowed).IsAllowed(tt.addr))
		})
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	assert.True(t, IsLoopbackAddr("127.0.0.1:7599"))
	assert.True(t, IsLoopbackAddr("[::1]:7599"))
	assert.False(t, IsLoopbackAddr("192.168.1.2:7599"))
	assert.False(t, IsLoopbackAddr(""))
}

func TestHTTPIPFilterMiddleware(t *testing.T) {
	t.Parallel()

	handler := HTTPIPFilterMiddleware(NewIPFilter([]string{"127.0.0.1"}))(
		http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		}),
	)

	req := httptest.NewRequest(http.MethodGet, "/health", http.NoBody)
	req.RemoteAddr = "127.0.0.1:40000"
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/health", http.NoBody)
	req.RemoteAddr = "192.168.1.50:40000"
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
}
