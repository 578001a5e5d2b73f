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

// Package client talks to a running service over its websocket API. It
// backs the command line flags that drive a service from a shell.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/ZaparooProject/zaparoo-braille/pkg/api/models"
	"github.com/ZaparooProject/zaparoo-braille/pkg/config"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var (
	ErrRequestTimeout   = errors.New("request timed out")
	ErrInvalidParams    = errors.New("invalid params")
	ErrRequestCancelled = errors.New("request cancelled")
)

const APIPath = "/api"

// RPCError is an error object returned by the service.
type RPCError struct {
	Message string
	Code    int
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("%s (%d)", e.Message, e.Code)
}

func localURL(cfg *config.Instance) string {
	u := url.URL{
		Scheme: "ws",
		Host:   "localhost:" + strconv.Itoa(cfg.APIPort()),
		Path:   APIPath,
	}
	return u.String()
}

func closeConn(c *websocket.Conn) {
	if err := c.Close(); err != nil {
		log.Debug().Err(err).Msg("error closing websocket")
	}
}

// readUntil reads messages until match returns true or the connection
// fails. The result is sent on the returned channel, which is closed
// without a value when reading stops early.
func readUntil[T any](c *websocket.Conn, match func(T) bool) <-chan T {
	out := make(chan T, 1)
	go func() {
		defer close(out)
		for {
			_, message, err := c.ReadMessage()
			if err != nil {
				log.Debug().Err(err).Msg("websocket read ended")
				return
			}
			var m T
			if err := json.Unmarshal(message, &m); err != nil {
				continue
			}
			if match(m) {
				out <- m
				return
			}
		}
	}()
	return out
}

func wait[T any](ctx context.Context, c *websocket.Conn, ch <-chan T, timeout time.Duration) (T, error) {
	var zero T
	var timerChan <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timerChan = timer.C
	}

	select {
	case m, ok := <-ch:
		if !ok {
			return zero, ErrRequestTimeout
		}
		return m, nil
	case <-timerChan:
		closeConn(c)
		return zero, ErrRequestTimeout
	case <-ctx.Done():
		closeConn(c)
		return zero, ErrRequestCancelled
	}
}

// LocalClient sends one method to the local service and returns the raw
// JSON result.
func LocalClient(
	ctx context.Context,
	cfg *config.Instance,
	method string,
	params string,
) (string, error) {
	return Call(ctx, localURL(cfg), method, params, config.APIRequestTimeout)
}

// Call sends one JSON-RPC request to the websocket at wsURL and waits up
// to timeout for the matching response.
func Call(ctx context.Context, wsURL, method, params string, timeout time.Duration) (string, error) {
	id := uuid.New()
	req := models.RequestObject{
		JSONRPC: "2.0",
		ID:      &id,
		Method:  method,
	}
	if params != "" {
		if !json.Valid([]byte(params)) {
			return "", ErrInvalidParams
		}
		req.Params = json.RawMessage(params)
	}

	c, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to connect to %s: %w", wsURL, err)
	}
	_ = resp.Body.Close()
	defer closeConn(c)

	replies := readUntil(c, func(m models.ResponseObject) bool {
		return m.JSONRPC == "2.0" && m.ID == id
	})

	if err := c.WriteJSON(req); err != nil {
		return "", fmt.Errorf("failed to send request: %w", err)
	}

	reply, err := wait(ctx, c, replies, timeout)
	if err != nil {
		return "", err
	}
	if reply.Error != nil {
		return "", &RPCError{Code: reply.Error.Code, Message: reply.Error.Message}
	}

	b, err := json.Marshal(reply.Result)
	if err != nil {
		return "", fmt.Errorf("failed to marshal result: %w", err)
	}
	return string(b), nil
}

// WaitNotification blocks until the local service sends a notification
// named method. A zero timeout uses the API request timeout and a
// negative one waits forever.
func WaitNotification(
	ctx context.Context,
	timeout time.Duration,
	cfg *config.Instance,
	method string,
) (string, error) {
	return Wait(ctx, localURL(cfg), method, nil, timeout)
}

// Wait waits for a notification named method whose params satisfy match.
// A nil match accepts the first one.
func Wait(
	ctx context.Context,
	wsURL string,
	method string,
	match func(json.RawMessage) bool,
	timeout time.Duration,
) (string, error) {
	if timeout == 0 {
		timeout = config.APIRequestTimeout
	}

	c, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to connect to %s: %w", wsURL, err)
	}
	_ = resp.Body.Close()
	defer closeConn(c)

	ns := readUntil(c, func(m models.RequestObject) bool {
		if m.JSONRPC != "2.0" || m.ID != nil || m.Method != method {
			return false
		}
		return match == nil || match(m.Params)
	})

	n, err := wait(ctx, c, ns, timeout)
	if err != nil {
		return "", err
	}
	return string(n.Params), nil
}
