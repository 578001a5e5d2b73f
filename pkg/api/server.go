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

// Package api serves the JSON-RPC 2.0 control surface over a websocket at
// /api and plain HTTP POST to the same path.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/ZaparooProject/zaparoo-braille/pkg/api/methods"
	"github.com/ZaparooProject/zaparoo-braille/pkg/api/middleware"
	"github.com/ZaparooProject/zaparoo-braille/pkg/api/models"
	"github.com/ZaparooProject/zaparoo-braille/pkg/api/models/requests"
	"github.com/ZaparooProject/zaparoo-braille/pkg/api/validation"
	"github.com/ZaparooProject/zaparoo-braille/pkg/arbiter"
	"github.com/ZaparooProject/zaparoo-braille/pkg/config"
	"github.com/ZaparooProject/zaparoo-braille/pkg/devices"
	"github.com/ZaparooProject/zaparoo-braille/pkg/orchestrator"
	"github.com/ZaparooProject/zaparoo-braille/pkg/service/state"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/olahol/melody"
	"github.com/rs/zerolog/log"
)

const maxRequestSize = 1 << 20

var (
	JSONRPCErrorParseError = models.ErrorObject{
		Code:    -32700,
		Message: "Parse error",
	}
	JSONRPCErrorInvalidRequest = models.ErrorObject{
		Code:    -32600,
		Message: "Invalid Request",
	}
	JSONRPCErrorMethodNotFound = models.ErrorObject{
		Code:    -32601,
		Message: "Method not found",
	}
	JSONRPCErrorInvalidParams = models.ErrorObject{
		Code:    -32602,
		Message: "Invalid params",
	}
	JSONRPCErrorInternalError = models.ErrorObject{
		Code:    -32603,
		Message: "Internal error",
	}
)

var defaultAllowedOrigins = []string{"http://*", "https://*"}

type handlerFunc func(requests.RequestEnv) (any, error)

var methodMap = map[string]handlerFunc{
	// devices
	models.MethodDevicesConnect:    methods.HandleDevicesConnect,
	models.MethodDevicesDisconnect: methods.HandleDevicesDisconnect,
	models.MethodDevicesPorts:      methods.HandleDevicesPorts,
	models.MethodDevicesSend:       methods.HandleDevicesSend,
	models.MethodDevicesVerify:     methods.HandleDevicesVerify,
	// writing
	models.MethodWrite:        methods.HandleWrite,
	models.MethodWriteLegacy:  methods.HandleWriteLegacy,
	models.MethodJobs:         methods.HandleJobs,
	models.MethodJobsCancel:   methods.HandleJobsCancel,
	models.MethodTest:         methods.HandleTest,
	models.MethodReset:        methods.HandleReset,
	models.MethodPatternWrite: methods.HandlePatternWrite,
	// info
	models.MethodStatus:     methods.HandleStatus,
	models.MethodSystemInfo: methods.HandleSystemInfo,
	models.MethodLogsRecent: methods.HandleLogsRecent,
	models.MethodVersion:    methods.HandleVersion,
}

// Server owns the router, the websocket hub and the HTTP listener.
type Server struct {
	cfg      *config.Instance
	st       *state.State
	devices  *devices.Manager
	arbiter  *arbiter.Arbiter
	orch     *orchestrator.Orchestrator
	metrics  http.Handler
	limiter  *middleware.IPRateLimiter
	ws       *melody.Melody
	router   chi.Router
	listener net.Listener
}

type Option func(*Server)

// WithMetrics mounts h at /metrics.
func WithMetrics(h http.Handler) Option {
	return func(s *Server) {
		s.metrics = h
	}
}

// WithListener serves on an existing listener instead of api_listen.
func WithListener(l net.Listener) Option {
	return func(s *Server) {
		s.listener = l
	}
}

func WithRateLimiter(l *middleware.IPRateLimiter) Option {
	return func(s *Server) {
		s.limiter = l
	}
}

func NewServer(
	cfg *config.Instance,
	st *state.State,
	devs *devices.Manager,
	arb *arbiter.Arbiter,
	orch *orchestrator.Orchestrator,
	opts ...Option,
) *Server {
	s := &Server{
		cfg:     cfg,
		st:      st,
		devices: devs,
		arbiter: arb,
		orch:    orch,
		ws:      melody.New(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.limiter == nil {
		s.limiter = middleware.NewIPRateLimiter(devs.Clock())
	}

	s.ws.Config.MaxMessageSize = maxRequestSize
	s.ws.Upgrader.CheckOrigin = s.checkOrigin
	s.ws.HandleMessage(middleware.WebSocketRateLimitHandler(s.limiter, s.handleWSMessage))
	s.ws.HandleConnect(func(session *melody.Session) {
		log.Debug().Str("addr", session.Request.RemoteAddr).Msg("websocket client connected")
	})
	s.ws.HandleDisconnect(func(session *melody.Session) {
		log.Debug().Str("addr", session.Request.RemoteAddr).Msg("websocket client disconnected")
	})

	s.router = s.routes()
	return s
}

func (s *Server) allowedOrigins() []string {
	if origins := s.cfg.AllowedOrigins(); len(origins) > 0 {
		return origins
	}
	return defaultAllowedOrigins
}

// checkOrigin accepts clients without an Origin header (CLI, scripts) and
// browsers whose origin matches allowed_origins.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.allowedOrigins() {
		if matchOrigin(allowed, origin) {
			return true
		}
	}
	log.Warn().Str("origin", origin).Msg("rejected websocket origin")
	return false
}

func matchOrigin(pattern, origin string) bool {
	if pattern == "*" || strings.EqualFold(pattern, origin) {
		return true
	}
	prefix, suffix, ok := strings.Cut(pattern, "*")
	if !ok {
		return false
	}
	return len(origin) >= len(prefix)+len(suffix) &&
		strings.HasPrefix(strings.ToLower(origin), strings.ToLower(prefix)) &&
		strings.HasSuffix(strings.ToLower(origin), strings.ToLower(suffix))
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()

	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.HTTPIPFilterMiddleware(middleware.NewIPFilter(s.cfg.AllowedIPs())))
	r.Use(chimiddleware.NoCache)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.allowedOrigins(),
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/health", handleHealth)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}

	r.Get("/api", func(w http.ResponseWriter, r *http.Request) {
		if err := s.ws.HandleRequest(w, r); err != nil {
			log.Error().Err(err).Msg("handling websocket request")
		}
	})

	r.Group(func(r chi.Router) {
		r.Use(middleware.HTTPRateLimitMiddleware(s.limiter))
		r.Post("/api", s.handlePost)
	})

	return r
}

// Handler exposes the router, mostly for httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	if _, err := w.Write([]byte("OK")); err != nil {
		log.Error().Err(err).Msg("writing health response")
	}
}

func (s *Server) env(remoteAddr string) requests.RequestEnv {
	ctx := context.Background()
	if s.st != nil {
		ctx = s.st.GetContext()
	}
	return requests.RequestEnv{
		Context:      ctx,
		Config:       s.cfg,
		State:        s.st,
		Devices:      s.devices,
		Arbiter:      s.arbiter,
		Orchestrator: s.orch,
		IsLocal:      middleware.IsLoopbackAddr(remoteAddr),
	}
}

// errorObject picks the JSON-RPC code for a handler error.
func errorObject(err error) models.ErrorObject {
	var ve *validation.Error
	switch {
	case errors.As(err, &ve),
		errors.Is(err, validation.ErrMissingParams),
		errors.Is(err, validation.ErrInvalidParams):
		return models.ErrorObject{Code: JSONRPCErrorInvalidParams.Code, Message: err.Error()}
	default:
		return models.ErrorObject{Code: JSONRPCErrorInternalError.Code, Message: err.Error()}
	}
}

func errorResponse(id uuid.UUID, e models.ErrorObject) models.ResponseErrorObject {
	return models.ResponseErrorObject{JSONRPC: "2.0", ID: id, Error: &e}
}

// process runs one JSON-RPC message and returns the reply to send, or nil
// for messages that need no reply.
func (s *Server) process(msg []byte, remoteAddr string) any {
	if !json.Valid(msg) {
		log.Warn().Msg("request is not valid json")
		return errorResponse(uuid.Nil, JSONRPCErrorParseError)
	}

	var req models.RequestObject
	if err := json.Unmarshal(msg, &req); err != nil {
		log.Warn().Err(err).Msg("request does not match a json-rpc object")
		return errorResponse(uuid.Nil, JSONRPCErrorInvalidRequest)
	}

	id := uuid.Nil
	if req.ID != nil {
		id = *req.ID
	}

	if req.JSONRPC != "2.0" {
		log.Warn().Str("jsonrpc", req.JSONRPC).Msg("unsupported payload version")
		return errorResponse(id, JSONRPCErrorInvalidRequest)
	}

	if req.Method == "" {
		// responses from clients carry no method and are ignored
		log.Debug().RawJSON("msg", msg).Msg("ignoring message without method")
		return nil
	}

	if req.ID == nil {
		log.Debug().Str("method", req.Method).Msg("received notification, ignoring")
		return nil
	}

	fn, ok := methodMap[strings.ToLower(req.Method)]
	if !ok {
		log.Warn().Str("method", req.Method).Msg("unknown method")
		return errorResponse(id, methodNotFound(req.Method))
	}

	env := s.env(remoteAddr)
	env.ID = id
	env.Params = req.Params

	start := time.Now()
	result, err := fn(env)
	if err != nil {
		log.Warn().Err(err).Str("method", req.Method).Msg("request failed")
		return errorResponse(id, errorObject(err))
	}
	log.Debug().
		Str("method", req.Method).
		Dur("took", time.Since(start)).
		Msg("request handled")

	return models.ResponseObject{JSONRPC: "2.0", ID: id, Result: result}
}

func (s *Server) handleWSMessage(session *melody.Session, msg []byte) {
	// heartbeat
	if string(msg) == "ping" {
		if err := session.Write([]byte("pong")); err != nil {
			log.Error().Err(err).Msg("sending pong")
		}
		return
	}

	// long writes must not block the session's read loop
	go func() {
		resp := s.process(msg, session.Request.RemoteAddr)
		if resp == nil {
			return
		}
		data, err := json.Marshal(resp)
		if err != nil {
			log.Error().Err(err).Msg("marshalling response")
			return
		}
		if err := session.Write(data); err != nil {
			log.Error().Err(err).Msg("sending response")
		}
	}()
}

func (s *Server) handlePost(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestSize))
	if err != nil {
		http.Error(w, "failed to read request", http.StatusBadRequest)
		return
	}

	resp := s.process(body, r.RemoteAddr)
	if resp == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Error().Err(err).Msg("writing POST response")
	}
}

// Broadcast forwards notifications to every websocket client until the
// channel closes or ctx is done.
func (s *Server) Broadcast(ctx context.Context, notifications <-chan models.Notification) {
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-notifications:
			if !ok {
				return
			}
			data, err := json.Marshal(models.RequestObject{
				JSONRPC: "2.0",
				Method:  n.Method,
				Params:  n.Params,
			})
			if err != nil {
				log.Error().Err(err).Msg("marshalling notification")
				continue
			}
			if err := s.ws.Broadcast(data); err != nil {
				log.Error().Err(err).Str("method", n.Method).Msg("broadcasting notification")
			}
		}
	}
}

// Serve listens until ctx is done, then shuts down the HTTP server and
// closes every websocket session.
func (s *Server) Serve(ctx context.Context) error {
	l := s.listener
	if l == nil {
		var err error
		l, err = (&net.ListenConfig{}).Listen(ctx, "tcp", s.cfg.APIListen())
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", s.cfg.APIListen(), err)
		}
	}

	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	cleanupCtx, cancelCleanup := context.WithCancel(ctx)
	defer cancelCleanup()
	go s.limiter.RunCleanup(cleanupCtx)

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", l.Addr().String()).Msg("api server listening")
		errCh <- srv.Serve(l)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("api server failed: %w", err)
	case <-ctx.Done():
	}

	if err := s.ws.Close(); err != nil {
		log.Warn().Err(err).Msg("closing websocket sessions")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api server shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api server failed: %w", err)
	}
	log.Info().Msg("api server stopped")
	return nil
}
