// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package http serves subscriber streams, instance publishes and the
// operator control routes over HTTP.
package http

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/absmach/fluxhub/hub"
	"github.com/absmach/fluxhub/protocol"
	"github.com/absmach/fluxhub/ratelimit"
	"github.com/absmach/fluxhub/server/otel"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// DefaultMaxBodySize caps request bodies when Config.MaxBodySize is unset.
const DefaultMaxBodySize = 4 << 20

type Config struct {
	Address         string
	ShutdownTimeout time.Duration
	MaxBodySize     int64
	H2C             bool
	TLSConfig       *tls.Config
}

type Server struct {
	name    string
	config  Config
	hub     *hub.Hub
	limiter *ratelimit.Manager
	metrics *otel.Metrics
	logger  *slog.Logger
	server  *http.Server
}

type response struct {
	OK       bool    `json:"ok"`
	Msg      string  `json:"msg,omitempty"`
	Sequence *uint64 `json:"seq,omitempty"`
}

// New creates the instance-facing server: GET streams and POST publishes on
// /{version}/{instance}. limiter and metrics may be nil.
func New(cfg Config, h *hub.Hub, limiter *ratelimit.Manager, metrics *otel.Metrics, logger *slog.Logger) *Server {
	s := newServer("http", cfg, h, limiter, metrics, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{version}/{instance}", s.handleStream)
	mux.HandleFunc("POST /{version}/{instance}", s.handlePublish)
	mux.HandleFunc("GET /health", s.handleHealth)
	s.setHandler(mux)

	return s
}

// NewControl creates the operator-facing server that queues commands for
// fan-out and manages open streams.
func NewControl(cfg Config, h *hub.Hub, limiter *ratelimit.Manager, logger *slog.Logger) *Server {
	s := newServer("control", cfg, h, limiter, nil, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /control/{version}/{target}", s.handleQueue)
	mux.HandleFunc("GET /control/subscribers", s.handleSubscribers)
	mux.HandleFunc("DELETE /control/subscribers/{id}", s.handleDisconnect)
	mux.HandleFunc("GET /health", s.handleHealth)
	s.setHandler(mux)

	return s
}

func newServer(name string, cfg Config, h *hub.Hub, limiter *ratelimit.Manager, metrics *otel.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = DefaultMaxBodySize
	}
	return &Server{
		name:    name,
		config:  cfg,
		hub:     h,
		limiter: limiter,
		metrics: metrics,
		logger:  logger,
	}
}

func (s *Server) setHandler(mux *http.ServeMux) {
	var handler http.Handler = mux
	if s.config.H2C && s.config.TLSConfig == nil {
		handler = h2c.NewHandler(mux, &http2.Server{})
	}
	s.server = &http.Server{
		Addr:              s.config.Address,
		Handler:           handler,
		TLSConfig:         s.config.TLSConfig,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// Handler returns the root handler, for embedding and tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Listen serves until ctx is done. Request contexts derive from ctx so open
// streams end when shutdown begins.
func (s *Server) Listen(ctx context.Context) error {
	s.logger.Info(s.name+"_server_starting",
		slog.String("addr", s.config.Address),
		slog.Bool("h2c", s.config.H2C),
		slog.Bool("tls", s.config.TLSConfig != nil))

	ln, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Address, err)
	}
	s.server.BaseContext = func(net.Listener) context.Context { return ctx }

	errCh := make(chan error, 1)
	go func() {
		var err error
		if s.config.TLSConfig != nil {
			err = s.server.ServeTLS(ln, "", "")
		} else {
			err = s.server.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.logger.Info(s.name + "_server_shutdown_initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()

		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error(s.name+"_server_shutdown_error", slog.String("error", err.Error()))
			return err
		}

		s.logger.Info(s.name + "_server_stopped")
		return nil
	}
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.AllowStream(r.RemoteAddr) {
		writeJSON(w, http.StatusTooManyRequests, response{Msg: "too many stream requests"})
		return
	}

	version, err := protocol.ParseVersion(r.PathValue("version"))
	if err != nil || version == protocol.V1 {
		writeJSON(w, http.StatusBadRequest, response{Msg: fmt.Sprintf("streams are served in %s and %s", protocol.V2, protocol.V3)})
		return
	}
	instance := r.PathValue("instance")

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("X-Accel-Buffering", "no")

	lw := newLineWriter(w)
	err = s.hub.Subscribe(r.Context(), hub.SubscribeRequest{
		Instance:   instance,
		Version:    version,
		Transport:  "http",
		RemoteAddr: r.RemoteAddr,
	}, lw)
	if err == nil {
		return
	}
	if !lw.wrote {
		h.Del("X-Accel-Buffering")
		status := http.StatusBadRequest
		if errors.Is(err, hub.ErrClosed) {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, response{Msg: err.Error()})
		return
	}
	s.logger.Debug("http_stream_ended",
		slog.String("instance", instance),
		slog.String("error", err.Error()))
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	instance := r.PathValue("instance")
	if !s.limiter.AllowPublish(instance) {
		writeJSON(w, http.StatusTooManyRequests, response{Msg: "publish rate exceeded"})
		return
	}

	version, err := protocol.ParseVersion(r.PathValue("version"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, response{Msg: err.Error()})
		return
	}

	env, size, ok := s.decode(w, r, version)
	if !ok {
		return
	}
	if s.metrics != nil {
		s.metrics.RecordPublish(version, env.Command(), size)
	}

	s.logger.Debug("http_publish",
		slog.String("instance", instance),
		slog.String("version", version.String()),
		slog.String("command", string(env.Command())))

	if err := s.hub.Publish(r.Context(), instance, version, env); err != nil {
		s.logger.Error("http_publish_failed",
			slog.String("instance", instance),
			slog.String("error", err.Error()))
		status := http.StatusInternalServerError
		if errors.Is(err, hub.ErrClosed) {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, response{Msg: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, response{OK: true})
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.AllowControl(r.RemoteAddr) {
		writeJSON(w, http.StatusTooManyRequests, response{Msg: "control rate exceeded"})
		return
	}

	version, err := protocol.ParseVersion(r.PathValue("version"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, response{Msg: err.Error()})
		return
	}

	env, _, ok := s.decode(w, r, version)
	if !ok {
		return
	}

	target := r.PathValue("target")
	seq, err := s.hub.Queue(r.Context(), target, env)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, hub.ErrClosed) {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, response{Msg: err.Error()})
		return
	}

	s.logger.Info("control_command_queued",
		slog.String("target", target),
		slog.String("command", string(env.Command())),
		slog.Uint64("sequence", seq))

	writeJSON(w, http.StatusOK, response{OK: true, Sequence: &seq})
}

func (s *Server) handleSubscribers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.hub.Subscribers())
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if !s.hub.Disconnect(r.PathValue("id")) {
		writeJSON(w, http.StatusNotFound, response{Msg: "no such stream"})
		return
	}
	writeJSON(w, http.StatusOK, response{OK: true})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// decode reads and validates one envelope of version v. On failure it has
// already written the response.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v protocol.Version) (protocol.Envelope, int64, bool) {
	body, err := readBody(w, r, s.config.MaxBodySize)
	if err != nil {
		status := http.StatusBadRequest
		switch {
		case errors.Is(err, errBodyTooLarge):
			status = http.StatusRequestEntityTooLarge
		case errors.Is(err, errUnsupportedEncoding):
			status = http.StatusUnsupportedMediaType
		}
		writeJSON(w, status, response{Msg: err.Error()})
		return nil, 0, false
	}

	env, err := protocol.Decode(v, body)
	if err != nil {
		s.logger.Warn(s.name+"_invalid_envelope",
			slog.String("version", v.String()),
			slog.String("error", err.Error()))
		writeJSON(w, http.StatusBadRequest, response{Msg: err.Error()})
		return nil, 0, false
	}
	return env, int64(len(body)), true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
