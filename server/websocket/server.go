// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package websocket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/absmach/fluxhub/hub"
	"github.com/absmach/fluxhub/protocol"
	"github.com/absmach/fluxhub/ratelimit"
	"github.com/absmach/fluxhub/session"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 1 << 20
)

type Config struct {
	Address         string
	Path            string
	ShutdownTimeout time.Duration
}

type Server struct {
	config   Config
	hub      *hub.Hub
	limiter  *ratelimit.Manager
	logger   *slog.Logger
	server   *http.Server
	upgrader websocket.Upgrader
}

func New(cfg Config, h *hub.Hub, limiter *ratelimit.Manager, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	cfg.Path = "/" + strings.Trim(cfg.Path, "/")
	if cfg.Path == "/" {
		cfg.Path = "/ws"
	}

	s := &Server{
		config:  cfg,
		hub:     h,
		limiter: limiter,
		logger:  logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET "+cfg.Path+"/{version}/{instance}", s.handleWebSocket)

	s.server = &http.Server{
		Addr:              cfg.Address,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

// Handler returns the root handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func (s *Server) Listen(ctx context.Context) error {
	s.logger.Info("websocket_server_starting",
		slog.String("addr", s.config.Address),
		slog.String("path", s.config.Path))

	ln, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Address, err)
	}
	s.server.BaseContext = func(net.Listener) context.Context { return ctx }

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.logger.Info("websocket_server_shutdown_initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()

		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("websocket_server_shutdown_error", slog.String("error", err.Error()))
			return err
		}

		s.logger.Info("websocket_server_stopped")
		return nil
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.AllowStream(r.RemoteAddr) {
		http.Error(w, "too many stream requests", http.StatusTooManyRequests)
		return
	}

	version, err := protocol.ParseVersion(r.PathValue("version"))
	if err != nil || version == protocol.V1 {
		http.Error(w, fmt.Sprintf("streams are served in %s and %s", protocol.V2, protocol.V3), http.StatusBadRequest)
		return
	}
	instance := r.PathValue("instance")

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket_upgrade_failed", slog.String("error", err.Error()))
		return
	}
	defer ws.Close()

	s.logger.Debug("websocket_connection_accepted",
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("instance", instance))

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// The read side carries instance publishes and observes the close frame.
	go func() {
		defer cancel()
		s.readLoop(ctx, ws, instance, version)
	}()

	err = s.hub.Subscribe(ctx, hub.SubscribeRequest{
		Instance:   instance,
		Version:    version,
		Transport:  "websocket",
		RemoteAddr: r.RemoteAddr,
	}, &frameWriter{ws: ws})

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err != nil {
		msg = websocket.FormatCloseMessage(websocket.CloseInternalServerErr, truncate(err.Error(), 120))
	}
	_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}

func (s *Server) readLoop(ctx context.Context, ws *websocket.Conn, instance string, version protocol.Version) {
	ws.SetReadLimit(maxMessageSize)
	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("websocket_read_ended", slog.String("instance", instance), slog.String("error", err.Error()))
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		env, err := protocol.Decode(version, data)
		if err != nil {
			s.logger.Warn("websocket_invalid_envelope",
				slog.String("instance", instance),
				slog.String("error", err.Error()))
			continue
		}
		if !s.limiter.AllowPublish(instance) {
			s.logger.Warn("websocket_publish_rate_exceeded", slog.String("instance", instance))
			continue
		}
		if err := s.hub.Publish(ctx, instance, version, env); err != nil {
			s.logger.Error("websocket_publish_failed",
				slog.String("instance", instance),
				slog.String("error", err.Error()))
		}
	}
}

var _ session.LineWriter = (*frameWriter)(nil)

// frameWriter sends each stream line as one text frame. Only the stream
// goroutine writes data frames.
type frameWriter struct {
	ws *websocket.Conn
}

func (f *frameWriter) WriteLine(line []byte) error {
	if err := f.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return f.ws.WriteMessage(websocket.TextMessage, line)
}

func (f *frameWriter) Flush() error { return nil }

// truncate shortens s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
