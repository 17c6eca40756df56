// Package intake exposes the HTTP endpoint hosts post events to.
package intake

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/szibis/membrane-bridge/internal/auth"
	"github.com/szibis/membrane-bridge/internal/compression"
	"github.com/szibis/membrane-bridge/internal/logging"
	"github.com/szibis/membrane-bridge/internal/mapping"
	tlspkg "github.com/szibis/membrane-bridge/internal/tls"
)

// DefaultMaxBodySize bounds a single event body, before and after
// decompression.
const DefaultMaxBodySize = 1 << 20

// EventHandler receives decoded events. It reports whether the event was
// mapped and enqueued.
type EventHandler interface {
	HandleEvent(ev mapping.Event) bool
}

// Config configures the intake server.
type Config struct {
	Addr              string
	Path              string
	MaxBodySize       int64
	ReadHeaderTimeout time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	TLS               tlspkg.ServerConfig
	Auth              auth.ServerConfig
}

// request is the JSON body of an event post. Data is accepted as an alias
// for Payload.
type request struct {
	Type    string                `json:"type"`
	Payload map[string]any        `json:"payload"`
	Data    map[string]any        `json:"data"`
	Context *mapping.EventContext `json:"context"`
}

type response struct {
	Accepted bool   `json:"accepted"`
	Error    string `json:"error,omitempty"`
}

// Server receives events over HTTP.
type Server struct {
	cfg     Config
	handler EventHandler
	logger  *logging.Logger
	server  *http.Server
}

// New creates an intake server. The TLS configuration is loaded eagerly so
// bad certificates fail at startup.
func New(cfg Config, handler EventHandler, logger *logging.Logger) (*Server, error) {
	if cfg.Path == "" {
		cfg.Path = "/v1/events"
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = DefaultMaxBodySize
	}
	if logger == nil {
		logger = logging.Default()
	}

	tlsConfig, err := tlspkg.NewServerTLSConfig(cfg.TLS)
	if err != nil {
		return nil, err
	}

	s := &Server{cfg: cfg, handler: handler, logger: logger}

	mux := http.NewServeMux()
	mux.Handle(cfg.Path, auth.HTTPMiddleware(cfg.Auth, http.HandlerFunc(s.handleEvent)))

	s.server = &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}
	return s, nil
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		s.reply(w, http.StatusMethodNotAllowed, response{Error: "method not allowed"})
		return
	}

	enc, err := compression.ParseContentEncoding(r.Header.Get("Content-Encoding"))
	if err != nil {
		s.reply(w, http.StatusUnsupportedMediaType, response{Error: err.Error()})
		return
	}
	body, err := compression.NewReader(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodySize), enc, s.cfg.MaxBodySize)
	if err != nil {
		if tooLarge(err) {
			s.reply(w, http.StatusRequestEntityTooLarge, response{Error: "body too large"})
			return
		}
		s.reply(w, http.StatusBadRequest, response{Error: err.Error()})
		return
	}
	defer body.Close()

	var req request
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		if tooLarge(err) {
			s.reply(w, http.StatusRequestEntityTooLarge, response{Error: "body too large"})
			return
		}
		s.reply(w, http.StatusBadRequest, response{Error: "invalid JSON: " + err.Error()})
		return
	}
	if req.Type == "" {
		s.reply(w, http.StatusBadRequest, response{Error: "missing event type"})
		return
	}

	payload := req.Payload
	if payload == nil {
		payload = req.Data
	}
	if payload == nil {
		payload = map[string]any{}
	}
	ev := mapping.Event{Type: req.Type, Payload: payload, Context: req.Context}

	accepted := s.handler.HandleEvent(ev)
	if accepted {
		intakeEventsTotal.WithLabelValues("accepted").Inc()
	} else {
		intakeEventsTotal.WithLabelValues("ignored").Inc()
	}
	s.reply(w, http.StatusAccepted, response{Accepted: accepted})
}

func tooLarge(err error) bool {
	var maxBytes *http.MaxBytesError
	return errors.As(err, &maxBytes) || errors.Is(err, compression.ErrTooLarge)
}

func (s *Server) reply(w http.ResponseWriter, code int, resp response) {
	intakeRequestsTotal.WithLabelValues(strconv.Itoa(code)).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Debug("failed to write intake response", logging.F("error", err.Error()))
	}
}

// Start listens on the configured address and serves until Stop.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln. It returns nil after Stop.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("event intake listening", logging.F(
		"addr", ln.Addr().String(),
		"path", s.cfg.Path,
		"tls", s.server.TLSConfig != nil,
		"auth", s.cfg.Auth.Enabled,
	))

	var err error
	if s.server.TLSConfig != nil {
		err = s.server.ServeTLS(ln, "", "")
	} else {
		err = s.server.Serve(ln)
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop gracefully stops the server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
