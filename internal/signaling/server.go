package signaling

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/videokall/videokall/internal/config"
	"github.com/videokall/videokall/internal/metrics"
	"github.com/videokall/videokall/internal/origin"
)

// Server upgrades HTTP requests on the signaling endpoint and hands the
// connection to the hub via per-connection pumps.
type Server struct {
	cfg      config.Config
	hub      *Hub
	logger   *slog.Logger
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader
}

func NewServer(cfg config.Config, hub *Hub, logger *slog.Logger, m *metrics.Metrics) *Server {
	s := &Server{
		cfg:     cfg,
		hub:     hub,
		logger:  logger,
		metrics: m,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// checkOrigin admits requests without an Origin header (non-browser clients)
// and browser requests whose Origin passes the configured allowlist, or the
// same-host default when no allowlist is set.
func (s *Server) checkOrigin(r *http.Request) bool {
	header := r.Header.Get("Origin")
	if header == "" {
		return true
	}
	normalized, host, ok := origin.NormalizeHeader(header)
	if !ok {
		return false
	}
	return origin.IsAllowed(normalized, host, r.Host, s.cfg.AllowedOrigins)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		s.logger.Debug("websocket upgrade rejected", "remote", r.RemoteAddr, "err", err)
		return
	}

	s.metrics.Inc(MetricConnections)

	c := newClient(s.hub, conn)
	go c.writePump()
	go c.readPump()
}
