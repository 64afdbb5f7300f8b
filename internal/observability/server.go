package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// Config configures the debug HTTP server.
type Config struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// DefaultConfig returns production defaults. Disabled by default: the sniper
// usually runs on a box with nothing else listening.
func DefaultConfig() Config {
	return Config{Enabled: false, Addr: ":9090"}
}

// StatsFunc returns an arbitrary JSON-serializable snapshot for /stats.
type StatsFunc func() any

// Server serves /metrics, /healthz, and /stats.
type Server struct {
	config   Config
	exporter *Exporter
	health   *HealthMonitor
	stats    StatsFunc
}

// NewServer creates the debug server. stats may be nil.
func NewServer(config Config, registry *Registry, health *HealthMonitor, stats StatsFunc) *Server {
	if config.Addr == "" {
		config.Addr = ":9090"
	}
	return &Server{
		config:   config,
		exporter: NewExporter(registry),
		health:   health,
		stats:    stats,
	}
}

// Handler returns the route mux, exposed separately for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.exporter)
	mux.Handle("/healthz", s.health)
	mux.HandleFunc("/stats", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if s.stats == nil {
			_, _ = w.Write([]byte("{}"))
			return
		}
		_ = json.NewEncoder(w).Encode(s.stats())
	})
	return mux
}

// Run serves until the context ends.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.config.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	log.Info().Str("addr", s.config.Addr).Msg("observability: serving /metrics /healthz /stats")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}
