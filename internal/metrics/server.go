package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fieldlight/otgraph/internal/faults"
)

const shutdownGrace = 5 * time.Second

type ServerConfig struct {
	Logger *slog.Logger

	// Addr serves /metrics and /healthz.
	Addr string

	// PprofAddr, when set, serves the pprof handlers on a second listener.
	// Kept off the metrics address so profiling is never exposed by accident.
	PprofAddr string
}

func (c *ServerConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Addr == "" {
		return errors.New("listen address is required")
	}
	return nil
}

// Server exposes the prometheus registry and a liveness endpoint. It runs as
// a supervised component alongside the pipeline stages.
type Server struct {
	cfg ServerConfig
	log *slog.Logger
}

func NewServer(cfg ServerConfig) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, faults.Config("metrics.server", "invalid config", err)
	}
	return &Server{cfg: cfg, log: cfg.Logger.With("component", "metrics")}, nil
}

func (s *Server) Name() string { return "metrics" }

// Run blocks until ctx is canceled or a listener fails. Bind failures are
// configuration faults and fatal.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	servers := []*http.Server{{Addr: s.cfg.Addr, Handler: mux}}
	if s.cfg.PprofAddr != "" {
		pm := http.NewServeMux()
		pm.HandleFunc("/debug/pprof/", pprof.Index)
		pm.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		pm.HandleFunc("/debug/pprof/profile", pprof.Profile)
		pm.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		pm.HandleFunc("/debug/pprof/trace", pprof.Trace)
		servers = append(servers, &http.Server{Addr: s.cfg.PprofAddr, Handler: pm})
	}

	errCh := make(chan error, len(servers))
	for _, srv := range servers {
		srv := srv
		ln, err := net.Listen("tcp", srv.Addr)
		if err != nil {
			return faults.Config("metrics.listen", "cannot bind", err).WithTarget(srv.Addr)
		}
		s.log.Info("http listener up", "addr", ln.Addr().String())
		go func() {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		for _, srv := range servers {
			_ = srv.Shutdown(shutCtx)
		}
		return ctx.Err()
	case err := <-errCh:
		return faults.Connection("metrics.serve", "http server failed", err)
	}
}
