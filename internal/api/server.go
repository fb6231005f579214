package api

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/snarg/asr-gateway/internal/config"
	"github.com/snarg/asr-gateway/internal/metrics"
)

// ServerOptions wires the HTTP surface. Everything but Config, Gateway and
// Docs is optional; leave an interface nil rather than wrapping a nil pointer.
type ServerOptions struct {
	Config  *config.Config
	Gateway http.Handler
	Docs    *DocumentServer

	Scheduler   SchedulerStats
	Connections ConnectionCounter
	Archive     ArchiveStats
	Transcripts TranscriptLister
	Database    DatabaseChecker
	MQTT        BrokerStatus
	Recordings  RecordingStore

	Version   string
	StartTime time.Time
	Log       zerolog.Logger
}

type Server struct {
	http *http.Server
	cfg  *config.Config
	log  zerolog.Logger
}

func NewServer(opts ServerOptions) *Server {
	log := opts.Log
	r := chi.NewRouter()

	// Global middleware
	r.Use(RequestID)
	r.Use(Recoverer)
	r.Use(Logger(log))
	r.Use(metrics.InstrumentHandler)

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(CORS)
		health := NewHealthHandler(opts.Scheduler, opts.Database, opts.MQTT, opts.Recordings, opts.Version, opts.StartTime)
		r.Get("/health", health.ServeHTTP)
		r.Get("/stats", StatsHandler(opts.Connections, opts.Scheduler, opts.Archive))
		r.Get("/transcripts", TranscriptsHandler(opts.Transcripts))
		r.Get("/pages", ClientPagesHandler(os.DirFS(opts.Docs.Root())))
	})

	r.Handle("/*", opts.Docs)

	// WebSocket upgrades share the port with the documents and skip the
	// middleware stack, which wraps the ResponseWriter.
	root := http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if websocket.IsWebSocketUpgrade(req) {
			opts.Gateway.ServeHTTP(w, req)
			return
		}
		r.ServeHTTP(w, req)
	})

	cfg := opts.Config
	return &Server{
		http: &http.Server{
			Addr:         cfg.HTTPAddr,
			Handler:      root,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  cfg.IdleTimeout,
		},
		cfg: cfg,
		log: log,
	}
}

// Handler returns the root handler, for tests.
func (s *Server) Handler() http.Handler { return s.http.Handler }

func (s *Server) Start() error {
	var err error
	if s.cfg.TLSEnabled() {
		s.log.Info().Str("addr", s.http.Addr).Msg("https server starting")
		err = s.http.ListenAndServeTLS(s.cfg.CertFile, s.cfg.KeyFile)
	} else {
		s.log.Info().Str("addr", s.http.Addr).Msg("http server starting")
		err = s.http.ListenAndServe()
	}
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("http server shutting down")
	return s.http.Shutdown(ctx)
}
