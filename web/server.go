package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/jnesss/hook-recorder/network"
	"github.com/jnesss/hook-recorder/sigma"
)

const (
	defaultLimit = 100
	maxLimit     = 1000
)

// Options wires the optional parts of the server.
type Options struct {
	Detector  *sigma.Detector
	Manifests Manifests
	Network   Destinations
	Stats     func() RecorderStats
	Gatherer  prometheus.Gatherer
}

type Server struct {
	db            Store
	sigmaDetector *sigma.Detector
	manifests     Manifests
	network       Destinations
	stats         func() RecorderStats
	gatherer      prometheus.Gatherer
	listenAddr    string
	log           *zap.Logger
}

func NewServer(db Store, listenAddr string, opts Options, log *zap.Logger) *Server {
	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Server{
		db:            db,
		sigmaDetector: opts.Detector,
		manifests:     opts.Manifests,
		network:       opts.Network,
		stats:         opts.Stats,
		gatherer:      gatherer,
		listenAddr:    listenAddr,
		log:           log.Named("web"),
	}
}

// Router returns the API routes.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.logRequests)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/connects", s.handleConnects).Methods(http.MethodGet)
	api.HandleFunc("/files", s.handleFiles).Methods(http.MethodGet)
	api.HandleFunc("/queries", s.handleQueries).Methods(http.MethodGet)
	api.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)

	if s.manifests != nil {
		api.HandleFunc("/manifests", s.handleManifestList).Methods(http.MethodGet)
		api.HandleFunc("/manifests/{app}", s.handleManifest).Methods(http.MethodGet)
	}

	if s.network != nil {
		api.HandleFunc("/destinations", s.handleDestinations).Methods(http.MethodGet)
	}

	if s.sigmaDetector != nil {
		api.HandleFunc("/sigma/rules", s.handleSigmaRules).Methods(http.MethodGet)
		api.HandleFunc("/sigma/rules/toggle/{id}", s.handleSigmaRuleToggle).Methods(http.MethodPost)
		api.HandleFunc("/sigma/rules/upload", s.handleSigmaRuleUpload).Methods(http.MethodPost)
		api.HandleFunc("/sigma/matches", s.handleSigmaMatchesList).Methods(http.MethodGet)
		api.HandleFunc("/sigma/matches/{id:[0-9]+}", s.handleSigmaMatchUpdate).Methods(http.MethodPost)
		api.HandleFunc("/sigma/stats", s.handleSigmaStats).Methods(http.MethodGet)
	}

	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debug("Request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("took", time.Since(start)))
	})
}

// Start serves until ctx ends, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.listenAddr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.log.Info("Starting web server", zap.String("addr", s.listenAddr))

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Warn("HTTP server shutdown error", zap.Error(err))
		}
	}()

	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func limitParam(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, errors.New("invalid limit")
	}
	if n > maxLimit {
		n = maxLimit
	}
	return n, nil
}

func list[T any](s *Server, fetch func(int) ([]T, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, err := limitParam(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		rows, err := fetch(limit)
		if err != nil {
			s.log.Error("Database query error", zap.String("path", r.URL.Path), zap.Error(err))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if rows == nil {
			rows = []T{}
		}
		writeJSON(w, rows)
	}
}

func (s *Server) handleConnects(w http.ResponseWriter, r *http.Request) {
	list(s, s.db.RecentConnects)(w, r)
}

func (s *Server) handleFiles(w http.ResponseWriter, r *http.Request) {
	list(s, s.db.RecentFileOpens)(w, r)
}

func (s *Server) handleQueries(w http.ResponseWriter, r *http.Request) {
	list(s, s.db.RecentSQL)(w, r)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	counts, err := s.db.Counts()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	resp := StatsResponse{Stored: counts}
	if s.stats != nil {
		st := s.stats()
		resp.Recorder = &st
	}
	if s.sigmaDetector != nil {
		resp.Rules = s.sigmaDetector.RuleCount()
	}
	writeJSON(w, resp)
}

func (s *Server) handleManifestList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.manifests.Apps())
}

func (s *Server) handleManifest(w http.ResponseWriter, r *http.Request) {
	m, ok := s.manifests.Snapshot(mux.Vars(r)["app"])
	if !ok {
		http.Error(w, "Unknown application", http.StatusNotFound)
		return
	}
	writeJSON(w, m)
}

func (s *Server) handleDestinations(w http.ResponseWriter, r *http.Request) {
	var conns []*network.ConnectionInfo
	if raw := r.URL.Query().Get("pid"); raw != "" {
		pid, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			http.Error(w, "invalid pid", http.StatusBadRequest)
			return
		}
		conns = s.network.GetConnectionsByPID(uint32(pid))
	} else {
		conns = s.network.GetConnections()
	}
	if conns == nil {
		conns = []*network.ConnectionInfo{}
	}
	writeJSON(w, conns)
}
