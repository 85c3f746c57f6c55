package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/calebhsu/perptrader/pkg/trader"
)

// Server exposes read-only engine snapshots for the dashboard plus the
// Prometheus scrape endpoint. It never mutates engine state.
type Server struct {
	trend  *trader.TrendEngine
	maker  *trader.MakerEngine
	logger *logrus.Logger
	port   string
}

func NewServer(trend *trader.TrendEngine, maker *trader.MakerEngine, logger *logrus.Logger, port string) *Server {
	return &Server{
		trend:  trend,
		maker:  maker,
		logger: logger,
		port:   port,
	}
}

func (s *Server) Start() error {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/engines", s.handleEngines)
	mux.HandleFunc("/api/engines/trend", s.handleTrend)
	mux.HandleFunc("/api/engines/maker", s.handleMaker)
	mux.Handle("/metrics", promhttp.Handler())

	// Dashboard runs on a different origin
	handler := corsMiddleware(mux)

	s.logger.Infof("Starting API server on port %s", s.port)
	return http.ListenAndServe(":"+s.port, handler)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
	}
	s.writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleEngines(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{
		"trend": s.trend != nil,
		"maker": s.maker != nil,
	})
}

func (s *Server) handleTrend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.trend == nil {
		http.Error(w, "Trend engine not running", http.StatusNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, s.trend.Snapshot())
}

func (s *Server) handleMaker(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.maker == nil {
		http.Error(w, "Maker engine not running", http.StatusNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, s.maker.Snapshot())
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.WithError(err).Error("Failed to encode JSON response")
	}
}
