// Package main implements relaykv-api: a read-only HTTP demo server
// exposing GETs over a relaykv namespace, plus a Prometheus /metrics
// endpoint.
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/relaykv/relaykv/backend"
	"github.com/relaykv/relaykv/reader"
	"github.com/relaykv/relaykv/utils"
)

// Server exposes read-only GETs over a relaykv namespace and a
// Prometheus scrape endpoint.
type Server struct {
	router *mux.Router
	reader *reader.Reader
	log    utils.Logger
	server *http.Server
}

// NewServer builds a fully-wired Server ready to Start().
func NewServer(addr, namespace string, c backend.Client, log utils.Logger, m *utils.Metrics) *Server {
	if log == nil {
		log = utils.NewDefaultLogger(0)
	}
	s := &Server{
		router: mux.NewRouter(),
		reader: reader.New(namespace, c, log, 256),
		log:    log,
	}
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	if m != nil {
		m.Register(prometheus.DefaultRegisterer)
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.router.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	s.router.HandleFunc("/val/{key}", s.handleValue).Methods(http.MethodGet)
	s.router.HandleFunc("/map/{key}", s.handleMap).Methods(http.MethodGet)
	s.router.HandleFunc("/set/{key}", s.handleSet).Methods(http.MethodGet)
	s.router.HandleFunc("/state/{key}", s.handleState).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
}

// Start begins listening and serving HTTP requests. It blocks until the
// server is shut down or encounters a fatal error.
func (s *Server) Start() error {
	s.log.Info("relaykv-api starting", "addr", s.server.Addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully drains in-flight requests and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error("relaykv-api: failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleValue(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	v, ok, err := s.reader.FetchValue(r.Context(), key)
	if err != nil {
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	if !ok {
		s.writeError(w, http.StatusNotFound, "no such value key")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"key": key, "value": v})
}

func (s *Server) handleMap(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	m, err := s.reader.FetchHash(r.Context(), key)
	if err != nil {
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleSet(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	members, err := s.reader.FetchSet(r.Context(), key)
	if err != nil {
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, members)
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	sv, ok, err := s.reader.FetchState(r.Context(), key)
	if err != nil {
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	if !ok {
		s.writeError(w, http.StatusNotFound, "no such state key")
		return
	}
	s.writeJSON(w, http.StatusOK, sv)
}
