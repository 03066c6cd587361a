// SSHLog
// Copyright (C) 2024 Open Kilt LLC
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package web serves the local diagnostic HTTP endpoints. It is off by
// default and intended for debugging on the loopback interface only.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gravitational/trace"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/openkilt/sshlog"
	"github.com/openkilt/sshlog/lib/defaults"
	"github.com/openkilt/sshlog/lib/tracker"
	logutils "github.com/openkilt/sshlog/lib/utils/log"
)

var log = logutils.NewPackageLogger(sshlog.ComponentKey, sshlog.ComponentWeb)

// ServerConfig configures the diagnostic web server.
type ServerConfig struct {
	// Tracker backs the sessions endpoint.
	Tracker *tracker.Tracker
	// ListenIP defaults to loopback.
	ListenIP string
	// ListenPort defaults to 5000.
	ListenPort int
	// Collectors are extra metric sources to expose on /metrics.
	Collectors []prometheus.Collector
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *ServerConfig) CheckAndSetDefaults() error {
	if c.Tracker == nil {
		return trace.BadParameter("missing Tracker")
	}
	if c.ListenIP == "" {
		c.ListenIP = defaults.DiagnosticWebIP
	}
	if c.ListenPort == 0 {
		c.ListenPort = defaults.DiagnosticWebPort
	}
	return nil
}

// Server exposes session state, health, and metrics over HTTP.
type Server struct {
	cfg  ServerConfig
	http *http.Server
}

// NewServer creates the diagnostic server. Call Start to begin serving.
func NewServer(cfg ServerConfig) (*Server, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	for _, collector := range cfg.Collectors {
		registry.MustRegister(collector)
	}

	s := &Server{cfg: cfg}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/sessions", s.handleSessions)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	s.http = &http.Server{
		Addr:              net.JoinHostPort(cfg.ListenIP, strconv.Itoa(cfg.ListenPort)),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Start serves HTTP until Close is called. It blocks and is meant to run
// in its own goroutine.
func (s *Server) Start() error {
	log.Info("Diagnostic web server listening.", "addr", s.http.Addr)
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return trace.Wrap(err)
}

// Close shuts the server down, draining in-flight requests.
func (s *Server) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return trace.Wrap(s.http.Shutdown(ctx))
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	sessions := s.cfg.Tracker.Sessions()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(sessions); err != nil {
		log.Warn("Failed to encode sessions response.", "error", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "ok",
		"version": sshlog.Version,
	})
}
