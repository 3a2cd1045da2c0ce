// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/absmach/meshq/keeper"
	"github.com/absmach/meshq/member"
	"github.com/absmach/meshq/peddler"
)

// Config holds health check server configuration.
type Config struct {
	Address         string
	ShutdownTimeout time.Duration
}

// KeeperSource reports the queue keepers of this broker.
type KeeperSource interface {
	Statuses() []keeper.Status
}

// StreamSource reports the open queue streams of this broker.
type StreamSource interface {
	Status() []peddler.StreamStatus
}

// MemberSource reports the groups this node is a member of.
type MemberSource interface {
	Statuses() []member.Status
}

// Node describes what the health server reports on. Nil sources are skipped.
type Node struct {
	ID      string
	Keepers KeeperSource
	Streams StreamSource
	Members MemberSource
	// Check reports whether the node can take traffic. Nil means ready.
	Check func(ctx context.Context) error
}

// Server provides health check endpoints for monitoring and orchestration.
type Server struct {
	config   Config
	node     Node
	logger   *slog.Logger
	server   *http.Server
	listener net.Listener
}

// New creates a new health check server.
func New(cfg Config, node Node, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		config: cfg,
		node:   node,
		logger: logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	mux.HandleFunc("/status", s.handleStatus)

	s.server = &http.Server{
		Addr:         cfg.Address,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return s
}

// Addr returns the listener's network address.
// Returns empty string if server hasn't started listening yet.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Listen starts the health check server.
func (s *Server) Listen(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return err
	}
	s.listener = listener

	s.logger.Info("Starting health check server", "address", s.listener.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.logger.Info("Health check server shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()

		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("Health check server shutdown error", "error", err)
			return err
		}

		s.logger.Info("Health check server stopped")
		return nil
	}
}

// HealthResponse represents the liveness probe response.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleHealth implements liveness probe.
// Returns 200 OK if the process is alive.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, HealthResponse{Status: "healthy"})
}

// ReadyResponse represents the readiness probe response.
type ReadyResponse struct {
	Status  string `json:"status"`
	Details string `json:"details,omitempty"`
}

// handleReady implements readiness probe.
// Returns 200 OK if the node is ready to accept traffic.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if s.node.ID == "" {
		writeJSON(w, http.StatusServiceUnavailable, ReadyResponse{
			Status:  "not_ready",
			Details: "node not initialized",
		})
		return
	}

	if s.node.Keepers == nil && s.node.Members == nil {
		writeJSON(w, http.StatusServiceUnavailable, ReadyResponse{
			Status:  "not_ready",
			Details: "neither broker nor member enabled",
		})
		return
	}

	if s.node.Check != nil {
		if err := s.node.Check(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, ReadyResponse{
				Status:  "not_ready",
				Details: err.Error(),
			})
			return
		}
	}

	writeJSON(w, http.StatusOK, ReadyResponse{Status: "ready"})
}

// StatusResponse describes the queues this node takes part in.
type StatusResponse struct {
	NodeID  string                 `json:"node_id"`
	Broker  bool                   `json:"broker"`
	Keepers []keeper.Status        `json:"keepers,omitempty"`
	Streams []peddler.StreamStatus `json:"streams,omitempty"`
	Groups  []member.Status        `json:"groups,omitempty"`
}

// handleStatus returns keeper, stream and group membership information.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	response := StatusResponse{
		NodeID: s.node.ID,
		Broker: s.node.Keepers != nil,
	}
	if s.node.Keepers != nil {
		response.Keepers = s.node.Keepers.Statuses()
	}
	if s.node.Streams != nil {
		response.Streams = s.node.Streams.Status()
	}
	if s.node.Members != nil {
		response.Groups = s.node.Members.Statuses()
	}

	writeJSON(w, http.StatusOK, response)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
