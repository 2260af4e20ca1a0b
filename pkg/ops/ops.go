// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package ops exposes the operational HTTP surface: health, metrics, and
// read-only agent introspection backed by the server registry.
package ops

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kadirpekel/hive/pkg/config"
	"github.com/kadirpekel/hive/pkg/observability"
	"github.com/kadirpekel/hive/pkg/pubsub"
	"github.com/kadirpekel/hive/pkg/server"
)

// Server hosts the ops endpoints.
type Server struct {
	config   config.OpsConfig
	registry *server.Registry
	events   *pubsub.Broadcaster
	obs      *observability.Manager
	logger   *slog.Logger

	httpServer *http.Server
}

// Option configures the ops server.
type Option func(*Server)

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// NewServer builds the ops server. The broadcaster powers the event stream
// endpoint and may be nil to disable it.
func NewServer(cfg config.OpsConfig, reg *server.Registry, events *pubsub.Broadcaster, obs *observability.Manager, opts ...Option) *Server {
	s := &Server{
		config:   cfg,
		registry: reg,
		events:   events,
		obs:      obs,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router builds the chi router. Exposed for tests and embedding.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Method("GET", "/metrics", s.obs.Handler())

	r.Route("/v1/agents", func(r chi.Router) {
		r.Get("/", s.handleListAgents)
		r.Route("/{agent}", func(r chi.Router) {
			r.Get("/", s.handleAgentInfo)
			r.Get("/status", s.handleAgentStatus)
			r.Get("/inactivity", s.handleAgentInactivity)
			r.Get("/events", s.handleAgentEvents)
		})
	})
	return r
}

// Start serves until the context ends.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.config.Addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()
	s.logger.Info("ops server listening", "addr", s.config.Addr)
	if err := s.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ops: serve: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"agents": s.registry.AgentCount(),
	})
}

type agentListResponse struct {
	Agents  []server.Info `json:"agents"`
	Running []string      `json:"running"`
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	ids := s.registry.ListAgentsMatching(patternOrAll(r))
	resp := agentListResponse{Agents: make([]server.Info, 0, len(ids)), Running: s.registry.ListRunningAgents()}
	for _, id := range ids {
		info, err := s.registry.AgentInfo(id)
		if err != nil {
			continue
		}
		resp.Agents = append(resp.Agents, info)
	}
	writeJSON(w, http.StatusOK, resp)
}

func patternOrAll(r *http.Request) string {
	if p := r.URL.Query().Get("pattern"); p != "" {
		return p
	}
	return "*"
}

func (s *Server) handleAgentInfo(w http.ResponseWriter, r *http.Request) {
	info, err := s.registry.AgentInfo(chi.URLParam(r, "agent"))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleAgentStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "agent")
	srv, ok := s.registry.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown agent %s", id))
		return
	}
	status, err := srv.GetStatus()
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	body := map[string]any{"agent_id": id, "status": status}
	if data, err := srv.GetInterrupt(); err == nil && data != nil {
		body["interrupt"] = data
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleAgentInactivity(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "agent")
	srv, ok := s.registry.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown agent %s", id))
		return
	}
	status, err := srv.GetInactivityStatus()
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// handleAgentEvents streams the agent's topic as server-sent events until
// the client disconnects.
func (s *Server) handleAgentEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeError(w, http.StatusNotImplemented, errors.New("event streaming not enabled"))
		return
	}
	id := chi.URLParam(r, "agent")
	if _, ok := s.registry.Get(id); !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown agent %s", id))
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errors.New("streaming unsupported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := s.events.Subscribe(pubsub.AgentTopic(id))
	defer sub.Unsubscribe()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-sub.C():
			if !ok {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				s.logger.Warn("drop unmarshalable event", "type", event.Type, "error", err)
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
			flusher.Flush()
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
