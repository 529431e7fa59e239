package http

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/uni159169/bfs/pkg/replication"
	"github.com/uni159169/bfs/pkg/rpc"
)

const (
	contentTypeJSON        = "application/json"
	defaultShutdownTimeout = time.Second * 5
)

// iSyncNode is the slice of the replication engine the server needs.
type iSyncNode interface {
	AppendLog(offset int64, payload []byte) (bool, int64)
	Status() replication.Status
	Promote()
}

// iMetricsRenderer renders the metrics text for /metrics.
type iMetricsRenderer interface {
	Render() string
}

// Server exposes the node's replication RPC surface plus health, status
// and metrics endpoints.
type Server struct {
	node       iSyncNode
	renderer   iMetricsRenderer
	httpServer *http.Server
	addr       string
}

// NewServer creates a server listening on addr ("host:port"). renderer may
// be nil, in which case /metrics serves an empty document.
func NewServer(node iSyncNode, renderer iMetricsRenderer, addr string) *Server {
	return &Server{
		node:     node,
		renderer: renderer,
		addr:     addr,
	}
}

// Start begins serving in the background.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.createRouter(),
		ReadHeaderTimeout: time.Second,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	slog.Info("HTTP server started", "addr", s.addr)
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop() error {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown HTTP server: %w", err)
		}
	}
	return nil
}

// createRouter builds the chi router.
func (s *Server) createRouter() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", s.handleHealth)
	r.Get("/status", s.handleStatus)
	r.Get("/metrics", s.handleMetrics)
	r.Post(rpc.AppendLogPath, s.handleAppendLog)
	r.Post("/v1/admin/promote", s.handlePromote)

	return r
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Warn("Error encoding response", "error", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, NewOKResponse())
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.node.Status())
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	var body string
	if s.renderer != nil {
		body = s.renderer.Render()
	}
	if _, err := w.Write([]byte(body)); err != nil {
		slog.Warn("Failed to write metrics response", "error", err)
	}
}

// handleAppendLog serves the standby-side acceptance protocol. Rejections
// are HTTP 200 with success=false in the body; only malformed requests get
// a 4xx.
func (s *Server) handleAppendLog(w http.ResponseWriter, r *http.Request) {
	var req rpc.AppendLogRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(err.Error()))
		return
	}

	ok, offset := s.node.AppendLog(int64(req.Offset), req.Payload)
	s.writeJSON(w, http.StatusOK, rpc.AppendLogResponse{
		Success: ok,
		Offset:  int32(offset),
	})
}

// handlePromote switches this node to leader. The decision of when a
// promotion is safe belongs to whoever calls this endpoint.
func (s *Server) handlePromote(w http.ResponseWriter, r *http.Request) {
	s.node.Promote()
	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}
