// Package debug implements the coordinator's stable JSON/websocket
// debug surface (spec §4.1.8, §6): the BackendState/InstanceStats
// ToJson objects and a /health liveness endpoint, served over
// net/http.ServeMux in the teacher's health-endpoint style, plus a
// websocket stream that pushes the same snapshot on an interval so a
// debug page can render without polling.
package debug

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cuemby/meridian/pkg/coordinator"
	"github.com/cuemby/meridian/pkg/metrics"
)

// QueryLookup resolves a query id to the Coordinator running it, or
// false if no such query is active. The coordinator package doesn't
// track queries by id itself (that's the caller's registry), so this
// indirection keeps pkg/debug from owning query lifetime.
type QueryLookup func(queryID string) (*coordinator.Coordinator, bool)

// Server is the coordinator process's debug HTTP server: liveness,
// per-query backend-state JSON, Prometheus metrics, and a websocket
// snapshot stream.
type Server struct {
	lookup   QueryLookup
	mux      *http.ServeMux
	upgrader websocket.Upgrader

	streamInterval time.Duration
}

// NewServer builds a debug Server backed by lookup.
func NewServer(lookup QueryLookup) *Server {
	s := &Server{
		lookup: lookup,
		mux:    http.NewServeMux(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		streamInterval: time.Second,
	}

	s.mux.HandleFunc("/health", s.healthHandler)
	s.mux.HandleFunc("/queries/{query_id}/backends", s.backendsHandler)
	s.mux.HandleFunc("/queries/{query_id}/stream", s.streamHandler)
	s.mux.Handle("/metrics", metrics.Handler())

	return s
}

// Handler returns the http.Handler for embedding or ListenAndServe.
func (s *Server) Handler() http.Handler { return s.mux }

// ListenAndServe starts the debug server on addr, mirroring the
// teacher's health-server timeout defaults.
func (s *Server) ListenAndServe(addr string) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return server.ListenAndServe()
}

type healthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, healthResponse{Status: "healthy", Timestamp: time.Now()})
}

// snapshot builds the per-query debug payload: an array holding one
// backend-state object per backend, each with its instance array and
// its state_idx.
func (s *Server) snapshot(queryID string) (map[string]any, bool) {
	c, ok := s.lookup(queryID)
	if !ok {
		return nil, false
	}
	backends := make([]map[string]any, 0, len(c.Backends()))
	for _, bs := range c.Backends() {
		entry := bs.ToJson()
		entry["instances"] = bs.InstanceStatsToJson()
		entry["state_idx"] = bs.StateIdx
		backends = append(backends, entry)
	}
	return map[string]any{"query_id": queryID, "backends": backends}, true
}

func (s *Server) backendsHandler(w http.ResponseWriter, r *http.Request) {
	queryID := r.PathValue("query_id")
	payload, ok := s.snapshot(queryID)
	if !ok {
		http.Error(w, "unknown query id", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

// streamHandler upgrades to a websocket connection and pushes the same
// snapshot every streamInterval until the client disconnects; failures
// to read a (unused, client-to-server messages are not expected) frame
// end the loop, matching the teacher's read-loop-detects-close pattern.
func (s *Server) streamHandler(w http.ResponseWriter, r *http.Request) {
	queryID := r.PathValue("query_id")
	if _, ok := s.lookup(queryID); !ok {
		http.Error(w, "unknown query id", http.StatusNotFound)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.streamInterval)
	defer ticker.Stop()
	for {
		select {
		case <-closed:
			return
		case <-ticker.C:
			payload, ok := s.snapshot(queryID)
			if !ok {
				return
			}
			if err := conn.WriteJSON(payload); err != nil {
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
