// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package api serves the local operator surface: prometheus metrics and
// a JSON status snapshot. Read-only; configuration changes go through
// the control path, not HTTP.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"grimm.is/flygate/internal/logging"
	"grimm.is/flygate/internal/peer"
	"grimm.is/flygate/internal/stats"
)

// PeerStatus is one peer's row in the status snapshot.
type PeerStatus struct {
	ID            uint32    `json:"id"`
	Name          string    `json:"name"`
	Endpoint      string    `json:"endpoint"`
	RxPackets     uint64    `json:"rx_packets"`
	RxBytes       uint64    `json:"rx_bytes"`
	TxPackets     uint64    `json:"tx_packets"`
	TxBytes       uint64    `json:"tx_bytes"`
	LoadScore     uint64    `json:"load_score"`
	LastHandshake time.Time `json:"last_handshake,omitzero"`
}

// Status is the full JSON snapshot.
type Status struct {
	Uptime  string       `json:"uptime"`
	Traffic stats.Totals `json:"traffic"`
	Flows   int          `json:"flows"`
	Peers   []PeerStatus `json:"peers"`
}

// FlowCounter reports how many flows the state store currently tracks.
type FlowCounter interface {
	FlowCount() int
}

// Server is the HTTP listener.
type Server struct {
	sink    *stats.Sink
	peers   *peer.Registry
	flows   FlowCounter
	start   time.Time
	logger  *logging.Logger
	mux     *http.ServeMux
	httpSrv *http.Server
}

// New builds the server and registers its routes. The stats collector is
// registered on a fresh prometheus registry so tests can run several
// servers in one process.
func New(sink *stats.Sink, peers *peer.Registry, flows FlowCounter, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.WithComponent("api")
	}
	s := &Server{
		sink:   sink,
		peers:  peers,
		flows:  flows,
		start:  time.Now(),
		logger: logger,
		mux:    http.NewServeMux(),
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		stats.NewCollector(sink),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	s.mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	s.mux.HandleFunc("GET /api/status", s.handleStatus)
	s.mux.HandleFunc("GET /api/healthz", s.handleHealthz)
	return s
}

// Handler exposes the route table, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := Status{
		Uptime:  time.Since(s.start).Round(time.Second).String(),
		Traffic: s.sink.Snapshot(),
	}
	if s.flows != nil {
		st.Flows = s.flows.FlowCount()
	}
	for _, p := range s.peers.Peers() {
		ps := PeerStatus{
			ID:        p.ID,
			Name:      p.Name,
			Endpoint:  p.Endpoint().String(),
			RxPackets: p.RxPackets.Load(),
			RxBytes:   p.RxBytes.Load(),
			TxPackets: p.TxPackets.Load(),
			TxBytes:   p.TxBytes.Load(),
			LoadScore: p.LoadScore.Load(),
		}
		if hs := p.LastHandshake.Load(); hs != 0 {
			ps.LastHandshake = time.Unix(0, hs)
		}
		st.Peers = append(st.Peers, ps)
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start(addr string) error {
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	s.logger.Info("API server starting", "addr", addr)
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the listener gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}
