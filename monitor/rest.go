// monitor/rest.go
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"auto_ibkr_go/exchange"
	"auto_ibkr_go/logs"
	"auto_ibkr_go/risk"
	"auto_ibkr_go/strategy"
	"auto_ibkr_go/telemetry"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Sources are the optional components reported on /status. Nil fields are omitted.
type Sources struct {
	Engine   func() strategy.Snapshot
	Guardian func() risk.Snapshot
	Gateway  exchange.Gateway
	Hub      *telemetry.Hub
}

// Status is the /status response body.
type Status struct {
	Time      time.Time                   `json:"time"`
	Engine    *strategy.Snapshot          `json:"engine,omitempty"`
	Guardian  *risk.Snapshot              `json:"guardian,omitempty"`
	Account   *exchange.AccountSummary    `json:"account,omitempty"`
	Positions []exchange.PositionSnapshot `json:"positions,omitempty"`
	Errors    []string                    `json:"errors,omitempty"`
	Listeners int                         `json:"listeners"`
}

// Server exposes health, metrics, status and the live event feed over HTTP.
type Server struct {
	src Sources
	srv *http.Server
}

func NewServer(port int, src Sources) *Server {
	s := &Server{src: src}
	s.srv = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Routes returns the handler tree; tests mount it on httptest servers.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok\n"))
	})
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/status", s.handleStatus)
	if s.src.Hub != nil {
		mux.HandleFunc("/ws", s.src.Hub.ServeWS)
	}
	return mux
}

// Start serves in the background until Shutdown.
func (s *Server) Start() {
	go func() {
		logs.Infof("[Monitor] Serving status on %s (/healthz, /metrics, /status, /ws)", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logs.Errorf("[Monitor] HTTP server stopped: %v", err)
		}
	}()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	st := Status{Time: time.Now()}
	if s.src.Engine != nil {
		snap := s.src.Engine()
		st.Engine = &snap
	}
	if s.src.Guardian != nil {
		snap := s.src.Guardian()
		st.Guardian = &snap
	}
	if s.src.Gateway != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if summary, err := s.src.Gateway.AccountSummary(ctx); err == nil {
			st.Account = &summary
		} else {
			st.Errors = append(st.Errors, "account: "+err.Error())
		}
		if positions, err := s.src.Gateway.Positions(ctx); err == nil {
			st.Positions = positions
		} else {
			st.Errors = append(st.Errors, "positions: "+err.Error())
		}
	}
	if s.src.Hub != nil {
		st.Listeners = s.src.Hub.ClientCount()
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(st); err != nil {
		logs.Warnf("[Monitor] Failed to write status: %v", err)
	}
}
