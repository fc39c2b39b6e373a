// Package api serves the miner's HTTP status endpoints and the live
// websocket stats feed.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/tosproject/tosminer/internal/mining"
	"github.com/tosproject/tosminer/internal/stratum"
)

// wsPushInterval paces the websocket stats feed.
const wsPushInterval = 2 * time.Second

// Server exposes miner state over HTTP: /status, /stats, /devices,
// /health, /ws and optionally /metrics.
type Server struct {
	logger  *zap.Logger
	farm    *mining.Farm
	client  *stratum.Client
	metrics http.Handler

	started  time.Time
	version  string
	upgrader websocket.Upgrader

	// avg smooths the farm rate over the push interval for display;
	// the EMA reacts faster than a dashboard wants to.
	avg *mining.SimpleMovingAverage

	mu      sync.Mutex
	wsConns map[string]*websocket.Conn

	server *http.Server
}

// NewServer builds the API server. metrics may be nil to omit /metrics.
func NewServer(farm *mining.Farm, client *stratum.Client, metrics http.Handler, version string, logger *zap.Logger) *Server {
	return &Server{
		logger:  logger.Named("api"),
		farm:    farm,
		client:  client,
		metrics: metrics,
		started: time.Now(),
		version: version,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		wsConns: make(map[string]*websocket.Conn),
		avg:     mining.NewSimpleMovingAverage(30),
	}
}

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	r.HandleFunc("/devices", s.handleDevices).Methods(http.MethodGet)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.handleWS)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}
	return r
}

// Run serves until ctx is done.
func (s *Server) Run(ctx context.Context, addr string) error {
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api server listening", zap.String("addr", addr))
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	ticker := time.NewTicker(wsPushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.closeWSConns()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			s.server.Shutdown(shutdownCtx)
			return nil
		case err := <-errCh:
			return err
		case <-ticker.C:
			s.sampleRate()
			s.pushStats()
		}
	}
}

type statusResponse struct {
	Version       string  `json:"version"`
	Uptime        string  `json:"uptime"`
	Pool          string  `json:"pool"`
	PoolState     string  `json:"pool_state"`
	Difficulty    float64 `json:"difficulty"`
	Hashrate      float64 `json:"hashrate"`
	HashrateAvg   float64 `json:"hashrate_avg"`
	HashratePhr   string  `json:"hashrate_human"`
	ActiveDevices int     `json:"active_devices"`
}

// sampleRate feeds the display average; called on every push tick.
func (s *Server) sampleRate() {
	s.avg.Add(s.farm.HashRate())
}

func (s *Server) statusSnapshot() statusResponse {
	rate := s.farm.HashRate()
	resp := statusResponse{
		Version:       s.version,
		Uptime:        time.Since(s.started).Round(time.Second).String(),
		Hashrate:      rate,
		HashrateAvg:   s.avg.Average(),
		HashratePhr:   humanize.SIWithDigits(rate, 2, "H/s"),
		ActiveDevices: s.farm.ActiveWorkerCount(),
	}
	if s.client != nil {
		resp.Pool = s.client.ActiveEndpoint().String()
		resp.PoolState = s.client.State().String()
		resp.Difficulty = s.client.Difficulty()
	}
	return resp
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.statusSnapshot())
}

type statsResponse struct {
	mining.StatsSnapshot
	Hashrate    float64       `json:"hashrate"`
	HashrateAvg float64       `json:"hashrate_avg"`
	Devices     []deviceStats `json:"devices"`
}

type deviceStats struct {
	Index    uint32              `json:"index"`
	Kind     string              `json:"kind"`
	Name     string              `json:"name"`
	Hashrate mining.HashRate     `json:"hashrate"`
	Health   mining.DeviceHealth `json:"health"`
}

func (s *Server) statsSnapshot() statsResponse {
	resp := statsResponse{
		StatsSnapshot: s.farm.StatsSnapshot(),
		Hashrate:      s.farm.HashRate(),
		HashrateAvg:   s.avg.Average(),
	}
	for _, desc := range s.farm.Devices() {
		resp.Devices = append(resp.Devices, deviceStats{
			Index:    desc.Index,
			Kind:     desc.Kind.String(),
			Name:     desc.Name,
			Hashrate: s.farm.WorkerHashRate(desc.Index),
			Health:   s.farm.WorkerHealth(desc.Index),
		})
	}
	return resp
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.statsSnapshot())
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.farm.Devices())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	healthy := s.farm.ActiveWorkerCount() > 0
	if s.client != nil && s.client.State() != stratum.StateAuthorized {
		healthy = false
	}
	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]bool{"healthy": healthy})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	id := uuid.NewString()

	s.mu.Lock()
	s.wsConns[id] = conn
	s.mu.Unlock()
	s.logger.Debug("websocket client connected", zap.String("id", id))

	// Reader loop only detects disconnects; the feed is push-only.
	go func() {
		defer s.dropWSConn(id)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// pushStats broadcasts the current stats to every websocket client.
func (s *Server) pushStats() {
	payload := s.statsSnapshot()

	s.mu.Lock()
	conns := make(map[string]*websocket.Conn, len(s.wsConns))
	for id, conn := range s.wsConns {
		conns[id] = conn
	}
	s.mu.Unlock()

	for id, conn := range conns {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(payload); err != nil {
			s.logger.Debug("websocket write failed, dropping client",
				zap.String("id", id), zap.Error(err))
			s.dropWSConn(id)
		}
	}
}

func (s *Server) dropWSConn(id string) {
	s.mu.Lock()
	conn, ok := s.wsConns[id]
	if ok {
		delete(s.wsConns, id)
	}
	s.mu.Unlock()
	if ok {
		conn.Close()
	}
}

func (s *Server) closeWSConns() {
	s.mu.Lock()
	for id, conn := range s.wsConns {
		conn.Close()
		delete(s.wsConns, id)
	}
	s.mu.Unlock()
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
