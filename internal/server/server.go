// Package server hosts the fusion controller: it runs the sensor and GPS
// read loops, serves the HTTP API and acts as the rendering sink by
// broadcasting frames to websocket clients.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/missilemap/missilemap-go/internal/fusion"
	"github.com/missilemap/missilemap-go/internal/gps"
	"github.com/missilemap/missilemap-go/internal/logger"
	"github.com/missilemap/missilemap-go/internal/sensors"
	"github.com/missilemap/missilemap-go/internal/targets"
)

// Server coordinates sensor/GPS input and broadcasts controller output to
// WebSocket clients. The first client connecting opens a fusion session;
// the last one leaving closes it.
type Server struct {
	cfg        *Config
	ctrl       *fusion.Controller
	sensorProv sensors.Provider
	gpsProv    gps.Provider
	logger     *logger.Logger

	ctx context.Context // session context, set by Run

	// lifeMu orders client connect/disconnect against controller
	// foreground/background transitions.
	lifeMu    sync.Mutex
	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex

	upgrader websocket.Upgrader
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Frame is the JSON structure sent to WebSocket clients.
type Frame struct {
	Refresh *fusion.RefreshEvent `json:"refresh,omitempty"`
	State   *fusion.State        `json:"state,omitempty"`
	Home    *gps.Point           `json:"home,omitempty"`
	Stamp   int64                `json:"stamp"` // Unix ms
}

// targetsFrame carries a full target set; unlike Frame it keeps an empty
// list on the wire.
type targetsFrame struct {
	Targets []targets.Target `json:"targets"`
	Stamp   int64            `json:"stamp"`
}

// New creates a new Server. Either provider may be nil.
func New(cfg *Config, ctrl *fusion.Controller, sensorProv sensors.Provider, gpsProv gps.Provider) *Server {
	return &Server{
		cfg:        cfg,
		ctrl:       ctrl,
		sensorProv: sensorProv,
		gpsProv:    gpsProv,
		logger: logger.New(logger.Config{
			Enabled:    cfg.Logging.Enabled,
			Path:       cfg.Logging.Path,
			IntervalMs: cfg.Logging.Interval,
		}),
		ctx:     context.Background(),
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/config", s.handleConfig)
	mux.HandleFunc("/api/state", s.handleState)
	mux.HandleFunc("/api/report", s.handleReport)
	mux.HandleFunc("/api/follow", s.handleFollow)
	return mux
}

// Run starts the read loops and the HTTP server, and blocks until ctx is
// cancelled or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	s.ctx = ctx

	if s.sensorProv != nil {
		go s.sensorLoop(ctx)
	}
	if s.gpsProv != nil {
		go s.gpsLoop(ctx)
	}

	srv := &http.Server{
		Addr:    s.cfg.Server.ListenAddr,
		Handler: s.Handler(),
	}

	go func() {
		<-ctx.Done()
		s.ctrl.OnBackground()
		s.logger.Close()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	log.Printf("[server] listening on %s", s.cfg.Server.ListenAddr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Refresh implements fusion.Sink.
func (s *Server) Refresh(ev fusion.RefreshEvent) {
	s.broadcast(Frame{Refresh: &ev, Stamp: ev.Stamp})
	s.logger.Record(ev)
}

// UpdateTargets implements fusion.Sink. An empty set is sent as an empty
// array so clients clear their paths.
func (s *Server) UpdateTargets(ev fusion.TargetsEvent) {
	ts := ev.Targets
	if ts == nil {
		ts = []targets.Target{}
	}
	data, err := json.Marshal(targetsFrame{Targets: ts, Stamp: ev.Stamp})
	if err != nil {
		return
	}
	s.send(data)
}

// sensorLoop reads samples as fast as the provider yields them.
func (s *Server) sensorLoop(ctx context.Context) {
	var failures int
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		sample, err := s.sensorProv.Read()
		if err != nil {
			failures++
			if failures == 1 || failures%100 == 0 {
				log.Printf("[imu] read failed (%d): %v", failures, err)
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(200 * time.Millisecond):
			}
			continue
		}
		failures = 0
		s.ctrl.OnSensorSample(sample)
	}
}

// gpsLoop polls the receiver at the configured rate.
func (s *Server) gpsLoop(ctx context.Context) {
	hz := s.cfg.GPS.PollHz
	if hz <= 0 {
		hz = 10
	}
	ticker := time.NewTicker(time.Second / time.Duration(hz))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			data, err := s.gpsProv.Read()
			if err != nil || data == nil || !data.Valid {
				continue
			}
			s.ctrl.OnLocationFix(data.Point())
		}
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws] upgrade error: %v", err)
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 64),
	}

	// Queue the greeting before the client can receive broadcasts.
	home := s.cfg.GPS.Home
	hello := Frame{Home: &home, Stamp: time.Now().UnixMilli()}
	if data, err := json.Marshal(hello); err == nil {
		client.send <- data
	}

	s.lifeMu.Lock()
	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	n := len(s.clients)
	s.clientsMu.Unlock()
	if n == 1 {
		s.ctrl.AttachSink(s)
		s.ctrl.OnForeground(s.ctx)
	}
	s.lifeMu.Unlock()

	log.Printf("[ws] client connected (%d total)", n)
	s.broadcastState()

	// Writer goroutine
	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	// Reader goroutine (keep-alive; clients send nothing meaningful)
	go func() {
		defer s.dropClient(client)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (s *Server) dropClient(client *wsClient) {
	s.lifeMu.Lock()
	s.clientsMu.Lock()
	delete(s.clients, client)
	n := len(s.clients)
	close(client.send)
	s.clientsMu.Unlock()
	if n == 0 {
		s.ctrl.OnBackground()
		s.ctrl.DetachSink()
	}
	s.lifeMu.Unlock()
	log.Printf("[ws] client disconnected (%d total)", n)
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		data, err := s.cfg.ToJSON()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)

	case http.MethodPost:
		// Changes are persisted; providers and tuning pick them up on restart.
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if err := s.cfg.UpdateFromJSON(body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := s.cfg.Save(); err != nil {
			log.Printf("[config] save failed: %v", err)
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.ctrl.Snapshot())
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	err := s.ctrl.Report(r.Context())
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, map[string]string{"status": "ok"})
	case errors.Is(err, fusion.ErrNoFix), errors.Is(err, fusion.ErrNotFollowing):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, fusion.ErrNoReporter):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		log.Printf("[server] report failed: %v", err)
		http.Error(w, err.Error(), http.StatusBadGateway)
	}
}

func (s *Server) handleFollow(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Follow *bool `json:"follow"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Follow == nil {
		http.Error(w, `expected {"follow": true|false}`, http.StatusBadRequest)
		return
	}
	s.ctrl.SetFollow(*req.Follow)
	s.broadcastState()
	writeJSON(w, http.StatusOK, s.ctrl.Snapshot())
}

func (s *Server) broadcastState() {
	st := s.ctrl.Snapshot()
	s.broadcast(Frame{State: &st, Stamp: time.Now().UnixMilli()})
}

func (s *Server) broadcast(frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	s.send(data)
}

func (s *Server) send(data []byte) {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for client := range s.clients {
		select {
		case client.send <- data:
		default:
			// Client too slow, skip
		}
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
