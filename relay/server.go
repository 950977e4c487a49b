// Package relay implements the websocket relay server: connection accept and
// session dispatch, the event ingestion pipeline, the live-broadcast engine,
// subscription backfill, and maintenance handling.
package relay

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/c360/nostrelay/config"
	"github.com/c360/nostrelay/errors"
	"github.com/c360/nostrelay/firehose"
	"github.com/c360/nostrelay/metric"
	"github.com/c360/nostrelay/storage"
)

const (
	writeTimeout    = 10 * time.Second
	readTimeout     = 60 * time.Second
	pingInterval    = 30 * time.Second
	maxFrameBytes   = 512 * 1024
	pruneInterval   = time.Minute
	pruneBatchLimit = 256
)

// Options holds everything needed to construct a Server
type Options struct {
	Config          *config.Config
	Store           storage.Store
	Logger          *slog.Logger
	Firehose        *firehose.Publisher // optional
	MetricsRegistry *metric.MetricsRegistry
}

// Server is the relay: it owns the listener, the registry of live
// connections, and the maintenance flag. Each accepted connection gets its
// own session and its own handling goroutine; the server only touches
// cross-connection state (the registry, the store, the broadcast path).
type Server struct {
	cfg      *config.Config
	store    storage.Store
	logger   *slog.Logger
	firehose *firehose.Publisher
	metrics  *Metrics

	upgrader   websocket.Upgrader
	httpServer *http.Server
	listener   net.Listener

	conns   map[string]*Conn
	connsMu sync.RWMutex

	running     atomic.Bool
	maintenance atomic.Bool
	shutdown    chan struct{}
	wg          sync.WaitGroup
	lifecycleMu sync.Mutex // serializes Start/Stop
}

// NewServer creates a relay server from options
func NewServer(opts Options) (*Server, error) {
	if opts.Config == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Server", "NewServer",
			"config is required")
	}
	if opts.Store == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Server", "NewServer",
			"store is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Server{
		cfg:      opts.Config,
		store:    opts.Store,
		logger:   logger,
		firehose: opts.Firehose,
		metrics:  newMetrics(opts.MetricsRegistry),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Nostr clients connect from arbitrary origins
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
		conns: make(map[string]*Conn),
	}, nil
}

// Start binds the listener and begins serving. Non-blocking; use Stop to
// shut down.
func (s *Server) Start(ctx context.Context) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if s.running.Load() {
		return errors.WrapFatal(errors.ErrAlreadyStarted, "Server", "Start",
			"relay already running")
	}

	// The maintenance flag survives restarts until explicitly disabled
	maint, err := s.store.Maintenance(ctx)
	if err != nil {
		s.logger.Warn("could not read maintenance flag, assuming disabled", "error", err)
	}
	s.maintenance.Store(maint)

	listener, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return errors.WrapFatal(err, "Server", "Start",
			fmt.Sprintf("listen on %s", s.cfg.Listen))
	}
	s.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRoot)
	s.httpServer = &http.Server{Handler: mux}

	s.shutdown = make(chan struct{})
	s.running.Store(true)

	s.wg.Add(2)
	go s.serve()
	go s.maintainConnections(ctx)

	s.logger.Info("relay listening", "addr", listener.Addr().String(), "url", s.cfg.RelayURL)
	return nil
}

// Addr returns the bound listener address (useful when Listen is ":0")
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) serve() {
	defer s.wg.Done()
	if err := s.httpServer.Serve(s.listener); err != nil && err != http.ErrServerClosed {
		s.logger.Error("http server failed", "error", err)
	}
}

// Stop closes the listener, disconnects all clients, and waits for handler
// goroutines up to timeout.
func (s *Server) Stop(timeout time.Duration) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if !s.running.Load() {
		return nil
	}
	s.running.Store(false)
	close(s.shutdown)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("http server shutdown", "error", err)
	}

	s.connsMu.Lock()
	conns := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.connsMu.Unlock()
	for _, c := range conns {
		c.close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		s.logger.Warn("connection goroutines did not exit within timeout")
	}
	return nil
}

// handleRoot serves the websocket upgrade, the relay metadata document, and
// a plain landing page, depending on what the client asked for.
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	if websocket.IsWebSocketUpgrade(r) {
		s.handleUpgrade(w, r)
		return
	}

	if strings.Contains(r.Header.Get("Accept"), "application/nostr+json") {
		s.handleRelayInfo(w, r)
		return
	}

	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprintf(w, "%s\nThis is a Nostr relay. Connect with a websocket client.\n", s.cfg.Info.Name)
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.maintenance.Load() {
		w.Header().Set("Retry-After", "600")
		http.Error(w, "relay is under maintenance, retry later", http.StatusServiceUnavailable)
		return
	}

	sock, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		if s.metrics != nil {
			s.metrics.errorsTotal.WithLabelValues("upgrade").Inc()
		}
		return
	}

	conn := newConn(s, sock, remoteAddr(r))

	s.connsMu.Lock()
	s.conns[conn.id] = conn
	active := len(s.conns)
	s.connsMu.Unlock()

	if s.metrics != nil {
		s.metrics.connectionsTotal.Inc()
		s.metrics.connectionsActive.Set(float64(active))
	}
	conn.logger.Debug("client connected")

	s.wg.Add(1)
	go conn.readLoop()
}

// handleRelayInfo serves the metadata document: identity fields plus the
// limits clients read before opening subscriptions.
func (s *Server) handleRelayInfo(w http.ResponseWriter, _ *http.Request) {
	limits := s.cfg.Limits
	doc := map[string]any{
		"name":           s.cfg.Info.Name,
		"description":    s.cfg.Info.Description,
		"pubkey":         s.cfg.Info.PubKey,
		"contact":        s.cfg.Info.Contact,
		"icon":           s.cfg.Info.Icon,
		"software":       "https://github.com/c360/nostrelay",
		"version":        "1.0.0",
		"supported_nips": []int{1, 9, 11, 42, 70},
		"limitation": map[string]any{
			"max_subscriptions": limits.MaxSubscriptions,
			"max_filters":       limits.MaxFilters,
			"max_limit":         limits.MaxLimit,
			"max_subid_length":  limits.MaxSubIDLength,
			"auth_required":     limits.AuthRequired,
			"restricted_writes": limits.RestrictedWrites,
		},
	}

	w.Header().Set("Content-Type", "application/nostr+json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	if err := json.NewEncoder(w).Encode(doc); err != nil {
		s.logger.Warn("relay info encode failed", "error", err)
	}
}

// removeConn drops a connection from the registry and its persisted
// subscription bookkeeping. Safe to call more than once per connection.
func (s *Server) removeConn(c *Conn) {
	s.connsMu.Lock()
	_, present := s.conns[c.id]
	delete(s.conns, c.id)
	active := len(s.conns)
	s.connsMu.Unlock()
	if !present {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.DropConnection(ctx, c.id); err != nil {
		s.logger.Warn("drop connection state failed", "conn_id", c.id, "error", err)
	}

	if s.metrics != nil {
		s.metrics.connectionsActive.Set(float64(active))
	}
	c.logger.Debug("client disconnected")
}

// snapshotConns returns the live connections at this instant
func (s *Server) snapshotConns() []*Conn {
	s.connsMu.RLock()
	defer s.connsMu.RUnlock()
	conns := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	return conns
}

func (s *Server) isLive(connID string) bool {
	s.connsMu.RLock()
	defer s.connsMu.RUnlock()
	_, ok := s.conns[connID]
	return ok
}

// maintainConnections pings clients and prunes stale persisted subscription
// state on a fixed cadence.
func (s *Server) maintainConnections(ctx context.Context) {
	defer s.wg.Done()

	pingTicker := time.NewTicker(pingInterval)
	defer pingTicker.Stop()
	pruneTicker := time.NewTicker(pruneInterval)
	defer pruneTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.shutdown:
			return
		case <-pingTicker.C:
			for _, c := range s.snapshotConns() {
				if err := c.ping(); err != nil {
					c.close()
				}
			}
		case <-pruneTicker.C:
			pruneCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			pruned, err := s.store.PruneStale(pruneCtx, s.isLive, pruneBatchLimit)
			cancel()
			if err != nil {
				s.logger.Warn("subscription prune failed", "error", err)
			} else if pruned > 0 {
				s.logger.Debug("pruned stale subscription state", "connections", pruned)
			}
		}
	}
}

func newConnID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("conn-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

func remoteAddr(r *http.Request) string {
	// Honor proxy headers so logs show the real client
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return strings.TrimSpace(realIP)
	}
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		if idx := strings.Index(forwarded, ","); idx >= 0 {
			return strings.TrimSpace(forwarded[:idx])
		}
		return strings.TrimSpace(forwarded)
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
