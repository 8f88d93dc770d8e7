package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/lightight/lightproxy/pkg/protocol"
	"github.com/lightight/lightproxy/pkg/store"
	"github.com/samber/lo"
)

// Package-level loggers. Debug output is discarded unless enabled.
var (
	errorLog = log.New(os.Stderr, "ERROR: ", log.LstdFlags)
	debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags)
)

// Server is the presence and messaging core: it binds connections to
// identities and dispatches client actions against the store and registry.
type Server struct {
	store     *store.Store
	registry  *Registry
	config    ServerConfig
	metrics   *Metrics
	rng       *rand.Rand
	startTime time.Time

	httpServer *http.Server
	listener   net.Listener

	// mu serializes every logical operation: each inbound action runs to
	// completion against the store and registry before the next one is
	// processed. Mutual exclusion for the store is this mutex, not locks
	// of its own.
	mu sync.Mutex
}

// ServerConfig holds server configuration
type ServerConfig struct {
	HTTPPort          int
	ServicePath       string
	DataPath          string
	AdminPasswordHash string
}

// DefaultConfig returns default server configuration
func DefaultConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:    1100,
		ServicePath: "/profiles/ws",
		DataPath:    "~/.lightproxy/profiles.json",
	}
}

// NewServer creates a new server instance backed by the state document at
// cfg.DataPath.
func NewServer(cfg ServerConfig) (*Server, error) {
	st, err := store.Open(cfg.DataPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	metrics := NewMetrics()
	return &Server{
		store:     st,
		registry:  NewRegistry(metrics),
		config:    cfg,
		metrics:   metrics,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		startTime: time.Now(),
	}, nil
}

// EnableDebugLogging switches per-session debug output to stderr.
func (s *Server) EnableDebugLogging() {
	debugLog = log.New(os.Stderr, "DEBUG: ", log.LstdFlags|log.Lmicroseconds)
}

// Start begins listening for HTTP/WebSocket connections.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc(s.config.ServicePath, s.HandleWebSocket)
	mux.HandleFunc("/healthz", s.HealthHandler)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics.Handler())
	}

	addr := fmt.Sprintf(":%d", s.config.HTTPPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener
	s.httpServer = &http.Server{Handler: mux}

	log.Printf("HTTP server listening on %s (service path %s)", addr, s.config.ServicePath)

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			errorLog.Printf("HTTP server error: %v", err)
		}
	}()
	return nil
}

// Stop gracefully stops the server: no new connections, all sessions
// closed, one final state save.
func (s *Server) Stop() error {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(ctx); err != nil {
			errorLog.Printf("HTTP shutdown: %v", err)
		}
	}

	s.registry.CloseAll()

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.store.Save(); err != nil {
		return fmt.Errorf("final state save failed: %w", err)
	}
	return nil
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// The service sits behind the site's own origin; accept all.
		return true
	},
}

// HandleWebSocket upgrades an HTTP request to the persistent message
// channel and runs the connection's identity resolution and read loop.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	requested := r.URL.Query().Get("username")

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		debugLog.Printf("WebSocket upgrade failed: %v", err)
		return
	}
	conn := NewSafeConn(ws)

	sess, ok := s.resolveIdentity(conn, requested, ip)
	if !ok {
		return
	}

	debugLog.Printf("Session %d: %s connected from %s", sess.ID, sess.Username, ip)
	go s.readLoop(sess, conn)
}

// readLoop reads inbound frames for one session until the connection dies.
func (s *Server) readLoop(sess *Session, conn *SafeConn) {
	defer func() {
		s.registry.Leave(sess)
		conn.Close()
		debugLog.Printf("Session %d: %s disconnected", sess.ID, sess.Username)
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		ev, err := protocol.DecodeClientEvent(data)
		if err != nil {
			debugLog.Printf("Session %d: rejected event: %v", sess.ID, err)
			s.sendToSession(sess, protocol.NewSystemEvent("Invalid event"))
			continue
		}

		if s.metrics != nil {
			s.metrics.RecordEventReceived(ev.EventName())
		}
		s.dispatch(sess, ev)
	}
}

// dispatch runs one logical operation to completion under the server-wide
// operation lock.
func (s *Server) dispatch(sess *Session, ev protocol.ClientEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch ev := ev.(type) {
	case *protocol.ChangeUsername:
		s.handleChangeUsername(sess, ev)
	case *protocol.RequestFriend:
		s.handleRequestFriend(sess, ev)
	case *protocol.RespondFriend:
		s.handleRespondFriend(sess, ev)
	case *protocol.SendDM:
		s.handleSendDM(sess, ev)
	case *protocol.GetDM:
		s.handleGetDM(sess, ev)
	case *protocol.CreateGroup:
		s.handleCreateGroup(sess, ev)
	case *protocol.SendGroup:
		s.handleSendGroup(sess, ev)
	case *protocol.GetGroup:
		s.handleGetGroup(sess, ev)
	case *protocol.AdminWarn:
		s.handleAdminWarn(sess, ev)
	case *protocol.AdminBan:
		s.handleAdminBan(sess, ev)
	case *protocol.AdminUnban:
		s.handleAdminUnban(sess, ev)
	case *protocol.AdminListBans:
		s.handleAdminListBans(sess, ev)
	case *protocol.AdminListUsers:
		s.handleAdminListUsers(sess, ev)
	}
}

// sendToSession delivers an event to one session only. Failures are logged;
// the read loop notices the dead connection on its own.
func (s *Server) sendToSession(sess *Session, ev protocol.ServerEvent) {
	if err := sess.conn.WriteJSON(ev); err != nil {
		debugLog.Printf("Session %d: send %s failed: %v", sess.ID, ev.EventName(), err)
		return
	}
	if s.metrics != nil {
		s.metrics.RecordEventSent(ev.EventName())
	}
}

// saveStore persists the full state snapshot. Failures are logged and
// absorbed: the in-memory mutation stands and the state becomes durable on
// the next successful save.
func (s *Server) saveStore() {
	start := time.Now()
	if err := s.store.Save(); err != nil {
		errorLog.Printf("State save failed: %v", err)
		if s.metrics != nil {
			s.metrics.RecordSaveFailure()
		}
		return
	}
	if s.metrics != nil {
		s.metrics.RecordSaveDuration(time.Since(start).Seconds())
	}
}

// initEvent builds the identity snapshot pushed on connect and whenever the
// user's friend or group situation changes.
func (s *Server) initEvent(username string) *protocol.InitEvent {
	groups := lo.Map(s.store.GroupsFor(username), func(g store.Group, _ int) protocol.Group {
		return toProtocolGroup(g)
	})
	return protocol.NewInitEvent(username, s.store.Friends(username), groups)
}

func toProtocolGroup(g store.Group) protocol.Group {
	return protocol.Group{
		ID:      g.ID,
		Label:   g.Label,
		Members: g.Members,
		History: toProtocolEntries(g.History),
	}
}

func toProtocolEntry(e store.Entry) protocol.Entry {
	return protocol.Entry{From: e.From, Text: e.Text, Ts: e.Ts}
}

func toProtocolEntries(entries []store.Entry) []protocol.Entry {
	out := make([]protocol.Entry, len(entries))
	for i, e := range entries {
		out[i] = toProtocolEntry(e)
	}
	return out
}

// HealthHandler serves health check status
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	users, threads, groups, bans := s.store.Counts()
	s.mu.Unlock()
	connections, online := s.registry.Counts()

	health := map[string]interface{}{
		"status":         "healthy",
		"uptime_seconds": int64(time.Since(s.startTime).Seconds()),
		"connections":    connections,
		"online_users":   online,
		"users":          users,
		"threads":        threads,
		"groups":         groups,
		"bans":           bans,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(health); err != nil {
		errorLog.Printf("Error encoding health JSON: %v", err)
	}
}
