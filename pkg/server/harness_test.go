package server

import (
	"io"
	"log"
	"math/rand"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/lightight/lightproxy/pkg/protocol"
	"github.com/lightight/lightproxy/pkg/store"
	"github.com/stretchr/testify/require"
)

// initTestLoggers silences package-level loggers during tests.
func initTestLoggers(t *testing.T) {
	t.Helper()
	errorLog = log.New(io.Discard, "ERROR: ", log.LstdFlags)
	debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags)
}

// testServer creates a server backed by a temp-dir state file, with a
// deterministic name generator and no metrics.
func testServer(t *testing.T) *Server {
	t.Helper()
	initTestLoggers(t)

	st, err := store.Open(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, err)

	return &Server{
		store:     st,
		registry:  NewRegistry(nil),
		config:    DefaultConfig(),
		metrics:   nil, // Skip metrics in tests
		rng:       rand.New(rand.NewSource(1)),
		startTime: time.Now(),
	}
}

// mockConn records every event written to it.
type mockConn struct {
	mu         sync.Mutex
	events     []interface{}
	closed     bool
	failWrites bool
}

func (c *mockConn) WriteJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failWrites || c.closed {
		return io.ErrClosedPipe
	}
	c.events = append(c.events, v)
	return nil
}

func (c *mockConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *mockConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *mockConn) all() []interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]interface{}(nil), c.events...)
}

func (c *mockConn) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = nil
}

// systemMsgs returns the Msg of every system event received, in order.
func (c *mockConn) systemMsgs() []string {
	msgs := make([]string, 0)
	for _, ev := range c.all() {
		if sys, ok := ev.(*protocol.SystemEvent); ok {
			msgs = append(msgs, sys.Msg)
		}
	}
	return msgs
}

// eventNames returns the wire type of every event received, in order.
func (c *mockConn) eventNames() []string {
	names := make([]string, 0)
	for _, ev := range c.all() {
		if se, ok := ev.(protocol.ServerEvent); ok {
			names = append(names, se.EventName())
		}
	}
	return names
}

// lastInit returns the most recent init snapshot received, if any.
func (c *mockConn) lastInit() (*protocol.InitEvent, bool) {
	var last *protocol.InitEvent
	for _, ev := range c.all() {
		if init, ok := ev.(*protocol.InitEvent); ok {
			last = init
		}
	}
	return last, last != nil
}

// connectUser registers username and binds a fresh mock connection to it.
func connectUser(t *testing.T, srv *Server, username, ip string) (*Session, *mockConn) {
	t.Helper()
	srv.store.EnsureUser(username)
	conn := &mockConn{}
	sess := srv.registry.Bind(username, ip, conn)
	return sess, conn
}
