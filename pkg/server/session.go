package server

import (
	"net"
	"sort"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/lightight/lightproxy/pkg/protocol"
	"github.com/samber/lo"
)

// sessionConn is the transport attachment of a session. *SafeConn is the
// production implementation; tests substitute a recording mock.
type sessionConn interface {
	WriteJSON(v interface{}) error
	Close() error
}

// SafeConn wraps a WebSocket connection with automatic write
// synchronization, so fan-out from different operations cannot interleave
// frames.
type SafeConn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
	closeMu sync.Mutex
	closed  bool
}

// NewSafeConn creates a write-synchronized wrapper around ws.
func NewSafeConn(ws *websocket.Conn) *SafeConn {
	return &SafeConn{ws: ws}
}

// WriteJSON writes v as a JSON text message.
func (c *SafeConn) WriteJSON(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.closeMu.Lock()
	if c.closed {
		c.closeMu.Unlock()
		return net.ErrClosed
	}
	c.closeMu.Unlock()

	return c.ws.WriteJSON(v)
}

// ReadMessage reads the next message from the peer.
func (c *SafeConn) ReadMessage() (int, []byte, error) {
	return c.ws.ReadMessage()
}

// Close closes the underlying connection. Closing twice is a no-op.
func (c *SafeConn) Close() error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	return c.ws.Close()
}

// Session is one live connection bound to a resolved identity. The binding
// is permanent until an explicit rename re-keys it.
type Session struct {
	ID       uint64
	Username string
	IP       string
	conn     sessionConn
}

// Registry maps usernames to their set of live sessions. A user with
// multiple tabs has multiple sessions under one bucket. Nothing here is
// persisted; after a restart all users appear offline until they reconnect.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]map[*Session]struct{}
	nextID   uint64
	metrics  *Metrics
}

// NewRegistry creates an empty connection registry
func NewRegistry(metrics *Metrics) *Registry {
	return &Registry{
		sessions: make(map[string]map[*Session]struct{}),
		nextID:   1,
		metrics:  metrics,
	}
}

// Bind creates a session for conn bound to username and joins it to the
// registry.
func (r *Registry) Bind(username, ip string, conn sessionConn) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess := &Session{
		ID:       r.nextID,
		Username: username,
		IP:       ip,
		conn:     conn,
	}
	r.nextID++

	if r.sessions[username] == nil {
		r.sessions[username] = make(map[*Session]struct{})
	}
	r.sessions[username][sess] = struct{}{}

	if r.metrics != nil {
		r.metrics.RecordConnectionOpened()
		r.metrics.RecordPresence(r.countLocked())
	}
	return sess
}

// Leave removes a session, pruning the username's bucket when its last
// session goes away. Leaving twice is a no-op.
func (r *Registry) Leave(sess *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	bucket, ok := r.sessions[sess.Username]
	if !ok {
		return
	}
	if _, ok := bucket[sess]; !ok {
		return
	}
	delete(bucket, sess)
	if len(bucket) == 0 {
		delete(r.sessions, sess.Username)
	}

	if r.metrics != nil {
		r.metrics.RecordConnectionClosed()
		r.metrics.RecordPresence(r.countLocked())
	}
}

// Rekey moves sess from its current username bucket to newName.
func (r *Registry) Rekey(sess *Session, newName string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if bucket, ok := r.sessions[sess.Username]; ok {
		delete(bucket, sess)
		if len(bucket) == 0 {
			delete(r.sessions, sess.Username)
		}
	}

	sess.Username = newName
	if r.sessions[newName] == nil {
		r.sessions[newName] = make(map[*Session]struct{})
	}
	r.sessions[newName][sess] = struct{}{}

	if r.metrics != nil {
		r.metrics.RecordPresence(r.countLocked())
	}
}

// SendTo delivers an event to every live session of username. Delivery is
// fire-and-forget: write failures are logged and the dead session is
// pruned after the broadcast.
func (r *Registry) SendTo(username string, ev protocol.ServerEvent) {
	r.SendToMany([]string{username}, ev)
}

// SendToMany delivers an event to every live session of each named user.
// Duplicate usernames deliver once.
func (r *Registry) SendToMany(usernames []string, ev protocol.ServerEvent) {
	dead := make([]*Session, 0)
	delivered := 0

	r.mu.RLock()
	for _, username := range lo.Uniq(usernames) {
		for sess := range r.sessions[username] {
			if err := sess.conn.WriteJSON(ev); err != nil {
				debugLog.Printf("Session %d: send %s failed: %v", sess.ID, ev.EventName(), err)
				dead = append(dead, sess)
				continue
			}
			delivered++
			if r.metrics != nil {
				r.metrics.RecordEventSent(ev.EventName())
			}
		}
	}
	r.mu.RUnlock()

	if r.metrics != nil && delivered > 0 {
		r.metrics.RecordBroadcastFanout(delivered)
	}

	for _, sess := range dead {
		r.Leave(sess)
		sess.conn.Close()
	}
}

// SessionsFor returns the live sessions bound to username.
func (r *Registry) SessionsFor(username string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sessions := make([]*Session, 0, len(r.sessions[username]))
	for sess := range r.sessions[username] {
		sessions = append(sessions, sess)
	}
	return sessions
}

// All returns every live session, ordered by username then session id.
func (r *Registry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sessions := make([]*Session, 0)
	for _, bucket := range r.sessions {
		for sess := range bucket {
			sessions = append(sessions, sess)
		}
	}
	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].Username != sessions[j].Username {
			return sessions[i].Username < sessions[j].Username
		}
		return sessions[i].ID < sessions[j].ID
	})
	return sessions
}

// Drop removes a session and closes its connection.
func (r *Registry) Drop(sess *Session) {
	r.Leave(sess)
	sess.conn.Close()
}

// Counts returns the number of live connections and distinct online users.
func (r *Registry) Counts() (connections, users int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.countLocked()
}

func (r *Registry) countLocked() (connections, users int) {
	for _, bucket := range r.sessions {
		connections += len(bucket)
	}
	return connections, len(r.sessions)
}

// CloseAll closes every live connection and empties the registry.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, bucket := range r.sessions {
		for sess := range bucket {
			sess.conn.Close()
		}
	}
	r.sessions = make(map[string]map[*Session]struct{})

	if r.metrics != nil {
		r.metrics.RecordPresence(0, 0)
	}
}
