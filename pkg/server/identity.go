package server

import (
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/lightight/lightproxy/pkg/protocol"
)

// resolveIdentity runs the connect sequence for a fresh connection: ban
// check, username resolution, registry join, init snapshot. It returns
// false when the connection was rejected and closed.
func (s *Server) resolveIdentity(conn sessionConn, requested, ip string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Ban gate first; a banned IP gets the reason and nothing else.
	if ban, evicted := s.store.ActiveBan(ip, time.Now().UnixMilli()); ban != nil {
		if s.metrics != nil {
			s.metrics.RecordBannedRejection()
		}
		debugLog.Printf("Rejected banned IP %s (%s)", ip, ban.Reason)
		conn.WriteJSON(protocol.NewForceDisconnectEvent(ban.Reason))
		conn.Close()
		return nil, false
	} else if evicted {
		s.saveStore()
	}

	username := requested
	if username == "" || !s.store.UserExists(username) {
		username = s.uniqueUsername()
	}
	if s.store.EnsureUser(username) {
		s.saveStore()
	}

	sess := s.registry.Bind(username, ip, conn)
	s.sendToSession(sess, s.initEvent(username))
	return sess, true
}

// clientIP resolves the connection's source IP through the proxy header
// chain, falling back to the raw transport address.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		// First hop is the original client.
		if first, _, ok := strings.Cut(fwd, ","); ok {
			return strings.TrimSpace(first)
		}
		return strings.TrimSpace(fwd)
	}
	if real := r.Header.Get("X-Real-IP"); real != "" {
		return real
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
