package server

import (
	"fmt"
	"strings"
	"time"

	"github.com/lightight/lightproxy/pkg/protocol"
	"github.com/lightight/lightproxy/pkg/store"
	"github.com/samber/lo"
)

// handleSendDM appends to the sorted-pair thread and fans the entry out to
// every live session of both sides, the sender's own other tabs included.
func (s *Server) handleSendDM(sess *Session, ev *protocol.SendDM) {
	text := strings.TrimSpace(ev.Text)
	if text == "" || !s.store.UserExists(ev.Target) {
		return
	}

	key := store.NewThreadKey(sess.Username, ev.Target)
	entry := store.Entry{From: sess.Username, Text: text, Ts: time.Now().UnixMilli()}
	s.store.AppendDM(key, entry)
	s.saveStore()

	dm := protocol.NewDMEvent(key.String(), toProtocolEntry(entry))
	s.registry.SendToMany([]string{sess.Username, ev.Target}, dm)
}

// handleGetDM returns the full ordered history for the computed key, empty
// if no thread exists yet.
func (s *Server) handleGetDM(sess *Session, ev *protocol.GetDM) {
	key := store.NewThreadKey(sess.Username, ev.Target)
	history := s.store.DMHistory(key)
	s.sendToSession(sess, protocol.NewDMHistoryEvent(key.String(), toProtocolEntries(history)))
}

// handleCreateGroup creates a fixed-membership group. The creator is
// always a member; membership never changes afterwards.
func (s *Server) handleCreateGroup(sess *Session, ev *protocol.CreateGroup) {
	label := strings.TrimSpace(ev.Label)
	if label == "" {
		s.sendToSession(sess, protocol.NewSystemEvent("Label required"))
		return
	}

	members := lo.Uniq(ev.Members)
	if !lo.Contains(members, sess.Username) {
		members = append(members, sess.Username)
	}
	for _, m := range members {
		if !s.store.UserExists(m) {
			s.sendToSession(sess, protocol.NewSystemEvent(fmt.Sprintf("No such user %s", m)))
			return
		}
	}

	g := s.store.CreateGroup(label, members)
	s.saveStore()

	s.registry.SendToMany(g.Members, protocol.NewGroupCreatedEvent(toProtocolGroup(*g)))
}

// handleSendGroup appends to the group history and fans out to every
// member. Unknown group, non-member sender or empty text is a no-op.
func (s *Server) handleSendGroup(sess *Session, ev *protocol.SendGroup) {
	text := strings.TrimSpace(ev.Text)
	g, ok := s.store.Group(ev.GroupID)
	if !ok || !lo.Contains(g.Members, sess.Username) || text == "" {
		return
	}

	entry := store.Entry{From: sess.Username, Text: text, Ts: time.Now().UnixMilli()}
	s.store.AppendGroupMessage(g.ID, entry)
	s.saveStore()

	s.registry.SendToMany(g.Members, protocol.NewGroupMsgEvent(g.ID, toProtocolEntry(entry)))
}

// handleGetGroup returns the history only to members. Not-found and
// not-a-member are deliberately indistinguishable: both are silent, so
// group existence never leaks to non-members.
func (s *Server) handleGetGroup(sess *Session, ev *protocol.GetGroup) {
	g, ok := s.store.Group(ev.GroupID)
	if !ok || !lo.Contains(g.Members, sess.Username) {
		return
	}
	s.sendToSession(sess, protocol.NewGroupHistoryEvent(g.ID, toProtocolEntries(g.History)))
}
