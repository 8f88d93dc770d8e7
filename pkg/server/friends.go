package server

import (
	"fmt"

	"github.com/lightight/lightproxy/pkg/protocol"
)

// handleRequestFriend forwards a friend request to the target's live
// sessions. Nothing is persisted at this step; the relationship only
// exists once the target accepts.
func (s *Server) handleRequestFriend(sess *Session, ev *protocol.RequestFriend) {
	target := ev.TargetUsername
	if target == sess.Username {
		s.sendToSession(sess, protocol.NewSystemEvent("You can't add yourself"))
		return
	}
	if s.store.AreFriends(sess.Username, target) {
		s.sendToSession(sess, protocol.NewSystemEvent(fmt.Sprintf("%s is already your friend", target)))
		return
	}
	if !s.store.UserExists(target) {
		s.sendToSession(sess, protocol.NewSystemEvent(fmt.Sprintf("No such user %s", target)))
		return
	}

	s.registry.SendTo(target, protocol.NewFriendRequestEvent(sess.Username))
	s.sendToSession(sess, protocol.NewSystemEvent(fmt.Sprintf("Friend request sent to %s", target)))
}

// handleRespondFriend completes the request protocol. Acceptance links
// both friend lists and pushes fresh snapshots to both sides; a decline
// changes nothing and tells the requester nothing.
func (s *Server) handleRespondFriend(sess *Session, ev *protocol.RespondFriend) {
	if !ev.Accepted {
		// Silent decline.
		return
	}
	if !s.store.UserExists(ev.From) {
		return
	}

	s.store.AddFriendship(sess.Username, ev.From)
	s.saveStore()

	s.registry.SendTo(sess.Username, s.initEvent(sess.Username))
	s.registry.SendTo(ev.From, s.initEvent(ev.From))
	s.registry.SendTo(ev.From, protocol.NewSystemEvent(fmt.Sprintf("%s accepted your friend request", sess.Username)))
}
