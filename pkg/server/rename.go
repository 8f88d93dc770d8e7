package server

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/lightight/lightproxy/pkg/protocol"
	"github.com/lightight/lightproxy/pkg/store"
	"github.com/samber/lo"
)

const (
	renameCooldown = 24 * time.Hour
	minNameLength  = 3
	maxNameLength  = 20
)

// handleChangeUsername performs the rename migration: validate, rewrite
// every store structure referencing the old name, persist once, re-key the
// registry binding, then notify the renamed identity, its friends and its
// shared-group co-members.
func (s *Server) handleChangeUsername(sess *Session, ev *protocol.ChangeUsername) {
	newName := strings.TrimSpace(ev.NewName)

	if len(newName) < minNameLength || len(newName) > maxNameLength {
		s.sendToSession(sess, protocol.NewSystemEvent(
			fmt.Sprintf("Username must be %d-%d characters", minNameLength, maxNameLength)))
		return
	}
	if strings.Contains(newName, store.ThreadKeyDelimiter) {
		s.sendToSession(sess, protocol.NewSystemEvent(
			fmt.Sprintf("Username can't contain %q", store.ThreadKeyDelimiter)))
		return
	}
	if s.store.UserExists(newName) {
		s.sendToSession(sess, protocol.NewSystemEvent("That username is already taken"))
		return
	}

	now := time.Now()
	if last, ok := s.store.LastRename(sess.Username); ok {
		elapsed := now.Sub(time.UnixMilli(last))
		if elapsed < renameCooldown {
			hours := int64(math.Ceil((renameCooldown - elapsed).Hours()))
			s.sendToSession(sess, protocol.NewSystemEvent(
				fmt.Sprintf("You can change your username again in %d hour(s)", hours)))
			return
		}
	}

	oldName := sess.Username
	if err := s.store.RenameUser(oldName, newName, now.UnixMilli()); err != nil {
		errorLog.Printf("Rename %s -> %s failed: %v", oldName, newName, err)
		s.sendToSession(sess, protocol.NewSystemEvent("Rename failed"))
		return
	}
	// Persist once, after all mutations. If this write fails, memory has
	// already moved on; the next save makes it durable.
	s.saveStore()

	s.registry.Rekey(sess, newName)

	s.registry.SendTo(newName, protocol.NewUsernameChangedEvent(newName))
	s.registry.SendTo(newName, s.initEvent(newName))

	notice := protocol.NewSystemEvent(fmt.Sprintf("%s is now known as %s", oldName, newName))
	friends := s.store.Friends(newName)
	for _, f := range friends {
		s.registry.SendTo(f, s.initEvent(f))
		s.registry.SendTo(f, notice)
	}

	// Shared-group co-members that aren't already friends get the notice
	// only, not a snapshot.
	notified := map[string]bool{newName: true}
	for _, f := range friends {
		notified[f] = true
	}
	for _, g := range s.store.GroupsFor(newName) {
		for _, m := range lo.Without(g.Members, newName) {
			if notified[m] {
				continue
			}
			notified[m] = true
			s.registry.SendTo(m, notice)
		}
	}

	debugLog.Printf("Session %d: renamed %s -> %s", sess.ID, oldName, newName)
}
