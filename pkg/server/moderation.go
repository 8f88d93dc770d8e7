package server

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/lightight/lightproxy/pkg/protocol"
	"github.com/olekukonko/tablewriter"
	"golang.org/x/crypto/bcrypt"
)

// checkAdmin compares the supplied credential against the configured
// bcrypt hash. Mismatch (or no configured hash) yields an access-denied
// notice and refuses the operation.
func (s *Server) checkAdmin(sess *Session, password string) bool {
	hash := s.config.AdminPasswordHash
	if hash == "" || bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		s.sendToSession(sess, protocol.NewSystemEvent("Access denied"))
		return false
	}
	return true
}

// handleAdminWarn delivers a warning to the target's live sessions. Not
// persisted: a warning to an offline user simply evaporates.
func (s *Server) handleAdminWarn(sess *Session, ev *protocol.AdminWarn) {
	if !s.checkAdmin(sess, ev.Password) {
		return
	}

	s.registry.SendTo(ev.Target, protocol.NewAdminWarningEvent(ev.Message))
	s.sendToSession(sess, protocol.NewSystemEvent(fmt.Sprintf("Warning sent to %s", ev.Target)))
}

// handleAdminBan bans the IP behind one of the target's live connections,
// then disconnects all of them. An offline identity has no connection to
// take an IP from, so it cannot be banned through this path.
func (s *Server) handleAdminBan(sess *Session, ev *protocol.AdminBan) {
	if !s.checkAdmin(sess, ev.Password) {
		return
	}

	targets := s.registry.SessionsFor(ev.Target)
	if len(targets) == 0 {
		s.sendToSession(sess, protocol.NewSystemEvent(fmt.Sprintf("%s is offline or not found", ev.Target)))
		return
	}

	ip := targets[0].IP
	var expires *int64
	if ev.DurationMinutes != nil {
		e := time.Now().Add(time.Duration(*ev.DurationMinutes) * time.Minute).UnixMilli()
		expires = &e
	}

	s.store.BanIP(ip, ev.Reason, expires)
	s.saveStore()

	s.registry.SendTo(ev.Target, protocol.NewForceDisconnectEvent(ev.Reason))
	for _, t := range targets {
		s.registry.Drop(t)
	}

	log := fmt.Sprintf("Banned %s (%s)", ev.Target, ip)
	if expires != nil {
		log = fmt.Sprintf("%s until %s", log, time.UnixMilli(*expires).UTC().Format(time.RFC3339))
	}
	s.sendToSession(sess, protocol.NewSystemEvent(log))
}

// handleAdminUnban removes a ban entry and reports the outcome.
func (s *Server) handleAdminUnban(sess *Session, ev *protocol.AdminUnban) {
	if !s.checkAdmin(sess, ev.Password) {
		return
	}

	if !s.store.Unban(ev.IP) {
		s.sendToSession(sess, protocol.NewSystemEvent(fmt.Sprintf("No ban found for %s", ev.IP)))
		return
	}
	s.saveStore()
	s.sendToSession(sess, protocol.NewSystemEvent(fmt.Sprintf("Unbanned %s", ev.IP)))
}

// handleAdminListBans returns a formatted snapshot of the ban table.
// Expired entries are evicted before listing, per the ban invariant.
func (s *Server) handleAdminListBans(sess *Session, ev *protocol.AdminListBans) {
	if !s.checkAdmin(sess, ev.Password) {
		return
	}

	if pruned := s.store.PruneExpiredBans(time.Now().UnixMilli()); pruned > 0 {
		s.saveStore()
	}

	bans := s.store.Bans()
	if len(bans) == 0 {
		s.sendToSession(sess, protocol.NewSystemEvent("No active bans"))
		return
	}

	ips := make([]string, 0, len(bans))
	for ip := range bans {
		ips = append(ips, ip)
	}
	sort.Strings(ips)

	var buf strings.Builder
	table := newListingTable(&buf, []string{"IP", "Reason", "Expires"})
	for _, ip := range ips {
		ban := bans[ip]
		expires := "permanent"
		if ban.Expires != nil {
			expires = time.UnixMilli(*ban.Expires).UTC().Format(time.RFC3339)
		}
		table.Append([]string{ip, ban.Reason, expires})
	}
	table.Render()

	s.sendToSession(sess, protocol.NewSystemEvent(fmt.Sprintf("Active bans (%d):\n%s", len(bans), buf.String())))
}

// handleAdminListUsers enumerates every live connection with its bound
// username and source IP.
func (s *Server) handleAdminListUsers(sess *Session, ev *protocol.AdminListUsers) {
	if !s.checkAdmin(sess, ev.Password) {
		return
	}

	sessions := s.registry.All()
	if len(sessions) == 0 {
		s.sendToSession(sess, protocol.NewSystemEvent("No users online"))
		return
	}

	var buf strings.Builder
	table := newListingTable(&buf, []string{"Username", "IP"})
	for _, online := range sessions {
		table.Append([]string{online.Username, online.IP})
	}
	table.Render()

	s.sendToSession(sess, protocol.NewSystemEvent(fmt.Sprintf("Online users (%d):\n%s", len(sessions), buf.String())))
}

// newListingTable configures a plain text table for admin listings.
func newListingTable(buf *strings.Builder, headers []string) *tablewriter.Table {
	table := tablewriter.NewWriter(buf)
	table.SetHeader(headers)
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("\t")
	return table
}
