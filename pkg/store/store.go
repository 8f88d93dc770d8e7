package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/samber/lo"
)

var (
	// ErrUnknownUser is returned when an operation references a user that
	// has never been registered.
	ErrUnknownUser = errors.New("unknown user")
	// ErrNameTaken is returned when a rename targets a name that already
	// belongs to another user.
	ErrNameTaken = errors.New("username already taken")
)

// Entry is a single message in a direct-message thread or group history.
type Entry struct {
	From string `json:"from"`
	Text string `json:"text"`
	Ts   int64  `json:"ts"`
}

// Group is a fixed-membership group chat. Members are established at
// creation and never change afterwards.
type Group struct {
	ID      string   `json:"id"`
	Label   string   `json:"label"`
	Members []string `json:"members"`
	History []Entry  `json:"history"`
}

// Ban is an IP-level ban. A nil Expires means the ban is permanent.
type Ban struct {
	Reason  string `json:"reason"`
	Expires *int64 `json:"expires"`
}

// State is the full persisted document. It is written to disk in its
// entirety after every mutating operation.
type State struct {
	Users              []string           `json:"users"`
	Friendships        map[string][]string `json:"friendships"`
	DMHistory          map[string][]Entry  `json:"dmHistory"`
	Groups             map[string]*Group   `json:"groups"`
	LastUsernameChange map[string]int64    `json:"lastUsernameChange"`
	BannedIPs          map[string]*Ban     `json:"bannedIPs"`
	NextGroupID        uint64              `json:"nextGroupId"`
}

// Store owns all durable state: users, friendships, DM histories, groups,
// rename cooldowns and banned IPs. It carries no lock of its own; the
// server's dispatch path is its single owner and serializes every access.
type Store struct {
	path  string
	state *State

	// userSet indexes state.Users for O(1) existence checks.
	userSet map[string]bool
}

// Open loads the state document at path, or starts with a fresh document if
// the file does not exist yet.
func Open(path string) (*Store, error) {
	s := &Store{
		path: path,
		state: &State{
			Users:              []string{},
			Friendships:        make(map[string][]string),
			DMHistory:          make(map[string][]Entry),
			Groups:             make(map[string]*Group),
			LastUsernameChange: make(map[string]int64),
			BannedIPs:          make(map[string]*Ban),
			NextGroupID:        1,
		},
		userSet: make(map[string]bool),
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}

	if err := json.Unmarshal(data, s.state); err != nil {
		return nil, fmt.Errorf("failed to parse state file: %w", err)
	}
	s.normalize()

	log.Printf("Store: loaded %d users, %d threads, %d groups, %d bans from %s",
		len(s.state.Users), len(s.state.DMHistory), len(s.state.Groups), len(s.state.BannedIPs), path)
	return s, nil
}

// normalize rebuilds indexes and replaces nil maps from older documents.
func (s *Store) normalize() {
	st := s.state
	if st.Users == nil {
		st.Users = []string{}
	}
	if st.Friendships == nil {
		st.Friendships = make(map[string][]string)
	}
	if st.DMHistory == nil {
		st.DMHistory = make(map[string][]Entry)
	}
	if st.Groups == nil {
		st.Groups = make(map[string]*Group)
	}
	if st.LastUsernameChange == nil {
		st.LastUsernameChange = make(map[string]int64)
	}
	if st.BannedIPs == nil {
		st.BannedIPs = make(map[string]*Ban)
	}
	if st.NextGroupID == 0 {
		st.NextGroupID = 1
	}

	s.userSet = make(map[string]bool, len(st.Users))
	for _, u := range st.Users {
		s.userSet[u] = true
	}
}

// Save writes the entire state document to disk, replacing the previous
// version in full. The write goes to a temp file first and is renamed into
// place so a crash mid-write cannot corrupt the previous snapshot.
func (s *Store) Save() error {
	data, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	return nil
}

// === Users ===

// UserExists reports whether username is a registered user.
func (s *Store) UserExists(username string) bool {
	return s.userSet[username]
}

// EnsureUser registers username if it is not known yet and reports whether
// it was newly added. Users are never deleted.
func (s *Store) EnsureUser(username string) bool {
	if s.userSet[username] {
		return false
	}
	s.state.Users = append(s.state.Users, username)
	s.userSet[username] = true
	return true
}

// Users returns a copy of the registered user list.
func (s *Store) Users() []string {
	return append([]string(nil), s.state.Users...)
}

// === Friendships ===

// Friends returns a copy of username's friend list.
func (s *Store) Friends(username string) []string {
	return append([]string(nil), s.state.Friendships[username]...)
}

// AreFriends reports whether a and b appear in each other's friend lists.
func (s *Store) AreFriends(a, b string) bool {
	return lo.Contains(s.state.Friendships[a], b)
}

// AddFriendship adds a and b to each other's friend lists. Adding an
// existing friendship is a no-op, so accepting the same request twice
// leaves exactly one entry on each side.
func (s *Store) AddFriendship(a, b string) {
	if !lo.Contains(s.state.Friendships[a], b) {
		s.state.Friendships[a] = append(s.state.Friendships[a], b)
	}
	if !lo.Contains(s.state.Friendships[b], a) {
		s.state.Friendships[b] = append(s.state.Friendships[b], a)
	}
}

// === Direct messages ===

// AppendDM appends an entry to the thread identified by key.
func (s *Store) AppendDM(key ThreadKey, e Entry) {
	k := key.String()
	s.state.DMHistory[k] = append(s.state.DMHistory[k], e)
}

// DMHistory returns a copy of the full ordered history for key, or an empty
// slice if no thread exists yet.
func (s *Store) DMHistory(key ThreadKey) []Entry {
	return append([]Entry(nil), s.state.DMHistory[key.String()]...)
}

// === Groups ===

// CreateGroup creates a group with the given label and member set, drawing
// the id from the monotonic counter. The caller is responsible for member
// validation and for including the creator.
func (s *Store) CreateGroup(label string, members []string) *Group {
	id := strconv.FormatUint(s.state.NextGroupID, 10)
	s.state.NextGroupID++

	g := &Group{
		ID:      id,
		Label:   label,
		Members: append([]string(nil), members...),
		History: []Entry{},
	}
	s.state.Groups[id] = g
	return g
}

// Group returns a copy of the group with the given id.
func (s *Store) Group(id string) (Group, bool) {
	g, ok := s.state.Groups[id]
	if !ok {
		return Group{}, false
	}
	return s.copyGroup(g), true
}

// AppendGroupMessage appends an entry to the group's history and reports
// whether the group exists.
func (s *Store) AppendGroupMessage(id string, e Entry) bool {
	g, ok := s.state.Groups[id]
	if !ok {
		return false
	}
	g.History = append(g.History, e)
	return true
}

// GroupsFor returns copies of every group username is a member of, ordered
// by id.
func (s *Store) GroupsFor(username string) []Group {
	groups := make([]Group, 0)
	for _, g := range s.state.Groups {
		if lo.Contains(g.Members, username) {
			groups = append(groups, s.copyGroup(g))
		}
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].ID < groups[j].ID })
	return groups
}

func (s *Store) copyGroup(g *Group) Group {
	return Group{
		ID:      g.ID,
		Label:   g.Label,
		Members: append([]string(nil), g.Members...),
		History: append([]Entry(nil), g.History...),
	}
}

// === Rename cooldowns ===

// LastRename returns the timestamp of username's last successful rename.
func (s *Store) LastRename(username string) (int64, bool) {
	ts, ok := s.state.LastUsernameChange[username]
	return ts, ok
}

// === Bans ===

// BanIP records a ban for ip. A nil expires makes the ban permanent.
func (s *Store) BanIP(ip, reason string, expires *int64) {
	s.state.BannedIPs[ip] = &Ban{Reason: reason, Expires: expires}
}

// Unban removes the ban for ip and reports whether one existed.
func (s *Store) Unban(ip string) bool {
	if _, ok := s.state.BannedIPs[ip]; !ok {
		return false
	}
	delete(s.state.BannedIPs, ip)
	return true
}

// ActiveBan looks up the ban for ip. A ban whose expiry is in the past is
// evicted and treated as absent; evicted reports whether that happened so
// the caller can persist the eviction.
func (s *Store) ActiveBan(ip string, now int64) (ban *Ban, evicted bool) {
	b, ok := s.state.BannedIPs[ip]
	if !ok {
		return nil, false
	}
	if b.Expires != nil && *b.Expires <= now {
		delete(s.state.BannedIPs, ip)
		return nil, true
	}
	return b, false
}

// PruneExpiredBans evicts every ban whose expiry is in the past and returns
// the number of entries removed.
func (s *Store) PruneExpiredBans(now int64) int {
	pruned := 0
	for ip, b := range s.state.BannedIPs {
		if b.Expires != nil && *b.Expires <= now {
			delete(s.state.BannedIPs, ip)
			pruned++
		}
	}
	return pruned
}

// Bans returns a snapshot of the entire ban table.
func (s *Store) Bans() map[string]Ban {
	bans := make(map[string]Ban, len(s.state.BannedIPs))
	for ip, b := range s.state.BannedIPs {
		bans[ip] = *b
	}
	return bans
}

// Counts returns the number of users, threads, groups and bans, for health
// reporting.
func (s *Store) Counts() (users, threads, groups, bans int) {
	return len(s.state.Users), len(s.state.DMHistory), len(s.state.Groups), len(s.state.BannedIPs)
}

// === Rename migration ===

// RenameUser rewrites every structure referencing oldName to newName: the
// user set, every friend list, every group member list and every DM thread
// key containing the old name. The cooldown entry moves to the new name and
// is set to now, the time of this successful rename. All mutations happen
// in memory; the caller persists once afterwards.
//
// A thread key whose both sides equal oldName (a self-referential thread)
// is migrated like any other key; no special handling is applied.
func (s *Store) RenameUser(oldName, newName string, now int64) error {
	if !s.userSet[oldName] {
		return fmt.Errorf("%w: %s", ErrUnknownUser, oldName)
	}
	if s.userSet[newName] {
		return fmt.Errorf("%w: %s", ErrNameTaken, newName)
	}

	rename := func(u string, _ int) string {
		if u == oldName {
			return newName
		}
		return u
	}

	// User set.
	s.state.Users = lo.Map(s.state.Users, rename)
	delete(s.userSet, oldName)
	s.userSet[newName] = true

	// The renaming user's own friend list moves to the new key; every other
	// list has its reference rewritten.
	if friends, ok := s.state.Friendships[oldName]; ok {
		delete(s.state.Friendships, oldName)
		s.state.Friendships[newName] = friends
	}
	for u, friends := range s.state.Friendships {
		s.state.Friendships[u] = lo.Map(friends, rename)
	}

	// Group member lists.
	for _, g := range s.state.Groups {
		g.Members = lo.Map(g.Members, rename)
	}

	// DM thread keys containing the old name are recomputed as the new
	// sorted-pair key.
	for k, history := range s.state.DMHistory {
		key, ok := ParseThreadKey(k)
		if !ok || !key.Contains(oldName) {
			continue
		}
		delete(s.state.DMHistory, k)
		s.state.DMHistory[key.WithRenamed(oldName, newName).String()] = history
	}

	// Cooldown entry moves to the new key, stamped with this rename.
	delete(s.state.LastUsernameChange, oldName)
	s.state.LastUsernameChange[newName] = now

	return nil
}
