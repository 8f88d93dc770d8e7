package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, err)
	return s
}

func TestEnsureUser(t *testing.T) {
	s := openTestStore(t)

	assert.False(t, s.UserExists("alice"))
	assert.True(t, s.EnsureUser("alice"), "first registration should report newly added")
	assert.False(t, s.EnsureUser("alice"), "re-registration should be a no-op")
	assert.True(t, s.UserExists("alice"))
	assert.Equal(t, []string{"alice"}, s.Users())
}

func TestAddFriendshipIdempotent(t *testing.T) {
	s := openTestStore(t)
	s.EnsureUser("alice")
	s.EnsureUser("bob")

	s.AddFriendship("alice", "bob")
	s.AddFriendship("alice", "bob")
	s.AddFriendship("bob", "alice")

	assert.Equal(t, []string{"bob"}, s.Friends("alice"))
	assert.Equal(t, []string{"alice"}, s.Friends("bob"))
	assert.True(t, s.AreFriends("alice", "bob"))
	assert.True(t, s.AreFriends("bob", "alice"))
	assert.False(t, s.AreFriends("alice", "carol"))
}

func TestAppendDMAndHistory(t *testing.T) {
	s := openTestStore(t)
	key := NewThreadKey("alice", "bob")

	assert.Empty(t, s.DMHistory(key))

	s.AppendDM(key, Entry{From: "alice", Text: "hi", Ts: 1})
	s.AppendDM(key, Entry{From: "bob", Text: "hey", Ts: 2})

	history := s.DMHistory(key)
	require.Len(t, history, 2)
	assert.Equal(t, "hi", history[0].Text)
	assert.Equal(t, "hey", history[1].Text)

	// Both orderings resolve to the same thread.
	assert.Equal(t, history, s.DMHistory(NewThreadKey("bob", "alice")))
}

func TestCreateGroupCounter(t *testing.T) {
	s := openTestStore(t)

	g1 := s.CreateGroup("first", []string{"alice", "bob"})
	g2 := s.CreateGroup("second", []string{"alice"})

	assert.Equal(t, "1", g1.ID)
	assert.Equal(t, "2", g2.ID)

	got, ok := s.Group("1")
	require.True(t, ok)
	assert.Equal(t, "first", got.Label)
	assert.Equal(t, []string{"alice", "bob"}, got.Members)
	assert.Empty(t, got.History)

	_, ok = s.Group("99")
	assert.False(t, ok)
}

func TestAppendGroupMessage(t *testing.T) {
	s := openTestStore(t)
	g := s.CreateGroup("team", []string{"alice", "bob"})

	assert.True(t, s.AppendGroupMessage(g.ID, Entry{From: "alice", Text: "hello", Ts: 1}))
	assert.False(t, s.AppendGroupMessage("nope", Entry{From: "alice", Text: "lost", Ts: 2}))

	got, ok := s.Group(g.ID)
	require.True(t, ok)
	require.Len(t, got.History, 1)
	assert.Equal(t, "hello", got.History[0].Text)
}

func TestGroupsForOrderedByID(t *testing.T) {
	s := openTestStore(t)
	s.CreateGroup("a", []string{"alice", "bob"})
	s.CreateGroup("b", []string{"bob"})
	s.CreateGroup("c", []string{"alice"})

	groups := s.GroupsFor("alice")
	require.Len(t, groups, 2)
	assert.Equal(t, "1", groups[0].ID)
	assert.Equal(t, "3", groups[1].ID)

	assert.Empty(t, s.GroupsFor("carol"))
}

func TestGroupReturnsCopy(t *testing.T) {
	s := openTestStore(t)
	g := s.CreateGroup("team", []string{"alice"})

	got, ok := s.Group(g.ID)
	require.True(t, ok)
	got.Members[0] = "mallory"
	got.Label = "hacked"

	again, ok := s.Group(g.ID)
	require.True(t, ok)
	assert.Equal(t, []string{"alice"}, again.Members)
	assert.Equal(t, "team", again.Label)
}

func TestBanLifecycle(t *testing.T) {
	s := openTestStore(t)
	now := time.Now().UnixMilli()

	// Permanent ban stays active.
	s.BanIP("1.2.3.4", "spamming", nil)
	ban, evicted := s.ActiveBan("1.2.3.4", now)
	require.NotNil(t, ban)
	assert.False(t, evicted)
	assert.Equal(t, "spamming", ban.Reason)

	// Unexpired temporary ban stays active.
	future := now + int64(time.Hour/time.Millisecond)
	s.BanIP("5.6.7.8", "cooling off", &future)
	ban, evicted = s.ActiveBan("5.6.7.8", now)
	require.NotNil(t, ban)
	assert.False(t, evicted)

	// Expired ban is evicted on lookup.
	past := now - 1
	s.BanIP("9.9.9.9", "old", &past)
	ban, evicted = s.ActiveBan("9.9.9.9", now)
	assert.Nil(t, ban)
	assert.True(t, evicted)
	_, ok := s.Bans()["9.9.9.9"]
	assert.False(t, ok, "expired ban should be gone from the table")

	// Unknown IP.
	ban, evicted = s.ActiveBan("8.8.8.8", now)
	assert.Nil(t, ban)
	assert.False(t, evicted)
}

func TestUnban(t *testing.T) {
	s := openTestStore(t)
	s.BanIP("1.2.3.4", "spamming", nil)

	assert.True(t, s.Unban("1.2.3.4"))
	assert.False(t, s.Unban("1.2.3.4"), "second unban finds nothing")

	ban, _ := s.ActiveBan("1.2.3.4", time.Now().UnixMilli())
	assert.Nil(t, ban)
}

func TestPruneExpiredBans(t *testing.T) {
	s := openTestStore(t)
	now := time.Now().UnixMilli()
	past := now - 1
	future := now + 60000

	s.BanIP("1.1.1.1", "expired", &past)
	s.BanIP("2.2.2.2", "active", &future)
	s.BanIP("3.3.3.3", "permanent", nil)

	assert.Equal(t, 1, s.PruneExpiredBans(now))
	bans := s.Bans()
	assert.Len(t, bans, 2)
	assert.Contains(t, bans, "2.2.2.2")
	assert.Contains(t, bans, "3.3.3.3")
}

func TestSnapshotRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	s, err := Open(path)
	require.NoError(t, err)

	s.EnsureUser("alice")
	s.EnsureUser("bob")
	s.AddFriendship("alice", "bob")
	s.AppendDM(NewThreadKey("alice", "bob"), Entry{From: "alice", Text: "hi", Ts: 42})
	g := s.CreateGroup("team", []string{"alice", "bob"})
	s.AppendGroupMessage(g.ID, Entry{From: "bob", Text: "yo", Ts: 43})
	s.BanIP("1.2.3.4", "spamming", nil)
	require.NoError(t, s.RenameUser("bob", "bobby", 1000))

	require.NoError(t, s.Save())

	reloaded, err := Open(path)
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"alice", "bobby"}, reloaded.Users())
	assert.True(t, reloaded.AreFriends("alice", "bobby"))

	history := reloaded.DMHistory(NewThreadKey("alice", "bobby"))
	require.Len(t, history, 1)
	assert.Equal(t, "hi", history[0].Text)

	group, ok := reloaded.Group(g.ID)
	require.True(t, ok)
	assert.ElementsMatch(t, []string{"alice", "bobby"}, group.Members)
	require.Len(t, group.History, 1)

	ban, _ := reloaded.ActiveBan("1.2.3.4", time.Now().UnixMilli())
	require.NotNil(t, ban)
	assert.Equal(t, "spamming", ban.Reason)

	ts, ok := reloaded.LastRename("bobby")
	require.True(t, ok)
	assert.Equal(t, int64(1000), ts)

	// Counter survives the reload: the next group picks up where it left off.
	next := reloaded.CreateGroup("later", []string{"alice"})
	assert.Equal(t, "2", next.ID)
}

func TestSaveIsAtomic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	s, err := Open(path)
	require.NoError(t, err)

	s.EnsureUser("alice")
	require.NoError(t, s.Save())

	// No temp file left behind.
	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestOpenMissingFile(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "nonexistent", "state.json"))
	require.NoError(t, err)

	users, threads, groups, bans := s.Counts()
	assert.Zero(t, users)
	assert.Zero(t, threads)
	assert.Zero(t, groups)
	assert.Zero(t, bans)
}

func TestOpenCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte("not json"), 0644))

	_, err := Open(path)
	assert.Error(t, err)
}

func TestOpenNormalizesPartialDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"users":["alice"]}`), 0644))

	s, err := Open(path)
	require.NoError(t, err)

	assert.True(t, s.UserExists("alice"))
	s.AddFriendship("alice", "alice2")
	g := s.CreateGroup("team", []string{"alice"})
	assert.Equal(t, "1", g.ID, "missing counter starts at 1")
}

func TestRenameUserErrors(t *testing.T) {
	s := openTestStore(t)
	s.EnsureUser("alice")
	s.EnsureUser("bob")

	err := s.RenameUser("carol", "dave", 0)
	assert.ErrorIs(t, err, ErrUnknownUser)

	err = s.RenameUser("alice", "bob", 0)
	assert.ErrorIs(t, err, ErrNameTaken)

	// Failed renames change nothing.
	assert.ElementsMatch(t, []string{"alice", "bob"}, s.Users())
}

func TestRenameUserMigratesEverything(t *testing.T) {
	s := openTestStore(t)
	s.EnsureUser("alice")
	s.EnsureUser("bob")
	s.EnsureUser("carol")
	s.AddFriendship("bob", "alice")
	s.AddFriendship("bob", "carol")
	s.AppendDM(NewThreadKey("bob", "alice"), Entry{From: "bob", Text: "hi", Ts: 1})
	s.AppendDM(NewThreadKey("alice", "carol"), Entry{From: "carol", Text: "unrelated", Ts: 2})
	g := s.CreateGroup("team", []string{"alice", "bob", "carol"})

	require.NoError(t, s.RenameUser("bob", "robert", 5000))

	// User set.
	assert.False(t, s.UserExists("bob"))
	assert.True(t, s.UserExists("robert"))

	// Friend lists on both sides.
	assert.ElementsMatch(t, []string{"alice", "carol"}, s.Friends("robert"))
	assert.Equal(t, []string{"robert"}, s.Friends("alice"))
	assert.Empty(t, s.Friends("bob"))

	// DM thread re-keyed; history preserved in order.
	history := s.DMHistory(NewThreadKey("robert", "alice"))
	require.Len(t, history, 1)
	assert.Equal(t, "hi", history[0].Text)
	assert.Empty(t, s.DMHistory(NewThreadKey("bob", "alice")))

	// Unrelated thread untouched.
	assert.Len(t, s.DMHistory(NewThreadKey("alice", "carol")), 1)

	// Group membership rewritten.
	group, ok := s.Group(g.ID)
	require.True(t, ok)
	assert.ElementsMatch(t, []string{"alice", "robert", "carol"}, group.Members)

	// Cooldown stamped on the new name only.
	ts, ok := s.LastRename("robert")
	require.True(t, ok)
	assert.Equal(t, int64(5000), ts)
	_, ok = s.LastRename("bob")
	assert.False(t, ok)
}

func TestRenameUserChain(t *testing.T) {
	s := openTestStore(t)
	s.EnsureUser("alice")
	s.EnsureUser("bob")
	s.AppendDM(NewThreadKey("alice", "bob"), Entry{From: "alice", Text: "hi", Ts: 1})

	require.NoError(t, s.RenameUser("bob", "carl", 1))
	require.NoError(t, s.RenameUser("carl", "dave", 2))

	// The old name is free again after the rename.
	assert.True(t, s.EnsureUser("bob"))

	history := s.DMHistory(NewThreadKey("alice", "dave"))
	require.Len(t, history, 1)
}

func TestRenameUserProperty(t *testing.T) {
	username := rapid.StringMatching(`[a-z][a-z0-9]{2,9}`)

	rapid.Check(t, func(rt *rapid.T) {
		names := rapid.SliceOfNDistinct(username, 3, 8, rapid.ID[string]).Draw(rt, "names")
		oldName := names[0]
		newName := names[0] + "-renamed" // "-" cannot appear in drawn names

		s, err := Open(filepath.Join(t.TempDir(), "state.json"))
		require.NoError(rt, err)
		for _, n := range names {
			s.EnsureUser(n)
		}
		for _, n := range names[1:] {
			s.AddFriendship(oldName, n)
			s.AppendDM(NewThreadKey(oldName, n), Entry{From: n, Text: "m", Ts: 1})
		}
		s.CreateGroup("g", names)

		require.NoError(rt, s.RenameUser(oldName, newName, 100))

		// No structure may reference the old name anywhere.
		assert.NotContains(rt, s.Users(), oldName)
		for _, n := range s.Users() {
			assert.NotContains(rt, s.Friends(n), oldName)
		}
		for _, g := range s.GroupsFor(newName) {
			assert.NotContains(rt, g.Members, oldName)
		}
		for _, n := range names[1:] {
			assert.Empty(rt, s.DMHistory(NewThreadKey(oldName, n)))
			assert.Len(rt, s.DMHistory(NewThreadKey(newName, n)), 1)
		}
	})
}
