package store

import "strings"

// ThreadKeyDelimiter separates the two participants in the serialized form
// of a thread key. Usernames must never contain it; rename validation
// rejects names that do.
const ThreadKeyDelimiter = "|"

// ThreadKey identifies the direct-message history between two users,
// independent of which side initiated it. The zero value is not a valid key.
type ThreadKey struct {
	a, b string
}

// NewThreadKey returns the order-normalized key for a pair of usernames,
// so NewThreadKey(a, b) == NewThreadKey(b, a).
func NewThreadKey(x, y string) ThreadKey {
	if y < x {
		x, y = y, x
	}
	return ThreadKey{a: x, b: y}
}

// ParseThreadKey parses the serialized form produced by String.
func ParseThreadKey(s string) (ThreadKey, bool) {
	a, b, ok := strings.Cut(s, ThreadKeyDelimiter)
	if !ok {
		return ThreadKey{}, false
	}
	return NewThreadKey(a, b), true
}

// String returns the serialized form used as the persisted map key.
func (k ThreadKey) String() string {
	return k.a + ThreadKeyDelimiter + k.b
}

// Contains reports whether username is one of the two participants.
func (k ThreadKey) Contains(username string) bool {
	return k.a == username || k.b == username
}

// Other returns the participant that is not username. For a self-referential
// key both sides are equal and username itself is returned.
func (k ThreadKey) Other(username string) string {
	if k.a == username {
		return k.b
	}
	return k.a
}

// WithRenamed returns the key with every occurrence of oldName replaced by
// newName, re-normalized.
func (k ThreadKey) WithRenamed(oldName, newName string) ThreadKey {
	a, b := k.a, k.b
	if a == oldName {
		a = newName
	}
	if b == oldName {
		b = newName
	}
	return NewThreadKey(a, b)
}
