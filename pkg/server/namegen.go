package server

import (
	"fmt"
	"math/rand"
)

// Word lists for generated identities: adjective-color-animal, in the
// style of throwaway handles like "swift-blue-cat".
var (
	nameAdjectives = []string{
		"swift", "quiet", "brave", "clever", "gentle", "happy", "lucky",
		"merry", "noble", "proud", "rapid", "sleepy", "sunny", "wild",
		"witty", "bold", "calm", "eager", "fancy", "jolly", "keen",
		"lively", "mighty", "nimble",
	}
	nameColors = []string{
		"red", "blue", "green", "amber", "coral", "indigo", "golden",
		"ivory", "jade", "olive", "pearl", "silver", "teal", "violet",
	}
	nameAnimals = []string{
		"cat", "fox", "owl", "wolf", "bear", "hawk", "lynx", "mole",
		"newt", "otter", "panda", "raven", "seal", "stork", "tiger",
		"viper", "wren", "yak", "heron", "badger",
	}
)

// generateName composes a human-readable name from the word-list
// categories.
func generateName(rng *rand.Rand) string {
	return fmt.Sprintf("%s-%s-%s",
		nameAdjectives[rng.Intn(len(nameAdjectives))],
		nameColors[rng.Intn(len(nameColors))],
		nameAnimals[rng.Intn(len(nameAnimals))])
}

// uniqueUsername generates a name not yet registered, appending a short
// random suffix on collision until unique.
func (s *Server) uniqueUsername() string {
	base := generateName(s.rng)
	name := base
	for s.store.UserExists(name) {
		name = fmt.Sprintf("%s-%d", base, s.rng.Intn(10000))
	}
	return name
}
