// Package namegen produces human-friendly machine labels.
package namegen

import (
	"fmt"
	"math/rand/v2"
	"strconv"
	"time"
)

var adjectives = []string{
	"swift", "bright", "calm", "eager", "fancy", "gentle", "happy", "jolly",
	"kind", "lively", "merry", "nice", "proud", "quick", "smart", "warm",
	"brave", "clever", "fresh", "grand", "noble", "quiet", "rapid",
	"sharp", "smooth", "solid", "steady", "sunny", "super", "sweet", "tough",
}

var colors = []string{
	"blue", "green", "red", "yellow", "purple", "orange", "pink", "gray",
	"black", "white", "brown", "cyan", "gold", "silver", "violet", "indigo",
	"coral", "jade", "ruby", "amber", "olive", "navy", "teal", "beige",
	"cream", "mint", "sage", "rose", "pearl", "azure", "bronze", "copper",
}

var nouns = []string{
	"river", "mountain", "cloud", "ocean", "forest", "desert", "valley", "meadow",
	"star", "moon", "sun", "comet", "planet", "galaxy", "nebula", "cosmos",
	"eagle", "falcon", "hawk", "owl", "raven", "swan", "phoenix", "dragon",
	"wolf", "tiger", "lion", "bear", "fox", "deer", "whale", "dolphin",
	"tree", "flower", "garden", "bridge", "tower", "castle", "temple", "shrine",
}

// MachineName returns a random adjective-color-noun label.
func MachineName() string {
	return fmt.Sprintf("%s-%s-%s",
		adjectives[rand.IntN(len(adjectives))],
		colors[rand.IntN(len(colors))],
		nouns[rand.IntN(len(nouns))],
	)
}

// UniqueMachineName appends a short base36 timestamp suffix so repeated
// draws of the same word combination stay distinguishable.
func UniqueMachineName() string {
	ts := strconv.FormatInt(time.Now().UnixMilli(), 36)
	if len(ts) > 4 {
		ts = ts[len(ts)-4:]
	}
	return MachineName() + "-" + ts
}
