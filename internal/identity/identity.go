// Package identity produces the opaque tokens and human-facing names used
// across the service: session codes, participant and block identities, and
// de-duplicated display names.
package identity

import (
	"fmt"
	"math/rand"

	"github.com/google/uuid"
)

const codeAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

var (
	adjectives = []string{"Happy", "Clever", "Swift", "Bright", "Cool", "Smart", "Quick", "Calm", "Bold", "Wise"}
	nouns      = []string{"Panda", "Tiger", "Eagle", "Dolphin", "Fox", "Wolf", "Bear", "Hawk", "Lion", "Owl"}
)

// NewToken returns a fresh opaque identity for participants and blocks.
func NewToken() string {
	return uuid.NewString()
}

// NewSessionCode draws lowercase alphanumeric codes of the given length until
// one is free according to taken. The code space (36^length) is large relative
// to the number of live sessions, so rejection sampling terminates quickly.
func NewSessionCode(length int, taken func(string) bool) string {
	buf := make([]byte, length)
	for {
		for i := range buf {
			buf[i] = codeAlphabet[rand.Intn(len(codeAlphabet))]
		}
		code := string(buf)
		if !taken(code) {
			return code
		}
	}
}

// UniqueDisplayName returns base if no existing participant uses it, otherwise
// base suffixed with the smallest free "(n)", n >= 2. Existing names are never
// renamed.
func UniqueDisplayName(inUse map[string]bool, base string) string {
	if !inUse[base] {
		return base
	}
	for n := 2; ; n++ {
		candidate := fmt.Sprintf("%s(%d)", base, n)
		if !inUse[candidate] {
			return candidate
		}
	}
}

// RandomDisplayName composes a readable name like "SwiftEagle", used when a
// client supplies none.
func RandomDisplayName() string {
	return adjectives[rand.Intn(len(adjectives))] + nouns[rand.Intn(len(nouns))]
}
