// Package ident generates the opaque identifiers and human-facing
// passphrases the service hands out. Possession of a passphrase or short
// code is the only credential a room has.
package ident

import (
	"math/rand"
	"strings"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/dkeye/huddle/internal/domain"
)

const (
	roomIDLen    = 12
	memberIDLen  = 10
	messageIDLen = 12
	shortCodeLen = 8

	// URL-safe and unambiguous on phone keyboards.
	shortCodeAlphabet = "23456789abcdefghjkmnpqrstuvwxyz"

	PassphraseWords = 5
)

func NewRoomID() domain.RoomID {
	return domain.RoomID(gonanoid.Must(roomIDLen))
}

func NewMemberID() domain.MemberID {
	return domain.MemberID(gonanoid.Must(memberIDLen))
}

func NewMessageID() domain.MessageID {
	return domain.MessageID(gonanoid.Must(messageIDLen))
}

func NewShortCode() string {
	return gonanoid.MustGenerate(shortCodeAlphabet, shortCodeLen)
}

// NewPassphrase returns n words joined by hyphens, e.g.
// "amber-falcon-orbit-maple-drift".
func NewPassphrase(n int) string {
	if n <= 0 {
		n = PassphraseWords
	}
	words := make([]string, n)
	for i := range words {
		words[i] = wordlist[rand.Intn(len(wordlist))]
	}
	return strings.Join(words, "-")
}

// NormalizePassphrase maps user input onto the canonical stored form:
// lowercase, any run of separators collapsed to a single hyphen. Returns
// "" when nothing usable remains.
func NormalizePassphrase(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == '-' || r == '_' || r == ' ' || r == '.' || r == ','
	})
	if len(fields) == 0 {
		return ""
	}
	return strings.Join(fields, "-")
}

// RandomName picks a display name for members who never chose one.
func RandomName() string {
	return adjectives[rand.Intn(len(adjectives))] + " " + animals[rand.Intn(len(animals))]
}

func RandomAvatar() string {
	return avatars[rand.Intn(len(avatars))]
}

// NameOptions returns n distinct suggestions for the setup screen.
func NameOptions(n int) []string {
	out := make([]string, 0, n)
	seen := make(map[string]struct{}, n)
	for len(out) < n {
		name := RandomName()
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	return out
}

func AvatarOptions(n int) []string {
	if n > len(avatars) {
		n = len(avatars)
	}
	perm := rand.Perm(len(avatars))
	out := make([]string, n)
	for i := 0; i < n; i++ {
		out[i] = avatars[perm[i]]
	}
	return out
}

var adjectives = []string{
	"amber", "bold", "brisk", "calm", "clever", "cosmic", "crimson",
	"daring", "dusty", "eager", "fuzzy", "gentle", "golden", "happy",
	"icy", "jolly", "lucky", "mellow", "nimble", "quiet", "rapid",
	"silver", "sly", "sunny", "swift", "velvet", "witty", "zesty",
}

var animals = []string{
	"badger", "bison", "crane", "dolphin", "falcon", "ferret", "fox",
	"gecko", "heron", "ibex", "jackal", "koala", "lemur", "lynx",
	"marmot", "narwhal", "otter", "panda", "puffin", "raven", "seal",
	"sparrow", "tapir", "toucan", "walrus", "wombat", "yak", "zebra",
}

var avatars = []string{
	"🦊", "🐼", "🦉", "🐙", "🦜", "🐢", "🦦", "🐧", "🦔", "🐨",
	"🦁", "🐸", "🦋", "🐳", "🦥", "🐿️", "🦩", "🐝", "🦭", "🐌",
}
