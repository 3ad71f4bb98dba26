package types

import "regexp"

var (
	sessionCodeRegex = regexp.MustCompile(`^[a-z0-9]+$`)
	identityRegex    = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
)

// IsValidSessionCode checks that a code is lowercase alphanumeric of the
// given length. Callers normalize case before calling.
func IsValidSessionCode(code string, length int) bool {
	if len(code) != length {
		return false
	}
	return sessionCodeRegex.MatchString(code)
}

// IsValidIdentity checks that an opaque identity token is well formed.
// Identities are generated server-side (UUIDs) but arrive back from clients,
// so the format is checked at the boundary.
func IsValidIdentity(id string) bool {
	if len(id) < 1 || len(id) > 64 {
		return false
	}
	return identityRegex.MatchString(id)
}

// IsValidBlockKind reports whether kind is one of the supported block kinds.
func IsValidBlockKind(kind string) bool {
	return kind == BlockKindText || kind == BlockKindFile
}
