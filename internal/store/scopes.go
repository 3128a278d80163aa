package store

import "strings"

// scopeSep matches chr(30) in the bulk upsert SQL.
const scopeSep = "\x1e"

// JoinScopes packs a scope list into the single-string form the bulk
// upserts unpack with string_to_array. Empty lists become "".
func JoinScopes(scopes []string) string {
	return strings.Join(scopes, scopeSep)
}
