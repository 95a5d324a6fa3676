// Package routes classifies normalized URL paths as PUBLIC or PROTECTED
// against the active rules snapshot. Unknown paths are PROTECTED: a route
// added to the app without a rules update gets an auth wall, not an
// accidental exposure.
package routes

import "strings"

// Matcher is the subset of a compiled rules snapshot the classifier reads.
// Satisfied by *rules.Compiled.
type Matcher interface {
	IsPublicExact(path string) bool
	PublicPrefixes() []string
	IsAssetPath(path string) bool
}

// Class is the access class of a path.
type Class int

const (
	Protected Class = iota
	Public
)

func (c Class) String() string {
	if c == Public {
		return "public"
	}
	return "protected"
}

// Normalize canonicalizes a path before any matching: missing leading slash
// restored, trailing slash stripped (except the root itself), so
// "/pricing/" and "/pricing" classify identically.
func Normalize(path string) string {
	if path == "" {
		return "/"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	for len(path) > 1 && strings.HasSuffix(path, "/") {
		path = path[:len(path)-1]
	}
	return path
}

// Classify returns the access class of an already-normalized path.
func Classify(m Matcher, path string) Class {
	if m.IsPublicExact(path) {
		return Public
	}
	for _, p := range m.PublicPrefixes() {
		// a request for the prefix itself normalizes to the bare form
		// ("/api/" arrives here as "/api") and still counts as public
		if strings.HasPrefix(path, p) || path == strings.TrimSuffix(p, "/") {
			return Public
		}
	}
	if m.IsAssetPath(path) {
		return Public
	}
	return Protected
}
