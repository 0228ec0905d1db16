package gateway

import (
	"strings"
)

// namespaceSep joins a server slug and an upstream tool/resource/prompt name
// into the flat namespace a client sees: slug(server)__originalName.
const namespaceSep = "__"

// Slug deterministically derives a namespace segment from a server name: it
// lowercases, replaces any run of non [a-z0-9] characters with a single "-",
// and trims leading/trailing "-". Two servers with the same displayed name
// collapse to the same slug on purpose — callers disambiguate by server id
// when that happens (see GatewaySession.addServer).
func Slug(serverName string) string {
	var b strings.Builder
	prevDash := false
	for _, r := range strings.ToLower(serverName) {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			prevDash = false
		default:
			if !prevDash && b.Len() > 0 {
				b.WriteByte('-')
				prevDash = true
			}
		}
	}
	return strings.TrimRight(b.String(), "-")
}

// Namespaced joins a slug and an upstream-local name into the flat name the
// client sees.
func Namespaced(slug, name string) string {
	return slug + namespaceSep + name
}

// SplitNamespaced reverses Namespaced. ok is false if name doesn't contain
// the separator, or either half it would split into is empty, which means
// it was never produced by this gateway (e.g. "__no_server", "no_tool__").
func SplitNamespaced(name string) (slug, local string, ok bool) {
	idx := strings.Index(name, namespaceSep)
	if idx < 0 {
		return "", "", false
	}
	slug, local = name[:idx], name[idx+len(namespaceSep):]
	if slug == "" || local == "" {
		return "", "", false
	}
	return slug, local, true
}
