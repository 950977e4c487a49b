package session

import (
	"net/url"
	"strings"
)

// SameRelayURL reports whether two relay URLs refer to the same endpoint
// after canonicalization: scheme aliases collapsed (https->wss, http->ws),
// host lowercased, default ports stripped, trailing slash removed.
func SameRelayURL(a, b string) bool {
	return canonicalRelayURL(a) != "" && canonicalRelayURL(a) == canonicalRelayURL(b)
}

func canonicalRelayURL(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return ""
	}

	scheme := strings.ToLower(u.Scheme)
	switch scheme {
	case "https":
		scheme = "wss"
	case "http":
		scheme = "ws"
	case "ws", "wss":
	default:
		return ""
	}

	host := strings.ToLower(u.Host)
	switch {
	case scheme == "ws" && strings.HasSuffix(host, ":80"):
		host = strings.TrimSuffix(host, ":80")
	case scheme == "wss" && strings.HasSuffix(host, ":443"):
		host = strings.TrimSuffix(host, ":443")
	}

	path := strings.TrimSuffix(u.Path, "/")
	return scheme + "://" + host + path
}
