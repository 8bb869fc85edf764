package websocket

import (
	"fmt"
	"strings"
)

// wsURL is a parsed WebSocket URL of the form
// ws[s]://HOST[:PORT][/PATH][?QUERY]. The host may be an IPv6 literal in
// brackets.
type wsURL struct {
	scheme   string
	host     string // authority as written, for the Host header
	hostname string // host without port or brackets
	service  string // port or named service, defaulted by scheme
	path     string // path with query appended, defaulted to "/"
}

// parseURL splits a WebSocket URL. It accepts only the ws and wss
// schemes; the port defaults to 80 for ws and 443 for wss.
func parseURL(raw string) (wsURL, error) {
	var u wsURL

	schemeEnd := strings.Index(raw, "://")
	if schemeEnd < 0 {
		return u, fmt.Errorf("%w: %q", ErrInvalidURL, raw)
	}
	u.scheme = raw[:schemeEnd]
	if u.scheme != "ws" && u.scheme != "wss" {
		return u, fmt.Errorf("%w: unknown scheme %q", ErrInvalidURL, u.scheme)
	}

	rest := raw[schemeEnd+3:]

	// The authority ends at the first path or query separator.
	hostEnd := strings.IndexAny(rest, "/?")
	if hostEnd < 0 {
		hostEnd = len(rest)
	}
	u.host = rest[:hostEnd]
	rest = rest[hostEnd:]

	if u.host == "" {
		return u, fmt.Errorf("%w: missing host", ErrInvalidURL)
	}

	hostname, service, err := splitAuthority(u.host)
	if err != nil {
		return u, err
	}
	if hostname == "" {
		return u, fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	u.hostname = hostname
	u.service = service
	if u.service == "" {
		if u.scheme == "ws" {
			u.service = "80"
		} else {
			u.service = "443"
		}
	}

	// Path defaults to "/"; a query is appended to the path.
	path := rest
	query := ""
	if q := strings.IndexByte(rest, '?'); q >= 0 {
		path = rest[:q]
		query = rest[q+1:]
	}
	if path == "" {
		path = "/"
	}
	u.path = path
	if query != "" {
		u.path += "?" + query
	}

	return u, nil
}

// splitAuthority separates host and port, handling bracketed IPv6
// literals.
func splitAuthority(authority string) (hostname, service string, err error) {
	if strings.HasPrefix(authority, "[") {
		end := strings.IndexByte(authority, ']')
		if end < 0 {
			return "", "", fmt.Errorf("%w: unterminated IPv6 literal", ErrInvalidURL)
		}
		hostname = authority[1:end]
		tail := authority[end+1:]
		if tail == "" {
			return hostname, "", nil
		}
		if !strings.HasPrefix(tail, ":") || len(tail) == 1 {
			return "", "", fmt.Errorf("%w: malformed port in %q", ErrInvalidURL, authority)
		}
		return hostname, tail[1:], nil
	}

	colon := strings.IndexByte(authority, ':')
	if colon < 0 {
		return authority, "", nil
	}
	if strings.IndexByte(authority[colon+1:], ':') >= 0 {
		return "", "", fmt.Errorf("%w: IPv6 literal must be bracketed in %q", ErrInvalidURL, authority)
	}
	if colon == len(authority)-1 {
		return "", "", fmt.Errorf("%w: empty port in %q", ErrInvalidURL, authority)
	}
	return authority[:colon], authority[colon+1:], nil
}
