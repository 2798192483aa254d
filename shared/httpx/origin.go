package httpx

import "strings"

// OriginMatcher decides whether a browser Origin may talk to the API.
// Entries are exact origins, "*", or wildcard subdomains such as
// "https://*.example.org". An empty list allows every origin.
type OriginMatcher struct {
	any      bool
	exact    map[string]bool
	wildcard []wildcardOrigin
}

type wildcardOrigin struct {
	scheme string
	suffix string
}

func NewOriginMatcher(allowed []string) OriginMatcher {
	m := OriginMatcher{exact: make(map[string]bool, len(allowed))}
	for _, raw := range allowed {
		o := strings.ToLower(strings.TrimRight(strings.TrimSpace(raw), "/"))
		switch {
		case o == "":
			continue
		case o == "*":
			m.any = true
		case strings.Contains(o, "://*."):
			scheme, host, _ := strings.Cut(o, "://*")
			m.wildcard = append(m.wildcard, wildcardOrigin{scheme: scheme + "://", suffix: host})
		default:
			m.exact[o] = true
		}
	}
	if len(m.exact) == 0 && len(m.wildcard) == 0 {
		m.any = true
	}
	return m
}

// Any reports whether every origin is accepted.
func (m OriginMatcher) Any() bool { return m.any }

func (m OriginMatcher) Allowed(origin string) bool {
	if m.any {
		return true
	}
	o := strings.ToLower(strings.TrimSpace(origin))
	if o == "" {
		return false
	}
	if m.exact[o] {
		return true
	}
	for _, w := range m.wildcard {
		if strings.HasPrefix(o, w.scheme) && strings.HasSuffix(o, w.suffix) && len(o) > len(w.scheme)+len(w.suffix) {
			return true
		}
	}
	return false
}
