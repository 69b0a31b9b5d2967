package capture

import "strings"

// ExtractHost returns the substring between the first "//" and the next ':'
// or '/'. ok is false when the URL has no such component.
func ExtractHost(url string) (host string, ok bool) {
	_, rest, found := strings.Cut(url, "//")
	if !found {
		return "", false
	}
	if i := strings.IndexAny(rest, ":/"); i >= 0 {
		rest = rest[:i]
	}
	if rest == "" {
		return "", false
	}
	return rest, true
}

// ignored reports whether a request opened with method and url is excluded
// from capture.
func (s settings) ignored(method, url string) bool {
	if s.ignoredHosts != nil {
		if host, ok := ExtractHost(url); ok {
			if _, hit := s.ignoredHosts[host]; hit {
				return true
			}
		}
	}
	if s.ignoredURLs != nil {
		if _, hit := s.ignoredURLs[url]; hit {
			return true
		}
	}
	if len(s.ignoredPatterns) > 0 {
		target := method + " " + url
		for _, p := range s.ignoredPatterns {
			if p.MatchString(target) {
				return true
			}
		}
	}
	return false
}
