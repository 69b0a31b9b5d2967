package capture

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// Defaults applied when an option is unset or invalid.
const (
	DefaultMaxRequests = 500
	DefaultRefreshRate = 50 * time.Millisecond
)

// Listener receives a snapshot of the captured requests, newest first.
type Listener func(requests []*Request)

// Pattern matches the string "<METHOD> <URL>" of an opened request.
// *regexp.Regexp satisfies it.
type Pattern interface {
	MatchString(s string) bool
}

// Options configures an Inspector on Start. Zero values mean "unset" and
// keep the current setting; invalid values are dropped the same way.
type Options struct {
	// MaxRequests bounds the number of retained requests. Must be >= 1.
	MaxRequests int

	// RefreshRate is the notification quiet period, truncated to whole
	// milliseconds. Must be >= 1ms.
	RefreshRate time.Duration

	// IgnoredHosts lists exact host names whose requests are never recorded.
	// A non-nil empty slice clears the filter.
	IgnoredHosts []string

	// IgnoredURLs lists exact URLs that are never recorded.
	IgnoredURLs []string

	// IgnoredPatterns are matched against "<METHOD> <URL>". Nil entries,
	// including a nil *regexp.Regexp, are dropped.
	IgnoredPatterns []Pattern

	// OnRequestsChange is called with every snapshot, after subscribers.
	OnRequestsChange Listener

	// ForceEnable is forwarded to interceptors that implement ForceEnabler.
	ForceEnable bool
}

type settings struct {
	maxRequests     int
	refreshRate     time.Duration
	ignoredHosts    map[string]struct{}
	ignoredURLs     map[string]struct{}
	ignoredPatterns []Pattern
}

func defaultSettings() settings {
	return settings{
		maxRequests: DefaultMaxRequests,
		refreshRate: DefaultRefreshRate,
	}
}

// merge validates each option independently and applies the valid ones.
func (s settings) merge(o *Options) settings {
	if o == nil {
		return s
	}
	if o.MaxRequests >= 1 {
		s.maxRequests = o.MaxRequests
	}
	if rate := o.RefreshRate.Truncate(time.Millisecond); rate >= time.Millisecond {
		s.refreshRate = rate
	}
	if o.IgnoredHosts != nil {
		s.ignoredHosts = stringSet(o.IgnoredHosts)
	}
	if o.IgnoredURLs != nil {
		s.ignoredURLs = stringSet(o.IgnoredURLs)
	}
	if o.IgnoredPatterns != nil {
		patterns := make([]Pattern, 0, len(o.IgnoredPatterns))
		for _, p := range o.IgnoredPatterns {
			if isNilPattern(p) {
				continue
			}
			patterns = append(patterns, p)
		}
		if len(patterns) == 0 {
			patterns = nil
		}
		s.ignoredPatterns = patterns
	}
	return s
}

// isNilPattern reports nil entries, including a nil *regexp.Regexp stored
// in the interface.
func isNilPattern(p Pattern) bool {
	if p == nil {
		return true
	}
	re, ok := p.(*regexp.Regexp)
	return ok && re == nil
}

// stringSet returns nil for an empty input so that an empty list means
// "no filter" rather than "filter everything".
func stringSet(values []string) map[string]struct{} {
	var set map[string]struct{}
	for _, v := range values {
		if v == "" {
			continue
		}
		if set == nil {
			set = make(map[string]struct{}, len(values))
		}
		set[v] = struct{}{}
	}
	return set
}

type globPattern struct {
	expr string
}

// GlobPattern returns a Pattern matching doublestar globs such as
// "GET https://api.test/**".
func GlobPattern(expr string) (Pattern, error) {
	if !doublestar.ValidatePattern(expr) {
		return nil, fmt.Errorf("invalid glob pattern %q", expr)
	}
	return globPattern{expr: expr}, nil
}

func (g globPattern) MatchString(s string) bool {
	ok, _ := doublestar.Match(g.expr, s)
	return ok
}

func (g globPattern) String() string { return "glob:" + g.expr }

// ParsePattern compiles a pattern string. Strings prefixed with "glob:" are
// doublestar globs; anything else is a regular expression.
func ParsePattern(s string) (Pattern, error) {
	if expr, ok := strings.CutPrefix(s, "glob:"); ok {
		return GlobPattern(expr)
	}
	re, err := regexp.Compile(s)
	if err != nil {
		return nil, fmt.Errorf("invalid ignore pattern %q: %w", s, err)
	}
	return re, nil
}
