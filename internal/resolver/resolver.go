// Package resolver normalizes user-supplied target strings into fully
// qualified upstream URLs. Purely syntactic; no network access.
package resolver

import (
	"fmt"
	"net/url"
	"strings"
)

// InvalidTargetError reports a target string that cannot be proxied.
type InvalidTargetError struct {
	Input  string
	Reason string
}

func (e *InvalidTargetError) Error() string {
	return fmt.Sprintf("invalid target %q: %s", e.Input, e.Reason)
}

// Resolve turns a raw target string into an absolute http(s) URL.
// Strings without a scheme default to https.
func Resolve(input string) (*url.URL, error) {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return nil, &InvalidTargetError{Input: input, Reason: "empty target"}
	}

	lower := strings.ToLower(trimmed)
	switch {
	case strings.HasPrefix(lower, "http://"), strings.HasPrefix(lower, "https://"):
		// already qualified
	case strings.Contains(trimmed, "://"):
		scheme := trimmed[:strings.Index(trimmed, "://")]
		return nil, &InvalidTargetError{Input: input, Reason: fmt.Sprintf("unsupported scheme %q", scheme)}
	default:
		trimmed = "https://" + trimmed
	}

	u, err := url.Parse(trimmed)
	if err != nil {
		return nil, &InvalidTargetError{Input: input, Reason: err.Error()}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, &InvalidTargetError{Input: input, Reason: fmt.Sprintf("unsupported scheme %q", u.Scheme)}
	}
	if u.Host == "" {
		return nil, &InvalidTargetError{Input: input, Reason: "no host"}
	}
	for _, r := range u.Host {
		if r <= ' ' || r == 0x7f {
			return nil, &InvalidTargetError{Input: input, Reason: "host contains control or whitespace characters"}
		}
	}
	return u, nil
}
