package nostr

import (
	"net/url"
	"strings"
)

// NormalizeRelayURL validates and canonicalizes a relay URL.
// Scheme and host are lowercased, default ports stripped, the trailing
// slash removed when the path is empty. Returns "" for anything that is
// not a plausible ws:// or wss:// URL.
func NormalizeRelayURL(relayURL string) string {
	relayURL = strings.TrimSpace(relayURL)
	if relayURL == "" {
		return ""
	}

	// Quick reject for obviously bad URLs (no protocol, doubled protocol)
	if !strings.Contains(relayURL, "://") {
		return ""
	}
	if strings.Count(relayURL, "://") > 1 {
		return ""
	}

	parsed, err := url.Parse(relayURL)
	if err != nil {
		return ""
	}

	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "ws" && scheme != "wss" {
		return ""
	}

	host := strings.ToLower(parsed.Hostname())
	if host == "" {
		return ""
	}
	if strings.Contains(host, " ") {
		return ""
	}

	result := scheme + "://"
	if parsed.User != nil {
		result += parsed.User.String() + "@"
	}
	result += host

	port := parsed.Port()
	if port != "" && !isDefaultPort(scheme, port) {
		result += ":" + port
	}

	if parsed.Path != "" && parsed.Path != "/" {
		result += parsed.Path
	}
	if parsed.RawQuery != "" {
		result += "?" + parsed.RawQuery
	}

	return result
}

func isDefaultPort(scheme, port string) bool {
	return (scheme == "ws" && port == "80") || (scheme == "wss" && port == "443")
}

// NormalizeRelayURLs normalizes and de-duplicates, dropping invalid entries
// and preserving first-seen order
func NormalizeRelayURLs(urls []string) []string {
	seen := make(map[string]struct{}, len(urls))
	var result []string
	for _, raw := range urls {
		normalized := NormalizeRelayURL(raw)
		if normalized == "" {
			continue
		}
		if _, dup := seen[normalized]; dup {
			continue
		}
		seen[normalized] = struct{}{}
		result = append(result, normalized)
	}
	return result
}

// IsSafeRelayURL reports whether a relay URL can be shared with recipients.
// URLs carrying credentials or query strings stay local so they never leak
// inside event tags.
func IsSafeRelayURL(relayURL string) bool {
	parsed, err := url.Parse(relayURL)
	if err != nil {
		return false
	}
	if parsed.User != nil {
		return false
	}
	return parsed.RawQuery == ""
}

// SafeRelayURLs filters a relay set down to URLs shareable in tags
func SafeRelayURLs(urls []string) []string {
	var safe []string
	for _, u := range urls {
		if IsSafeRelayURL(u) {
			safe = append(safe, u)
		}
	}
	return safe
}
