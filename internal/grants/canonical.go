package grants

import (
	"net"
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/net/publicsuffix"
)

var nonKeyNameChars = regexp.MustCompile(`[^a-z0-9]+`)

// CanonicalKey folds an application identity into a stable dedup key.
// Domain wins over name when present: "https://www.slack.com" and
// "slack.com" collapse to the same key.
func CanonicalKey(name, domain string) string {
	if d := NormalizeDomain(domain); d != "" {
		return "domain:" + d
	}
	// Names that are themselves domains fold the same way.
	if looksLikeDomain(name) {
		if d := NormalizeDomain(name); d != "" {
			return "domain:" + d
		}
	}
	n := normalizeKeyName(name)
	if n == "" {
		n = "unknown"
	}
	return "name:" + n
}

func looksLikeDomain(raw string) bool {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.ContainsAny(raw, " \t") {
		return false
	}
	return strings.Contains(raw, "://") || strings.Count(raw, ".") >= 1
}

// NormalizeDomain lowercases, strips scheme/port/www, and folds to the
// effective TLD plus one. IPs normalize to empty.
func NormalizeDomain(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}

	candidate := raw
	if !strings.Contains(candidate, "://") {
		candidate = "https://" + candidate
	}
	u, err := url.Parse(candidate)
	if err == nil && u.Host != "" {
		candidate = u.Host
	} else {
		candidate = raw
	}
	candidate = strings.TrimSpace(candidate)
	candidate = strings.TrimPrefix(candidate, "*.")
	candidate = strings.Trim(candidate, ".")
	candidate = strings.TrimSuffix(candidate, ":443")
	candidate = strings.TrimSuffix(candidate, ":80")
	candidate = strings.ToLower(candidate)
	if ip := net.ParseIP(candidate); ip != nil {
		return ""
	}
	if after, ok := strings.CutPrefix(candidate, "www."); ok {
		candidate = after
	}
	if !strings.Contains(candidate, ".") {
		return ""
	}
	eTLD, err := publicsuffix.EffectiveTLDPlusOne(candidate)
	if err != nil {
		return candidate
	}
	return strings.ToLower(strings.TrimSpace(eTLD))
}

func normalizeKeyName(raw string) string {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if raw == "" {
		return ""
	}
	raw = nonKeyNameChars.ReplaceAllString(raw, "-")
	raw = strings.Trim(raw, "-")
	if raw == "" {
		return ""
	}
	if len(raw) > 64 {
		return raw[:64]
	}
	return raw
}

// NormalizeScopes lowercases, trims, and dedups a scope list,
// preserving first-seen order.
func NormalizeScopes(scopes []string) []string {
	if len(scopes) == 0 {
		return nil
	}
	out := make([]string, 0, len(scopes))
	seen := make(map[string]struct{}, len(scopes))
	for _, scope := range scopes {
		normalized := strings.ToLower(strings.TrimSpace(scope))
		if normalized == "" {
			continue
		}
		if _, ok := seen[normalized]; ok {
			continue
		}
		seen[normalized] = struct{}{}
		out = append(out, normalized)
	}
	return out
}

// NormalizeEmail is the dedup key for users across grant sources.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
