package crawler

import (
	"net/url"
	"strings"
)

// NormalizeURL reduces a URL to its comparison key.
// Fragment, query and userinfo are dropped, trailing slashes are removed and
// the scheme and host are lower-cased. Path casing is preserved. Input that
// does not parse as an absolute URL is returned unchanged.
func NormalizeURL(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return rawURL
	}
	path := strings.TrimRight(u.EscapedPath(), "/")
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host) + path
}

// Domain returns the lower-cased host of rawURL without port or a leading "www.".
func Domain(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return ""
	}
	return stripWWW(strings.ToLower(u.Hostname()))
}

// Origin returns scheme://host for rawURL, or "" when it cannot be derived.
func Origin(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return strings.ToLower(u.Scheme) + "://" + u.Host
}

func stripWWW(host string) string {
	return strings.TrimPrefix(host, "www.")
}
