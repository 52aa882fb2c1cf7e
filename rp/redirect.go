package rp

import (
	"net/url"
	"strings"
)

// IsSafeRedirectURL reports whether candidate is safe to use as a redirect
// target. A candidate is safe when it is host-relative or resolves to one of
// allowedHosts; when requireHTTPS is true a candidate requesting the
// insecure http scheme is unsafe. Malformed input is classified unsafe, it
// never raises an error.
func IsSafeRedirectURL(candidate string, allowedHosts []string, requireHTTPS bool) bool {
	if candidate == "" {
		return false
	}
	// Browsers treat backslashes as forward slashes, so normalize before
	// parsing to keep the parser and the browser in agreement.
	candidate = strings.ReplaceAll(candidate, "\\", "/")
	if strings.HasPrefix(candidate, "///") {
		return false
	}
	u, err := url.Parse(candidate)
	if err != nil {
		return false
	}
	if u.Scheme != "" && u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	if requireHTTPS && u.Scheme == "http" {
		return false
	}
	if u.Scheme != "" && u.Host == "" {
		return false
	}
	if u.Host != "" && !strListContains(allowedHosts, u.Host) {
		return false
	}
	return true
}

// strListContains looks for a string in a list of strings.
func strListContains(haystack []string, needle string) bool {
	for _, item := range haystack {
		if item == needle {
			return true
		}
	}
	return false
}
