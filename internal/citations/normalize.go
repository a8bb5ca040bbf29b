package citations

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Click identifiers; every utm_ parameter is dropped as well.
var trackingParams = map[string]bool{
	"fbclid":  true,
	"gclid":   true,
	"msclkid": true,
	"mc_cid":  true,
	"mc_eid":  true,
}

func isTrackingParam(key string) bool {
	key = strings.ToLower(key)
	return strings.HasPrefix(key, "utm_") || trackingParams[key]
}

// NormalizeURL returns the deduplication key form of a URL:
//   - lowercase scheme and host, "www." and default ports removed
//   - fragment removed
//   - tracking parameters (utm_*, fbclid, ...) removed; any remaining query
//     parameters are kept in sorted order since they distinguish pages
//   - trailing slash removed from the path
//
// Only absolute http(s) URLs are accepted.
func NormalizeURL(rawURL string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", err
	}

	parsed.Scheme = strings.ToLower(parsed.Scheme)
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", parsed.Scheme)
	}

	host := strings.ToLower(parsed.Host)
	if h, port, err := net.SplitHostPort(host); err == nil {
		if (parsed.Scheme == "http" && port == "80") || (parsed.Scheme == "https" && port == "443") {
			host = h
		}
	}
	host = strings.TrimPrefix(host, "www.")
	if host == "" {
		return "", fmt.Errorf("missing host in %q", rawURL)
	}
	parsed.Host = host
	parsed.User = nil
	parsed.Fragment = ""
	parsed.RawFragment = ""

	if parsed.RawQuery != "" {
		q := parsed.Query()
		for key := range q {
			if isTrackingParam(key) {
				q.Del(key)
			}
		}
		parsed.RawQuery = q.Encode()
	}
	parsed.ForceQuery = false

	parsed.Path = strings.TrimSuffix(parsed.Path, "/")
	parsed.RawPath = ""

	return parsed.String(), nil
}

// ExtractDomain returns the lowercase host from a URL without port or a
// leading "www.", preserving other subdomains.
func ExtractDomain(rawURL string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	host := strings.ToLower(parsed.Hostname())
	return strings.TrimPrefix(host, "www."), nil
}
