package offline

import (
	"net/http"
	"strings"
)

type Strategy string

const (
	// StrategyPassThrough: non-GET requests go to the network untouched.
	StrategyPassThrough Strategy = "pass-through"
	// StrategyBypass: backend data and auth traffic is never cached.
	StrategyBypass               Strategy = "bypass"
	StrategyNetworkFirst         Strategy = "network-first"
	StrategyStaleWhileRevalidate Strategy = "stale-while-revalidate"
)

var DefaultBypassPatterns = []string{"/rest/v1/", "/auth/v1/"}

type FetchOptions struct {
	// Navigate marks a top-level document load. IsNavigation is consulted as well.
	Navigate bool
	// CrossOrigin marks responses that are not same-origin; they are served but never stored.
	CrossOrigin bool
}

// Classify picks the caching strategy for req. Rules are evaluated in order and
// the first match wins.
func Classify(req *http.Request, opts FetchOptions, bypassPatterns []string) Strategy {
	if req.Method != http.MethodGet {
		return StrategyPassThrough
	}
	for _, p := range bypassPatterns {
		if p != "" && strings.Contains(req.URL.Path, p) {
			return StrategyBypass
		}
	}
	if opts.Navigate || IsNavigation(req) {
		return StrategyNetworkFirst
	}
	return StrategyStaleWhileRevalidate
}

// IsNavigation reports whether req is a top-level document load. Browsers send
// Sec-Fetch-Mode; older clients are recognised by an HTML Accept header.
func IsNavigation(req *http.Request) bool {
	if mode := req.Header.Get("Sec-Fetch-Mode"); mode != "" {
		return mode == "navigate"
	}
	return req.Method == http.MethodGet && strings.Contains(req.Header.Get("Accept"), "text/html")
}

// RequestKey is the snapshot identity of req: its absolute URL without fragment or userinfo.
func RequestKey(req *http.Request) string {
	u := *req.URL
	u.Fragment = ""
	u.RawFragment = ""
	u.User = nil
	if u.Host == "" {
		u.Host = req.Host
	}
	return u.String()
}

// isCacheableResponse reports whether resp, answering req, may go into the
// snapshot. The snapshot is shared by every client of the gateway, so
// credentialed or per-user responses are never stored.
func isCacheableResponse(req *http.Request, resp *http.Response, opts FetchOptions) bool {
	if opts.CrossOrigin {
		return false
	}
	if resp.StatusCode != http.StatusOK {
		return false
	}

	cc := strings.ToLower(resp.Header.Get("Cache-Control"))
	if strings.Contains(cc, "no-store") || strings.Contains(cc, "private") {
		return false
	}
	if len(resp.Header.Values("Set-Cookie")) > 0 {
		return false
	}
	if req != nil && req.Header.Get("Authorization") != "" {
		return false
	}
	return !variesByCredentials(resp.Header)
}

func variesByCredentials(h http.Header) bool {
	for _, v := range h.Values("Vary") {
		for _, field := range strings.Split(v, ",") {
			switch strings.ToLower(strings.TrimSpace(field)) {
			case "*", "cookie", "authorization":
				return true
			}
		}
	}
	return false
}
