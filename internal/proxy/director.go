package proxy

import (
	"fmt"
	"net"
	"net/http"
	"sort"
	"strings"
)

type SimpleRoute struct {
	Name         string
	Prefix       string
	ClusterName  string
	CacheEnabled bool
}

// SimpleDirector routes by path prefix and rewrites the request onto the
// route's logical host, http://<cluster>/path.
type SimpleDirector struct {
	Routes []SimpleRoute
}

// NewSimpleDirector orders routes longest prefix first.
func NewSimpleDirector(routes []SimpleRoute) *SimpleDirector {
	sorted := append([]SimpleRoute(nil), routes...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return len(sorted[i].Prefix) > len(sorted[j].Prefix)
	})
	return &SimpleDirector{Routes: sorted}
}

func (d *SimpleDirector) Direct(req *http.Request) (*http.Request, RouteMetadata, error) {
	var route *SimpleRoute
	for i := range d.Routes {
		if strings.HasPrefix(req.URL.Path, d.Routes[i].Prefix) {
			route = &d.Routes[i]
			break
		}
	}
	if route == nil {
		return nil, RouteMetadata{}, fmt.Errorf("no route for path %s", req.URL.Path)
	}

	outReq := req.Clone(req.Context())
	outReq.URL.Scheme = "http"
	outReq.URL.Host = route.ClusterName
	outReq.URL.User = nil
	outReq.Host = ""
	outReq.RequestURI = ""

	if clientIP := remoteIP(req.RemoteAddr); clientIP != "" {
		if prior := req.Header.Get("X-Forwarded-For"); prior != "" {
			outReq.Header.Set("X-Forwarded-For", prior+", "+clientIP)
		} else {
			outReq.Header.Set("X-Forwarded-For", clientIP)
		}
	}
	if req.Host != "" {
		outReq.Header.Set("X-Forwarded-Host", req.Host)
	}

	name := route.Name
	if name == "" {
		name = route.Prefix
	}
	meta := RouteMetadata{
		RouteName:    name,
		ClusterName:  route.ClusterName,
		CacheEnabled: route.CacheEnabled,
	}
	return outReq, meta, nil
}

func remoteIP(addr string) string {
	if _, rest, ok := strings.Cut(addr, "://"); ok {
		addr = rest
	}
	if addr == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
