package upstream

import (
	"fmt"
	"net/http"
	"strings"

	"shellgate/internal/cluster"
)

// ClusterTransport resolves logical hosts (http://<cluster>/path) to a concrete
// endpoint of that cluster and forwards the request through Base.
type ClusterTransport struct {
	Base     http.RoundTripper
	Clusters map[string]cluster.Cluster
}

func NewClusterTransport(base http.RoundTripper, clusters map[string]cluster.Cluster) *ClusterTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &ClusterTransport{Base: base, Clusters: clusters}
}

func (t *ClusterTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	name := req.URL.Hostname()
	cl, ok := t.Clusters[name]
	if !ok {
		return nil, fmt.Errorf("unknown cluster %q", name)
	}

	ep, err := cl.PickEndpoint()
	if err != nil {
		return nil, fmt.Errorf("cluster %s: %w", name, err)
	}

	out := req.Clone(req.Context())
	out.URL.Scheme = ep.URL.Scheme
	out.URL.Host = ep.URL.Host
	out.URL.Path = joinPath(ep.URL.Path, req.URL.Path)
	if req.URL.RawPath != "" {
		out.URL.RawPath = joinPath(ep.URL.EscapedPath(), req.URL.RawPath)
	}
	out.Host = ""
	out.RequestURI = ""

	resp, err := t.Base.RoundTrip(out)
	if err != nil {
		cl.ReportFailure(ep)
		return nil, err
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		cl.ReportFailure(ep)
	} else {
		cl.ReportSuccess(ep)
	}
	return resp, nil
}

func joinPath(base, p string) string {
	if base == "" || base == "/" {
		if p == "" {
			return "/"
		}
		return p
	}
	return strings.TrimSuffix(base, "/") + "/" + strings.TrimPrefix(p, "/")
}
