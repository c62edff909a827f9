package proxy

import (
	"io"
	"net/http"
	"strings"

	"shellgate/internal/logging"
	"shellgate/internal/offline"
)

const CacheHeader = "X-Shellgate-Cache"

type Director interface {
	Direct(req *http.Request) (*http.Request, RouteMetadata, error)
}

type RouteMetadata struct {
	RouteName    string
	ClusterName  string
	CacheEnabled bool
}

// Fetcher answers a directed request. *offline.Worker implements it.
type Fetcher interface {
	Fetch(req *http.Request, opts offline.FetchOptions) (*offline.Result, error)
}

type Engine struct {
	Director Director
	Worker   Fetcher
	Logger   logging.Logger
}

func NewEngine(d Director, w Fetcher, logger logging.Logger) *Engine {
	if logger == nil {
		logger = logging.Nop{}
	}
	return &Engine{
		Director: d,
		Worker:   w,
		Logger:   logger,
	}
}

var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func removeHopHeaders(h http.Header) {
	for _, f := range h.Values("Connection") {
		for _, name := range strings.Split(f, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

func (e *Engine) ServeHTTP(rw http.ResponseWriter, req *http.Request) {
	outReq, meta, err := e.Director.Direct(req)
	if err != nil {
		http.Error(rw, err.Error(), http.StatusBadGateway)
		return
	}
	removeHopHeaders(outReq.Header)
	// The transport negotiates compression itself so stored bodies are plain
	// and can be replayed to any client.
	outReq.Header.Del("Accept-Encoding")

	opts := offline.FetchOptions{
		Navigate:    offline.IsNavigation(req),
		CrossOrigin: !meta.CacheEnabled,
	}
	res, err := e.Worker.Fetch(outReq, opts)
	if err != nil {
		e.Logger.Warn("upstream fetch failed",
			"route", meta.RouteName,
			"cluster", meta.ClusterName,
			"path", req.URL.Path,
			"err", err,
		)
		http.Error(rw, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
		return
	}
	resp := res.Response
	defer resp.Body.Close()

	removeHopHeaders(resp.Header)
	copyHeader(rw.Header(), resp.Header)
	rw.Header().Set(CacheHeader, string(res.Source))

	trailerKeys := make([]string, 0, len(resp.Trailer))
	for k := range resp.Trailer {
		trailerKeys = append(trailerKeys, k)
	}
	if len(trailerKeys) > 0 {
		rw.Header().Set("Trailer", strings.Join(trailerKeys, ","))
	}

	rw.WriteHeader(resp.StatusCode)

	var dst io.Writer = rw
	if f, ok := rw.(http.Flusher); ok {
		dst = &flushWriter{w: rw, f: f}
	}
	if _, err := io.Copy(dst, resp.Body); err != nil {
		e.Logger.Debug("copy response body", "path", req.URL.Path, "err", err)
	}

	for k, values := range resp.Trailer {
		for _, v := range values {
			rw.Header().Add(k, v)
		}
	}
}

// flushWriter flushes after every write so streamed upstream bodies reach the
// client as they arrive.
type flushWriter struct {
	w io.Writer
	f http.Flusher
}

func (fw *flushWriter) Write(p []byte) (int, error) {
	n, err := fw.w.Write(p)
	fw.f.Flush()
	return n, err
}

func copyHeader(dst, src http.Header) {
	for k, values := range src {
		for _, v := range values {
			dst.Add(k, v)
		}
	}
}
