package offline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"shellgate/internal/metrics"
	"shellgate/internal/snapshot"
)

func (w *Worker) passThrough(req *http.Request, strategy Strategy) (*Result, error) {
	resp, err := w.network.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	return &Result{Response: resp, Strategy: strategy, Source: SourceBypass}, nil
}

// networkFirst prefers a live response and keeps the snapshot entry for the
// document fresh. On network failure it walks the request key and then the
// fallback keys; when none is stored the network error is returned.
func (w *Worker) networkFirst(ctx context.Context, req *http.Request, opts FetchOptions) (*Result, error) {
	key := RequestKey(req)

	resp, err := w.network.RoundTrip(req)
	if err == nil {
		resp, err = w.storeIfCacheable(ctx, req, key, resp, opts)
	}
	if err == nil {
		return &Result{Response: resp, Strategy: StrategyNetworkFirst, Source: SourceNetwork}, nil
	}

	for _, candidate := range w.fallbackKeys(key) {
		if cached, ok := w.match(ctx, candidate); ok {
			w.logger.Info("navigation served from snapshot", "url", key, "key", candidate, "err", err)
			return &Result{
				Response: cached.HTTPResponse(req),
				Strategy: StrategyNetworkFirst,
				Source:   SourceFallback,
			}, nil
		}
	}
	return nil, fmt.Errorf("navigate %s: %w", key, err)
}

func (w *Worker) fallbackKeys(key string) []string {
	keys := []string{key}
	seen := map[string]bool{key: true}
	for _, p := range w.cfg.Fallbacks {
		k, err := w.resolve(p)
		if err != nil || seen[k] {
			continue
		}
		seen[k] = true
		keys = append(keys, k)
	}
	return keys
}

// staleWhileRevalidate answers from the snapshot when it can and refreshes the
// entry in the background. Without a stored copy the live response is used; if
// the network fails too an empty 504 is returned.
func (w *Worker) staleWhileRevalidate(ctx context.Context, req *http.Request, opts FetchOptions) (*Result, error) {
	key := RequestKey(req)

	if cached, ok := w.match(ctx, key); ok {
		w.revalidate(req, key, opts)
		return &Result{
			Response: cached.HTTPResponse(req),
			Strategy: StrategyStaleWhileRevalidate,
			Source:   SourceSnapshot,
		}, nil
	}

	resp, err := w.network.RoundTrip(req)
	if err == nil {
		resp, err = w.storeIfCacheable(ctx, req, key, resp, opts)
	}
	if err != nil {
		w.logger.Debug("asset unavailable", "url", key, "err", err)
		return &Result{
			Response: offlineResponse(req),
			Strategy: StrategyStaleWhileRevalidate,
			Source:   SourceOffline,
		}, nil
	}
	return &Result{Response: resp, Strategy: StrategyStaleWhileRevalidate, Source: SourceNetwork}, nil
}

// revalidate refreshes key in the background. The refresh is detached from the
// caller's context so it completes even if the caller goes away; its failures
// are only logged. Concurrent refreshes of one key share a single request.
func (w *Worker) revalidate(req *http.Request, key string, opts FetchOptions) {
	bg := req.Clone(context.WithoutCancel(req.Context()))

	w.refreshes.Add(1)
	go func() {
		defer w.refreshes.Done()
		_, _, _ = w.sf.Do(key, func() (any, error) {
			w.refresh(bg, key, opts)
			return nil, nil
		})
	}()
}

func (w *Worker) refresh(req *http.Request, key string, opts FetchOptions) {
	ctx := req.Context()
	resp, err := w.network.RoundTrip(req)
	if err != nil {
		w.logger.Debug("background refresh failed", "url", key, "err", err)
		metrics.IncRevalidation("error")
		return
	}
	defer resp.Body.Close()

	if !isCacheableResponse(req, resp, opts) {
		_, _ = io.Copy(io.Discard, resp.Body)
		metrics.IncRevalidation("skipped")
		return
	}
	body, fits, err := bufferBody(resp, w.cfg.MaxBodyBytes)
	if err != nil {
		w.logger.Debug("background refresh read failed", "url", key, "err", err)
		metrics.IncRevalidation("error")
		return
	}
	if !fits {
		metrics.IncRevalidation("skipped")
		return
	}

	snap := w.currentSnapshot()
	if snap == nil {
		return
	}
	if err := snap.Put(ctx, key, newStoredResponse(resp, body)); err != nil {
		w.logger.Warn("background refresh store failed", "url", key, "err", err)
		metrics.IncRevalidation("error")
		return
	}
	metrics.IncRevalidation("updated")
}

func (w *Worker) match(ctx context.Context, key string) (*snapshot.Response, bool) {
	snap := w.currentSnapshot()
	if snap == nil {
		return nil, false
	}
	cached, err := snap.Match(ctx, key)
	if err != nil {
		if !errors.Is(err, snapshot.ErrNotFound) {
			w.logger.Warn("snapshot lookup failed", "key", key, "err", err)
		}
		return nil, false
	}
	return cached, true
}

// storeIfCacheable buffers a cacheable response and writes it to the snapshot.
// The returned response always has a readable body. A read error is returned
// so the caller can treat it like a network failure.
func (w *Worker) storeIfCacheable(ctx context.Context, req *http.Request, key string, resp *http.Response, opts FetchOptions) (*http.Response, error) {
	snap := w.currentSnapshot()
	if snap == nil || !isCacheableResponse(req, resp, opts) {
		return resp, nil
	}
	body, fits, err := bufferBody(resp, w.cfg.MaxBodyBytes)
	if err != nil {
		return nil, err
	}
	if !fits {
		return resp, nil
	}
	if err := snap.Put(ctx, key, newStoredResponse(resp, body)); err != nil {
		w.logger.Warn("snapshot store failed", "key", key, "err", err)
	}
	return resp, nil
}

type multiReadCloser struct {
	io.Reader
	io.Closer
}

// bufferBody reads up to limit bytes of resp.Body. When the body fits, it is
// returned and resp.Body is replaced by an in-memory reader. When it does not,
// resp.Body is rewired to replay the consumed prefix followed by the remainder.
func bufferBody(resp *http.Response, limit int64) ([]byte, bool, error) {
	buf, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		_ = resp.Body.Close()
		return nil, false, err
	}
	if int64(len(buf)) > limit {
		resp.Body = multiReadCloser{
			Reader: io.MultiReader(bytes.NewReader(buf), resp.Body),
			Closer: resp.Body,
		}
		return nil, false, nil
	}
	_ = resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(buf))
	resp.ContentLength = int64(len(buf))
	return buf, true, nil
}

func newStoredResponse(resp *http.Response, body []byte) *snapshot.Response {
	return &snapshot.Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       body,
		StoredAt:   time.Now(),
	}
}

func offlineResponse(req *http.Request) *http.Response {
	header := make(http.Header)
	header.Set("Content-Length", "0")
	return &http.Response{
		Status:        "504 " + http.StatusText(http.StatusGatewayTimeout),
		StatusCode:    http.StatusGatewayTimeout,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          http.NoBody,
		ContentLength: 0,
		Request:       req,
	}
}
