package offline

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"testing"

	"shellgate/internal/snapshot"
)

type fakeAsset struct {
	status int
	body   string
	header http.Header
}

type fakeNetwork struct {
	mu      sync.Mutex
	assets  map[string]fakeAsset
	offline bool
	calls   map[string]int
	gate    chan struct{}
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{
		assets: make(map[string]fakeAsset),
		calls:  make(map[string]int),
	}
}

func (n *fakeNetwork) serve(path string, status int, body string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.assets[path] = fakeAsset{status: status, body: body}
}

func (n *fakeNetwork) serveWithHeader(path, body string, header http.Header) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.assets[path] = fakeAsset{status: http.StatusOK, body: body, header: header}
}

func (n *fakeNetwork) setOffline(v bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.offline = v
}

func (n *fakeNetwork) callCount(method, path string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls[method+" "+path]
}

func (n *fakeNetwork) RoundTrip(req *http.Request) (*http.Response, error) {
	n.mu.Lock()
	n.calls[req.Method+" "+req.URL.Path]++
	offline := n.offline
	asset, ok := n.assets[req.URL.Path]
	gate := n.gate
	n.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if offline {
		return nil, errors.New("dial tcp: connect: network is unreachable")
	}
	if !ok {
		asset = fakeAsset{status: http.StatusNotFound, body: "not found"}
	}
	header := asset.header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	return &http.Response{
		StatusCode: asset.status,
		Header:     header,
		Body:       io.NopCloser(strings.NewReader(asset.body)),
		Request:    req,
	}, nil
}

var testScope = &url.URL{Scheme: "http", Host: "shell", Path: "/"}

func newTestWorker(t *testing.T, net *fakeNetwork, store snapshot.Store, version string, manifest []string) *Worker {
	t.Helper()
	w, err := New(Config{
		Version:  version,
		Scope:    testScope,
		Manifest: manifest,
	}, store, net, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = w.Close() })
	return w
}

func startTestWorker(t *testing.T, net *fakeNetwork, store snapshot.Store, manifest []string) *Worker {
	t.Helper()
	w := newTestWorker(t, net, store, "shell-v3", manifest)
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return w
}

func getRequest(t *testing.T, rawURL string, navigate bool) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, rawURL, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if navigate {
		req.Header.Set("Sec-Fetch-Mode", "navigate")
	} else {
		req.Header.Set("Sec-Fetch-Mode", "no-cors")
	}
	return req
}

func readBody(t *testing.T, res *Result) string {
	t.Helper()
	if res == nil || res.Response == nil {
		t.Fatal("nil result")
	}
	defer res.Response.Body.Close()
	b, err := io.ReadAll(res.Response.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(b)
}

func storedBody(t *testing.T, store snapshot.Store, version, key string) (string, bool) {
	t.Helper()
	snap, err := store.Open(context.Background(), version)
	if err != nil {
		t.Fatalf("open snapshot: %v", err)
	}
	resp, err := snap.Match(context.Background(), key)
	if errors.Is(err, snapshot.ErrNotFound) {
		return "", false
	}
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	return string(resp.Body), true
}

func TestNew_Validation(t *testing.T) {
	store := snapshot.NewMemoryStore()
	net := newFakeNetwork()

	tests := []struct {
		name string
		cfg  Config
	}{
		{"MissingVersion", Config{Scope: testScope}},
		{"MissingScope", Config{Version: "v1"}},
		{"RelativeScope", Config{Version: "v1", Scope: &url.URL{Path: "/"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.cfg, store, net, nil); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestStart_InstallSeedsManifest(t *testing.T) {
	net := newFakeNetwork()
	net.serve("/", http.StatusOK, "root")
	net.serve("/index.html", http.StatusOK, "<html>index</html>")
	net.serve("/manifest.json", http.StatusOK, `{"name":"shop"}`)
	store := snapshot.NewMemoryStore()

	w := startTestWorker(t, net, store, []string{"./", "./index.html", "./manifest.json"})

	if w.State() != StateActive {
		t.Fatalf("State = %s, want active", w.State())
	}
	for key, want := range map[string]string{
		"http://shell/":              "root",
		"http://shell/index.html":    "<html>index</html>",
		"http://shell/manifest.json": `{"name":"shop"}`,
	} {
		got, ok := storedBody(t, store, "shell-v3", key)
		if !ok {
			t.Errorf("%s not seeded", key)
			continue
		}
		if got != want {
			t.Errorf("%s = %q, want %q", key, got, want)
		}
	}
}

func TestStart_InstallFailuresAreSwallowed(t *testing.T) {
	net := newFakeNetwork()
	net.serve("/index.html", http.StatusOK, "index")
	// "/" and "/manifest.json" answer 404.
	store := snapshot.NewMemoryStore()

	w := startTestWorker(t, net, store, []string{"./", "./index.html", "./manifest.json"})

	if w.State() != StateActive {
		t.Fatalf("State = %s, want active", w.State())
	}
	snap, _ := store.Open(context.Background(), "shell-v3")
	keys, _ := snap.Keys(context.Background())
	if len(keys) != 1 || keys[0] != "http://shell/index.html" {
		t.Fatalf("Keys = %v, want only index.html", keys)
	}
}

func TestStart_InstallWhileOffline(t *testing.T) {
	net := newFakeNetwork()
	net.setOffline(true)
	w := startTestWorker(t, net, snapshot.NewMemoryStore(), nil)

	if w.State() != StateActive {
		t.Fatalf("State = %s, want active even when seeding failed", w.State())
	}
}

func TestStart_ActivatePurgesOtherVersions(t *testing.T) {
	ctx := context.Background()
	store := snapshot.NewMemoryStore()
	for _, v := range []string{"shell-v1", "shell-v2"} {
		snap, _ := store.Open(ctx, v)
		_ = snap.Put(ctx, "http://shell/index.html", &snapshot.Response{StatusCode: 200, Body: []byte(v)})
	}

	net := newFakeNetwork()
	net.serve("/index.html", http.StatusOK, "v3")
	startTestWorker(t, net, store, []string{"./", "./index.html", "./manifest.json"})

	versions, err := store.Versions(ctx)
	if err != nil {
		t.Fatalf("Versions: %v", err)
	}
	if len(versions) != 1 || versions[0] != "shell-v3" {
		t.Fatalf("Versions = %v, want [shell-v3]", versions)
	}
}

func TestStart_Twice(t *testing.T) {
	w := startTestWorker(t, newFakeNetwork(), snapshot.NewMemoryStore(), nil)

	err := w.Start(context.Background())
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("second Start error = %v, want ErrInvalidTransition", err)
	}
	if w.State() != StateActive {
		t.Fatalf("State = %s, want active", w.State())
	}
}

func TestFetch_BeforeStartIsNotControlled(t *testing.T) {
	net := newFakeNetwork()
	net.serve("/app.js", http.StatusOK, "live")
	store := snapshot.NewMemoryStore()
	w := newTestWorker(t, net, store, "shell-v3", nil)

	res, err := w.Fetch(getRequest(t, "http://shell/app.js", false), FetchOptions{})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if res.Source != SourceBypass {
		t.Errorf("Source = %s, want bypass", res.Source)
	}
	if got := readBody(t, res); got != "live" {
		t.Errorf("body = %q, want live", got)
	}
	if versions, _ := store.Versions(context.Background()); len(versions) != 0 {
		t.Errorf("nothing should be stored before install, got versions %v", versions)
	}
}

func TestFetch_BackendAPIBypassesCache(t *testing.T) {
	ctx := context.Background()
	net := newFakeNetwork()
	net.serve("/rest/v1/orders", http.StatusOK, `[{"id":"live"}]`)
	store := snapshot.NewMemoryStore()
	w := startTestWorker(t, net, store, nil)

	snap, _ := store.Open(ctx, "shell-v3")
	_ = snap.Put(ctx, "http://shell/rest/v1/orders", &snapshot.Response{StatusCode: 200, Body: []byte(`[{"id":"stale"}]`)})

	res, err := w.Fetch(getRequest(t, "http://shell/rest/v1/orders", false), FetchOptions{})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if res.Strategy != StrategyBypass || res.Source != SourceBypass {
		t.Errorf("Strategy/Source = %s/%s, want bypass/bypass", res.Strategy, res.Source)
	}
	if got := readBody(t, res); got != `[{"id":"live"}]` {
		t.Errorf("body = %q, want live data", got)
	}
	if got, _ := storedBody(t, store, "shell-v3", "http://shell/rest/v1/orders"); got != `[{"id":"stale"}]` {
		t.Errorf("bypass must not write the snapshot, stored = %q", got)
	}

	net.setOffline(true)
	if _, err := w.Fetch(getRequest(t, "http://shell/rest/v1/orders", false), FetchOptions{}); err == nil {
		t.Fatal("bypass must not read the snapshot when the network fails")
	}

	net.setOffline(false)
	res, err = w.Fetch(getRequest(t, "http://shell/auth/v1/user", false), FetchOptions{})
	if err != nil {
		t.Fatalf("Fetch auth: %v", err)
	}
	res.Response.Body.Close()
	if res.Strategy != StrategyBypass {
		t.Errorf("auth Strategy = %s, want bypass", res.Strategy)
	}
	if _, ok := storedBody(t, store, "shell-v3", "http://shell/auth/v1/user"); ok {
		t.Error("auth response must not be stored")
	}
}

func TestFetch_NonGETPassesThrough(t *testing.T) {
	net := newFakeNetwork()
	net.serve("/app.js", http.StatusOK, "created")
	store := snapshot.NewMemoryStore()
	w := startTestWorker(t, net, store, nil)

	req, _ := http.NewRequest(http.MethodPost, "http://shell/app.js", strings.NewReader("x"))
	res, err := w.Fetch(req, FetchOptions{})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if res.Strategy != StrategyPassThrough {
		t.Errorf("Strategy = %s, want pass-through", res.Strategy)
	}
	if got := readBody(t, res); got != "created" {
		t.Errorf("body = %q", got)
	}
	if _, ok := storedBody(t, store, "shell-v3", "http://shell/app.js"); ok {
		t.Error("non-GET response must not be stored")
	}
}

func TestFetch_NavigationNetworkFirst(t *testing.T) {
	net := newFakeNetwork()
	net.serve("/index.html", http.StatusOK, "old shell")
	store := snapshot.NewMemoryStore()
	w := startTestWorker(t, net, store, []string{"./index.html"})

	net.serve("/index.html", http.StatusOK, "new shell")
	res, err := w.Fetch(getRequest(t, "http://shell/index.html", true), FetchOptions{})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if res.Strategy != StrategyNetworkFirst || res.Source != SourceNetwork {
		t.Errorf("Strategy/Source = %s/%s, want network-first/network", res.Strategy, res.Source)
	}
	if got := readBody(t, res); got != "new shell" {
		t.Errorf("body = %q, want new shell", got)
	}
	if got, _ := storedBody(t, store, "shell-v3", "http://shell/index.html"); got != "new shell" {
		t.Errorf("stored = %q, want new shell", got)
	}
}

func TestFetch_NavigationOfflineFallsBackToIndex(t *testing.T) {
	net := newFakeNetwork()
	net.serve("/index.html", http.StatusOK, "<html>cached shell</html>")
	net.serve("/manifest.json", http.StatusOK, "{}")
	// "./" is not separately cached: the origin answers 404 for it.
	store := snapshot.NewMemoryStore()
	w := startTestWorker(t, net, store, []string{"./", "./index.html", "./manifest.json"})

	if _, ok := storedBody(t, store, "shell-v3", "http://shell/"); ok {
		t.Fatal("precondition: root should not be cached")
	}

	net.setOffline(true)
	res, err := w.Fetch(getRequest(t, "http://shell/", true), FetchOptions{})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if res.Source != SourceFallback {
		t.Errorf("Source = %s, want fallback", res.Source)
	}
	if got := readBody(t, res); got != "<html>cached shell</html>" {
		t.Errorf("body = %q, want cached index", got)
	}
}

func TestFetch_NavigationDeepLinkOffline(t *testing.T) {
	net := newFakeNetwork()
	net.serve("/", http.StatusOK, "root shell")
	store := snapshot.NewMemoryStore()
	w := startTestWorker(t, net, store, []string{"./"})

	net.setOffline(true)
	req, _ := http.NewRequest(http.MethodGet, "http://shell/store/42/orders", nil)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	res, err := w.Fetch(req, FetchOptions{})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if got := readBody(t, res); got != "root shell" {
		t.Errorf("body = %q, want root shell", got)
	}
}

func TestFetch_NavigationOfflineWithoutShellFails(t *testing.T) {
	net := newFakeNetwork()
	net.setOffline(true)
	w := startTestWorker(t, net, snapshot.NewMemoryStore(), nil)

	res, err := w.Fetch(getRequest(t, "http://shell/", true), FetchOptions{})
	if err == nil {
		res.Response.Body.Close()
		t.Fatal("expected navigation failure without a cached shell")
	}
}

func TestFetch_StaleWhileRevalidate(t *testing.T) {
	net := newFakeNetwork()
	net.serve("/assets/app.js", http.StatusOK, "v1")
	store := snapshot.NewMemoryStore()
	w := startTestWorker(t, net, store, []string{"./assets/app.js"})

	net.serve("/assets/app.js", http.StatusOK, "v2")

	res, err := w.Fetch(getRequest(t, "http://shell/assets/app.js", false), FetchOptions{})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if res.Source != SourceSnapshot {
		t.Errorf("Source = %s, want snapshot", res.Source)
	}
	if got := readBody(t, res); got != "v1" {
		t.Errorf("body = %q, want stale v1", got)
	}

	w.Wait()
	if got, _ := storedBody(t, store, "shell-v3", "http://shell/assets/app.js"); got != "v2" {
		t.Errorf("stored = %q, want refreshed v2", got)
	}

	res, err = w.Fetch(getRequest(t, "http://shell/assets/app.js", false), FetchOptions{})
	if err != nil {
		t.Fatalf("second Fetch: %v", err)
	}
	if got := readBody(t, res); got != "v2" {
		t.Errorf("second body = %q, want v2", got)
	}
	w.Wait()
}

func TestFetch_StaleWhileRevalidateRefreshFailureIsSwallowed(t *testing.T) {
	net := newFakeNetwork()
	net.serve("/logo.png", http.StatusOK, "png")
	store := snapshot.NewMemoryStore()
	w := startTestWorker(t, net, store, []string{"./logo.png"})

	net.setOffline(true)
	res, err := w.Fetch(getRequest(t, "http://shell/logo.png", false), FetchOptions{})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if got := readBody(t, res); got != "png" {
		t.Errorf("body = %q, want cached png", got)
	}
	w.Wait()
	if got, ok := storedBody(t, store, "shell-v3", "http://shell/logo.png"); !ok || got != "png" {
		t.Errorf("failed refresh must leave the entry, got %q, %v", got, ok)
	}
}

func TestFetch_StaleWhileRevalidateMiss(t *testing.T) {
	net := newFakeNetwork()
	net.serve("/style.css", http.StatusOK, "body{}")
	store := snapshot.NewMemoryStore()
	w := startTestWorker(t, net, store, nil)

	res, err := w.Fetch(getRequest(t, "http://shell/style.css", false), FetchOptions{})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if res.Source != SourceNetwork {
		t.Errorf("Source = %s, want network", res.Source)
	}
	if got := readBody(t, res); got != "body{}" {
		t.Errorf("body = %q", got)
	}
	if got, _ := storedBody(t, store, "shell-v3", "http://shell/style.css"); got != "body{}" {
		t.Errorf("stored = %q, want body{}", got)
	}
}

func TestFetch_StaleWhileRevalidateMissOffline(t *testing.T) {
	net := newFakeNetwork()
	net.setOffline(true)
	w := startTestWorker(t, net, snapshot.NewMemoryStore(), nil)

	res, err := w.Fetch(getRequest(t, "http://shell/chunk-9.js", false), FetchOptions{})
	if err != nil {
		t.Fatalf("Fetch must not fail: %v", err)
	}
	if res.Source != SourceOffline || res.Response.StatusCode != http.StatusGatewayTimeout {
		t.Errorf("got %s/%d, want offline/504", res.Source, res.Response.StatusCode)
	}
	if got := readBody(t, res); got != "" {
		t.Errorf("body = %q, want empty", got)
	}
}

func TestFetch_UncacheableResponsesAreNotStored(t *testing.T) {
	net := newFakeNetwork()
	net.serve("/missing.js", http.StatusNotFound, "nope")
	noStore := make(http.Header)
	noStore.Set("Cache-Control", "no-store")
	net.serveWithHeader("/secret.js", "s", noStore)
	net.serve("/cdn.js", http.StatusOK, "cdn")
	store := snapshot.NewMemoryStore()
	w := startTestWorker(t, net, store, nil)

	for _, tc := range []struct {
		path string
		opts FetchOptions
	}{
		{"/missing.js", FetchOptions{}},
		{"/secret.js", FetchOptions{}},
		{"/cdn.js", FetchOptions{CrossOrigin: true}},
	} {
		res, err := w.Fetch(getRequest(t, "http://shell"+tc.path, false), tc.opts)
		if err != nil {
			t.Fatalf("Fetch %s: %v", tc.path, err)
		}
		res.Response.Body.Close()
		if _, ok := storedBody(t, store, "shell-v3", "http://shell"+tc.path); ok {
			t.Errorf("%s should not be stored", tc.path)
		}
	}
}

func TestFetch_PersonalizedResponsesAreNotShared(t *testing.T) {
	net := newFakeNetwork()
	withCookie := make(http.Header)
	withCookie.Set("Set-Cookie", "sid=alice-secret")
	net.serveWithHeader("/app.js", "console.log(1)", withCookie)
	net.serve("/profile.js", http.StatusOK, "alice")
	store := snapshot.NewMemoryStore()
	w := startTestWorker(t, net, store, nil)

	first, err := w.Fetch(getRequest(t, "http://shell/app.js", false), FetchOptions{})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	readBody(t, first)

	authed := getRequest(t, "http://shell/profile.js", false)
	authed.Header.Set("Authorization", "Bearer alice-token")
	res, err := w.Fetch(authed, FetchOptions{})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	readBody(t, res)

	for _, key := range []string{"http://shell/app.js", "http://shell/profile.js"} {
		if _, ok := storedBody(t, store, "shell-v3", key); ok {
			t.Errorf("%s should not be stored", key)
		}
	}

	second, err := w.Fetch(getRequest(t, "http://shell/app.js", false), FetchOptions{})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	readBody(t, second)
	if second.Source != SourceNetwork {
		t.Errorf("second client Source = %s, want network", second.Source)
	}
	if net.callCount(http.MethodGet, "/app.js") != 2 {
		t.Errorf("origin calls = %d, want 2", net.callCount(http.MethodGet, "/app.js"))
	}
}

func TestFetch_RefreshOutlivesCaller(t *testing.T) {
	net := newFakeNetwork()
	net.serve("/app.js", http.StatusOK, "v1")
	store := snapshot.NewMemoryStore()
	w := startTestWorker(t, net, store, []string{"./app.js"})

	net.serve("/app.js", http.StatusOK, "v2")
	gate := make(chan struct{})
	net.mu.Lock()
	net.gate = gate
	net.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	req := getRequest(t, "http://shell/app.js", false).WithContext(ctx)
	res, err := w.Fetch(req, FetchOptions{})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if got := readBody(t, res); got != "v1" {
		t.Errorf("body = %q, want v1", got)
	}

	cancel()
	close(gate)
	w.Wait()

	if got, _ := storedBody(t, store, "shell-v3", "http://shell/app.js"); got != "v2" {
		t.Errorf("stored = %q, want v2 after caller cancelled", got)
	}
}

func TestClose(t *testing.T) {
	net := newFakeNetwork()
	net.serve("/app.js", http.StatusOK, "live")
	w := startTestWorker(t, net, snapshot.NewMemoryStore(), nil)

	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if w.State() != StateRedundant {
		t.Fatalf("State = %s, want redundant", w.State())
	}
	_ = w.Close()

	res, err := w.Fetch(getRequest(t, "http://shell/app.js", false), FetchOptions{})
	if err != nil {
		t.Fatalf("Fetch after Close: %v", err)
	}
	if res.Source != SourceBypass {
		t.Errorf("Source = %s, want bypass after Close", res.Source)
	}
	res.Response.Body.Close()

	if err := w.Start(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("Start after Close = %v, want ErrClosed", err)
	}
}

func TestFallbackKeys(t *testing.T) {
	w := newTestWorker(t, newFakeNetwork(), snapshot.NewMemoryStore(), "v", nil)

	got := w.fallbackKeys("http://shell/")
	want := []string{"http://shell/", "http://shell/index.html"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("fallbackKeys = %v, want %v", got, want)
	}

	got = w.fallbackKeys("http://shell/orders")
	sort.Strings(got)
	if len(got) != 3 {
		t.Fatalf("fallbackKeys = %v, want 3 keys", got)
	}
}
