package proxy

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"shellgate/internal/config"
)

func TestBuilder_Build(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "origin:"+r.URL.Path)
	}))
	defer origin.Close()

	cfg, err := config.Parse([]byte(`
clusters:
  - name: shell
    endpoints: ["` + origin.URL + `"]
routes:
  - name: shell
    pathPrefix: /
    cluster: shell
offline:
  version: shell-test
  manifest: ["./"]
`))
	if err != nil {
		t.Fatalf("config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gw, err := NewBuilder(cfg, nil).Build(ctx)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer gw.Close()

	if len(gw.Listeners) != 1 || gw.Listeners[0].Server.Addr != ":8080" {
		t.Fatalf("unexpected listeners: %+v", gw.Listeners)
	}
	if gw.Sessions != nil {
		t.Fatal("data api should be disabled without a backend url")
	}

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Sec-Fetch-Mode", "navigate")
	gw.Handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK || rr.Body.String() != "origin:/" {
		t.Fatalf("unexpected response %d %q", rr.Code, rr.Body.String())
	}

	rr = httptest.NewRecorder()
	gw.Handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "shellgate_offline_fetch_total") {
		t.Fatalf("expected metrics output, got %d", rr.Code)
	}
}

func TestBuildListeners_Redirect(t *testing.T) {
	cfg := &config.Config{
		Listeners: []config.ListenerConfig{
			{Name: "https", Address: ":8443", TLS: config.TLSConfig{Enabled: true}},
			{Name: "http", Address: ":8080", RedirectTo: "https"},
		},
	}
	b := NewBuilder(cfg, nil)

	listeners, err := b.buildListeners(http.NotFoundHandler())
	if err != nil {
		t.Fatalf("buildListeners: %v", err)
	}
	if len(listeners) != 2 {
		t.Fatalf("expected 2 listeners, got %d", len(listeners))
	}

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "http://shop.example.com:8080/orders?x=1", nil)
	listeners[1].Server.Handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusMovedPermanently {
		t.Fatalf("expected 301, got %d", rr.Code)
	}
	if got := rr.Header().Get("Location"); got != "https://shop.example.com:8443/orders?x=1" {
		t.Fatalf("unexpected redirect target %q", got)
	}

	cfg.Listeners[1].RedirectTo = "missing"
	if _, err := b.buildListeners(http.NotFoundHandler()); err == nil {
		t.Fatal("expected error for unknown redirect target")
	}
}

func TestHTTPSRedirect_DefaultPort(t *testing.T) {
	h := httpsRedirectHandler(":443")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "http://shop.example.com/", nil))

	if got := rr.Header().Get("Location"); got != "https://shop.example.com/" {
		t.Fatalf("unexpected redirect target %q", got)
	}
}
