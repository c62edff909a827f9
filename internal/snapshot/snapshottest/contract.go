// Package snapshottest holds the behaviour every snapshot.Store must share.
package snapshottest

import (
	"context"
	"errors"
	"io"
	"net/http"
	"testing"
	"time"

	"shellgate/internal/snapshot"
)

// Run exercises a store produced by newStore. Each subtest gets a fresh store.
func Run(t *testing.T, newStore func(t *testing.T) snapshot.Store) {
	t.Helper()

	t.Run("PutMatchRoundTrip", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		snap, err := store.Open(ctx, "shell-v1")
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		if snap.Version() != "shell-v1" {
			t.Fatalf("Version() = %q, want shell-v1", snap.Version())
		}

		header := make(http.Header)
		header.Set("Content-Type", "text/html")
		storedAt := time.Date(2026, time.March, 1, 10, 0, 0, 0, time.UTC)
		if err := snap.Put(ctx, "http://shell/index.html", &snapshot.Response{
			StatusCode: http.StatusOK,
			Header:     header,
			Body:       []byte("<html>shell</html>"),
			StoredAt:   storedAt,
		}); err != nil {
			t.Fatalf("put: %v", err)
		}

		got, err := snap.Match(ctx, "http://shell/index.html")
		if err != nil {
			t.Fatalf("match: %v", err)
		}
		if got.StatusCode != http.StatusOK {
			t.Errorf("StatusCode = %d, want 200", got.StatusCode)
		}
		if string(got.Body) != "<html>shell</html>" {
			t.Errorf("Body = %q", got.Body)
		}
		if got.Header.Get("Content-Type") != "text/html" {
			t.Errorf("Content-Type = %q", got.Header.Get("Content-Type"))
		}
		if !got.StoredAt.Equal(storedAt) {
			t.Errorf("StoredAt = %v, want %v", got.StoredAt, storedAt)
		}
	})

	t.Run("MatchMissing", func(t *testing.T) {
		store := newStore(t)
		snap, err := store.Open(context.Background(), "shell-v1")
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		_, err = snap.Match(context.Background(), "http://shell/nope.js")
		if !errors.Is(err, snapshot.ErrNotFound) {
			t.Fatalf("Match error = %v, want ErrNotFound", err)
		}
	})

	t.Run("PutOverwrites", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		snap, _ := store.Open(ctx, "shell-v1")

		_ = snap.Put(ctx, "k", &snapshot.Response{StatusCode: 200, Body: []byte("old")})
		_ = snap.Put(ctx, "k", &snapshot.Response{StatusCode: 200, Body: []byte("new")})

		got, err := snap.Match(ctx, "k")
		if err != nil {
			t.Fatalf("match: %v", err)
		}
		if string(got.Body) != "new" {
			t.Errorf("Body = %q, want new", got.Body)
		}
		keys, _ := snap.Keys(ctx)
		if len(keys) != 1 {
			t.Errorf("Keys = %v, want one key", keys)
		}
	})

	t.Run("DeleteEntry", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		snap, _ := store.Open(ctx, "shell-v1")
		_ = snap.Put(ctx, "k", &snapshot.Response{StatusCode: 200})

		deleted, err := snap.Delete(ctx, "k")
		if err != nil || !deleted {
			t.Fatalf("Delete = %v, %v; want true, nil", deleted, err)
		}
		deleted, err = snap.Delete(ctx, "k")
		if err != nil || deleted {
			t.Fatalf("second Delete = %v, %v; want false, nil", deleted, err)
		}
	})

	t.Run("VersionsAreIsolated", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		v1, _ := store.Open(ctx, "shell-v1")
		v2, _ := store.Open(ctx, "shell-v2")

		_ = v1.Put(ctx, "k", &snapshot.Response{StatusCode: 200, Body: []byte("v1")})

		if _, err := v2.Match(ctx, "k"); !errors.Is(err, snapshot.ErrNotFound) {
			t.Fatalf("v2 should not see v1 entries, err = %v", err)
		}
	})

	t.Run("DeleteVersion", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		for _, v := range []string{"shell-v1", "shell-v2", "shell-v3"} {
			snap, err := store.Open(ctx, v)
			if err != nil {
				t.Fatalf("open %s: %v", v, err)
			}
			_ = snap.Put(ctx, "k", &snapshot.Response{StatusCode: 200})
		}

		deleted, err := store.Delete(ctx, "shell-v1")
		if err != nil || !deleted {
			t.Fatalf("Delete = %v, %v; want true, nil", deleted, err)
		}
		deleted, _ = store.Delete(ctx, "missing")
		if deleted {
			t.Fatal("deleting an unknown version reported true")
		}

		versions, err := store.Versions(ctx)
		if err != nil {
			t.Fatalf("versions: %v", err)
		}
		if len(versions) != 2 || versions[0] != "shell-v2" || versions[1] != "shell-v3" {
			t.Fatalf("Versions = %v, want [shell-v2 shell-v3]", versions)
		}

		reopened, _ := store.Open(ctx, "shell-v1")
		keys, _ := reopened.Keys(ctx)
		if len(keys) != 0 {
			t.Fatalf("recreated version should be empty, got %v", keys)
		}
	})

	t.Run("OpenRequiresVersion", func(t *testing.T) {
		store := newStore(t)
		if _, err := store.Open(context.Background(), " "); err == nil {
			t.Fatal("expected error for empty version")
		}
	})

	t.Run("HTTPResponse", func(t *testing.T) {
		resp := &snapshot.Response{StatusCode: 200, Body: []byte("body")}
		req, _ := http.NewRequest(http.MethodGet, "http://shell/app.js", nil)

		first := resp.HTTPResponse(req)
		second := resp.HTTPResponse(req)
		b1, _ := io.ReadAll(first.Body)
		b2, _ := io.ReadAll(second.Body)
		if string(b1) != "body" || string(b2) != "body" {
			t.Fatalf("bodies = %q, %q; want independent readers", b1, b2)
		}
		if first.ContentLength != 4 || first.Header.Get("Content-Length") != "4" {
			t.Fatalf("content length not set: %d %q", first.ContentLength, first.Header.Get("Content-Length"))
		}
		if first.Request != req {
			t.Fatal("Request not attached")
		}
	})
}
