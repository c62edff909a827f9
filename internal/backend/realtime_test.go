package backend

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestParseChange(t *testing.T) {
	tests := []struct {
		name  string
		frame string
		ok    bool
		want  Change
	}{
		{
			name:  "Legacy",
			frame: `{"topic":"realtime:public:orders","event":"UPDATE","payload":{"table":"orders","type":"UPDATE","record":{"id":"o-1"},"old_record":{"id":"o-1","status":"new"}}}`,
			ok:    true,
			want:  Change{Table: "orders", Type: "UPDATE", Record: []byte(`{"id":"o-1"}`), OldRecord: []byte(`{"id":"o-1","status":"new"}`)},
		},
		{
			name:  "PostgresChanges",
			frame: `{"topic":"realtime:public:products","event":"postgres_changes","payload":{"data":{"table":"products","type":"DELETE","record":null,"old_record":{"id":"p-1"}}}}`,
			ok:    true,
			want:  Change{Table: "products", Type: "DELETE", OldRecord: []byte(`{"id":"p-1"}`)},
		},
		{name: "Reply", frame: `{"topic":"phoenix","event":"phx_reply","payload":{"status":"ok"}}`},
		{name: "Garbage", frame: `not json`},
		{name: "NoTable", frame: `{"event":"INSERT","payload":{"record":{}}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := parseChange([]byte(tt.frame))
			require.Equal(t, tt.ok, ok)
			if !tt.ok {
				return
			}
			assert.Equal(t, tt.want.Table, got.Table)
			assert.Equal(t, tt.want.Type, got.Type)
			assert.Equal(t, string(tt.want.Record), string(got.Record))
			assert.Equal(t, string(tt.want.OldRecord), string(got.OldRecord))
		})
	}
}

func TestListener_Run(t *testing.T) {
	joined := make(chan string, 4)
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/realtime/v1/websocket", r.URL.Path)
		assert.Equal(t, "anon", r.URL.Query().Get("apikey"))

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for i := 0; i < 2; i++ {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if gjson.GetBytes(msg, "event").String() == "phx_join" {
				joined <- gjson.GetBytes(msg, "topic").String()
			}
		}
		_ = conn.WriteMessage(websocket.TextMessage,
			[]byte(`{"topic":"realtime:public:orders","event":"INSERT","payload":{"table":"orders","type":"INSERT","record":{"id":"o-9","store_id":"s-1"}}}`))

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	c, err := New(Config{URL: srv.URL, APIKey: "anon"})
	require.NoError(t, err)
	l := c.NewListener([]string{"orders", "deliveries"}, nil)
	l.Heartbeat = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan Change, 1)
	errc := make(chan error, 1)
	go func() {
		errc <- l.Run(ctx, func(ch Change) { changes <- ch })
	}()

	select {
	case ch := <-changes:
		assert.Equal(t, "orders", ch.Table)
		assert.Equal(t, "INSERT", ch.Type)
		assert.Equal(t, "s-1", gjson.GetBytes(ch.Record, "store_id").String())
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for change")
	}

	assert.ElementsMatch(t, []string{"realtime:public:orders", "realtime:public:deliveries"},
		[]string{<-joined, <-joined})

	cancel()
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestListener_ListenResetsBackoffAfterSubscribe(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var (
		mu    sync.Mutex
		dials int
	)
	connected := make(chan struct{}, 16)

	// Every connection accepts the join and then drops.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		if _, _, err := conn.ReadMessage(); err != nil {
			_ = conn.Close()
			return
		}
		mu.Lock()
		dials++
		mu.Unlock()
		select {
		case connected <- struct{}{}:
		default:
		}
		_ = conn.Close()
	}))
	defer srv.Close()

	c, err := New(Config{URL: srv.URL, APIKey: "anon"})
	require.NoError(t, err)
	l := c.NewListener([]string{"orders"}, nil)
	l.MinBackoff = 20 * time.Millisecond
	l.MaxBackoff = 10 * time.Second

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		l.Listen(ctx, func(Change) {})
	}()

	// Without a reset the eighth connection would come after more than 2.5s.
	deadline := time.After(1500 * time.Millisecond)
	for i := 0; i < 8; i++ {
		select {
		case <-connected:
		case <-deadline:
			mu.Lock()
			n := dials
			mu.Unlock()
			t.Fatalf("only %d reconnects before deadline; backoff was not reset", n)
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Listen did not return after cancel")
	}
}
