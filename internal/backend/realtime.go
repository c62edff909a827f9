package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"

	"shellgate/internal/logging"
)

const (
	defaultHeartbeat  = 30 * time.Second
	defaultMinBackoff = time.Second
	defaultMaxBackoff = 30 * time.Second
)

// Change is one row change delivered by the realtime feed.
type Change struct {
	Table     string
	Type      string // INSERT, UPDATE or DELETE
	Record    json.RawMessage
	OldRecord json.RawMessage
}

type ChangeHandler func(Change)

// Listener subscribes to row changes of a set of tables.
type Listener struct {
	URL       string
	APIKey    string
	Schema    string
	Tables    []string
	Heartbeat time.Duration
	// MinBackoff and MaxBackoff bound the delay between reconnects. The delay
	// starts over once a connection has subscribed.
	MinBackoff time.Duration
	MaxBackoff time.Duration
	Dialer     *websocket.Dialer
	Logger     logging.Logger

	writeMu sync.Mutex
	ref     int
}

// NewListener derives the websocket URL from the client's base URL.
func (c *Client) NewListener(tables []string, logger logging.Logger) *Listener {
	wsURL := c.baseURL
	switch {
	case strings.HasPrefix(wsURL, "https://"):
		wsURL = "wss://" + strings.TrimPrefix(wsURL, "https://")
	case strings.HasPrefix(wsURL, "http://"):
		wsURL = "ws://" + strings.TrimPrefix(wsURL, "http://")
	}
	return &Listener{
		URL:    wsURL + "/realtime/v1/websocket",
		APIKey: c.apiKey,
		Tables: tables,
		Logger: logger,
	}
}

// Listen runs Run until ctx is done, reconnecting with capped backoff.
func (l *Listener) Listen(ctx context.Context, handle ChangeHandler) {
	minBackoff, maxBackoff := l.MinBackoff, l.MaxBackoff
	if minBackoff <= 0 {
		minBackoff = defaultMinBackoff
	}
	if maxBackoff < minBackoff {
		maxBackoff = max(defaultMaxBackoff, minBackoff)
	}

	backoff := minBackoff
	for {
		subscribed := false
		err := l.run(ctx, handle, func() { subscribed = true })
		if ctx.Err() != nil {
			return
		}
		if subscribed {
			backoff = minBackoff
		}
		l.logger().Warn("realtime connection lost", "err", err, "retry_in", backoff)

		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

// Run connects, joins one channel per table and delivers changes to handle
// until ctx is done or the connection fails.
func (l *Listener) Run(ctx context.Context, handle ChangeHandler) error {
	return l.run(ctx, handle, nil)
}

func (l *Listener) run(ctx context.Context, handle ChangeHandler, subscribed func()) error {
	u, err := url.Parse(l.URL)
	if err != nil {
		return fmt.Errorf("parse realtime url: %w", err)
	}
	q := u.Query()
	q.Set("apikey", l.APIKey)
	q.Set("vsn", "1.0.0")
	u.RawQuery = q.Encode()

	dialer := l.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	conn, _, err := dialer.DialContext(ctx, u.String(), http.Header{})
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}
	defer conn.Close()

	schema := l.Schema
	if schema == "" {
		schema = "public"
	}
	for _, table := range l.Tables {
		if err := l.send(conn, "realtime:"+schema+":"+table, "phx_join", nil); err != nil {
			return fmt.Errorf("join %s: %w", table, err)
		}
	}
	l.logger().Info("realtime subscribed", "tables", l.Tables)
	if subscribed != nil {
		subscribed()
	}

	done := make(chan struct{})
	defer close(done)
	go l.heartbeat(conn, done)
	go func() {
		select {
		case <-ctx.Done():
			l.writeMu.Lock()
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			l.writeMu.Unlock()
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return ctx.Err()
			}
			return fmt.Errorf("read realtime message: %w", err)
		}
		if ch, ok := parseChange(msg); ok {
			handle(ch)
		}
	}
}

func (l *Listener) heartbeat(conn *websocket.Conn, done <-chan struct{}) {
	interval := l.Heartbeat
	if interval <= 0 {
		interval = defaultHeartbeat
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := l.send(conn, "phoenix", "heartbeat", nil); err != nil {
				if !errors.Is(err, websocket.ErrCloseSent) {
					l.logger().Debug("realtime heartbeat failed", "err", err)
				}
				return
			}
		}
	}
}

func (l *Listener) send(conn *websocket.Conn, topic, event string, payload map[string]any) error {
	if payload == nil {
		payload = map[string]any{}
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	l.ref++
	ref := strconv.Itoa(l.ref)
	return conn.WriteJSON(map[string]any{
		"topic":    topic,
		"event":    event,
		"payload":  payload,
		"ref":      ref,
		"join_ref": ref,
	})
}

func (l *Listener) logger() logging.Logger {
	if l.Logger == nil {
		return logging.Nop{}
	}
	return l.Logger
}

// parseChange extracts a row change from a realtime frame. Both the legacy
// per-event frames and postgres_changes frames are understood.
func parseChange(msg []byte) (Change, bool) {
	if !gjson.ValidBytes(msg) {
		return Change{}, false
	}
	frame := gjson.ParseBytes(msg)

	var p gjson.Result
	switch ev := frame.Get("event").String(); ev {
	case "INSERT", "UPDATE", "DELETE":
		p = frame.Get("payload")
	case "postgres_changes":
		p = frame.Get("payload.data")
	default:
		return Change{}, false
	}

	ch := Change{
		Table: p.Get("table").String(),
		Type:  p.Get("type").String(),
	}
	if ch.Type == "" {
		ch.Type = frame.Get("event").String()
	}
	if rec := p.Get("record"); rec.Exists() && rec.Type != gjson.Null {
		ch.Record = json.RawMessage(rec.Raw)
	}
	if old := p.Get("old_record"); old.Exists() && old.Type != gjson.Null {
		ch.OldRecord = json.RawMessage(old.Raw)
	}
	if ch.Table == "" {
		return Change{}, false
	}
	return ch, true
}
