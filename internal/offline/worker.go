// Package offline implements the offline asset cache: a fetch interceptor that
// keeps a versioned snapshot of the application shell and answers requests
// network-first (navigations) or stale-while-revalidate (sub-resources).
package offline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"shellgate/internal/logging"
	"shellgate/internal/metrics"
	"shellgate/internal/snapshot"
)

var tracer = otel.Tracer("shellgate/internal/offline")

var (
	DefaultManifest  = []string{"./", "./index.html", "./manifest.json"}
	DefaultFallbacks = []string{"./", "./index.html"}
)

const DefaultMaxBodyBytes = 8 << 20

type Config struct {
	// Version names the current snapshot. Bump it on every deploy that changes the shell.
	Version string
	// Scope is the URL manifest and fallback paths are resolved against.
	Scope          *url.URL
	Manifest       []string
	Fallbacks      []string
	BypassPatterns []string
	MaxBodyBytes   int64
}

type Source string

const (
	SourceNetwork  Source = "network"
	SourceSnapshot Source = "snapshot"
	SourceFallback Source = "fallback"
	SourceBypass   Source = "bypass"
	SourceOffline  Source = "offline"
)

type Result struct {
	Response *http.Response
	Strategy Strategy
	Source   Source
}

type Worker struct {
	cfg     Config
	store   snapshot.Store
	network http.RoundTripper
	logger  logging.Logger

	mu    sync.RWMutex
	state State
	snap  snapshot.Snapshot

	sendMu    sync.RWMutex
	closed    bool
	events    chan event
	quit      chan struct{}
	loopDone  chan struct{}
	closeOnce sync.Once

	inflight  sync.WaitGroup
	refreshes sync.WaitGroup
	sf        singleflight.Group
}

// New validates cfg and starts the worker's event loop. Call Start to install
// and activate it and Close to dispose of it.
func New(cfg Config, store snapshot.Store, network http.RoundTripper, logger logging.Logger) (*Worker, error) {
	if cfg.Version == "" {
		return nil, fmt.Errorf("snapshot version is required")
	}
	if cfg.Scope == nil || !cfg.Scope.IsAbs() {
		return nil, fmt.Errorf("absolute scope url is required")
	}
	if store == nil {
		return nil, fmt.Errorf("snapshot store is required")
	}
	if network == nil {
		return nil, fmt.Errorf("network round tripper is required")
	}
	if cfg.Manifest == nil {
		cfg.Manifest = DefaultManifest
	}
	if cfg.Fallbacks == nil {
		cfg.Fallbacks = DefaultFallbacks
	}
	if cfg.BypassPatterns == nil {
		cfg.BypassPatterns = DefaultBypassPatterns
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if logger == nil {
		logger = logging.Nop{}
	}

	w := &Worker{
		cfg:      cfg,
		store:    store,
		network:  network,
		logger:   logger,
		events:   make(chan event, 64),
		quit:     make(chan struct{}),
		loopDone: make(chan struct{}),
	}
	metrics.SetWorkerState(int(StateParsed))
	go w.run()
	return w, nil
}

func (w *Worker) State() State {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

func (w *Worker) Version() string {
	return w.cfg.Version
}

// Start installs the worker and, without waiting for existing clients to go
// away, activates it.
func (w *Worker) Start(ctx context.Context) error {
	install := installEvent{ctx: ctx, done: make(chan error, 1)}
	if err := w.dispatch(ctx, install); err != nil {
		return err
	}
	if err := w.await(ctx, install.done); err != nil {
		return fmt.Errorf("install: %w", err)
	}

	activate := activateEvent{ctx: ctx, done: make(chan error, 1)}
	if err := w.dispatch(ctx, activate); err != nil {
		return err
	}
	if err := w.await(ctx, activate.done); err != nil {
		return fmt.Errorf("activate: %w", err)
	}
	return nil
}

// Fetch answers req. Until the worker is active requests are not controlled
// and go straight to the network.
func (w *Worker) Fetch(req *http.Request, opts FetchOptions) (*Result, error) {
	if w.State() != StateActive {
		return w.passThrough(req, Classify(req, opts, w.cfg.BypassPatterns))
	}

	ev := fetchEvent{
		id:    uuid.NewString(),
		req:   req,
		opts:  opts,
		reply: make(chan fetchReply, 1),
	}
	ctx := req.Context()
	if err := w.dispatch(ctx, ev); err != nil {
		if errors.Is(err, ErrClosed) {
			return w.passThrough(req, Classify(req, opts, w.cfg.BypassPatterns))
		}
		return nil, err
	}

	select {
	case r := <-ev.reply:
		if errors.Is(r.err, ErrClosed) {
			return w.passThrough(req, Classify(req, opts, w.cfg.BypassPatterns))
		}
		return r.res, r.err
	case <-ctx.Done():
		go func() {
			if r := <-ev.reply; r.res != nil && r.res.Response != nil {
				_ = r.res.Response.Body.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

// Wait blocks until in-flight background refreshes have finished.
func (w *Worker) Wait() {
	w.refreshes.Wait()
}

// Close stops the event loop, waits for in-flight work and marks the worker
// redundant. The snapshot store is left open.
func (w *Worker) Close() error {
	w.closeOnce.Do(func() {
		w.sendMu.Lock()
		w.closed = true
		w.sendMu.Unlock()

		close(w.quit)
		<-w.loopDone
		w.inflight.Wait()
		w.refreshes.Wait()

		w.mu.Lock()
		w.state = StateRedundant
		w.mu.Unlock()
		metrics.SetWorkerState(int(StateRedundant))
	})
	return nil
}

func (w *Worker) run() {
	defer close(w.loopDone)
	for {
		select {
		case <-w.quit:
			w.drain()
			return
		case ev := <-w.events:
			switch ev := ev.(type) {
			case installEvent:
				ev.done <- w.install(ev.ctx)
			case activateEvent:
				ev.done <- w.activate(ev.ctx)
			case fetchEvent:
				w.inflight.Add(1)
				go func() {
					defer w.inflight.Done()
					res, err := w.handleFetch(ev)
					ev.reply <- fetchReply{res: res, err: err}
				}()
			}
		}
	}
}

// drain answers events that were queued before Close.
func (w *Worker) drain() {
	for {
		select {
		case ev := <-w.events:
			switch ev := ev.(type) {
			case installEvent:
				ev.done <- ErrClosed
			case activateEvent:
				ev.done <- ErrClosed
			case fetchEvent:
				ev.reply <- fetchReply{err: ErrClosed}
			}
		default:
			return
		}
	}
}

// dispatch queues ev for the loop. Once Close has begun no further events are
// accepted, so drain sees every queued event.
func (w *Worker) dispatch(ctx context.Context, ev event) error {
	w.sendMu.RLock()
	defer w.sendMu.RUnlock()
	if w.closed {
		return ErrClosed
	}
	select {
	case w.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) await(ctx context.Context, done <-chan error) error {
	select {
	case err := <-done:
		return err
	case <-w.quit:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) transition(from, to State) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != from {
		return fmt.Errorf("%w: %s -> %s (current %s)", ErrInvalidTransition, from, to, w.state)
	}
	w.state = to
	metrics.SetWorkerState(int(to))
	return nil
}

func (w *Worker) currentSnapshot() snapshot.Snapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.snap
}

// install opens the current snapshot and seeds it with the shell manifest.
// Seeding failures are logged and skipped so installation always completes.
func (w *Worker) install(ctx context.Context) error {
	if err := w.transition(StateParsed, StateInstalling); err != nil {
		return err
	}
	w.logger.Info("worker installing", "version", w.cfg.Version, "assets", len(w.cfg.Manifest))

	snap, err := w.store.Open(ctx, w.cfg.Version)
	if err != nil {
		w.logger.Error("open snapshot failed", "version", w.cfg.Version, "err", err)
		return nil
	}
	w.mu.Lock()
	w.snap = snap
	w.mu.Unlock()

	for _, p := range w.cfg.Manifest {
		key, err := w.resolve(p)
		if err != nil {
			w.logger.Warn("skip manifest entry", "path", p, "err", err)
			metrics.IncInstalledAsset("error")
			continue
		}
		if err := w.seed(ctx, snap, key); err != nil {
			w.logger.Warn("seed asset failed", "key", key, "err", err)
			metrics.IncInstalledAsset("error")
			continue
		}
		metrics.IncInstalledAsset("stored")
	}
	return nil
}

func (w *Worker) seed(ctx context.Context, snap snapshot.Snapshot, key string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, key, nil)
	if err != nil {
		return err
	}
	resp, err := w.network.RoundTrip(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	body, fits, err := bufferBody(resp, w.cfg.MaxBodyBytes)
	if err != nil {
		return err
	}
	if !fits {
		return fmt.Errorf("body exceeds %d bytes", w.cfg.MaxBodyBytes)
	}
	return snap.Put(ctx, key, newStoredResponse(resp, body))
}

// activate purges every snapshot version other than the current one and
// claims control of requests.
func (w *Worker) activate(ctx context.Context) error {
	if err := w.transition(StateInstalling, StateActivating); err != nil {
		return err
	}

	versions, err := w.store.Versions(ctx)
	if err != nil {
		w.logger.Error("list snapshot versions failed", "err", err)
	}
	for _, v := range versions {
		if v == w.cfg.Version {
			continue
		}
		if _, err := w.store.Delete(ctx, v); err != nil {
			w.logger.Error("purge snapshot failed", "version", v, "err", err)
			continue
		}
		w.logger.Info("purged stale snapshot", "version", v)
	}

	if err := w.transition(StateActivating, StateActive); err != nil {
		return err
	}
	w.logger.Info("worker active", "version", w.cfg.Version)
	return nil
}

func (w *Worker) resolve(p string) (string, error) {
	ref, err := url.Parse(p)
	if err != nil {
		return "", err
	}
	return w.cfg.Scope.ResolveReference(ref).String(), nil
}

func (w *Worker) handleFetch(ev fetchEvent) (*Result, error) {
	req := ev.req
	strategy := Classify(req, ev.opts, w.cfg.BypassPatterns)

	ctx, span := tracer.Start(req.Context(), "offline.fetch",
		trace.WithAttributes(
			attribute.String("fetch.id", ev.id),
			attribute.String("fetch.strategy", string(strategy)),
			attribute.String("http.url", RequestKey(req)),
		),
	)
	defer span.End()
	req = req.WithContext(ctx)

	var (
		res *Result
		err error
	)
	switch strategy {
	case StrategyNetworkFirst:
		res, err = w.networkFirst(ctx, req, ev.opts)
	case StrategyStaleWhileRevalidate:
		res, err = w.staleWhileRevalidate(ctx, req, ev.opts)
	default:
		res, err = w.passThrough(req, strategy)
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		metrics.IncFetch(string(strategy), "error")
		return nil, err
	}
	span.SetAttributes(attribute.String("fetch.source", string(res.Source)))
	metrics.IncFetch(string(strategy), string(res.Source))
	return res, nil
}
