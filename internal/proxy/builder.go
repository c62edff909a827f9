package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"shellgate/internal/appdata"
	"shellgate/internal/backend"
	"shellgate/internal/cluster"
	"shellgate/internal/config"
	"shellgate/internal/datacache"
	"shellgate/internal/logging"
	"shellgate/internal/metrics"
	"shellgate/internal/middleware"
	"shellgate/internal/offline"
	"shellgate/internal/snapshot"
	"shellgate/internal/snapshot/sqlite"
	"shellgate/internal/upstream"
)

type ListenerServer struct {
	Name   string
	Server *http.Server
	TLS    config.TLSConfig
}

// Gateway is a fully wired shellgate instance.
type Gateway struct {
	Listeners []*ListenerServer
	Worker    *offline.Worker
	Store     snapshot.Store
	Sessions  *appdata.Sessions
	Handler   http.Handler
}

// Close releases the worker, the data caches and the snapshot store. Servers
// are shut down by the caller.
func (g *Gateway) Close() error {
	var errs []error
	if g.Worker != nil {
		errs = append(errs, g.Worker.Close())
	}
	if g.Sessions != nil {
		g.Sessions.Close()
	}
	if g.Store != nil {
		errs = append(errs, g.Store.Close())
	}
	return errors.Join(errs...)
}

type Builder struct {
	cfg    *config.Config
	logger logging.Logger

	// Transport overrides the upstream transport. Tests use it.
	Transport http.RoundTripper
}

func NewBuilder(cfg *config.Config, logger logging.Logger) *Builder {
	if logger == nil {
		logger = logging.Nop{}
	}
	return &Builder{
		cfg:    cfg,
		logger: logger,
	}
}

// Build wires the gateway. Background work (health checks, realtime feed,
// limiter pruning) runs until ctx is done. The offline worker is installed and
// activated before Build returns.
func (b *Builder) Build(ctx context.Context) (*Gateway, error) {
	metrics.Init()

	clusters, err := b.buildClusters(ctx)
	if err != nil {
		return nil, err
	}

	base := b.Transport
	if base == nil {
		base = upstream.NewTransport(upstream.TransportOptions{})
	}
	network := upstream.NewClusterTransport(base, clusters)

	store, err := b.buildStore()
	if err != nil {
		return nil, err
	}
	gw := &Gateway{Store: store}

	worker, err := b.buildWorker(store, network)
	if err != nil {
		_ = gw.Close()
		return nil, err
	}
	gw.Worker = worker
	if err := worker.Start(ctx); err != nil {
		_ = gw.Close()
		return nil, fmt.Errorf("start offline worker: %w", err)
	}

	director := NewSimpleDirector(b.buildRoutes())
	engine := NewEngine(director, worker, b.logger)

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	if b.cfg.Backend.URL != "" {
		api, sessions, err := b.buildDataAPI(ctx)
		if err != nil {
			_ = gw.Close()
			return nil, err
		}
		gw.Sessions = sessions
		mux.Handle(appdata.APIPrefix+"/", api)
	}

	mux.Handle("/", middleware.Chain(engine, middleware.AccessLog(b.logger, "edge")))
	gw.Handler = mux

	if len(b.cfg.Listeners) == 0 {
		gw.Listeners = []*ListenerServer{
			{
				Name: "default",
				Server: &http.Server{
					Addr:    b.cfg.Server.Address,
					Handler: mux,
				},
				TLS: b.cfg.Server.TLS,
			},
		}
		return gw, nil
	}

	listeners, err := b.buildListeners(mux)
	if err != nil {
		_ = gw.Close()
		return nil, err
	}
	gw.Listeners = listeners
	return gw, nil
}

func (b *Builder) buildClusters(ctx context.Context) (map[string]cluster.Cluster, error) {
	clusters := make(map[string]cluster.Cluster)

	for _, c := range b.cfg.Clusters {
		var endpoints []*cluster.Endpoint
		for _, raw := range c.Endpoints {
			u, err := url.Parse(raw)
			if err != nil {
				return nil, fmt.Errorf("parse endpoint %q for cluster %s: %w", raw, c.Name, err)
			}
			endpoints = append(endpoints, &cluster.Endpoint{URL: u})
		}

		var hc *cluster.HealthCheckConfig
		if c.HealthCheck != nil {
			hc = &cluster.HealthCheckConfig{
				Path:               c.HealthCheck.Path,
				Interval:           c.HealthCheck.Interval,
				Timeout:            c.HealthCheck.Timeout,
				UnhealthyThreshold: c.HealthCheck.UnhealthyThreshold,
				HealthyThreshold:   c.HealthCheck.HealthyThreshold,
			}
		}

		var cb *cluster.CircuitBreakerConfig
		if c.CircuitBreaker != nil {
			cb = &cluster.CircuitBreakerConfig{
				ConsecutiveFailures: c.CircuitBreaker.ConsecutiveFailures,
				Cooldown:            c.CircuitBreaker.Cooldown,
			}
		}

		cl := cluster.NewRoundRobin(c.Name, endpoints, hc, cb, b.logger)
		clusters[c.Name] = cl

		if hc != nil {
			cl.StartHealthChecks(ctx, &http.Client{})
		}
	}
	return clusters, nil
}

func (b *Builder) buildStore() (snapshot.Store, error) {
	sc := b.cfg.Offline.Store
	switch sc.Driver {
	case "sqlite":
		store, err := sqlite.Open(sc.Path)
		if err != nil {
			return nil, fmt.Errorf("open snapshot store: %w", err)
		}
		b.logger.Info("snapshot store opened", "driver", "sqlite", "path", sc.Path)
		return store, nil
	case "", "memory":
		return snapshot.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown snapshot store driver %q", sc.Driver)
	}
}

func (b *Builder) buildWorker(store snapshot.Store, network http.RoundTripper) (*offline.Worker, error) {
	oc := b.cfg.Offline
	scope, err := url.Parse(oc.Scope)
	if err != nil {
		return nil, fmt.Errorf("parse offline scope: %w", err)
	}
	return offline.New(offline.Config{
		Version:        oc.Version,
		Scope:          scope,
		Manifest:       oc.Manifest,
		Fallbacks:      oc.Fallbacks,
		BypassPatterns: oc.BypassPatterns,
		MaxBodyBytes:   oc.MaxBodyBytes,
	}, store, network, b.logger)
}

func (b *Builder) buildDataAPI(ctx context.Context) (http.Handler, *appdata.Sessions, error) {
	bc := b.cfg.Backend
	client, err := backend.New(backend.Config{
		URL:        bc.URL,
		APIKey:     bc.APIKey,
		HTTPClient: &http.Client{Timeout: bc.Timeout},
	})
	if err != nil {
		return nil, nil, fmt.Errorf("backend client: %w", err)
	}

	sessions := appdata.NewSessions(datacache.Options{
		MaxEntries: b.cfg.DataCache.MaxEntries,
		DefaultTTL: b.cfg.DataCache.DefaultTTL,
		Observer:   metrics.DataCache{Name: "appdata"},
	})
	svc := appdata.NewService(client, sessions, b.logger)

	if bc.Realtime.Enabled && len(bc.Realtime.Tables) > 0 {
		listener := client.NewListener(bc.Realtime.Tables, b.logger)
		go listener.Listen(ctx, svc.ApplyChange)
	}

	mws := []middleware.Middleware{middleware.AccessLog(b.logger, "data-api")}
	if rl := b.cfg.RateLimit; rl.RequestsPerSecond > 0 {
		limiter := middleware.NewRateLimiter(rl.RequestsPerSecond, rl.Burst, b.logger)
		go pruneLimiters(ctx, limiter)
		mws = append(mws, limiter.Middleware)
	}

	return middleware.Chain(appdata.NewAPI(svc).Router(), mws...), sessions, nil
}

func pruneLimiters(ctx context.Context, rl *middleware.RateLimiter) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.Prune(10 * time.Minute)
		}
	}
}

func (b *Builder) buildRoutes() []SimpleRoute {
	var routes []SimpleRoute
	for _, r := range b.cfg.Routes {
		routes = append(routes, SimpleRoute{
			Name:         r.Name,
			Prefix:       r.PathPrefix,
			ClusterName:  r.Cluster,
			CacheEnabled: b.cfg.RouteCacheEnabled(r),
		})
	}
	return routes
}

func (b *Builder) buildListeners(mux http.Handler) ([]*ListenerServer, error) {
	listenerByName := make(map[string]config.ListenerConfig, len(b.cfg.Listeners))
	for _, l := range b.cfg.Listeners {
		listenerByName[l.Name] = l
	}

	var listeners []*ListenerServer

	for _, lst := range b.cfg.Listeners {
		var handler http.Handler

		if lst.RedirectTo != "" && !lst.TLS.Enabled {
			target, ok := listenerByName[lst.RedirectTo]
			if !ok {
				return nil, fmt.Errorf("listener %q has redirectTo=%q but target not found", lst.Name, lst.RedirectTo)
			}
			handler = httpsRedirectHandler(target.Address)
		} else {
			handler = mux
		}

		listeners = append(listeners, &ListenerServer{
			Name: lst.Name,
			Server: &http.Server{
				Addr:    lst.Address,
				Handler: handler,
			},
			TLS: lst.TLS,
		})
	}

	return listeners, nil
}

func httpsRedirectHandler(targetAddr string) http.Handler {
	_, port, _ := net.SplitHostPort(targetAddr)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		targetURL := *r.URL
		targetURL.Scheme = "https"

		host := r.Host
		if h, _, err := net.SplitHostPort(host); err == nil {
			host = h
		}

		if port == "" || port == "443" {
			targetURL.Host = host
		} else {
			targetURL.Host = net.JoinHostPort(host, port)
		}
		http.Redirect(w, r, targetURL.String(), http.StatusMovedPermanently)
	})
}
