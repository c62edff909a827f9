package cluster

import (
	"context"
	"net/http"
	"sync"
	"time"

	"shellgate/internal/logging"
	"shellgate/internal/metrics"
)

type RoundRobin struct {
	mu        sync.Mutex
	name      string
	endpoints []*Endpoint
	idx       int
	logger    logging.Logger

	healthCfg *HealthCheckConfig
	cbCfg     *CircuitBreakerConfig
}

func NewRoundRobin(name string, endpoints []*Endpoint, hc *HealthCheckConfig, cb *CircuitBreakerConfig, logger logging.Logger) *RoundRobin {
	for _, ep := range endpoints {
		ep.Alive = true
	}
	if logger == nil {
		logger = logging.Nop{}
	}

	return &RoundRobin{
		name:      name,
		endpoints: endpoints,
		logger:    logger,
		healthCfg: hc,
		cbCfg:     cb,
	}
}

func (c *RoundRobin) Name() string {
	return c.name
}

// PickEndpoint returns the next endpoint that is alive and whose circuit is closed.
// An endpoint whose cooldown has elapsed gets its circuit reset.
func (c *RoundRobin) PickEndpoint() (*Endpoint, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := len(c.endpoints)
	if n == 0 {
		return nil, ErrNoEndpoints
	}

	now := time.Now()

	for i := 0; i < n; i++ {
		ep := c.endpoints[c.idx]
		c.idx = (c.idx + 1) % n

		if !ep.Alive {
			continue
		}

		if !ep.circuitOpenUntil.IsZero() {
			if now.Before(ep.circuitOpenUntil) {
				continue
			}
			ep.circuitOpenUntil = time.Time{}
			ep.cbFailures = 0
		}
		return ep, nil
	}

	return nil, ErrNoAliveEndpoints
}

func (c *RoundRobin) ReportSuccess(ep *Endpoint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ep.cbFailures = 0
}

func (c *RoundRobin) ReportFailure(ep *Endpoint) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ep.cbFailures++
	if c.cbCfg != nil && c.cbCfg.ConsecutiveFailures > 0 && ep.cbFailures >= c.cbCfg.ConsecutiveFailures {
		if ep.circuitOpenUntil.IsZero() {
			c.logger.Warn("circuit opened", "cluster", c.name, "endpoint", ep.URL.String(), "failures", ep.cbFailures)
		}
		ep.circuitOpenUntil = time.Now().Add(c.cbCfg.Cooldown)
	}
}

// StartHealthChecks probes every endpoint on an interval until ctx is done.
// It is a no-op when the cluster has no health check configured.
func (c *RoundRobin) StartHealthChecks(ctx context.Context, client *http.Client) {
	if c.healthCfg == nil {
		return
	}

	hc := *c.healthCfg
	if hc.Interval <= 0 {
		hc.Interval = 10 * time.Second
	}
	if hc.Timeout <= 0 {
		hc.Timeout = 1 * time.Second
	}
	if hc.UnhealthyThreshold <= 0 {
		hc.UnhealthyThreshold = 3
	}
	if hc.HealthyThreshold <= 0 {
		hc.HealthyThreshold = 1
	}

	ticker := time.NewTicker(hc.Interval)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.runHealthChecks(ctx, client, hc)
			}
		}
	}()
}

func (c *RoundRobin) runHealthChecks(ctx context.Context, client *http.Client, hc HealthCheckConfig) {
	c.mu.Lock()
	endpoints := append([]*Endpoint(nil), c.endpoints...)
	c.mu.Unlock()

	for _, ep := range endpoints {
		ok := c.probe(ctx, client, ep, hc)

		c.mu.Lock()
		wasAlive := ep.Alive
		if ok {
			ep.hcFailures = 0
			ep.hcSuccesses++
			if ep.hcSuccesses >= hc.HealthyThreshold {
				ep.Alive = true
			}
		} else {
			ep.hcSuccesses = 0
			ep.hcFailures++
			if ep.hcFailures >= hc.UnhealthyThreshold {
				ep.Alive = false
			}
		}
		isAlive := ep.Alive
		c.mu.Unlock()

		if wasAlive != isAlive {
			c.logger.Info("endpoint health changed", "cluster", c.name, "endpoint", ep.URL.String(), "alive", isAlive)
		}
	}

	unhealthy := 0
	c.mu.Lock()
	for _, ep := range c.endpoints {
		if !ep.Alive {
			unhealthy++
		}
	}
	c.mu.Unlock()

	metrics.SetClusterUnhealthy(c.name, float64(unhealthy))
}

func (c *RoundRobin) probe(ctx context.Context, client *http.Client, ep *Endpoint, hc HealthCheckConfig) bool {
	urlCopy := *ep.URL
	urlCopy.Path = hc.Path

	hctx, cancel := context.WithTimeout(ctx, hc.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(hctx, http.MethodGet, urlCopy.String(), nil)
	if err != nil {
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 400
}
