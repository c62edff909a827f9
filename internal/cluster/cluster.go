// Package cluster tracks the physical endpoints behind a logical upstream name
// (the shell origin, the hosted backend) and decides which of them can take traffic.
package cluster

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"
)

var (
	ErrNoEndpoints      = errors.New("cluster has no endpoints")
	ErrNoAliveEndpoints = errors.New("cluster has no alive endpoints")
)

type Endpoint struct {
	URL   *url.URL
	Alive bool

	hcFailures       int
	hcSuccesses      int
	cbFailures       int
	circuitOpenUntil time.Time
}

type HealthCheckConfig struct {
	Path               string
	Interval           time.Duration
	Timeout            time.Duration
	UnhealthyThreshold int
	HealthyThreshold   int
}

type CircuitBreakerConfig struct {
	ConsecutiveFailures int
	Cooldown            time.Duration
}

type Cluster interface {
	Name() string
	PickEndpoint() (*Endpoint, error)
	ReportSuccess(ep *Endpoint)
	ReportFailure(ep *Endpoint)
	StartHealthChecks(ctx context.Context, client *http.Client)
}
