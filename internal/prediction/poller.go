package prediction

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/banshee-data/lineage/internal/httputil"
	"github.com/banshee-data/lineage/internal/monitoring"
	"github.com/banshee-data/lineage/internal/timeutil"
)

var errNotReady = errors.New("service reports not ready")

// Poller periodically checks whether the prediction service is reachable.
// Engines never wait on it; callers consult Available to warn early.
type Poller struct {
	http      httputil.HTTPClient
	url       string
	clock     timeutil.Clock
	interval  time.Duration
	available atomic.Bool
}

// NewPoller creates a poller for the service at baseURL.
func NewPoller(c httputil.HTTPClient, baseURL string, clock timeutil.Clock, interval time.Duration) *Poller {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Poller{
		http:     httputil.OrDefault(c),
		url:      strings.TrimRight(baseURL, "/") + "/" + endpointState,
		clock:    clock,
		interval: interval,
	}
}

// Available reports the result of the latest check.
func (p *Poller) Available() bool { return p.available.Load() }

// Check queries the state endpoint once and records the result. A check
// cut short by ctx leaves the recorded state unchanged.
func (p *Poller) Check(ctx context.Context) bool {
	var state struct {
		Ready *bool `json:"ready"`
	}
	err := httputil.DoJSON(ctx, p.http, http.MethodGet, p.url, nil, &state)
	if err != nil && ctx.Err() != nil {
		// Cancelled checks say nothing about the service.
		return false
	}
	ok := err == nil && (state.Ready == nil || *state.Ready)
	if err == nil && !ok {
		err = errNotReady
	}
	if prev := p.available.Swap(ok); prev != ok {
		if ok {
			monitoring.Logf("[prediction] service at %s is available", p.url)
		} else {
			monitoring.Logf("[prediction] service at %s is unavailable: %v", p.url, err)
		}
	}
	return ok
}

// Run checks immediately and then on every tick until ctx is done.
func (p *Poller) Run(ctx context.Context) error {
	p.Check(ctx)
	ticker := p.clock.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
			p.Check(ctx)
		}
	}
}
