package router

import (
	"context"
	"net/http"
	"sync"
	"time"
)

// EndpointHealth tracks liveness for one configured endpoint so the
// router can warm up and reorder around failures without waiting for a
// live request to discover an outage.
type EndpointHealth struct {
	mu       sync.RWMutex
	healthy  map[string]bool
	client   HTTPDoer
	interval time.Duration
	stopCh   chan struct{}
}

// NewEndpointHealth constructs a warmup/health loop for the given
// endpoints, assuming healthy until proven otherwise.
func NewEndpointHealth(client HTTPDoer, endpoints []Endpoint, interval time.Duration) *EndpointHealth {
	h := &EndpointHealth{
		healthy:  make(map[string]bool, len(endpoints)),
		client:   client,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
	for _, ep := range endpoints {
		h.healthy[ep.BaseURL] = true
	}
	return h
}

// IsHealthy reports the last-known liveness of the endpoint.
func (h *EndpointHealth) IsHealthy(baseURL string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.healthy[baseURL]
}

// Warmup probes every endpoint once, synchronously, so the router has an
// initial liveness picture before serving its first request.
func (h *EndpointHealth) Warmup(ctx context.Context) {
	h.probeAll(ctx)
}

// Start runs the periodic health probe loop until Stop is called.
func (h *EndpointHealth) Start() {
	go func() {
		ticker := time.NewTicker(h.interval)
		defer ticker.Stop()
		for {
			select {
			case <-h.stopCh:
				return
			case <-ticker.C:
				h.probeAll(context.Background())
			}
		}
	}()
}

// Stop halts the periodic probe loop.
func (h *EndpointHealth) Stop() {
	close(h.stopCh)
}

func (h *EndpointHealth) probeAll(ctx context.Context) {
	h.mu.RLock()
	urls := make([]string, 0, len(h.healthy))
	for u := range h.healthy {
		urls = append(urls, u)
	}
	h.mu.RUnlock()

	for _, baseURL := range urls {
		ok := h.probe(ctx, baseURL)
		h.mu.Lock()
		h.healthy[baseURL] = ok
		h.mu.Unlock()
	}
}

func (h *EndpointHealth) probe(ctx context.Context, baseURL string) bool {
	probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(probeCtx, http.MethodHead, baseURL, nil)
	if err != nil {
		return false
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode < 500
}

// OrderedEndpoints returns endpoints with healthy ones first, preserving
// relative order within each group — the fallback loop tries these in
// sequence.
func (h *EndpointHealth) OrderedEndpoints(endpoints []Endpoint) []Endpoint {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ordered := make([]Endpoint, 0, len(endpoints))
	var unhealthy []Endpoint
	for _, ep := range endpoints {
		if h.healthy[ep.BaseURL] {
			ordered = append(ordered, ep)
		} else {
			unhealthy = append(unhealthy, ep)
		}
	}
	return append(ordered, unhealthy...)
}
