// Package capability probes the upstream storefront platform's support for
// the fixed set of mutation categories Hanbai can perform, and caches the
// verdict per tenant scope.
//
// Probes are read-only or preview-only by construction, so re-probing is
// always safe: no locking guards the cache and concurrent recomputation
// simply overwrites the report.
package capability

import (
	"context"
	"time"

	"github.com/okonuma/hanbai/internal/hanbai/kv"
	"github.com/okonuma/hanbai/internal/hanbai/observability"
	"github.com/okonuma/hanbai/internal/hanbai/upstream"
)

// SupportStatus classifies the outcome of a single capability probe.
type SupportStatus string

const (
	StatusSupported     SupportStatus = "supported"
	StatusUnsupported   SupportStatus = "unsupported"
	StatusMisconfigured SupportStatus = "misconfigured"
	StatusOffline       SupportStatus = "offline"
	StatusUnknown       SupportStatus = "unknown"
)

// TriState is the three-valued answer to "is this capability supported".
type TriState int

const (
	Unknown TriState = iota
	True
	False
)

// Probe describes one capability check against the upstream API. The probe
// set is fixed at compile time and not runtime-mutable.
type Probe struct {
	Key      string
	Method   string
	Endpoint string
	Payload  map[string]any
}

// Probes is the fixed set of capability probes. Every endpoint here is
// preview-only: probing never mutates upstream state.
var Probes = []Probe{
	{Key: "price_update", Method: "PUT", Endpoint: "/v2/products/_probe/price", Payload: map[string]any{"dry_run": true}},
	{Key: "discount_create", Method: "POST", Endpoint: "/v2/offer_codes/_probe", Payload: map[string]any{"dry_run": true}},
	{Key: "product_publish", Method: "PUT", Endpoint: "/v2/products/_probe/publish", Payload: map[string]any{"dry_run": true}},
}

// Capability is the verdict for one probed key.
type Capability struct {
	Supported  TriState
	Status     SupportStatus
	StatusCode int
	Endpoint   string
	Method     string
}

// Report is the result of probing every configured capability for one
// tenant scope.
type Report struct {
	CheckedAt    time.Time
	Capabilities map[string]Capability
}

// DefaultCacheTTL is how long a cached report stays valid.
const DefaultCacheTTL = 6 * time.Hour

// Registry probes capabilities and caches reports per tenant scope.
type Registry struct {
	doer   upstream.Doer
	cache  *kv.Store
	ttl    time.Duration
	probes []Probe
}

// NewRegistry creates a Registry. Pass ttl 0 to use DefaultCacheTTL.
func NewRegistry(doer upstream.Doer, cache *kv.Store, ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Registry{doer: doer, cache: cache, ttl: ttl, probes: Probes}
}

// Probe issues one request per configured probe and classifies each HTTP
// outcome:
//
//	404              -> unsupported (endpoint does not exist upstream)
//	401, 403         -> misconfigured (credentials rejected)
//	200, 422         -> supported (endpoint exists; 422 means it validated us)
//	transport error  -> offline
//	anything else    -> unknown
func (r *Registry) Probe(ctx context.Context, tenantScope string) *Report {
	report := &Report{
		CheckedAt:    time.Now().UTC(),
		Capabilities: make(map[string]Capability, len(r.probes)),
	}

	for _, p := range r.probes {
		cap := Capability{Endpoint: p.Endpoint, Method: p.Method}

		resp, err := r.doer.Do(ctx, p.Method, p.Endpoint, p.Payload)
		switch {
		case err != nil:
			cap.Supported = Unknown
			cap.Status = StatusOffline
			observability.WithTrace(ctx).Warn("capability probe failed", "key", p.Key, "scope", tenantScope, "err", err)
		case resp.StatusCode == 404:
			cap.Supported = False
			cap.Status = StatusUnsupported
			cap.StatusCode = resp.StatusCode
		case resp.StatusCode == 401 || resp.StatusCode == 403:
			cap.Supported = False
			cap.Status = StatusMisconfigured
			cap.StatusCode = resp.StatusCode
		case resp.StatusCode == 200 || resp.StatusCode == 422:
			cap.Supported = True
			cap.Status = StatusSupported
			cap.StatusCode = resp.StatusCode
		default:
			cap.Supported = Unknown
			cap.Status = StatusUnknown
			cap.StatusCode = resp.StatusCode
		}

		report.Capabilities[p.Key] = cap
	}

	r.cache.Set(cacheKey(tenantScope), report, r.ttl)
	return report
}

// Get returns the cached report for tenantScope when present and not
// forced, otherwise probes and caches a fresh one.
func (r *Registry) Get(ctx context.Context, tenantScope string, forceRefresh bool) *Report {
	if !forceRefresh {
		if v, ok := r.cache.Get(cacheKey(tenantScope)); ok {
			if report, ok := v.(*Report); ok {
				return report
			}
		}
	}
	return r.Probe(ctx, tenantScope)
}

// SupportedFor looks up a single capability in report, returning Unknown
// for missing or malformed entries.
func SupportedFor(report *Report, key string) TriState {
	if report == nil || report.Capabilities == nil {
		return Unknown
	}
	cap, ok := report.Capabilities[key]
	if !ok {
		return Unknown
	}
	return cap.Supported
}

func cacheKey(tenantScope string) string {
	return "capability:" + tenantScope
}
