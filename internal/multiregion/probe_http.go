package multiregion

import (
	"context"
	"net/http"
	"time"

	"github.com/cuemby/orchestrator/internal/health"
	"github.com/cuemby/orchestrator/internal/obs/log"
)

// HTTPRegionHealthProbe checks a region's liveness with a plain HTTP GET
// against that region's own health endpoint, the same plain-HTTP calling
// convention gateway.HTTPAdapter uses in place of the teacher's
// generated-gRPC client (see internal/gateway's doc comment). Latency is
// the observed round-trip time in milliseconds.
type HTTPRegionHealthProbe struct {
	// Endpoints maps region name to its health-check URL.
	Endpoints map[string]string
	Client    *http.Client
}

// NewHTTPRegionHealthProbe constructs a probe over endpoints, defaulting
// to a 5s per-request timeout.
func NewHTTPRegionHealthProbe(endpoints map[string]string) *HTTPRegionHealthProbe {
	return &HTTPRegionHealthProbe{
		Endpoints: endpoints,
		Client:    &http.Client{Timeout: 5 * time.Second},
	}
}

// Probe reports Healthy for a 2xx response and Unhealthy for any other
// status or when the request gets no response. It reports Unknown if the
// region has no configured endpoint or the request cannot be built.
func (p *HTTPRegionHealthProbe) Probe(ctx context.Context, region string) (health.Verdict, float64, error) {
	endpoint, ok := p.Endpoints[region]
	if !ok {
		return health.Unknown, 0, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return health.Unknown, 0, err
	}

	start := time.Now()
	resp, err := p.Client.Do(req)
	latencyMs := float64(time.Since(start).Milliseconds())
	if err != nil {
		return health.Unhealthy, latencyMs, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return health.Unhealthy, latencyMs, nil
	}
	return health.Healthy, latencyMs, nil
}

// LoggingGlobalRouter logs the route program a real implementation would
// push to an external DNS/anycast/load-balancer control plane. Actually
// programming global traffic distribution is an out-of-scope external
// collaborator (same class as the cluster-manager Gateway talks to); this
// keeps the reconciliation loop's computed program observable without
// inventing a backend the retrieved corpus gives no grounding for.
type LoggingGlobalRouter struct{}

func (LoggingGlobalRouter) ProgramGlobalRoute(ctx context.Context, tenantID, serviceName string, backends []RegionBackend) error {
	logger := log.WithService(tenantID, serviceName)
	logger.Info().Interface("backends", backends).Msg("multi-region route program computed")
	return nil
}
