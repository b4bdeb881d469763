package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cuemby/orchestrator/internal/domain"
)

// HTTPAdapter is the default Gateway implementation: it speaks JSON over
// plain net/http to an assumed external cluster-manager API. It replaces
// a generated-gRPC client (pkg/client), whose stub package is
// not part of this module — see DESIGN.md.
type HTTPAdapter struct {
	BaseURL string
	Client  *http.Client
}

// NewHTTPAdapter constructs an adapter against baseURL, defaulting to a
// 10s per-request timeout (matching the webhook success window,
// a reasonable default for a cluster-manager round trip too).
func NewHTTPAdapter(baseURL string) *HTTPAdapter {
	return &HTTPAdapter{
		BaseURL: baseURL,
		Client:  &http.Client{Timeout: 10 * time.Second},
	}
}

type applyWorkloadRequest struct {
	TenantID string  `json:"tenantId"`
	Name     string  `json:"name"`
	Version  string  `json:"version"`
	Spec     PodSpec `json:"spec"`
}

type applyWorkloadResponse struct {
	Handle string `json:"handle"`
}

func (a *HTTPAdapter) ApplyWorkload(ctx context.Context, tenantID, name, version string, spec PodSpec) (WorkloadHandle, error) {
	var resp applyWorkloadResponse
	err := a.do(ctx, http.MethodPost, "/workloads/apply", applyWorkloadRequest{
		TenantID: tenantID, Name: name, Version: version, Spec: spec,
	}, &resp)
	if err != nil {
		return "", err
	}
	return WorkloadHandle(resp.Handle), nil
}

func (a *HTTPAdapter) ScaleWorkload(ctx context.Context, handle WorkloadHandle, replicas int) error {
	return a.do(ctx, http.MethodPost, "/workloads/"+string(handle)+"/scale",
		struct {
			Replicas int `json:"replicas"`
		}{replicas}, nil)
}

func (a *HTTPAdapter) DeleteWorkload(ctx context.Context, handle WorkloadHandle) error {
	return a.do(ctx, http.MethodDelete, "/workloads/"+string(handle), nil, nil)
}

func (a *HTTPAdapter) GetWorkloadStatus(ctx context.Context, handle WorkloadHandle) (WorkloadStatus, error) {
	var status WorkloadStatus
	err := a.do(ctx, http.MethodGet, "/workloads/"+string(handle)+"/status", nil, &status)
	return status, err
}

func (a *HTTPAdapter) WatchWorkloadEvents(ctx context.Context, handle WorkloadHandle) (<-chan WorkloadEvent, error) {
	// A real adapter would open a streaming connection (SSE/websocket) to
	// the cluster manager; lazy polling fallback keeps this adapter
	// dependency-free while satisfying the "lazy stream until cancelled"
	// contract.
	ch := make(chan WorkloadEvent, 16)
	go func() {
		defer close(ch)
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				status, err := a.GetWorkloadStatus(ctx, handle)
				if err != nil {
					return
				}
				ch <- WorkloadEvent{Type: "status", Message: fmt.Sprintf("ready=%d/%d", status.Ready, status.Replicas), Timestamp: time.Now()}
			}
		}
	}()
	return ch, nil
}

type programRouteRequest struct {
	Service  string    `json:"service"`
	Backends []Backend `json:"backends"`
	Ports    []int32   `json:"ports"`
}

func (a *HTTPAdapter) ProgramRoute(ctx context.Context, service string, backends []Backend, ports []int32) error {
	return a.do(ctx, http.MethodPut, "/routes/"+service, programRouteRequest{
		Service: service, Backends: backends, Ports: ports,
	}, nil)
}

func (a *HTTPAdapter) GetRouteProgram(ctx context.Context, service string) ([]Backend, error) {
	var backends []Backend
	err := a.do(ctx, http.MethodGet, "/routes/"+service, nil, &backends)
	return backends, err
}

func (a *HTTPAdapter) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return domain.NewGatewayError(domain.KindPermanent, path, err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.BaseURL+path, reader)
	if err != nil {
		return domain.NewGatewayError(domain.KindPermanent, path, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.Client.Do(req)
	if err != nil {
		return domain.NewGatewayError(domain.KindTransient, path, err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(path, resp.StatusCode); err != nil {
		return err
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return domain.NewGatewayError(domain.KindPermanent, path, err)
		}
	}
	return nil
}

func classifyStatus(op string, code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusConflict:
		return domain.NewGatewayError(domain.KindConflict, op, fmt.Errorf("conflict: status %d", code))
	case code == http.StatusTooManyRequests || code >= 500:
		return domain.NewGatewayError(domain.KindTransient, op, fmt.Errorf("transient: status %d", code))
	default:
		return domain.NewGatewayError(domain.KindPermanent, op, fmt.Errorf("permanent: status %d", code))
	}
}
