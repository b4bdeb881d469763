package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// wireServiceSpec mirrors the canonical on-wire ServiceSpec document exactly;
// ServiceSpec itself carries TenantID/Name/SpecHash out of band, so hashing
// goes through this narrower view.
type wireServiceSpec struct {
	Image       string               `json:"image"`
	Ports       []int32              `json:"ports"`
	Env         map[string]EnvValue  `json:"env,omitempty"`
	Resources   ResourceRequirements `json:"resources,omitempty"`
	Autoscale   Autoscale            `json:"autoscale,omitempty"`
	HealthCheck HealthCheck          `json:"healthCheck"`
	Strategy    Strategy             `json:"strategy"`
	HealthGate  HealthGate           `json:"healthGate"`
}

func toWire(s ServiceSpec) wireServiceSpec {
	return wireServiceSpec{
		Image:       s.Image,
		Ports:       s.Ports,
		Env:         s.Env,
		Resources:   s.Resources,
		Autoscale:   s.Autoscale,
		HealthCheck: s.HealthCheck,
		Strategy:    s.Strategy,
		HealthGate:  s.HealthGate,
	}
}

// CanonicalJSON marshals a ServiceSpec's wire document with map keys sorted
// and no insignificant whitespace, so identical specs always produce
// byte-identical output regardless of construction order.
func CanonicalJSON(s ServiceSpec) ([]byte, error) {
	raw, err := json.Marshal(toWire(s))
	if err != nil {
		return nil, err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return canonicalEncode(generic)
}

func canonicalEncode(v any) ([]byte, error) {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := []byte{'{'}
		for i, k := range keys {
			if i > 0 {
				out = append(out, ',')
			}
			kb, _ := json.Marshal(k)
			out = append(out, kb...)
			out = append(out, ':')
			vb, err := canonicalEncode(val[k])
			if err != nil {
				return nil, err
			}
			out = append(out, vb...)
		}
		out = append(out, '}')
		return out, nil
	case []any:
		out := []byte{'['}
		for i, item := range val {
			if i > 0 {
				out = append(out, ',')
			}
			ib, err := canonicalEncode(item)
			if err != nil {
				return nil, err
			}
			out = append(out, ib...)
		}
		out = append(out, ']')
		return out, nil
	default:
		return json.Marshal(val)
	}
}

// CanonicalHash returns the hex SHA-256 of the canonicalized ServiceSpec
// document. Canonicalize(spec) -> hash -> Canonicalize(spec) is the
// identity: hashing the same canonical bytes twice yields the same digest.
func CanonicalHash(s ServiceSpec) (string, error) {
	b, err := CanonicalJSON(s)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// BuildKey computes the content-addressing idempotency key for a build
// request: identical (tenant, repo, commit, buildEnv) tuples collapse onto
// the same key.
func BuildKey(tenantID, repoURL, commitSHA string, buildEnv map[string]string) string {
	keys := make([]string, 0, len(buildEnv))
	for k := range buildEnv {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	h := sha256.New()
	h.Write([]byte(tenantID))
	h.Write([]byte{0})
	h.Write([]byte(repoURL))
	h.Write([]byte{0})
	h.Write([]byte(commitSHA))
	h.Write([]byte{0})
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{'='})
		h.Write([]byte(buildEnv[k]))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
