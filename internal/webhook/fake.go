package webhook

import (
	"io"
	"net/http"
	"sync"
)

// FakeTransport is an http.RoundTripper double that returns a scripted
// sequence of status codes (or an error) per call, recording every
// request body and signature header it observes.
type FakeTransport struct {
	mu sync.Mutex

	// Statuses is consumed one entry per RoundTrip call; once exhausted
	// the last entry repeats.
	Statuses []int
	Err      error

	Requests []RecordedRequest
}

// RecordedRequest captures what a fake delivery attempt sent.
type RecordedRequest struct {
	URL       string
	Body      []byte
	Signature string
	EventID   string
}

func (f *FakeTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var body []byte
	if req.Body != nil {
		body, _ = io.ReadAll(req.Body)
		req.Body.Close()
	}
	f.Requests = append(f.Requests, RecordedRequest{
		URL:       req.URL.String(),
		Body:      body,
		Signature: req.Header.Get("X-Webhook-Signature"),
		EventID:   req.Header.Get("X-Webhook-Id"),
	})

	if f.Err != nil {
		return nil, f.Err
	}

	status := http.StatusOK
	if len(f.Statuses) > 0 {
		idx := len(f.Requests) - 1
		if idx >= len(f.Statuses) {
			idx = len(f.Statuses) - 1
		}
		status = f.Statuses[idx]
	}
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(nil),
		Header:     make(http.Header),
	}, nil
}

// Count returns the number of RoundTrip calls observed so far.
func (f *FakeTransport) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Requests)
}
