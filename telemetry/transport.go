package telemetry

import (
	"context"
	"io"
	"net/http"
	"time"
)

// InstrumentedTransport wraps an http.RoundTripper with upstream fetch metrics
// and a User-Agent default.
type InstrumentedTransport struct {
	base      http.RoundTripper
	handler   string
	userAgent string
}

// NewInstrumentedTransport creates a new instrumented transport for the
// handler registered under prefix. If base is nil, http.DefaultTransport is used.
func NewInstrumentedTransport(base http.RoundTripper, prefix string) *InstrumentedTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &InstrumentedTransport{base: base, handler: prefix}
}

// WithUserAgent sets the User-Agent sent when a request carries none.
func (t *InstrumentedTransport) WithUserAgent(ua string) *InstrumentedTransport {
	t.userAgent = ua
	return t
}

// RoundTrip implements http.RoundTripper with metrics recording.
func (t *InstrumentedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()

	if t.userAgent != "" && req.Header.Get("User-Agent") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", t.userAgent)
	}

	resp, err := t.base.RoundTrip(req)
	duration := time.Since(start)

	if err != nil {
		outcome := "error"
		if req.Context().Err() != nil {
			outcome = "canceled"
		}
		RecordUpstreamFetch(req.Context(), t.handler, duration, 0, outcome)
		return nil, err
	}

	outcome := fetchOutcome(resp.StatusCode)
	resp.Body = &instrumentedBody{
		ReadCloser: resp.Body,
		ctx:        req.Context(),
		handler:    t.handler,
		start:      start,
		outcome:    outcome,
	}

	return resp, nil
}

// fetchOutcome classifies a response status. Range replies are told apart
// from whole-body replies so servers that ignore Range show up.
func fetchOutcome(status int) string {
	switch {
	case status == http.StatusPartialContent:
		return "partial"
	case status == http.StatusNotModified:
		return "not_modified"
	case status == http.StatusRequestedRangeNotSatisfiable:
		return "range_not_satisfiable"
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	default:
		return "success"
	}
}

// instrumentedBody wraps a response body to record bytes read on close.
type instrumentedBody struct {
	io.ReadCloser
	ctx      context.Context
	handler  string
	start    time.Time
	bytes    int64
	outcome  string
	recorded bool
}

func (b *instrumentedBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	b.bytes += int64(n)
	return n, err
}

func (b *instrumentedBody) Close() error {
	if !b.recorded {
		b.recorded = true
		RecordUpstreamFetch(b.ctx, b.handler, time.Since(b.start), b.bytes, b.outcome)
	}
	return b.ReadCloser.Close()
}
