package telemetry

import (
	"net/http"
)

// InstrumentedTransport counts upstream dispatches on an underlying
// http.RoundTripper. Every request that actually leaves for an
// upstream registry passes through here, so the counter sits at the
// single choke point rather than in each call site.
type InstrumentedTransport struct {
	base http.RoundTripper
}

// NewInstrumentedTransport wraps base with upstream request counting.
// If base is nil, http.DefaultTransport is used.
func NewInstrumentedTransport(base http.RoundTripper) *InstrumentedTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &InstrumentedTransport{base: base}
}

// RoundTrip implements http.RoundTripper.
func (t *InstrumentedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	UpstreamRequests.Inc()
	return t.base.RoundTrip(req)
}
