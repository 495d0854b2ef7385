package credentials

import (
	"log/slog"
	"net/http"
)

// Transport adds the matching route's credentials to outgoing requests.
// Requests that already carry an Authorization header are left alone.
type Transport struct {
	base   http.RoundTripper
	creds  *Credentials
	logger *slog.Logger
}

// NewTransport wraps base, which defaults to http.DefaultTransport.
func NewTransport(base http.RoundTripper, creds *Credentials, logger *slog.Logger) *Transport {
	if base == nil {
		base = http.DefaultTransport
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{base: base, creds: creds, logger: logger}
}

// RoundTrip implements http.RoundTripper. Redirects arrive here as new
// requests and are matched against their own URL.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	route := t.creds.Match(req.URL.String())
	if route == nil || req.Header.Get("Authorization") != "" {
		return t.base.RoundTrip(req)
	}

	// RoundTrippers must not modify the caller's request.
	req = req.Clone(req.Context())
	for k, v := range route.Headers {
		req.Header.Set(k, v)
	}
	switch {
	case route.Token != "":
		req.Header.Set("Authorization", "Bearer "+route.Token)
	case route.Username != "":
		req.SetBasicAuth(route.Username, route.Password)
	}
	t.logger.Debug("attached credentials", "host", req.URL.Host, "prefix", route.Match.URLPrefix)
	return t.base.RoundTrip(req)
}

var _ http.RoundTripper = (*Transport)(nil)
