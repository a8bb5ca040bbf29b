package circuitbreaker

import (
	"net/http"

	"go.uber.org/zap"
)

// Transport is an http.RoundTripper that routes every request through a
// circuit breaker. 5xx responses count as breaker failures but are still
// returned to the caller; 4xx responses never trip the breaker.
type Transport struct {
	base    http.RoundTripper
	cb      *CircuitBreaker
	service string
}

// NewTransport wraps base (http.DefaultTransport when nil) with a breaker
// registered under name/service in the global metrics collector.
func NewTransport(base http.RoundTripper, name, service string, cfg CircuitBreakerConfig, logger *zap.Logger) *Transport {
	if base == nil {
		base = http.DefaultTransport
	}
	cb := NewCircuitBreaker(name, cfg.ToConfig(), logger)
	GlobalMetricsCollector.RegisterCircuitBreaker(name, service, cb)
	return &Transport{base: base, cb: cb, service: service}
}

// Breaker exposes the underlying breaker for health reporting.
func (t *Transport) Breaker() *CircuitBreaker { return t.cb }

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	var resp *http.Response
	err := t.cb.Execute(req.Context(), func() error {
		var err error
		resp, err = t.base.RoundTrip(req)
		if err != nil {
			return err
		}
		if resp.StatusCode >= 500 {
			return &httpStatusError{code: resp.StatusCode}
		}
		return nil
	})

	GlobalMetricsCollector.RecordRequest(t.cb.Name(), t.service, t.cb.State(), err == nil)

	if _, ok := err.(*httpStatusError); ok {
		return resp, nil
	}
	return resp, err
}

type httpStatusError struct{ code int }

func (e *httpStatusError) Error() string { return http.StatusText(e.code) }
