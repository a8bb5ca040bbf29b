package citations

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Verifier performs a lightweight reachability check of a cited URL.
type Verifier interface {
	Verify(ctx context.Context, rawURL string) bool
}

// HTTPVerifier checks reachability with HEAD, falling back to a ranged GET
// for servers that reject HEAD.
type HTTPVerifier struct {
	client  *http.Client
	timeout time.Duration
	logger  *zap.Logger
}

// NewHTTPVerifier builds a verifier. Every URL is judged on its own check;
// failures on one host never affect another.
func NewHTTPVerifier(timeout time.Duration, logger *zap.Logger) *HTTPVerifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPVerifier{
		client: &http.Client{
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 5 {
					return http.ErrUseLastResponse
				}
				return nil
			},
		},
		timeout: timeout,
		logger:  logger,
	}
}

// Verify implements Verifier.
func (v *HTTPVerifier) Verify(ctx context.Context, rawURL string) bool {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	code, err := v.do(ctx, http.MethodHead, rawURL)
	if err == nil && (code == http.StatusMethodNotAllowed || code == http.StatusForbidden || code == http.StatusNotImplemented) {
		code, err = v.do(ctx, http.MethodGet, rawURL)
	}
	if err != nil {
		v.logger.Debug("Citation check failed", zap.String("url", rawURL), zap.Error(err))
		return false
	}
	return code < http.StatusBadRequest
}

func (v *HTTPVerifier) do(ctx context.Context, method, rawURL string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("User-Agent", "research-orchestrator/1.0 (citation check)")
	if method == http.MethodGet {
		req.Header.Set("Range", "bytes=0-0")
	}
	resp, err := v.client.Do(req)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	return resp.StatusCode, nil
}
