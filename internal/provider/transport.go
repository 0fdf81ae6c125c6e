package provider

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/michaelbrown/relay/internal/llm"
)

// Response is what a transport hands back: the upstream status and a body
// that is either buffered or incrementally readable depending on whether
// the request asked for streaming.
type Response struct {
	Status int
	Body   io.ReadCloser
}

// Transport executes a provider request. The gateway owns retry and
// cancellation policy around it; implementations just move bytes.
type Transport interface {
	Do(ctx context.Context, req *Request) (*Response, error)
}

// HTTPTransport is the default Transport over net/http.
type HTTPTransport struct {
	Client *http.Client
}

// NewHTTPTransport builds a transport with a sane default client. The
// timeout covers connection setup only; streamed reads are bounded by the
// request context, not a wall clock, since a healthy stream can run long.
func NewHTTPTransport() *HTTPTransport {
	return &HTTPTransport{
		Client: &http.Client{
			Transport: &http.Transport{
				ResponseHeaderTimeout: 60 * time.Second,
			},
		},
	}
}

func (t *HTTPTransport) Do(ctx context.Context, req *Request) (*Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return nil, llm.Configf("building request: %v", err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	resp, err := t.Client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &llm.TransportError{Err: err}
	}

	return &Response{Status: resp.StatusCode, Body: resp.Body}, nil
}

// RetryableStatus reports upstream statuses treated as transient. These
// surface as TransportError so the gateway's backoff applies; any other
// non-2xx status is a protocol error carrying the provider's own payload.
func RetryableStatus(status int) bool {
	switch status {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}
