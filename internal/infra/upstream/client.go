// Package upstream issues approved GraphQL requests to the orchestration
// server. The client bounds per-request time and the number of concurrent
// upstream connections; it is the gateway's admission-control boundary.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"flowgate/internal/domain"
)

const maxResponseBytes = 16 << 20

type Client struct {
	url    string
	httpDo func(*http.Request) (*http.Response, error)
}

func NewClient(url string, timeout time.Duration, maxConns int) (*Client, error) {
	if strings.TrimSpace(url) == "" {
		return nil, errors.New("upstream url is required")
	}
	if maxConns <= 0 {
		maxConns = 64
	}
	transport := &http.Transport{
		MaxConnsPerHost:     maxConns,
		MaxIdleConnsPerHost: maxConns,
	}
	client := &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
	return &Client{url: url, httpDo: client.Do}, nil
}

// NewClientWithDoer is for tests that stub the HTTP round trip.
func NewClientWithDoer(url string, doer func(*http.Request) (*http.Response, error)) *Client {
	return &Client{url: url, httpDo: doer}
}

// Forward posts the request upstream. Queries are retried once on a
// transient transport failure; mutations are never retried, a sent mutation
// is committed from the gateway's perspective. Upstream HTTP error statuses
// are not failures here: the body is relayed so GraphQL-level errors stay
// visible to the client.
func (c *Client) Forward(ctx context.Context, req domain.GraphQLRequest, kind domain.OperationKind) (*domain.UpstreamResponse, error) {
	resp, err := c.post(ctx, req)
	if err != nil && kind == domain.OperationQuery && retriable(ctx, err) {
		resp, err = c.post(ctx, req)
	}
	if err != nil {
		return nil, translate(ctx, err)
	}
	return resp, nil
}

func (c *Client) post(ctx context.Context, req domain.GraphQLRequest) (*domain.UpstreamResponse, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	// Only safe headers travel upstream; the inbound Authorization header
	// never does.
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	httpResp, err := c.httpDo(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		return nil, err
	}
	contentType := httpResp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/json"
	}
	return &domain.UpstreamResponse{
		Status:      httpResp.StatusCode,
		ContentType: contentType,
		Body:        body,
	}, nil
}

func retriable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return false
	}
	return true
}

func translate(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", domain.ErrUpstreamTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", domain.ErrUpstreamTimeout, err)
	}
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %v", domain.ErrUpstreamTimeout, ctx.Err())
	}
	return fmt.Errorf("%w: %v", domain.ErrUpstreamUnreachable, err)
}

var _ domain.Forwarder = (*Client)(nil)
