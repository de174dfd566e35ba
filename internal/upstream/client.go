package upstream

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"claude-relay-go/internal/constants"
	"claude-relay-go/internal/monitoring"

	log "github.com/sirupsen/logrus"
)

// Client executes shaped upstream requests over a pooled transport. The
// response body is left open for streaming; callers own closing it.
type Client struct {
	http    *http.Client
	metrics *monitoring.Metrics
}

// ClientOptions tunes the transport. ProxyURL, when set, routes all upstream
// traffic through the given HTTP/SOCKS proxy.
type ClientOptions struct {
	ProxyURL       string
	RequestTimeout time.Duration
	Metrics        *monitoring.Metrics
}

func NewClient(opts ClientOptions) (*Client, error) {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   constants.DefaultDialTimeout,
			KeepAlive: constants.DefaultKeepAlive,
		}).DialContext,
		MaxIdleConns:          constants.BaseMaxIdleConns,
		MaxIdleConnsPerHost:   constants.BaseMaxIdleConnsPerHost,
		IdleConnTimeout:       constants.BaseIdleConnTimeout,
		TLSHandshakeTimeout:   constants.DefaultTLSHandshakeTimeout,
		ResponseHeaderTimeout: constants.UpstreamConnectTimeout,
	}
	if opts.ProxyURL != "" {
		proxy, err := url.Parse(opts.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		transport.Proxy = http.ProxyURL(proxy)
	}

	// No client-level timeout: streamed responses outlive any sane value.
	// The caller's context bounds the whole exchange instead.
	return &Client{
		http:    &http.Client{Transport: transport},
		metrics: opts.Metrics,
	}, nil
}

// Do sends one shaped request. Non-nil responses always have an open body.
func (c *Client) Do(ctx context.Context, req *Request) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	for key, values := range req.Header {
		httpReq.Header[key] = values
	}
	if httpReq.Header.Get("Accept") == "" {
		httpReq.Header.Set("Accept", "text/event-stream, application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	elapsed := time.Since(start)

	status := 0
	if resp != nil {
		status = resp.StatusCode
	}
	if c.metrics != nil {
		c.metrics.RecordUpstreamRequest(req.Provider, elapsed, status, err)
	}
	if err != nil {
		log.WithFields(log.Fields{
			"provider": req.Provider,
			"elapsed":  elapsed.Round(time.Millisecond),
		}).WithError(err).Warn("Upstream request failed")
		return nil, err
	}

	log.WithFields(log.Fields{
		"provider": req.Provider,
		"status":   status,
		"elapsed":  elapsed.Round(time.Millisecond),
	}).Debug("Upstream response headers received")
	return resp, nil
}
