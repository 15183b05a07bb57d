package httpbackend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/forensicweb/downloader/backend"
	"github.com/forensicweb/downloader/download"
)

// DefaultClientTimeoutSec defines a default timeout in seconds for our http client
const DefaultClientTimeoutSec = 30

// Based on http.DefaultTransport
//
// See https://golang.org/pkg/net/http/#RoundTripper
var transport = &http.Transport{
	Proxy: http.ProxyFromEnvironment,
	DialContext: (&net.Dialer{
		Timeout:   10 * time.Second, // was 30 * time.Second
		KeepAlive: 30 * time.Second,
	}).DialContext,
	MaxIdleConns:          100,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
}

// Backend publishes events by POSTing them as JSON.
type Backend struct {
	client  *http.Client
	reports chan backend.Report
	ctx     context.Context
}

// ID returns "http"
func (b *Backend) ID() string {
	return "http"
}

// Start starts the backend based on configuration provided by cfg. The
// optional "timeout" is given in seconds.
func (b *Backend) Start(ctx context.Context, cfg map[string]interface{}) error {
	timeout := time.Duration(DefaultClientTimeoutSec) * time.Second
	if v, ok := cfg["timeout"]; ok {
		secs, err := seconds(v)
		if err != nil {
			return err
		}
		timeout = time.Duration(secs) * time.Second
	}

	b.client = &http.Client{
		Transport: transport,
		Timeout:   timeout, // Larger than Dial + TLS timeouts
	}
	b.reports = make(chan backend.Report)
	b.ctx = ctx

	return nil
}

func seconds(v interface{}) (int64, error) {
	switch t := v.(type) {
	case json.Number:
		return t.Int64()
	case float64:
		return int64(t), nil
	case int:
		return int64(t), nil
	}
	return 0, fmt.Errorf("timeout must be a number of seconds, got %v", v)
}

// Notify posts ev to url.
func (b *Backend) Notify(url string, ev download.Event) error {
	payload, err := ev.Bytes()
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(b.ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := b.client.Do(req)
	if err != nil {
		return err
	}
	res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return fmt.Errorf("Received Status: %s", res.Status)
	}

	b.reports <- backend.Report{Event: ev, Delivered: true}
	return nil
}

// DeliveryReports returns a channel of successfully emmited events.
// Failures are returned directly by Notify() as errors.
func (b *Backend) DeliveryReports() <-chan backend.Report {
	return b.reports
}

// Stop shuts down the backend
func (b *Backend) Stop() error {
	close(b.reports)
	return nil
}
