// Package health performs single-shot liveness queries against a service's
// GET /health endpoint.
package health

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"
)

// DefaultTimeout bounds one probe when the caller configures none.
const DefaultTimeout = 3 * time.Second

// Result is the outcome of one probe.
type Result struct {
	Healthy   bool
	CheckedAt time.Time
	Err       error // reason for an unhealthy verdict, nil when healthy
}

// Prober issues one GET per call. Connection failures, timeouts and non-2xx
// responses all reduce to Healthy == false. There are no retries.
type Prober struct {
	client *http.Client
	now    func() time.Time
}

// NewProber returns a Prober whose requests time out after timeout (DefaultTimeout if <= 0).
// HTTPS endpoints are probed without verifying the certificate: services
// commonly run with a self-signed one and only liveness is asked for.
func NewProber(timeout time.Duration) *Prober {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // liveness only
	return &Prober{client: &http.Client{Timeout: timeout, Transport: tr}, now: time.Now}
}

// URL builds the health endpoint address for host:port, using https when
// secure is set.
func URL(host string, port int, secure bool) string {
	if host == "" {
		host = "127.0.0.1"
	}
	scheme := "http"
	if secure {
		scheme = "https"
	}
	return scheme + "://" + net.JoinHostPort(host, strconv.Itoa(port)) + "/health"
}

// Probe performs one liveness query against url.
func (p *Prober) Probe(ctx context.Context, url string) (res Result) {
	defer func() { res.CheckedAt = p.now() }()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		res.Err = err
		return res
	}
	resp, err := p.client.Do(req)
	if err != nil {
		res.Err = err
		return res
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		res.Err = fmt.Errorf("health endpoint returned %d", resp.StatusCode)
		return res
	}
	res.Healthy = true
	return res
}
