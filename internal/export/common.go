// Package export implements the exporter: it serializes a flushed batch
// once per backend kind and fans the send out concurrently across that
// kind's configured endpoints, retrying with bounded exponential backoff
// and treating the batch as delivered once any one endpoint accepts it
// (a BackendSpec's HA model). The retry scheduling is semaphore-free: a
// batch's own goroutines, not a shared pool, own its retries, since
// retries are bounded per batch rather than globally.
package export

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"os"
	"time"
)

// TLSConfig holds per-sink TLS settings. SLE's endpoints are plain
// host:port or URL strings from config, so TLS is opportunistic:
// an https:// endpoint gets the default transport unless a TLSConfig is
// supplied out of band by a future config extension.
type TLSConfig struct {
	CertFile           string
	KeyFile            string
	CAFile             string
	InsecureSkipVerify bool
}

func buildTLSConfig(c TLSConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{InsecureSkipVerify: c.InsecureSkipVerify}

	if c.CertFile != "" && c.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load cert/key pair: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	if c.CAFile != "" {
		caCert, err := os.ReadFile(c.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("parse CA certificate")
		}
		tlsConfig.RootCAs = pool
	}
	return tlsConfig, nil
}

// newHTTPClient builds the shared client used by the Loki and generic
// HTTP senders, with a bounded per-request timeout: the retry budget
// assumes a single attempt never blocks past a few seconds.
func newHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConnsPerHost: 8,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}

// retryBackoffs is the exponential schedule: 100ms, 200ms, 400ms, 800ms,
// with later attempts (there are none beyond maxRetries) capped at 5s.
var retryBackoffs = []time.Duration{
	100 * time.Millisecond,
	200 * time.Millisecond,
	400 * time.Millisecond,
	800 * time.Millisecond,
}

const maxRetryBackoff = 5 * time.Second

func backoffFor(attempt int) time.Duration {
	if attempt < len(retryBackoffs) {
		return retryBackoffs[attempt]
	}
	return maxRetryBackoff
}

const maxRetries = 4

// defaultSendTimeout bounds a single HTTP attempt at 5s, within the 10s
// per-request deadline a backend is expected to honor. It is well over
// the smallest inter-retry gap (100ms), so a slow-but-not-hung endpoint
// still gets a full attempt before backoff kicks in.
const defaultSendTimeout = 5 * time.Second

// retryableStatus reports whether an HTTP response status should be
// retried: 429 and any 5xx. Other 4xx codes indicate the request itself
// is malformed and retrying it unchanged would just repeat the failure.
func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}
