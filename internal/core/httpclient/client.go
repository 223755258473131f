// Package httpclient configures the HTTP client used for speculative tile
// requests.
package httpclient

import (
	"net"
	"net/http"
	"time"
)

// NewOutbound returns a pooled client for tile warm-up. perHost bounds the
// connections kept per tile server and should be at least the dispatcher's
// fetch concurrency times the number of sessions expected to pan at once.
// The client has no overall timeout; each fetch carries its own deadline.
func NewOutbound(perHost int) *http.Client {
	if perHost <= 0 {
		perHost = 128
	}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		MaxIdleConns:          2 * perHost,
		MaxIdleConnsPerHost:   perHost,
		MaxConnsPerHost:       2 * perHost,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: 10 * time.Second,
		// tiles are already compressed; let the server pick the encoding
		DisableCompression: true,
	}
	return &http.Client{Transport: transport}
}
