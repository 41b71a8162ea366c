package provider

import (
	"net"
	"net/http"
	"sync"
	"time"
)

const oracleHTTPTimeout = 120 * time.Second

var (
	sharedOnce   sync.Once
	sharedClient *http.Client
)

// oracleHTTPClient returns the pooled client shared by every oracle, so the
// decision and generation providers reuse connections to the same host.
func oracleHTTPClient() *http.Client {
	sharedOnce.Do(func() {
		sharedClient = newPooledClient(oracleHTTPTimeout)
	})
	return sharedClient
}

func newPooledClient(timeout time.Duration) *http.Client {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        20,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: timeout,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}
