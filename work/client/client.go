package client

import (
	"net/http"
	"time"
)

// StorageHTTPClient wraps http.Client with transport settings tuned for
// repeated range GETs against a single object-storage host: generous idle
// connection reuse, header-only response timeout, and no overall client
// timeout (per-call deadlines come from the request context).
type StorageHTTPClient struct {
	Client    *http.Client
	userAgent string
}

// NewStorageHTTPClient builds the shared outbound client used by the
// retrying storage layer.
func NewStorageHTTPClient() *StorageHTTPClient {
	client := &http.Client{
		Timeout: 0, // per-call deadlines are set on the request context
		Transport: &http.Transport{
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   32,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			DisableKeepAlives:     false,
			ResponseHeaderTimeout: 30 * time.Second,
		},
	}

	return &StorageHTTPClient{
		Client:    client,
		userAgent: "vodgate/1.0",
	}
}

// Do sets the standard outbound headers and executes the request.
func (sc *StorageHTTPClient) Do(req *http.Request) (*http.Response, error) {
	req.Header.Set("User-Agent", sc.userAgent)
	req.Header.Set("Accept", "*/*")
	return sc.Client.Do(req)
}
