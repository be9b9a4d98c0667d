package http

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync/atomic"

	"github.com/ValentinKolb/dCtx/rpc/common"
	"github.com/ValentinKolb/dCtx/rpc/transport"
)

func NewHttpClientTransport() transport.IRPCClientTransport {
	return &httpClientTransport{}
}

type httpClientTransport struct {
	serverURLs []*url.URL
	client     *http.Client
	config     common.ClientConfig
	counter    uint32
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IRPCClientTransport)
// --------------------------------------------------------------------------

func (t *httpClientTransport) Connect(config common.ClientConfig) error {
	if len(config.Transport.Endpoints) == 0 {
		return fmt.Errorf("no endpoints provided")
	}

	// Parse each server URL
	parsedURLs := make([]*url.URL, len(config.Transport.Endpoints))
	for i, server := range config.Transport.Endpoints {
		parsedURL, err := url.Parse(withScheme(server))
		if err != nil {
			return err
		}
		parsedURLs[i] = parsedURL
	}

	// Create client with default transport
	t.client = &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: max(10, config.Transport.ConnectionsPerEndpoint),
			IdleConnTimeout:     config.Timeout(),
			WriteBufferSize:     config.Transport.WriteBufferSize,
			ReadBufferSize:      config.Transport.ReadBufferSize,
		},
	}

	t.serverURLs = parsedURLs
	t.counter = 0
	t.config = config

	// No error
	return nil
}

func (t *httpClientTransport) Send(ctx context.Context, channel uint64, req []byte) ([]byte, error) {
	// Check if the transport is initialized
	if t.client == nil {
		return nil, transport.SendError("http", fmt.Errorf("http transport not initialized"))
	}

	ctx, cancel := transport.RequestContext(ctx, t.config.Timeout())
	defer cancel()

	maxRetries := max(1, t.config.Transport.RetryCount)

	var lastErr error
	for i := 0; i < maxRetries; i++ {
		// Select the next server via round-robin
		idx := atomic.AddUint32(&t.counter, 1) % uint32(len(t.serverURLs))
		serverURL := t.serverURLs[idx]

		resp, retry, err := t.do(ctx, serverURL, channel, req)
		if err == nil {
			return resp, nil
		}
		if !retry {
			return nil, err
		}

		lastErr = err
		Logger.Debugf("Request attempt %d/%d to %s failed: %v", i+1, maxRetries, serverURL, err)
		if i+1 < maxRetries && !transport.Backoff(ctx, i) {
			break
		}
	}
	return nil, lastErr
}

func (t *httpClientTransport) Close() error {
	// Close the client
	if t.client != nil {
		t.client.CloseIdleConnections()
	}

	// Reset the client and server URLs
	t.client = nil
	t.serverURLs = nil

	return nil
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// do sends one request, the boolean reports whether the failure may be retried
func (t *httpClientTransport) do(ctx context.Context, serverURL *url.URL, channel uint64, req []byte) ([]byte, bool, error) {
	// Create the complete URL
	requestURL := fmt.Sprintf("%s/%d", serverURL.String(), channel)

	// The body is consumed by every attempt, so the request is recreated each time
	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, requestURL, bytes.NewReader(req))
	if err != nil {
		return nil, false, transport.SendError(serverURL.Host, err)
	}

	httpResponse, err := t.client.Do(httpRequest)
	if err != nil {
		if transport.IsTimeout(err) {
			return nil, false, transport.TimeoutError(serverURL.Host, err)
		}
		return nil, true, transport.SendError(serverURL.Host, err)
	}
	defer func() {
		if err := httpResponse.Body.Close(); err != nil {
			Logger.Errorf("Failed to close response body: %v", err)
		}
	}()

	// Check if the response status code is OK
	if httpResponse.StatusCode != http.StatusOK {
		return nil, false, transport.SendError(serverURL.Host, fmt.Errorf("http error: %s", httpResponse.Status))
	}

	// Read the response body
	body, err := io.ReadAll(httpResponse.Body)
	if err != nil {
		if transport.IsTimeout(err) || errors.Is(err, context.DeadlineExceeded) {
			return nil, false, transport.TimeoutError(serverURL.Host, err)
		}
		return nil, false, transport.SendError(serverURL.Host, err)
	}
	return body, false, nil
}

// withScheme adds http:// to plain host:port endpoints
func withScheme(endpoint string) string {
	if len(endpoint) >= 7 && (endpoint[:7] == "http://" || (len(endpoint) >= 8 && endpoint[:8] == "https://")) {
		return endpoint
	}
	return "http://" + endpoint
}
