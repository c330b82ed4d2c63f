package invoker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/fave-labs/fave-go/internal/domain"
)

const (
	maxResponseBytes = 32 << 20
	maxErrorSnippet  = 512
)

// Live posts payloads to {gateway}/function/{stage}.
type Live struct {
	baseURL string
	client  *http.Client
	timeout time.Duration
}

// NewLive builds a live invoker. A zero timeout waits on the stage indefinitely.
func NewLive(baseURL string, client *http.Client, timeout time.Duration) (*Live, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("gateway url is required")
	}
	if client == nil {
		client = &http.Client{Transport: newTransport()}
	}
	return &Live{baseURL: baseURL, client: client, timeout: timeout}, nil
}

func (l *Live) endpoint(stage string) string {
	return l.baseURL + "/function/" + url.PathEscape(stage)
}

func (l *Live) Invoke(ctx context.Context, stage string, payload domain.StagePayload) (domain.StageResult, error) {
	fail := func(status int, body string, err error) (domain.StageResult, error) {
		return domain.StageResult{}, &StageTransportError{
			Stage:      stage,
			Fanout:     payload.Fanout,
			StatusCode: status,
			Body:       body,
			Err:        err,
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fail(0, "", fmt.Errorf("encode payload: %w", err))
	}

	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.endpoint(stage), bytes.NewReader(body))
	if err != nil {
		return fail(0, "", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if payload.RequestID != "" {
		req.Header.Set("X-Request-Id", payload.RequestID)
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return fail(0, "", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fail(resp.StatusCode, "", fmt.Errorf("read response: %w", err))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fail(resp.StatusCode, snippet(data), nil)
	}

	var result domain.StageResult
	if err := json.Unmarshal(data, &result); err != nil {
		return fail(resp.StatusCode, snippet(data), fmt.Errorf("decode stage result: %w", err))
	}
	return result.Normalize(), nil
}

func snippet(data []byte) string {
	s := strings.TrimSpace(string(data))
	if len(s) > maxErrorSnippet {
		return s[:maxErrorSnippet] + "..."
	}
	return s
}

// NewHTTPClient returns the client used for gateway calls, authenticated with
// OAuth2 client credentials when a token url is configured.
func NewHTTPClient(ctx context.Context, cfg OAuthConfig) *http.Client {
	base := &http.Client{Transport: newTransport()}
	if !cfg.Enabled() {
		return base
	}
	cc := clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.TokenURL,
		Scopes:       cfg.Scopes,
	}
	return cc.Client(context.WithValue(ctx, oauth2.HTTPClient, base))
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         dialer.DialContext,
		ForceAttemptHTTP2:   true,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 32,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 5 * time.Second,
	}
}
