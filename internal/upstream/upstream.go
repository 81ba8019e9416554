// Package upstream implements the Docker registry token-auth negotiation
// used when proxying to an upstream registry: parse a 401's
// Www-Authenticate challenge, fetch a bearer token from the advertised
// token service, cache it, and retry the original request.
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const tokenTTL = 300 * time.Second

type cachedToken struct {
	token     string
	expiresAt time.Time
}

// Client issues HTTP requests to upstream registries, transparently
// handling the bearer-token challenge/response flow and caching tokens per
// scope.
type Client struct {
	http *http.Client

	mu     sync.Mutex
	tokens map[string]cachedToken
}

// NewClient creates a Client using httpClient as the underlying transport
// (or a sane default if nil).
func NewClient(httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{http: httpClient, tokens: make(map[string]cachedToken)}
}

// HTTP returns the underlying *http.Client, for adapters that only need
// plain requests without Docker's bearer-token negotiation.
func (c *Client) HTTP() *http.Client { return c.http }

// challenge is a parsed Www-Authenticate: Bearer ... header.
type challenge struct {
	realm   string
	service string
	scope   string
}

// parseWWWAuthenticate parses a Bearer challenge header into its
// realm/service/scope parameters. Matches the format emitted by Docker
// Hub and most OCI-conformant registries:
//
//	Bearer realm="https://auth.docker.io/token",service="registry.docker.io",scope="repository:library/nginx:pull"
func parseWWWAuthenticate(header string) (challenge, error) {
	const bearerPrefix = "bearer "
	lower := strings.ToLower(header)
	if !strings.HasPrefix(lower, bearerPrefix) {
		return challenge{}, fmt.Errorf("upstream: not a Bearer challenge: %q", header)
	}
	rest := header[len(bearerPrefix):]

	var ch challenge
	for _, part := range strings.Split(rest, ",") {
		part = strings.TrimSpace(part)
		key, val, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		val = strings.Trim(val, `"`)
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "realm":
			ch.realm = val
		case "service":
			ch.service = val
		case "scope":
			ch.scope = val
		}
	}
	if ch.realm == "" {
		return challenge{}, fmt.Errorf("upstream: challenge missing realm: %q", header)
	}
	return ch, nil
}

// tokenResponse is the subset of a token-service response body we need.
// Registries vary between "token" and "access_token" as the field name.
type tokenResponse struct {
	Token       string `json:"token"`
	AccessToken string `json:"access_token"`
}

// fetchToken requests a bearer token from the token service described by
// ch, caching it under cacheKey for tokenTTL.
func (c *Client) fetchToken(ctx context.Context, cacheKey string, ch challenge) (string, error) {
	c.mu.Lock()
	if cached, ok := c.tokens[cacheKey]; ok && time.Now().Before(cached.expiresAt) {
		c.mu.Unlock()
		return cached.token, nil
	}
	c.mu.Unlock()

	u, err := url.Parse(ch.realm)
	if err != nil {
		return "", fmt.Errorf("upstream: invalid token realm %q: %w", ch.realm, err)
	}
	q := u.Query()
	if ch.service != "" {
		q.Set("service", ch.service)
	}
	if ch.scope != "" {
		q.Set("scope", ch.scope)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", fmt.Errorf("upstream: build token request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("upstream: token request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("upstream: token service returned %s", resp.Status)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("upstream: read token response: %w", err)
	}
	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", fmt.Errorf("upstream: decode token response: %w", err)
	}
	token := tr.Token
	if token == "" {
		token = tr.AccessToken
	}
	if token == "" {
		return "", fmt.Errorf("upstream: token response missing token/access_token field")
	}

	c.mu.Lock()
	c.tokens[cacheKey] = cachedToken{token: token, expiresAt: time.Now().Add(tokenTTL)}
	c.mu.Unlock()
	return token, nil
}

// DoWithAuth issues req. If the first attempt is challenged with a 401
// Www-Authenticate: Bearer header, it negotiates a token (reusing a cached
// one if still valid) and retries once with Authorization: Bearer set.
func (c *Client) DoWithAuth(ctx context.Context, req *http.Request) (*http.Response, error) {
	first, err := c.http.Do(req.Clone(ctx))
	if err != nil {
		return nil, err
	}
	if first.StatusCode != http.StatusUnauthorized {
		return first, nil
	}
	challengeHeader := first.Header.Get("Www-Authenticate")
	first.Body.Close()
	if challengeHeader == "" {
		return nil, fmt.Errorf("upstream: 401 without Www-Authenticate header")
	}
	ch, err := parseWWWAuthenticate(challengeHeader)
	if err != nil {
		return nil, err
	}
	cacheKey := ch.realm + "|" + ch.service + "|" + ch.scope
	token, err := c.fetchToken(ctx, cacheKey, ch)
	if err != nil {
		return nil, err
	}
	retry := req.Clone(ctx)
	retry.Header.Set("Authorization", "Bearer "+token)
	return c.http.Do(retry)
}
