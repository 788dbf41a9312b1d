package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

const maxCredentialResponse = 64 << 10

// ErrNoCredential is returned when the credential endpoint answers without a secret.
var ErrNoCredential = errors.New("credential response has no client secret")

// CredentialClient fetches short-lived session credentials.
type CredentialClient struct {
	url    string
	auth   string
	client *http.Client
}

// NewCredentialClient creates a client for the credential endpoint at url.
// auth, when set, is sent as a bearer token.
func NewCredentialClient(url, auth string, client *http.Client) *CredentialClient {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &CredentialClient{url: url, auth: auth, client: client}
}

// Fetch returns the ephemeral key from {"client_secret":{"value":...}}.
func (c *CredentialClient) Fetch(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, http.NoBody)
	if err != nil {
		return "", fmt.Errorf("create credential request: %w", err)
	}
	if c.auth != "" {
		req.Header.Set("Authorization", "Bearer "+c.auth)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("request credential: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxCredentialResponse))
	if err != nil {
		return "", fmt.Errorf("read credential response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("credential endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	value := gjson.GetBytes(body, "client_secret.value").String()
	if value == "" {
		return "", ErrNoCredential
	}
	return value, nil
}
