package agent

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const maxAnswerSize = 1 << 20

// SignalingClient exchanges an SDP offer for the backend's answer.
type SignalingClient struct {
	endpoint string
	model    string
	client   *http.Client
}

// NewSignalingClient creates a client posting offers to endpoint?model=<model>.
func NewSignalingClient(endpoint, model string, client *http.Client) *SignalingClient {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &SignalingClient{endpoint: endpoint, model: model, client: client}
}

// Exchange posts the offer with the ephemeral key and returns the answer SDP.
func (s *SignalingClient) Exchange(ctx context.Context, ephemeralKey, offer string) (string, error) {
	u, err := url.Parse(s.endpoint)
	if err != nil {
		return "", fmt.Errorf("parse signaling endpoint: %w", err)
	}
	if s.model != "" {
		q := u.Query()
		q.Set("model", s.model)
		u.RawQuery = q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), strings.NewReader(offer))
	if err != nil {
		return "", fmt.Errorf("create signaling request: %w", err)
	}
	req.Header.Set("Content-Type", "application/sdp")
	req.Header.Set("Authorization", "Bearer "+ephemeralKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("post offer: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxAnswerSize))
	if err != nil {
		return "", fmt.Errorf("read answer: %w", err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("signaling returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	answer := string(body)
	if !strings.HasPrefix(strings.TrimSpace(answer), "v=") {
		return "", fmt.Errorf("signaling returned a body that is not SDP")
	}
	return answer, nil
}
