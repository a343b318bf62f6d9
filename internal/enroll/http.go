package enroll

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// IdentityClient is the HTTP IdentityService implementation.
type IdentityClient struct {
	baseURL   string
	authToken string
	client    *http.Client
}

// NewIdentityClient creates the backend face verification client.
func NewIdentityClient(baseURL, authToken string, timeout time.Duration) *IdentityClient {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &IdentityClient{
		baseURL:   baseURL,
		authToken: authToken,
		client:    &http.Client{Timeout: timeout},
	}
}

// VerifyFace implements IdentityService.
func (c *IdentityClient) VerifyFace(ctx context.Context, userID string, jpegData []byte) (bool, error) {
	payload, err := json.Marshal(map[string]string{
		"user_id": userID,
		"image":   base64.StdEncoding.EncodeToString(jpegData),
	})
	if err != nil {
		return false, fmt.Errorf("enroll: marshal verification request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/identity/verify-face", bytes.NewReader(payload))
	if err != nil {
		return false, fmt.Errorf("enroll: build verification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("enroll: verification request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("enroll: verification status %d", resp.StatusCode)
	}

	var out struct {
		Match bool `json:"match"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, fmt.Errorf("enroll: decode verification response: %w", err)
	}
	return out.Match, nil
}
