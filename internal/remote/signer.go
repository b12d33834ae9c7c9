package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kalambet/gardenq/internal/processor"
	"github.com/kalambet/gardenq/internal/queue"
)

// SignerClient submits encoded jobs to a signing bridge over HTTP. Client
// errors (4xx other than 408 and 429) are permanent; everything else is
// retryable. The caller owns retries.
type SignerClient struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewSignerClient creates a client for the bridge at baseURL.
func NewSignerClient(baseURL, token string, client *http.Client) *SignerClient {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &SignerClient{baseURL: strings.TrimRight(baseURL, "/"), token: token, client: client}
}

type submitRequest struct {
	processor.Encoded
	Meta map[string]string `json:"meta,omitempty"`
}

type submitResponse struct {
	TxHash string `json:"tx_hash"`
	Error  *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Submit implements processor.Submitter.
func (c *SignerClient) Submit(ctx context.Context, enc processor.Encoded, meta map[string]string) (string, error) {
	body, err := json.Marshal(submitRequest{Encoded: enc, Meta: meta})
	if err != nil {
		return "", queue.Permanent(fmt.Errorf("encoding submission: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/submit", bytes.NewReader(body))
	if err != nil {
		return "", queue.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", enc.JobID)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("signer unreachable: %w", err)
	}
	defer resp.Body.Close()

	data, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	var out submitResponse
	decodeErr := json.Unmarshal(data, &out)

	if resp.StatusCode >= 300 {
		msg := truncate(data)
		if out.Error != nil && out.Error.Message != "" {
			msg = out.Error.Message
		}
		err := fmt.Errorf("signer returned %d: %s", resp.StatusCode, msg)
		if permanentStatus(resp.StatusCode) {
			return "", queue.Permanent(err)
		}
		return "", err
	}
	// A 2xx body that cannot be read stays retryable.
	if readErr != nil {
		return "", fmt.Errorf("reading signer response: %w", readErr)
	}
	if decodeErr != nil {
		return "", fmt.Errorf("decoding signer response: %w", decodeErr)
	}
	if out.TxHash == "" {
		return "", errors.New("signer response has no tx_hash")
	}
	return out.TxHash, nil
}

func permanentStatus(code int) bool {
	if code == http.StatusRequestTimeout || code == http.StatusTooManyRequests {
		return false
	}
	return code >= 400 && code < 500
}
