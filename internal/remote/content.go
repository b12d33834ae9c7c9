package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/kalambet/gardenq/internal/media"
	"github.com/kalambet/gardenq/internal/queue"
)

// ContentClient uploads attachments to a content-addressed store.
type ContentClient struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewContentClient creates a client for the store at baseURL.
func NewContentClient(baseURL, token string, client *http.Client) *ContentClient {
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Minute}
	}
	return &ContentClient{baseURL: strings.TrimRight(baseURL, "/"), token: token, client: client}
}

// Upload implements processor.ContentStore and returns the content id.
func (c *ContentClient) Upload(ctx context.Context, blob *media.Blob) (string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, blob.Name()))
	h.Set("Content-Type", blob.MIMEType())
	part, err := w.CreatePart(h)
	if err != nil {
		return "", queue.Permanent(err)
	}
	if _, err := io.Copy(part, bytes.NewReader(blob.Bytes())); err != nil {
		return "", queue.Permanent(err)
	}
	if err := w.Close(); err != nil {
		return "", queue.Permanent(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/upload", &buf)
	if err != nil {
		return "", queue.Permanent(err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("content store unreachable: %w", err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode >= 300 {
		err := fmt.Errorf("content store returned %d: %s", resp.StatusCode, truncate(data))
		if permanentStatus(resp.StatusCode) {
			return "", queue.Permanent(err)
		}
		return "", err
	}
	var out struct {
		CID string `json:"cid"`
	}
	if err := json.Unmarshal(data, &out); err != nil || out.CID == "" {
		return "", fmt.Errorf("content store response has no cid: %s", truncate(data))
	}
	return out.CID, nil
}
