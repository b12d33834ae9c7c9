// Package remote holds HTTP adapters for the services the daemon depends on
// but does not implement: the indexer, the signer bridge and content storage.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/kalambet/gardenq/internal/queue"
)

const recordsQuery = `query Records($kind: String!, $chainId: Int!, $garden: String, $action: String, $work: String, $gardener: String, $since: String) {
  records(kind: $kind, chainId: $chainId, gardenAddress: $garden, actionUID: $action, workUID: $work, gardenerAddress: $gardener, since: $since) {
    id kind gardenAddress actionUID workUID gardenerAddress approved
    plantSelection plantCount feedback txHash createdAt
  }
}`

// IndexerClient fetches indexed records over GraphQL. Transient failures are
// retried with exponential backoff.
type IndexerClient struct {
	url      string
	client   *http.Client
	maxTries uint
	initial  time.Duration
	logger   *slog.Logger
}

// IndexerOption configures an IndexerClient.
type IndexerOption func(*IndexerClient)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) IndexerOption {
	return func(ic *IndexerClient) { ic.client = c }
}

// WithRetries sets the attempt ceiling and first backoff interval.
func WithRetries(maxTries uint, initial time.Duration) IndexerOption {
	return func(ic *IndexerClient) {
		ic.maxTries = maxTries
		ic.initial = initial
	}
}

// NewIndexerClient creates a client for the GraphQL endpoint at url.
func NewIndexerClient(url string, opts ...IndexerOption) *IndexerClient {
	c := &IndexerClient{
		url:      url,
		client:   &http.Client{Timeout: 15 * time.Second},
		maxTries: 4,
		initial:  250 * time.Millisecond,
		logger:   slog.Default().With("component", "indexer"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

type recordDTO struct {
	ID              string   `json:"id"`
	Kind            string   `json:"kind"`
	GardenAddress   string   `json:"gardenAddress"`
	ActionUID       string   `json:"actionUID"`
	WorkUID         string   `json:"workUID"`
	GardenerAddress string   `json:"gardenerAddress"`
	Approved        *bool    `json:"approved"`
	PlantSelection  []string `json:"plantSelection"`
	PlantCount      int      `json:"plantCount"`
	Feedback        string   `json:"feedback"`
	TxHash          string   `json:"txHash"`
	CreatedAt       string   `json:"createdAt"`
}

type graphQLResponse struct {
	Data struct {
		Records []recordDTO `json:"records"`
	} `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// FetchRemote returns records of kind matching filter.
func (c *IndexerClient) FetchRemote(ctx context.Context, kind queue.Kind, filter queue.RemoteFilter) ([]queue.RemoteRecord, error) {
	vars := map[string]any{
		"kind":    string(kind),
		"chainId": filter.Scope.ChainID,
	}
	if filter.GardenAddress != "" {
		vars["garden"] = strings.ToLower(filter.GardenAddress)
	}
	if filter.ActionUID != "" {
		vars["action"] = filter.ActionUID
	}
	if filter.WorkUID != "" {
		vars["work"] = filter.WorkUID
	}
	if filter.Gardener != "" {
		vars["gardener"] = strings.ToLower(filter.Gardener)
	}
	if !filter.Since.IsZero() {
		vars["since"] = filter.Since.UTC().Format(time.RFC3339)
	}
	body, err := json.Marshal(graphQLRequest{Query: recordsQuery, Variables: vars})
	if err != nil {
		return nil, fmt.Errorf("encoding indexer query: %w", err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.initial
	b.MaxInterval = 5 * time.Second

	resp, err := backoff.Retry(ctx, func() (graphQLResponse, error) {
		return c.post(ctx, body)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(c.maxTries),
		backoff.WithNotify(func(err error, wait time.Duration) {
			c.logger.Warn("indexer request failed, retrying", "error", err, "wait", wait)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("fetching %s records: %w", kind, err)
	}

	out := make([]queue.RemoteRecord, 0, len(resp.Data.Records))
	for _, r := range resp.Data.Records {
		rec, err := r.toRecord()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (c *IndexerClient) post(ctx context.Context, body []byte) (graphQLResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return graphQLResponse{}, backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return graphQLResponse{}, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return graphQLResponse{}, err
	}
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return graphQLResponse{}, fmt.Errorf("indexer returned %d", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return graphQLResponse{}, backoff.Permanent(fmt.Errorf("indexer returned %d: %s", resp.StatusCode, truncate(data)))
	}

	var out graphQLResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return graphQLResponse{}, backoff.Permanent(fmt.Errorf("decoding indexer response: %w", err))
	}
	if len(out.Errors) > 0 {
		msgs := make([]string, len(out.Errors))
		for i, e := range out.Errors {
			msgs[i] = e.Message
		}
		return graphQLResponse{}, backoff.Permanent(errors.New("indexer: " + strings.Join(msgs, "; ")))
	}
	return out, nil
}

func (r recordDTO) toRecord() (queue.RemoteRecord, error) {
	kind, err := queue.ParseKind(r.Kind)
	if err != nil {
		return queue.RemoteRecord{}, fmt.Errorf("record %s: %w", r.ID, err)
	}
	rec := queue.RemoteRecord{
		ID:              r.ID,
		Kind:            kind,
		GardenAddress:   r.GardenAddress,
		ActionUID:       r.ActionUID,
		WorkUID:         r.WorkUID,
		GardenerAddress: r.GardenerAddress,
		Approved:        r.Approved,
		PlantSelection:  r.PlantSelection,
		PlantCount:      r.PlantCount,
		Feedback:        r.Feedback,
		TxHash:          r.TxHash,
	}
	if r.CreatedAt != "" {
		t, err := time.Parse(time.RFC3339, r.CreatedAt)
		if err != nil {
			return queue.RemoteRecord{}, fmt.Errorf("record %s created_at: %w", r.ID, err)
		}
		rec.CreatedAt = t.UTC()
	}
	return rec, nil
}

func truncate(b []byte) string {
	const limit = 256
	s := strings.TrimSpace(string(b))
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}
