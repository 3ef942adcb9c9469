// Package search is a small REST client for Azure AI Search: querying an
// index within a storage path range and triggering the blob indexer.
package search

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultTimeout = 30 * time.Second
	defaultTop     = 3
	maxRetries     = 3
	initialBackoff = 500 * time.Millisecond
)

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("search service returned %d: %s", e.Status, e.Body)
}

func isRetryable(err error) bool {
	var se *StatusError
	if !errors.As(err, &se) {
		return false
	}
	return se.Status == http.StatusTooManyRequests || se.Status == http.StatusServiceUnavailable
}

// Client talks to one search service and index using an API key.
type Client struct {
	endpoint   string
	index      string
	apiKey     string
	apiVersion string
	httpClient *http.Client
	backoff    time.Duration
}

// NewClient creates a Client. apiVersion is the data-plane REST version,
// e.g. 2023-11-01.
func NewClient(endpoint, index, apiKey, apiVersion string) *Client {
	return &Client{
		endpoint:   strings.TrimRight(endpoint, "/"),
		index:      index,
		apiKey:     apiKey,
		apiVersion: apiVersion,
		httpClient: &http.Client{Timeout: defaultTimeout},
		backoff:    initialBackoff,
	}
}

// PathRangeFilter builds an OData filter matching every
// metadata_storage_path that starts with prefix. '~' sorts after every
// character allowed in a blob URL, so [prefix, prefix+"~") covers exactly
// the folder.
func PathRangeFilter(prefix string) string {
	p := escapeLiteral(prefix)
	return fmt.Sprintf("metadata_storage_path ge '%s' and metadata_storage_path lt '%s~'", p, p)
}

func escapeLiteral(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}

// Search runs a full-text query. An empty PathPrefix searches the whole
// index.
func (c *Client) Search(ctx context.Context, q Query) ([]Document, error) {
	top := q.Top
	if top <= 0 {
		top = defaultTop
	}
	req := searchRequest{
		Search: q.Text,
		Select: "content,metadata_storage_path",
		Top:    top,
	}
	if q.PathPrefix != "" {
		req.Filter = PathRangeFilter(q.PathPrefix)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshaling search request: %w", err)
	}

	var resp searchResponse
	if err := c.do(ctx, http.MethodPost, "/indexes/"+url.PathEscape(c.index)+"/docs/search", body, &resp); err != nil {
		return nil, err
	}

	docs := make([]Document, 0, len(resp.Value))
	for _, v := range resp.Value {
		docs = append(docs, Document{
			Content: v.Content,
			Source:  v.MetadataStoragePath,
			Score:   v.Score,
		})
	}
	return docs, nil
}

// RunIndexer asks the service to run the named indexer now.
func (c *Client) RunIndexer(ctx context.Context, name string) error {
	if name == "" {
		return errors.New("indexer name is required")
	}
	return c.do(ctx, http.MethodPost, "/indexers/"+url.PathEscape(name)+"/run", nil, nil)
}

// IndexerStatus returns the current status and last run of the named indexer.
func (c *Client) IndexerStatus(ctx context.Context, name string) (IndexerStatus, error) {
	if name == "" {
		return IndexerStatus{}, errors.New("indexer name is required")
	}
	var st IndexerStatus
	if err := c.do(ctx, http.MethodGet, "/indexers/"+url.PathEscape(name)+"/status", nil, &st); err != nil {
		return IndexerStatus{}, err
	}
	return st, nil
}

// Ping fetches index statistics, which proves the endpoint, index and key.
func (c *Client) Ping(ctx context.Context) (IndexStats, error) {
	var st IndexStats
	if err := c.do(ctx, http.MethodGet, "/indexes/"+url.PathEscape(c.index)+"/stats", nil, &st); err != nil {
		return IndexStats{}, err
	}
	return st, nil
}

// do sends a request, retrying throttled responses with exponential backoff,
// and decodes a JSON body into out when out is non-nil.
func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	var lastErr error
	for attempt := range maxRetries {
		err := c.doOnce(ctx, method, path, body, out)
		if err == nil {
			return nil
		}
		if !isRetryable(err) {
			return err
		}

		lastErr = err
		if attempt < maxRetries-1 {
			backoff := time.Duration(float64(c.backoff) * math.Pow(2, float64(attempt)))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	return fmt.Errorf("throttled after %d attempts: %w", maxRetries, lastErr)
}

func (c *Client) doOnce(ctx context.Context, method, path string, body []byte, out any) error {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	u := c.endpoint + path + "?api-version=" + url.QueryEscape(c.apiVersion)
	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("api-key", c.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Status: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
