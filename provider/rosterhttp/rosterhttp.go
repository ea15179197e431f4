// Package rosterhttp is a Provider backed by a paginated HTTP delta API, the
// shape most school information systems expose: per-entity-type delta and id
// listing endpoints behind a bearer token.
package rosterhttp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/classlane/change-sync/provider"
)

const maxRetries = 4

type Config struct {
	BaseURL     string
	Token       string
	Name        string
	EntityTypes []string

	// RefreshToken is called once per request cycle when the API answers 401.
	// Nil means the token is static and a 401 is final.
	RefreshToken func(ctx context.Context) (string, error)

	HTTPClient *http.Client
}

type Client struct {
	config Config
	client *http.Client

	mu    sync.Mutex
	token string
}

func New(config Config) *Client {
	if config.Name == "" {
		config.Name = "roster"
	}
	client := config.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		config: config,
		client: client,
		token:  config.Token,
	}
}

func (c *Client) Name() string {
	return c.config.Name
}

func (c *Client) EntityTypes() []string {
	return c.config.EntityTypes
}

type rosterRecord struct {
	ID        string          `json:"id"`
	Data      json.RawMessage `json:"data,omitempty"`
	Deleted   bool            `json:"deleted"`
	UpdatedAt int64           `json:"updatedAt"`
}

type deltaPage struct {
	Records    []rosterRecord `json:"records"`
	NextCursor string         `json:"nextCursor"`
	HasMore    bool           `json:"hasMore"`
}

type idsPage struct {
	IDs []string `json:"ids"`
}

func (c *Client) FetchDelta(ctx context.Context, entityType string, opts provider.FetchOptions) (*provider.DeltaResponse, error) {
	query := url.Values{}
	if opts.Since > 0 {
		query.Set("since", strconv.FormatInt(opts.Since, 10))
	}
	if opts.Cursor != "" {
		query.Set("cursor", opts.Cursor)
	}
	if opts.Limit > 0 {
		query.Set("limit", strconv.Itoa(opts.Limit))
	}

	var page deltaPage
	if err := c.getJSON(ctx, fmt.Sprintf("/%s/delta", entityType), query, &page); err != nil {
		return nil, err
	}

	response := &provider.DeltaResponse{
		Records:    make([]provider.DeltaRecord, 0, len(page.Records)),
		NextCursor: page.NextCursor,
		HasMore:    page.HasMore,
	}
	for _, record := range page.Records {
		operation := provider.DeltaUpdate
		if record.Deleted {
			operation = provider.DeltaDelete
		}
		response.Records = append(response.Records, provider.DeltaRecord{
			SourceID:        record.ID,
			Operation:       operation,
			SourceData:      record.Data,
			SourceTimestamp: record.UpdatedAt,
		})
	}
	return response, nil
}

func (c *Client) ListSourceIDs(ctx context.Context, entityType string) ([]string, error) {
	var page idsPage
	if err := c.getJSON(ctx, fmt.Sprintf("/%s/ids", entityType), nil, &page); err != nil {
		return nil, err
	}
	return page.IDs, nil
}

func (c *Client) currentToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

func (c *Client) setToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// getJSON performs a GET with exponential backoff. Transport failures and
// 5xx/429 responses retry; other 4xx responses are final. A 401 triggers at
// most one token refresh per call.
func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	requestURL := c.config.BaseURL + path
	if len(query) > 0 {
		requestURL += "?" + query.Encode()
	}

	refreshed := false
	attempt := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Authorization", "Bearer "+c.currentToken())
		req.Header.Set("Accept", "application/json")

		resp, err := c.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusOK:
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return backoff.Permanent(fmt.Errorf("failed to decode response: %w", err))
			}
			return nil

		case resp.StatusCode == http.StatusUnauthorized:
			if refreshed || c.config.RefreshToken == nil {
				return backoff.Permanent(fmt.Errorf("unauthorized: %s", path))
			}
			refreshed = true
			token, err := c.config.RefreshToken(ctx)
			if err != nil {
				return backoff.Permanent(fmt.Errorf("token refresh failed: %w", err))
			}
			c.setToken(token)
			return fmt.Errorf("retrying %s with refreshed token", path)

		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return fmt.Errorf("%s answered %d", path, resp.StatusCode)

		default:
			return backoff.Permanent(fmt.Errorf("%s answered %d", path, resp.StatusCode))
		}
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxRetries), ctx)
	return backoff.Retry(attempt, policy)
}
