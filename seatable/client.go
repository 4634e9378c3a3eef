// Package seatable reads the subscriber directory from a SeaTable base.
package seatable

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultServerURL = "https://cloud.seatable.io"

	pageLimit = 1000
)

// StatusError is a non-2xx response.
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("seatable %s %s: unexpected status %d: %s", e.Method, e.URL, e.StatusCode, e.Body)
}

type Options struct {
	ServerURL string
	APIToken  string
	TokenTTL  time.Duration
	// HTTPClient defaults to a client with a 30s timeout.
	HTTPClient *http.Client
}

// Client talks to the SeaTable REST API with an API token. The token is
// exchanged for a base access token which is cached for TokenTTL.
type Client struct {
	serverURL  string
	apiToken   string
	httpClient *http.Client
	maxRetries int
	tokens     *tokenCache
	logger     *slog.Logger
}

func NewClient(opts Options, logger *slog.Logger) *Client {
	if opts.ServerURL == "" {
		opts.ServerURL = DefaultServerURL
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := &Client{
		serverURL:  strings.TrimRight(opts.ServerURL, "/"),
		apiToken:   opts.APIToken,
		httpClient: opts.HTTPClient,
		maxRetries: 3,
		logger:     logger,
	}
	c.tokens = newTokenCache(opts.TokenTTL, c.fetchToken)
	return c
}

func (c *Client) fetchToken(ctx context.Context) (AppToken, error) {
	var token AppToken
	if err := c.getJSON(ctx, c.serverURL+"/api/v2.1/dtable/app-access-token/", c.apiToken, &token); err != nil {
		return AppToken{}, fmt.Errorf("app access token: %w", err)
	}
	if token.AccessToken == "" || token.DTableUUID == "" || token.DTableServer == "" {
		return AppToken{}, errors.New("app access token: incomplete response")
	}
	c.logger.Debug("seatable base token obtained", "app", token.AppName, "base", token.DTableUUID)
	return token, nil
}

// Columns lists the columns of table.
func (c *Client) Columns(ctx context.Context, table string) ([]Column, error) {
	var resp struct {
		Columns []Column `json:"columns"`
	}
	query := url.Values{"table_name": {table}}
	if err := c.baseGet(ctx, "columns/", query, &resp); err != nil {
		return nil, fmt.Errorf("columns of %s: %w", table, err)
	}
	return resp.Columns, nil
}

// Rows returns every row of table, reading it page by page.
func (c *Client) Rows(ctx context.Context, table string) ([]Row, error) {
	var rows []Row
	for start := 0; ; start += pageLimit {
		var resp struct {
			Rows []Row `json:"rows"`
		}
		query := url.Values{
			"table_name":   {table},
			"start":        {strconv.Itoa(start)},
			"limit":        {strconv.Itoa(pageLimit)},
			"convert_keys": {"false"},
		}
		if err := c.baseGet(ctx, "rows/", query, &resp); err != nil {
			return nil, fmt.Errorf("rows of %s: %w", table, err)
		}
		rows = append(rows, resp.Rows...)
		if len(resp.Rows) < pageLimit {
			return rows, nil
		}
	}
}

// baseGet calls a base endpoint. A 401 drops the cached token and the call
// is repeated once with a fresh one.
func (c *Client) baseGet(ctx context.Context, path string, query url.Values, out any) error {
	for attempt := 0; ; attempt++ {
		token, err := c.tokens.get(ctx)
		if err != nil {
			return err
		}

		endpoint := fmt.Sprintf("%s/api/v2/dtables/%s/%s?%s",
			strings.TrimRight(token.DTableServer, "/"), token.DTableUUID, path, query.Encode())

		err = c.getJSON(ctx, endpoint, token.AccessToken, out)
		var statusErr *StatusError
		if attempt == 0 && errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusUnauthorized {
			c.logger.Info("seatable base token rejected, refreshing")
			c.tokens.invalidate()
			continue
		}
		return err
	}
}

func (c *Client) getJSON(ctx context.Context, endpoint, bearer string, out any) error {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return fmt.Errorf("creating request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+bearer)
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("executing request GET %s: %w", endpoint, err)
		}
		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			return fmt.Errorf("reading response body: %w", readErr)
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			lastErr = &StatusError{Method: http.MethodGet, URL: endpoint, StatusCode: resp.StatusCode, Body: string(body)}
			wait := retryAfterDuration(resp, attempt)
			c.logger.Debug("seatable rate limited", "wait", wait)
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
				continue
			}
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return &StatusError{Method: http.MethodGet, URL: endpoint, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
		}

		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("decoding response from %s: %w", endpoint, err)
		}
		return nil
	}
	return fmt.Errorf("max retries (%d) exceeded: %w", c.maxRetries, lastErr)
}

func retryAfterDuration(resp *http.Response, attempt int) time.Duration {
	if header := resp.Header.Get("Retry-After"); header != "" {
		if seconds, err := strconv.Atoi(header); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	backoff := time.Duration(1<<uint(attempt)) * time.Second
	if backoff > 30*time.Second {
		backoff = 30 * time.Second
	}
	return backoff
}
