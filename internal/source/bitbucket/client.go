// Package bitbucket implements the Bitbucket Server (REST v1.0) source
// adapter. The Server API has no maintained Go client, so requests are
// issued through a small typed wrapper over net/http; throttling and retry
// policy live in the shared upstream harness.
package bitbucket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/devinsight/insight/internal/source"
	"github.com/devinsight/insight/internal/upstream"
)

const (
	apiBase = "/rest/api/1.0"
	// pageLimit is the offset/limit page size for every collection
	// endpoint.
	pageLimit = 100
	// maxBodyBytes caps response reads; diff payloads can be large.
	maxBodyBytes = 64 << 20
)

// Client is a thin Bitbucket Server REST client.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	harness *upstream.Harness
}

// NewClient builds a client for the server at baseURL (scheme + host, no
// API path) authenticating with a bearer token.
func NewClient(baseURL, token string, timeout time.Duration, harness *upstream.Harness) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: timeout},
		harness: harness,
	}
}

// get issues one GET under the harness and decodes the JSON response into
// out (which may be nil for status-only calls).
func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	return c.harness.Do(ctx, path, func(ctx context.Context) error {
		u := c.baseURL + apiBase + path
		if len(query) > 0 {
			u += "?" + query.Encode()
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("Accept", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("%w: %v", upstream.ErrTransient, err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		if err != nil {
			return fmt.Errorf("%w: read body: %v", upstream.ErrTransient, err)
		}
		c.harness.State().ObserveHeaders(resp.Header)

		if cerr := upstream.ClassifyStatus(resp.StatusCode, string(body)); cerr != nil {
			return fmt.Errorf("GET %s: %w", path, cerr)
		}
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("GET %s: decode: %w", path, err)
		}
		return nil
	})
}

// pagedResponse is the Bitbucket offset/limit envelope.
type pagedResponse struct {
	Values        []json.RawMessage `json:"values"`
	Size          int               `json:"size"`
	IsLastPage    bool              `json:"isLastPage"`
	NextPageStart *int              `json:"nextPageStart"`
}

// forEachPage drives start/limit pagination over path, invoking fn per raw
// value. fn returning source.ErrStop ends pagination cleanly without
// requesting further pages.
func (c *Client) forEachPage(ctx context.Context, path string, query url.Values, fn func(json.RawMessage) error) error {
	start := 0
	for {
		q := url.Values{}
		for k, vs := range query {
			q[k] = vs
		}
		q.Set("limit", strconv.Itoa(pageLimit))
		q.Set("start", strconv.Itoa(start))

		var page pagedResponse
		if err := c.get(ctx, path, q, &page); err != nil {
			return err
		}
		for _, raw := range page.Values {
			if err := fn(raw); err != nil {
				if errors.Is(err, source.ErrStop) {
					return nil
				}
				return err
			}
		}
		if page.IsLastPage || page.NextPageStart == nil {
			return nil
		}
		start = *page.NextPageStart
	}
}
