package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sunupay/sunupay/utils/closers"
	errorutils "github.com/sunupay/sunupay/utils/errors"
)

// SimpleHTTPClient wraps http.Client for making simple token authorized requests
type SimpleHTTPClient struct {
	BaseURL   *url.URL
	AuthToken string

	client *http.Client
}

// New returns a new SimpleHTTPClient
func New(serverURL string, authToken string) (*SimpleHTTPClient, error) {
	baseURL, err := url.Parse(serverURL)
	if err != nil {
		return nil, err
	}

	return &SimpleHTTPClient{
		BaseURL:   baseURL,
		AuthToken: authToken,
		client: &http.Client{
			Timeout: time.Second * 10,
		},
	}, nil
}

// NewWithTimeout returns a new SimpleHTTPClient with a custom request timeout
func NewWithTimeout(serverURL string, authToken string, timeout time.Duration) (*SimpleHTTPClient, error) {
	c, err := New(serverURL, authToken)
	if err != nil {
		return nil, err
	}
	c.client.Timeout = timeout
	return c, nil
}

// NewRequest creates a request, JSON encoding the body passed
func (c *SimpleHTTPClient) NewRequest(
	ctx context.Context,
	method string,
	path string,
	body interface{},
) (*http.Request, error) {
	resolvedURL := c.BaseURL.ResolveReference(&url.URL{Path: path})

	var buf io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, errorutils.Wrap(err, "request body encode failed")
		}
		buf = bytes.NewBuffer(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, resolvedURL.String(), buf)
	if err != nil {
		return nil, errorutils.Wrap(err, "malformed request")
	}

	req.Header.Set("accept", "application/json")
	if body != nil {
		req.Header.Set("content-type", "application/json")
	}
	if len(c.AuthToken) > 0 {
		req.Header.Set("authorization", "Bearer "+c.AuthToken)
	}
	return req, nil
}

// Do the specified http request, decoding the JSON result into the passed value
func (c *SimpleHTTPClient) Do(ctx context.Context, req *http.Request, v interface{}) (*http.Response, error) {
	resp, err := c.client.Do(req.WithContext(ctx))
	if err != nil {
		return nil, errorutils.Wrap(err, "request failed")
	}
	defer closers.Log(ctx, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp, errorutils.New(
			fmt.Errorf("request error: %d", resp.StatusCode),
			"unexpected response status",
			map[string]interface{}{"status": resp.StatusCode},
		)
	}

	if v != nil {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			return resp, errorutils.Wrap(err, "response body decode failed")
		}
	}
	return resp, nil
}
