// Package wprest is the REST client shared by the WordPress-backed tools.
package wprest

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-resty/resty/v2"
)

const defaultTimeout = 15 * time.Second

// Options configures a client.
type Options struct {
	BaseURL string
	Timeout time.Duration
	// Username and Password enable basic auth (WordPress application passwords).
	Username string
	Password string
	Headers  map[string]string
}

// Client talks to a WordPress REST API.
type Client struct {
	http *resty.Client
}

// Page is one page of a collection endpoint.
type Page struct {
	Items      []map[string]any
	Total      int
	TotalPages int
}

// APIError is a non-2xx reply.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("HTTP %d (%s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Message)
}

func New(opts Options) (*Client, error) {
	base := strings.TrimRight(opts.BaseURL, "/")
	if base == "" {
		return nil, errors.New("wordpress base url is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	c := resty.New().
		SetBaseURL(base).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json").
		SetJSONMarshaler(sonic.Marshal).
		SetJSONUnmarshaler(sonic.Unmarshal)
	if opts.Username != "" {
		c.SetBasicAuth(opts.Username, opts.Password)
	}
	if len(opts.Headers) > 0 {
		c.SetHeaders(opts.Headers)
	}
	return &Client{http: c}, nil
}

// List fetches a collection and the X-WP-Total pagination headers.
func (c *Client) List(ctx context.Context, path string, query map[string]string) (Page, error) {
	var items []map[string]any
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(compact(query)).
		SetResult(&items).
		Get(path)
	if err != nil {
		return Page{}, err
	}
	if resp.IsError() {
		return Page{}, apiError(resp)
	}

	page := Page{Items: items, Total: len(items), TotalPages: 1}
	if n, err := strconv.Atoi(resp.Header().Get("X-WP-Total")); err == nil {
		page.Total = n
	}
	if n, err := strconv.Atoi(resp.Header().Get("X-WP-TotalPages")); err == nil {
		page.TotalPages = n
	}
	return page, nil
}

// Get decodes a single JSON object.
func (c *Client) Get(ctx context.Context, path string, query map[string]string) (map[string]any, error) {
	var out map[string]any
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(compact(query)).
		SetResult(&out).
		Get(path)
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, apiError(resp)
	}
	return out, nil
}

func apiError(resp *resty.Response) error {
	apiErr := &APIError{Status: resp.StatusCode(), Message: strings.TrimSpace(resp.String())}
	var body struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := sonic.Unmarshal(resp.Body(), &body); err == nil && body.Message != "" {
		apiErr.Code = body.Code
		apiErr.Message = body.Message
	}
	if apiErr.Message == "" {
		apiErr.Message = resp.Status()
	}
	return apiErr
}

func compact(query map[string]string) map[string]string {
	out := make(map[string]string, len(query))
	for k, v := range query {
		if v != "" {
			out[k] = v
		}
	}
	return out
}

var tagPattern = regexp.MustCompile(`<[^>]*>`)

// Flatten replaces {"rendered": "..."} fields with their tag-stripped text.
func Flatten(item map[string]any, fields ...string) map[string]any {
	for _, f := range fields {
		if m, ok := item[f].(map[string]any); ok {
			if s, ok := m["rendered"].(string); ok {
				item[f] = strings.TrimSpace(tagPattern.ReplaceAllString(s, ""))
			}
		}
	}
	return item
}

// IntArg reads an integer argument decoded from JSON.
func IntArg(args map[string]any, key string, def int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func StringArg(args map[string]any, key, def string) string {
	if s, ok := args[key].(string); ok && s != "" {
		return s
	}
	return def
}
