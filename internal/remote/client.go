package remote

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"

	"github.com/Rogue-Bear-Innovations/bookmarker/internal/models"
)

const tokenHeader = "X-Token"

// StatusError is a non-2xx answer from the backend.
type StatusError struct {
	Op      string
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: %d %s", e.Op, e.Code, http.StatusText(e.Code))
	}
	return fmt.Sprintf("%s: %d %s", e.Op, e.Code, e.Message)
}

// IsUnauthorized reports whether err is a 401 from the backend.
func IsUnauthorized(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == http.StatusUnauthorized
}

// Client is a handle on one backend. It carries the session token and is
// shared by Auth, Table and Feed.
type Client struct {
	http *resty.Client
	base *url.URL

	mu             sync.RWMutex
	token          string
	onUnauthorized func()
}

func NewClient(baseURL string, timeout time.Duration) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, errors.Wrap(err, "parse base url")
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, errors.Errorf("unsupported scheme %q", base.Scheme)
	}

	c := &Client{base: base}
	c.http = resty.New().
		SetBaseURL(base.String()).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json").
		OnAfterResponse(c.checkUnauthorized)

	return c, nil
}

func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

// R starts a request carrying ctx and the current token.
func (c *Client) R(ctx context.Context) *resty.Request {
	r := c.http.R().
		SetContext(ctx).
		SetError(&models.ErrorResp{})
	if token := c.Token(); token != "" {
		r.SetHeader(tokenHeader, token)
	}
	return r
}

// websocketURL maps path onto the ws or wss scheme of the base URL.
func (c *Client) websocketURL(path string) string {
	u := *c.base
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + path
	return u.String()
}

func (c *Client) authHeader() http.Header {
	h := http.Header{}
	if token := c.Token(); token != "" {
		h.Set(tokenHeader, token)
	}
	return h
}

func (c *Client) setOnUnauthorized(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onUnauthorized = fn
}

// checkUnauthorized treats a 401 for the current token as an expired
// credential.
func (c *Client) checkUnauthorized(_ *resty.Client, resp *resty.Response) error {
	if resp.StatusCode() != http.StatusUnauthorized || resp.Request == nil {
		return nil
	}
	sent := resp.Request.Header.Get(tokenHeader)

	c.mu.RLock()
	fn := c.onUnauthorized
	current := c.token
	c.mu.RUnlock()

	if sent == "" || sent != current {
		return nil
	}
	if fn != nil {
		fn()
	}
	return nil
}

func statusError(op string, resp *resty.Response) error {
	se := &StatusError{Op: op, Code: resp.StatusCode()}
	if e, ok := resp.Error().(*models.ErrorResp); ok && e != nil {
		se.Message = e.Message
	}
	return se
}
