package remote

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/steveyegge/docsync/internal/retry"
)

// DefaultMaxConnections is the default cap on simultaneous connections to
// the remote host.
const DefaultMaxConnections = 16

// DefaultMaxRetries is the default number of retries SendJSON makes for a
// transient failure.
const DefaultMaxRetries = 2

// Authenticator adds credentials to outgoing requests.
type Authenticator interface {
	Authorize(req *http.Request) error
}

// BasicAuth sends HTTP basic credentials.
type BasicAuth struct {
	Username string
	Password string
}

// Authorize implements Authenticator.
func (a BasicAuth) Authorize(req *http.Request) error {
	token := base64.StdEncoding.EncodeToString([]byte(a.Username + ":" + a.Password))
	req.Header.Set("Authorization", "Basic "+token)
	return nil
}

// BearerToken sends a bearer token.
type BearerToken string

// Authorize implements Authenticator.
func (t BearerToken) Authorize(req *http.Request) error {
	req.Header.Set("Authorization", "Bearer "+string(t))
	return nil
}

// Config holds client configuration.
type Config struct {
	// URL of the remote database.
	URL string

	// Headers are added to every request.
	Headers map[string]string

	// Authenticator optionally adds credentials.
	Authenticator Authenticator

	// MaxConnections caps simultaneous connections to the host.
	MaxConnections int

	// MaxRetries is how often SendJSON retries a transient failure. Zero
	// means DefaultMaxRetries; negative disables retries.
	MaxRetries int

	// MinBackoff and MaxBackoff bound the retry sleep.
	MinBackoff time.Duration
	MaxBackoff time.Duration

	// HTTPClient replaces the default client. Its Jar and Transport are used
	// as-is.
	HTTPClient *http.Client

	// Logger for client messages.
	Logger *log.Logger

	// Verbose logs every request.
	Verbose bool
}

// DefaultConfig returns default client configuration for url.
func DefaultConfig(rawURL string) Config {
	return Config{
		URL:            rawURL,
		MaxConnections: DefaultMaxConnections,
		MaxRetries:     DefaultMaxRetries,
		MinBackoff:     retry.DefaultMinSleep,
		MaxBackoff:     retry.DefaultMaxSleep,
	}
}

// Client talks to one remote database.
type Client struct {
	base    *url.URL
	http    *http.Client
	cfg     Config
	logger  *log.Logger
	headers http.Header
}

// New creates a client.
func New(cfg Config) (*Client, error) {
	defaults := DefaultConfig(cfg.URL)
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = defaults.MaxConnections
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaults.MaxRetries
	} else if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = defaults.MinBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaults.MaxBackoff
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[remote] ", log.LstdFlags)
	}

	base, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid remote URL %q: %w", cfg.URL, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid remote URL %q: scheme must be http or https", cfg.URL)
	}
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}

	// Credentials in the URL become basic auth
	if base.User != nil && cfg.Authenticator == nil {
		password, _ := base.User.Password()
		cfg.Authenticator = BasicAuth{Username: base.User.Username(), Password: password}
	}
	base.User = nil

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create cookie jar: %w", err)
		}
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.MaxConnsPerHost = cfg.MaxConnections
		transport.MaxIdleConnsPerHost = cfg.MaxConnections
		httpClient = &http.Client{Transport: transport, Jar: jar}
	}

	headers := make(http.Header)
	for k, v := range cfg.Headers {
		headers.Set(k, v)
	}

	return &Client{
		base:    base,
		http:    httpClient,
		cfg:     cfg,
		logger:  cfg.Logger,
		headers: headers,
	}, nil
}

// URL returns the database URL without credentials.
func (c *Client) URL() string {
	return strings.TrimSuffix(c.base.String(), "/")
}

// HTTPClient returns the underlying http.Client.
func (c *Client) HTTPClient() *http.Client {
	return c.http
}

// MaxConnections returns the connection cap.
func (c *Client) MaxConnections() int {
	return c.cfg.MaxConnections
}

// Resolve returns the absolute URL of a path relative to the database. path
// must already be escaped (see DocPath).
func (c *Client) Resolve(path string, query url.Values) *url.URL {
	u := *c.base
	escaped := c.base.EscapedPath() + strings.TrimPrefix(path, "/")
	if unescaped, err := url.PathUnescape(escaped); err == nil {
		u.Path = unescaped
		u.RawPath = escaped
	} else {
		u.Path = escaped
		u.RawPath = ""
	}
	u.RawQuery = ""
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return &u
}

// DocPath returns the escaped path of a document, keeping the "_design/" and
// "_local/" prefixes unescaped.
func DocPath(docID string) string {
	for _, prefix := range []string{"_design/", "_local/"} {
		if strings.HasPrefix(docID, prefix) {
			return prefix + url.PathEscape(docID[len(prefix):])
		}
	}
	return url.PathEscape(docID)
}

// NewRequest builds a request for path relative to the database.
func (c *Client) NewRequest(ctx context.Context, method, path string, query url.Values, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.Resolve(path, query).String(), body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	return req, nil
}

// Header returns the headers Do adds to a request, credentials included. It
// is used for connections that bypass Do, such as websockets.
func (c *Client) Header() (http.Header, error) {
	req, err := http.NewRequest(http.MethodGet, c.URL(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for k, v := range c.headers {
		req.Header[k] = v
	}
	if c.cfg.Authenticator != nil {
		if err := c.cfg.Authenticator.Authorize(req); err != nil {
			return nil, fmt.Errorf("failed to authorize request: %w", err)
		}
	}
	return req.Header, nil
}

// Do sends a single request after applying default headers and
// authentication. Responses with a non-2xx status are closed and returned
// as *HTTPError.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	for k, v := range c.headers {
		if req.Header.Get(k) == "" {
			req.Header[k] = v
		}
	}
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}
	if c.cfg.Authenticator != nil {
		if err := c.cfg.Authenticator.Authorize(req); err != nil {
			return nil, fmt.Errorf("failed to authorize request: %w", err)
		}
	}

	if c.cfg.Verbose {
		c.logger.Printf("%s %s", req.Method, req.URL.Redacted())
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		herr := &HTTPError{
			StatusCode: resp.StatusCode,
			Method:     req.Method,
			URL:        req.URL.Redacted(),
		}
		var body struct {
			Error  string `json:"error"`
			Reason string `json:"reason"`
		}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		if json.Unmarshal(data, &body) == nil {
			herr.Reason = body.Reason
			if herr.Reason == "" {
				herr.Reason = body.Error
			}
		}
		return nil, herr
	}

	return resp, nil
}

// SendJSON sends in (if non-nil) as a JSON body and decodes the response
// into out (if non-nil). Transient failures are retried with backoff up to
// MaxRetries times.
func (c *Client) SendJSON(ctx context.Context, method, path string, query url.Values, in, out any) error {
	var payload []byte
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		payload = data
	}

	return c.Retry(ctx, method+" "+path, func() error {
		return c.sendJSONOnce(ctx, method, path, query, payload, out)
	})
}

// Retry calls fn until it succeeds, fails with a non-transient error or
// MaxRetries transient failures have been retried. name is used in log
// messages.
func (c *Client) Retry(ctx context.Context, name string, fn func() error) error {
	backoff := retry.NewBackoff(c.cfg.MinBackoff, c.cfg.MaxBackoff)
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		action, _ := retry.Resolve(err, retry.Context{HasRetriesRemaining: attempt < c.cfg.MaxRetries})
		if action != retry.BackoffAndRetry {
			return err
		}

		if c.cfg.Verbose {
			c.logger.Printf("%s failed (%v), retrying in %v", name, err, backoff.SleepTime())
		}
		if err := backoff.Delay(ctx); err != nil {
			return err
		}
	}
}

func (c *Client) sendJSONOnce(ctx context.Context, method, path string, query url.Values, payload []byte, out any) error {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	req, err := c.NewRequest(ctx, method, path, query, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s %s response: %w", method, path, err)
	}
	return nil
}
