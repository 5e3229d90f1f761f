// Package fetch performs conditional HTTP downloads of rule lists.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

const (
	DefaultConnectTimeout = 30 * time.Second
	DefaultReadTimeout    = 10 * time.Second
	DefaultUserAgent      = "tunblock/1"
)

// Error message constants for consistent error handling
const (
	errBuildRequest = "build request: %w"
	errRequest      = "request %s: %w"
)

// ErrNotFound is returned when the server answers 404.
var ErrNotFound = errors.New("not found")

// StatusError is returned for every status other than 200, 304 and 404.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server error %d", e.Code)
}

// Result is the outcome of a successful conditional GET. Body is nil when
// NotModified is set; otherwise the caller must close it.
type Result struct {
	NotModified  bool
	Body         io.ReadCloser
	LastModified time.Time
}

// DialFunc establishes the underlying TCP connection.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Options configures a Fetcher.
type Options struct {
	ConnectTimeout time.Duration
	// ReadTimeout bounds every single read from the connection, not the
	// whole transfer.
	ReadTimeout time.Duration
	UserAgent   string

	// options to inject for testing purposes
	Dial DialFunc
}

// Fetcher issues conditional GET requests.
type Fetcher struct {
	client    *http.Client
	userAgent string
}

// New returns a Fetcher with defaults applied to unset options.
func New(opts Options) *Fetcher {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = DefaultReadTimeout
	}
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}
	dial := opts.Dial
	if dial == nil {
		dial = (&net.Dialer{Timeout: opts.ConnectTimeout}).DialContext
	}
	readTimeout := opts.ReadTimeout

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: func(ctx context.Context, network, address string) (net.Conn, error) {
			conn, err := dial(ctx, network, address)
			if err != nil {
				return nil, err
			}
			return &deadlineConn{Conn: conn, timeout: readTimeout}, nil
		},
		TLSHandshakeTimeout:   opts.ConnectTimeout,
		ResponseHeaderTimeout: readTimeout,
		DisableKeepAlives:     true,
	}
	return &Fetcher{
		client:    &http.Client{Transport: transport},
		userAgent: opts.UserAgent,
	}
}

// Get fetches url. When ifModifiedSince is non-zero it is sent as
// If-Modified-Since and a 304 answer yields a NotModified result.
func (f *Fetcher) Get(ctx context.Context, url string, ifModifiedSince time.Time) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf(errBuildRequest, err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	if !ifModifiedSince.IsZero() {
		req.Header.Set("If-Modified-Since", ifModifiedSince.UTC().Format(http.TimeFormat))
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf(errRequest, url, err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
		res := &Result{Body: resp.Body}
		if lm := resp.Header.Get("Last-Modified"); lm != "" {
			if t, err := http.ParseTime(lm); err == nil {
				res.LastModified = t
			}
		}
		return res, nil
	case http.StatusNotModified:
		resp.Body.Close()
		return &Result{NotModified: true}, nil
	case http.StatusNotFound:
		resp.Body.Close()
		return nil, ErrNotFound
	default:
		resp.Body.Close()
		return nil, &StatusError{Code: resp.StatusCode}
	}
}

// deadlineConn arms a fresh read deadline before every Read.
type deadlineConn struct {
	net.Conn
	timeout time.Duration
}

func (c *deadlineConn) Read(p []byte) (int, error) {
	if err := c.Conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
		return 0, err
	}
	return c.Conn.Read(p)
}
