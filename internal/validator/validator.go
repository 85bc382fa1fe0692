package validator

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"
)

var (
	ErrInvalidURL       = errors.New("invalid URL format")
	ErrInvalidScheme    = errors.New("URL scheme must be http or https")
	ErrHTTPSRequired    = errors.New("HTTPS is required")
	ErrPrivateIP        = errors.New("private IP addresses are not allowed")
	ErrTooManyRedirects = errors.New("too many redirects")
	ErrBadStatus        = errors.New("unexpected response status")
	ErrBodyTooLarge     = errors.New("response body too large")
)

const (
	maxRedirects   = 3
	defaultTimeout = 10 * time.Second
	defaultMaxBody = 20 << 20
	minTLSVersion  = tls.VersionTLS12
	userAgent      = "calendarsync/1.0"
)

// Client performs outbound requests to user-supplied URLs. Every connection,
// including those made while following redirects, is refused when the target
// resolves to a private, loopback, link-local or unspecified address.
type Client struct {
	client          *http.Client
	allowPrivateIPs bool
	maxBody         int64
	timeout         time.Duration
	lookupIP        func(ctx context.Context, host string) ([]net.IPAddr, error)
}

// Option configures a Client.
type Option func(*Client)

// WithAllowPrivateIPs allows connections to private IP addresses.
// This is useful for local development and tests.
func WithAllowPrivateIPs() Option {
	return func(c *Client) {
		c.allowPrivateIPs = true
	}
}

// WithMaxBodySize caps the number of bytes SafeGet will read.
func WithMaxBodySize(n int64) Option {
	return func(c *Client) {
		c.maxBody = n
	}
}

// WithTimeout sets the overall per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

// New creates a new Client with the given options.
func New(opts ...Option) *Client {
	c := &Client{
		maxBody:  defaultMaxBody,
		timeout:  defaultTimeout,
		lookupIP: net.DefaultResolver.LookupIPAddr,
	}

	for _, opt := range opts {
		opt(c)
	}

	c.client = c.createHTTPClient()
	return c
}

// HTTPClient returns the guarded *http.Client for libraries that need one.
func (c *Client) HTTPClient() *http.Client {
	return c.client
}

func (c *Client) createHTTPClient() *http.Client {
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{
			MinVersion: minTLSVersion,
		},
		DialContext:           c.dialWithIPCheck,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          10,
		IdleConnTimeout:       30 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &http.Client{
		Timeout:   c.timeout,
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return ErrTooManyRedirects
			}
			return checkScheme(req.URL)
		},
	}
}

// dialWithIPCheck resolves the host once, rejects disallowed addresses and
// dials the vetted address so a second lookup cannot be rebound.
func (c *Client) dialWithIPCheck(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid address: %w", err)
	}

	ips, err := c.lookupIP(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("DNS resolution failed: %w", err)
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("DNS resolution failed: no addresses for %s", host)
	}

	for _, ip := range ips {
		if !c.allowPrivateIPs && isPrivateIP(ip.IP) {
			return nil, ErrPrivateIP
		}
	}

	dialer := &net.Dialer{
		Timeout:   defaultTimeout,
		KeepAlive: 30 * time.Second,
	}
	return dialer.DialContext(ctx, network, net.JoinHostPort(ips[0].IP.String(), port))
}

// isPrivateIP checks if an IP address is private or reserved.
func isPrivateIP(ip net.IP) bool {
	if ip == nil {
		return false
	}

	return ip.IsLoopback() ||
		ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsUnspecified()
}

func checkScheme(u *url.URL) error {
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: %q", ErrInvalidScheme, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	return nil
}

// ValidateURL validates a URL string.
// If requireHTTPS is true, only HTTPS URLs are accepted.
func ValidateURL(rawURL string, requireHTTPS bool) error {
	if rawURL == "" {
		return ErrInvalidURL
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: parse error: %w", ErrInvalidURL, err)
	}

	if err := checkScheme(parsed); err != nil {
		return err
	}

	if requireHTTPS && parsed.Scheme != "https" {
		return ErrHTTPSRequired
	}

	return nil
}

// Open issues a guarded GET and returns the response body for streaming.
// The caller must close it.
func (c *Client) Open(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	if err := ValidateURL(rawURL, false); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidURL, err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/calendar, */*;q=0.5")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: %d", ErrBadStatus, resp.StatusCode)
	}

	return resp.Body, nil
}

// SafeGet fetches rawURL and returns the full body, bounded by the
// configured maximum size.
func (c *Client) SafeGet(ctx context.Context, rawURL string) ([]byte, error) {
	body, err := c.Open(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	data, err := io.ReadAll(io.LimitReader(body, c.maxBody+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(data)) > c.maxBody {
		return nil, ErrBodyTooLarge
	}
	return data, nil
}
