// Package apiclient holds the HTTP plumbing shared by the Cerebral API
// clients: hardened transport, base URL validation, bearer authorization and
// structured status errors.
package apiclient

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	accesserrors "github.com/baerautotech/cerebral-access/internal/errors"
)

const (
	// DefaultTimeout bounds a single request.
	DefaultTimeout = 10 * time.Second
	// MaxErrorBodyBytes bounds the body excerpt attached to status errors.
	MaxErrorBodyBytes = 4096
	// MaxBodyBytes bounds successful response bodies.
	MaxBodyBytes = 1 << 20
)

// ErrBodyTooLarge is returned by ReadBody when the limit is exceeded.
var ErrBodyTooLarge = errors.New("response body exceeds size limit")

// TokenProvider returns the current bearer token, or "" when signed out.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// NewHTTPClient returns a client that refuses redirects and requires TLS 1.2.
func NewHTTPClient(timeout time.Duration, insecureSkipVerify bool) *http.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if insecureSkipVerify {
		//nolint:gosec // Insecure mode is explicitly user-controlled.
		tlsConfig.InsecureSkipVerify = true
	}

	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy:           http.ProxyFromEnvironment,
			TLSClientConfig: tlsConfig,
		},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return fmt.Errorf("server returned redirect to %s", req.URL)
		},
	}
}

// NormalizeBaseURL validates raw as an http(s) base URL without userinfo,
// query or fragment, and strips trailing slashes.
func NormalizeBaseURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("invalid base URL: empty")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid base URL: %w", err)
	}

	switch parsed.Scheme {
	case "http", "https":
	default:
		return "", fmt.Errorf("invalid base URL scheme %q: must be http or https", parsed.Scheme)
	}

	if parsed.Hostname() == "" {
		return "", errors.New("invalid base URL: missing host")
	}
	if parsed.User != nil {
		return "", errors.New("invalid base URL: userinfo is not allowed")
	}
	if parsed.RawQuery != "" || parsed.Fragment != "" {
		return "", errors.New("invalid base URL: query and fragment are not allowed")
	}

	if port := parsed.Port(); port != "" {
		portValue, err := strconv.Atoi(port)
		if err != nil || portValue < 1 || portValue > 65535 {
			return "", fmt.Errorf("invalid base URL port %q: must be between 1 and 65535", port)
		}
	}

	return strings.TrimRight(parsed.String(), "/"), nil
}

// NormalizePath ensures p starts with a slash. An empty p yields fallback.
func NormalizePath(p, fallback string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		p = fallback
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}

// Authorize sets the bearer token on req when tokens yields one.
func Authorize(ctx context.Context, req *http.Request, tokens TokenProvider) error {
	if tokens == nil {
		return nil
	}
	tok, err := tokens.Token(ctx)
	if err != nil {
		return accesserrors.New(accesserrors.ErrorTypeAuth, "authorize", req.URL.Host, err)
	}
	if tok = strings.TrimSpace(tok); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	return nil
}

// StatusError builds a structured error for a non-2xx response, including a
// bounded excerpt of the body.
func StatusError(resp *http.Response, op, source string) error {
	body, readErr := io.ReadAll(io.LimitReader(resp.Body, MaxErrorBodyBytes))
	var err error
	switch detail := strings.TrimSpace(string(body)); {
	case readErr != nil:
		err = fmt.Errorf("responded with status %s (failed to read response body: %w)", resp.Status, readErr)
	case detail == "":
		err = fmt.Errorf("responded with status %s", resp.Status)
	default:
		err = fmt.Errorf("responded with status %s: %s", resp.Status, detail)
	}
	return accesserrors.WrapStatusError(op, source, err, resp.StatusCode)
}

// ReadBody reads at most limit bytes, failing with ErrBodyTooLarge beyond it.
func ReadBody(resp *http.Response, limit int64) ([]byte, error) {
	if limit <= 0 {
		limit = MaxBodyBytes
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > limit {
		return nil, fmt.Errorf("%w (%d bytes)", ErrBodyTooLarge, limit)
	}
	return body, nil
}

// TransportError classifies a failed round trip.
func TransportError(ctx context.Context, op, source string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return accesserrors.New(accesserrors.ErrorTypeTimeout, op, source, err)
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Timeout() {
		return accesserrors.New(accesserrors.ErrorTypeTimeout, op, source, err)
	}
	return accesserrors.WrapFetchError(op, source, err)
}
