package flags

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/baerautotech/cerebral-access/internal/apiclient"
	accesserrors "github.com/baerautotech/cerebral-access/internal/errors"
)

// DefaultPath is the flag endpoint relative to the API base URL.
const DefaultPath = "/flags"

const (
	opFetchFlags = "fetch_flags"
	userAgent    = "cerebral-access-flags"
)

// ClientConfig holds configuration for the HTTP flag client.
type ClientConfig struct {
	BaseURL            string
	Path               string
	Tokens             apiclient.TokenProvider // optional
	Timeout            time.Duration
	InsecureSkipVerify bool
	Logger             *zerolog.Logger
	HTTPClient         *http.Client // overrides the hardened default
}

// Client fetches the flag map with GET <BaseURL><Path>.
type Client struct {
	endpoint   string
	tokens     apiclient.TokenProvider
	httpClient *http.Client
	logger     zerolog.Logger
	configErr  error
}

var _ Fetcher = (*Client)(nil)

// NewClient creates a flag client. Configuration errors surface on fetch.
func NewClient(cfg ClientConfig) *Client {
	baseURL, err := apiclient.NormalizeBaseURL(cfg.BaseURL)

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = apiclient.NewHTTPClient(cfg.Timeout, cfg.InsecureSkipVerify)
	}
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	return &Client{
		endpoint:   baseURL + apiclient.NormalizePath(cfg.Path, DefaultPath),
		tokens:     cfg.Tokens,
		httpClient: httpClient,
		logger:     logger,
		configErr:  err,
	}
}

// Endpoint returns the resolved flag URL.
func (c *Client) Endpoint() string { return c.endpoint }

// FetchFlags retrieves the flag map. The body must be a JSON object; values
// that are not booleans are dropped.
func (c *Client) FetchFlags(ctx context.Context) (map[string]bool, error) {
	if c.configErr != nil {
		return nil, accesserrors.New(accesserrors.ErrorTypeValidation, opFetchFlags, "flags",
			fmt.Errorf("invalid flag client configuration: %w", c.configErr))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if err := apiclient.Authorize(ctx, req, c.tokens); err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apiclient.TransportError(ctx, opFetchFlags, "flags", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Warn().Err(closeErr).Msg("Failed to close flag response body")
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, apiclient.StatusError(resp, opFetchFlags, "flags")
	}

	body, err := apiclient.ReadBody(resp, apiclient.MaxBodyBytes)
	if err != nil {
		return nil, accesserrors.WrapDecodeError(opFetchFlags, "flags", err)
	}
	return decodeFlags(body)
}

func decodeFlags(body []byte) (map[string]bool, error) {
	var raw any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, accesserrors.WrapDecodeError(opFetchFlags, "flags", fmt.Errorf("decode response: %w", err))
	}
	obj, ok := raw.(map[string]any)
	if !ok {
		return nil, accesserrors.WrapDecodeError(opFetchFlags, "flags", fmt.Errorf("response is %T, want a JSON object", raw))
	}

	out := make(map[string]bool, len(obj))
	for name, v := range obj {
		if b, ok := v.(bool); ok {
			out[name] = b
		}
	}
	return out, nil
}
