// Package httpbackend implements the entitlement purchase backend over the
// Cerebral subscriber REST API.
package httpbackend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/baerautotech/cerebral-access/internal/apiclient"
	"github.com/baerautotech/cerebral-access/internal/entitlements"
	accesserrors "github.com/baerautotech/cerebral-access/internal/errors"
	"github.com/baerautotech/cerebral-access/pkg/access"
)

const (
	source    = "purchases"
	userAgent = "cerebral-access-purchases"
)

// Config holds configuration for the REST purchase backend.
type Config struct {
	BaseURL            string
	AppUserID          string
	Tokens             apiclient.TokenProvider // optional
	Timeout            time.Duration
	InsecureSkipVerify bool
	Logger             *zerolog.Logger
	HTTPClient         *http.Client
}

// Client talks to /v1/subscribers/{appUserID} and /iap/verify-receipt.
type Client struct {
	baseURL    string
	appUserID  string
	tokens     apiclient.TokenProvider
	httpClient *http.Client
	logger     zerolog.Logger
	configErr  error
}

var (
	_ entitlements.Backend         = (*Client)(nil)
	_ entitlements.ReceiptVerifier = (*Client)(nil)
)

// New creates a client. Configuration errors surface on each call.
func New(cfg Config) *Client {
	baseURL, err := apiclient.NormalizeBaseURL(cfg.BaseURL)
	appUserID := strings.TrimSpace(cfg.AppUserID)
	if err == nil && appUserID == "" {
		err = errors.New("app user ID is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = apiclient.NewHTTPClient(cfg.Timeout, cfg.InsecureSkipVerify)
	}
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	return &Client{
		baseURL:    baseURL,
		appUserID:  appUserID,
		tokens:     cfg.Tokens,
		httpClient: httpClient,
		logger:     logger.With().Str("component", "httpbackend").Logger(),
		configErr:  err,
	}
}

type purchaseRequest struct {
	SKU string `json:"sku"`
}

type purchaseResponse struct {
	Success      bool                       `json:"success"`
	SKU          string                     `json:"sku"`
	NewTier      string                     `json:"newTier"`
	CustomerInfo *entitlements.CustomerInfo `json:"customerInfo"`
	Error        string                     `json:"error"`
}

type verifyReceiptRequest struct {
	Receipt  string `json:"receipt"`
	SKU      string `json:"sku"`
	Platform string `json:"platform"`
}

type verifyReceiptResponse struct {
	Valid bool   `json:"valid"`
	Tier  string `json:"tier"`
}

func (c *Client) subscriberURL(suffix string) string {
	return c.baseURL + "/v1/subscribers/" + url.PathEscape(c.appUserID) + suffix
}

// CustomerInfo fetches the subscriber record. An unknown subscriber has no
// purchases.
func (c *Client) CustomerInfo(ctx context.Context) (*entitlements.CustomerInfo, error) {
	var info entitlements.CustomerInfo
	status, err := c.do(ctx, "customer_info", http.MethodGet, c.subscriberURL(""), nil, &info, http.StatusNotFound)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return &entitlements.CustomerInfo{CustomerID: c.appUserID}, nil
	}
	return &info, nil
}

// Purchase starts a purchase of sku.
func (c *Client) Purchase(ctx context.Context, sku string) (entitlements.PurchaseResult, error) {
	var resp purchaseResponse
	if _, err := c.do(ctx, "purchase", http.MethodPost, c.subscriberURL("/purchases"), purchaseRequest{SKU: sku}, &resp); err != nil {
		return entitlements.PurchaseResult{SKU: sku}, err
	}

	result := entitlements.PurchaseResult{
		Success:      resp.Success,
		SKU:          sku,
		CustomerInfo: resp.CustomerInfo,
	}
	if tier, ok := access.ParseTier(resp.NewTier); ok {
		result.NewTier = tier
	}
	if !resp.Success && resp.Error != "" {
		result.Err = accesserrors.WrapPurchaseError("purchase", source, errors.New(resp.Error))
	}
	return result, nil
}

// Restore re-reads prior purchases. An empty response yields nil info.
func (c *Client) Restore(ctx context.Context) (*entitlements.CustomerInfo, error) {
	var info *entitlements.CustomerInfo
	if _, err := c.do(ctx, "restore", http.MethodPost, c.subscriberURL("/restore"), struct{}{}, &info); err != nil {
		return nil, err
	}
	return info, nil
}

// VerifyReceipt validates a store receipt server-side. Transport failures
// are returned as errors; the server's verdict is returned as is.
func (c *Client) VerifyReceipt(ctx context.Context, receipt, sku, platform string) (entitlements.ReceiptVerification, error) {
	if strings.TrimSpace(receipt) == "" {
		return entitlements.ReceiptVerification{}, accesserrors.New(accesserrors.ErrorTypeValidation, "verify_receipt", source, accesserrors.ErrInvalidInput)
	}
	var resp verifyReceiptResponse
	req := verifyReceiptRequest{Receipt: receipt, SKU: sku, Platform: platform}
	if _, err := c.do(ctx, "verify_receipt", http.MethodPost, c.baseURL+"/iap/verify-receipt", req, &resp); err != nil {
		return entitlements.ReceiptVerification{}, err
	}
	v := entitlements.ReceiptVerification{Valid: resp.Valid}
	if tier, ok := access.ParseTier(resp.Tier); ok {
		v.Tier = tier
	}
	return v, nil
}

// do performs one JSON round trip. Statuses listed in tolerated are returned
// without error and without decoding.
func (c *Client) do(ctx context.Context, op, method, endpoint string, in, out any, tolerated ...int) (int, error) {
	if c.configErr != nil {
		return 0, accesserrors.New(accesserrors.ErrorTypeValidation, op, source,
			fmt.Errorf("invalid purchase backend configuration: %w", c.configErr))
	}

	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return 0, fmt.Errorf("encode %s request: %w", op, err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return 0, fmt.Errorf("create %s request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if err := apiclient.Authorize(ctx, req, c.tokens); err != nil {
		return 0, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, apiclient.TransportError(ctx, op, source, err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Warn().Err(closeErr).Str("op", op).Msg("Failed to close response body")
		}
	}()

	for _, code := range tolerated {
		if resp.StatusCode == code {
			return resp.StatusCode, nil
		}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, apiclient.StatusError(resp, op, source)
	}

	raw, err := apiclient.ReadBody(resp, apiclient.MaxBodyBytes)
	if err != nil {
		return resp.StatusCode, accesserrors.WrapDecodeError(op, source, err)
	}
	if len(bytes.TrimSpace(raw)) == 0 || out == nil {
		return resp.StatusCode, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return resp.StatusCode, accesserrors.WrapDecodeError(op, source, fmt.Errorf("decode %s response: %w", op, err))
	}
	return resp.StatusCode, nil
}
