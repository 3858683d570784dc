package engine

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/baerautotech/cerebral-access/internal/apiclient"
	"github.com/baerautotech/cerebral-access/internal/config"
	"github.com/baerautotech/cerebral-access/internal/entitlements"
	"github.com/baerautotech/cerebral-access/internal/purchases/httpbackend"
	"github.com/baerautotech/cerebral-access/internal/purchases/stripebackend"
)

// offlineBackend reports no purchases and refuses new ones. It keeps the
// entitlement store loadable when no purchase backend is configured.
type offlineBackend struct{}

func (offlineBackend) CustomerInfo(context.Context) (*entitlements.CustomerInfo, error) {
	return &entitlements.CustomerInfo{}, nil
}

func (offlineBackend) Purchase(context.Context, string) (entitlements.PurchaseResult, error) {
	return entitlements.PurchaseResult{}, entitlements.ErrNoBackend
}

func (offlineBackend) Restore(context.Context) (*entitlements.CustomerInfo, error) {
	return nil, entitlements.ErrNoBackend
}

func newPurchaseBackend(cfg *config.Config, tokens apiclient.TokenProvider, logger *zerolog.Logger) entitlements.Backend {
	switch cfg.PurchaseBackend {
	case config.PurchaseHTTP:
		return httpbackend.New(httpbackend.Config{
			BaseURL:            cfg.PurchaseBaseURL,
			AppUserID:          cfg.AppUserID,
			Tokens:             tokens,
			Timeout:            cfg.HTTPTimeout,
			InsecureSkipVerify: cfg.InsecureSkipVerify,
			Logger:             logger,
		})
	case config.PurchaseStripe:
		return stripebackend.New(stripebackend.Config{
			APIKey:     cfg.StripeAPIKey,
			CustomerID: cfg.StripeCustomerID,
			Logger:     logger,
		})
	default:
		return offlineBackend{}
	}
}
