// Package stripebackend implements the entitlement purchase backend on top of
// Stripe subscriptions. SKUs map to Stripe price lookup keys.
package stripebackend

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	stripe "github.com/stripe/stripe-go/v82"
	stripesession "github.com/stripe/stripe-go/v82/checkout/session"
	stripeprice "github.com/stripe/stripe-go/v82/price"
	stripesubscription "github.com/stripe/stripe-go/v82/subscription"

	"github.com/baerautotech/cerebral-access/internal/entitlements"
	accesserrors "github.com/baerautotech/cerebral-access/internal/errors"
	"github.com/baerautotech/cerebral-access/pkg/access"
)

const source = "stripe"

var (
	ErrNotConfigured = errors.New("stripe backend requires an API key and customer ID")
	ErrUnknownPrice  = errors.New("no active stripe price for sku")
)

// API is the subset of Stripe calls the backend makes. Fields are swapped
// out in tests.
type API struct {
	ListSubscriptions     func(ctx context.Context, customerID string) ([]*stripe.Subscription, error)
	FindPrice             func(ctx context.Context, lookupKey string) (*stripe.Price, error)
	CreateSubscription    func(params *stripe.SubscriptionParams) (*stripe.Subscription, error)
	CreateCheckoutSession func(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

// DefaultAPI calls Stripe through the package-level stripe-go clients.
func DefaultAPI() API {
	return API{
		ListSubscriptions: func(ctx context.Context, customerID string) ([]*stripe.Subscription, error) {
			params := &stripe.SubscriptionListParams{
				Customer: stripe.String(customerID),
				Status:   stripe.String("all"),
			}
			params.Context = ctx
			iter := stripesubscription.List(params)
			var subs []*stripe.Subscription
			for iter.Next() {
				subs = append(subs, iter.Subscription())
			}
			return subs, iter.Err()
		},
		FindPrice: func(ctx context.Context, lookupKey string) (*stripe.Price, error) {
			params := &stripe.PriceListParams{
				LookupKeys: stripe.StringSlice([]string{lookupKey}),
				Active:     stripe.Bool(true),
			}
			params.Context = ctx
			iter := stripeprice.List(params)
			if iter.Next() {
				return iter.Price(), nil
			}
			if err := iter.Err(); err != nil {
				return nil, err
			}
			return nil, nil
		},
		CreateSubscription:    stripesubscription.New,
		CreateCheckoutSession: stripesession.New,
	}
}

// Config holds configuration for the Stripe backend.
type Config struct {
	APIKey     string
	CustomerID string
	API        *API // nil selects DefaultAPI
	Logger     *zerolog.Logger
}

// Backend reads and creates subscriptions for one Stripe customer.
type Backend struct {
	apiKey     string
	customerID string
	api        API
	logger     zerolog.Logger
}

var _ entitlements.Backend = (*Backend)(nil)

// New creates a backend. Missing credentials surface on each call. With the
// default API the key is installed into the stripe-go package once, here;
// calls never touch that global afterwards.
func New(cfg Config) *Backend {
	apiKey := strings.TrimSpace(cfg.APIKey)
	api := DefaultAPI()
	if cfg.API != nil {
		api = *cfg.API
	} else if apiKey != "" {
		stripe.Key = apiKey
	}
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	return &Backend{
		apiKey:     apiKey,
		customerID: strings.TrimSpace(cfg.CustomerID),
		api:        api,
		logger:     logger.With().Str("component", "stripebackend").Logger(),
	}
}

func (b *Backend) ready(op string) error {
	if b.apiKey == "" || b.customerID == "" {
		return accesserrors.New(accesserrors.ErrorTypeValidation, op, source, ErrNotConfigured)
	}
	return nil
}

// CustomerInfo lists the customer's subscriptions keyed by price lookup key.
func (b *Backend) CustomerInfo(ctx context.Context) (*entitlements.CustomerInfo, error) {
	if err := b.ready("customer_info"); err != nil {
		return nil, err
	}
	subs, err := b.api.ListSubscriptions(ctx, b.customerID)
	if err != nil {
		return nil, wrapStripeError("customer_info", err)
	}
	return customerInfoFromSubscriptions(b.customerID, subs), nil
}

// Purchase subscribes the customer to the active price whose lookup key is
// sku. The customer must already have a default payment method.
func (b *Backend) Purchase(ctx context.Context, sku string) (entitlements.PurchaseResult, error) {
	if err := b.ready("purchase"); err != nil {
		return entitlements.PurchaseResult{SKU: sku}, err
	}
	priceID, err := b.priceID(ctx, sku)
	if err != nil {
		return entitlements.PurchaseResult{SKU: sku}, err
	}

	params := &stripe.SubscriptionParams{
		Customer: stripe.String(b.customerID),
		Items: []*stripe.SubscriptionItemsParams{
			{Price: stripe.String(priceID)},
		},
	}
	params.Context = ctx
	sub, err := b.api.CreateSubscription(params)
	if err != nil {
		return entitlements.PurchaseResult{SKU: sku}, wrapStripeError("purchase", err)
	}

	result := entitlements.PurchaseResult{SKU: sku, Success: isActiveStatus(sub.Status)}
	if tier, ok := access.TierGrantForSKU(sku); ok {
		result.NewTier = tier
	}
	if !result.Success {
		result.Err = accesserrors.WrapPurchaseError("purchase", source, fmt.Errorf("subscription %s is %s", sub.ID, sub.Status))
		b.logger.Warn().Str("subscription", sub.ID).Str("status", string(sub.Status)).Msg("Subscription created but not active")
	}
	return result, nil
}

// Restore re-reads the customer's subscriptions.
func (b *Backend) Restore(ctx context.Context) (*entitlements.CustomerInfo, error) {
	return b.CustomerInfo(ctx)
}

// CheckoutURL creates a hosted Checkout session for sku and returns its URL.
func (b *Backend) CheckoutURL(ctx context.Context, sku, successURL, cancelURL string) (string, error) {
	if err := b.ready("checkout_session"); err != nil {
		return "", err
	}
	priceID, err := b.priceID(ctx, sku)
	if err != nil {
		return "", err
	}

	params := &stripe.CheckoutSessionParams{
		Mode:       stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		Customer:   stripe.String(b.customerID),
		SuccessURL: stripe.String(successURL),
		CancelURL:  stripe.String(cancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(priceID),
				Quantity: stripe.Int64(1),
			},
		},
	}
	params.Context = ctx
	session, err := b.api.CreateCheckoutSession(params)
	if err != nil {
		return "", wrapStripeError("checkout_session", err)
	}
	return session.URL, nil
}

func (b *Backend) priceID(ctx context.Context, sku string) (string, error) {
	sku = strings.TrimSpace(sku)
	if sku == "" {
		return "", accesserrors.New(accesserrors.ErrorTypeValidation, "find_price", source, accesserrors.ErrInvalidInput)
	}
	p, err := b.api.FindPrice(ctx, sku)
	if err != nil {
		return "", wrapStripeError("find_price", err)
	}
	if p == nil || p.ID == "" {
		return "", accesserrors.New(accesserrors.ErrorTypeValidation, "find_price", source, fmt.Errorf("%w %q", ErrUnknownPrice, sku))
	}
	return p.ID, nil
}

func isActiveStatus(status stripe.SubscriptionStatus) bool {
	return status == stripe.SubscriptionStatusActive || status == stripe.SubscriptionStatusTrialing
}

func customerInfoFromSubscriptions(customerID string, subs []*stripe.Subscription) *entitlements.CustomerInfo {
	info := &entitlements.CustomerInfo{
		CustomerID:               customerID,
		Subscriptions:            map[string]entitlements.Purchase{},
		NonSubscriptionPurchases: map[string]entitlements.Purchase{},
	}
	for _, sub := range subs {
		if sub == nil || sub.Items == nil {
			continue
		}
		active := isActiveStatus(sub.Status)
		for _, item := range sub.Items.Data {
			if item == nil || item.Price == nil || item.Price.LookupKey == "" {
				continue
			}
			sku := item.Price.LookupKey
			if existing, ok := info.Subscriptions[sku]; ok && existing.IsActive && !active {
				continue
			}
			p := entitlements.Purchase{
				ID:             sub.ID,
				ProductID:      sku,
				PurchaseDate:   time.Unix(sub.StartDate, 0).UTC(),
				IsActive:       active,
				IsSubscription: true,
			}
			if item.CurrentPeriodEnd > 0 {
				end := time.Unix(item.CurrentPeriodEnd, 0).UTC()
				p.ExpirationDate = &end
			}
			info.Subscriptions[sku] = p
		}
	}
	return info
}

func wrapStripeError(op string, err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) && stripeErr.HTTPStatusCode > 0 {
		return accesserrors.WrapStatusError(op, source, err, stripeErr.HTTPStatusCode)
	}
	return accesserrors.WrapPurchaseError(op, source, err)
}
