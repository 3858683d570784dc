// Package token reads the subscription tier carried in the auth bearer token.
//
// The token signature is NOT verified by default. The tier read here is
// advisory: it gates presentation only, and every tier-gated API endpoint is
// expected to enforce the tier server-side. A Decoder built with WithKeyfunc
// verifies the signature before trusting any claim.
package token

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/baerautotech/cerebral-access/pkg/access"
)

var (
	ErrNoToken        = errors.New("no token")
	ErrMalformedToken = errors.New("malformed token")
	ErrNoTierClaim    = errors.New("token carries no tier claim")
	ErrInvalidTier    = errors.New("token carries an invalid tier")
)

const (
	claimTier             = "tier"
	claimLegacyTier       = "user_tier"
	claimSubscriptionType = "subscription_type"
)

// Claims is the subset of the token payload the access engine reads.
type Claims struct {
	Tier             access.TierLevel
	ExpiresAt        *time.Time
	SubscriptionType access.SubscriptionType
	Subject          string
	Raw              jwt.MapClaims
}

// State converts claims into a tier state as of now. An expired token
// resolves to an inactive free tier.
func (c Claims) State(now time.Time) access.UserTierState {
	state := access.UserTierState{
		Tier:             c.Tier,
		ExpiresAt:        c.ExpiresAt,
		IsActive:         true,
		SubscriptionType: c.SubscriptionType,
	}
	if state.Tier == "" {
		state.Tier = access.TierFree
	}
	if state.IsExpired(now) {
		state.Tier = access.TierFree
		state.IsActive = false
	}
	return state
}

// Option configures a Decoder.
type Option func(*Decoder)

// WithKeyfunc enables signature verification with the supplied key lookup.
func WithKeyfunc(fn jwt.Keyfunc) Option {
	return func(d *Decoder) { d.keyfunc = fn }
}

// WithLogger overrides the global logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(d *Decoder) { d.logger = logger }
}

// Decoder extracts Claims from compact JWS tokens.
type Decoder struct {
	parser  *jwt.Parser
	keyfunc jwt.Keyfunc
	logger  zerolog.Logger
}

// NewDecoder returns a Decoder. Without WithKeyfunc it does not verify
// signatures.
func NewDecoder(opts ...Option) *Decoder {
	d := &Decoder{
		parser: jwt.NewParser(jwt.WithPaddingAllowed()),
		logger: log.Logger,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Verifies reports whether the decoder checks signatures.
func (d *Decoder) Verifies() bool { return d.keyfunc != nil }

var defaultDecoder = NewDecoder()

// Decode uses an unverified decoder logging to the global logger.
func Decode(token string) (Claims, error) {
	return defaultDecoder.Decode(token)
}

// DecodeTier returns the tier in token, or free when it cannot be read.
func DecodeTier(token string) access.TierLevel {
	claims, _ := defaultDecoder.Decode(token)
	return claims.Tier
}

// Decode parses token. On any error the returned Claims carry the free tier;
// failures other than ErrNoToken are logged at warn.
func (d *Decoder) Decode(token string) (Claims, error) {
	claims, err := d.decode(token)
	if err != nil {
		if !errors.Is(err, ErrNoToken) {
			d.logger.Warn().Err(err).Msg("Unable to read tier from token; using free tier")
		}
		return Claims{Tier: access.TierFree}, err
	}
	return claims, nil
}

func (d *Decoder) decode(token string) (Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Claims{}, ErrNoToken
	}

	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return Claims{}, fmt.Errorf("%w: expected 3 segments, got %d", ErrMalformedToken, len(parts))
	}

	mc, err := d.payload(token, parts[1])
	if err != nil {
		return Claims{}, err
	}

	claims := Claims{Raw: mc}
	if exp, err := mc.GetExpirationTime(); err != nil {
		return Claims{}, fmt.Errorf("%w: exp: %v", ErrMalformedToken, err)
	} else if exp != nil {
		t := exp.Time.UTC()
		claims.ExpiresAt = &t
	}
	if sub, err := mc.GetSubject(); err == nil {
		claims.Subject = sub
	}
	if st, ok := mc[claimSubscriptionType].(string); ok {
		claims.SubscriptionType = access.ParseSubscriptionType(st)
	}

	raw, ok := tierClaim(mc)
	if !ok {
		return Claims{}, ErrNoTierClaim
	}
	s, _ := raw.(string)
	tier, ok := access.ParseTier(s)
	if !ok {
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidTier, raw)
	}
	claims.Tier = tier
	return claims, nil
}

func (d *Decoder) payload(token, segment string) (jwt.MapClaims, error) {
	mc := jwt.MapClaims{}
	if d.keyfunc != nil {
		// Expiry is judged by the resolver so an expired token degrades to
		// an inactive free tier instead of failing verification.
		parser := jwt.NewParser(jwt.WithPaddingAllowed(), jwt.WithoutClaimsValidation())
		if _, err := parser.ParseWithClaims(token, mc, d.keyfunc); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedToken, err)
		}
		return mc, nil
	}

	raw, err := d.parser.DecodeSegment(segment)
	if err != nil {
		return nil, fmt.Errorf("%w: payload encoding: %v", ErrMalformedToken, err)
	}
	if err := json.Unmarshal(raw, &mc); err != nil {
		return nil, fmt.Errorf("%w: payload json: %v", ErrMalformedToken, err)
	}
	if mc == nil {
		return nil, fmt.Errorf("%w: payload is not an object", ErrMalformedToken)
	}
	return mc, nil
}

// tierClaim prefers "tier" and falls back to the legacy "user_tier" when
// "tier" is absent or empty.
func tierClaim(mc jwt.MapClaims) (any, bool) {
	if v, ok := mc[claimTier]; ok && !isEmptyClaim(v) {
		return v, true
	}
	if v, ok := mc[claimLegacyTier]; ok && !isEmptyClaim(v) {
		return v, true
	}
	return nil, false
}

func isEmptyClaim(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case bool:
		return !t
	default:
		return false
	}
}
