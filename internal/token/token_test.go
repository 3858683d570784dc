package token

import (
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baerautotech/cerebral-access/pkg/access"
)

func unsignedToken(payload string) string {
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))
	body := base64.RawURLEncoding.EncodeToString([]byte(payload))
	return header + "." + body + ".sig"
}

func TestDecodeTier(t *testing.T) {
	tests := []struct {
		name    string
		token   string
		want    access.TierLevel
		wantErr error
	}{
		{name: "enterprise", token: unsignedToken(`{"tier":"enterprise"}`), want: access.TierEnterprise},
		{name: "standard", token: unsignedToken(`{"tier":"standard"}`), want: access.TierStandard},
		{name: "legacy_user_tier", token: unsignedToken(`{"user_tier":"standard"}`), want: access.TierStandard},
		{name: "empty_tier_falls_back", token: unsignedToken(`{"tier":"","user_tier":"enterprise"}`), want: access.TierEnterprise},
		{name: "tier_wins_over_legacy", token: unsignedToken(`{"tier":"standard","user_tier":"enterprise"}`), want: access.TierStandard},
		{name: "bogus_tier", token: unsignedToken(`{"tier":"bogus"}`), want: access.TierFree, wantErr: ErrInvalidTier},
		{name: "numeric_tier", token: unsignedToken(`{"tier":2}`), want: access.TierFree, wantErr: ErrInvalidTier},
		{name: "uppercase_tier", token: unsignedToken(`{"tier":"Enterprise"}`), want: access.TierFree, wantErr: ErrInvalidTier},
		{name: "no_tier_claim", token: unsignedToken(`{"sub":"u1"}`), want: access.TierFree, wantErr: ErrNoTierClaim},
		{name: "empty_token", token: "", want: access.TierFree, wantErr: ErrNoToken},
		{name: "whitespace_token", token: "   ", want: access.TierFree, wantErr: ErrNoToken},
		{name: "two_segments", token: "a.b", want: access.TierFree, wantErr: ErrMalformedToken},
		{name: "four_segments", token: "a.b.c.d", want: access.TierFree, wantErr: ErrMalformedToken},
		{name: "bad_base64", token: "a.!!!.c", want: access.TierFree, wantErr: ErrMalformedToken},
		{name: "bad_json", token: unsignedToken(`{not json`), want: access.TierFree, wantErr: ErrMalformedToken},
		{name: "null_payload", token: unsignedToken(`null`), want: access.TierFree, wantErr: ErrMalformedToken},
		{name: "array_payload", token: unsignedToken(`["enterprise"]`), want: access.TierFree, wantErr: ErrMalformedToken},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DecodeTier(tt.token))

			claims, err := Decode(tt.token)
			assert.Equal(t, tt.want, claims.Tier)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.True(t, errors.Is(err, tt.wantErr), "got %v, want %v", err, tt.wantErr)
		})
	}
}

func TestDecodeRestoresPadding(t *testing.T) {
	padded := base64.URLEncoding.EncodeToString([]byte(`{"tier":"enterprise","x":"ab"}`))
	token := "h." + padded + ".s"
	assert.Equal(t, access.TierEnterprise, DecodeTier(token))

	// Payload length chosen so the unpadded segment needs restoration.
	raw := base64.RawURLEncoding.EncodeToString([]byte(`{"tier":"standard","n":1}`))
	require.NotZero(t, len(raw)%4)
	assert.Equal(t, access.TierStandard, DecodeTier("h."+raw+".s"))
}

func TestDecodeSupplementalClaims(t *testing.T) {
	exp := time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)
	token := unsignedToken(`{"tier":"standard","exp":1798761600,"subscription_type":"annual","sub":"user-42"}`)

	claims, err := Decode(token)
	require.NoError(t, err)
	require.NotNil(t, claims.ExpiresAt)
	assert.True(t, exp.Equal(*claims.ExpiresAt))
	assert.Equal(t, access.SubscriptionAnnual, claims.SubscriptionType)
	assert.Equal(t, "user-42", claims.Subject)
	assert.Equal(t, "standard", claims.Raw["tier"])
}

func TestDecodeRejectsBadExp(t *testing.T) {
	_, err := Decode(unsignedToken(`{"tier":"standard","exp":"tomorrow"}`))
	assert.ErrorIs(t, err, ErrMalformedToken)
}

func TestClaimsState(t *testing.T) {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	active := Claims{Tier: access.TierEnterprise, ExpiresAt: &future, SubscriptionType: access.SubscriptionMonthly}.State(now)
	assert.Equal(t, access.TierEnterprise, active.Tier)
	assert.True(t, active.IsActive)
	assert.Equal(t, access.SubscriptionMonthly, active.SubscriptionType)

	expired := Claims{Tier: access.TierEnterprise, ExpiresAt: &past}.State(now)
	assert.Equal(t, access.TierFree, expired.Tier)
	assert.False(t, expired.IsActive)

	noExpiry := Claims{Tier: access.TierStandard}.State(now)
	assert.True(t, noExpiry.IsActive)

	assert.Equal(t, access.TierFree, Claims{}.State(now).Tier)
}

func TestVerifyingDecoder(t *testing.T) {
	key := []byte("test-signing-key")
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"tier": "enterprise"}).SignedString(key)
	require.NoError(t, err)

	d := NewDecoder(WithKeyfunc(func(*jwt.Token) (any, error) { return key, nil }))
	assert.True(t, d.Verifies())

	claims, err := d.Decode(signed)
	require.NoError(t, err)
	assert.Equal(t, access.TierEnterprise, claims.Tier)

	forged, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"tier": "enterprise"}).SignedString([]byte("other"))
	require.NoError(t, err)
	claims, err = d.Decode(forged)
	assert.ErrorIs(t, err, ErrMalformedToken)
	assert.Equal(t, access.TierFree, claims.Tier)

	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"tier": "enterprise",
		"exp":  time.Now().Add(-time.Hour).Unix(),
	}).SignedString(key)
	require.NoError(t, err)
	claims, err = d.Decode(expired)
	require.NoError(t, err, "expiry is judged by the caller")
	assert.False(t, claims.State(time.Now()).IsActive)

	assert.False(t, NewDecoder().Verifies())
}
