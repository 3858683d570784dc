// Package auth adapts token sources to the bearer-token provider the tier
// resolver and API clients consume.
package auth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/oauth2"
)

// maxTokenFileSize bounds how much of a token file is read.
const maxTokenFileSize = 64 << 10

// ErrInvalidToken is returned when an OAuth2 source yields an unusable token.
var ErrInvalidToken = errors.New("auth: token is invalid or expired")

// Provider returns the current bearer token, or "" when signed out.
type Provider interface {
	Token(ctx context.Context) (string, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context) (string, error)

func (f ProviderFunc) Token(ctx context.Context) (string, error) { return f(ctx) }

// Static always returns token.
func Static(token string) Provider {
	token = strings.TrimSpace(token)
	return ProviderFunc(func(context.Context) (string, error) { return token, nil })
}

// Env reads the named environment variable on every call.
func Env(name string) Provider {
	return ProviderFunc(func(context.Context) (string, error) {
		return strings.TrimSpace(os.Getenv(name)), nil
	})
}

// File reads the token from path on every call. A missing file means no token.
func File(path string) Provider {
	return ProviderFunc(func(ctx context.Context) (string, error) {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		return readTokenFile(path)
	})
}

func readTokenFile(path string) (string, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("open token file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxTokenFileSize+1))
	if err != nil {
		return "", fmt.Errorf("read token file: %w", err)
	}
	if len(data) > maxTokenFileSize {
		return "", fmt.Errorf("token file %q exceeds %d bytes", path, maxTokenFileSize)
	}
	return strings.TrimSpace(string(data)), nil
}

// OAuth2 returns the access token from ts, refreshing through ts as needed.
func OAuth2(ts oauth2.TokenSource) Provider {
	return ProviderFunc(func(context.Context) (string, error) {
		if ts == nil {
			return "", nil
		}
		tok, err := ts.Token()
		if err != nil {
			return "", fmt.Errorf("oauth2 token: %w", err)
		}
		if !tok.Valid() {
			return "", ErrInvalidToken
		}
		return tok.AccessToken, nil
	})
}

// Chain returns the first non-empty token. Errors from earlier providers are
// skipped; if no provider yields a token the first error is returned.
func Chain(providers ...Provider) Provider {
	return ProviderFunc(func(ctx context.Context) (string, error) {
		var firstErr error
		for _, p := range providers {
			if p == nil {
				continue
			}
			tok, err := p.Token(ctx)
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			if tok != "" {
				return tok, nil
			}
		}
		return "", firstErr
	})
}
