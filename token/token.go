// Package token provides bearer token sources for hub requests.
package token

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

var (
	ErrNoToken = errors.New("no token available")
)

// Funcs adapts a pair of functions into a token source.
// RefreshFunc may be nil, in which case GetFunc is called again.
type Funcs struct {
	GetFunc     func(ctx context.Context) (string, error)
	RefreshFunc func(ctx context.Context) (string, error)
}

// Token returns the current token.
func (f Funcs) Token(ctx context.Context) (string, error) {
	if f.GetFunc == nil {
		return "", ErrNoToken
	}

	return f.GetFunc(ctx)
}

// Refresh obtains a new token.
func (f Funcs) Refresh(ctx context.Context) (string, error) {
	if f.RefreshFunc == nil {
		return f.Token(ctx)
	}

	return f.RefreshFunc(ctx)
}

// Static is a token that never changes. Refreshing returns the same value.
type Static string

func (s Static) Token(context.Context) (string, error) {
	if s == "" {
		return "", ErrNoToken
	}

	return string(s), nil
}

func (s Static) Refresh(ctx context.Context) (string, error) {
	return s.Token(ctx)
}

// ClientCredentials is an app access token source backed by the OAuth2 client credentials grant.
// Tokens are cached until they expire; Refresh always fetches a new one.
type ClientCredentials struct {
	config *clientcredentials.Config

	mu      sync.Mutex
	current *oauth2.Token
}

// NewClientCredentials creates a token source for the given client credentials config.
func NewClientCredentials(config *clientcredentials.Config) *ClientCredentials {
	return &ClientCredentials{config: config}
}

// Token returns the cached token, fetching one if there is none or it has expired.
func (c *ClientCredentials) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current.Valid() {
		return c.current.AccessToken, nil
	}

	return c.fetch(ctx)
}

// Refresh discards the cached token and fetches a new one.
func (c *ClientCredentials) Refresh(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.fetch(ctx)
}

func (c *ClientCredentials) fetch(ctx context.Context) (string, error) {
	tok, err := c.config.Token(ctx)

	if err != nil {
		c.current = nil
		return "", errors.Wrap(err, "client credentials")
	}

	c.current = tok

	return tok.AccessToken, nil
}
