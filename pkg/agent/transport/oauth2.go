package transport

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// OAuth2Config configures client-credentials token acquisition for
// agents behind an OAuth2-protected endpoint.
type OAuth2Config struct {
	// ClientID is the OAuth2 client identifier (required)
	ClientID string

	// ClientSecret is the OAuth2 client secret (required)
	ClientSecret string

	// TokenURL is the token endpoint (required)
	TokenURL string

	// Scopes are the requested scopes
	Scopes []string

	// Timeout bounds each request (default 120s)
	Timeout time.Duration
}

// Validate checks the configuration is complete.
func (c *OAuth2Config) Validate() error {
	if c.ClientID == "" {
		return fmt.Errorf("client_id is required for oauth2 transport")
	}
	if c.ClientSecret == "" {
		return fmt.Errorf("client_secret is required for oauth2 transport")
	}
	if c.TokenURL == "" {
		return fmt.Errorf("token_url is required for oauth2 transport")
	}
	if c.Timeout < 0 {
		return fmt.Errorf("timeout cannot be negative")
	}
	return nil
}

// NewOAuth2Client returns an HTTP client that injects bearer tokens from
// the client-credentials flow, refreshing them as they expire. The first
// token is acquired eagerly so invalid credentials fail construction.
func NewOAuth2Client(ctx context.Context, cfg OAuth2Config) (*http.Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	cc := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.TokenURL,
		Scopes:       cfg.Scopes,
	}
	source := cc.TokenSource(ctx)
	token, err := source.Token()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire OAuth2 token: %w", err)
	}

	rt := &oauth2.Transport{
		Source: oauth2.ReuseTokenSource(token, source),
		Base:   http.DefaultTransport,
	}
	return newClient(cfg.Timeout, rt), nil
}
