package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultGoogleAuthURL         = "https://accounts.google.com/o/oauth2/v2/auth"
	defaultGoogleTokenURL        = "https://oauth2.googleapis.com/token"
	defaultGoogleExchangeTimeout = 10 * time.Second
	maxTokenResponseBytes        = 1 << 20
)

var (
	// ErrGoogleNotConfigured reports missing client credentials.
	ErrGoogleNotConfigured = errors.New("auth: google oauth not configured")
	// ErrGoogleTokenExchange wraps every failed authorization-code exchange.
	ErrGoogleTokenExchange = errors.New("auth: google token exchange failed")
)

// DefaultGoogleScopes are requested on every authorization redirect.
func DefaultGoogleScopes() []string {
	return []string{
		"https://www.googleapis.com/auth/userinfo.email",
		"https://www.googleapis.com/auth/userinfo.profile",
		"openid",
	}
}

// GoogleClientConfig describes the OAuth client registered with Google.
type GoogleClientConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
	AuthURL      string
	TokenURL     string
	Scopes       []string
	Timeout      time.Duration
	HTTPClient   *http.Client
}

// GoogleTokens holds the parts of a token response the service uses.
type GoogleTokens struct {
	AccessToken string
	IDToken     string
}

// GoogleClient builds authorization redirects and exchanges codes for tokens.
type GoogleClient struct {
	clientID     string
	clientSecret string
	redirectURI  string
	authURL      string
	tokenURL     string
	scopes       []string
	httpClient   *http.Client
}

// NewGoogleClient applies defaults. An unconfigured client is valid; its
// operations report ErrGoogleNotConfigured.
func NewGoogleClient(cfg GoogleClientConfig) *GoogleClient {
	authURL := strings.TrimSpace(cfg.AuthURL)
	if authURL == "" {
		authURL = defaultGoogleAuthURL
	}
	tokenURL := strings.TrimSpace(cfg.TokenURL)
	if tokenURL == "" {
		tokenURL = defaultGoogleTokenURL
	}
	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = DefaultGoogleScopes()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultGoogleExchangeTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	bounded := *httpClient
	bounded.Timeout = timeout

	return &GoogleClient{
		clientID:     strings.TrimSpace(cfg.ClientID),
		clientSecret: strings.TrimSpace(cfg.ClientSecret),
		redirectURI:  strings.TrimSpace(cfg.RedirectURI),
		authURL:      authURL,
		tokenURL:     tokenURL,
		scopes:       append([]string(nil), scopes...),
		httpClient:   &bounded,
	}
}

// ClientID returns the OAuth client id, which is also the ID-token audience.
func (c *GoogleClient) ClientID() string {
	return c.clientID
}

// AuthorizationURL returns the consent-screen redirect target.
func (c *GoogleClient) AuthorizationURL() (string, error) {
	if c.clientID == "" || c.redirectURI == "" {
		return "", ErrGoogleNotConfigured
	}
	target, err := url.Parse(c.authURL)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrGoogleNotConfigured, err)
	}
	query := target.Query()
	query.Set("response_type", "code")
	query.Set("client_id", c.clientID)
	query.Set("redirect_uri", c.redirectURI)
	query.Set("scope", strings.Join(c.scopes, " "))
	query.Set("access_type", "offline")
	query.Set("prompt", "consent")
	target.RawQuery = query.Encode()
	return target.String(), nil
}

// Exchange trades an authorization code for tokens in a single attempt.
func (c *GoogleClient) Exchange(ctx context.Context, code string) (GoogleTokens, error) {
	if c.clientID == "" || c.clientSecret == "" || c.redirectURI == "" {
		return GoogleTokens{}, ErrGoogleNotConfigured
	}

	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", c.redirectURI)
	form.Set("client_id", c.clientID)
	form.Set("client_secret", c.clientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return GoogleTokens{}, fmt.Errorf("%w: %v", ErrGoogleTokenExchange, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return GoogleTokens{}, fmt.Errorf("%w: %v", ErrGoogleTokenExchange, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return GoogleTokens{}, fmt.Errorf("%w: token endpoint returned status %d", ErrGoogleTokenExchange, resp.StatusCode)
	}

	var payload struct {
		AccessToken string `json:"access_token"`
		IDToken     string `json:"id_token"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxTokenResponseBytes)).Decode(&payload); err != nil {
		return GoogleTokens{}, fmt.Errorf("%w: %v", ErrGoogleTokenExchange, err)
	}
	if strings.TrimSpace(payload.IDToken) == "" {
		return GoogleTokens{}, fmt.Errorf("%w: missing id token", ErrGoogleTokenExchange)
	}
	return GoogleTokens{AccessToken: payload.AccessToken, IDToken: payload.IDToken}, nil
}
