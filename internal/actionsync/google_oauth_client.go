package actionsync

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

type GoogleOAuthClientOptions struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	HTTPClient   *http.Client
}

// GoogleOAuthClient exchanges a refresh token for a new access token.
type GoogleOAuthClient struct {
	tokenURL     string
	clientID     string
	clientSecret string
	httpClient   *http.Client
}

func NewGoogleOAuthClient(opts GoogleOAuthClientOptions) *GoogleOAuthClient {
	tokenURL := strings.TrimSpace(opts.TokenURL)
	if tokenURL == "" {
		tokenURL = "https://oauth2.googleapis.com/token"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &GoogleOAuthClient{
		tokenURL:     tokenURL,
		clientID:     strings.TrimSpace(opts.ClientID),
		clientSecret: strings.TrimSpace(opts.ClientSecret),
		httpClient:   httpClient,
	}
}

type oauthRefreshResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func (c *GoogleOAuthClient) Refresh(ctx context.Context, refreshToken string) (RefreshedToken, error) {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return RefreshedToken{}, fmt.Errorf("%w: missing refresh token", ErrInvalidInput)
	}
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	form.Set("client_id", c.clientID)
	form.Set("client_secret", c.clientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return RefreshedToken{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return RefreshedToken{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return RefreshedToken{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return RefreshedToken{}, parseGoogleError("google oauth", resp.StatusCode, body)
	}

	var parsed oauthRefreshResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return RefreshedToken{}, fmt.Errorf("parse refresh response: %w", err)
	}
	if strings.TrimSpace(parsed.AccessToken) == "" {
		return RefreshedToken{}, fmt.Errorf("refresh response missing access_token")
	}
	return RefreshedToken{
		AccessToken: parsed.AccessToken,
		ExpiresIn:   time.Duration(parsed.ExpiresIn) * time.Second,
	}, nil
}
