package actionsync

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ActionClient applies an intent's action on one external platform.
type ActionClient interface {
	Platform() string
	Apply(ctx context.Context, accessToken string, intent SyncIntent) error
}

// HTTPStatusError is a non-2xx platform response. A 401 unwraps to
// ErrUnauthorized.
type HTTPStatusError struct {
	Platform   string
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPStatusError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s request failed: status=%d code=%s message=%s", e.Platform, e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("%s request failed: status=%d message=%s", e.Platform, e.StatusCode, e.Message)
}

func (e *HTTPStatusError) Unwrap() error {
	if e.StatusCode == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	return nil
}

type YouTubeHTTPClientOptions struct {
	BaseURL    string
	HTTPClient *http.Client
	UserAgent  string
	// MaxRetries enables in-client retries of 429 and 5xx responses. Zero
	// leaves retrying to the sweeper.
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

type YouTubeHTTPClient struct {
	baseURL    string
	httpClient *http.Client
	userAgent  string
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewYouTubeHTTPClient(opts YouTubeHTTPClientOptions) *YouTubeHTTPClient {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://www.googleapis.com"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	maxRetries := opts.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	return &YouTubeHTTPClient{
		baseURL:    baseURL,
		httpClient: httpClient,
		userAgent:  strings.TrimSpace(opts.UserAgent),
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
	}
}

func (c *YouTubeHTTPClient) Platform() string {
	return PlatformYouTube
}

// Apply rates the intent's video. The rate call sets an absolute rating, so
// repeating it is harmless.
func (c *YouTubeHTTPClient) Apply(ctx context.Context, accessToken string, intent SyncIntent) error {
	rating, err := youtubeRating(intent.Action)
	if err != nil {
		return err
	}
	return c.Rate(ctx, accessToken, intent.ExternalEntityID, rating, intent.Metadata.String(MetadataCorrelationID))
}

func (c *YouTubeHTTPClient) Rate(ctx context.Context, accessToken, videoID, rating, correlationID string) error {
	if c == nil {
		return fmt.Errorf("youtube http client is nil")
	}
	accessToken = strings.TrimSpace(accessToken)
	if accessToken == "" {
		return fmt.Errorf("youtube access token is empty")
	}
	videoID = strings.TrimSpace(videoID)
	if videoID == "" {
		return fmt.Errorf("%w: youtube video id is empty", ErrInvalidInput)
	}
	query := url.Values{}
	query.Set("id", videoID)
	query.Set("rating", rating)
	endpoint := c.baseURL + "/youtube/v3/videos/rate?" + query.Encode()
	if correlationID == "" {
		correlationID = fmt.Sprintf("youtube_%d", time.Now().UnixNano())
	}

	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+accessToken)
		req.Header.Set("Accept", "application/json")
		req.Header.Set("X-Correlation-Id", correlationID)
		if c.userAgent != "" {
			req.Header.Set("User-Agent", c.userAgent)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries && ctx.Err() == nil {
				if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}

		respBody, readErr := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}
		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			return nil
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}
		return parseGoogleError(PlatformYouTube, resp.StatusCode, respBody)
	}
}

func youtubeRating(action string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(action)) {
	case ActionLike:
		return "like", nil
	default:
		return "", fmt.Errorf("%w: unsupported youtube action %q", ErrInvalidInput, action)
	}
}

// parseGoogleError reads both the {"error":{...}} envelope of Google APIs and
// the flat {"error":"...","error_description":"..."} form of the token endpoint.
func parseGoogleError(platform string, status int, body []byte) *HTTPStatusError {
	out := &HTTPStatusError{
		Platform:   platform,
		StatusCode: status,
		Message:    strings.TrimSpace(string(body)),
	}
	var envelope struct {
		Error json.RawMessage `json:"error"`
		Desc  string          `json:"error_description"`
	}
	if json.Unmarshal(body, &envelope) != nil || len(envelope.Error) == 0 {
		return out
	}
	var nested struct {
		Status  string `json:"status"`
		Message string `json:"message"`
		Errors  []struct {
			Reason string `json:"reason"`
		} `json:"errors"`
	}
	if json.Unmarshal(envelope.Error, &nested) == nil {
		out.Code = nested.Status
		if len(nested.Errors) > 0 && nested.Errors[0].Reason != "" {
			out.Code = nested.Errors[0].Reason
		}
		if strings.TrimSpace(nested.Message) != "" {
			out.Message = nested.Message
		}
		return out
	}
	var flat string
	if json.Unmarshal(envelope.Error, &flat) == nil {
		out.Code = flat
		if strings.TrimSpace(envelope.Desc) != "" {
			out.Message = envelope.Desc
		}
	}
	return out
}

func (c *YouTubeHTTPClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfterSeconds(retryAfterHeader); retryAfter > 0 {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	if delay > c.maxDelay {
		return c.maxDelay
	}
	return delay
}

func parseRetryAfterSeconds(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
