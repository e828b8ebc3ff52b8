// Package platform is a thin client for the remote video platform's
// Graph-style HTTP API. Each method is one request/response exchange; token
// recovery and retries across credentials belong to the caller.
package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"relaycast/internal/observability/metrics"
)

const (
	defaultBaseURL    = "https://graph.facebook.com"
	defaultAPIVersion = "v19.0"
	defaultTimeout    = 15 * time.Second
	maxPages          = 50
)

// Statuses reported by LiveStatus once a broadcast can no longer carry video.
var endedStatuses = map[string]struct{}{
	"LIVE_STOPPED":       {},
	"VOD":                {},
	"SCHEDULED_CANCELED": {},
	"SCHEDULED_EXPIRED":  {},
}

// Config configures a Client.
type Config struct {
	BaseURL    string
	APIVersion string
	AppID      string
	AppSecret  string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *slog.Logger
	Metrics    *metrics.Recorder
	// MaxAttempts bounds retries of transport failures and 5xx responses.
	// Client errors are never retried.
	MaxAttempts   int
	RetryInterval time.Duration
}

// Client talks to the remote platform.
type Client struct {
	baseURL       string
	appID         string
	appSecret     string
	client        *http.Client
	logger        *slog.Logger
	metrics       *metrics.Recorder
	maxAttempts   int
	retryInterval time.Duration
}

// New constructs a Client, filling defaults for unset fields.
func New(cfg Config) *Client {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = defaultBaseURL
	}
	version := strings.Trim(strings.TrimSpace(cfg.APIVersion), "/")
	if version == "" {
		version = defaultAPIVersion
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	return &Client{
		baseURL:       base + "/" + version,
		appID:         cfg.AppID,
		appSecret:     cfg.AppSecret,
		client:        httpClient,
		logger:        logger,
		metrics:       recorder,
		maxAttempts:   attempts,
		retryInterval: cfg.RetryInterval,
	}
}

// Token is a long-lived access token.
type Token struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

// Account identifies the user behind a token.
type Account struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// PageCredential is a managed destination with its own access token.
type PageCredential struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Category    string `json:"category"`
	AccessToken string `json:"access_token"`
}

// PageDetails holds descriptive page fields.
type PageDetails struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Category string `json:"category"`
	FanCount int64  `json:"fan_count"`
	Link     string `json:"link"`
	Picture  struct {
		Data struct {
			URL string `json:"url"`
		} `json:"data"`
	} `json:"picture"`
}

// BroadcastParams are the editable broadcast fields.
type BroadcastParams struct {
	Title       string
	Description string
}

// Broadcast is a created live video object.
type Broadcast struct {
	ID        string `json:"id"`
	VideoID   string `json:"video_id"`
	StreamURL string `json:"stream_url"`
	SecureURL string `json:"secure_stream_url"`
}

// IngestURL prefers the TLS endpoint.
func (b Broadcast) IngestURL() string {
	if strings.TrimSpace(b.SecureURL) != "" {
		return b.SecureURL
	}
	return b.StreamURL
}

// LiveStatus is the combined liveness and viewer query result.
type LiveStatus struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	LiveViews int    `json:"live_views"`
}

// Ended reports whether the remote broadcast has stopped accepting video.
func (s LiveStatus) Ended() bool {
	_, ok := endedStatuses[strings.ToUpper(strings.TrimSpace(s.Status))]
	return ok
}

// ExchangeToken swaps a short-lived user token for a long-lived one.
func (c *Client) ExchangeToken(ctx context.Context, shortLived string) (Token, error) {
	if strings.TrimSpace(c.appID) == "" || strings.TrimSpace(c.appSecret) == "" {
		return Token{}, errors.New("platform: app id and secret are required for token exchange")
	}
	query := url.Values{}
	query.Set("grant_type", "fb_exchange_token")
	query.Set("client_id", c.appID)
	query.Set("client_secret", c.appSecret)
	query.Set("fb_exchange_token", shortLived)
	var token Token
	if err := c.get(ctx, "exchange_token", "oauth/access_token", query, &token); err != nil {
		return Token{}, err
	}
	if token.AccessToken == "" {
		return Token{}, errors.New("platform: token exchange returned no access token")
	}
	return token, nil
}

// AccountID resolves the account behind token.
func (c *Client) AccountID(ctx context.Context, token string) (Account, error) {
	query := url.Values{}
	query.Set("fields", "id,name")
	query.Set("access_token", token)
	var account Account
	if err := c.get(ctx, "account_id", "me", query, &account); err != nil {
		return Account{}, err
	}
	return account, nil
}

// ListPages returns every page the account manages, following cursor paging.
func (c *Client) ListPages(ctx context.Context, userToken string) ([]PageCredential, error) {
	query := url.Values{}
	query.Set("fields", "id,name,category,access_token")
	query.Set("limit", "100")
	query.Set("access_token", userToken)

	var pages []PageCredential
	path := "me/accounts"
	for i := 0; i < maxPages; i++ {
		var response struct {
			Data   []PageCredential `json:"data"`
			Paging struct {
				Cursors struct {
					After string `json:"after"`
				} `json:"cursors"`
				Next string `json:"next"`
			} `json:"paging"`
		}
		if err := c.get(ctx, "list_pages", path, query, &response); err != nil {
			return nil, err
		}
		pages = append(pages, response.Data...)
		if response.Paging.Next == "" || response.Paging.Cursors.After == "" {
			break
		}
		query.Set("after", response.Paging.Cursors.After)
	}
	return pages, nil
}

// PageDetails fetches descriptive page fields. Some pages reject fan_count,
// so a validation error is retried once without it.
func (c *Client) PageDetails(ctx context.Context, pageID, token string) (PageDetails, error) {
	fields := []string{"id", "name", "category", "fan_count", "picture", "link"}
	details, err := c.pageDetails(ctx, pageID, token, fields)
	if err != nil && Classify(err) == CategoryValidation {
		c.logger.Warn("page details rejected, retrying without fan_count", "page_id", pageID, "error", err)
		return c.pageDetails(ctx, pageID, token, []string{"id", "name", "category", "picture", "link"})
	}
	return details, err
}

func (c *Client) pageDetails(ctx context.Context, pageID, token string, fields []string) (PageDetails, error) {
	query := url.Values{}
	query.Set("fields", strings.Join(fields, ","))
	query.Set("access_token", token)
	var details PageDetails
	if err := c.get(ctx, "page_details", url.PathEscape(pageID), query, &details); err != nil {
		return PageDetails{}, err
	}
	return details, nil
}

// CreateBroadcast starts a live video object on the page.
func (c *Client) CreateBroadcast(ctx context.Context, pageID, token string, params BroadcastParams) (Broadcast, error) {
	payload := map[string]string{"status": "LIVE_NOW"}
	if params.Title != "" {
		payload["title"] = params.Title
	}
	if params.Description != "" {
		payload["description"] = params.Description
	}
	var broadcast Broadcast
	path := url.PathEscape(pageID) + "/live_videos"
	if err := c.post(ctx, "create_broadcast", path, token, payload, &broadcast); err != nil {
		return Broadcast{}, err
	}
	if broadcast.ID == "" || broadcast.IngestURL() == "" {
		return Broadcast{}, fmt.Errorf("create_broadcast: response missing id or stream url")
	}
	return broadcast, nil
}

// UpdateBroadcast changes the title and description of a live video. Empty
// fields are left out so the broadcast keeps its current value.
func (c *Client) UpdateBroadcast(ctx context.Context, broadcastID, token string, params BroadcastParams) error {
	payload := map[string]string{}
	if params.Title != "" {
		payload["title"] = params.Title
	}
	if params.Description != "" {
		payload["description"] = params.Description
	}
	if len(payload) == 0 {
		return nil
	}
	var response struct {
		Success bool `json:"success"`
	}
	return c.post(ctx, "update_broadcast", url.PathEscape(broadcastID), token, payload, &response)
}

// LiveStatus fetches broadcast status and current viewer count.
func (c *Client) LiveStatus(ctx context.Context, broadcastID, token string) (LiveStatus, error) {
	query := url.Values{}
	query.Set("fields", "status,live_views")
	query.Set("access_token", token)
	var status LiveStatus
	if err := c.get(ctx, "live_status", url.PathEscape(broadcastID), query, &status); err != nil {
		return LiveStatus{}, err
	}
	return status, nil
}

// PostComment posts message on objectID and returns the comment id.
func (c *Client) PostComment(ctx context.Context, objectID, token, message string) (string, error) {
	var response struct {
		ID string `json:"id"`
	}
	path := url.PathEscape(objectID) + "/comments"
	if err := c.post(ctx, "post_comment", path, token, map[string]string{"message": message}, &response); err != nil {
		return "", err
	}
	return response.ID, nil
}

func (c *Client) get(ctx context.Context, operation, path string, query url.Values, dest interface{}) error {
	endpoint := c.baseURL + "/" + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	return c.do(ctx, operation, http.MethodGet, endpoint, nil, dest)
}

func (c *Client) post(ctx context.Context, operation, path, token string, payload interface{}, dest interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%s: marshal request: %w", operation, err)
	}
	query := url.Values{}
	query.Set("access_token", token)
	endpoint := c.baseURL + "/" + path + "?" + query.Encode()
	return c.do(ctx, operation, http.MethodPost, endpoint, body, dest)
}

func (c *Client) do(ctx context.Context, operation, method, endpoint string, payload []byte, dest interface{}) error {
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		c.metrics.ObserveRemoteAttempt(operation)
		retryable, err := c.once(ctx, operation, method, endpoint, payload, dest)
		if err == nil {
			return nil
		}
		lastErr = err
		c.metrics.ObserveRemoteFailure(operation)
		if !retryable || attempt == c.maxAttempts {
			break
		}
		c.logger.Warn("platform request failed", "operation", operation, "method", method, "attempt", attempt, "error", err)
		if c.retryInterval > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.retryInterval):
			}
		} else if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return lastErr
}

// once performs a single exchange and reports whether a failure may be retried.
func (c *Client) once(ctx context.Context, operation, method, endpoint string, payload []byte, dest interface{}) (bool, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return false, fmt.Errorf("%s: build request: %w", operation, err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return ctx.Err() == nil, fmt.Errorf("%s: %w", operation, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return true, fmt.Errorf("%s: read response: %w", operation, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode >= 500, parseAPIError(operation, resp.StatusCode, data)
	}
	if dest == nil || len(bytes.TrimSpace(data)) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return false, fmt.Errorf("%s: decode response: %w", operation, err)
	}
	return false, nil
}

// StatusCode extracts the HTTP status from err when it is an APIError.
func StatusCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status
	}
	return 0
}
