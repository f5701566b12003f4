// Package remote talks to the utility's HTTP API: paged customer records,
// report submission and a health endpoint used for reachability checks.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/leakline/internal/logging"
	"go.uber.org/zap"
)

const (
	defaultTimeout     = 20 * time.Second
	defaultHealthPath  = "/health"
	maxErrorBodyBytes  = 4 << 10
	headerIdempotency  = "Idempotency-Key"
	contentTypeJSON    = "application/json"
	pathCustomers      = "/customers"
	pathCustomersCount = "/customers/count"
	pathReports        = "/reports"
)

var errMissingBaseURL = errors.New("remote: base url required")

// ClientConfig configures the remote API client.
type ClientConfig struct {
	BaseURL    string
	HealthPath string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Page is one slice of the customer dataset as returned by the API.
type Page struct {
	Records    []json.RawMessage `json:"records"`
	TotalCount int               `json:"totalCount"`
}

// Client issues request/response calls against the remote API.
type Client struct {
	baseURL    *url.URL
	healthPath string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient constructs a Client with validated configuration.
func NewClient(cfg ClientConfig) (*Client, error) {
	raw := strings.TrimSpace(cfg.BaseURL)
	if raw == "" {
		return nil, errMissingBaseURL
	}
	baseURL, err := url.Parse(strings.TrimRight(raw, "/"))
	if err != nil {
		return nil, fmt.Errorf("remote: invalid base url: %w", err)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	healthPath := strings.TrimSpace(cfg.HealthPath)
	if healthPath == "" {
		healthPath = defaultHealthPath
	}

	return &Client{
		baseURL:    baseURL,
		healthPath: healthPath,
		httpClient: httpClient,
		logger:     logging.OrNop(cfg.Logger),
	}, nil
}

// PageOfRecords fetches limit records starting at offset.
func (c *Client) PageOfRecords(ctx context.Context, offset, limit int) (Page, error) {
	query := url.Values{}
	query.Set("offset", strconv.Itoa(offset))
	query.Set("limit", strconv.Itoa(limit))

	var page Page
	if err := c.getJSON(ctx, pathCustomers, query, &page); err != nil {
		return Page{}, err
	}
	return page, nil
}

// TotalCustomerCount reports how many records the dataset currently holds.
func (c *Client) TotalCustomerCount(ctx context.Context) (int, error) {
	var payload struct {
		Count int `json:"count"`
	}
	if err := c.getJSON(ctx, pathCustomersCount, nil, &payload); err != nil {
		return 0, err
	}
	return payload.Count, nil
}

// SubmitReport posts a report payload and returns the id the API assigned.
// idempotencyKey is forwarded so a replayed submission can be absorbed remotely.
func (c *Client) SubmitReport(ctx context.Context, idempotencyKey string, payload []byte) (string, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(pathReports, nil), bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	request.Header.Set("Content-Type", contentTypeJSON)
	if idempotencyKey != "" {
		request.Header.Set(headerIdempotency, idempotencyKey)
	}

	var accepted struct {
		ID string `json:"id"`
	}
	if err := c.do(request, &accepted); err != nil {
		return "", err
	}
	return accepted.ID, nil
}

// Ping checks the health endpoint; any non-2xx answer or transport failure is an error.
func (c *Client) Ping(ctx context.Context) error {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(c.healthPath, nil), http.NoBody)
	if err != nil {
		return err
	}
	return c.do(request, nil)
}

func (c *Client) getJSON(ctx context.Context, path string, query url.Values, target any) error {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(path, query), http.NoBody)
	if err != nil {
		return err
	}
	request.Header.Set("Accept", contentTypeJSON)
	return c.do(request, target)
}

func (c *Client) do(request *http.Request, target any) error {
	response, err := c.httpClient.Do(request)
	if err != nil {
		c.logger.Debug("remote call failed", zap.String("path", request.URL.Path), zap.Error(err))
		return unreachable(err)
	}
	defer response.Body.Close()

	if classified := classifyStatus(response.StatusCode, readErrorMessage(response)); classified != nil {
		c.logger.Debug("remote call rejected",
			zap.String("path", request.URL.Path),
			zap.Int("status", response.StatusCode))
		return classified
	}

	if target == nil {
		_, _ = io.Copy(io.Discard, response.Body)
		return nil
	}
	if err := json.NewDecoder(response.Body).Decode(target); err != nil {
		// A truncated body is a transport problem, not a verdict on the request.
		return &Error{kind: ErrRetryable, cause: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

func (c *Client) endpoint(path string, query url.Values) string {
	endpoint := *c.baseURL
	endpoint.Path = strings.TrimRight(endpoint.Path, "/") + path
	if query != nil {
		endpoint.RawQuery = query.Encode()
	}
	return endpoint.String()
}

func readErrorMessage(response *http.Response) string {
	if response.StatusCode >= 200 && response.StatusCode < 300 {
		return ""
	}
	body, err := io.ReadAll(io.LimitReader(response.Body, maxErrorBodyBytes))
	if err != nil || len(body) == 0 {
		return ""
	}
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &payload) == nil {
		if payload.Message != "" {
			return payload.Message
		}
		if payload.Error != "" {
			return payload.Error
		}
	}
	return strings.TrimSpace(string(body))
}
