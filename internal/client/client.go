package client

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/kelsos/pvectl/internal/config"
	"github.com/kelsos/pvectl/internal/endpoints"
	"github.com/kelsos/pvectl/internal/logger"
	"github.com/kelsos/pvectl/internal/models"
)

const (
	csrfHeader = "CSRFPreventionToken"
	authCookie = "PVEAuthCookie"
)

// session holds credentials shared by every view of a client.
type session struct {
	mu       sync.RWMutex
	ticket   models.Ticket
	apiToken string
}

// APIClient handles all HTTP communication with the Proxmox VE API
type APIClient struct {
	baseURL      string
	responseType string
	httpClient   *http.Client
	session      *session
}

// NewAPIClient creates a new API client with the given configuration
func NewAPIClient(cfg *config.Config) *APIClient {
	if cfg.BaseURL == "" {
		cfg.SetBaseURL()
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify} // #nosec G402 - opt-in for self-signed PVE certificates

	c := &APIClient{
		baseURL:      strings.TrimSuffix(cfg.BaseURL, "/"),
		responseType: cfg.ResponseType,
		httpClient: &http.Client{
			Timeout:   cfg.RequestTimeout,
			Transport: transport,
		},
		session: &session{apiToken: cfg.APIToken},
	}
	return c
}

// WithResponseType returns a view of the client that talks to /api2/{responseType}.
// The view shares credentials and connections with c.
func (c *APIClient) WithResponseType(responseType string) *APIClient {
	if responseType == c.responseType {
		return c
	}
	view := *c
	root := strings.TrimSuffix(c.baseURL, "/"+c.responseType)
	view.baseURL = root + "/" + responseType
	view.responseType = responseType
	return &view
}

// BuildURL constructs a full URL for the given API path
func (c *APIClient) BuildURL(path string) string {
	return c.baseURL + "/" + strings.TrimPrefix(path, "/")
}

// Get makes a GET request to the specified path
func (c *APIClient) Get(ctx context.Context, path string, params map[string]any) (*models.Result, error) {
	return c.Do(ctx, http.MethodGet, path, params)
}

// Create makes a POST request to the specified path
func (c *APIClient) Create(ctx context.Context, path string, params map[string]any) (*models.Result, error) {
	return c.Do(ctx, http.MethodPost, path, params)
}

// Set makes a PUT request to the specified path
func (c *APIClient) Set(ctx context.Context, path string, params map[string]any) (*models.Result, error) {
	return c.Do(ctx, http.MethodPut, path, params)
}

// Delete makes a DELETE request to the specified path
func (c *APIClient) Delete(ctx context.Context, path string, params map[string]any) (*models.Result, error) {
	return c.Do(ctx, http.MethodDelete, path, params)
}

// Do performs a request. A non-nil error means the exchange itself failed;
// HTTP level failures are reported through the returned result.
func (c *APIClient) Do(ctx context.Context, method, path string, params map[string]any) (*models.Result, error) {
	switch method {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete:
	default:
		return nil, fmt.Errorf("unsupported HTTP method: %s", method)
	}
	return c.request(ctx, method, path, params)
}

// request is the core HTTP request method
func (c *APIClient) request(ctx context.Context, method, path string, params map[string]any) (*models.Result, error) {
	target := c.BuildURL(path)
	start := time.Now()
	logger.Debug("Starting %s request to %s", method, target)

	values := EncodeParams(params)

	var requestBody io.Reader
	mutating := method == http.MethodPost || method == http.MethodPut
	if mutating {
		requestBody = strings.NewReader(values.Encode())
	} else if len(values) > 0 {
		target += "?" + values.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, target, requestBody)
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}

	if mutating {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		elapsed := time.Since(start)
		logger.Error("Request to %s failed after %v: %v", target, elapsed, err)
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	elapsed := time.Since(start)
	logger.Debug("Request to %s completed in %v with status %d", target, elapsed, resp.StatusCode)

	result, err := readResult(resp)
	if err != nil {
		return nil, err
	}

	if !result.IsSuccess() {
		logger.Debug("%s: HTTP error %d: %s", target, result.StatusCode, result.ReasonPhrase)
	}

	return result, nil
}

func (c *APIClient) authorize(req *http.Request) {
	c.session.mu.RLock()
	defer c.session.mu.RUnlock()

	if c.session.apiToken != "" {
		req.Header.Set("Authorization", "PVEAPIToken="+c.session.apiToken)
		return
	}

	if c.session.ticket.Ticket == "" {
		return
	}

	req.AddCookie(&http.Cookie{Name: authCookie, Value: c.session.ticket.Ticket})
	if req.Method != http.MethodGet {
		req.Header.Set(csrfHeader, c.session.ticket.CSRFPreventionToken)
	}
}

func readResult(resp *http.Response) (*models.Result, error) {
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("error reading response: %w", err)
	}

	result := &models.Result{
		StatusCode:   resp.StatusCode,
		ReasonPhrase: reasonPhrase(resp),
		ContentType:  resp.Header.Get("Content-Type"),
	}

	mediaType, _, _ := mime.ParseMediaType(result.ContentType)
	if strings.HasPrefix(mediaType, "image/") {
		result.DataURI = "data:" + mediaType + ";base64," + base64.StdEncoding.EncodeToString(payload)
		return result, nil
	}

	if len(payload) > 0 {
		result.Body = payload
	}
	return result, nil
}

// reasonPhrase strips the numeric code from the status line. PVE puts its
// own message there ("Parameter verification failed.").
func reasonPhrase(resp *http.Response) string {
	code := strconv.Itoa(resp.StatusCode)
	reason := strings.TrimSpace(strings.TrimPrefix(resp.Status, code))
	if reason == "" {
		reason = http.StatusText(resp.StatusCode)
	}
	return reason
}

// EncodeParams flattens a parameter map into form values. Nil values are
// skipped and booleans become 1/0.
func EncodeParams(params map[string]any) url.Values {
	values := url.Values{}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		switch v := params[key].(type) {
		case nil:
		case string:
			values.Add(key, v)
		case bool:
			if v {
				values.Add(key, "1")
			} else {
				values.Add(key, "0")
			}
		case []string:
			for _, item := range v {
				values.Add(key, item)
			}
		case fmt.Stringer:
			values.Add(key, v.String())
		default:
			values.Add(key, fmt.Sprint(v))
		}
	}
	return values
}

// Ping checks if the API is reachable
func (c *APIClient) Ping(ctx context.Context) error {
	result, err := c.WithResponseType(config.ResponseTypeJSON).Get(ctx, "/version", nil)
	if err != nil {
		return err
	}
	// 401 still proves the API is up
	if !result.IsSuccess() && result.StatusCode != http.StatusUnauthorized {
		return fmt.Errorf("ping failed with status %d", result.StatusCode)
	}
	return nil
}

// WaitForAPIReady waits for the API to become ready
func (c *APIClient) WaitForAPIReady(ctx context.Context, attempts int, delay time.Duration) bool {
	logger.Info("Checking API readiness...")

	for attempt := 1; attempt <= attempts; attempt++ {
		logger.Info("Checking API readiness (attempt %d/%d)...", attempt, attempts)

		if err := c.Ping(ctx); err == nil {
			logger.Info("API is ready!")
			return true
		}

		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}
	}

	logger.Error("API failed to become ready after %d attempts", attempts)
	return false
}

// Call executes a request produced by the endpoint table. Endpoints without a
// declared response type are called on the JSON view.
func (c *APIClient) Call(ctx context.Context, req endpoints.Request) (*models.Result, error) {
	responseType := req.ResponseType
	if responseType == "" {
		responseType = config.ResponseTypeJSON
	}
	return c.WithResponseType(responseType).Do(ctx, req.Method, req.Path, req.Params)
}
