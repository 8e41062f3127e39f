package cloud

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Logger defines the logging interface used by the client.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Regional API endpoints. The account's region field selects one;
// unknown regions fall back to eu.
var regionEndpoints = map[string]string{
	"eu": "https://openapi.tuyaeu.com",
	"us": "https://openapi.tuyaus.com",
	"cn": "https://openapi.tuyacn.com",
	"in": "https://openapi.tuyain.com",
}

const requestTimeout = 10 * time.Second

// DeviceInfo is the cloud's metadata for one device, used only to enrich
// local records (friendly names, product keys). Core operation never
// requires it.
type DeviceInfo struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	ProductKey string `json:"product_id"`
	Online     bool   `json:"online"`
}

// Client talks to the account's cloud API.
//
// The client is optional: accounts flagged no-cloud never construct one.
// GetAccessToken reports its outcome as a status string rather than an
// error because a failed cloud connection degrades setup (no metadata
// enrichment) instead of aborting it.
type Client struct {
	baseURL      string
	clientID     string
	clientSecret string
	userID       string
	httpClient   *http.Client
	logger       Logger

	mu          sync.Mutex
	accessToken string
}

// NewClient creates a cloud client for the given region and credentials.
func NewClient(region, clientID, clientSecret, userID string) *Client {
	baseURL, ok := regionEndpoints[strings.ToLower(region)]
	if !ok {
		baseURL = regionEndpoints["eu"]
	}
	return &Client{
		baseURL:      baseURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		userID:       userID,
		httpClient:   &http.Client{Timeout: requestTimeout},
		logger:       noopLogger{},
	}
}

// SetLogger sets the logger for the client.
func (c *Client) SetLogger(logger Logger) {
	c.logger = logger
}

// SetBaseURL overrides the regional endpoint. Used by tests.
func (c *Client) SetBaseURL(url string) {
	c.baseURL = strings.TrimSuffix(url, "/")
}

// GetAccessToken fetches and caches an access token.
// Returns "ok" on success or a human-readable failure description; callers
// log the description and continue without cloud enrichment.
func (c *Client) GetAccessToken(ctx context.Context) string {
	body, err := c.request(ctx, http.MethodGet, "/v1.0/token?grant_type=1", "")
	if err != nil {
		return err.Error()
	}

	var result struct {
		Success bool   `json:"success"`
		Msg     string `json:"msg"`
		Result  struct {
			AccessToken string `json:"access_token"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return fmt.Sprintf("decoding token response: %v", err)
	}
	if !result.Success {
		return result.Msg
	}

	c.mu.Lock()
	c.accessToken = result.Result.AccessToken
	c.mu.Unlock()

	return "ok"
}

// GetDevicesList fetches the account's devices keyed by device ID.
// Requires a prior successful GetAccessToken.
func (c *Client) GetDevicesList(ctx context.Context) (map[string]DeviceInfo, error) {
	c.mu.Lock()
	token := c.accessToken
	c.mu.Unlock()

	if token == "" {
		return nil, ErrNotAuthenticated
	}

	path := "/v1.0/users/" + c.userID + "/devices"
	body, err := c.request(ctx, http.MethodGet, path, token)
	if err != nil {
		return nil, err
	}

	var result struct {
		Success bool         `json:"success"`
		Msg     string       `json:"msg"`
		Result  []DeviceInfo `json:"result"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("decoding devices response: %w", err)
	}
	if !result.Success {
		return nil, fmt.Errorf("%w: %s", ErrRequestFailed, result.Msg)
	}

	devices := make(map[string]DeviceInfo, len(result.Result))
	for _, d := range result.Result {
		devices[d.ID] = d
	}

	c.logger.Debug("cloud devices fetched", "count", len(devices))
	return devices, nil
}

// request performs one signed API call and returns the response body.
func (c *Client) request(ctx context.Context, method, path, token string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}

	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	req.Header.Set("client_id", c.clientID)
	req.Header.Set("t", now)
	req.Header.Set("sign_method", "HMAC-SHA256")
	req.Header.Set("sign", c.sign(method, path, token, now))
	if token != "" {
		req.Header.Set("access_token", token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRequestFailed, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrRequestFailed, resp.StatusCode)
	}
	return body, nil
}

// sign computes the request signature: HMAC-SHA256 over
// clientID + token + timestamp + canonical request, upper-case hex.
func (c *Client) sign(method, path, token, timestamp string) string {
	payloadHash := sha256.Sum256(nil) // GET requests have an empty body
	canonical := method + "\n" + hex.EncodeToString(payloadHash[:]) + "\n\n" + path

	mac := hmac.New(sha256.New, []byte(c.clientSecret))
	mac.Write([]byte(c.clientID + token + timestamp + canonical)) //nolint:errcheck
	return strings.ToUpper(hex.EncodeToString(mac.Sum(nil)))
}
