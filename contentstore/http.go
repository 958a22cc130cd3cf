package contentstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Default endpoints of a local IPFS daemon.
const (
	DefaultAPIURL     = "http://127.0.0.1:5001/api/v0"
	DefaultGatewayURL = "http://127.0.0.1:8080"
)

// MaxErrorBodyBytes caps how much of a failed response is read for the error message.
const MaxErrorBodyBytes = 4 << 10

// HTTPClient talks to an IPFS-compatible HTTP API for Put/Get and to its
// gateway for blob fetches.
type HTTPClient struct {
	apiURL     string
	gatewayURL string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

// NewHTTPClient builds a client. Empty URLs fall back to the local daemon defaults.
func NewHTTPClient(apiURL, gatewayURL string, httpClient *http.Client) *HTTPClient {
	apiURL = strings.TrimRight(strings.TrimSpace(apiURL), "/")
	if apiURL == "" {
		apiURL = DefaultAPIURL
	}
	gatewayURL = strings.TrimRight(strings.TrimSpace(gatewayURL), "/")
	if gatewayURL == "" {
		gatewayURL = DefaultGatewayURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPClient{
		apiURL:     apiURL,
		gatewayURL: gatewayURL,
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

type addResponse struct {
	Name string `json:"Name"`
	Hash string `json:"Hash"`
	Size string `json:"Size"`
}

// Put uploads data through /add. Content addressing makes the upload
// idempotent, so transport failures and 429/5xx responses are retried.
func (c *HTTPClient) Put(ctx context.Context, data []byte) (string, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", "blob")
	if err != nil {
		return "", fmt.Errorf("build upload: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("build upload: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("build upload: %w", err)
	}
	payload := body.Bytes()

	query := url.Values{}
	query.Set("cid-version", "1")
	query.Set("raw-leaves", "true")
	query.Set("pin", "true")
	endpoint := c.apiURL + "/add?" + query.Encode()

	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
		if err != nil {
			return "", err
		}
		req.Header.Set("Content-Type", writer.FormDataContentType())

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return "", waitErr
				}
				continue
			}
			return "", fmt.Errorf("put content: %w", err)
		}
		raw, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return "", fmt.Errorf("read add response: %w", readErr)
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			var out addResponse
			if err := json.Unmarshal(lastLine(raw), &out); err != nil {
				return "", fmt.Errorf("decode add response: %w", err)
			}
			if !ValidAddress(out.Hash) {
				return "", fmt.Errorf("%w: add returned %q", ErrInvalidAddress, out.Hash)
			}
			return out.Hash, nil
		}

		if retryable(resp.StatusCode) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return "", waitErr
			}
			continue
		}
		return "", httpError(resp.StatusCode, raw)
	}
}

// Get streams an object through /cat. Reads are attempted exactly once.
func (c *HTTPClient) Get(ctx context.Context, address string) (io.ReadCloser, error) {
	if !ValidAddress(address) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAddress, address)
	}
	endpoint := c.apiURL + "/cat?arg=" + url.QueryEscape(address)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get content %s: %w", address, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, MaxErrorBodyBytes))
		return nil, httpError(resp.StatusCode, raw)
	}
	return resp.Body, nil
}

// GetBlob fetches an object through the gateway, keeping its Content-Type.
func (c *HTTPClient) GetBlob(ctx context.Context, address string) (Blob, error) {
	if !ValidAddress(address) {
		return Blob{}, fmt.Errorf("%w: %q", ErrInvalidAddress, address)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BlobURL(address), nil)
	if err != nil {
		return Blob{}, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Blob{}, fmt.Errorf("get blob %s: %w", address, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, MaxErrorBodyBytes))
		return Blob{}, httpError(resp.StatusCode, raw)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Blob{}, fmt.Errorf("read blob %s: %w", address, err)
	}
	return Blob{Data: data, MediaType: resp.Header.Get("Content-Type")}, nil
}

// BlobURL returns the gateway URL of address.
func (c *HTTPClient) BlobURL(address string) string {
	return c.gatewayURL + "/ipfs/" + address
}

func retryable(status int) bool {
	return status == http.StatusTooManyRequests || (status >= 500 && status <= 599)
}

func httpError(status int, raw []byte) error {
	var payload struct {
		Message string `json:"Message"`
	}
	message := strings.TrimSpace(string(raw))
	if err := json.Unmarshal(raw, &payload); err == nil && payload.Message != "" {
		message = payload.Message
	}
	return &HTTPError{StatusCode: status, Message: message}
}

// Is maps 404 responses and the daemon's "not found" errors to ErrNotFound.
func (e *HTTPError) Is(target error) bool {
	if target != ErrNotFound {
		return false
	}
	return e.StatusCode == http.StatusNotFound || strings.Contains(e.Message, "not found")
}

// lastLine returns the final non-empty line; /add streams one JSON object per
// added entry and the last one is the root.
func lastLine(raw []byte) []byte {
	lines := bytes.Split(bytes.TrimSpace(raw), []byte("\n"))
	return lines[len(lines)-1]
}

func (c *HTTPClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		return min(retryAfter, maxDelay)
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	return min(delay, maxDelay)
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := http.ParseTime(header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
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
