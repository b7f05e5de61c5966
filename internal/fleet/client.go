// Package fleet is the device side of the remote fleet API: catalog sync,
// event upload and artifact URL resolution.
package fleet

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"appfleet/internal/catalog"
	"appfleet/internal/store"
	"appfleet/pkg/api"

	"github.com/cenkalti/backoff/v4"
	"github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"
)

// StatusError is a non-success response from the fleet API.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fleet API error (%d): %s", e.StatusCode, e.Message)
}

// Rejected reports whether the server refused the request for good.
// Client errors are final except request timeout and rate limiting.
func (e *StatusError) Rejected() bool {
	if e.StatusCode == http.StatusRequestTimeout || e.StatusCode == http.StatusTooManyRequests {
		return false
	}
	return e.StatusCode >= 400 && e.StatusCode < 500
}

// Options tune the client.
type Options struct {
	Timeout time.Duration
	// SyncRetryInitial and SyncRetries bound retries of a failing sync.
	SyncRetryInitial time.Duration
	SyncRetries      uint64
	// OnReachable is called after every successful request.
	OnReachable func()
}

// Client calls the fleet API on behalf of one device.
type Client struct {
	base       *url.URL
	deviceID   string
	token      string
	opts       Options
	HTTPClient *http.Client
	logger     *slog.Logger
}

// New creates a client for the API rooted at baseURL.
func New(baseURL, deviceID, token string, opts Options, logger *slog.Logger) (*Client, error) {
	u, err := url.Parse(strings.TrimSuffix(baseURL, "/") + "/")
	if err != nil {
		return nil, fmt.Errorf("invalid api url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid api url %q: scheme must be http or https", baseURL)
	}
	if deviceID == "" {
		return nil, errors.New("device id is required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.SyncRetryInitial <= 0 {
		opts.SyncRetryInitial = time.Second
	}
	if opts.SyncRetries == 0 {
		opts.SyncRetries = 3
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		base:     u,
		deviceID: deviceID,
		token:    token,
		opts:     opts,
		HTTPClient: &http.Client{
			Timeout: opts.Timeout,
		},
		logger: logger,
	}, nil
}

// ResolveURL returns the download URL for a release file reference. Relative
// references are resolved against the API base.
func (c *Client) ResolveURL(fileRef string) (string, error) {
	if fileRef == "" {
		return "", errors.New("empty file reference")
	}
	ref, err := url.Parse(fileRef)
	if err != nil {
		return "", fmt.Errorf("invalid file reference %q: %w", fileRef, err)
	}
	if ref.IsAbs() {
		if ref.Scheme != "http" && ref.Scheme != "https" {
			return "", fmt.Errorf("unsupported file reference scheme %q", ref.Scheme)
		}
		return ref.String(), nil
	}
	return c.base.ResolveReference(ref).String(), nil
}

// Sync reports the installed set and returns the catalog of releases for
// this device. Network errors and server errors are retried a few times.
func (c *Client) Sync(ctx context.Context, installed catalog.InstalledAppState) (catalog.ReleaseCatalog, error) {
	req := api.DeviceSyncRequest{Installed: make([]api.InstalledPackage, 0, len(installed))}
	for pkg, code := range installed {
		if code < 0 {
			continue
		}
		req.Installed = append(req.Installed, api.InstalledPackage{PackageName: pkg, VersionCode: code})
	}
	body, err := json.Marshal(req)
	if err != nil {
		return catalog.ReleaseCatalog{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	endpoint := c.endpoint("v1/devices/" + c.deviceID + "/sync")

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.SyncRetryInitial

	var resp api.DeviceSyncResponse
	err = backoff.RetryNotify(
		func() error {
			respBody, err := c.do(ctx, http.MethodPost, endpoint, body, false)
			if err != nil {
				var se *StatusError
				if errors.As(err, &se) && se.Rejected() {
					return backoff.Permanent(err)
				}
				return err
			}
			if err := json.Unmarshal(respBody, &resp); err != nil {
				return backoff.Permanent(fmt.Errorf("failed to parse response: %w", err))
			}
			return nil
		},
		backoff.WithContext(backoff.WithMaxRetries(b, c.opts.SyncRetries), ctx),
		func(err error, next time.Duration) {
			c.logger.WarnContext(ctx, "sync failed, retrying", "retry_in", next, "error", err)
		},
	)
	if err != nil {
		return catalog.ReleaseCatalog{}, err
	}

	return toCatalog(resp), nil
}

// SendEvent uploads one event. Rejected events return a *StatusError whose
// Rejected method reports true.
func (c *Client) SendEvent(ctx context.Context, ev store.OutboundEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return &StatusError{StatusCode: http.StatusBadRequest, Message: "unencodable event: " + err.Error()}
	}
	_, err = c.do(ctx, http.MethodPost, c.endpoint("v1/events"), body, true)
	var se *StatusError
	if errors.As(err, &se) && se.StatusCode == http.StatusConflict {
		// Already recorded under this id.
		return nil
	}
	return err
}

func (c *Client) endpoint(path string) string {
	return c.base.ResolveReference(&url.URL{Path: path}).String()
}

// do sends body and returns the response body of a 2xx answer.
func (c *Client) do(ctx context.Context, method, endpoint string, body []byte, compress bool) ([]byte, error) {
	var reader io.Reader = bytes.NewReader(body)
	if compress {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(body); err != nil {
			return nil, fmt.Errorf("failed to compress request: %w", err)
		}
		if err := zw.Close(); err != nil {
			return nil, fmt.Errorf("failed to compress request: %w", err)
		}
		reader = &buf
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Device-ID", c.deviceID)
	if compress {
		httpReq.Header.Set("Content-Encoding", "gzip")
	}
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(respBody))}
	}
	if c.opts.OnReachable != nil {
		c.opts.OnReachable()
	}
	return respBody, nil
}

func toCatalog(resp api.DeviceSyncResponse) catalog.ReleaseCatalog {
	cat := catalog.ReleaseCatalog{
		Releases: make([]catalog.AppRelease, 0, len(resp.Updates)),
		Settings: catalog.Settings{
			SyncInterval:       time.Duration(resp.Settings.SyncIntervalSeconds) * time.Second,
			AutoUpdateDisabled: resp.Settings.AutoUpdateDisabled,
		},
	}
	for _, r := range resp.Updates {
		cat.Releases = append(cat.Releases, catalog.AppRelease{
			AppID:         r.AppID,
			PackageName:   r.PackageName,
			DisplayName:   r.DisplayName,
			VersionName:   r.VersionName,
			VersionCode:   r.VersionCode,
			FileRef:       r.FileRef,
			SHA256:        r.SHA256,
			FileSizeBytes: r.FileSizeBytes,
			AutoUpdate:    r.AutoUpdate,
			Changelog:     r.Changelog,
			UploadedAt:    r.UploadedAt,
		})
	}
	return cat
}
