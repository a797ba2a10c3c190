// Package client talks to the Nessus scanner REST API: session handling,
// scan listing, scan control and the export/poll/download cycle that yields
// the XML documents the rest of nesspipe converts.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/anstrom/nesspipe/internal/errors"
	"github.com/anstrom/nesspipe/internal/logging"
	"github.com/anstrom/nesspipe/internal/metrics"
)

const (
	defaultURL            = "https://localhost:8834"
	defaultRequestTimeout = 30 * time.Second
	defaultExportTimeout  = 60 * time.Second
	defaultPollInterval   = time.Second
	defaultRequestRate    = 10

	exportFormat = "nessus"

	statusLoading = "loading"
	statusReady   = "ready"
)

// Config holds scanner connection settings.
type Config struct {
	URL       string `yaml:"url" json:"url" validate:"omitempty,url"`
	Username  string `yaml:"username" json:"username"`
	Password  string `yaml:"password" json:"password"`
	VerifyTLS bool   `yaml:"verify_tls" json:"verify_tls"`

	// Per-request timeout, including downloads
	RequestTimeout time.Duration `yaml:"request_timeout" json:"request_timeout" validate:"gt=0"`

	// Upper bound on waiting for an export to leave the loading state
	ExportTimeout time.Duration `yaml:"export_timeout" json:"export_timeout" validate:"gt=0"`

	PollInterval time.Duration `yaml:"poll_interval" json:"poll_interval" validate:"gt=0"`

	// Requests per second sent to the scanner (0 = unlimited)
	RequestsPerSecond float64 `yaml:"requests_per_second" json:"requests_per_second" validate:"gte=0"`
}

// DefaultConfig returns the default scanner configuration.
func DefaultConfig() Config {
	return Config{
		URL:               defaultURL,
		VerifyTLS:         true,
		RequestTimeout:    defaultRequestTimeout,
		ExportTimeout:     defaultExportTimeout,
		PollInterval:      defaultPollInterval,
		RequestsPerSecond: defaultRequestRate,
	}
}

// APIError represents a non-200 scanner response.
type APIError struct {
	StatusCode int
	Message    string
}

// Error implements the error interface
func (e *APIError) Error() string {
	return fmt.Sprintf("nessus API error (status %d): %s", e.StatusCode, e.Message)
}

// ScanInfo is one entry of the scanner's scan list.
type ScanInfo struct {
	ID                   int    `json:"id"`
	UUID                 string `json:"uuid"`
	Name                 string `json:"name"`
	Status               string `json:"status"`
	CreationDate         int64  `json:"creation_date"`
	LastModificationDate int64  `json:"last_modification_date"`
}

// Completed reports whether the scan has finished successfully.
func (s ScanInfo) Completed() bool {
	return s.Status == "completed"
}

// Created returns the creation date in UTC.
func (s ScanInfo) Created() time.Time {
	return time.Unix(s.CreationDate, 0).UTC()
}

// Modified returns the last modification date in UTC.
func (s ScanInfo) Modified() time.Time {
	return time.Unix(s.LastModificationDate, 0).UTC()
}

// Client is a session-scoped scanner API client. It is safe for concurrent use.
type Client struct {
	cfg        Config
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	recorder   metrics.Recorder
	logger     *logging.Logger

	mu    sync.RWMutex
	token string
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithRecorder reports request counts to r.
func WithRecorder(r metrics.Recorder) Option {
	return func(c *Client) { c.recorder = r }
}

// WithLogger sets the client logger.
func WithLogger(l *logging.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New creates a client for the scanner at cfg.URL. It does not log in.
func New(cfg Config, opts ...Option) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.ErrConfigMissing("nessus.url")
	}
	u, err := url.Parse(cfg.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, errors.ErrConfigInvalid("nessus.url", cfg.URL)
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.ExportTimeout <= 0 {
		cfg.ExportTimeout = defaultExportTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}

	c := &Client{
		cfg:     cfg,
		baseURL: strings.TrimRight(cfg.URL, "/"),
		httpClient: &http.Client{
			Timeout: cfg.RequestTimeout,
			Transport: &http.Transport{
				// #nosec G402 - scanners commonly run with self-signed certificates
				TLSClientConfig: &tls.Config{InsecureSkipVerify: !cfg.VerifyTLS},
				MaxIdleConns:    10,
				IdleConnTimeout: 30 * time.Second,
			},
		},
		recorder: metrics.Nop{},
		logger:   logging.Default().WithComponent("client"),
	}
	if cfg.RequestsPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Authenticated reports whether the client holds a session token.
func (c *Client) Authenticated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token != ""
}

// Login opens a session and stores its token for subsequent requests.
func (c *Client) Login(ctx context.Context) error {
	var resp struct {
		Token string `json:"token"`
	}
	login := map[string]string{"username": c.cfg.Username, "password": c.cfg.Password}
	if err := c.do(ctx, http.MethodPost, "/session", login, &resp); err != nil {
		return err
	}
	if resp.Token == "" {
		return errors.NewPipelineError(errors.CodeAuthentication, "scanner returned an empty session token")
	}

	c.mu.Lock()
	c.token = resp.Token
	c.mu.Unlock()

	c.logger.Info("Logged in to scanner", "url", c.baseURL, "username", c.cfg.Username)
	return nil
}

// Logout closes the session. The token is discarded even if the call fails.
func (c *Client) Logout(ctx context.Context) error {
	err := c.do(ctx, http.MethodDelete, "/session", nil, nil)

	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()

	return err
}

// ListScans returns every scan visible to the session.
func (c *Client) ListScans(ctx context.Context) ([]ScanInfo, error) {
	var resp struct {
		Scans []ScanInfo `json:"scans"`
	}
	if err := c.do(ctx, http.MethodGet, "/scans", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Scans, nil
}

// LatestScan returns the completed scan with the newest creation date.
// Ties keep the scan listed first.
func (c *Client) LatestScan(ctx context.Context) (ScanInfo, error) {
	scans, err := c.ListScans(ctx)
	if err != nil {
		return ScanInfo{}, err
	}

	var (
		latest ScanInfo
		found  bool
	)
	for _, s := range scans {
		if !s.Completed() {
			continue
		}
		if !found || s.CreationDate > latest.CreationDate {
			latest = s
			found = true
		}
	}
	if !found {
		return ScanInfo{}, errors.NewPipelineError(errors.CodeNotFound, "no completed scans available")
	}
	return latest, nil
}

// ExportScan requests a .nessus export of the scan, waits for the scanner to
// finish preparing it and downloads the document.
func (c *Client) ExportScan(ctx context.Context, scanID int) ([]byte, error) {
	var requested struct {
		File int `json:"file"`
	}
	resource := fmt.Sprintf("/scans/%d/export", scanID)
	if err := c.do(ctx, http.MethodPost, resource, map[string]string{"format": exportFormat}, &requested); err != nil {
		return nil, err
	}

	if err := c.waitForExport(ctx, scanID, requested.File); err != nil {
		return nil, err
	}

	download := fmt.Sprintf("/scans/%d/export/%d/download", scanID, requested.File)
	data, err := c.doRaw(ctx, http.MethodGet, download, nil)
	if err != nil {
		return nil, err
	}

	c.logger.Info("Downloaded scan export", "scan_id", scanID, "file_id", requested.File, "bytes", len(data))
	return data, nil
}

func (c *Client) waitForExport(ctx context.Context, scanID, fileID int) error {
	waitCtx, cancel := context.WithTimeout(ctx, c.cfg.ExportTimeout)
	defer cancel()

	resource := fmt.Sprintf("/scans/%d/export/%d/status", scanID, fileID)
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	started := time.Now()
	for {
		var status struct {
			Status string `json:"status"`
		}
		err := c.do(waitCtx, http.MethodGet, resource, nil, &status)
		switch {
		case err != nil && waitCtx.Err() != nil && ctx.Err() == nil:
			return errors.ErrExportTimeout(scanID)
		case err != nil:
			return err
		case status.Status == statusReady:
			c.logger.Debug("Scan export ready", "scan_id", scanID, "waited", time.Since(started))
			return nil
		case status.Status != statusLoading:
			return errors.NewPipelineError(errors.CodeExportFailed,
				fmt.Sprintf("scanner reported export status %q for scan %d", status.Status, scanID))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errors.ErrExportTimeout(scanID)
		case <-ticker.C:
		}
	}
}

// ExportLatest exports the newest completed scan.
func (c *Client) ExportLatest(ctx context.Context) (ScanInfo, []byte, error) {
	scan, err := c.LatestScan(ctx)
	if err != nil {
		return ScanInfo{}, nil, err
	}
	data, err := c.ExportScan(ctx, scan.ID)
	if err != nil {
		return ScanInfo{}, nil, err
	}
	return scan, data, nil
}

// Launch starts the scan and returns the UUID of the new run.
func (c *Client) Launch(ctx context.Context, scanID int) (string, error) {
	var resp struct {
		ScanUUID string `json:"scan_uuid"`
	}
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/scans/%d/launch", scanID), nil, &resp); err != nil {
		return "", err
	}
	return resp.ScanUUID, nil
}

// Pause pauses a running scan.
func (c *Client) Pause(ctx context.Context, scanID int) error {
	return c.control(ctx, scanID, "pause")
}

// Resume resumes a paused scan.
func (c *Client) Resume(ctx context.Context, scanID int) error {
	return c.control(ctx, scanID, "resume")
}

// Stop stops a running scan.
func (c *Client) Stop(ctx context.Context, scanID int) error {
	return c.control(ctx, scanID, "stop")
}

func (c *Client) control(ctx context.Context, scanID int, action string) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/scans/%d/%s", scanID, action), nil, nil)
}

// do performs a JSON request and decodes the response into out when non-nil.
func (c *Client) do(ctx context.Context, method, resource string, payload, out interface{}) error {
	body, err := c.doRaw(ctx, method, resource, payload)
	if err != nil {
		return err
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return errors.WrapPipelineError(errors.CodeScannerUnavailable, "malformed scanner response", resource, err)
	}
	return nil
}

// doRaw performs the request with session authentication and returns the body.
func (c *Client) doRaw(ctx context.Context, method, resource string, payload interface{}) ([]byte, error) {
	if err := c.wait(ctx, resource); err != nil {
		return nil, err
	}

	var requestBody io.Reader
	if payload != nil {
		jsonData, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request payload: %w", err)
		}
		requestBody = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+resource, requestBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	c.mu.RLock()
	if c.token != "" {
		req.Header.Set("X-Cookie", "token="+c.token)
	}
	c.mu.RUnlock()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.recorder.IncrementClientRequests(method, "error")
		return nil, transportError(resource, err)
	}
	defer func() { _ = resp.Body.Close() }()
	c.recorder.IncrementClientRequests(method, metrics.StatusLabel(resp.StatusCode))

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transportError(resource, err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resource, resp.StatusCode, bodyBytes)
	}

	c.logger.Debug("Scanner request", "method", method, "resource", resource, "status", resp.StatusCode)
	return bodyBytes, nil
}

// wait blocks until the rate limiter admits one more request.
func (c *Client) wait(ctx context.Context, resource string) error {
	if c.limiter == nil {
		return nil
	}
	if err := c.limiter.Wait(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return transportError(resource, ctxErr)
		}
		return errors.WrapPipelineError(errors.CodeTimeout,
			"scanner request would exceed its deadline waiting for the rate limit", resource, err)
	}
	return nil
}

func transportError(resource string, err error) error {
	switch {
	case stderrors.Is(err, context.Canceled):
		return errors.WrapPipelineError(errors.CodeCanceled, "scanner request canceled", resource, err)
	case stderrors.Is(err, context.DeadlineExceeded):
		return errors.WrapPipelineError(errors.CodeTimeout, "scanner request timed out", resource, err)
	default:
		return errors.WrapPipelineError(errors.CodeScannerUnavailable, "scanner request failed", resource, err)
	}
}

func statusError(resource string, status int, body []byte) error {
	apiErr := &APIError{StatusCode: status, Message: http.StatusText(status)}
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error != "" {
		apiErr.Message = payload.Error
	}

	code := errors.CodeUnknown
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		code = errors.CodeAuthentication
	case status == http.StatusNotFound:
		code = errors.CodeNotFound
	case status == http.StatusConflict:
		code = errors.CodeConflict
	case status >= http.StatusInternalServerError:
		code = errors.CodeScannerUnavailable
	}
	return errors.WrapPipelineError(code, "scanner rejected request", resource, apiErr)
}
