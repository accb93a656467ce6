// Package transport implements memfaultd's HTTP upload pipeline: the event
// POST, the three-step large-file coredump upload, and the attributes POST
// (spec §4.7). Retry/backoff for within-call transient failures is handled
// by hashicorp/go-retryablehttp; classifying a call's outcome into
// OK/ErrorRetryLater/ErrorNoRetry for the daemon's own across-loop-iteration
// backoff (spec §4.8) is this package's own responsibility.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/time/rate"

	"github.com/memfault/memfaultd/internal/logging"
	"github.com/memfault/memfaultd/internal/merrors"
)

// Result classifies the outcome of one upload attempt (spec §4.7).
type Result int

const (
	OK Result = iota
	ErrorRetryLater
	ErrorNoRetry
)

func (r Result) String() string {
	switch r {
	case OK:
		return "ok"
	case ErrorRetryLater:
		return "retry_later"
	case ErrorNoRetry:
		return "no_retry"
	default:
		return "unknown"
	}
}

// DeviceInfo identifies the device in upload protocol request bodies.
type DeviceInfo struct {
	DeviceSerial    string `json:"device_serial"`
	HardwareVersion string `json:"hardware_version"`
	SoftwareVersion string `json:"software_version"`
	SoftwareType    string `json:"software_type"`
}

// Client wraps a retryablehttp.Client configured per spec §4.7, plus an
// outbound token-bucket limiter so a burst of queued records draining at
// once can't monopolize the uplink — independent of, and in addition to,
// the two spec-mandated exact-semantics algorithms (the coredump rate
// limiter and the main pump's backoff).
type Client struct {
	baseURL    string
	projectKey string
	http       *retryablehttp.Client
	limiter    *rate.Limiter
	log        *logging.Logger

	wasFailing bool
}

// Config configures a Client.
type Config struct {
	BaseURL        string
	ProjectKey     string
	Timeout        time.Duration
	RetryMax       int
	RateLimitRPS   float64 // 0 disables the outbound token bucket
}

// New builds a Client per Config, wiring retryablehttp with a CheckRetry
// that treats 4xx as non-retryable and 5xx/transport errors as retryable
// within a single Do() call (spec §4.7's classification, applied at the
// retryablehttp layer for in-call retries; Client.classify applies the same
// split to decide the daemon's own across-loop-iteration backoff).
func New(cfg Config) *Client {
	rc := retryablehttp.NewClient()
	rc.Logger = nil // memfaultd logs via its own structured logger, not retryablehttp's
	if cfg.RetryMax > 0 {
		rc.RetryMax = cfg.RetryMax
	} else {
		rc.RetryMax = 3
	}
	if cfg.Timeout > 0 {
		rc.HTTPClient.Timeout = cfg.Timeout
	} else {
		rc.HTTPClient.Timeout = 30 * time.Second
	}
	rc.CheckRetry = checkRetry

	var limiter *rate.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), 1)
	}

	return &Client{
		baseURL:    cfg.BaseURL,
		projectKey: cfg.ProjectKey,
		http:       rc,
		limiter:    limiter,
		log:        logging.Default().WithComponent("transport"),
	}
}

// checkRetry never lets retryablehttp retry a 4xx (permanent client error);
// it retries 5xx and transport-level errors up to RetryMax, matching
// spec §4.7's result classification applied one level down.
func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return true, nil
	}
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return false, nil
	}
	if resp.StatusCode >= 500 {
		return true, nil
	}
	return false, nil
}

func (c *Client) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx)
}

// classify turns an HTTP response/error pair into a Result and logs only on
// transition in/out of a failure state, per spec §4.7 ("avoid log storms").
func (c *Client) classify(resp *http.Response, err error) Result {
	failing := err != nil || (resp != nil && resp.StatusCode >= 400)
	if failing != c.wasFailing {
		if failing {
			c.log.Warn("upload entering failure state", "error", err, "status", statusOf(resp))
		} else {
			c.log.Info("upload recovered")
		}
	}
	c.wasFailing = failing

	if err != nil {
		return ErrorRetryLater
	}
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return OK
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return ErrorNoRetry
	default:
		return ErrorRetryLater
	}
}

func statusOf(resp *http.Response) int {
	if resp == nil {
		return 0
	}
	return resp.StatusCode
}

// PostEvent implements spec §4.7's event POST: the record payload verbatim,
// Memfault-Project-Key and Content-Type headers.
func (c *Client) PostEvent(ctx context.Context, payload []byte) (Result, error) {
	return c.postJSON(ctx, "/api/v0/events", payload)
}

// PostAttributes posts to the attributes endpoint; same shape as PostEvent,
// different path (spec.md §6 ATTR tag, SPEC_FULL §4.10).
func (c *Client) PostAttributes(ctx context.Context, payload []byte) (Result, error) {
	return c.postJSON(ctx, "/api/v0/attributes", payload)
}

func (c *Client) postJSON(ctx context.Context, path string, payload []byte) (Result, error) {
	if err := c.wait(ctx); err != nil {
		return ErrorRetryLater, err
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return ErrorNoRetry, merrors.Wrap("transport.post", err)
	}
	req.Header.Set("Memfault-Project-Key", c.projectKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if resp != nil {
		defer resp.Body.Close()
	}
	return c.classify(resp, err), nil
}

type uploadInitRequest struct {
	Kind   string     `json:"kind"`
	Device DeviceInfo `json:"device"`
	Size   int64      `json:"size"`
}

type uploadInitResponse struct {
	Data struct {
		UploadURL string `json:"upload_url"`
		Token     string `json:"token"`
	} `json:"data"`
}

type uploadCommitRequest struct {
	File struct {
		Token string `json:"token"`
	} `json:"file"`
	Device DeviceInfo `json:"device"`
}

// UploadCoredump drives the three-step large-file upload protocol (spec
// §4.7): initiate, PUT the raw bytes, commit. filePath's bytes are sent
// as-is — if gzipped, the caller already produced the .gz bytes on disk;
// this method never re-compresses.
func (c *Client) UploadCoredump(ctx context.Context, filePath string, dev DeviceInfo) (Result, error) {
	info, err := os.Stat(filePath)
	if err != nil {
		return ErrorNoRetry, merrors.Wrap("transport.upload_stat", err)
	}
	size := info.Size()

	initBody, err := json.Marshal(uploadInitRequest{Kind: "ELF_COREDUMP", Device: dev, Size: size})
	if err != nil {
		return ErrorNoRetry, merrors.Wrap("transport.upload_init_marshal", err)
	}

	result, respBody, err := c.doJSON(ctx, http.MethodPost, "/api/v0/upload", initBody)
	if result != OK {
		return result, err
	}
	var initResp uploadInitResponse
	if err := json.Unmarshal(respBody, &initResp); err != nil {
		return ErrorNoRetry, merrors.Wrap("transport.upload_init_unmarshal", err)
	}

	if err := c.wait(ctx); err != nil {
		return ErrorRetryLater, err
	}
	f, err := os.Open(filePath)
	if err != nil {
		return ErrorNoRetry, merrors.Wrap("transport.upload_open", err)
	}
	defer f.Close()

	putReq, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPut, initResp.Data.UploadURL, f)
	if err != nil {
		return ErrorNoRetry, merrors.Wrap("transport.upload_put_build", err)
	}
	putReq.ContentLength = size
	putReq.Header.Set("Content-Length", fmt.Sprintf("%d", size))

	putResp, err := c.http.Do(putReq)
	if putResp != nil {
		defer putResp.Body.Close()
	}
	if r := c.classify(putResp, err); r != OK {
		return r, nil
	}

	commitBody, err := json.Marshal(uploadCommitRequest{
		File: struct {
			Token string `json:"token"`
		}{Token: initResp.Data.Token},
		Device: dev,
	})
	if err != nil {
		return ErrorNoRetry, merrors.Wrap("transport.upload_commit_marshal", err)
	}

	result, _, err = c.doJSON(ctx, http.MethodPost, "/api/v0/upload/elf_coredump", commitBody)
	return result, err
}

// doJSON performs a JSON POST/PUT and returns the classified result along
// with the response body (only meaningful on OK).
func (c *Client) doJSON(ctx context.Context, method, path string, body []byte) (Result, []byte, error) {
	if err := c.wait(ctx); err != nil {
		return ErrorRetryLater, nil, err
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return ErrorNoRetry, nil, merrors.Wrap("transport.do_json", err)
	}
	req.Header.Set("Memfault-Project-Key", c.projectKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	result := c.classify(resp, err)
	if resp == nil {
		return result, nil, nil
	}
	defer resp.Body.Close()
	if result != OK {
		return result, nil, nil
	}
	var buf bytes.Buffer
	if _, copyErr := buf.ReadFrom(resp.Body); copyErr != nil {
		return ErrorRetryLater, nil, merrors.Wrap("transport.read_body", copyErr)
	}
	return result, buf.Bytes(), nil
}
