// Package client submits system reports to an ingestd gateway the way an
// agent does: one report id per report, resent unchanged on 5xx.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"
)

const reportIDHeader = "X-Report-ID"

// Options controls delivery.
type Options struct {
	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
	Timeout      time.Duration
	Gzip         bool
	Logger       zerolog.Logger
}

// Client posts reports to /systeminfo.
type Client struct {
	http *retryablehttp.Client
	url  string
	gzip bool
}

// Result is the gateway's final answer for one report.
type Result struct {
	ID     string
	Status int
	Body   []byte
}

// New returns a client for the gateway at baseURL.
func New(baseURL string, opts Options) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("gateway url is required")
	}

	c := retryablehttp.NewClient()
	c.RetryMax = opts.RetryMax
	if opts.RetryWaitMin > 0 {
		c.RetryWaitMin = opts.RetryWaitMin
	}
	if opts.RetryWaitMax > 0 {
		c.RetryWaitMax = opts.RetryWaitMax
	}
	if opts.Timeout > 0 {
		c.HTTPClient.Timeout = opts.Timeout
	}
	c.Logger = leveledLogger{opts.Logger}
	c.CheckRetry = checkRetry
	c.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &Client{
		http: c,
		url:  strings.TrimSuffix(baseURL, "/") + "/systeminfo",
		gzip: opts.Gzip,
	}, nil
}

// Send submits report and returns once the gateway answers with a final
// status or retries are exhausted. Every attempt carries the same report id.
func (c *Client) Send(ctx context.Context, report []byte) (Result, error) {
	id := uuid.NewString()

	body := report
	if c.gzip {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(report); err != nil {
			return Result{}, fmt.Errorf("compress report: %w", err)
		}
		if err := zw.Close(); err != nil {
			return Result{}, fmt.Errorf("compress report: %w", err)
		}
		body = buf.Bytes()
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.url, body)
	if err != nil {
		return Result{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(reportIDHeader, id)
	if c.gzip {
		req.Header.Set("Content-Encoding", "gzip")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return Result{ID: id}, fmt.Errorf("send report: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return Result{ID: id, Status: resp.StatusCode}, fmt.Errorf("read response: %w", err)
	}

	res := Result{ID: id, Status: resp.StatusCode, Body: data}
	if resp.StatusCode != http.StatusOK {
		return res, fmt.Errorf("gateway answered %s: %s", resp.Status, bytes.TrimSpace(data))
	}
	return res, nil
}

// checkRetry retries like retryablehttp's default policy, except for a 502
// that carries the gateway's report id echo: that is the broker refusing the
// report, and resending it cannot succeed. A bare 502 from a proxy in front of
// the gateway is still retried.
func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if err == nil && resp != nil && resp.StatusCode == http.StatusBadGateway && resp.Header.Get(reportIDHeader) != "" {
		return false, nil
	}
	return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
}

// leveledLogger adapts zerolog to retryablehttp.LeveledLogger.
type leveledLogger struct {
	logger zerolog.Logger
}

func (l leveledLogger) Error(msg string, kv ...any) { l.logger.Error().Fields(kv).Msg(msg) }
func (l leveledLogger) Info(msg string, kv ...any)  { l.logger.Info().Fields(kv).Msg(msg) }
func (l leveledLogger) Debug(msg string, kv ...any) { l.logger.Debug().Fields(kv).Msg(msg) }
func (l leveledLogger) Warn(msg string, kv ...any)  { l.logger.Warn().Fields(kv).Msg(msg) }
