// Package extractor calls the external extraction service over HTTP and
// maps its envelope onto download.MediaInfo.
package extractor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/mediafetch/fetchq/internal/download"
)

// Config points the client at the extraction service.
type Config struct {
	Endpoint string
	Timeout  time.Duration
}

// Client implements download.Scraper against the extractor HTTP API.
type Client struct {
	client   *http.Client
	endpoint string
	logger   *zap.Logger
}

// New constructs a Client.
func New(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("scraper.endpoint is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		client: &http.Client{
			Timeout: timeout,
		},
		endpoint: cfg.Endpoint,
		logger:   logger,
	}, nil
}

type extractRequest struct {
	URL      string `json:"url"`
	Platform string `json:"platform"`
}

// envelope is the extractor's wire format. Data is present on success,
// Error on failure; Success disambiguates a 200 with an empty body.
type envelope struct {
	Success bool                `json:"success"`
	Data    *download.MediaInfo `json:"data"`
	Error   string              `json:"error"`
}

// Run implements download.Scraper. The per-job timeout rides in on ctx;
// the client's own timeout is only a backstop.
func (c *Client) Run(ctx context.Context, platform, targetURL string) (download.MediaInfo, error) {
	body, err := json.Marshal(extractRequest{URL: targetURL, Platform: platform})
	if err != nil {
		return download.MediaInfo{}, fmt.Errorf("marshal extract request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return download.MediaInfo{}, fmt.Errorf("new extract request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return download.MediaInfo{}, fmt.Errorf("call extractor: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.logger.Debug("failed to close extractor response body", zap.Error(cerr))
		}
	}()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return download.MediaInfo{}, fmt.Errorf("read extractor response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return download.MediaInfo{}, fmt.Errorf("extractor returned status %d", resp.StatusCode)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return download.MediaInfo{}, fmt.Errorf("decode extractor response: %w", err)
	}
	if !env.Success || env.Data == nil {
		msg := env.Error
		if msg == "" {
			msg = "extractor reported failure"
		}
		return download.MediaInfo{}, fmt.Errorf("extract %s: %s", platform, msg)
	}
	return *env.Data, nil
}
