package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	logx "tickerd/pkg/logx"
)

// ClientConfig configures the HTTP analysis collaborator.
type ClientConfig struct {
	Endpoint string
	Timeout  time.Duration
}

func (c ClientConfig) withDefaults() ClientConfig {
	if c.Timeout <= 0 {
		c.Timeout = 90 * time.Second
	}
	return c
}

// Client invokes a remote analysis pipeline over HTTP. One POST per
// request; the response body is the report JSON.
type Client struct {
	cfg ClientConfig
	log logx.Logger
	hc  *http.Client
}

func NewClient(cfg ClientConfig, log logx.Logger) (*Client, error) {
	cfg = cfg.withDefaults()
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, errors.New("analysis endpoint is required")
	}
	return &Client{
		cfg: cfg,
		log: log,
		hc:  &http.Client{Timeout: cfg.Timeout},
	}, nil
}

func (c *Client) Analyze(ctx context.Context, req Request) (*Report, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.hc.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("analysis request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("analysis service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var rep Report
	if err := json.NewDecoder(resp.Body).Decode(&rep); err != nil {
		return nil, fmt.Errorf("decode report: %w", err)
	}
	c.log.Debug("analysis returned", logx.String("symbol", req.Symbol), logx.Duration("took", time.Since(start)))
	return &rep, nil
}
