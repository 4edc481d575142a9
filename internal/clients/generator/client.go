// Package generator adapts to a single external image generator
// speaking HTTP+JSON: start a generation, poll its progress, cancel it,
// and report health for the Queue Orchestrator's degradation logic.
package generator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/bobmcallan/loraforge/internal/apperr"
	"github.com/bobmcallan/loraforge/internal/common"
	"github.com/bobmcallan/loraforge/internal/interfaces"
	"github.com/bobmcallan/loraforge/internal/models"
)

const (
	DefaultTimeout   = 15 * time.Second
	DefaultRateLimit = 4 // requests per second
)

// Client implements interfaces.GeneratorClient.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *common.Logger
	limiter    *rate.Limiter
}

// ClientOption configures the client.
type ClientOption func(*Client)

// WithBaseURL sets the generator's base URL.
func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) { c.baseURL = baseURL }
}

// WithAPIKey sets the bearer token sent with every request.
func WithAPIKey(apiKey string) ClientOption {
	return func(c *Client) { c.apiKey = apiKey }
}

// WithLogger sets the logger.
func WithLogger(logger *common.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// WithRateLimit sets the outbound request rate limit.
func WithRateLimit(requestsPerSecond int) ClientOption {
	return func(c *Client) {
		c.limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), requestsPerSecond)
	}
}

// WithTimeout sets the per-call HTTP timeout.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

// NewClient creates a new generator client with sane defaults.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		limiter: rate.NewLimiter(rate.Limit(DefaultRateLimit), DefaultRateLimit),
		logger:  common.NewSilentLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// newBackoff returns the retry schedule: initial 500ms, factor 2,
// cap 10s, at most 6 attempts total.
func newBackoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.Multiplier = 2
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, 5), ctx)
}

// rejectedError carries a generator-returned structured error body.
type rejectedError struct {
	StatusCode int
	Body       string
}

func (e *rejectedError) Error() string {
	return fmt.Sprintf("generator rejected request (status %d): %s", e.StatusCode, e.Body)
}

// do performs a rate-limited, retried HTTP request. 4xx/5xx responses
// with a body are treated as generator_rejected and not retried;
// transport-level failures and 5xx responses without a body are retried
// per newBackoff before surfacing as generator_unreachable.
func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return apperr.Wrap(apperr.KindInvalidParameters, "failed to marshal generator request", err)
		}
	}

	operation := func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(fmt.Errorf("rate limit wait: %w", err))
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to build request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			c.logger.Warn().Err(err).Str("path", path).Msg("generator request failed, retrying")
			return err // transient: retry
		}
		defer resp.Body.Close()

		respBody, _ := io.ReadAll(resp.Body)

		if resp.StatusCode >= 500 && len(respBody) == 0 {
			return fmt.Errorf("generator returned %d: %s", resp.StatusCode, string(respBody))
		}
		if resp.StatusCode >= 400 {
			return backoff.Permanent(&rejectedError{StatusCode: resp.StatusCode, Body: string(respBody)})
		}

		if out != nil && len(respBody) > 0 {
			if err := json.Unmarshal(respBody, out); err != nil {
				return backoff.Permanent(fmt.Errorf("failed to decode generator response: %w", err))
			}
		}
		return nil
	}

	err := backoff.Retry(operation, newBackoff(ctx))
	if err == nil {
		return nil
	}

	var rejected *rejectedError
	if errorsAs(err, &rejected) {
		return apperr.Wrap(apperr.KindGeneratorRejected, rejected.Error(), err)
	}
	return apperr.Wrap(apperr.KindGeneratorUnreach, "generator unreachable", err)
}

// errorsAs is a tiny indirection so the single backoff.Permanent-wrapped
// error case above reads naturally without importing errors twice.
func errorsAs(err error, target **rejectedError) bool {
	type unwrapper interface{ Unwrap() error }
	for err != nil {
		if r, ok := err.(*rejectedError); ok {
			*target = r
			return true
		}
		u, ok := err.(unwrapper)
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

type startRequest struct {
	Prompt         string                  `json:"prompt"`
	NegativePrompt string                  `json:"negative_prompt,omitempty"`
	Sampler        string                  `json:"sampler,omitempty"`
	Steps          int                     `json:"steps"`
	CFGScale       float64                 `json:"cfg_scale"`
	Width          int                     `json:"width"`
	Height         int                     `json:"height"`
	Seed           int64                   `json:"seed,omitempty"`
	BatchSize      int                     `json:"batch_size"`
}

type startResponse struct {
	Handle string `json:"handle"`
}

// Start submits a generation request and returns the external handle.
func (c *Client) Start(ctx context.Context, prompt, negativePrompt string, params models.GenerationParams) (string, error) {
	req := startRequest{
		Prompt:         prompt,
		NegativePrompt: negativePrompt,
		Sampler:        params.Sampler,
		Steps:          params.Steps,
		CFGScale:       params.CFGScale,
		Width:          params.Width,
		Height:         params.Height,
		Seed:           params.Seed,
		BatchSize:      params.BatchSize,
	}
	var resp startResponse
	if err := c.do(ctx, http.MethodPost, "/generate", req, &resp); err != nil {
		return "", err
	}
	return resp.Handle, nil
}

type pollResponse struct {
	Status   string   `json:"status"`
	Progress *float64 `json:"progress,omitempty"`
	Preview  string   `json:"partial_preview,omitempty"`
	Images   []struct {
		URL      string `json:"url"`
		Ordinal  int    `json:"ordinal"`
		Metadata string `json:"metadata,omitempty"`
	} `json:"images,omitempty"`
	Error string `json:"error,omitempty"`
}

// Poll fetches the current external status for a handle.
func (c *Client) Poll(ctx context.Context, handle string) (*interfaces.ExternalStatus, error) {
	var resp pollResponse
	if err := c.do(ctx, http.MethodGet, "/generate/"+handle, nil, &resp); err != nil {
		return nil, err
	}

	status := &interfaces.ExternalStatus{
		RawStatus:      resp.Status,
		PartialPreview: resp.Preview,
		Error:          resp.Error,
	}
	if resp.Progress != nil {
		status.Progress = *resp.Progress
		status.HasProgress = true
	}
	if len(resp.Images) > 0 {
		images := make([]models.ImageResult, 0, len(resp.Images))
		for _, img := range resp.Images {
			images = append(images, models.ImageResult{URL: img.URL, Ordinal: img.Ordinal, Metadata: img.Metadata})
		}
		status.ResultPayload = &models.JobResult{Images: images}
	}
	return status, nil
}

// Cancel issues a best-effort cancel; a 404 (already completed, or no
// cancel endpoint) is not treated as an error.
func (c *Client) Cancel(ctx context.Context, handle string) error {
	err := c.do(ctx, http.MethodPost, "/generate/"+handle+"/cancel", nil, nil)
	if err == nil {
		return nil
	}
	if kind, ok := apperr.Of(err); ok && kind == apperr.KindGeneratorRejected {
		c.logger.Debug().Str("handle", handle).Msg("generator cancel rejected, job likely already finished")
		return nil
	}
	return err
}

// Healthcheck reports whether the generator currently answers.
func (c *Client) Healthcheck(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

var _ interfaces.GeneratorClient = (*Client)(nil)
