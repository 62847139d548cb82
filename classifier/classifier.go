// Package classifier is the client of the inference service. The service is
// opaque: it takes a batch of messages and answers a prediction class and a
// confidence per message. Turning a class into a 0..100 score is done only
// through the configured ScoreMap.
package classifier

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

	"github.com/inboxguard/inboxguard/config"
	"github.com/inboxguard/inboxguard/consts"
	"github.com/inboxguard/inboxguard/logger"
	"github.com/inboxguard/inboxguard/pkg/circuitbreaker"
	"github.com/inboxguard/inboxguard/pkg/metrics"
	"github.com/inboxguard/inboxguard/pkg/retry"
)

const (
	healthPath = "/health"
	batchPath  = "/detect-phishing-batch"

	maxErrorBody = 4096
)

// Prediction classes returned by the service.
const (
	ClassSuspicious = -1
	ClassLegitimate = 0
	ClassPhishing   = 1
)

// ClassName returns the lower-case name of a prediction class.
func ClassName(class int) string {
	switch class {
	case ClassPhishing:
		return "phishing"
	case ClassLegitimate:
		return "legitimate"
	case ClassSuspicious:
		return "suspicious"
	default:
		return fmt.Sprintf("class(%d)", class)
	}
}

var (
	ErrUnhealthy     = errors.New("inference service is not healthy")
	ErrScoreUnmapped = errors.New("prediction class has no configured score")
)

// Email is one message submitted for classification.
type Email struct {
	ID      string `json:"id"`
	Sender  string `json:"sender"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

type Prediction struct {
	ID         string  `json:"id"`
	Class      int     `json:"prediction"`
	Confidence float64 `json:"confidence"`
	Message    string  `json:"message"`
}

type batchResponse struct {
	Status  string         `json:"status"`
	Results []Prediction   `json:"results"`
	Summary map[string]int `json:"summary"`
}

type healthResponse struct {
	Status string `json:"status"`
}

// HTTPError is a non-2xx answer from the service.
type HTTPError struct {
	Endpoint string
	Status   int
	Body     string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s returned HTTP %d: %s", e.Endpoint, e.Status, e.Body)
}

// Transient reports whether retrying may help.
func (e *HTTPError) Transient() bool {
	return e.Status >= 500 || e.Status == http.StatusTooManyRequests
}

type Client struct {
	baseURL string
	http    *http.Client
	backoff retry.BackoffConfig
	breaker *circuitbreaker.CircuitBreaker
}

// Options tune a Client; zero values take defaults.
type Options struct {
	Timeout    time.Duration
	MaxRetries int
	Backoff    *retry.BackoffConfig
}

func New(baseURL string, opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 120 * time.Second
	}
	backoff := retry.BackoffConfig{
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		Multiplier:      2.0,
		Jitter:          true,
		MaxRetries:      opts.MaxRetries,
	}
	if opts.MaxRetries <= 0 {
		backoff.MaxRetries = 3
	}
	if opts.Backoff != nil {
		backoff = *opts.Backoff
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: opts.Timeout},
		backoff: backoff,
		breaker: circuitbreaker.New(circuitbreaker.ForClassifier("classifier")),
	}
}

// NewFromConfig builds a Client from the [classifier] section.
func NewFromConfig(cfg config.Config) (*Client, error) {
	timeout, err := cfg.Classifier.GetTimeout()
	if err != nil {
		return nil, fmt.Errorf("invalid classifier timeout: %w", err)
	}
	return New(cfg.ClassifierURL(), Options{Timeout: timeout, MaxRetries: cfg.Classifier.MaxRetries}), nil
}

// Breaker exposes the circuit breaker for health reporting.
func (c *Client) Breaker() *circuitbreaker.CircuitBreaker {
	return c.breaker
}

// Health performs one GET /health without retries.
func (c *Client) Health(ctx context.Context) error {
	var resp healthResponse
	if err := c.do(ctx, http.MethodGet, healthPath, nil, &resp); err != nil {
		return err
	}
	if resp.Status != "healthy" {
		return fmt.Errorf("%w: status %q", ErrUnhealthy, resp.Status)
	}
	return nil
}

// ClassifyBatch submits emails and returns one prediction per email, in the
// order the service answered. Transient failures are retried.
func (c *Client) ClassifyBatch(ctx context.Context, emails []Email) ([]Prediction, error) {
	if len(emails) == 0 {
		return nil, nil
	}
	payload, err := json.Marshal(emails)
	if err != nil {
		return nil, fmt.Errorf("failed to encode batch: %w", err)
	}

	var resp batchResponse
	err = retry.WithRetryAdvanced(ctx, func() error {
		err := c.breaker.Call(func() error {
			return c.do(ctx, http.MethodPost, batchPath, payload, &resp)
		})
		if err == nil {
			return nil
		}
		var httpErr *HTTPError
		switch {
		case errors.Is(err, circuitbreaker.ErrOpen), errors.Is(err, circuitbreaker.ErrTrialLimit):
			return retry.Stop(err)
		case errors.As(err, &httpErr) && !httpErr.Transient():
			return retry.Stop(err)
		case ctx.Err() != nil:
			return retry.Stop(err)
		}
		logger.Warnf("[CLASSIFIER] batch request failed, will retry: %v", err)
		return err
	}, c.backoff)
	if err != nil {
		return nil, fmt.Errorf("classification failed: %w", err)
	}
	if resp.Status != "" && resp.Status != "success" {
		return nil, fmt.Errorf("classification failed: service status %q", resp.Status)
	}
	if len(resp.Results) != len(emails) {
		return nil, fmt.Errorf("classification failed: sent %d emails, got %d results", len(emails), len(resp.Results))
	}
	logger.Infof("[CLASSIFIER] classified %d emails: %v", len(resp.Results), resp.Summary)
	return resp.Results, nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if runID, ok := ctx.Value(consts.RunIDKey).(string); ok && runID != "" {
		req.Header.Set(consts.RunIDHeader, runID)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	metrics.ClassifierDuration.WithLabelValues(path).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.ClassifierRequests.WithLabelValues(path, "error").Inc()
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	metrics.ClassifierRequests.WithLabelValues(path, fmt.Sprint(resp.StatusCode)).Inc()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &HTTPError{Endpoint: path, Status: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}

// ScoreMap assigns a configured 0..100 score to each prediction class.
type ScoreMap struct {
	Phishing   *int
	Legitimate *int
	Suspicious *int
}

func NewScoreMap(cfg config.ScoreConfig) ScoreMap {
	return ScoreMap{Phishing: cfg.Phishing, Legitimate: cfg.Legitimate, Suspicious: cfg.Suspicious}
}

// Score returns the configured score of p's class. Confidence is not used.
func (m ScoreMap) Score(p Prediction) (int, error) {
	var v *int
	switch p.Class {
	case ClassPhishing:
		v = m.Phishing
	case ClassLegitimate:
		v = m.Legitimate
	case ClassSuspicious:
		v = m.Suspicious
	}
	if v == nil {
		return 0, fmt.Errorf("%w: class %d of %s", ErrScoreUnmapped, p.Class, p.ID)
	}
	return *v, nil
}
