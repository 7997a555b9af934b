// Package replicate implements embedding.Provider against the Replicate
// predictions API: create a prediction, then poll it until it settles.
package replicate

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"imagesearch/internal/embedding"
	imgerr "imagesearch/internal/errors"
)

const (
	// DefaultBaseURL is the public Replicate API.
	DefaultBaseURL = "https://api.replicate.com"

	// DefaultVersion is the multimodal embedding model version.
	DefaultVersion = "0383f62e173dc821ec52663ed22a076d9c970549c209666ac3db181618b7a304"

	DefaultPollInterval = time.Second
	DefaultMaxAttempts  = 30

	// maxErrorBody bounds how much of an error response is kept.
	maxErrorBody = 512
)

// Final prediction states. Anything else is still running.
const (
	statusSucceeded = "succeeded"
	statusFailed    = "failed"
	statusCanceled  = "canceled"
)

// Config holds the provider settings. Zero values fall back to defaults.
type Config struct {
	BaseURL string

	// Token is sent only in the Authorization header.
	Token string

	Version       string
	PollInterval  time.Duration
	MaxAttempts   int
	RatePerSecond float64
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

type Option func(*Provider)

// WithSleep replaces the wait between polls.
func WithSleep(fn SleepFunc) Option {
	return func(p *Provider) {
		p.sleep = fn
	}
}

func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = c
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) {
		p.logger = l
	}
}

var _ embedding.Provider = (*Provider)(nil)

type Provider struct {
	baseURL      string
	token        string
	version      string
	pollInterval time.Duration
	maxAttempts  int

	limiter    *rate.Limiter
	httpClient *http.Client
	sleep      SleepFunc
	logger     *slog.Logger
}

type predictionInput struct {
	Input    string             `json:"input"`
	Modality embedding.Modality `json:"modality"`
}

type createRequest struct {
	Version string          `json:"version"`
	Input   predictionInput `json:"input"`
}

type prediction struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Output json.RawMessage `json:"output"`
	Error  any             `json:"error"`
	Detail string          `json:"detail"`
}

func New(cfg Config, opts ...Option) (*Provider, error) {
	if cfg.Token == "" {
		return nil, imgerr.New(imgerr.CodeRequestInvalid, "replicate token is required")
	}

	p := &Provider{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		token:        cfg.Token,
		version:      cfg.Version,
		pollInterval: cfg.PollInterval,
		maxAttempts:  cfg.MaxAttempts,
		httpClient:   &http.Client{Timeout: 60 * time.Second},
		sleep:        sleepContext,
		logger:       slog.New(slog.DiscardHandler),
	}
	if p.baseURL == "" {
		p.baseURL = DefaultBaseURL
	}
	if p.version == "" {
		p.version = DefaultVersion
	}
	if p.pollInterval <= 0 {
		p.pollInterval = DefaultPollInterval
	}
	if p.maxAttempts <= 0 {
		p.maxAttempts = DefaultMaxAttempts
	}

	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	p.limiter = rate.NewLimiter(limit, 1)

	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Embed creates a prediction for data and polls it up to MaxAttempts times.
func (p *Provider) Embed(ctx context.Context, modality embedding.Modality, data []byte) ([]float32, error) {
	if err := embedding.CheckModality(modality); err != nil {
		return nil, err
	}

	dataURL := "data:" + embedding.MimeType(modality, data) + ";base64," +
		base64.StdEncoding.EncodeToString(data)

	created, err := p.create(ctx, createRequest{
		Version: p.version,
		Input:   predictionInput{Input: dataURL, Modality: modality},
	})
	if err != nil {
		return nil, err
	}
	if vec, done, err := settle(created); done {
		return vec, err
	}

	log := p.logger.With("prediction_id", created.ID, "modality", string(modality))
	log.Debug("prediction created", "status", created.Status)

	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		current, err := p.get(ctx, created.ID)
		if err != nil {
			return nil, err
		}
		if vec, done, err := settle(current); done {
			if err != nil {
				log.Warn("prediction did not succeed", "status", current.Status, "attempt", attempt)
			} else {
				log.Debug("prediction succeeded", "attempt", attempt, "dimensions", len(vec))
			}
			return vec, err
		}

		if attempt == p.maxAttempts {
			break
		}
		if err := p.sleep(ctx, p.pollInterval); err != nil {
			return nil, embedding.Fail(err, "waiting for prediction")
		}
	}

	return nil, imgerr.New(imgerr.CodeProviderTimeout, "timed out waiting for embedding",
		imgerr.Field("prediction_id", created.ID),
		imgerr.Field("attempts", p.maxAttempts),
	)
}

// settle reports whether pred reached a final state, and its result.
func settle(pred *prediction) ([]float32, bool, error) {
	switch pred.Status {
	case statusSucceeded:
		vec, err := decodeOutput(pred.Output)
		return vec, true, err
	case statusFailed, statusCanceled:
		return nil, true, imgerr.New(imgerr.CodeProviderFailure, "embedding generation failed",
			imgerr.Field("prediction_id", pred.ID),
			imgerr.Field("status", pred.Status),
			imgerr.Field("reason", fmt.Sprint(pred.Error)),
		)
	default:
		return nil, false, nil
	}
}

// decodeOutput accepts either a flat vector or a single-element batch.
func decodeOutput(raw json.RawMessage) ([]float32, error) {
	var vec []float32
	if err := json.Unmarshal(raw, &vec); err == nil && len(vec) > 0 {
		return vec, nil
	}

	var batch [][]float32
	if err := json.Unmarshal(raw, &batch); err == nil && len(batch) > 0 && len(batch[0]) > 0 {
		return batch[0], nil
	}

	return nil, embedding.Failf("unexpected prediction output: %.64s", string(raw))
}

func (p *Provider) create(ctx context.Context, body createRequest) (*prediction, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, embedding.Fail(err, "marshaling prediction request")
	}
	return p.do(ctx, http.MethodPost, p.baseURL+"/v1/predictions", payload)
}

func (p *Provider) get(ctx context.Context, id string) (*prediction, error) {
	return p.do(ctx, http.MethodGet, p.baseURL+"/v1/predictions/"+id, nil)
}

func (p *Provider) do(ctx context.Context, method, url string, body []byte) (*prediction, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, embedding.Fail(err, "waiting for rate limiter")
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, embedding.Fail(err, "creating request")
	}
	req.Header.Set("Authorization", "Token "+p.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, embedding.Fail(err, "sending request", imgerr.Field("method", method))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, imgerr.New(imgerr.CodeProviderFailure,
			fmt.Sprintf("replicate returned status %d", resp.StatusCode),
			imgerr.Field("status_code", resp.StatusCode),
			imgerr.Field("body", string(msg)),
		)
	}

	var pred prediction
	if err := json.NewDecoder(resp.Body).Decode(&pred); err != nil {
		return nil, embedding.Fail(err, "decoding prediction")
	}
	if pred.Detail != "" {
		return nil, embedding.Failf("replicate rejected the request: %s", pred.Detail)
	}
	if pred.ID == "" {
		return nil, embedding.Failf("prediction response carries no id")
	}
	return &pred, nil
}

// Close releases idle connections.
func (p *Provider) Close() error {
	p.httpClient.CloseIdleConnections()
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
