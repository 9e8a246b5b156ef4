package synth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/igolaizola/synthara/pkg/workflow"
	"golang.org/x/time/rate"
)

const (
	keyHeader         = "Modal-Key"
	secretHeader      = "Modal-Secret"
	idempotencyHeader = "Idempotency-Key"
)

type Client struct {
	client  *http.Client
	key     string
	secret  string
	limiter *rate.Limiter
	logger  *log.Logger
	debug   bool
}

type Config struct {
	Key    string
	Secret string
	// Rate is the maximum number of requests per second, zero disables the
	// limit.
	Rate   float64
	Client *http.Client
	Logger *log.Logger
	Debug  bool
}

func New(cfg *Config) *Client {
	client := cfg.Client
	if client == nil {
		client = &http.Client{
			Timeout: 10 * time.Minute,
		}
	}
	limit := rate.Inf
	if cfg.Rate > 0 {
		limit = rate.Limit(cfg.Rate)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Client{
		client:  client,
		key:     cfg.Key,
		secret:  cfg.Secret,
		limiter: rate.NewLimiter(limit, 1),
		logger:  logger,
		debug:   cfg.Debug,
	}
}

func (c *Client) log(format string, args ...interface{}) {
	if c.debug {
		c.logger.Debugf(format, args...)
	}
}

// TransportError is returned when the synthesis service could not be reached
// or the response could not be read.
type TransportError struct {
	Endpoint string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("synth: couldn't reach %s: %v", e.Endpoint, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsTransport reports whether err is a transport level failure.
func IsTransport(err error) bool {
	var terr *TransportError
	return errors.As(err, &terr)
}

type response struct {
	AudioKey     *string  `json:"s3_key"`
	ThumbnailKey *string  `json:"s3_thumbnail_key"`
	Categories   []string `json:"categories"`
}

// Result is the interpreted outcome of a synthesis call.
type Result struct {
	Success      bool     `json:"success"`
	AudioKey     *string  `json:"audio_key,omitempty"`
	ThumbnailKey *string  `json:"thumbnail_key,omitempty"`
	Categories   []string `json:"categories,omitempty"`
	StatusCode   int      `json:"status_code"`
	Reason       string   `json:"reason,omitempty"`
}

// Invoke posts the payload to the endpoint. Rejections by the service are
// returned as an unsuccessful result, only transport failures are errors.
func (c *Client) Invoke(ctx context.Context, endpoint string, payload any) (*Result, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("synth: couldn't marshal payload: %w", err)
	}
	c.log("synth: do POST %s %s", endpoint, truncate(string(body)))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("synth: couldn't create request: %w", err)
	}
	c.addHeaders(req)
	if key := workflow.IdempotencyKey(ctx); key != "" {
		req.Header.Set(idempotencyHeader, key)
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("synth: couldn't wait for rate limit: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &TransportError{Endpoint: endpoint, Err: err}
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Endpoint: endpoint, Err: fmt.Errorf("couldn't read response body: %w", err)}
	}
	c.log("synth: response POST %s %d %s", endpoint, resp.StatusCode, truncate(string(respBody)))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &Result{
			StatusCode: resp.StatusCode,
			Reason:     fmt.Sprintf("status %d: %s", resp.StatusCode, truncate(string(respBody))),
		}, nil
	}
	var r response
	if err := json.Unmarshal(respBody, &r); err != nil {
		return &Result{
			StatusCode: resp.StatusCode,
			Reason:     fmt.Sprintf("couldn't unmarshal response body: %v", err),
		}, nil
	}
	categories := r.Categories
	if categories == nil {
		categories = []string{}
	}
	return &Result{
		Success:      true,
		AudioKey:     r.AudioKey,
		ThumbnailKey: r.ThumbnailKey,
		Categories:   categories,
		StatusCode:   resp.StatusCode,
	}, nil
}

func (c *Client) addHeaders(req *http.Request) {
	req.Header.Set("accept", "application/json")
	req.Header.Set("content-type", "application/json")
	req.Header.Set(keyHeader, c.key)
	req.Header.Set(secretHeader, c.secret)
}

func truncate(s string) string {
	if len(s) > 100 {
		return s[:100] + "..."
	}
	return s
}
