package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

const (
	HeaderSignature = "X-Heicflow-Signature"
	HeaderTimestamp = "X-Heicflow-Timestamp"
	HeaderEvent     = "X-Heicflow-Event"
	HeaderJobID     = "X-Heicflow-Job-ID"

	EventJobCompleted = "job.completed"
	EventJobFailed    = "job.failed"

	userAgent = "heicflow-webhook/1.0"
)

// ErrPermanent marks deliveries the receiver rejected with a 4xx other than
// 408 or 429. Retrying them will not help.
var ErrPermanent = errors.New("webhook rejected permanently")

type Config struct {
	SigningSecret  string
	Timeout        time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

type Client struct {
	httpClient     *http.Client
	signingSecret  string
	maxAttempts    int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	now            func() time.Time
}

func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	maxAttempts := cfg.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	initialBackoff := cfg.InitialBackoff
	if initialBackoff <= 0 {
		initialBackoff = 1 * time.Second
	}

	maxBackoff := cfg.MaxBackoff
	if maxBackoff < initialBackoff {
		maxBackoff = initialBackoff
	}

	return &Client{
		httpClient: &http.Client{
			Timeout: timeout,
		},
		signingSecret:  cfg.SigningSecret,
		maxAttempts:    maxAttempts,
		initialBackoff: initialBackoff,
		maxBackoff:     maxBackoff,
		now:            time.Now,
	}
}

// Send delivers payload as signed JSON.
func (c *Client) Send(ctx context.Context, endpoint, event, jobID string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}
	return c.deliver(ctx, endpoint, event, jobID, "application/json", body)
}

// SendImage delivers a converted JPEG as the raw request body.
func (c *Client) SendImage(ctx context.Context, endpoint, jobID, contentType string, image []byte) error {
	if contentType == "" {
		contentType = "image/jpeg"
	}
	return c.deliver(ctx, endpoint, EventJobCompleted, jobID, contentType, image)
}

func (c *Client) deliver(ctx context.Context, endpoint, event, jobID, contentType string, body []byte) error {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil
	}

	header := http.Header{}
	header.Set("Content-Type", contentType)
	header.Set("User-Agent", userAgent)
	header.Set(HeaderEvent, event)
	if jobID != "" {
		header.Set(HeaderJobID, jobID)
	}
	timestamp := strconv.FormatInt(c.now().UTC().Unix(), 10)
	header.Set(HeaderTimestamp, timestamp)
	header.Set(HeaderSignature, Sign(c.signingSecret, timestamp, body))
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(header))

	backoff := c.initialBackoff
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		wait, err := c.post(ctx, endpoint, header, body)
		if err == nil {
			return nil
		}
		lastErr = err
		if errors.Is(err, ErrPermanent) || attempt == c.maxAttempts {
			break
		}

		if wait <= 0 {
			wait = backoff
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(min(wait, c.maxBackoff)):
		}
		backoff = min(backoff*2, c.maxBackoff)
	}

	return fmt.Errorf("webhook %s delivery failed after %d attempts: %w", event, c.maxAttempts, lastErr)
}

// post makes one delivery attempt. The returned duration is the receiver's
// Retry-After hint, zero when absent.
func (c *Client) post(ctx context.Context, endpoint string, header http.Header, body []byte) (time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("%w: build request: %v", ErrPermanent, err)
	}
	req.Header = header.Clone()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return 0, nil
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusTooManyRequests:
		return retryAfter(resp.Header.Get("Retry-After")), fmt.Errorf("webhook returned status=%d", resp.StatusCode)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return 0, fmt.Errorf("%w: status=%d", ErrPermanent, resp.StatusCode)
	default:
		return retryAfter(resp.Header.Get("Retry-After")), fmt.Errorf("webhook returned status=%d", resp.StatusCode)
	}
}

func retryAfter(value string) time.Duration {
	seconds, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || seconds <= 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

// Sign computes the signature header value over "<timestamp>.<body>".
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature produced by Sign in constant time.
func Verify(secret, timestamp string, body []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, timestamp, body)), []byte(signature))
}
