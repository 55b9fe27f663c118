package delivery

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
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"flowagent/pkg/config"
)

const (
	SignatureHeader  = "X-Signature"
	TimestampHeader  = "X-Timestamp"
	DeliveryIDHeader = "X-Delivery-ID"
)

// Webhook POSTs a signed JSON body and retries with exponential backoff.
type Webhook struct {
	url            string
	secret         string
	timeout        time.Duration
	maxAttempts    int
	initialBackoff time.Duration
	client         *http.Client
	now            func() time.Time
	logger         *zap.Logger
}

func NewWebhook(cfg config.WebhookConfig, logger *zap.Logger) *Webhook {
	w := &Webhook{
		url:            cfg.URL,
		secret:         cfg.Secret,
		timeout:        cfg.Timeout,
		maxAttempts:    cfg.MaxAttempts,
		initialBackoff: cfg.InitialBackoff,
		client:         &http.Client{},
		now:            time.Now,
		logger:         logger,
	}
	if w.timeout <= 0 {
		w.timeout = 10 * time.Second
	}
	if w.maxAttempts <= 0 {
		w.maxAttempts = 3
	}
	if w.initialBackoff <= 0 {
		w.initialBackoff = time.Second
	}
	return w
}

func (w *Webhook) Name() string { return "webhook" }

func (w *Webhook) Accepts(Recipient) bool { return w.url != "" }

type webhookBody struct {
	ID        string    `json:"id"`
	Message   Message   `json:"message"`
	Recipient Recipient `json:"recipient"`
	SentAt    time.Time `json:"sent_at"`
}

// Sign returns the hex HMAC-SHA256 of "<timestamp>.<body>".
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature header value produced by Sign.
func Verify(secret, timestamp string, body []byte, signature string) bool {
	expected := "sha256=" + Sign(secret, timestamp, body)
	return hmac.Equal([]byte(expected), []byte(signature))
}

func (w *Webhook) Send(ctx context.Context, msg Message, to Recipient) Result {
	start := time.Now()
	id := uuid.NewString()
	body, err := json.Marshal(webhookBody{ID: id, Message: msg, Recipient: to, SentAt: w.now().UTC()})
	if err != nil {
		return failure(w.Name(), fmt.Errorf("marshal webhook payload: %w", err), false)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.initialBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(w.maxAttempts-1)), ctx)

	attempts := 0
	permanent := false
	op := func() error {
		attempts++
		err := w.attempt(ctx, id, body)
		var perm *backoff.PermanentError
		permanent = errors.As(err, &perm)
		return err
	}
	notify := func(err error, wait time.Duration) {
		w.logger.Warn("webhook attempt failed, retrying",
			zap.String("delivery_id", id),
			zap.Int("attempt", attempts),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
	}

	err = backoff.RetryNotify(op, policy, notify)
	res := Result{Channel: w.Name(), MessageID: id, Attempts: attempts, Duration: time.Since(start)}
	if err != nil {
		res.Error = fmt.Sprintf("webhook failed after %d attempt(s): %v", attempts, err)
		res.Retryable = !permanent
		return res
	}
	res.Success = true
	return res
}

// attempt performs one POST under its own deadline; the request is aborted when it elapses.
func (w *Webhook) attempt(ctx context.Context, id string, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("build webhook request: %w", err))
	}
	ts := strconv.FormatInt(w.now().Unix(), 10)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "flowagent-webhook/1.0")
	req.Header.Set(DeliveryIDHeader, id)
	req.Header.Set(TimestampHeader, ts)
	if w.secret != "" {
		req.Header.Set(SignatureHeader, "sha256="+Sign(w.secret, ts, body))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode >= 500:
		return fmt.Errorf("webhook HTTP %d", resp.StatusCode)
	default:
		return backoff.Permanent(fmt.Errorf("webhook HTTP %d", resp.StatusCode))
	}
}
