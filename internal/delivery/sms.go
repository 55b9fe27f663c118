package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"flowagent/pkg/config"
)

const maxSMSLength = 480

// SMS posts {from, to, text} to an HTTP gateway with a bearer key.
type SMS struct {
	gatewayURL string
	apiKey     string
	from       string
	timeout    time.Duration
	client     *http.Client
}

func NewSMS(cfg config.SMSConfig) *SMS {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &SMS{gatewayURL: cfg.GatewayURL, apiKey: cfg.APIKey, from: cfg.From, timeout: timeout, client: &http.Client{}}
}

func (s *SMS) Name() string { return "sms" }

func (s *SMS) Accepts(to Recipient) bool { return s.gatewayURL != "" && to.Phone != "" }

type smsRequest struct {
	From string `json:"from"`
	To   string `json:"to"`
	Text string `json:"text"`
}

type smsResponse struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

func (s *SMS) Send(ctx context.Context, msg Message, to Recipient) Result {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	text := msg.Body
	if msg.Subject != "" {
		text = msg.Subject + ": " + text
	}
	if r := []rune(text); len(r) > maxSMSLength {
		text = string(r[:maxSMSLength-1]) + "…"
	}
	body, _ := json.Marshal(smsRequest{From: s.from, To: to.Phone, Text: text})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.gatewayURL, bytes.NewReader(body))
	if err != nil {
		return failure(s.Name(), fmt.Errorf("build sms request: %w", err), false)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	res := Result{Channel: s.Name(), Attempts: 1}
	resp, err := s.client.Do(req)
	res.Duration = time.Since(start)
	if err != nil {
		res.Error, res.Retryable = fmt.Sprintf("sms gateway: %v", err), true
		return res
	}
	defer resp.Body.Close()

	var out smsResponse
	json.NewDecoder(resp.Body).Decode(&out)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		res.Error = fmt.Sprintf("sms gateway HTTP %d: %s", resp.StatusCode, out.Error)
		res.Retryable = resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
		return res
	}
	res.Success, res.MessageID = true, out.ID
	return res
}
