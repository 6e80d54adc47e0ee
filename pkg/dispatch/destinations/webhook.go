package destinations

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"github.com/caravel-ai/caravel/pkg/models"
)

// maxResponseRead caps how much of a webhook response body is read;
// the dispatcher truncates further before storing.
const maxResponseRead = 64 * 1024

// SignatureHeader carries the hex HMAC-SHA256 of the request body,
// computed with the route's secret.
const SignatureHeader = "X-Caravel-Signature"

// EventHeader carries the event type that triggered the delivery.
const EventHeader = "X-Caravel-Event"

// Webhook posts the payload as JSON to the configured URL. Destination
// config: url (required), secret (optional, enables signing), headers
// (optional map of extra request headers).
type Webhook struct {
	client *http.Client
}

// NewWebhook builds the webhook adapter with a per-attempt timeout.
func NewWebhook(timeout time.Duration) *Webhook {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Webhook{client: &http.Client{Timeout: timeout}}
}

// Deliver implements Destination.
func (w *Webhook) Deliver(ctx context.Context, route *models.Route, payload models.JSONMap) (*Result, error) {
	url := configString(route.DestinationConfig, "url")
	if url == "" {
		return nil, hardErr("webhook", 0, errors.New("destination config is missing url"))
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, hardErr("webhook", 0, errors.Wrap(err, "failed to encode payload"))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, hardErr("webhook", 0, errors.Wrap(err, "failed to build request"))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(EventHeader, string(route.TriggerEvent))
	if secret := configString(route.DestinationConfig, "secret"); secret != "" {
		req.Header.Set(SignatureHeader, Sign(secret, body))
	}
	if headers, ok := route.DestinationConfig["headers"].(map[string]interface{}); ok {
		for name, value := range headers {
			if s, ok := value.(string); ok {
				req.Header.Set(name, s)
			}
		}
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, transientErr("webhook", 0, err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseRead))
	result := &Result{Status: resp.StatusCode, Body: string(respBody)}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return result, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return result, transientErr("webhook", resp.StatusCode, errors.Errorf("endpoint returned %s", resp.Status))
	default:
		return result, hardErr("webhook", resp.StatusCode, errors.Errorf("endpoint returned %s", resp.Status))
	}
}

// Sign computes the signature header value for a request body:
// "sha256=" followed by the hex HMAC-SHA256 of the body under the secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a received signature header against the body,
// in constant time. Receivers use this to authenticate deliveries.
func VerifySignature(secret string, body []byte, header string) bool {
	expected := Sign(secret, body)
	return hmac.Equal([]byte(expected), []byte(header))
}
