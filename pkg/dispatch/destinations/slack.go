package destinations

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/slack-go/slack"

	"github.com/caravel-ai/caravel/pkg/models"
)

// Slack posts the payload to an incoming webhook. Destination config:
// url (required), channel/username/icon_emoji (optional overrides).
// Field mapping supplies text; unmapped deliveries post the payload as
// a fenced JSON block.
type Slack struct {
	client *http.Client
}

// NewSlack builds the slack adapter with a per-attempt timeout.
func NewSlack(timeout time.Duration) *Slack {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Slack{client: &http.Client{Timeout: timeout}}
}

// Deliver implements Destination.
func (s *Slack) Deliver(ctx context.Context, route *models.Route, payload models.JSONMap) (*Result, error) {
	url := configString(route.DestinationConfig, "url")
	if url == "" {
		return nil, hardErr("slack", 0, errors.New("destination config is missing url"))
	}

	text := payloadString(payload, "text")
	if text == "" {
		encoded, err := json.MarshalIndent(payload, "", "  ")
		if err != nil {
			return nil, hardErr("slack", 0, errors.Wrap(err, "failed to encode payload"))
		}
		text = fmt.Sprintf("*%s*\n```%s```", route.TriggerEvent, encoded)
	}

	msg := &slack.WebhookMessage{
		Text:      text,
		Channel:   configString(route.DestinationConfig, "channel"),
		Username:  configString(route.DestinationConfig, "username"),
		IconEmoji: configString(route.DestinationConfig, "icon_emoji"),
	}
	if err := slack.PostWebhookCustomHTTPContext(ctx, url, s.client, msg); err != nil {
		return nil, classifySlack(err)
	}
	return &Result{Status: 200, Body: "ok"}, nil
}

// classifySlack leans on the library's own retryability judgment: its
// status-code and rate-limit errors expose Retryable(). Anything else is
// network-level trouble and retries.
func classifySlack(err error) error {
	status := 0
	if sc, ok := err.(interface{ HTTPStatusCode() int }); ok {
		status = sc.HTTPStatusCode()
	}
	if retry, ok := err.(interface{ Retryable() bool }); ok {
		if retry.Retryable() {
			return transientErr("slack", status, err)
		}
		return hardErr("slack", status, err)
	}
	return transientErr("slack", status, err)
}
