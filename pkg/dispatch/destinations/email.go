package destinations

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/caravel-ai/caravel/pkg/models"
)

// Email submits the payload over SMTP. Destination config: host
// (required), port (default 587), from (required), to (default
// recipients), username/password (optional PLAIN auth). Field mapping
// supplies to/subject/body; unmapped deliveries fall back to the config
// recipients and a JSON dump of the payload.
type Email struct {
	timeout time.Duration
}

// NewEmail builds the SMTP adapter with a per-attempt timeout covering
// dial and the whole conversation.
func NewEmail(timeout time.Duration) *Email {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Email{timeout: timeout}
}

// Deliver implements Destination.
func (e *Email) Deliver(ctx context.Context, route *models.Route, payload models.JSONMap) (*Result, error) {
	cfg := route.DestinationConfig
	host := configString(cfg, "host")
	if host == "" {
		return nil, hardErr("email", 0, errors.New("destination config is missing host"))
	}
	from := configString(cfg, "from")
	if from == "" {
		return nil, hardErr("email", 0, errors.New("destination config is missing from"))
	}
	recipients := splitRecipients(payloadString(payload, "to"))
	if len(recipients) == 0 {
		recipients = splitRecipients(configString(cfg, "to"))
	}
	if len(recipients) == 0 {
		return nil, hardErr("email", 0, errors.New("no recipients: set to in the field mapping or destination config"))
	}

	subject := payloadString(payload, "subject")
	if subject == "" {
		subject = fmt.Sprintf("Caravel event: %s", route.TriggerEvent)
	}
	body := payloadString(payload, "body")
	if body == "" {
		encoded, err := json.MarshalIndent(payload, "", "  ")
		if err != nil {
			return nil, hardErr("email", 0, errors.Wrap(err, "failed to encode payload"))
		}
		body = string(encoded)
	}

	msg := buildMessage(from, recipients, subject, body)
	if err := e.send(ctx, cfg, host, from, recipients, msg); err != nil {
		return nil, err
	}
	return &Result{Status: 250, Body: fmt.Sprintf("accepted for %s", strings.Join(recipients, ", "))}, nil
}

// send runs the SMTP conversation by hand so the whole exchange sits
// under one connection deadline; smtp.SendMail has no timeout.
func (e *Email) send(ctx context.Context, cfg models.JSONMap, host, from string, recipients []string, msg []byte) error {
	addr := net.JoinHostPort(host, smtpPort(cfg))
	conn, err := (&net.Dialer{Timeout: e.timeout}).DialContext(ctx, "tcp", addr)
	if err != nil {
		return transientErr("email", 0, errors.Wrapf(err, "failed to connect to %s", addr))
	}
	if err := conn.SetDeadline(time.Now().Add(e.timeout)); err != nil {
		_ = conn.Close()
		return transientErr("email", 0, err)
	}

	client, err := smtp.NewClient(conn, host)
	if err != nil {
		_ = conn.Close()
		return classifySMTP(err)
	}
	defer func() { _ = client.Close() }()

	if ok, _ := client.Extension("STARTTLS"); ok {
		if err := client.StartTLS(&tls.Config{ServerName: host}); err != nil {
			return classifySMTP(err)
		}
	}
	if username := configString(cfg, "username"); username != "" {
		auth := smtp.PlainAuth("", username, configString(cfg, "password"), host)
		if err := client.Auth(auth); err != nil {
			return hardErr("email", 0, errors.Wrap(err, "authentication failed"))
		}
	}

	if err := client.Mail(from); err != nil {
		return classifySMTP(err)
	}
	for _, rcpt := range recipients {
		if err := client.Rcpt(rcpt); err != nil {
			return classifySMTP(err)
		}
	}
	w, err := client.Data()
	if err != nil {
		return classifySMTP(err)
	}
	if _, err := w.Write(msg); err != nil {
		_ = w.Close()
		return classifySMTP(err)
	}
	if err := w.Close(); err != nil {
		return classifySMTP(err)
	}
	return client.Quit()
}

// classifySMTP maps SMTP reply codes onto the retry split: permanent
// 5xx replies are hard failures, 4xx and connection trouble retry.
func classifySMTP(err error) error {
	var reply *textproto.Error
	if errors.As(err, &reply) {
		if reply.Code >= 500 {
			return hardErr("email", reply.Code, err)
		}
		return transientErr("email", reply.Code, err)
	}
	return transientErr("email", 0, err)
}

func smtpPort(cfg models.JSONMap) string {
	if s := configString(cfg, "port"); s != "" {
		return s
	}
	if n, ok := cfg["port"].(float64); ok && n > 0 {
		return strconv.Itoa(int(n))
	}
	return "587"
}

func splitRecipients(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func buildMessage(from string, recipients []string, subject, body string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(recipients, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(body)
	b.WriteString("\r\n")
	return []byte(b.String())
}
