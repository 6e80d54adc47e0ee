package destinations

import (
	"context"
	"net"
	"net/textproto"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caravel-ai/caravel/pkg/models"
	"github.com/caravel-ai/caravel/pkg/services"
)

type smtpSession struct {
	from string
	rcpt []string
	data string
}

// fakeSMTP speaks just enough of the protocol for net/smtp: greeting,
// EHLO without extensions, MAIL/RCPT/DATA/QUIT.
type fakeSMTP struct {
	ln        net.Listener
	host      string
	port      string
	mu        sync.Mutex
	rcptReply string
	sessions  []smtpSession
}

func newFakeSMTP(t *testing.T) *fakeSMTP {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	f := &fakeSMTP{ln: ln, rcptReply: "250 OK"}
	f.host, f.port, err = net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	go f.serve()
	t.Cleanup(func() { _ = ln.Close() })
	return f
}

func (f *fakeSMTP) setRcptReply(reply string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rcptReply = reply
}

func (f *fakeSMTP) lastSession(t *testing.T) smtpSession {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.sessions)
	return f.sessions[len(f.sessions)-1]
}

func (f *fakeSMTP) serve() {
	for {
		conn, err := f.ln.Accept()
		if err != nil {
			return
		}
		go f.handle(conn)
	}
}

func (f *fakeSMTP) handle(conn net.Conn) {
	defer func() { _ = conn.Close() }()
	tp := textproto.NewConn(conn)
	_ = tp.PrintfLine("220 localhost ESMTP")

	var sess smtpSession
	for {
		line, err := tp.ReadLine()
		if err != nil {
			return
		}
		upper := strings.ToUpper(line)
		switch {
		case strings.HasPrefix(upper, "EHLO"), strings.HasPrefix(upper, "HELO"):
			_ = tp.PrintfLine("250 localhost")
		case strings.HasPrefix(upper, "MAIL FROM:"):
			sess.from = strings.Trim(line[len("MAIL FROM:"):], "<>")
			_ = tp.PrintfLine("250 OK")
		case strings.HasPrefix(upper, "RCPT TO:"):
			f.mu.Lock()
			reply := f.rcptReply
			f.mu.Unlock()
			if strings.HasPrefix(reply, "250") {
				sess.rcpt = append(sess.rcpt, strings.Trim(line[len("RCPT TO:"):], "<>"))
			}
			_ = tp.PrintfLine(reply)
		case upper == "DATA":
			_ = tp.PrintfLine("354 End data with <CR><LF>.<CR><LF>")
			var lines []string
			for {
				dataLine, err := tp.ReadLine()
				if err != nil {
					return
				}
				if dataLine == "." {
					break
				}
				lines = append(lines, dataLine)
			}
			sess.data = strings.Join(lines, "\n")
			f.mu.Lock()
			f.sessions = append(f.sessions, sess)
			f.mu.Unlock()
			_ = tp.PrintfLine("250 OK")
		case upper == "QUIT":
			_ = tp.PrintfLine("221 Bye")
			return
		default:
			_ = tp.PrintfLine("250 OK")
		}
	}
}

func emailRoute(server *fakeSMTP, extra models.JSONMap) *models.Route {
	cfg := models.JSONMap{
		"host": server.host,
		"port": server.port,
		"from": "caravel@example.com",
	}
	for k, v := range extra {
		cfg[k] = v
	}
	return &models.Route{
		TriggerEvent:      models.EventDeliverableSubmitted,
		DestinationType:   models.DestinationEmail,
		DestinationConfig: cfg,
	}
}

func TestEmailDeliversMappedFields(t *testing.T) {
	server := newFakeSMTP(t)
	adapter := NewEmail(2 * time.Second)
	payload := models.JSONMap{
		"to":      "review@example.com, lead@example.com",
		"subject": "Deliverable ready",
		"body":    "version 3 is up for review",
	}

	result, err := adapter.Deliver(context.Background(), emailRoute(server, nil), payload)
	require.NoError(t, err)
	assert.Equal(t, 250, result.Status)

	sess := server.lastSession(t)
	assert.Equal(t, "caravel@example.com", sess.from)
	assert.Equal(t, []string{"review@example.com", "lead@example.com"}, sess.rcpt)
	assert.Contains(t, sess.data, "Subject: Deliverable ready")
	assert.Contains(t, sess.data, "version 3 is up for review")
}

func TestEmailFallsBackToConfigRecipientsAndJSONBody(t *testing.T) {
	server := newFakeSMTP(t)
	adapter := NewEmail(2 * time.Second)
	route := emailRoute(server, models.JSONMap{"to": "ops@example.com"})

	result, err := adapter.Deliver(context.Background(), route, models.JSONMap{"taskId": 7})
	require.NoError(t, err)
	assert.Equal(t, 250, result.Status)

	sess := server.lastSession(t)
	assert.Equal(t, []string{"ops@example.com"}, sess.rcpt)
	assert.Contains(t, sess.data, "Subject: Caravel event: deliverable.submitted")
	assert.Contains(t, sess.data, `"taskId": 7`)
}

func TestEmailClassifiesSMTPReplies(t *testing.T) {
	server := newFakeSMTP(t)
	adapter := NewEmail(2 * time.Second)
	route := emailRoute(server, models.JSONMap{"to": "ops@example.com"})

	server.setRcptReply("550 5.1.1 no such user")
	_, err := adapter.Deliver(context.Background(), route, models.JSONMap{})
	var dep *services.DependencyError
	require.ErrorAs(t, err, &dep)
	assert.False(t, dep.Transient, "a permanent SMTP reply is a hard failure")
	assert.Equal(t, 550, dep.Status)

	server.setRcptReply("450 4.2.1 mailbox busy")
	_, err = adapter.Deliver(context.Background(), route, models.JSONMap{})
	require.ErrorAs(t, err, &dep)
	assert.True(t, dep.Transient, "a temporary SMTP reply retries")
	assert.Equal(t, 450, dep.Status)
}

func TestEmailConnectionRefusedIsTransient(t *testing.T) {
	server := newFakeSMTP(t)
	route := emailRoute(server, models.JSONMap{"to": "ops@example.com"})
	_ = server.ln.Close()

	adapter := NewEmail(time.Second)
	_, err := adapter.Deliver(context.Background(), route, models.JSONMap{})
	var dep *services.DependencyError
	require.ErrorAs(t, err, &dep)
	assert.True(t, dep.Transient)
}

func TestEmailConfigProblemsAreHard(t *testing.T) {
	adapter := NewEmail(time.Second)
	cases := []models.JSONMap{
		{"from": "caravel@example.com", "to": "ops@example.com"}, // no host
		{"host": "localhost", "to": "ops@example.com"},           // no from
		{"host": "localhost", "from": "caravel@example.com"},    // no recipients
	}
	for _, cfg := range cases {
		route := &models.Route{DestinationType: models.DestinationEmail, DestinationConfig: cfg}
		_, err := adapter.Deliver(context.Background(), route, models.JSONMap{})
		var dep *services.DependencyError
		require.ErrorAs(t, err, &dep)
		assert.False(t, dep.Transient)
	}
}
