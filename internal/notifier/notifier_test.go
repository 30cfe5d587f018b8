package notifier

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/aleister1102/webtrack/internal/config"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMailerDisabledIsNoOp(t *testing.T) {
	mailer := NewMailer(config.MailConfig{}, zerolog.Nop())

	assert.False(t, mailer.Enabled())
	assert.NoError(t, mailer.Send(context.Background(), "subject", "body"))
}

func TestMailerPostsRFC2822Message(t *testing.T) {
	var received []byte
	var contentType string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		contentType = r.Header.Get("Content-Type")
		received, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	mailer := NewMailer(config.MailConfig{
		RelayURL:      server.URL,
		From:          "webtrack@example.com",
		To:            []string{"ops@example.com", "dev@example.com"},
		SubjectPrefix: "[webtrack]",
	}, zerolog.Nop())

	err := mailer.Send(context.Background(), "fetch failed", "3 sources broke")
	require.NoError(t, err)

	assert.Equal(t, "message/rfc822", contentType)
	body := string(received)
	assert.Contains(t, body, "From: webtrack@example.com\r\n")
	assert.Contains(t, body, "To: ops@example.com, dev@example.com\r\n")
	assert.Contains(t, body, "Subject: [webtrack] fetch failed\r\n")
	assert.Contains(t, body, "\r\n\r\n3 sources broke")
}

func TestMailerRelayFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	mailer := NewMailer(config.MailConfig{
		RelayURL: server.URL,
		To:       []string{"ops@example.com"},
	}, zerolog.Nop())

	err := mailer.Send(context.Background(), "s", "b")
	assert.ErrorContains(t, err, "502")
}

func TestErrorReportGroupsByMessage(t *testing.T) {
	report := NewErrorReport("fetch")
	assert.True(t, report.Empty())

	dnsErr := errors.New("name not resolved")
	report.Add(dnsErr, 1, "https://a.example.com")
	report.Add(dnsErr, 2, "https://b.example.com")
	report.Add(errors.New("status 500"), 3, "")
	report.Add(nil, 4, "ignored")

	assert.False(t, report.Empty())
	assert.Equal(t, 3, report.Count())

	body := report.body()
	assert.Contains(t, body, "name not resolved (2 occurrences)")
	assert.Contains(t, body, "source 1: https://a.example.com")
	assert.Contains(t, body, "source 2: https://b.example.com")
	assert.Contains(t, body, "status 500 (1 occurrences)")
	assert.Contains(t, body, "Error caught on ")
}

func TestErrorReportSendSkipsCleanRun(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	mailer := NewMailer(config.MailConfig{
		RelayURL: server.URL,
		To:       []string{"ops@example.com"},
	}, zerolog.Nop())

	report := NewErrorReport("fetch")
	require.NoError(t, report.Send(context.Background(), mailer))
	assert.Zero(t, calls)

	report.Add(errors.New("boom"), 0, "")
	require.NoError(t, report.Send(context.Background(), mailer))
	assert.Equal(t, 1, calls)
}
