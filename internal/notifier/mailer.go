package notifier

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/aleister1102/webtrack/internal/common"
	"github.com/aleister1102/webtrack/internal/config"

	"github.com/rs/zerolog"
)

// Mailer delivers job failure reports through an HTTP mail relay. Jobs run
// from cron with nobody watching, so mail is the only failure channel.
// A Mailer built without a relay URL is a no-op; jobs always construct one
// and never branch on whether mail is configured.
type Mailer struct {
	cfg    config.MailConfig
	client *http.Client
	logger zerolog.Logger
}

// NewMailer builds a mailer from the mail config section.
func NewMailer(cfg config.MailConfig, logger zerolog.Logger) *Mailer {
	timeout := time.Duration(cfg.TimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Mailer{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
		logger: logger.With().Str("component", "Mailer").Logger(),
	}
}

// Enabled reports whether a relay is configured.
func (m *Mailer) Enabled() bool {
	return m.cfg.RelayURL != "" && len(m.cfg.To) > 0
}

// Send posts one message to the relay. The body travels as an RFC 2822
// message so the relay can hand it to sendmail unchanged.
func (m *Mailer) Send(ctx context.Context, subject, body string) error {
	if !m.Enabled() {
		m.logger.Debug().Str("subject", subject).Msg("Mail relay not configured, dropping message")
		return nil
	}

	message := m.buildMessage(subject, body)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.RelayURL, bytes.NewReader(message))
	if err != nil {
		return common.WrapError(err, "failed to build relay request")
	}
	req.Header.Set("Content-Type", "message/rfc822")

	resp, err := m.client.Do(req)
	if err != nil {
		return common.WrapError(err, "failed to post message to relay")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return common.NewError("mail relay returned status %d", resp.StatusCode)
	}

	m.logger.Info().Str("subject", subject).Int("recipients", len(m.cfg.To)).Msg("Mail sent")
	return nil
}

func (m *Mailer) buildMessage(subject, body string) []byte {
	if prefix := m.cfg.SubjectPrefix; prefix != "" {
		subject = prefix + " " + subject
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "From: %s\r\n", m.cfg.From)
	fmt.Fprintf(&sb, "To: %s\r\n", strings.Join(m.cfg.To, ", "))
	fmt.Fprintf(&sb, "Subject: %s\r\n", subject)
	fmt.Fprintf(&sb, "Date: %s\r\n", time.Now().UTC().Format(time.RFC1123Z))
	sb.WriteString("MIME-Version: 1.0\r\n")
	sb.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	sb.WriteString("\r\n")
	sb.WriteString(body)
	return []byte(sb.String())
}
