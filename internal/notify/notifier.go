// Package notify emails job outcomes to the address a job names. Delivery
// is best effort: a failed send never affects the job's own status.
package notify

import (
	"crypto/tls"
	"fmt"
	"net/smtp"
	"strings"

	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"

	"github.com/openmash/mash/internal/common"
	"github.com/openmash/mash/internal/models"
)

// Mailer sends one message. Satisfied by SMTPMailer in production and by
// fakes in tests.
type Mailer interface {
	Send(to, subject, body string) error
}

// SMTPMailer sends through the configured SMTP relay.
type SMTPMailer struct {
	host string
	port int
	ssl  bool
	user string
	pass string
	from string
}

// NewSMTPMailer builds a mailer from service config. from defaults to
// mash@<smtp_host> when the config carries no user.
func NewSMTPMailer(config *common.Config) *SMTPMailer {
	from := config.SMTPUser
	if from == "" {
		from = "mash@" + config.SMTPHost
	}
	return &SMTPMailer{
		host: config.SMTPHost,
		port: config.SMTPPort,
		ssl:  config.SMTPSSL,
		user: config.SMTPUser,
		pass: config.SMTPPass,
		from: from,
	}
}

// Send delivers a plain text message.
func (m *SMTPMailer) Send(to, subject, body string) error {
	var msg strings.Builder
	msg.WriteString(fmt.Sprintf("From: %s\r\n", m.from))
	msg.WriteString(fmt.Sprintf("To: %s\r\n", to))
	msg.WriteString(fmt.Sprintf("Subject: %s\r\n", subject))
	msg.WriteString("Content-Type: text/plain; charset=\"UTF-8\"\r\n")
	msg.WriteString("\r\n")
	msg.WriteString(body)

	addr := fmt.Sprintf("%s:%d", m.host, m.port)

	var auth smtp.Auth
	if m.user != "" {
		auth = smtp.PlainAuth("", m.user, m.pass, m.host)
	}

	if m.ssl {
		return m.sendWithTLS(addr, auth, to, msg.String())
	}
	return smtp.SendMail(addr, auth, m.from, []string{to}, []byte(msg.String()))
}

func (m *SMTPMailer) sendWithTLS(addr string, auth smtp.Auth, to, msg string) error {
	conn, err := tls.Dial("tcp", addr, &tls.Config{ServerName: m.host})
	if err != nil {
		return fmt.Errorf("failed to connect to SMTP server: %w", err)
	}

	client, err := smtp.NewClient(conn, m.host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to create SMTP client: %w", err)
	}
	defer client.Close()

	if auth != nil {
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("SMTP auth failed: %w", err)
		}
	}
	if err := client.Mail(m.from); err != nil {
		return err
	}
	if err := client.Rcpt(to); err != nil {
		return err
	}
	w, err := client.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write([]byte(msg)); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return client.Quit()
}

// Notifier applies the per-job notification policy and sends outcome mail.
type Notifier struct {
	mailer  Mailer
	subject string
	logger  arbor.ILogger
	limiter *rate.Limiter
}

// NewNotifier creates a notifier. Sends are rate limited to one per second
// with a small burst so a flood of nonstop-job completions cannot swamp
// the relay.
func NewNotifier(mailer Mailer, subject string, logger arbor.ILogger) *Notifier {
	if subject == "" {
		subject = "[MASH] Job Status Update"
	}
	return &Notifier{
		mailer:  mailer,
		subject: subject,
		logger:  logger,
		limiter: rate.NewLimiter(rate.Limit(1), 10),
	}
}

// ShouldNotify reports whether the policy calls for mail after service
// finished the job with status. Periodic jobs mail after every stage.
// Single jobs mail exactly once, at the last service: a failure upstream
// is forwarded down the chain and reported when it reaches that stage.
func ShouldNotify(doc models.JobDocument, service string, status models.Status) bool {
	if doc.NotificationEmail() == "" {
		return false
	}
	if !status.Terminal() {
		return false
	}
	if doc.NotificationType() == models.NotifyPeriodic {
		return true
	}
	return models.NormalizeService(service) == doc.LastService()
}

// Notify sends the outcome mail if the policy calls for one. Send errors
// are logged and swallowed.
func (n *Notifier) Notify(doc models.JobDocument, service string, status models.Status, errors []string) {
	if !ShouldNotify(doc, service, status) {
		return
	}
	if !n.limiter.Allow() {
		n.logger.Warn().
			Str("job_id", doc.ID()).
			Msg("Notification rate limit hit, skipping email")
		return
	}

	body := buildBody(doc, service, status, errors)
	if err := n.mailer.Send(doc.NotificationEmail(), n.subject, body); err != nil {
		n.logger.Warn().Err(err).
			Str("job_id", doc.ID()).
			Str("to", doc.NotificationEmail()).
			Msg("Failed to send notification email")
		return
	}
	n.logger.Info().
		Str("job_id", doc.ID()).
		Str("service", service).
		Str("status", string(status)).
		Msg("Notification email sent")
}

func buildBody(doc models.JobDocument, service string, status models.Status, errors []string) string {
	var b strings.Builder
	switch status {
	case models.StatusSuccess:
		fmt.Fprintf(&b, "Image pipeline job completed the %s service.\n\n", models.NormalizeService(service))
	default:
		fmt.Fprintf(&b, "Image pipeline job failed in the %s service.\n\n", models.NormalizeService(service))
	}
	fmt.Fprintf(&b, "Job: %s\n", doc.ID())
	fmt.Fprintf(&b, "Status: %s\n", status)
	if utctime := doc.UTCTime(); utctime != "" {
		fmt.Fprintf(&b, "Schedule: %s\n", utctime)
	}
	if len(errors) > 0 {
		b.WriteString("\nErrors:\n")
		for _, msg := range errors {
			fmt.Fprintf(&b, "  - %s\n", msg)
		}
	}
	return b.String()
}
