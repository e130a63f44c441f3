package dispatch

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"net"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/badoux/checkmail"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/google/uuid"
	"gopkg.in/gomail.v2"

	"github.com/foxzi/cadence/internal/apperr"
	"github.com/foxzi/cadence/internal/models"
)

// EmailOptions configures SMTP submission
type EmailOptions struct {
	Addr         string // host:port of the submission server
	Username     string
	Password     string
	From         string
	FromName     string
	StartTLS     bool
	Timeout      time.Duration
	TrackingBase string // public base URL for open and click tracking
	Signer       *DKIMSigner
}

// EmailSender submits messages to an SMTP relay
type EmailSender struct {
	opts    EmailOptions
	logger  *slog.Logger
	deliver func(ctx context.Context, from string, to []string, data []byte) error
}

// NewEmailSender creates an email sender
func NewEmailSender(opts EmailOptions, logger *slog.Logger) *EmailSender {
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	s := &EmailSender{
		opts:   opts,
		logger: logger.With("component", "email"),
	}
	s.deliver = s.submit
	return s
}

// Send composes, signs and submits one email. The Message-ID is returned as
// the external id.
func (s *EmailSender) Send(ctx context.Context, msg *Message) (*Result, error) {
	if err := checkmail.ValidateFormat(msg.To); err != nil {
		return nil, apperr.Dispatch(models.StepEmail, false, fmt.Errorf("invalid recipient %q: %w", msg.To, err))
	}

	messageID := uuid.New().String() + "@" + senderDomain(s.opts.From)

	data, err := s.compose(msg, messageID)
	if err != nil {
		return nil, apperr.Dispatch(models.StepEmail, false, err)
	}

	if s.opts.Signer != nil {
		signed, err := s.opts.Signer.Sign(data)
		if err != nil {
			s.logger.Warn("DKIM signing failed, sending unsigned",
				"domain", s.opts.Signer.Domain(),
				"error", err,
			)
		} else {
			data = signed
		}
	}

	if err := s.deliver(ctx, s.opts.From, []string{msg.To}, data); err != nil {
		return nil, err
	}

	s.logger.Debug("email submitted",
		"enrollment_id", msg.EnrollmentID,
		"step", msg.StepNumber,
		"message_id", messageID,
	)
	return &Result{ExternalID: messageID}, nil
}

func (s *EmailSender) compose(msg *Message, messageID string) ([]byte, error) {
	m := gomail.NewMessage()
	m.SetAddressHeader("From", s.opts.From, s.opts.FromName)
	if msg.LeadName != "" {
		m.SetAddressHeader("To", msg.To, msg.LeadName)
	} else {
		m.SetHeader("To", msg.To)
	}
	m.SetHeader("Subject", msg.Subject)
	m.SetHeader("Message-ID", "<"+messageID+">")
	m.SetHeader("X-Cadence-Enrollment", msg.EnrollmentID)
	m.SetDateHeader("Date", time.Now())

	m.SetBody("text/plain", plainBody(msg))
	m.AddAlternative("text/html", s.htmlBody(msg, messageID))

	var buf bytes.Buffer
	if _, err := m.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("failed to compose message: %w", err)
	}
	return buf.Bytes(), nil
}

func plainBody(msg *Message) string {
	if msg.CTAURL == "" {
		return msg.Body
	}
	label := msg.CTAText
	if label == "" {
		label = msg.CTAURL
	}
	return msg.Body + "\n\n" + label + ": " + msg.CTAURL
}

func (s *EmailSender) htmlBody(msg *Message, messageID string) string {
	var b strings.Builder
	b.WriteString("<html><body>")
	for _, para := range strings.Split(msg.Body, "\n\n") {
		b.WriteString("<p>")
		b.WriteString(strings.ReplaceAll(html.EscapeString(para), "\n", "<br>"))
		b.WriteString("</p>")
	}

	if msg.CTAURL != "" {
		link := msg.CTAURL
		if s.opts.TrackingBase != "" {
			link = s.trackingURL("click", messageID) + "?u=" + url.QueryEscape(msg.CTAURL)
		}
		label := msg.CTAText
		if label == "" {
			label = msg.CTAURL
		}
		fmt.Fprintf(&b, `<p><a href="%s">%s</a></p>`, html.EscapeString(link), html.EscapeString(label))
	}

	if s.opts.TrackingBase != "" {
		fmt.Fprintf(&b, `<img src="%s" width="1" height="1" alt="">`, html.EscapeString(s.trackingURL("open", messageID)))
	}
	b.WriteString("</body></html>")
	return b.String()
}

func (s *EmailSender) trackingURL(kind, messageID string) string {
	return strings.TrimRight(s.opts.TrackingBase, "/") + "/t/" + kind + "/" + url.PathEscape(messageID)
}

// submit delivers data to the configured relay
func (s *EmailSender) submit(ctx context.Context, from string, to []string, data []byte) error {
	dialer := &net.Dialer{Timeout: s.opts.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", s.opts.Addr)
	if err != nil {
		return apperr.Dispatch(models.StepEmail, true, fmt.Errorf("connection failed to %s: %w", s.opts.Addr, err))
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(s.opts.Timeout)
	}
	conn.SetDeadline(deadline)

	host, _, _ := net.SplitHostPort(s.opts.Addr)

	var client *smtp.Client
	if s.opts.StartTLS {
		client, err = smtp.NewClientStartTLS(conn, &tls.Config{
			ServerName: host,
			MinVersion: tls.VersionTLS12,
		})
		if err != nil {
			conn.Close()
			return categorizeError(err, "STARTTLS")
		}
	} else {
		client = smtp.NewClient(conn)
	}
	defer client.Close()

	if s.opts.Username != "" {
		auth := sasl.NewPlainClient("", s.opts.Username, s.opts.Password)
		if err := client.Auth(auth); err != nil {
			return categorizeError(err, "AUTH")
		}
	}

	if err := client.SendMail(from, to, bytes.NewReader(data)); err != nil {
		return categorizeError(err, "SEND")
	}

	client.Quit()
	return nil
}

// smtpCodePattern matches SMTP response codes at word boundaries
var smtpCodePattern = regexp.MustCompile(`\b(4\d{2}|5\d{2})\b`)

// categorizeError classifies an SMTP failure: 5xx replies are permanent,
// everything else is retried.
func categorizeError(err error, stage string) *apperr.ExternalDispatchError {
	wrapped := fmt.Errorf("%s failed: %w", stage, err)

	var se *smtp.SMTPError
	if errors.As(err, &se) {
		return apperr.Dispatch(models.StepEmail, se.Code < 500, wrapped)
	}

	if matches := smtpCodePattern.FindStringSubmatch(err.Error()); len(matches) > 1 {
		return apperr.Dispatch(models.StepEmail, !strings.HasPrefix(matches[1], "5"), wrapped)
	}
	return apperr.Dispatch(models.StepEmail, true, wrapped)
}

func senderDomain(from string) string {
	if at := strings.LastIndex(from, "@"); at >= 0 && at < len(from)-1 {
		return strings.ToLower(from[at+1:])
	}
	return "localhost"
}
