package external

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"mime"
	"mime/multipart"
	"net"
	"net/mail"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"courier/internal/delivery"
	"courier/internal/types"

	"github.com/google/uuid"
)

const defaultSMTPDialTimeout = 30 * time.Second

// SMTPConfig holds the configuration for creating an SMTPProvider.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	FromAddr string
	FromName string
}

// smtpSendFunc transmits a raw MIME message to one recipient.
type smtpSendFunc func(ctx context.Context, from, to string, raw []byte) error

// SMTPProvider delivers email to a relay over SMTP with opportunistic
// STARTTLS and PLAIN auth.
type SMTPProvider struct {
	cfg  SMTPConfig
	send smtpSendFunc
}

// NewSMTPProvider creates an SMTPProvider.
func NewSMTPProvider(cfg SMTPConfig) *SMTPProvider {
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	p := &SMTPProvider{cfg: cfg}
	p.send = p.transmit
	return p
}

func (p *SMTPProvider) Name() string     { return "smtp" }
func (p *SMTPProvider) Configured() bool { return p.cfg.Host != "" }

// Send builds the MIME message and hands it to the relay. The generated
// Message-ID is returned as the provider message id.
func (p *SMTPProvider) Send(ctx context.Context, msg types.QueueMessage, content types.RenderedContent) (string, error) {
	if msg.Delivery.Email == "" {
		return "", types.NewAppError(types.ErrCodeValidationMissingTarget, "email address is empty", nil)
	}

	messageID := fmt.Sprintf("<%s@%s>", uuid.NewString(), p.cfg.Host)
	raw, err := p.buildMessage(msg, content, messageID, time.Now())
	if err != nil {
		return "", types.NewAppError(types.ErrCodeInternalUnexpected, "failed to build email message", err)
	}

	if err := p.send(ctx, p.cfg.FromAddr, msg.Delivery.Email, raw); err != nil {
		return "", mapSMTPError(err)
	}
	return messageID, nil
}

func (p *SMTPProvider) buildMessage(msg types.QueueMessage, content types.RenderedContent, messageID string, at time.Time) ([]byte, error) {
	from := mail.Address{Name: p.cfg.FromName, Address: p.cfg.FromAddr}
	to := mail.Address{Name: msg.Delivery.Name, Address: msg.Delivery.Email}

	var buf bytes.Buffer
	header := func(k, v string) { fmt.Fprintf(&buf, "%s: %s\r\n", k, v) }
	header("From", from.String())
	header("To", to.String())
	header("Subject", mime.QEncoding.Encode("utf-8", content.Subject))
	header("Date", at.Format(time.RFC1123Z))
	header("Message-ID", messageID)
	header("MIME-Version", "1.0")
	header("X-Notification-ID", msg.NotificationID)

	if content.HTML == "" {
		header("Content-Type", `text/plain; charset="utf-8"`)
		buf.WriteString("\r\n")
		buf.WriteString(content.Body)
		return buf.Bytes(), nil
	}

	mw := multipart.NewWriter(&buf)
	header("Content-Type", "multipart/alternative; boundary="+mw.Boundary())
	buf.WriteString("\r\n")
	for _, part := range []struct{ ctype, body string }{
		{"text/plain", content.Body},
		{"text/html", content.HTML},
	} {
		w, err := mw.CreatePart(textproto.MIMEHeader{"Content-Type": {part.ctype + `; charset="utf-8"`}})
		if err != nil {
			return nil, err
		}
		if _, err := w.Write([]byte(part.body)); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (p *SMTPProvider) transmit(ctx context.Context, from, to string, raw []byte) error {
	addr := net.JoinHostPort(p.cfg.Host, strconv.Itoa(p.cfg.Port))
	dialer := net.Dialer{Timeout: defaultSMTPDialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	client, err := smtp.NewClient(conn, p.cfg.Host)
	if err != nil {
		return fmt.Errorf("smtp handshake: %w", err)
	}
	defer client.Close()

	if ok, _ := client.Extension("STARTTLS"); ok {
		if err := client.StartTLS(&tls.Config{ServerName: p.cfg.Host}); err != nil {
			return fmt.Errorf("starttls: %w", err)
		}
	}
	if p.cfg.Username != "" {
		if err := client.Auth(smtp.PlainAuth("", p.cfg.Username, p.cfg.Password, p.cfg.Host)); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}
	if err := client.Mail(from); err != nil {
		return fmt.Errorf("MAIL FROM: %w", err)
	}
	if err := client.Rcpt(to); err != nil {
		return &rcptError{err: err}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("DATA: %w", err)
	}
	if _, err := w.Write(raw); err != nil {
		return fmt.Errorf("write body: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close body: %w", err)
	}
	return client.Quit()
}

// rcptError marks a failure on RCPT TO.
type rcptError struct{ err error }

func (e *rcptError) Error() string { return "RCPT TO: " + e.err.Error() }
func (e *rcptError) Unwrap() error { return e.err }

// mapSMTPError classifies relay replies. A 5xx on RCPT TO means the mailbox
// is rejected; other 5xx replies and everything else stay retryable.
func mapSMTPError(err error) error {
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) && tpErr.Code >= 500 {
		var rcpt *rcptError
		if errors.As(err, &rcpt) {
			return types.NewAppError(types.ErrCodeRecipientRejected,
				fmt.Sprintf("SMTP relay rejected recipient: %s", strings.TrimSpace(tpErr.Msg)), err)
		}
	}
	return types.NewAppError(types.ErrCodeUpstreamEmailProvider, fmt.Sprintf("SMTP error: %v", err), err)
}

var _ delivery.Provider = (*SMTPProvider)(nil)
