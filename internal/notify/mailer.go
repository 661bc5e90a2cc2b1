package notify

import (
	"bytes"
	"context"
	"fmt"
	"mime"
	"mime/multipart"
	"net"
	"net/smtp"
	"net/textproto"
	"strconv"
	"time"

	"guidesync/internal/config"
	"guidesync/internal/log"
)

// SMTPMailer sends multipart/alternative mails through an SMTP relay.
type SMTPMailer struct {
	cfg  config.SMTPConfig
	now  func() time.Time
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewSMTPMailer(cfg config.SMTPConfig) *SMTPMailer {
	return &SMTPMailer{cfg: cfg, now: time.Now, send: smtp.SendMail}
}

// NewMailer returns an SMTP mailer, or a LogMailer when no host is set.
func NewMailer(cfg config.SMTPConfig) Mailer {
	if cfg.Host == "" {
		return LogMailer{}
	}
	return NewSMTPMailer(cfg)
}

func (m *SMTPMailer) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := m.compose(msg)
	if err != nil {
		return err
	}

	var auth smtp.Auth
	if m.cfg.Username != "" {
		auth = smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)
	}
	addr := net.JoinHostPort(m.cfg.Host, strconv.Itoa(m.cfg.Port))
	if err := m.send(addr, auth, m.cfg.From, []string{msg.To}, body); err != nil {
		return fmt.Errorf("smtp send to %s: %w", msg.To, err)
	}
	log.Debug("mail sent", "to", msg.To, "subject", msg.Subject)
	return nil
}

func (m *SMTPMailer) compose(msg Message) ([]byte, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	fmt.Fprintf(&buf, "From: %s\r\n", m.cfg.From)
	fmt.Fprintf(&buf, "To: %s\r\n", msg.To)
	fmt.Fprintf(&buf, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", msg.Subject))
	fmt.Fprintf(&buf, "Date: %s\r\n", m.now().Format(time.RFC1123Z))
	buf.WriteString("MIME-Version: 1.0\r\n")
	fmt.Fprintf(&buf, "Content-Type: multipart/alternative; boundary=%q\r\n\r\n", mw.Boundary())

	parts := []struct{ ctype, body string }{{"text/plain; charset=utf-8", msg.Text}}
	if msg.HTML != "" {
		parts = append(parts, struct{ ctype, body string }{"text/html; charset=utf-8", msg.HTML})
	}
	for _, p := range parts {
		w, err := mw.CreatePart(textproto.MIMEHeader{
			"Content-Type":              {p.ctype},
			"Content-Transfer-Encoding": {"8bit"},
		})
		if err != nil {
			return nil, err
		}
		if _, err := w.Write([]byte(p.body)); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// LogMailer logs mails instead of sending them.
type LogMailer struct{}

func (LogMailer) Send(_ context.Context, msg Message) error {
	log.Info("mail (not sent, smtp disabled)", "to", msg.To, "subject", msg.Subject)
	return nil
}
