package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	htmltemplate "html/template"
	"mime"
	"net"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"alertcore/internal/config"
	"alertcore/internal/domain"
	"alertcore/internal/permanent"
	"alertcore/internal/templatefmt"
)

const emailHTML = `<html><body style="font-family: sans-serif;">
<div style="border-left: 6px solid {{severityColor .Severity}}; padding: 8px 16px;">
<h2 style="margin: 0 0 8px 0;">{{.Title}}</h2>
<p><strong>Severity:</strong> {{printf "%s" .Severity | upper}}<br>
<strong>Alert ID:</strong> {{.AlertID}}<br>
<strong>Time:</strong> {{fmtTime .Timestamp}}</p>
<p style="white-space: pre-wrap;">{{.Message}}</p>
{{- if .Labels}}
<table cellpadding="4">
{{- range $key := sortedKeys .Labels}}
<tr><td><strong>{{$key}}</strong></td><td>{{index $.Labels $key}}</td></tr>
{{- end}}
</table>
{{- end}}
{{- if .AlertURL}}
<p><a href="{{.AlertURL}}">View alert</a></p>
{{- end}}
</div>
</body></html>`

var emailTemplate = htmltemplate.Must(templatefmt.ParseHTML("email", emailHTML))

// EmailSender delivers HTML mail over SMTP with optional STARTTLS.
type EmailSender struct {
	host     string
	port     int
	username string
	password string
	from     string
	to       []string
	useTLS   bool
}

func newEmailSender(cfg config.ChannelConfig) (*EmailSender, error) {
	port := cfg.SMTPPort
	if port <= 0 {
		port = 587
	}
	return &EmailSender{
		host:     strings.TrimSpace(cfg.SMTPHost),
		port:     port,
		username: cfg.Username,
		password: cfg.Password,
		from:     cfg.From,
		to:       append([]string(nil), cfg.To...),
		useTLS:   cfg.UseTLS,
	}, nil
}

// Send renders MIME HTML mail and submits it to SMTP relay.
func (s *EmailSender) Send(ctx context.Context, msg domain.NotificationMessage) error {
	body, err := s.compose(msg)
	if err != nil {
		return permanent.Mark(err)
	}

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(s.host, strconv.Itoa(s.port)))
	if err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	client, err := smtp.NewClient(conn, s.host)
	if err != nil {
		conn.Close()
		return err
	}
	defer client.Close()

	if s.useTLS {
		if ok, _ := client.Extension("STARTTLS"); !ok {
			return permanent.Mark(errors.New("smtp server does not support STARTTLS"))
		}
		if err := client.StartTLS(&tls.Config{ServerName: s.host}); err != nil {
			return err
		}
	}
	if ok, _ := client.Extension("AUTH"); ok && s.username != "" {
		if err := client.Auth(smtp.PlainAuth("", s.username, s.password, s.host)); err != nil {
			return classifySMTP(err)
		}
	}
	if err := client.Mail(s.from); err != nil {
		return classifySMTP(err)
	}
	for _, recipient := range s.to {
		if err := client.Rcpt(recipient); err != nil {
			return classifySMTP(err)
		}
	}
	writer, err := client.Data()
	if err != nil {
		return classifySMTP(err)
	}
	if _, err := writer.Write(body); err != nil {
		return err
	}
	if err := writer.Close(); err != nil {
		return classifySMTP(err)
	}
	return client.Quit()
}

// compose builds RFC 5322 message with HTML body.
func (s *EmailSender) compose(msg domain.NotificationMessage) ([]byte, error) {
	html, err := templatefmt.Render(emailTemplate, msg)
	if err != nil {
		return nil, err
	}
	subject := "[" + strings.ToUpper(string(msg.Severity)) + "] " + msg.Title
	var buf bytes.Buffer
	header := func(key, value string) {
		buf.WriteString(key + ": " + value + "\r\n")
	}
	header("From", s.from)
	header("To", strings.Join(s.to, ", "))
	header("Subject", mime.QEncoding.Encode("utf-8", subject))
	header("Date", msg.Timestamp.UTC().Format(time.RFC1123Z))
	header("MIME-Version", "1.0")
	header("Content-Type", `text/html; charset="UTF-8"`)
	buf.WriteString("\r\n")
	buf.WriteString(html)
	return buf.Bytes(), nil
}

// classifySMTP marks 5xx SMTP replies as permanent.
func classifySMTP(err error) error {
	var reply *textproto.Error
	if errors.As(err, &reply) && reply.Code >= 500 {
		return permanent.Mark(err)
	}
	return err
}
