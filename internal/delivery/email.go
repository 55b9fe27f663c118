package delivery

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"flowagent/pkg/config"
)

// Email sends plain-text mail over SMTP with STARTTLS when offered.
type Email struct {
	host     string
	port     int
	username string
	password string
	from     string
	timeout  time.Duration
}

func NewEmail(cfg config.SMTPConfig) *Email {
	return &Email{
		host:     cfg.Host,
		port:     cfg.Port,
		username: cfg.Username,
		password: cfg.Password,
		from:     cfg.From,
		timeout:  30 * time.Second,
	}
}

func (e *Email) Name() string { return "email" }

func (e *Email) Accepts(to Recipient) bool { return e.host != "" && to.Email != "" }

func (e *Email) Send(ctx context.Context, msg Message, to Recipient) Result {
	start := time.Now()
	id := fmt.Sprintf("<%s@%s>", uuid.NewString(), e.host)
	err := e.send(ctx, id, msg, to)
	res := Result{Channel: e.Name(), MessageID: id, Attempts: 1, Duration: time.Since(start)}
	if err != nil {
		res.Error = err.Error()
		res.Retryable = true
		return res
	}
	res.Success = true
	return res
}

func (e *Email) send(ctx context.Context, id string, msg Message, to Recipient) error {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	addr := net.JoinHostPort(e.host, strconv.Itoa(e.port))
	conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial smtp %s: %w", addr, err)
	}
	// the whole SMTP exchange is bounded by ctx
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	c, err := smtp.NewClient(conn, e.host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("smtp handshake: %w", err)
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: e.host}); err != nil {
			return fmt.Errorf("smtp starttls: %w", err)
		}
	}
	if e.username != "" {
		if err := c.Auth(smtp.PlainAuth("", e.username, e.password, e.host)); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}
	if err := c.Mail(e.from); err != nil {
		return fmt.Errorf("smtp MAIL FROM: %w", err)
	}
	if err := c.Rcpt(to.Email); err != nil {
		return fmt.Errorf("smtp RCPT TO: %w", err)
	}
	wc, err := c.Data()
	if err != nil {
		return fmt.Errorf("smtp DATA: %w", err)
	}
	if _, err := wc.Write(buildMIME(id, e.from, to, msg)); err != nil {
		return fmt.Errorf("smtp write: %w", err)
	}
	if err := wc.Close(); err != nil {
		return fmt.Errorf("smtp close data: %w", err)
	}
	return c.Quit()
}

func buildMIME(id, from string, to Recipient, msg Message) []byte {
	var b strings.Builder
	rcpt := to.Email
	if to.Name != "" {
		rcpt = fmt.Sprintf("%q <%s>", to.Name, to.Email)
	}
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", rcpt)
	fmt.Fprintf(&b, "Subject: %s\r\n", strings.ReplaceAll(msg.Subject, "\n", " "))
	fmt.Fprintf(&b, "Message-ID: %s\r\n", id)
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	b.WriteString(strings.ReplaceAll(msg.Body, "\n", "\r\n"))
	b.WriteString("\r\n")
	return []byte(b.String())
}
