package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/mail"
	"net/smtp"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

var (
	ErrNoFromAddress = errors.New("no 'from' address defined")
	ErrNoToAddress   = errors.New("no 'to' address(es) defined")
	ErrNoSmarthost   = errors.New("smarthost is not defined, or is invalid")
)

// SMTPNotifier sends a plain-text email through a smarthost. Auth and TLS are
// not supported.
type SMTPNotifier struct {
	name      string
	host      string
	port      string
	hello     string
	from      string
	to        []string
	logger    zerolog.Logger
	dialer    net.Dialer
	messageID func() string
}

// NewSMTPNotifier validates addresses up front so a misconfigured recipient
// fails at startup instead of on every event
func NewSMTPNotifier(r Recipient, logger zerolog.Logger) (*SMTPNotifier, error) {
	host, port, err := net.SplitHostPort(r.Smarthost)
	if err != nil || host == "" || port == "" {
		return nil, fmt.Errorf("recipient %s: %w", r.DisplayName(), ErrNoSmarthost)
	}
	if port == "465" {
		return nil, fmt.Errorf("recipient %s: implicit TLS is not supported", r.DisplayName())
	}

	if r.From == "" {
		return nil, fmt.Errorf("recipient %s: %w", r.DisplayName(), ErrNoFromAddress)
	}
	from, err := mail.ParseAddress(r.From)
	if err != nil {
		return nil, fmt.Errorf("recipient %s: parse from address: %w", r.DisplayName(), err)
	}

	if len(r.To) == 0 {
		return nil, fmt.Errorf("recipient %s: %w", r.DisplayName(), ErrNoToAddress)
	}
	to := make([]string, 0, len(r.To))
	for _, addr := range r.To {
		parsed, err := mail.ParseAddress(addr)
		if err != nil {
			return nil, fmt.Errorf("recipient %s: parse to address %q: %w", r.DisplayName(), addr, err)
		}
		to = append(to, parsed.Address)
	}

	hello := r.Hello
	if hello == "" {
		hello = "localhost"
	}

	return &SMTPNotifier{
		name:   r.DisplayName(),
		host:   host,
		port:   port,
		hello:  hello,
		from:   from.Address,
		to:     to,
		logger: logger,
		messageID: func() string {
			return fmt.Sprintf("<%d.perimeter@%s>", time.Now().UnixNano(), hello)
		},
	}, nil
}

func (s *SMTPNotifier) Name() string     { return s.name }
func (s *SMTPNotifier) Channel() Channel { return ChannelSMTP }

func (s *SMTPNotifier) Notify(ctx context.Context, msg *Message) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	conn, err := s.dialer.DialContext(ctx, "tcp", net.JoinHostPort(s.host, s.port))
	if err != nil {
		return fmt.Errorf("establish connection to server: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	c, err := smtp.NewClient(conn, s.host)
	if err != nil {
		if cerr := conn.Close(); cerr != nil {
			s.logger.Warn().Err(cerr).Msg("Failed to close SMTP connection")
		}
		return fmt.Errorf("create client: %w", err)
	}
	defer func() {
		if err := c.Quit(); err != nil {
			s.logger.Debug().Err(err).Msg("Failed to quit SMTP session")
			_ = c.Close()
		}
	}()

	if err := c.Hello(s.hello); err != nil {
		return fmt.Errorf("server handshake: %w", err)
	}
	if err := c.Mail(s.from); err != nil {
		return fmt.Errorf("sender identification: %w", err)
	}
	for _, addr := range s.to {
		if err := c.Rcpt(addr); err != nil {
			return fmt.Errorf("recipient designation %s: %w", addr, err)
		}
	}

	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("message transmission: %w", err)
	}
	if _, err := w.Write(s.compose(msg)); err != nil {
		_ = w.Close()
		return fmt.Errorf("write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close message: %w", err)
	}
	return nil
}

func (s *SMTPNotifier) compose(msg *Message) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "From: %s\r\n", s.from)
	fmt.Fprintf(&buf, "To: %s\r\n", strings.Join(s.to, ", "))
	fmt.Fprintf(&buf, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", msg.Title))
	fmt.Fprintf(&buf, "Date: %s\r\n", time.Now().UTC().Format(time.RFC1123Z))
	fmt.Fprintf(&buf, "Message-Id: %s\r\n", s.messageID())
	fmt.Fprintf(&buf, "X-Perimeter-Event-Id: %s\r\n", msg.Event.ID)
	buf.WriteString("MIME-Version: 1.0\r\n")
	buf.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	buf.WriteString("\r\n")
	buf.WriteString(strings.ReplaceAll(msg.Body, "\n", "\r\n"))
	buf.WriteString("\r\n")
	return buf.Bytes()
}
