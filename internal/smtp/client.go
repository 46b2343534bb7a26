package smtp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/saltmail/bulletin/internal/dkim"
)

// DeliveryError represents a delivery error with type information
type DeliveryError struct {
	Temporary bool
	Message   string
}

func (e *DeliveryError) Error() string {
	return e.Message
}

// IsTemporary reports whether err is a transient delivery error worth
// retrying. Unclassified errors (timeouts, connection resets) count as
// temporary.
func IsTemporary(err error) bool {
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.Temporary
	}
	return true
}

// Config contains relay connection settings
type Config struct {
	Host       string
	Port       int
	Encryption string // starttls, tls or none
	Username   string
	Password   string
	Hostname   string // HELO name
	Timeout    time.Duration
}

// Client delivers messages through a configured SMTP relay (smarthost).
// It implements the transport the dispatcher fans out over.
type Client struct {
	cfg    Config
	signer *dkim.Signer
	logger *slog.Logger
}

// NewClient creates a relay client
func NewClient(cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("relay host is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.Encryption == "" {
		cfg.Encryption = "starttls"
	}
	if cfg.Hostname == "" {
		cfg.Hostname = "localhost"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}

	return &Client{
		cfg:    cfg,
		logger: logger.With("component", "smtp"),
	}, nil
}

// SetDKIMSigner sets the DKIM signer for outgoing messages
func (c *Client) SetDKIMSigner(signer *dkim.Signer) {
	c.signer = signer
}

// Send delivers one message to one address through the relay. The context
// deadline bounds the whole exchange; a hung relay surfaces as a temporary
// error.
func (c *Client) Send(ctx context.Context, from, to, subject, body string) error {
	data := BuildMessage(from, to, subject, body)

	if c.signer != nil {
		signed, err := c.signer.Sign(data)
		if err != nil {
			c.logger.Warn("DKIM signing failed, sending unsigned", "error", err)
		} else {
			data = signed
		}
	}

	addr := net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port))
	dialer := &net.Dialer{Timeout: c.cfg.Timeout}

	var conn net.Conn
	var err error
	if c.cfg.Encryption == "tls" {
		tlsDialer := &tls.Dialer{
			NetDialer: dialer,
			Config:    &tls.Config{ServerName: c.cfg.Host, MinVersion: tls.VersionTLS12},
		}
		conn, err = tlsDialer.DialContext(ctx, "tcp", addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return &DeliveryError{
			Temporary: true,
			Message:   fmt.Sprintf("connection failed to %s: %v", addr, err),
		}
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else {
		conn.SetDeadline(time.Now().Add(c.cfg.Timeout))
	}

	client := smtp.NewClient(conn)
	defer client.Close()

	if err := client.Hello(c.cfg.Hostname); err != nil {
		return classify(err, "HELO")
	}

	if c.cfg.Encryption == "starttls" {
		tlsConfig := &tls.Config{
			ServerName: c.cfg.Host,
			MinVersion: tls.VersionTLS12,
		}
		if err := client.StartTLS(tlsConfig); err != nil {
			return classify(err, "STARTTLS")
		}
	}

	if c.cfg.Username != "" {
		auth := sasl.NewPlainClient("", c.cfg.Username, c.cfg.Password)
		if err := client.Auth(auth); err != nil {
			return classify(err, "AUTH")
		}
	}

	if err := client.Mail(from, nil); err != nil {
		return classify(err, "MAIL FROM")
	}
	if err := client.Rcpt(to, nil); err != nil {
		return classify(err, "RCPT TO")
	}

	w, err := client.Data()
	if err != nil {
		return classify(err, "DATA")
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return classify(err, "DATA write")
	}
	if err := w.Close(); err != nil {
		return classify(err, "DATA close")
	}

	if err := client.Quit(); err != nil {
		// Message was accepted, a failed QUIT does not matter
		c.logger.Debug("QUIT failed", "error", err)
	}

	c.logger.Debug("message relayed", "to", to, "relay", addr)
	return nil
}

// classify converts an SMTP response into a DeliveryError. 4xx codes are
// temporary, 5xx permanent, everything else (network-level) temporary.
func classify(err error, phase string) error {
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		return &DeliveryError{
			Temporary: smtpErr.Temporary(),
			Message:   fmt.Sprintf("%s failed: %v", phase, err),
		}
	}
	return &DeliveryError{
		Temporary: true,
		Message:   fmt.Sprintf("%s failed: %v", phase, err),
	}
}
