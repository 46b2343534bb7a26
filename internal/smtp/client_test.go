package smtp

import (
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	gosmtp "github.com/emersion/go-smtp"
)

func TestNewClientDefaults(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	c, err := NewClient(Config{Host: "relay.example.com"}, logger)
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	if c.cfg.Port != 587 {
		t.Errorf("default port = %d, want 587", c.cfg.Port)
	}
	if c.cfg.Encryption != "starttls" {
		t.Errorf("default encryption = %q, want starttls", c.cfg.Encryption)
	}

	if _, err := NewClient(Config{}, logger); err == nil {
		t.Error("NewClient() without host expected error")
	}
}

func TestBuildMessage(t *testing.T) {
	data := string(BuildMessage("news@example.com", "ada@x.com", "Weekly update", "Hello Ada"))

	wantHeaders := []string{
		"From: news@example.com\r\n",
		"To: ada@x.com\r\n",
		"Subject: Weekly update\r\n",
		"MIME-Version: 1.0\r\n",
		"Content-Type: text/plain; charset=utf-8\r\n",
	}
	for _, h := range wantHeaders {
		if !strings.Contains(data, h) {
			t.Errorf("message missing header %q", strings.TrimSpace(h))
		}
	}

	if !strings.Contains(data, "Message-ID: <") || !strings.Contains(data, "@example.com>") {
		t.Error("message missing Message-ID with sender domain")
	}

	// Headers and body separated by an empty line, body present
	head, body, found := strings.Cut(data, "\r\n\r\n")
	if !found {
		t.Fatal("message has no header/body separator")
	}
	if strings.Contains(head, "Hello Ada") {
		t.Error("body leaked into headers")
	}
	if !strings.Contains(body, "Hello Ada") {
		t.Error("body missing")
	}
}

func TestExtractDomain(t *testing.T) {
	tests := []struct {
		email string
		want  string
	}{
		{"a@example.com", "example.com"},
		{"no-at-sign", "localhost"},
		{"trailing@", "localhost"},
	}
	for _, tt := range tests {
		if got := extractDomain(tt.email); got != tt.want {
			t.Errorf("extractDomain(%q) = %q, want %q", tt.email, got, tt.want)
		}
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		temporary bool
	}{
		{
			name:      "4xx is temporary",
			err:       &gosmtp.SMTPError{Code: 451, Message: "try again later"},
			temporary: true,
		},
		{
			name:      "5xx is permanent",
			err:       &gosmtp.SMTPError{Code: 550, Message: "user unknown"},
			temporary: false,
		},
		{
			name:      "network error is temporary",
			err:       errors.New("connection reset"),
			temporary: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classify(tt.err, "RCPT TO")

			var de *DeliveryError
			if !errors.As(got, &de) {
				t.Fatalf("classify() = %T, want *DeliveryError", got)
			}
			if de.Temporary != tt.temporary {
				t.Errorf("Temporary = %v, want %v", de.Temporary, tt.temporary)
			}
			if !strings.Contains(de.Message, "RCPT TO") {
				t.Errorf("message %q missing phase", de.Message)
			}
			if IsTemporary(got) != tt.temporary {
				t.Errorf("IsTemporary() = %v, want %v", IsTemporary(got), tt.temporary)
			}
		})
	}

	// Unclassified errors count as temporary for retry purposes
	if !IsTemporary(errors.New("timeout")) {
		t.Error("IsTemporary(plain error) = false, want true")
	}
}
