package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/saltmail/bulletin/internal/config"
	"github.com/saltmail/bulletin/internal/dispatch"
	"github.com/saltmail/bulletin/internal/models"
	"github.com/saltmail/bulletin/internal/stats"
	"github.com/saltmail/bulletin/internal/store"
)

type transportFunc func(ctx context.Context, from, to, subject, body string) error

func (f transportFunc) Send(ctx context.Context, from, to, subject, body string) error {
	return f(ctx, from, to, subject, body)
}

func newTestServer(t *testing.T, cfg *config.Config, transport dispatch.Transport) *Server {
	t.Helper()

	st, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.New() error = %v", err)
	}
	t.Cleanup(func() { st.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	agg := stats.New(st, logger)
	if transport == nil {
		transport = transportFunc(func(ctx context.Context, from, to, subject, body string) error {
			return nil
		})
	}
	d := dispatch.New(st, transport, agg, nil, dispatch.Config{
		From:          "news@example.com",
		Workers:       2,
		MaxRetries:    1,
		RetryInterval: time.Millisecond,
	}, nil, logger)

	if cfg == nil {
		cfg = &config.Config{}
	}
	return NewServer(st, d, agg, nil, cfg, logger)
}

func doJSON(t *testing.T, h http.Handler, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal body: %v", err)
		}
		rd = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, rd)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return v
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, nil, nil)

	w := doJSON(t, s.Router(), http.MethodGet, "/health", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	resp := decode[HealthResponse](t, w)
	if resp.Status != "ok" {
		t.Errorf("status = %q, want ok", resp.Status)
	}
}

func TestDispatchFlow(t *testing.T) {
	// Full flow without configured keys: create recipients, a template, a
	// newsletter, dispatch it and read attempts and statistics back.
	var fail bool
	transport := transportFunc(func(ctx context.Context, from, to, subject, body string) error {
		if fail && to == "bob@x.com" {
			return errors.New("mailbox full")
		}
		return nil
	})
	fail = true

	s := newTestServer(t, nil, transport)
	h := s.Router()

	var recipientIDs []string
	for _, email := range []string{"ada@x.com", "bob@x.com"} {
		w := doJSON(t, h, http.MethodPost, "/api/v1/recipients", RecipientRequest{Email: email, FullName: "Test"}, nil)
		if w.Code != http.StatusCreated {
			t.Fatalf("create recipient status = %d, body %s", w.Code, w.Body)
		}
		recipientIDs = append(recipientIDs, decode[models.Recipient](t, w).ID)
	}

	w := doJSON(t, h, http.MethodPost, "/api/v1/recipients", RecipientRequest{Email: "ada@x.com"}, nil)
	if w.Code != http.StatusConflict {
		t.Errorf("duplicate email status = %d, want 409", w.Code)
	}

	w = doJSON(t, h, http.MethodPost, "/api/v1/recipients", RecipientRequest{Email: "not-an-email"}, nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("invalid email status = %d, want 400", w.Code)
	}

	w = doJSON(t, h, http.MethodPost, "/api/v1/templates", TemplateRequest{Subject: "Hi", Body: "Hello"}, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("create template status = %d, body %s", w.Code, w.Body)
	}
	tmplID := decode[models.Template](t, w).ID

	w = doJSON(t, h, http.MethodPost, "/api/v1/newsletters", NewsletterRequest{TemplateID: tmplID, RecipientIDs: recipientIDs}, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("create newsletter status = %d, body %s", w.Code, w.Body)
	}
	nID := decode[models.Newsletter](t, w).ID

	w = doJSON(t, h, http.MethodPost, "/api/v1/newsletters/"+nID+"/dispatch", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("dispatch status = %d, body %s", w.Code, w.Body)
	}
	result := decode[models.RunResult](t, w)
	if result.Succeeded != 1 || result.Failed != 1 {
		t.Errorf("run result = %d/%d, want 1/1", result.Succeeded, result.Failed)
	}

	w = doJSON(t, h, http.MethodGet, "/api/v1/newsletters/"+nID, nil, nil)
	if got := decode[models.Newsletter](t, w); got.Status != models.StatusFinished {
		t.Errorf("newsletter status = %q, want finished", got.Status)
	}

	w = doJSON(t, h, http.MethodGet, "/api/v1/newsletters/"+nID+"/attempts", nil, nil)
	if got := decode[[]*models.DeliveryAttempt](t, w); len(got) != 2 {
		t.Errorf("attempts = %d, want 2", len(got))
	}

	// Re-dispatch after fixing the transport delivers to everyone again
	fail = false
	w = doJSON(t, h, http.MethodPost, "/api/v1/newsletters/"+nID+"/dispatch", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("re-dispatch status = %d, body %s", w.Code, w.Body)
	}
	if result := decode[models.RunResult](t, w); result.Succeeded != 2 {
		t.Errorf("re-dispatch succeeded = %d, want 2", result.Succeeded)
	}

	w = doJSON(t, h, http.MethodGet, "/api/v1/stats/anonymous", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("stats status = %d, body %s", w.Code, w.Body)
	}
	if got := decode[models.UserStats](t, w); got.Successful != 3 || got.Failed != 1 {
		t.Errorf("stats = %+v, want 3 successful, 1 failed", got)
	}

	w = doJSON(t, h, http.MethodGet, "/api/v1/overview", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("overview status = %d", w.Code)
	}
	if got := decode[store.Overview](t, w); got.TotalNewsletters != 1 || got.UniqueRecipients != 2 {
		t.Errorf("overview = %+v", got)
	}
}

func TestDispatchErrors(t *testing.T) {
	s := newTestServer(t, nil, nil)
	h := s.Router()

	w := doJSON(t, h, http.MethodPost, "/api/v1/newsletters/nope/dispatch", nil, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("dispatch missing newsletter status = %d, want 404", w.Code)
	}

	w = doJSON(t, h, http.MethodPost, "/api/v1/templates", TemplateRequest{Subject: "Hi"}, nil)
	tmplID := decode[models.Template](t, w).ID
	w = doJSON(t, h, http.MethodPost, "/api/v1/newsletters", NewsletterRequest{TemplateID: tmplID}, nil)
	nID := decode[models.Newsletter](t, w).ID

	// Mark it running behind the API's back, dispatch must conflict
	if err := s.store.TransitionStatus(context.Background(), nID, models.StatusCreated, models.StatusRunning, "run-1"); err != nil {
		t.Fatalf("TransitionStatus() error = %v", err)
	}
	w = doJSON(t, h, http.MethodPost, "/api/v1/newsletters/"+nID+"/dispatch", nil, nil)
	if w.Code != http.StatusConflict {
		t.Errorf("dispatch running newsletter status = %d, want 409", w.Code)
	}

	// Moderator reset brings it back to created
	w = doJSON(t, h, http.MethodPost, "/api/v1/newsletters/"+nID+"/reset", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("reset status = %d, body %s", w.Code, w.Body)
	}
	if got := decode[models.Newsletter](t, w); got.Status != models.StatusCreated {
		t.Errorf("status after reset = %q, want created", got.Status)
	}

	w = doJSON(t, h, http.MethodPost, "/api/v1/newsletters/"+nID+"/reset", nil, nil)
	if w.Code != http.StatusConflict {
		t.Errorf("reset non-running newsletter status = %d, want 409", w.Code)
	}
}

func apiKeyConfig(t *testing.T, keys ...config.KeyConfig) *config.Config {
	t.Helper()
	cfg := &config.Config{}
	cfg.API.Keys = keys
	return cfg
}

func hashKey(t *testing.T, key string) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("failed to hash key: %v", err)
	}
	return string(hash)
}

func TestAuth(t *testing.T) {
	cfg := apiKeyConfig(t,
		config.KeyConfig{Name: "writer", UserID: "u1", Hash: hashKey(t, "writer-key"), Capabilities: []string{"edit", "send"}},
		config.KeyConfig{Name: "admin", UserID: "admin", Hash: hashKey(t, "admin-key"), Capabilities: []string{"moderate", "send"}},
	)
	s := newTestServer(t, cfg, nil)
	h := s.Router()

	w := doJSON(t, h, http.MethodGet, "/api/v1/recipients", nil, nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("missing key status = %d, want 401", w.Code)
	}

	w = doJSON(t, h, http.MethodGet, "/api/v1/recipients", nil, map[string]string{"Authorization": "Bearer wrong"})
	if w.Code != http.StatusUnauthorized {
		t.Errorf("wrong key status = %d, want 401", w.Code)
	}

	writer := map[string]string{"Authorization": "Bearer writer-key"}
	admin := map[string]string{"X-API-Key": "admin-key"}

	w = doJSON(t, h, http.MethodGet, "/api/v1/recipients", nil, writer)
	if w.Code != http.StatusOK {
		t.Errorf("authorized list status = %d, want 200", w.Code)
	}

	w = doJSON(t, h, http.MethodPost, "/api/v1/recipients", RecipientRequest{Email: "ada@x.com"}, writer)
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", w.Code, w.Body)
	}
	rcptID := decode[models.Recipient](t, w).ID

	// writer has no delete capability
	w = doJSON(t, h, http.MethodDelete, "/api/v1/recipients/"+rcptID, nil, writer)
	if w.Code != http.StatusForbidden {
		t.Errorf("delete without capability status = %d, want 403", w.Code)
	}
	if !strings.Contains(w.Body.String(), "delete") {
		t.Errorf("error body %q should name the capability", w.Body)
	}

	// moderate implies delete on records owned by others
	w = doJSON(t, h, http.MethodDelete, "/api/v1/recipients/"+rcptID, nil, admin)
	if w.Code != http.StatusNoContent {
		t.Errorf("moderator delete status = %d, want 204", w.Code)
	}

	// writer may not reset, that needs moderate
	w = doJSON(t, h, http.MethodPost, "/api/v1/newsletters/any/reset", nil, writer)
	if w.Code != http.StatusForbidden {
		t.Errorf("reset without moderate status = %d, want 403", w.Code)
	}
}

func TestOwnerIsolation(t *testing.T) {
	cfg := apiKeyConfig(t,
		config.KeyConfig{Name: "alice", UserID: "alice", Hash: hashKey(t, "alice-key"), Capabilities: []string{"edit", "delete", "send"}},
		config.KeyConfig{Name: "bob", UserID: "bob", Hash: hashKey(t, "bob-key"), Capabilities: []string{"edit", "delete", "send"}},
		config.KeyConfig{Name: "admin", UserID: "admin", Hash: hashKey(t, "admin-key"), Capabilities: []string{"moderate"}},
	)
	s := newTestServer(t, cfg, nil)
	h := s.Router()

	alice := map[string]string{"Authorization": "Bearer alice-key"}
	bob := map[string]string{"Authorization": "Bearer bob-key"}
	admin := map[string]string{"Authorization": "Bearer admin-key"}

	w := doJSON(t, h, http.MethodPost, "/api/v1/recipients", RecipientRequest{Email: "ada@x.com"}, alice)
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", w.Code, w.Body)
	}
	rcptID := decode[models.Recipient](t, w).ID

	w = doJSON(t, h, http.MethodGet, "/api/v1/recipients/"+rcptID, nil, bob)
	if w.Code != http.StatusForbidden {
		t.Errorf("cross-owner get status = %d, want 403", w.Code)
	}
	w = doJSON(t, h, http.MethodGet, "/api/v1/recipients/"+rcptID, nil, admin)
	if w.Code != http.StatusOK {
		t.Errorf("moderator get status = %d, want 200", w.Code)
	}

	// List scoping: bob sees nothing, the moderator sees alice's record
	w = doJSON(t, h, http.MethodGet, "/api/v1/recipients", nil, bob)
	if got := decode[[]*models.Recipient](t, w); len(got) != 0 {
		t.Errorf("bob sees %d recipients, want 0", len(got))
	}
	w = doJSON(t, h, http.MethodGet, "/api/v1/recipients", nil, admin)
	if got := decode[[]*models.Recipient](t, w); len(got) != 1 {
		t.Errorf("moderator sees %d recipients, want 1", len(got))
	}

	w = doJSON(t, h, http.MethodGet, "/api/v1/stats/alice", nil, bob)
	if w.Code != http.StatusForbidden {
		t.Errorf("cross-owner stats status = %d, want 403", w.Code)
	}
}
