package handler_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/teamz88/farmon-be/internal/domain"
	"github.com/teamz88/farmon-be/internal/transport/http/handler"
	"github.com/teamz88/farmon-be/internal/webhook"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const testJWTKey = "handler-test-secret-32-chars-min!"

// fakeMagicLinkService implements the unexported magicLinkService interface
// via method matching.
type fakeMagicLinkService struct {
	createForSingle func(ctx context.Context, email string) (*domain.Credential, error)
	validate        func(ctx context.Context, rawToken string) (*domain.Credential, error)
	consume         func(ctx context.Context, rawToken string) (*domain.Credential, error)
	stats           func(ctx context.Context) (*domain.CredentialStats, error)
}

func (f *fakeMagicLinkService) CreateForSingle(ctx context.Context, email string) (*domain.Credential, error) {
	return f.createForSingle(ctx, email)
}

func (f *fakeMagicLinkService) Validate(ctx context.Context, rawToken string) (*domain.Credential, error) {
	return f.validate(ctx, rawToken)
}

func (f *fakeMagicLinkService) Consume(ctx context.Context, rawToken string) (*domain.Credential, error) {
	return f.consume(ctx, rawToken)
}

func (f *fakeMagicLinkService) Stats(ctx context.Context) (*domain.CredentialStats, error) {
	return f.stats(ctx)
}

type fakeWebhookService struct {
	sendForUser    func(ctx context.Context, email string) (webhook.DeliveryResult, error)
	testConnection func(ctx context.Context) (webhook.ProbeResult, error)
	stats          func(ctx context.Context) (*domain.DispatchStats, error)
}

func (f *fakeWebhookService) SendForUser(ctx context.Context, email string) (webhook.DeliveryResult, error) {
	if f.sendForUser == nil {
		return webhook.DeliveryResult{}, domain.ErrWebhookNotConfigured
	}
	return f.sendForUser(ctx, email)
}

func (f *fakeWebhookService) TestConnection(ctx context.Context) (webhook.ProbeResult, error) {
	return f.testConnection(ctx)
}

func (f *fakeWebhookService) Stats(ctx context.Context) (*domain.DispatchStats, error) {
	if f.stats == nil {
		return nil, errors.New("no stats")
	}
	return f.stats(ctx)
}

func newTestEngine(links *fakeMagicLinkService, hooks *fakeWebhookService) *gin.Engine {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	h := handler.NewMagicLinkHandler(links, hooks, []byte(testJWTKey), logger)

	r := gin.New()
	r.POST("/auth/magic-link", h.Create)
	r.GET("/auth/magic-link/validate", h.Validate)
	r.POST("/auth/magic-link/consume", h.Consume)
	r.GET("/stats", h.Stats)
	r.POST("/webhook/test", h.TestWebhook)
	return r
}

func testCredential() *domain.Credential {
	return &domain.Credential{
		ID:        "cred-1",
		UserID:    "user-1",
		Email:     "test@example.com",
		Token:     strings.Repeat("a", 64),
		Link:      "https://app.test.local/magic-login?token=" + strings.Repeat("a", 64),
		ExpiresAt: time.Now().Add(48 * time.Hour),
		IsActive:  true,
	}
}

func postJSON(t *testing.T, r *gin.Engine, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	return w
}

// ---- Create ----

func TestCreate_InvalidJSON_Returns400(t *testing.T) {
	w := postJSON(t, newTestEngine(&fakeMagicLinkService{}, &fakeWebhookService{}),
		"/auth/magic-link", `{bad json}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestCreate_InvalidEmail_Returns400(t *testing.T) {
	w := postJSON(t, newTestEngine(&fakeMagicLinkService{}, &fakeWebhookService{}),
		"/auth/magic-link", `{"email":"not-an-email"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestCreate_UnknownUser_Returns404(t *testing.T) {
	links := &fakeMagicLinkService{
		createForSingle: func(_ context.Context, _ string) (*domain.Credential, error) {
			return nil, domain.ErrUserNotFound
		},
	}
	w := postJSON(t, newTestEngine(links, &fakeWebhookService{}),
		"/auth/magic-link", `{"email":"nobody@example.com"}`)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestCreate_Success_Returns201WithLink(t *testing.T) {
	cred := testCredential()
	links := &fakeMagicLinkService{
		createForSingle: func(_ context.Context, _ string) (*domain.Credential, error) {
			return cred, nil
		},
	}
	var dispatched string
	hooks := &fakeWebhookService{
		sendForUser: func(_ context.Context, email string) (webhook.DeliveryResult, error) {
			dispatched = email
			return webhook.DeliveryResult{Outcome: webhook.OutcomeSent}, nil
		},
	}

	w := postJSON(t, newTestEngine(links, hooks),
		"/auth/magic-link", `{"email":"test@example.com"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201", w.Code)
	}

	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["magic_link"] != cred.Link {
		t.Errorf("magic_link = %v, want %q", resp["magic_link"], cred.Link)
	}
	if dispatched != cred.Email {
		t.Errorf("dispatched email = %q, want %q", dispatched, cred.Email)
	}
}

func TestCreate_WebhookNotConfigured_Still201(t *testing.T) {
	links := &fakeMagicLinkService{
		createForSingle: func(_ context.Context, _ string) (*domain.Credential, error) {
			return testCredential(), nil
		},
	}

	// The zero fakeWebhookService reports an unconfigured endpoint.
	w := postJSON(t, newTestEngine(links, &fakeWebhookService{}),
		"/auth/magic-link", `{"email":"test@example.com"}`)
	if w.Code != http.StatusCreated {
		t.Errorf("status = %d, want 201 despite missing webhook", w.Code)
	}
}

// ---- Validate ----

func TestValidate_MissingToken_Returns401(t *testing.T) {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/auth/magic-link/validate", nil)
	newTestEngine(&fakeMagicLinkService{}, &fakeWebhookService{}).ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestValidate_ExpiredToken_Returns401(t *testing.T) {
	links := &fakeMagicLinkService{
		validate: func(_ context.Context, _ string) (*domain.Credential, error) {
			return nil, domain.ErrCredentialExpired
		},
	}

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/auth/magic-link/validate?token=abc", nil)
	newTestEngine(links, &fakeWebhookService{}).ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestValidate_LiveToken_Returns200(t *testing.T) {
	cred := testCredential()
	links := &fakeMagicLinkService{
		validate: func(_ context.Context, rawToken string) (*domain.Credential, error) {
			if rawToken != cred.Token {
				return nil, domain.ErrCredentialNotFound
			}
			return cred, nil
		},
	}

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/auth/magic-link/validate?token="+cred.Token, nil)
	newTestEngine(links, &fakeWebhookService{}).ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["valid"] != true {
		t.Errorf("valid = %v, want true", resp["valid"])
	}
	if resp["email"] != cred.Email {
		t.Errorf("email = %v, want %q", resp["email"], cred.Email)
	}
}

// ---- Consume ----

func TestConsume_Success_ReturnsSessionJWT(t *testing.T) {
	cred := testCredential()
	links := &fakeMagicLinkService{
		consume: func(_ context.Context, _ string) (*domain.Credential, error) {
			return cred, nil
		},
	}

	w := postJSON(t, newTestEngine(links, &fakeWebhookService{}),
		"/auth/magic-link/consume", `{"token":"`+cred.Token+`"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	var resp struct {
		Token string `json:"token"`
		Email string `json:"email"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Email != cred.Email {
		t.Errorf("email = %q, want %q", resp.Email, cred.Email)
	}

	parsed, err := jwt.Parse(resp.Token, func(_ *jwt.Token) (any, error) {
		return []byte(testJWTKey), nil
	})
	if err != nil || !parsed.Valid {
		t.Fatalf("session token does not verify: %v", err)
	}
	claims := parsed.Claims.(jwt.MapClaims)
	if claims["sub"] != cred.UserID {
		t.Errorf("sub = %v, want %q", claims["sub"], cred.UserID)
	}
}

func TestConsume_AlreadyUsed_Returns409(t *testing.T) {
	links := &fakeMagicLinkService{
		consume: func(_ context.Context, _ string) (*domain.Credential, error) {
			return nil, domain.ErrCredentialConsumed
		},
	}

	w := postJSON(t, newTestEngine(links, &fakeWebhookService{}),
		"/auth/magic-link/consume", `{"token":"abc"}`)
	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", w.Code)
	}
}

func TestConsume_UnknownToken_Returns401(t *testing.T) {
	links := &fakeMagicLinkService{
		consume: func(_ context.Context, _ string) (*domain.Credential, error) {
			return nil, domain.ErrCredentialNotFound
		},
	}

	w := postJSON(t, newTestEngine(links, &fakeWebhookService{}),
		"/auth/magic-link/consume", `{"token":"abc"}`)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

// ---- Stats / TestWebhook ----

func TestStats_CombinesCredentialAndDispatchStats(t *testing.T) {
	links := &fakeMagicLinkService{
		stats: func(_ context.Context) (*domain.CredentialStats, error) {
			return &domain.CredentialStats{TotalUsers: 10, TotalCredentials: 8}, nil
		},
	}
	now := time.Now()
	hooks := &fakeWebhookService{
		stats: func(_ context.Context) (*domain.DispatchStats, error) {
			return &domain.DispatchStats{Sent: 7, LastSuccessAt: &now}, nil
		},
	}

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	newTestEngine(links, hooks).ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["users"] != float64(10) {
		t.Errorf("users = %v, want 10", resp["users"])
	}
	if _, ok := resp["last_webhook_success_at"]; !ok {
		t.Error("dispatch stats not merged into the response")
	}
}

func TestTestWebhook_Unconfigured_Returns409(t *testing.T) {
	hooks := &fakeWebhookService{
		testConnection: func(_ context.Context) (webhook.ProbeResult, error) {
			return webhook.ProbeResult{}, domain.ErrWebhookNotConfigured
		},
	}

	w := postJSON(t, newTestEngine(&fakeMagicLinkService{}, hooks), "/webhook/test", "")
	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", w.Code)
	}
}

func TestTestWebhook_ReportsProbeOutcome(t *testing.T) {
	hooks := &fakeWebhookService{
		testConnection: func(_ context.Context) (webhook.ProbeResult, error) {
			return webhook.ProbeResult{Reachable: true, Latency: 42 * time.Millisecond}, nil
		},
	}

	w := postJSON(t, newTestEngine(&fakeMagicLinkService{}, hooks), "/webhook/test", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["reachable"] != true {
		t.Errorf("reachable = %v, want true", resp["reachable"])
	}
	if resp["latency_ms"] != float64(42) {
		t.Errorf("latency_ms = %v, want 42", resp["latency_ms"])
	}
}
