package webhook_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/teamz88/farmon-be/internal/domain"
	"github.com/teamz88/farmon-be/internal/webhook"
)

// ---- fakes ----

type fakeCredRepo struct {
	findByUserID  func(ctx context.Context, userID string) (*domain.Credential, error)
	findByEmail   func(ctx context.Context, email string) (*domain.Credential, error)
	findByToken   func(ctx context.Context, token string) (*domain.Credential, error)
	create        func(ctx context.Context, c *domain.Credential) (*domain.Credential, error)
	update        func(ctx context.Context, c *domain.Credential) (*domain.Credential, error)
	listPending   func(ctx context.Context, now time.Time, limit int) ([]*domain.Credential, error)
	listFailed    func(ctx context.Context, now time.Time, limit int) ([]*domain.Credential, error)
	markSent      func(ctx context.Context, userID, token string) error
	markFailed    func(ctx context.Context, userID, token, errMsg string) error
	consume       func(ctx context.Context, token string) (*domain.Credential, error)
	stats         func(ctx context.Context) (*domain.CredentialStats, error)
	dispatchStats func(ctx context.Context) (*domain.DispatchStats, error)
}

func (r *fakeCredRepo) FindByUserID(ctx context.Context, userID string) (*domain.Credential, error) {
	return r.findByUserID(ctx, userID)
}
func (r *fakeCredRepo) FindByEmail(ctx context.Context, email string) (*domain.Credential, error) {
	return r.findByEmail(ctx, email)
}
func (r *fakeCredRepo) FindByToken(ctx context.Context, token string) (*domain.Credential, error) {
	return r.findByToken(ctx, token)
}
func (r *fakeCredRepo) Create(ctx context.Context, c *domain.Credential) (*domain.Credential, error) {
	return r.create(ctx, c)
}
func (r *fakeCredRepo) Update(ctx context.Context, c *domain.Credential) (*domain.Credential, error) {
	return r.update(ctx, c)
}
func (r *fakeCredRepo) ListPending(ctx context.Context, now time.Time, limit int) ([]*domain.Credential, error) {
	return r.listPending(ctx, now, limit)
}
func (r *fakeCredRepo) ListFailed(ctx context.Context, now time.Time, limit int) ([]*domain.Credential, error) {
	return r.listFailed(ctx, now, limit)
}
func (r *fakeCredRepo) MarkSent(ctx context.Context, userID, token string) error {
	return r.markSent(ctx, userID, token)
}
func (r *fakeCredRepo) MarkFailed(ctx context.Context, userID, token, errMsg string) error {
	return r.markFailed(ctx, userID, token, errMsg)
}
func (r *fakeCredRepo) Consume(ctx context.Context, token string) (*domain.Credential, error) {
	return r.consume(ctx, token)
}
func (r *fakeCredRepo) Stats(ctx context.Context) (*domain.CredentialStats, error) {
	return r.stats(ctx)
}
func (r *fakeCredRepo) DispatchStats(ctx context.Context) (*domain.DispatchStats, error) {
	return r.dispatchStats(ctx)
}

// ---- helpers ----

func newDispatcher(repo *fakeCredRepo, url string) *webhook.Dispatcher {
	return webhook.NewDispatcher(repo, nil, webhook.Options{
		URL:     url,
		Timeout: 5 * time.Second,
	}, slog.Default())
}

func pendingCredential() *domain.Credential {
	company := "Test Farms"
	return &domain.Credential{
		ID:                "cred-1",
		UserID:            "user-1",
		Email:             "jamila@example.com",
		FirstName:         "Jamila",
		LastName:          "Toktogulova",
		CompanyName:       &company,
		Token:             strings.Repeat("a", 64),
		Link:              "https://app.test.local/magic-login?token=" + strings.Repeat("a", 64),
		GeneratedUsername: "jamila.jamila",
		ExpiresAt:         time.Now().Add(48 * time.Hour),
		IsActive:          true,
		AccountCreated:    true,
		WebhookStatus:     domain.WebhookPending,
		WebhookAttempts:   1,
		CreatedAt:         time.Now().Add(-time.Hour),
	}
}

// ---- SendOne ----

func TestSendOne_DeliversContractPayload(t *testing.T) {
	var (
		gotBody      map[string]any
		gotUserAgent string
		gotContent   string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUserAgent = r.Header.Get("User-Agent")
		gotContent = r.Header.Get("Content-Type")
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cred := pendingCredential()
	var sentUserID, sentToken string
	repo := &fakeCredRepo{
		markSent: func(_ context.Context, userID, token string) error {
			sentUserID = userID
			sentToken = token
			return nil
		},
	}

	result, err := newDispatcher(repo, srv.URL).SendOne(context.Background(), cred)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Outcome != webhook.OutcomeSent {
		t.Fatalf("outcome = %q, want sent", result.Outcome)
	}
	if sentUserID != cred.UserID {
		t.Errorf("MarkSent user = %q, want %q", sentUserID, cred.UserID)
	}
	if sentToken != cred.Token {
		t.Errorf("MarkSent token = %q, want the delivered token", sentToken)
	}
	if gotUserAgent != "Farmon-Magic-Link-Sender/1.0" {
		t.Errorf("User-Agent = %q", gotUserAgent)
	}
	if gotContent != "application/json" {
		t.Errorf("Content-Type = %q", gotContent)
	}

	// Field names are the downstream contract.
	for _, key := range []string{
		"user_id", "email", "first_name", "last_name", "full_name",
		"company_name", "phone_number", "title", "position",
		"magic_link", "magic_token", "expires_at", "created_at",
		"generated_username", "is_account_created", "attempt",
		"webhook_type", "timestamp",
	} {
		if _, ok := gotBody[key]; !ok {
			t.Errorf("payload missing %q", key)
		}
	}
	if gotBody["webhook_type"] != "magic_link_registration" {
		t.Errorf("webhook_type = %v", gotBody["webhook_type"])
	}
	if gotBody["magic_token"] != cred.Token {
		t.Errorf("magic_token = %v, want credential token", gotBody["magic_token"])
	}
	if gotBody["full_name"] != "Jamila Toktogulova" {
		t.Errorf("full_name = %v", gotBody["full_name"])
	}
	if gotBody["attempt"] != float64(cred.WebhookAttempts+1) {
		t.Errorf("attempt = %v, want %d", gotBody["attempt"], cred.WebhookAttempts+1)
	}
}

func TestSendOne_Non2xxMarksFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	var failedMsg string
	repo := &fakeCredRepo{
		markFailed: func(_ context.Context, _, _, errMsg string) error {
			failedMsg = errMsg
			return nil
		},
	}

	result, err := newDispatcher(repo, srv.URL).SendOne(context.Background(), pendingCredential())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Outcome != webhook.OutcomeFailed {
		t.Fatalf("outcome = %q, want failed", result.Outcome)
	}
	if result.HTTPStatus != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", result.HTTPStatus)
	}
	if !strings.Contains(failedMsg, "502") {
		t.Errorf("recorded error %q does not mention the status", failedMsg)
	}
}

func TestSendOne_RefreshedMidDeliveryIsSkippedNotSent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	// A refresh between the POST and the bookkeeping write replaces the
	// token, so the store reports a version conflict. The delivery must
	// not be recorded as sent: the new generation is still pending.
	cred := pendingCredential()
	var sentToken string
	repo := &fakeCredRepo{
		markSent: func(_ context.Context, _, token string) error {
			sentToken = token
			return domain.ErrVersionConflict
		},
	}

	result, err := newDispatcher(repo, srv.URL).SendOne(context.Background(), cred)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Outcome != webhook.OutcomeSkipped {
		t.Fatalf("outcome = %q, want skipped when the token changed underneath", result.Outcome)
	}
	if sentToken != cred.Token {
		t.Errorf("MarkSent token = %q, want the token that was delivered", sentToken)
	}
}

func TestSendOne_RefreshedMidDeliveryFailureNotRecorded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	repo := &fakeCredRepo{
		markFailed: func(_ context.Context, _, _, _ string) error {
			return domain.ErrVersionConflict
		},
	}

	result, err := newDispatcher(repo, srv.URL).SendOne(context.Background(), pendingCredential())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Outcome != webhook.OutcomeSkipped {
		t.Errorf("outcome = %q, want skipped: the failed generation no longer exists", result.Outcome)
	}
}

func TestSendOne_UnreachableEndpointMarksFailed(t *testing.T) {
	var failed bool
	repo := &fakeCredRepo{
		markFailed: func(_ context.Context, _, _, _ string) error {
			failed = true
			return nil
		},
	}

	// Closed port: connection refused.
	result, err := newDispatcher(repo, "http://127.0.0.1:1").SendOne(context.Background(), pendingCredential())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Outcome != webhook.OutcomeFailed {
		t.Fatalf("outcome = %q, want failed", result.Outcome)
	}
	if !failed {
		t.Error("MarkFailed was not called")
	}
}

func TestSendOne_MissingURLIsConfigError(t *testing.T) {
	_, err := newDispatcher(&fakeCredRepo{}, "").SendOne(context.Background(), pendingCredential())
	if !errors.Is(err, domain.ErrWebhookNotConfigured) {
		t.Errorf("err = %v, want ErrWebhookNotConfigured", err)
	}
}

func TestSendOne_SkipsPreconditionFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		t.Error("endpoint reached for a skippable credential")
	}))
	defer srv.Close()

	cases := []struct {
		name   string
		mutate func(*domain.Credential)
	}{
		{"inactive", func(c *domain.Credential) { c.IsActive = false }},
		{"expired", func(c *domain.Credential) { c.ExpiresAt = time.Now().Add(-time.Minute) }},
		{"already sent", func(c *domain.Credential) { c.WebhookStatus = domain.WebhookSent }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cred := pendingCredential()
			tc.mutate(cred)

			result, err := newDispatcher(&fakeCredRepo{}, srv.URL).SendOne(context.Background(), cred)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if result.Outcome != webhook.OutcomeSkipped {
				t.Errorf("outcome = %q, want skipped", result.Outcome)
			}
			if result.SkipReason == "" {
				t.Error("skip reason is empty")
			}
		})
	}
}

func TestSendOne_AttemptCapSkips(t *testing.T) {
	cred := pendingCredential()
	cred.WebhookAttempts = 3

	d := webhook.NewDispatcher(&fakeCredRepo{}, nil, webhook.Options{
		URL:         "http://unused.test.local",
		MaxAttempts: 3,
	}, slog.Default())

	result, err := d.SendOne(context.Background(), cred)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Outcome != webhook.OutcomeSkipped {
		t.Errorf("outcome = %q, want skipped at the attempt cap", result.Outcome)
	}
}

// ---- batches ----

func TestSendAllPending_IsolatesPerItemFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var body struct {
			Email string `json:"email"`
		}
		_ = json.Unmarshal(raw, &body)
		if body.Email == "b@example.com" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	batch := []*domain.Credential{pendingCredential(), pendingCredential(), pendingCredential()}
	batch[0].Email = "a@example.com"
	batch[1].Email = "b@example.com"
	batch[2].Email = "c@example.com"
	for i, c := range batch {
		c.UserID = string(rune('1' + i))
	}

	repo := &fakeCredRepo{
		listPending: func(_ context.Context, _ time.Time, _ int) ([]*domain.Credential, error) {
			return batch, nil
		},
		markSent:   func(_ context.Context, _, _ string) error { return nil },
		markFailed: func(_ context.Context, _, _, _ string) error { return nil },
	}

	summary, err := newDispatcher(repo, srv.URL).SendAllPending(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.Attempted != 3 {
		t.Errorf("attempted = %d, want 3", summary.Attempted)
	}
	if summary.Sent != 2 {
		t.Errorf("sent = %d, want 2", summary.Sent)
	}
	if summary.Failed != 1 {
		t.Errorf("failed = %d, want 1", summary.Failed)
	}
}

func TestSendAllPending_BoundsStoreWritesPerItem(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	// The bookkeeping write after a delivery runs under a per-item
	// deadline; a hung store write must not stall the rest of the batch.
	var hadDeadline bool
	repo := &fakeCredRepo{
		listPending: func(_ context.Context, _ time.Time, _ int) ([]*domain.Credential, error) {
			return []*domain.Credential{pendingCredential()}, nil
		},
		markSent: func(ctx context.Context, _, _ string) error {
			_, hadDeadline = ctx.Deadline()
			return nil
		},
	}

	if _, err := newDispatcher(repo, srv.URL).SendAllPending(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !hadDeadline {
		t.Error("MarkSent context carries no deadline")
	}
}

func TestSendAllPending_MissingURLIsConfigError(t *testing.T) {
	_, err := newDispatcher(&fakeCredRepo{}, "").SendAllPending(context.Background())
	if !errors.Is(err, domain.ErrWebhookNotConfigured) {
		t.Errorf("err = %v, want ErrWebhookNotConfigured", err)
	}
}

func TestResendFailed_UsesFailedList(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cred := pendingCredential()
	cred.WebhookStatus = domain.WebhookFailed
	cred.WebhookAttempts = 2

	var listedFailed bool
	repo := &fakeCredRepo{
		listFailed: func(_ context.Context, _ time.Time, _ int) ([]*domain.Credential, error) {
			listedFailed = true
			return []*domain.Credential{cred}, nil
		},
		markSent: func(_ context.Context, _, _ string) error { return nil },
	}

	summary, err := newDispatcher(repo, srv.URL).ResendFailed(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !listedFailed {
		t.Error("ListFailed was not used")
	}
	if summary.Sent != 1 {
		t.Errorf("sent = %d, want 1", summary.Sent)
	}
}

// ---- probe ----

func TestTestConnection_Reachable(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	probe, err := newDispatcher(&fakeCredRepo{}, srv.URL).TestConnection(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !probe.Reachable {
		t.Fatalf("probe not reachable: %v", probe.Err)
	}
	if gotBody["test"] != true {
		t.Errorf("probe body test = %v, want true", gotBody["test"])
	}
	if gotBody["webhook_type"] != "connection_test" {
		t.Errorf("probe webhook_type = %v", gotBody["webhook_type"])
	}
}

func TestTestConnection_Non2xxIsUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	probe, err := newDispatcher(&fakeCredRepo{}, srv.URL).TestConnection(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if probe.Reachable {
		t.Error("probe reachable on 403")
	}
	if probe.Err == nil {
		t.Error("probe error is nil")
	}
}

func TestTestConnection_MissingURL(t *testing.T) {
	_, err := newDispatcher(&fakeCredRepo{}, "").TestConnection(context.Background())
	if !errors.Is(err, domain.ErrWebhookNotConfigured) {
		t.Errorf("err = %v, want ErrWebhookNotConfigured", err)
	}
}

// ---- single user ----

func TestSendForUser_DeliversTheUsersCredential(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cred := pendingCredential()
	repo := &fakeCredRepo{
		findByEmail: func(_ context.Context, email string) (*domain.Credential, error) {
			if email != cred.Email {
				return nil, domain.ErrCredentialNotFound
			}
			return cred, nil
		},
		markSent: func(_ context.Context, _, _ string) error { return nil },
	}

	result, err := newDispatcher(repo, srv.URL).SendForUser(context.Background(), cred.Email)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Outcome != webhook.OutcomeSent {
		t.Errorf("outcome = %q, want sent", result.Outcome)
	}
}

func TestSendForUser_UnknownEmail(t *testing.T) {
	repo := &fakeCredRepo{
		findByEmail: func(_ context.Context, _ string) (*domain.Credential, error) {
			return nil, domain.ErrCredentialNotFound
		},
	}

	_, err := newDispatcher(repo, "http://unused.test.local").SendForUser(context.Background(), "nobody@example.com")
	if !errors.Is(err, domain.ErrCredentialNotFound) {
		t.Errorf("err = %v, want ErrCredentialNotFound", err)
	}
}
