package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/teamz88/farmon-be/internal/domain"
	"github.com/teamz88/farmon-be/internal/webhook"
)

const sessionTTL = 24 * time.Hour

// magicLinkService is the subset of magiclink.Manager the handler needs.
// Defined here (point of use) so tests can inject a fake.
type magicLinkService interface {
	CreateForSingle(ctx context.Context, email string) (*domain.Credential, error)
	Validate(ctx context.Context, rawToken string) (*domain.Credential, error)
	Consume(ctx context.Context, rawToken string) (*domain.Credential, error)
	Stats(ctx context.Context) (*domain.CredentialStats, error)
}

// webhookService is the subset of webhook.Dispatcher the handler needs.
type webhookService interface {
	SendForUser(ctx context.Context, email string) (webhook.DeliveryResult, error)
	TestConnection(ctx context.Context) (webhook.ProbeResult, error)
	Stats(ctx context.Context) (*domain.DispatchStats, error)
}

type MagicLinkHandler struct {
	links  magicLinkService
	hooks  webhookService
	jwtKey []byte
	logger *slog.Logger
}

func NewMagicLinkHandler(links magicLinkService, hooks webhookService, jwtKey []byte, logger *slog.Logger) *MagicLinkHandler {
	return &MagicLinkHandler{
		links:  links,
		hooks:  hooks,
		jwtKey: jwtKey,
		logger: logger.With("component", "magiclink_handler"),
	}
}

type createRequest struct {
	Email string `json:"email" binding:"required,email"`
}

// POST /auth/magic-link
// Issues (or refreshes, when expired) a credential for the user and hands
// it to the webhook endpoint. Delivery failures do not fail the request;
// the dispatcher records them for a later resend.
func (h *MagicLinkHandler) Create(c *gin.Context) {
	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	cred, err := h.links.CreateForSingle(c.Request.Context(), req.Email)
	if err != nil {
		if errors.Is(err, domain.ErrUserNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": errUserNotFound})
			return
		}
		h.logger.Error("create magic link", "email", req.Email, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		return
	}

	if _, err := h.hooks.SendForUser(c.Request.Context(), cred.Email); err != nil {
		if !errors.Is(err, domain.ErrWebhookNotConfigured) {
			h.logger.Error("dispatch after create", "email", cred.Email, "error", err)
		}
	}

	c.JSON(http.StatusCreated, gin.H{
		"email":      cred.Email,
		"magic_link": cred.Link,
		"expires_at": cred.ExpiresAt,
	})
}

// GET /auth/magic-link/validate?token=<raw>
// Read-only check; the credential stays usable afterwards.
func (h *MagicLinkHandler) Validate(c *gin.Context) {
	rawToken := c.Query("token")
	if rawToken == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": errTokenInvalid})
		return
	}

	cred, err := h.links.Validate(c.Request.Context(), rawToken)
	if err != nil {
		if errors.Is(err, domain.ErrCredentialNotFound) || errors.Is(err, domain.ErrCredentialExpired) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": errTokenInvalid})
			return
		}
		h.logger.Error("validate magic link", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"valid":      true,
		"email":      cred.Email,
		"expires_at": cred.ExpiresAt,
	})
}

type consumeRequest struct {
	Token string `json:"token" binding:"required"`
}

// POST /auth/magic-link/consume
// Exchanges a live credential for a session JWT. Single use: a second
// consume of the same token gets 409.
func (h *MagicLinkHandler) Consume(c *gin.Context) {
	var req consumeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	cred, err := h.links.Consume(c.Request.Context(), req.Token)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrCredentialConsumed):
			c.JSON(http.StatusConflict, gin.H{"error": errLinkConsumed})
		case errors.Is(err, domain.ErrCredentialNotFound), errors.Is(err, domain.ErrCredentialExpired):
			c.JSON(http.StatusUnauthorized, gin.H{"error": errTokenInvalid})
		default:
			h.logger.Error("consume magic link", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		}
		return
	}

	session, err := h.mintSession(cred)
	if err != nil {
		h.logger.Error("sign session token", "user_id", cred.UserID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"token": session,
		"email": cred.Email,
	})
}

func (h *MagicLinkHandler) mintSession(cred *domain.Credential) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":   cred.UserID,
		"email": cred.Email,
		"iat":   now.Unix(),
		"exp":   now.Add(sessionTTL).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(h.jwtKey)
}

// GET /stats (protected)
func (h *MagicLinkHandler) Stats(c *gin.Context) {
	credStats, err := h.links.Stats(c.Request.Context())
	if err != nil {
		h.logger.Error("credential stats", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		return
	}

	resp := gin.H{
		"users":            credStats.TotalUsers,
		"credentials":      credStats.TotalCredentials,
		"active":           credStats.Active,
		"expired":          credStats.Expired,
		"webhooks_pending": credStats.PendingWebhooks,
		"webhooks_sent":    credStats.SentWebhooks,
		"webhooks_failed":  credStats.FailedWebhooks,
	}

	if dispatchStats, err := h.hooks.Stats(c.Request.Context()); err == nil {
		resp["last_webhook_success_at"] = dispatchStats.LastSuccessAt
		resp["last_webhook_failure_at"] = dispatchStats.LastFailureAt
	}

	c.JSON(http.StatusOK, resp)
}

// POST /webhook/test (protected)
// Fires the connection probe; no credential data leaves the system.
func (h *MagicLinkHandler) TestWebhook(c *gin.Context) {
	probe, err := h.hooks.TestConnection(c.Request.Context())
	if err != nil {
		if errors.Is(err, domain.ErrWebhookNotConfigured) {
			c.JSON(http.StatusConflict, gin.H{"error": "Webhook URL is not configured"})
			return
		}
		h.logger.Error("webhook probe", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		return
	}

	resp := gin.H{
		"reachable":  probe.Reachable,
		"latency_ms": probe.Latency.Milliseconds(),
	}
	if probe.Err != nil {
		resp["error"] = probe.Err.Error()
	}
	c.JSON(http.StatusOK, resp)
}
