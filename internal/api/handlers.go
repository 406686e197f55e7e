// Package api exposes conversations, turns and tenant settings over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"corpuschat/internal/auth"
	"corpuschat/internal/models"
	"corpuschat/internal/registry"
	"corpuschat/internal/service/assistant"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Store is the persistence used directly by the HTTP layer.
type Store interface {
	Ping(ctx context.Context) error
	CreateConversation(ctx context.Context, tenantID, profileID int64, title string) (*models.Conversation, error)
	GetConversation(ctx context.Context, tenantID, profileID, conversationID int64) (*models.Conversation, error)
	ListConversations(ctx context.Context, tenantID, profileID int64) ([]models.Conversation, error)
	DeleteConversation(ctx context.Context, tenantID, profileID, conversationID int64) error
	ListMessages(ctx context.Context, tenantID, profileID, conversationID int64) ([]*models.Message, error)
	GetMessage(ctx context.Context, tenantID, profileID, conversationID, messageID int64) (*models.Message, error)
	GetTenant(ctx context.Context, id int64) (*models.Tenant, error)
	UpdateTenantPrompt(ctx context.Context, id int64, prompt string) error
	SetTenantAPIKey(ctx context.Context, tenantID int64, provider, key string) error
	ListTenantAPIKeys(ctx context.Context, tenantID int64) ([]models.TenantAPIKey, error)
	DeleteTenantAPIKey(ctx context.Context, tenantID int64, provider string) error
}

// TurnStarter starts assistant turns.
type TurnStarter interface {
	Start(ctx context.Context, req assistant.TurnRequest) (*assistant.Turn, error)
}

type Dependencies struct {
	Store    Store
	Turns    TurnStarter
	Registry *registry.Registry
	Auth     *auth.Service
	Logger   zerolog.Logger
	// TurnsPerMinute limits posted messages per profile; zero disables it.
	TurnsPerMinute int
}

// Handler wires HTTP routes to the orchestrator and the store.
type Handler struct {
	store    Store
	turns    TurnStarter
	registry *registry.Registry
	auth     *auth.Service
	logger   zerolog.Logger
	limiter  *turnLimiter
	validate *validator.Validate
}

func NewHandler(deps Dependencies) *Handler {
	return &Handler{
		store:    deps.Store,
		turns:    deps.Turns,
		registry: deps.Registry,
		auth:     deps.Auth,
		logger:   deps.Logger,
		limiter:  newTurnLimiter(deps.TurnsPerMinute),
		validate: validator.New(),
	}
}

// NewRouter builds the gin engine with the shared middleware chain and all routes.
func NewRouter(h *Handler) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), RequestID(), RequestLogger(h.logger), Metrics())
	h.RegisterRoutes(router)
	return router
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/healthz", h.health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api")
	api.GET("/csrf", h.auth.IssueCSRF)

	protected := api.Group("", h.auth.Middleware(), h.auth.CSRFMiddleware())
	protected.GET("/models", h.listModels)
	protected.POST("/conversations", h.createConversation)
	protected.GET("/conversations", h.listConversations)
	protected.DELETE("/conversations/:id", h.deleteConversation)
	protected.GET("/conversations/:id/messages", h.listMessages)
	protected.GET("/conversations/:id/messages/:message_id", h.getMessage)
	protected.POST("/conversations/:id/messages", h.postMessage)

	protected.GET("/tenant", h.getTenant)
	admin := protected.Group("/tenant", auth.RequireAdmin())
	admin.PUT("/prompt", h.updateTenantPrompt)
	admin.GET("/keys", h.listKeys)
	admin.PUT("/keys", h.setKey)
	admin.DELETE("/keys", h.deleteKey)
}

func (h *Handler) health(c *gin.Context) {
	if err := h.store.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) identity(c *gin.Context) (*auth.Identity, bool) {
	identity, ok := auth.IdentityFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
		return nil, false
	}
	return identity, true
}

func pathID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + strings.ReplaceAll(name, "_", " ")})
		return 0, false
	}
	return id, true
}

// bind decodes the JSON body into req and validates it.
func (h *Handler) bind(c *gin.Context, req any) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return false
	}
	if err := h.validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid field " + verrs[0].Field()})
			return false
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return false
	}
	return true
}

func (h *Handler) listModels(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"models": h.registry.All()})
}

type createConversationRequest struct {
	Title string `json:"title" validate:"max=200"`
}

func (h *Handler) createConversation(c *gin.Context) {
	identity, ok := h.identity(c)
	if !ok {
		return
	}
	var req createConversationRequest
	if c.Request.ContentLength != 0 && !h.bind(c, &req) {
		return
	}
	conv, err := h.store.CreateConversation(c.Request.Context(), identity.TenantID, identity.ProfileID, req.Title)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, conv)
}

func (h *Handler) listConversations(c *gin.Context) {
	identity, ok := h.identity(c)
	if !ok {
		return
	}
	conversations, err := h.store.ListConversations(c.Request.Context(), identity.TenantID, identity.ProfileID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if conversations == nil {
		conversations = make([]models.Conversation, 0)
	}
	c.JSON(http.StatusOK, gin.H{"conversations": conversations})
}

func (h *Handler) deleteConversation(c *gin.Context) {
	identity, ok := h.identity(c)
	if !ok {
		return
	}
	conversationID, ok := pathID(c, "id")
	if !ok {
		return
	}
	if err := h.store.DeleteConversation(c.Request.Context(), identity.TenantID, identity.ProfileID, conversationID); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// listMessages returns the user-visible messages; system prompts stay server side.
func (h *Handler) listMessages(c *gin.Context) {
	identity, ok := h.identity(c)
	if !ok {
		return
	}
	conversationID, ok := pathID(c, "id")
	if !ok {
		return
	}
	ctx := c.Request.Context()
	conv, err := h.store.GetConversation(ctx, identity.TenantID, identity.ProfileID, conversationID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	rows, err := h.store.ListMessages(ctx, identity.TenantID, identity.ProfileID, conversationID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	visible := make([]*models.Message, 0, len(rows))
	for _, m := range rows {
		if m.Role != models.RoleSystem {
			visible = append(visible, m)
		}
	}
	c.JSON(http.StatusOK, gin.H{"conversation": conv, "messages": visible})
}

func (h *Handler) getMessage(c *gin.Context) {
	identity, ok := h.identity(c)
	if !ok {
		return
	}
	conversationID, ok := pathID(c, "id")
	if !ok {
		return
	}
	messageID, ok := pathID(c, "message_id")
	if !ok {
		return
	}
	msg, err := h.store.GetMessage(c.Request.Context(), identity.TenantID, identity.ProfileID, conversationID, messageID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if msg.Role == models.RoleSystem {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": msg, "pending": msg.Pending()})
}

func (h *Handler) getTenant(c *gin.Context) {
	identity, ok := h.identity(c)
	if !ok {
		return
	}
	tenant, err := h.store.GetTenant(c.Request.Context(), identity.TenantID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":            tenant.ID,
		"name":          tenant.Name,
		"system_prompt": tenant.SystemPrompt,
		"updated_at":    tenant.UpdatedAt,
	})
}

type tenantPromptRequest struct {
	SystemPrompt string `json:"system_prompt" validate:"max=20000"`
}

func (h *Handler) updateTenantPrompt(c *gin.Context) {
	identity, ok := h.identity(c)
	if !ok {
		return
	}
	var req tenantPromptRequest
	if !h.bind(c, &req) {
		return
	}
	if err := h.store.UpdateTenantPrompt(c.Request.Context(), identity.TenantID, req.SystemPrompt); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type setKeyRequest struct {
	Provider string `json:"provider" validate:"required"`
	Key      string `json:"key" validate:"required"`
}

type deleteKeyRequest struct {
	Provider string `json:"provider" validate:"required"`
}

func (h *Handler) listKeys(c *gin.Context) {
	identity, ok := h.identity(c)
	if !ok {
		return
	}
	keys, err := h.store.ListTenantAPIKeys(c.Request.Context(), identity.TenantID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"keys": keys})
}

func (h *Handler) setKey(c *gin.Context) {
	identity, ok := h.identity(c)
	if !ok {
		return
	}
	var req setKeyRequest
	if !h.bind(c, &req) {
		return
	}
	if !registry.Provider(req.Provider).Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown provider"})
		return
	}
	if err := h.store.SetTenantAPIKey(c.Request.Context(), identity.TenantID, req.Provider, req.Key); err != nil {
		h.writeError(c, err)
		return
	}
	h.logger.Info().Int64("tenant_id", identity.TenantID).Str("provider", req.Provider).Str("subject", identity.Subject).
		Msg("tenant api key replaced")
	c.Status(http.StatusNoContent)
}

func (h *Handler) deleteKey(c *gin.Context) {
	identity, ok := h.identity(c)
	if !ok {
		return
	}
	var req deleteKeyRequest
	if !h.bind(c, &req) {
		return
	}
	if err := h.store.DeleteTenantAPIKey(c.Request.Context(), identity.TenantID, req.Provider); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
