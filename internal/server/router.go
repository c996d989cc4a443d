package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/helioworks/syncore/internal/identity"
	"github.com/helioworks/syncore/internal/platform"
	"go.uber.org/zap"
)

const (
	userIDContextKey    = "syncore_user_id"
	userEmailContextKey = "syncore_user_email"
)

var (
	errMissingStore             = errors.New("platform store dependency required")
	errMissingTokenManager      = errors.New("token manager dependency required")
	errMissingAssertionVerifier = errors.New("assertion verifier dependency required")
	errInvalidAuthorization     = errors.New("authorization header missing or invalid")
)

// AssertionVerifier validates sign-in assertions from the external identity
// provider before a platform session token is issued.
type AssertionVerifier interface {
	ValidateToken(token string) (identity.SessionClaims, error)
}

// SessionTokenManager issues and validates platform session tokens.
type SessionTokenManager interface {
	IssueSessionToken(ctx context.Context, userID, email string) (string, int64, error)
	ValidateToken(token string) (identity.SessionClaims, error)
}

// PlatformStore is the store surface the HTTP handlers expose.
type PlatformStore interface {
	ResolveTenantFromHost(ctx context.Context, host string) (string, error)
	FetchRecords(ctx context.Context, collection string, scope platform.Scope) ([]platform.Record, error)
	WriteRecord(ctx context.Context, op platform.Operation, record platform.Record, correlationID string) (platform.Record, error)
	Subscribe(collection string, scope platform.Scope, handler platform.EventHandler) func()
}

// Dependencies wires the HTTP surface.
type Dependencies struct {
	Store     PlatformStore
	Tokens    SessionTokenManager
	Assertion AssertionVerifier
	Logger    *zap.Logger
}

// NewHTTPHandler builds the gin router exposing the platform capabilities:
// session issuance, host resolution, collection snapshots, writes, and the
// SSE change feed.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Store == nil {
		return nil, errMissingStore
	}
	if deps.Tokens == nil {
		return nil, errMissingTokenManager
	}
	if deps.Assertion == nil {
		return nil, errMissingAssertionVerifier
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		store:     deps.Store,
		tokens:    deps.Tokens,
		assertion: deps.Assertion,
		logger:    logger,
	}

	router.POST("/auth/session", handler.handleSessionIssue)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/rpc/resolve-host", handler.handleResolveHost)
	protected.GET("/collections/:name", handler.handleFetch)
	protected.POST("/collections/:name", handler.handleWrite)
	protected.GET("/collections/:name/events", handler.handleEvents)

	return router, nil
}

type httpHandler struct {
	store     PlatformStore
	tokens    SessionTokenManager
	assertion AssertionVerifier
	logger    *zap.Logger
}

type sessionRequestPayload struct {
	Assertion string `json:"assertion"`
}

type sessionResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func (h *httpHandler) handleSessionIssue(c *gin.Context) {
	var request sessionRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Assertion) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	claims, err := h.assertion.ValidateToken(request.Assertion)
	if err != nil {
		h.logger.Warn("assertion verification failed", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	token, expiresIn, err := h.tokens.IssueSessionToken(c.Request.Context(), claims.UserID, claims.UserEmail)
	if err != nil {
		h.logger.Error("failed to issue session token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, sessionResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
	})
}

func (h *httpHandler) handleResolveHost(c *gin.Context) {
	host := strings.TrimSpace(c.Query("host"))
	if host == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	tenantID, err := h.store.ResolveTenantFromHost(c.Request.Context(), host)
	if errors.Is(err, platform.ErrTenantNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "tenant_not_found"})
		return
	}
	if err != nil {
		h.logger.Error("host resolution failed", zap.String("host", host), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "resolve_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tenant_id": tenantID})
}

type fetchResponsePayload struct {
	Records []recordPayload `json:"records"`
}

type recordPayload struct {
	ID               string          `json:"id"`
	Collection       string          `json:"collection"`
	TenantID         string          `json:"tenant_id,omitempty"`
	SubjectID        string          `json:"subject_id,omitempty"`
	Payload          json.RawMessage `json:"payload,omitempty"`
	UpdatedAtSeconds int64           `json:"updated_at_s"`
}

func toRecordPayload(record platform.Record) recordPayload {
	payload := json.RawMessage(nil)
	if record.PayloadJSON != "" {
		payload = json.RawMessage(record.PayloadJSON)
	}
	return recordPayload{
		ID:               record.ID,
		Collection:       record.Collection,
		TenantID:         record.TenantID,
		SubjectID:        record.SubjectID,
		Payload:          payload,
		UpdatedAtSeconds: record.UpdatedAtSeconds,
	}
}

func scopeFromQuery(c *gin.Context) platform.Scope {
	return platform.Scope{
		TenantID:  strings.TrimSpace(c.Query("tenant_id")),
		SubjectID: strings.TrimSpace(c.Query("subject_id")),
	}
}

func (h *httpHandler) handleFetch(c *gin.Context) {
	collection := c.Param("name")
	records, err := h.store.FetchRecords(c.Request.Context(), collection, scopeFromQuery(c))
	if err != nil {
		h.logger.Error("collection fetch failed", zap.String("collection", collection), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "fetch_failed"})
		return
	}
	response := fetchResponsePayload{Records: make([]recordPayload, 0, len(records))}
	for _, record := range records {
		response.Records = append(response.Records, toRecordPayload(record))
	}
	c.JSON(http.StatusOK, response)
}

type writeRequestPayload struct {
	Operation     string          `json:"op"`
	ID            string          `json:"id"`
	TenantID      string          `json:"tenant_id"`
	SubjectID     string          `json:"subject_id"`
	Payload       json.RawMessage `json:"payload"`
	CorrelationID string          `json:"correlation_id"`
}

func (h *httpHandler) handleWrite(c *gin.Context) {
	collection := c.Param("name")
	var request writeRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	op, err := platform.ParseOperation(request.Operation)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_operation"})
		return
	}
	record := platform.Record{
		ID:          request.ID,
		Collection:  collection,
		TenantID:    request.TenantID,
		SubjectID:   request.SubjectID,
		PayloadJSON: string(request.Payload),
	}
	written, err := h.store.WriteRecord(c.Request.Context(), op, record, request.CorrelationID)
	if err != nil {
		if errors.Is(err, platform.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "record_not_found"})
			return
		}
		if errors.Is(err, platform.ErrInvalidRecord) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_record"})
			return
		}
		h.logger.Error("collection write failed", zap.String("collection", collection), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "write_failed"})
		return
	}
	c.JSON(http.StatusOK, toRecordPayload(written))
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	claims, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, claims.UserID)
	c.Set(userEmailContextKey, claims.UserEmail)
	c.Next()
}
