package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/courier/internal/auth"
	"github.com/MarcoPoloResearchLab/courier/internal/delivery"
	"github.com/MarcoPoloResearchLab/courier/internal/notify"
	"github.com/MarcoPoloResearchLab/courier/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const (
	claimsContextKey         = "courier_claims"
	accessTokenQueryParam    = "access_token"
	defaultHeartbeatInterval = 15 * time.Second
)

var (
	errMissingTokenManager  = errors.New("token manager dependency required")
	errMissingNotifyService = errors.New("notify service dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

type TokenManager interface {
	ValidateToken(token string) (auth.Claims, error)
}

// Dependencies wires the HTTP surface. Stream and Contacts are optional; without them the
// matching routes answer 404.
type Dependencies struct {
	TokenManager      TokenManager
	NotifyService     *notify.Service
	Stream            *delivery.StreamBackend
	Contacts          *users.Service
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.NotifyService == nil {
		return nil, errMissingNotifyService
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		tokens:    deps.TokenManager,
		service:   deps.NotifyService,
		stream:    deps.Stream,
		contacts:  deps.Contacts,
		heartbeat: heartbeat,
		logger:    logger,
	}

	router.GET("/healthz", handler.handleHealth)

	protected := router.Group("/v1")
	protected.Use(handler.authorizeRequest)
	protected.GET("/stream/:user", handler.handleStream)

	operator := protected.Group("/")
	operator.Use(requireScope(auth.ScopeOperator))
	operator.POST("/domains", handler.handleCreateDomain)
	operator.GET("/domains/:domain", handler.handleGetDomain)
	operator.POST("/registrations", handler.handleRegister)
	operator.GET("/registrations/:user", handler.handleGetRegistration)
	operator.PATCH("/registrations/:user", handler.handleModify)
	operator.DELETE("/registrations/:user", handler.handleUnregister)
	operator.POST("/notifications", handler.handlePost)
	operator.POST("/sweeps", handler.handleSweep)
	operator.DELETE("/entries", handler.handlePurgeEntries)
	operator.PUT("/contacts/:user", handler.handleSetContact)
	operator.GET("/contacts/:user", handler.handleGetContact)
	operator.DELETE("/contacts/:user", handler.handleRemoveContact)

	return router, nil
}

type httpHandler struct {
	tokens    TokenManager
	service   *notify.Service
	stream    *delivery.StreamBackend
	contacts  *users.Service
	heartbeat time.Duration
	logger    *zap.Logger
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOriginFunc:  func(string) bool { return true },
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "Last-Event-ID"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// authorizeRequest accepts a bearer header or, for EventSource clients, the access_token query
// parameter.
func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token, ok := bearerToken(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	claims, err := h.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(claimsContextKey, claims)
	c.Next()
}

func bearerToken(c *gin.Context) (string, bool) {
	header := c.GetHeader("Authorization")
	if header != "" {
		if !strings.HasPrefix(header, "Bearer ") {
			return "", false
		}
		token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
		return token, token != ""
	}
	token := strings.TrimSpace(c.Query(accessTokenQueryParam))
	return token, token != ""
}

func requireScope(scope string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if claimsFrom(c).Scope != scope {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		c.Next()
	}
}

func claimsFrom(c *gin.Context) auth.Claims {
	value, ok := c.Get(claimsContextKey)
	if !ok {
		return auth.Claims{}
	}
	claims, _ := value.(auth.Claims)
	return claims
}
