package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Gopher0727/UbiquiTimes/internal/models"
	"github.com/Gopher0727/UbiquiTimes/middleware/jwt"
	logger "github.com/Gopher0727/UbiquiTimes/middleware/log"
)

// Keys set on the gin context by JWTAuth.
const (
	ContextUserID = "user_id"
	ContextClaims = "claims"
)

// TraceHeader carries the trace id in and out of every request.
const TraceHeader = "X-Trace-ID"

type MiddlewareManager struct {
	tokenManager *jwt.TokenManager
	logger       *logger.Logger
}

func NewMiddlewareManager(tokenManager *jwt.TokenManager, log *logger.Logger) *MiddlewareManager {
	if log == nil {
		log = logger.Nop()
	}
	return &MiddlewareManager{
		tokenManager: tokenManager,
		logger:       log.Named("http"),
	}
}

// CurrentUser returns the acting user set by JWTAuth.
func CurrentUser(c *gin.Context) (models.ID, *jwt.Claims, bool) {
	id, ok := c.Get(ContextUserID)
	if !ok {
		return 0, nil, false
	}
	claims, ok := c.Get(ContextClaims)
	if !ok {
		return 0, nil, false
	}
	userID, ok1 := id.(models.ID)
	cl, ok2 := claims.(*jwt.Claims)
	return userID, cl, ok1 && ok2
}

func (m *MiddlewareManager) JWTAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "authorization header required",
			})
			return
		}

		tokenString, ok := strings.CutPrefix(authHeader, "Bearer ")
		if !ok || tokenString == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "invalid authorization header format",
			})
			return
		}

		claims, err := m.tokenManager.ParseToken(tokenString)
		if err != nil {
			m.logger.WarnContext(c.Request.Context(), "token validation failed",
				zap.Error(err),
				zap.String("ip", c.ClientIP()),
			)

			var message string
			switch {
			case errors.Is(err, jwt.ErrExpiredToken):
				message = "token has expired"
			case errors.Is(err, jwt.ErrTokenNotYetValid):
				message = "token not yet valid"
			default:
				message = "invalid token"
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": message})
			return
		}

		userID, err := models.ParseID("user_id", claims.UserID)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token subject"})
			return
		}

		c.Set(ContextUserID, userID)
		c.Set(ContextClaims, claims)

		c.Next()
	}
}

// Logger tags the request context with a trace id (taken from X-Trace-ID or
// generated) and logs one line per request.
func (m *MiddlewareManager) Logger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		ctx := logger.WithTraceID(c.Request.Context(), c.GetHeader(TraceHeader))
		c.Request = c.Request.WithContext(ctx)
		c.Header(TraceHeader, logger.GetTraceID(ctx))

		c.Next()

		statusCode := c.Writer.Status()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", statusCode),
			zap.Duration("latency", time.Since(start)),
			zap.String("ip", c.ClientIP()),
		}
		if userID, ok := c.Get(ContextUserID); ok {
			if id, ok := userID.(models.ID); ok {
				fields = append(fields, zap.Stringer("user_id", id))
			}
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}

		switch {
		case statusCode >= 500:
			m.logger.ErrorContext(ctx, "server error", fields...)
		case statusCode >= 400:
			m.logger.WarnContext(ctx, "client error", fields...)
		default:
			m.logger.InfoContext(ctx, "request completed", fields...)
		}
	}
}

func (m *MiddlewareManager) CORS() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Authorization, X-Trace-ID")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")
		c.Writer.Header().Set("Access-Control-Expose-Headers", TraceHeader)

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

func (m *MiddlewareManager) Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				m.logger.ErrorContext(c.Request.Context(), "panic recovered",
					zap.Any("error", err),
					zap.String("path", c.Request.URL.Path),
					zap.String("method", c.Request.Method),
				)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error": "internal server error",
				})
			}
		}()

		c.Next()
	}
}
