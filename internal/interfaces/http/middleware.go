package http

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/garyjia/trip-allowance/internal/application/port"
	"github.com/garyjia/trip-allowance/internal/infrastructure/auth"
	"github.com/garyjia/trip-allowance/pkg/utils"
)

// HeaderRequestID carries the request correlation ID
const HeaderRequestID = "X-Request-ID"

const ctxKeyRequestID = "request_id"

// requestIDMiddleware reuses an incoming X-Request-ID or assigns a new one
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(HeaderRequestID))
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		c.Set(ctxKeyRequestID, id)
		c.Writer.Header().Set(HeaderRequestID, id)
		c.Next()
	}
}

// loggingMiddleware creates a logging middleware
func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		method := c.Request.Method

		// Process request
		c.Next()

		status := c.Writer.Status()
		fields := []interface{}{
			"method", method,
			"path", path,
			"status", status,
			"latency", time.Since(start).String(),
			"client_ip", c.ClientIP(),
			"request_id", c.GetString(ctxKeyRequestID),
		}
		if user, ok := auth.UserFromContext(c.Request.Context()); ok {
			fields = append(fields, "user_id", user.UserID)
		}

		if status >= http.StatusInternalServerError {
			s.logger.Error("HTTP request", fields...)
			return
		}
		s.logger.Info("HTTP request", fields...)
	}
}

// corsMiddleware allows browser clients from the configured origins
func corsMiddleware(origins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization", HeaderRequestID},
		ExposeHeaders: []string{HeaderRequestID, "Content-Disposition"},
		MaxAge:        12 * time.Hour,
	}

	allowAll := len(origins) == 0
	for _, o := range origins {
		if o == "*" {
			allowAll = true
		}
	}
	if allowAll {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
		cfg.AllowCredentials = true
	}

	return cors.New(cfg)
}

// authMiddleware resolves the bearer token into the request's user
func authMiddleware(identity port.IdentityProvider, logger Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, Response{
				Success: false,
				Error:   "missing bearer token",
			})
			return
		}

		user, err := identity.Authenticate(c.Request.Context(), strings.TrimSpace(token))
		if err != nil {
			logger.Warn("Rejected bearer token", "path", c.Request.URL.Path, "error", err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, Response{
				Success: false,
				Error:   "invalid bearer token",
			})
			return
		}

		c.Request = c.Request.WithContext(auth.WithUser(c.Request.Context(), user))
		c.Next()
	}
}

// tripIDMiddleware rejects trip IDs that cannot name a stored document
func tripIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := utils.ValidateDocumentID(c.Param("id")); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, Response{Success: false, Error: err.Error()})
			return
		}
		c.Next()
	}
}

// currentUser returns the authenticated user attached by authMiddleware
func currentUser(c *gin.Context) port.AuthContext {
	user, _ := auth.UserFromContext(c.Request.Context())
	return user
}
