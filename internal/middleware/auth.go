package middleware

import (
  "fmt"
  "net/http"
  "os"
  "strings"

  "github.com/gin-gonic/gin"
  "github.com/golang-jwt/jwt/v5"

  "github.com/caowijzer/caowijzer-backend/internal/logger"
)

type AuthMiddleware struct {
  log    *logger.Logger
  secret []byte
}

// NewAuthMiddleware reads API_JWT_SECRET. An empty secret disables
// authentication; that is the local development mode, not a production
// configuration.
func NewAuthMiddleware(baseLog *logger.Logger) *AuthMiddleware {
  log := baseLog.With("middleware", "AuthMiddleware")
  secret := strings.TrimSpace(os.Getenv("API_JWT_SECRET"))
  if secret == "" {
    log.Warn("API_JWT_SECRET not set; API authentication is disabled")
  }
  return &AuthMiddleware{log: log, secret: []byte(secret)}
}

func (am *AuthMiddleware) RequireAuth() gin.HandlerFunc {
  return func(c *gin.Context) {
    if len(am.secret) == 0 {
      c.Next()
      return
    }
    tokenString := extractBearerToken(c)
    if tokenString == "" {
      c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing or invalid token"})
      return
    }
    _, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
      if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
        return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
      }
      return am.secret, nil
    }, jwt.WithValidMethods([]string{"HS256"}))
    if err != nil {
      am.log.Debug("Token rejected", "error", err)
      c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
      return
    }
    c.Next()
  }
}

func extractBearerToken(c *gin.Context) string {
  authHeader := c.GetHeader("Authorization")
  if len(authHeader) > 7 && strings.EqualFold(authHeader[:7], "Bearer ") {
    return authHeader[7:]
  }
  return c.Query("token")
}
