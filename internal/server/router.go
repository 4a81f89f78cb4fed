package server

import (
  "os"
  "strings"

  "github.com/gin-contrib/cors"
  "github.com/gin-gonic/gin"
  "go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
  "gorm.io/gorm"

  "github.com/caowijzer/caowijzer-backend/internal/graphdb"
  "github.com/caowijzer/caowijzer-backend/internal/handlers"
  "github.com/caowijzer/caowijzer-backend/internal/middleware"
)

type RouterConfig struct {
  DB              *gorm.DB
  Graph           *graphdb.Client
  AuthMiddleware  *middleware.AuthMiddleware
  DocumentHandler *handlers.DocumentHandler
  QueryHandler    *handlers.QueryHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
  router := gin.Default()
  router.Use(otelgin.Middleware("caowijzer"))

  router.Use(cors.New(cors.Config{
    AllowOrigins:     corsOrigins(),
    AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
    AllowHeaders:     []string{"Authorization", "Content-Type", "X-Requested-With"},
    AllowCredentials: true,
  }))

  // Public
  router.GET("/healthcheck", handlers.HealthCheck)
  router.GET("/readiness", handlers.Readiness(cfg.DB, cfg.Graph))

  // API (auth optional, see AuthMiddleware)
  api := router.Group("/api")
  api.Use(cfg.AuthMiddleware.RequireAuth())
  {
    api.POST("/documents", cfg.DocumentHandler.Upload)
    api.GET("/documents", cfg.DocumentHandler.List)
    api.GET("/documents/:id", cfg.DocumentHandler.Get)
    api.GET("/documents/:id/status", cfg.DocumentHandler.Status)
    api.POST("/documents/:id/reprocess", cfg.DocumentHandler.Reprocess)

    api.POST("/query", cfg.QueryHandler.Ask)
  }

  return router
}

func corsOrigins() []string {
  raw := strings.TrimSpace(os.Getenv("CORS_ALLOW_ORIGINS"))
  if raw == "" {
    return []string{"http://localhost:80", "http://localhost:3000", "http://localhost:5174"}
  }
  parts := strings.Split(raw, ",")
  out := make([]string, 0, len(parts))
  for _, p := range parts {
    if p = strings.TrimSpace(p); p != "" {
      out = append(out, p)
    }
  }
  return out
}
