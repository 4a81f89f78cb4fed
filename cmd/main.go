package main

import (
  "context"
  "fmt"
  "os"

  "github.com/redis/go-redis/v9"

  "github.com/caowijzer/caowijzer-backend/internal/db"
  "github.com/caowijzer/caowijzer-backend/internal/graphdb"
  "github.com/caowijzer/caowijzer-backend/internal/handlers"
  "github.com/caowijzer/caowijzer-backend/internal/logger"
  "github.com/caowijzer/caowijzer-backend/internal/middleware"
  "github.com/caowijzer/caowijzer-backend/internal/observability"
  "github.com/caowijzer/caowijzer-backend/internal/repos"
  "github.com/caowijzer/caowijzer-backend/internal/server"
  "github.com/caowijzer/caowijzer-backend/internal/services"
  "github.com/caowijzer/caowijzer-backend/internal/utils"
)

func main() {
  // Logger
  logMode := os.Getenv("LOG_MODE")
  if logMode == "" {
    logMode = "development"
  }
  log, err := logger.New(logMode)
  if err != nil {
    fmt.Printf("Failed to init logger: %v\n", err)
    os.Exit(1)
  }
  defer log.Sync()

  ctx := context.Background()

  // Tracing
  shutdownTracing := observability.InitOTel(ctx, log, observability.OtelConfig{
    ServiceName: "caowijzer",
    Environment: utils.GetEnv("APP_ENV", "development", log),
    Version:     utils.GetEnv("APP_VERSION", "dev", log),
  })
  if shutdownTracing != nil {
    defer func() { _ = shutdownTracing(ctx) }()
  }

  // Postgres
  postgresService, err := db.NewPostgresService(log)
  if err != nil {
    log.Error("Postgres init failed", "error", err)
    os.Exit(1)
  }
  if err = postgresService.AutoMigrateAll(); err != nil {
    log.Error("Postgres auto migration failed", "error", err)
    os.Exit(1)
  }
  thePG := postgresService.DB()

  // Neo4j (optional; pipeline degrades to relational-only ingestion)
  graphClient, err := graphdb.NewFromEnv(log)
  if err != nil {
    log.Warn("Neo4j init failed; continuing without graph store", "error", err)
    graphClient = nil
  }
  if graphClient != nil {
    defer graphClient.Close(ctx)
  }

  // Redis (optional; query embedding cache)
  var cache *redis.Client
  if addr := os.Getenv("REDIS_ADDR"); addr != "" {
    cache = redis.NewClient(&redis.Options{
      Addr:     addr,
      Password: os.Getenv("REDIS_PASSWORD"),
      DB:       utils.GetEnvAsInt("REDIS_DB", 0, log),
    })
    if err := cache.Ping(ctx).Err(); err != nil {
      log.Warn("Redis ping failed; continuing without query cache", "error", err)
      cache = nil
    }
  }

  // Repos
  log.Info("Setting up Repos from main...")
  documentRepo := repos.NewDocumentRepo(thePG, log)
  documentChunkRepo := repos.NewDocumentChunkRepo(thePG, log)
  ingestionRunRepo := repos.NewIngestionRunRepo(thePG, log)

  // Services
  log.Info("Setting up Services from main...")
  aiClient, err := services.NewAIClient(log)
  if err != nil {
    log.Error("Could not init AIClient", "error", err)
    os.Exit(1)
  }
  extractorService := services.NewStructureExtractorService(log, aiClient)
  graphBuilderService := services.NewGraphBuilderService(log, graphClient)
  pipelineService := services.NewIngestionPipelineService(
    thePG,
    log,
    documentRepo,
    documentChunkRepo,
    ingestionRunRepo,
    extractorService,
    graphBuilderService,
    aiClient,
  )
  pipelineService.StartWorker(ctx)
  documentService := services.NewDocumentService(thePG, log, documentRepo, ingestionRunRepo, pipelineService)
  retrieverService := services.NewRetrieverService(log, aiClient, documentRepo, documentChunkRepo, cache)

  // Handlers
  log.Info("Setting up handlers from main...")
  documentHandler := handlers.NewDocumentHandler(log, documentService)
  queryHandler := handlers.NewQueryHandler(log, retrieverService)

  // Middleware
  authMiddleware := middleware.NewAuthMiddleware(log)

  // Router
  log.Info("Setting up router from main...")
  router := server.NewRouter(server.RouterConfig{
    DB:              thePG,
    Graph:           graphClient,
    AuthMiddleware:  authMiddleware,
    DocumentHandler: documentHandler,
    QueryHandler:    queryHandler,
  })

  port := utils.GetEnv("PORT", "8080", log)
  fmt.Printf("Server listening on :%s\n", port)
  if err := router.Run(":" + port); err != nil {
    log.Error("Server failed", "error", err)
  }
}
