package handlers

import (
  "net/http"

  "github.com/gin-gonic/gin"
  "gorm.io/gorm"

  "github.com/caowijzer/caowijzer-backend/internal/graphdb"
)

func HealthCheck(c *gin.Context) {
  c.String(http.StatusOK, "ok")
}

// Readiness reports per-dependency health; the graph store is optional and
// reported as "disabled" rather than failing readiness when unconfigured.
func Readiness(db *gorm.DB, graph *graphdb.Client) gin.HandlerFunc {
  return func(c *gin.Context) {
    status := http.StatusOK
    deps := gin.H{}

    sqlDB, err := db.DB()
    if err != nil || sqlDB.PingContext(c.Request.Context()) != nil {
      deps["postgres"] = "down"
      status = http.StatusServiceUnavailable
    } else {
      deps["postgres"] = "up"
    }

    if graph == nil || graph.Driver == nil {
      deps["neo4j"] = "disabled"
    } else if err := graph.Driver.VerifyConnectivity(c.Request.Context()); err != nil {
      deps["neo4j"] = "down"
      status = http.StatusServiceUnavailable
    } else {
      deps["neo4j"] = "up"
    }

    c.JSON(status, gin.H{"status": http.StatusText(status), "dependencies": deps})
  }
}
