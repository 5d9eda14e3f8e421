package api

import (
	"net/http"
	"time"

	"github.com/malwarebo/courier/db"
	"github.com/malwarebo/courier/monitoring"
	"gorm.io/gorm"
)

type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Uptime    string    `json:"uptime"`
	Database  string    `json:"database"`
}

var startTime = time.Now()

type HealthHandler struct {
	database *gorm.DB
	metrics  *monitoring.MetricsCollector
}

func CreateHealthHandler(database *gorm.DB, metrics *monitoring.MetricsCollector) *HealthHandler {
	return &HealthHandler{
		database: database,
		metrics:  metrics,
	}
}

func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	response := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Uptime:    time.Since(startTime).String(),
		Database:  "up",
	}

	status := http.StatusOK
	if err := db.Ping(r.Context(), h.database); err != nil {
		response.Status = "degraded"
		response.Database = "down"
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, response)
}

func (h *HealthHandler) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.metrics.Snapshot())
}
