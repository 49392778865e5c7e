package health

import (
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/nexus-edge/alink-device/pkg/logging"
	"github.com/rs/zerolog"
)

// Probe reports whether a dependency is currently reachable.
type Probe interface {
	IsConnected() bool
}

// Checker provides health check endpoints. The cloud link gates readiness;
// the field bus only degrades overall health since it reconnects on demand.
type Checker struct {
	link     Probe
	fieldBus Probe
	logger   zerolog.Logger
}

// NewChecker creates a new health checker. fieldBus may be nil when no
// tags are configured.
func NewChecker(link Probe, fieldBus Probe, logger zerolog.Logger) *Checker {
	return &Checker{
		link:     link,
		fieldBus: fieldBus,
		logger:   logging.WithComponent(logger, "health-checker"),
	}
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status     string            `json:"status"`
	Timestamp  string            `json:"timestamp"`
	Components map[string]string `json:"components"`
}

func componentStatus(ok bool) string {
	if ok {
		return "healthy"
	}
	return "unhealthy"
}

// HealthHandler returns the overall health status
func (c *Checker) HealthHandler(w http.ResponseWriter, r *http.Request) {
	linkUp := c.link.IsConnected()
	components := map[string]string{
		"mqtt": componentStatus(linkUp),
	}

	overallStatus := "healthy"
	if !linkUp {
		overallStatus = "unhealthy"
	}
	if c.fieldBus != nil {
		busUp := c.fieldBus.IsConnected()
		components["modbus"] = componentStatus(busUp)
		if !busUp && overallStatus == "healthy" {
			overallStatus = "degraded"
		}
	}

	response := HealthResponse{
		Status:     overallStatus,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		Components: components,
	}

	status := http.StatusOK
	if overallStatus == "unhealthy" {
		status = http.StatusServiceUnavailable
	}
	c.writeJSON(w, status, response)
}

// LiveHandler returns 200 if the process is running
func (c *Checker) LiveHandler(w http.ResponseWriter, r *http.Request) {
	c.writeJSON(w, http.StatusOK, map[string]string{
		"status":    "alive",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// ReadyHandler returns 200 once the cloud link is up
func (c *Checker) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	if !c.link.IsConnected() {
		c.writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status":    "not_ready",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"mqtt":      false,
		})
		return
	}

	c.writeJSON(w, http.StatusOK, map[string]string{
		"status":    "ready",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (c *Checker) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		c.logger.Debug().Err(err).Msg("Failed to write health response")
	}
}
