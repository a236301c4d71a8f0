package metrics

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Component names reported by the engine
const (
	ComponentStore     = "store"
	ComponentScheduler = "scheduler"
	ComponentAPI       = "api"
	ComponentGRPC      = "grpc"
	ComponentDispatch  = "dispatch"
)

// Values of HealthStatus.Status.
const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
	StatusReady     = "ready"
	StatusNotReady  = "not_ready"
	StatusAlive     = "alive"
)

// HealthStatus is the body served by /health and /ready.
type HealthStatus struct {
	Status     string            `json:"status"`
	Timestamp  time.Time         `json:"timestamp"`
	Components map[string]string `json:"components,omitempty"`
	Message    string            `json:"message,omitempty"`
	Version    string            `json:"version,omitempty"`
	Uptime     string            `json:"uptime,omitempty"`
	StartTime  time.Time         `json:"-"`
}

// ComponentHealth is the last state a component reported.
type ComponentHealth struct {
	Name    string
	Healthy bool
	Message string
	Updated time.Time
}

// HealthChecker holds the component states of one process. The package
// keeps a single instance behind the functions below.
type HealthChecker struct {
	mu         sync.RWMutex
	components map[string]ComponentHealth
	critical   []string
	startTime  time.Time
	version    string
}

var healthChecker = newHealthChecker()

func newHealthChecker() *HealthChecker {
	return &HealthChecker{
		components: make(map[string]ComponentHealth),
		critical:   []string{ComponentStore, ComponentScheduler, ComponentAPI},
		startTime:  time.Now(),
	}
}

// SetCriticalComponents replaces the components /ready waits for.
func SetCriticalComponents(names ...string) {
	healthChecker.mu.Lock()
	healthChecker.critical = append([]string(nil), names...)
	healthChecker.mu.Unlock()
}

// SetVersion sets the build version echoed in health responses.
func SetVersion(version string) {
	healthChecker.mu.Lock()
	healthChecker.version = version
	healthChecker.mu.Unlock()
}

// RegisterComponent records the state of a component, replacing any
// earlier report under the same name.
func RegisterComponent(name string, healthy bool, message string) {
	healthChecker.mu.Lock()
	healthChecker.components[name] = ComponentHealth{
		Name:    name,
		Healthy: healthy,
		Message: message,
		Updated: time.Now(),
	}
	healthChecker.mu.Unlock()
}

// UpdateComponent is RegisterComponent under the name callers use once
// a component is already known.
func UpdateComponent(name string, healthy bool, message string) {
	RegisterComponent(name, healthy, message)
}

// GetHealth reports unhealthy as soon as any registered component is.
func GetHealth() HealthStatus {
	healthChecker.mu.RLock()
	defer healthChecker.mu.RUnlock()

	out := healthChecker.status(StatusHealthy)
	for name, c := range healthChecker.components {
		if c.Healthy {
			out.Components[name] = StatusHealthy
			continue
		}
		out.Status = StatusUnhealthy
		out.Components[name] = StatusUnhealthy + ": " + c.Message
	}
	return out
}

// GetReadiness reports ready once every critical component has
// registered healthy. Message names the first one still missing.
func GetReadiness() HealthStatus {
	healthChecker.mu.RLock()
	defer healthChecker.mu.RUnlock()

	out := healthChecker.status(StatusReady)
	var waiting []string
	for _, name := range healthChecker.critical {
		c, ok := healthChecker.components[name]
		switch {
		case !ok:
			out.Components[name] = "not registered"
			waiting = append(waiting, name)
		case !c.Healthy:
			out.Components[name] = "not ready: " + c.Message
			waiting = append(waiting, name)
		default:
			out.Components[name] = StatusReady
		}
	}
	if len(waiting) > 0 {
		sort.Strings(waiting)
		out.Status = StatusNotReady
		out.Message = "waiting for " + waiting[0]
	}
	return out
}

// status must be called with mu held.
func (h *HealthChecker) status(initial string) HealthStatus {
	return HealthStatus{
		Status:     initial,
		Timestamp:  time.Now(),
		Components: make(map[string]string),
		Version:    h.version,
		Uptime:     time.Since(h.startTime).Round(time.Second).String(),
		StartTime:  h.startTime,
	}
}

// HealthHandler serves GetHealth, with 503 while anything is unhealthy.
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h := GetHealth()
		writeStatus(w, h.Status == StatusHealthy, h)
	}
}

// ReadyHandler serves GetReadiness, with 503 until the engine is ready.
func ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h := GetReadiness()
		writeStatus(w, h.Status == StatusReady, h)
	}
}

// LivenessHandler answers 200 for as long as the process serves HTTP.
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		healthChecker.mu.RLock()
		started := healthChecker.startTime
		healthChecker.mu.RUnlock()

		writeStatus(w, true, map[string]string{
			"status": StatusAlive,
			"uptime": time.Since(started).Round(time.Second).String(),
		})
	}
}

func writeStatus(w http.ResponseWriter, ok bool, body any) {
	w.Header().Set("Content-Type", "application/json")
	if ok {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(body)
}
