package health

import (
	"sort"
	"sync"
	"time"

	"github.com/tabrelay/agent/internal/logging"
)

var log = logging.L("health")

// Component names reported by the agent.
const (
	ComponentSocket   = "socket"
	ComponentRecorder = "recorder"
	ComponentListener = "listener"
	ComponentArchive  = "archive"
)

// Status represents the health status of a component.
type Status string

const (
	Healthy   Status = "healthy"
	Degraded  Status = "degraded"
	Unhealthy Status = "unhealthy"
	Unknown   Status = "unknown"
)

// IsValid reports whether s is one of the known statuses.
func (s Status) IsValid() bool {
	switch s {
	case Healthy, Degraded, Unhealthy, Unknown:
		return true
	}
	return false
}

// Check stores the latest health result for a named component.
type Check struct {
	Name      string    `json:"name"`
	Status    Status    `json:"status"`
	Message   string    `json:"message,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Report is the JSON shape served by the control API.
type Report struct {
	Status Status  `json:"status"`
	Checks []Check `json:"checks"`
}

// Monitor tracks health checks for multiple components.
type Monitor struct {
	mu     sync.RWMutex
	checks map[string]Check
}

func NewMonitor() *Monitor {
	return &Monitor{checks: make(map[string]Check)}
}

// Update records the status for a named component. Invalid statuses are
// stored as Unhealthy. Only transitions are logged.
func (m *Monitor) Update(name string, status Status, message string) {
	if !status.IsValid() {
		status = Unhealthy
	}

	m.mu.Lock()
	prev, existed := m.checks[name]
	m.checks[name] = Check{
		Name:      name,
		Status:    status,
		Message:   message,
		UpdatedAt: time.Now(),
	}
	m.mu.Unlock()

	if existed && prev.Status == status {
		return
	}
	if status == Healthy {
		log.Info("component healthy", "name", name)
	} else {
		log.Warn("component not healthy", "name", name, "status", string(status), "message", message)
	}
}

func (m *Monitor) Get(name string) (Check, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.checks[name]
	return c, ok
}

func (m *Monitor) overallLocked() Status {
	if len(m.checks) == 0 {
		return Unknown
	}
	worst := Healthy
	for _, c := range m.checks {
		if statusRank(c.Status) > statusRank(worst) {
			worst = c.Status
		}
	}
	return worst
}

func (m *Monitor) allLocked() []Check {
	result := make([]Check, 0, len(m.checks))
	for _, c := range m.checks {
		result = append(result, c)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

// Report returns the worst status, Unknown when nothing has reported, and
// the checks sorted by name, from one snapshot.
func (m *Monitor) Report() Report {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Report{Status: m.overallLocked(), Checks: m.allLocked()}
}

func statusRank(s Status) int {
	switch s {
	case Healthy:
		return 0
	case Degraded:
		return 1
	case Unhealthy:
		return 2
	case Unknown:
		return 3
	default:
		return 0
	}
}
