package heartbeat

import (
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	StateStarting = "starting"
	StateHealthy  = "healthy"
	StateDegraded = "degraded"
	StateDisabled = "disabled"
	StateStopped  = "stopped"
	StateStale    = "stale"

	OverallIdle    = "idle"
	OverallUnknown = "unknown"
)

// Reporter is implemented by the registry and handed to long-running
// components (coordinator, watcher, scheduler, http server).
type Reporter interface {
	Starting(component, message string)
	Beat(component, message string)
	Degrade(component, message string, err error)
	Disabled(component, message string)
	Stopped(component, message string)
}

type ComponentStatus struct {
	Name       string    `json:"name"`
	State      string    `json:"state"`
	Reported   string    `json:"reported_state"`
	Message    string    `json:"message,omitempty"`
	Error      string    `json:"error,omitempty"`
	LastBeatAt time.Time `json:"last_beat_at,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type Snapshot struct {
	GeneratedAt time.Time         `json:"generated_at"`
	Overall     string            `json:"overall"`
	Components  []ComponentStatus `json:"components"`
}

// Component returns the named component status from the snapshot.
func (s Snapshot) Component(name string) (ComponentStatus, bool) {
	name = normalizeName(name)
	for _, item := range s.Components {
		if item.Name == name {
			return item, true
		}
	}
	return ComponentStatus{}, false
}

type Registry struct {
	mu         sync.RWMutex
	components map[string]ComponentStatus
	now        func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		components: map[string]ComponentStatus{},
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (r *Registry) Starting(component, message string) {
	r.report(component, StateStarting, message, nil, false)
}

func (r *Registry) Beat(component, message string) {
	r.report(component, StateHealthy, message, nil, true)
}

func (r *Registry) Degrade(component, message string, err error) {
	r.report(component, StateDegraded, message, err, false)
}

func (r *Registry) Disabled(component, message string) {
	r.report(component, StateDisabled, message, nil, false)
}

func (r *Registry) Stopped(component, message string) {
	r.report(component, StateStopped, message, nil, false)
}

func (r *Registry) report(component, state, message string, err error, beat bool) {
	name := normalizeName(component)
	if name == "" {
		return
	}
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	status := r.components[name]
	status.Name = name
	status.Reported = state
	status.Message = strings.TrimSpace(message)
	status.Error = ""
	if err != nil {
		status.Error = strings.TrimSpace(err.Error())
	}
	status.UpdatedAt = now
	if beat || status.LastBeatAt.IsZero() {
		status.LastBeatAt = now
	}
	r.components[name] = status
}

// Snapshot reports every component. Healthy or starting components that
// have not beaten within staleAfter are reported as stale; zero disables
// staleness.
func (r *Registry) Snapshot(staleAfter time.Duration) Snapshot {
	now := r.now()
	r.mu.RLock()
	items := make([]ComponentStatus, 0, len(r.components))
	for _, status := range r.components {
		status.State = status.Reported
		live := status.Reported == StateHealthy || status.Reported == StateStarting
		if staleAfter > 0 && live && now.Sub(status.LastBeatAt) > staleAfter {
			status.State = StateStale
		}
		items = append(items, status)
	}
	r.mu.RUnlock()

	sort.Slice(items, func(i, j int) bool { return items[i].Name < items[j].Name })
	return Snapshot{GeneratedAt: now, Overall: overall(items), Components: items}
}

func IsDegradedState(state string) bool {
	return state == StateDegraded || state == StateStale
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// overall is degraded if anything is degraded, starting while anything is
// still starting, healthy when something runs, idle otherwise.
func overall(items []ComponentStatus) string {
	if len(items) == 0 {
		return OverallUnknown
	}
	counts := map[string]int{}
	for _, item := range items {
		counts[item.State]++
	}
	switch {
	case counts[StateDegraded] > 0 || counts[StateStale] > 0:
		return StateDegraded
	case counts[StateStarting] > 0:
		return StateStarting
	case counts[StateHealthy] > 0:
		return StateHealthy
	}
	return OverallIdle
}
