// Package health tracks per-component health and serves an aggregate
// readiness report.
package health

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/datakit/datacache/pkg/clock"
)

// State is the health of one component or of the whole system.
type State int

const (
	// StateHealthy indicates the component is fully operational.
	StateHealthy State = iota
	// StateDegraded indicates reduced functionality, e.g. the remote tier
	// is unreachable and reads are served locally.
	StateDegraded
	// StateUnavailable indicates the component is not operational.
	StateUnavailable
)

// String returns the state label used in reports.
func (s State) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateDegraded:
		return "degraded"
	case StateUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// MarshalJSON encodes the state as its label.
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON decodes a state label.
func (s *State) UnmarshalJSON(data []byte) error {
	var label string
	if err := json.Unmarshal(data, &label); err != nil {
		return err
	}
	switch label {
	case "healthy":
		*s = StateHealthy
	case "degraded":
		*s = StateDegraded
	default:
		*s = StateUnavailable
	}
	return nil
}

// CheckFunc inspects a component and returns its current state with an
// optional detail string.
type CheckFunc func() (State, string)

// Component is one entry in a health report.
type Component struct {
	Name    string    `json:"name"`
	State   State     `json:"state"`
	Detail  string    `json:"detail,omitempty"`
	Checked time.Time `json:"checked"`
}

// Report is the aggregate health of the system. Overall is the worst
// component state.
type Report struct {
	Overall    State       `json:"overall"`
	Components []Component `json:"components"`
}

// Tracker evaluates registered component checks on demand.
type Tracker struct {
	clk clock.Clock

	mu     sync.Mutex
	names  []string
	checks map[string]CheckFunc
}

// NewTracker creates an empty tracker.
func NewTracker(clk clock.Clock) *Tracker {
	if clk == nil {
		clk = clock.Real()
	}
	return &Tracker{clk: clk, checks: make(map[string]CheckFunc)}
}

// Register adds or replaces the check for a named component. Registration
// order is preserved in reports.
func (t *Tracker) Register(name string, check CheckFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.checks[name]; !ok {
		t.names = append(t.names, name)
	}
	t.checks[name] = check
}

// Report runs every registered check and aggregates the results.
func (t *Tracker) Report() Report {
	t.mu.Lock()
	names := make([]string, len(t.names))
	copy(names, t.names)
	checks := make(map[string]CheckFunc, len(t.checks))
	for name, check := range t.checks {
		checks[name] = check
	}
	t.mu.Unlock()

	report := Report{Overall: StateHealthy}
	for _, name := range names {
		state, detail := checks[name]()
		report.Components = append(report.Components, Component{
			Name:    name,
			State:   state,
			Detail:  detail,
			Checked: t.clk.Now(),
		})
		if state > report.Overall {
			report.Overall = state
		}
	}
	return report
}

// Handler serves the report as JSON. Degraded systems answer 200; an
// unavailable system answers 503.
func (t *Tracker) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		report := t.Report()

		w.Header().Set("Content-Type", "application/json")
		if report.Overall == StateUnavailable {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(report)
	})
}
