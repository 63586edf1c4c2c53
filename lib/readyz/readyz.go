// Tilegate
// Copyright (C) 2025 Geocline, Inc.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package readyz tracks the state of tilegate's long lived components and
// turns it into a readiness verdict. Components report through Reporter
// handles; the HTTP layer asks the Registry for the verdict.
package readyz

import (
	"fmt"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/geocline/tilegate/lib/metrics"
)

// State describes one component.
type State byte

// Note: these consts are not using iota because they get exposed via a
// Prometheus metric. Using iota makes it possible to accidentally change
// the values.
const (
	// StateHealthy means the component is operating normally.
	StateHealthy = State(0)
	// StateDegraded means the component is failing and needs attention.
	StateDegraded = State(2)
	// StateInitializing means the component has not finished its first
	// successful round yet.
	StateInitializing = State(3)
	// StateDisabled means the component is configured off and must not
	// influence readiness.
	StateDisabled = State(4)
)

// String returns the lowercase name of the state.
func (s State) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateDegraded:
		return "degraded"
	case StateInitializing:
		return "initializing"
	case StateDisabled:
		return "disabled"
	default:
		return fmt.Sprintf("unknown(%d)", byte(s))
	}
}

// Component names tracked by the registry.
const (
	// ComponentStorageAuth is the storage identity.
	ComponentStorageAuth = "storage_oauth"
	// ComponentDatabaseAuth is the database identity.
	ComponentDatabaseAuth = "postgres_oauth"
	// ComponentPools is the connection pool pair.
	ComponentPools = "postgres"
	// ComponentCatalog is the vector collection catalog.
	ComponentCatalog = "vector_catalog"
	// ComponentRefresher is the background refresh loop.
	ComponentRefresher = "refresher"
)

var componentState = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "tilegate_component_state",
		Help: fmt.Sprintf("State of a tilegate component: %d - healthy, %d - degraded, %d - initializing, %d - disabled",
			StateHealthy, StateDegraded, StateInitializing, StateDisabled),
	},
	[]string{"component"},
)

type componentStatus struct {
	state     State
	reason    string
	err       string
	updatedAt time.Time
	lastOKAt  time.Time
}

// Registry tracks component states. All methods are safe for concurrent
// use.
type Registry struct {
	clock clockwork.Clock

	mu         sync.Mutex
	components map[string]*componentStatus
	// order preserves registration order so readiness issues come out
	// deterministically.
	order []string
}

// NewRegistry creates an empty registry.
func NewRegistry(clock clockwork.Clock) (*Registry, error) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if err := metrics.RegisterCollectors(componentState); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Registry{
		clock:      clock,
		components: make(map[string]*componentStatus),
	}, nil
}

// Reporter registers a component in the starting state and returns its
// reporting handle. Registering the same component twice returns a handle
// to the same slot.
func (r *Registry) Reporter(component string) *Reporter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.components[component]; !ok {
		r.components[component] = &componentStatus{
			state:     StateInitializing,
			updatedAt: r.clock.Now(),
		}
		r.order = append(r.order, component)
		componentState.WithLabelValues(component).Set(float64(StateInitializing))
	}
	return &Reporter{registry: r, component: component}
}

func (r *Registry) update(component string, fn func(*componentStatus)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.components[component]
	if !ok {
		return
	}
	fn(s)
	s.updatedAt = r.clock.Now()
	componentState.WithLabelValues(component).Set(float64(s.state))
}

// Reporter is one component's handle into the registry.
type Reporter struct {
	registry  *Registry
	component string
}

// Starting marks the component as not yet ready, with a short
// machine-readable reason such as "no_token".
func (rep *Reporter) Starting(reason string) {
	rep.registry.update(rep.component, func(s *componentStatus) {
		s.state = StateInitializing
		s.reason = reason
		s.err = ""
	})
}

// OK marks the component healthy.
func (rep *Reporter) OK() {
	rep.registry.update(rep.component, func(s *componentStatus) {
		s.state = StateHealthy
		s.reason = ""
		s.err = ""
		s.lastOKAt = rep.registry.clock.Now()
	})
}

// Degraded marks the component as failing.
func (rep *Reporter) Degraded(reason string, err error) {
	rep.registry.update(rep.component, func(s *componentStatus) {
		s.state = StateDegraded
		s.reason = reason
		if err != nil {
			s.err = err.Error()
		}
	})
}

// Disabled marks the component as configured off.
func (rep *Reporter) Disabled(reason string) {
	rep.registry.update(rep.component, func(s *componentStatus) {
		s.state = StateDisabled
		s.reason = reason
		s.err = ""
	})
}

// ComponentStatus is the reported state of one component.
type ComponentStatus struct {
	State         string    `json:"state"`
	Reason        string    `json:"reason,omitempty"`
	LastError     string    `json:"last_error,omitempty"`
	UpdatedAt     time.Time `json:"updated_at,omitzero"`
	LastSuccessAt time.Time `json:"last_success_at,omitzero"`
}

// Snapshot returns the state of every registered component.
func (r *Registry) Snapshot() map[string]ComponentStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]ComponentStatus, len(r.components))
	for name, s := range r.components {
		out[name] = ComponentStatus{
			State:         s.state.String(),
			Reason:        s.reason,
			LastError:     s.err,
			UpdatedAt:     s.updatedAt,
			LastSuccessAt: s.lastOKAt,
		}
	}
	return out
}

// OverallState folds the component states into one process state.
// Degraded wins over initializing, initializing over healthy. Disabled
// components are ignored.
func (r *Registry) OverallState() State {
	r.mu.Lock()
	defer r.mu.Unlock()

	state := StateHealthy
	for _, s := range r.components {
		switch s.state {
		case StateDegraded:
			return StateDegraded
		case StateInitializing:
			state = StateInitializing
		}
	}
	return state
}

// Readiness is the verdict served by the readiness endpoint.
type Readiness struct {
	Ready  bool     `json:"ready"`
	Issues []string `json:"issues,omitempty"`
}

// Evaluate applies the readiness policy. The storage identity always
// gates readiness unless disabled. The database identity and the pools
// gate readiness only when requireDB is set; catalog and refresher are
// informational and never block. Issues are "component:reason" strings in
// registration order.
func (r *Registry) Evaluate(requireDB bool) Readiness {
	r.mu.Lock()
	defer r.mu.Unlock()

	gating := map[string]bool{
		ComponentStorageAuth:  true,
		ComponentDatabaseAuth: requireDB,
		ComponentPools:        requireDB,
	}

	out := Readiness{Ready: true}
	for _, name := range r.order {
		if !gating[name] {
			continue
		}
		s := r.components[name]
		if s.state == StateHealthy || s.state == StateDisabled {
			continue
		}
		out.Ready = false
		reason := s.reason
		if reason == "" {
			reason = s.state.String()
		}
		out.Issues = append(out.Issues, name+":"+reason)
	}
	return out
}
