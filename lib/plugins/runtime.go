// SSHLog
// Copyright (C) 2024 Open Kilt LLC
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

package plugins

import (
	"github.com/gravitational/trace"

	"github.com/openkilt/sshlog/lib/defaults"
	"github.com/openkilt/sshlog/lib/eventbus"
	"github.com/openkilt/sshlog/lib/events"
)

// ManagerConfig configures the plugin runtime.
type ManagerConfig struct {
	// ConfigFiles are the yaml files to merge, in order.
	ConfigFiles []string
	// Registry resolves plugin names. Defaults to the built-ins.
	Registry *Registry
	// Bus is the event bus rules subscribe to.
	Bus *eventbus.Bus
	// PoolSize bounds concurrent action execution. Defaults to
	// CPU count x 16.
	PoolSize int
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *ManagerConfig) CheckAndSetDefaults() error {
	if c.Bus == nil {
		return trace.BadParameter("missing Bus")
	}
	if c.Registry == nil {
		c.Registry = DefaultRegistry()
	}
	if c.PoolSize <= 0 {
		c.PoolSize = defaults.ActionPoolSize()
	}
	return nil
}

// Manager loads the declarative configuration, validates it, and runs one
// event subscription per rule. All validation problems are surfaced
// before anything subscribes; a manager with validation errors must not
// be started.
type Manager struct {
	cfg    ManagerConfig
	config *Config
	pool   *workerPool

	validationErrors []string
	subscriptions    []*eventSubscription
}

// NewManager loads and validates the configuration. Validation problems
// do not fail construction; the caller inspects ValidationErrors and
// refuses to start the daemon when any exist.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	config, problems := LoadConfig(cfg.ConfigFiles)
	problems = append(problems, config.Validate(cfg.Registry)...)
	return &Manager{
		cfg:              cfg,
		config:           config,
		validationErrors: problems,
	}, nil
}

// ValidationErrors returns every configuration problem found during load.
func (m *Manager) ValidationErrors() []string {
	return m.validationErrors
}

// Start instantiates filters and actions for every rule and subscribes
// the rules to the bus.
func (m *Manager) Start() error {
	if len(m.validationErrors) != 0 {
		return trace.BadParameter("plugin configuration has %v validation errors", len(m.validationErrors))
	}
	m.pool = newWorkerPool(m.cfg.PoolSize)

	for _, rule := range m.config.Events {
		log.Info("Initializing event rule.", "event", rule.Name)

		var filters []Filter
		for filterName, filterArg := range rule.Filters {
			filter, err := m.cfg.Registry.NewFilter(filterName+filterSuffix, filterArg)
			if err != nil {
				return trace.Wrap(err)
			}
			filters = append(filters, filter)
		}

		var actions []Action
		for _, ref := range rule.Actions {
			spec, err := m.config.resolveAction(ref)
			if err != nil {
				return trace.Wrap(err)
			}
			action, err := m.cfg.Registry.NewAction(spec.Plugin, spec.Name, spec.Params)
			if err != nil {
				return trace.Wrap(err)
			}
			actions = append(actions, action)
		}

		sub := &eventSubscription{
			name:     rule.Name,
			triggers: rule.Triggers,
			filters:  filters,
			actions:  actions,
			pool:     m.pool,
		}
		m.cfg.Bus.Subscribe(sub, rule.Triggers...)
		m.subscriptions = append(m.subscriptions, sub)
	}
	return nil
}

// Shutdown unsubscribes every rule, stops the pool, and releases action
// resources.
func (m *Manager) Shutdown() {
	for _, sub := range m.subscriptions {
		log.Info("Shutting down event rule.", "event", sub.name)
		m.cfg.Bus.Unsubscribe(sub, sub.triggers...)
	}
	if m.pool != nil {
		m.pool.Shutdown()
	}
	for _, sub := range m.subscriptions {
		for _, action := range sub.actions {
			action.Shutdown()
		}
	}
	m.subscriptions = nil
}

// eventSubscription is one live rule: it receives bus events for its
// triggers, gates them through its filters, and submits its actions to
// the shared pool.
type eventSubscription struct {
	name     string
	triggers []events.Kind
	filters  []Filter
	actions  []Action
	pool     *workerPool
}

// HandleEvent implements eventbus.Subscriber.
func (s *eventSubscription) HandleEvent(evt events.Event) {
	for _, filter := range s.filters {
		// Filters only judge kinds they advertise.
		if !kindsOverlap(filter.Triggers(), []events.Kind{evt.Type}) {
			continue
		}
		pass, err := filter.Evaluate(evt)
		if err != nil {
			log.Warn("Filter failed, dropping event.",
				"event", s.name, "error", err)
			return
		}
		if !pass {
			log.Debug("Event dropped by filter.", "event", s.name)
			return
		}
	}

	for _, action := range s.actions {
		action := action
		s.pool.Submit(func() {
			if err := action.Execute(evt); err != nil {
				log.Warn("Action failed.",
					"event", s.name, "action", action.Name(), "error", err)
			}
		})
	}
}
