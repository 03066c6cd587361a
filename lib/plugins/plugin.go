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

// Package plugins implements the declarative event/filter/action runtime.
// Event rules subscribe to the bus, gate events through filters, and fan
// actions out on a shared bounded worker pool.
package plugins

import (
	"github.com/gravitational/trace"

	"github.com/openkilt/sshlog"
	"github.com/openkilt/sshlog/lib/events"
	logutils "github.com/openkilt/sshlog/lib/utils/log"
)

var log = logutils.NewPackageLogger(sshlog.ComponentKey, sshlog.ComponentPlugins)

// Filter decides whether an event may proceed to a rule's actions.
type Filter interface {
	// Triggers returns the event kinds this filter knows how to judge.
	// A filter is only consulted for kinds it advertises.
	Triggers() []events.Kind
	// Evaluate returns false to drop the event. An error also drops it.
	Evaluate(evt events.Event) (bool, error)
}

// Action is a side effect executed when an event passes a rule's filters.
type Action interface {
	// Name is the configured action name, used in logs.
	Name() string
	// Execute performs the side effect. It runs on the shared worker
	// pool and may block on IO.
	Execute(evt events.Event) error
	// Shutdown releases action-held resources.
	Shutdown()
}

// FilterConstructor builds a filter from its single configured argument
// (string, bool, number, or list).
type FilterConstructor func(arg any) (Filter, error)

// ActionConstructor builds an action from its configured name and
// parameter bag. Templated string parameters are expanded per event at
// execution time by the action itself.
type ActionConstructor func(name string, params map[string]any) (Action, error)

// Registry maps plugin names to constructors. One registry is owned by
// the plugin manager; nothing registers globally.
type Registry struct {
	filters map[string]FilterConstructor
	actions map[string]ActionConstructor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		filters: make(map[string]FilterConstructor),
		actions: make(map[string]ActionConstructor),
	}
}

// DefaultRegistry returns a registry with every built-in filter and
// action registered.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	registerBuiltinFilters(r)
	registerBuiltinActions(r)
	return r
}

// RegisterFilter adds a filter plugin under the given name.
func (r *Registry) RegisterFilter(name string, constructor FilterConstructor) error {
	if _, ok := r.filters[name]; ok {
		return trace.AlreadyExists("filter plugin %q already registered", name)
	}
	r.filters[name] = constructor
	return nil
}

// RegisterAction adds an action plugin under the given name.
func (r *Registry) RegisterAction(name string, constructor ActionConstructor) error {
	if _, ok := r.actions[name]; ok {
		return trace.AlreadyExists("action plugin %q already registered", name)
	}
	r.actions[name] = constructor
	return nil
}

// HasFilter reports whether a filter plugin is registered.
func (r *Registry) HasFilter(name string) bool {
	_, ok := r.filters[name]
	return ok
}

// HasAction reports whether an action plugin is registered.
func (r *Registry) HasAction(name string) bool {
	_, ok := r.actions[name]
	return ok
}

// NewFilter instantiates a filter plugin.
func (r *Registry) NewFilter(name string, arg any) (Filter, error) {
	constructor, ok := r.filters[name]
	if !ok {
		return nil, trace.NotFound("filter plugin %q is not registered", name)
	}
	filter, err := constructor(arg)
	return filter, trace.Wrap(err)
}

// NewAction instantiates an action plugin.
func (r *Registry) NewAction(plugin, name string, params map[string]any) (Action, error) {
	constructor, ok := r.actions[plugin]
	if !ok {
		return nil, trace.NotFound("action plugin %q is not registered", plugin)
	}
	action, err := constructor(name, params)
	return action, trace.Wrap(err)
}
