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
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gravitational/trace"
	"gopkg.in/yaml.v3"

	"github.com/openkilt/sshlog/lib/events"
)

// filterSuffix turns a config-level filter key into its plugin name, e.g.
// "username" selects the "username_filter" plugin.
const filterSuffix = "_filter"

// ActionSpec is one named action definition. Parameters other than the
// known keys flow to the plugin as its parameter bag.
type ActionSpec struct {
	Name   string         `yaml:"action"`
	Plugin string         `yaml:"plugin"`
	Params map[string]any `yaml:",inline"`
}

// EventRule wires triggers, filters, and action references together.
type EventRule struct {
	Name     string         `yaml:"event"`
	Triggers []events.Kind  `yaml:"triggers"`
	Filters  map[string]any `yaml:"filters"`
	Actions  []ActionSpec   `yaml:"actions"`
}

// Config is the merged declarative plugin configuration.
type Config struct {
	Actions []ActionSpec `yaml:"actions"`
	Events  []EventRule  `yaml:"events"`
}

// ConfigFiles returns the primary config path followed by every yaml
// fragment found in the given directories, sorted by name within each
// directory. Typical callers pass the conf.d directory and the user
// plugin directory. Missing directories contribute nothing; a missing
// primary is kept in the list and skipped with a warning at load time.
func ConfigFiles(primary string, dirs ...string) []string {
	files := []string{primary}
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		var fragments []string
		for _, entry := range entries {
			name := entry.Name()
			if strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml") {
				fragments = append(fragments, filepath.Join(dir, name))
			}
		}
		sort.Strings(fragments)
		files = append(files, fragments...)
	}
	return files
}

// LoadConfig reads and merges the given yaml files. Parse failures are
// accumulated as validation errors rather than aborting the load, so the
// daemon can report every problem at once.
func LoadConfig(paths []string) (*Config, []string) {
	var cfg Config
	var validationErrors []string
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				log.Warn("Configuration file does not exist, skipping.", "path", path)
				continue
			}
			validationErrors = append(validationErrors,
				fmt.Sprintf("unable to read config file %v: %v", path, err))
			continue
		}
		var part Config
		if err := yaml.Unmarshal(data, &part); err != nil {
			validationErrors = append(validationErrors,
				fmt.Sprintf("yaml error in config file %v: %v", path, err))
			continue
		}
		cfg.Actions = append(cfg.Actions, part.Actions...)
		cfg.Events = append(cfg.Events, part.Events...)
	}
	return &cfg, validationErrors
}

// Validate checks the merged configuration against the registry and
// returns every problem found. An empty result means the configuration
// can be initialized.
func (c *Config) Validate(reg *Registry) []string {
	var problems []string

	actionNames := make(map[string]bool)
	for _, action := range c.Actions {
		if actionNames[action.Name] {
			problems = append(problems, fmt.Sprintf("duplicate action name %q", action.Name))
		}
		actionNames[action.Name] = true
		if !reg.HasAction(action.Plugin) {
			problems = append(problems,
				fmt.Sprintf("missing plugin %q referenced by action %q", action.Plugin, action.Name))
		}
	}

	eventNames := make(map[string]bool)
	for _, rule := range c.Events {
		if eventNames[rule.Name] {
			problems = append(problems, fmt.Sprintf("duplicate event name %q", rule.Name))
		}
		eventNames[rule.Name] = true

		if len(rule.Triggers) == 0 {
			problems = append(problems,
				fmt.Sprintf("at least one trigger is required for event %q", rule.Name))
		}
		for _, trigger := range rule.Triggers {
			if !events.ValidKind(trigger) {
				problems = append(problems,
					fmt.Sprintf("invalid trigger %q for event %q, possible triggers are %v",
						trigger, rule.Name, events.AllKinds))
			}
		}

		for filterName := range rule.Filters {
			pluginName := filterName + filterSuffix
			if !reg.HasFilter(pluginName) {
				problems = append(problems,
					fmt.Sprintf("missing filter plugin %q referenced by event %q", pluginName, rule.Name))
				continue
			}
			// Instantiate once to check the argument shape and the
			// trigger overlap with the rule.
			filter, err := reg.NewFilter(pluginName, rule.Filters[filterName])
			if err != nil {
				problems = append(problems,
					fmt.Sprintf("invalid argument for filter %q on event %q: %v", filterName, rule.Name, err))
				continue
			}
			if !kindsOverlap(filter.Triggers(), rule.Triggers) {
				problems = append(problems,
					fmt.Sprintf("filter %q for event %q can only execute on triggers %v, the event is configured for %v",
						filterName, rule.Name, filter.Triggers(), rule.Triggers))
			}
		}

		for _, ref := range rule.Actions {
			// Inline definitions carry their own plugin; references
			// must resolve to a named action.
			if ref.Plugin == "" && !actionNames[ref.Name] {
				problems = append(problems,
					fmt.Sprintf("missing action definition for %q from event %q", ref.Name, rule.Name))
			}
			if ref.Plugin != "" && !reg.HasAction(ref.Plugin) {
				problems = append(problems,
					fmt.Sprintf("missing plugin %q referenced by action %q", ref.Plugin, ref.Name))
			}
		}
	}

	return problems
}

// actionByName resolves a named action definition.
func (c *Config) actionByName(name string) (ActionSpec, bool) {
	for _, action := range c.Actions {
		if action.Name == name {
			return action, true
		}
	}
	return ActionSpec{}, false
}

// resolveAction merges an event-level action reference over its named
// definition: inline parameters override the defaults.
func (c *Config) resolveAction(ref ActionSpec) (ActionSpec, error) {
	base, ok := c.actionByName(ref.Name)
	if !ok {
		if ref.Plugin == "" {
			return ActionSpec{}, trace.NotFound("action %q is not defined", ref.Name)
		}
		return ref, nil
	}
	merged := ActionSpec{
		Name:   base.Name,
		Plugin: base.Plugin,
		Params: make(map[string]any, len(base.Params)+len(ref.Params)),
	}
	for k, v := range base.Params {
		merged.Params[k] = v
	}
	for k, v := range ref.Params {
		merged.Params[k] = v
	}
	if ref.Plugin != "" {
		merged.Plugin = ref.Plugin
	}
	return merged, nil
}

func kindsOverlap(a, b []events.Kind) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}
