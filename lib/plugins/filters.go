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
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/openkilt/sshlog/lib/events"
)

func registerBuiltinFilters(r *Registry) {
	r.RegisterFilter("command_name_filter", newCommandNameFilter)
	r.RegisterFilter("command_name_regex_filter", newCommandNameRegexFilter)
	r.RegisterFilter("command_exit_code_filter", newCommandExitCodeFilter)
	r.RegisterFilter("command_output_contains_filter", newCommandOutputContainsFilter)
	r.RegisterFilter("command_output_contains_regex_filter", newCommandOutputContainsRegexFilter)
	r.RegisterFilter("upload_file_path_filter", newUploadFilePathFilter)
	r.RegisterFilter("upload_file_path_regex_filter", newUploadFilePathRegexFilter)
	r.RegisterFilter("username_filter", newUsernameFilter)
	r.RegisterFilter("username_regex_filter", newUsernameRegexFilter)
	r.RegisterFilter("require_tty_filter", newRequireTTYFilter)
	r.RegisterFilter("ignore_existing_logins_filter", newIgnoreExistingLoginsFilter)
}

var commandKinds = []events.Kind{events.CommandStart, events.CommandFinish}

// sessionKinds are the kinds that carry username/tty context.
var sessionKinds = []events.Kind{
	events.ConnectionEstablished,
	events.ConnectionClose,
	events.CommandStart,
	events.CommandFinish,
	events.TerminalUpdate,
	events.FileUpload,
}

// argStrings normalizes a filter argument into (list, isList). Scalars
// come back as their string form.
func argStrings(arg any) ([]string, bool) {
	list, ok := arg.([]any)
	if !ok {
		return []string{fmt.Sprint(arg)}, false
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		out = append(out, fmt.Sprint(item))
	}
	return out, true
}

func compileArg(arg any) (*regexp.Regexp, error) {
	pattern, ok := arg.(string)
	if !ok {
		return nil, trace.BadParameter("regex filter argument must be a string, got %T", arg)
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, trace.BadParameter("invalid regex %q: %v", pattern, err)
	}
	return re, nil
}

// disabled reports whether the user passed `false` to turn a filter off.
func disabled(arg any) bool {
	enabled, ok := arg.(bool)
	return ok && !enabled
}

// compareNumber evaluates a comparison expression such as ">= 5" or
// "!= 0" against value. A bare number means equality.
func compareNumber(expr string, value float64) (bool, error) {
	parts := strings.Fields(expr)
	switch len(parts) {
	case 1:
		parts = []string{"=", parts[0]}
	case 2:
	default:
		return false, trace.BadParameter("cannot parse comparison %q", expr)
	}
	number, err := strconv.ParseFloat(parts[1], 64)
	if err != nil {
		return false, trace.BadParameter("cannot parse number in comparison %q", expr)
	}
	switch parts[0] {
	case "<":
		return value < number, nil
	case "<=":
		return value <= number, nil
	case ">":
		return value > number, nil
	case ">=":
		return value >= number, nil
	case "=":
		return value == number, nil
	case "!=":
		return value != number, nil
	}
	return false, trace.BadParameter("invalid comparison operation %q, valid operations are < <= > >= = !=", parts[0])
}

type commandNameFilter struct {
	names  []string
	isList bool
}

func newCommandNameFilter(arg any) (Filter, error) {
	names, isList := argStrings(arg)
	return &commandNameFilter{names: names, isList: isList}, nil
}

func (f *commandNameFilter) Triggers() []events.Kind { return commandKinds }

func (f *commandNameFilter) Evaluate(evt events.Event) (bool, error) {
	for _, name := range f.names {
		if evt.Filename == name {
			return true, nil
		}
	}
	return false, nil
}

type commandNameRegexFilter struct {
	re *regexp.Regexp
}

func newCommandNameRegexFilter(arg any) (Filter, error) {
	re, err := compileArg(arg)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &commandNameRegexFilter{re: re}, nil
}

func (f *commandNameRegexFilter) Triggers() []events.Kind { return commandKinds }

func (f *commandNameRegexFilter) Evaluate(evt events.Event) (bool, error) {
	return f.re.MatchString(evt.Filename), nil
}

type commandExitCodeFilter struct {
	codes  []string
	expr   string
	isList bool
}

func newCommandExitCodeFilter(arg any) (Filter, error) {
	values, isList := argStrings(arg)
	f := &commandExitCodeFilter{isList: isList}
	if isList {
		f.codes = values
		return f, nil
	}
	f.expr = values[0]
	// Fail bad expressions at load time, not per event.
	if _, err := compareNumber(f.expr, 0); err != nil {
		return nil, trace.Wrap(err)
	}
	return f, nil
}

func (f *commandExitCodeFilter) Triggers() []events.Kind {
	return []events.Kind{events.CommandFinish}
}

func (f *commandExitCodeFilter) Evaluate(evt events.Event) (bool, error) {
	if f.isList {
		code := strconv.Itoa(evt.ExitCode)
		for _, want := range f.codes {
			if code == want {
				return true, nil
			}
		}
		return false, nil
	}
	ok, err := compareNumber(f.expr, float64(evt.ExitCode))
	return ok, trace.Wrap(err)
}

type commandOutputContainsFilter struct {
	substring string
}

func newCommandOutputContainsFilter(arg any) (Filter, error) {
	return &commandOutputContainsFilter{substring: fmt.Sprint(arg)}, nil
}

func (f *commandOutputContainsFilter) Triggers() []events.Kind {
	return []events.Kind{events.CommandFinish}
}

func (f *commandOutputContainsFilter) Evaluate(evt events.Event) (bool, error) {
	return strings.Contains(evt.Stdout, f.substring), nil
}

type commandOutputContainsRegexFilter struct {
	re *regexp.Regexp
}

func newCommandOutputContainsRegexFilter(arg any) (Filter, error) {
	re, err := compileArg(arg)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &commandOutputContainsRegexFilter{re: re}, nil
}

func (f *commandOutputContainsRegexFilter) Triggers() []events.Kind {
	return []events.Kind{events.CommandFinish}
}

func (f *commandOutputContainsRegexFilter) Evaluate(evt events.Event) (bool, error) {
	return f.re.MatchString(evt.Stdout), nil
}

type uploadFilePathFilter struct {
	paths  []string
	isList bool
}

func newUploadFilePathFilter(arg any) (Filter, error) {
	paths, isList := argStrings(arg)
	return &uploadFilePathFilter{paths: paths, isList: isList}, nil
}

func (f *uploadFilePathFilter) Triggers() []events.Kind {
	return []events.Kind{events.FileUpload}
}

func (f *uploadFilePathFilter) Evaluate(evt events.Event) (bool, error) {
	if f.isList {
		for _, path := range f.paths {
			if evt.TargetPath == path {
				return true, nil
			}
		}
		return false, nil
	}
	return filepath.Clean(f.paths[0]) == filepath.Clean(evt.TargetPath), nil
}

type uploadFilePathRegexFilter struct {
	re *regexp.Regexp
}

func newUploadFilePathRegexFilter(arg any) (Filter, error) {
	re, err := compileArg(arg)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &uploadFilePathRegexFilter{re: re}, nil
}

func (f *uploadFilePathRegexFilter) Triggers() []events.Kind {
	return []events.Kind{events.FileUpload}
}

func (f *uploadFilePathRegexFilter) Evaluate(evt events.Event) (bool, error) {
	return f.re.MatchString(evt.TargetPath), nil
}

type usernameFilter struct {
	users  []string
	isList bool
}

func newUsernameFilter(arg any) (Filter, error) {
	users, isList := argStrings(arg)
	return &usernameFilter{users: users, isList: isList}, nil
}

func (f *usernameFilter) Triggers() []events.Kind { return sessionKinds }

func (f *usernameFilter) Evaluate(evt events.Event) (bool, error) {
	if f.isList {
		for _, user := range f.users {
			if evt.Username == user {
				return true, nil
			}
		}
		return false, nil
	}
	user := f.users[0]
	// A bare "*" (or empty) matches anyone.
	if user == "*" || user == "" {
		return true, nil
	}
	return evt.Username == user, nil
}

type usernameRegexFilter struct {
	re *regexp.Regexp
}

func newUsernameRegexFilter(arg any) (Filter, error) {
	re, err := compileArg(arg)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &usernameRegexFilter{re: re}, nil
}

func (f *usernameRegexFilter) Triggers() []events.Kind { return sessionKinds }

func (f *usernameRegexFilter) Evaluate(evt events.Event) (bool, error) {
	return f.re.MatchString(evt.Username), nil
}

type requireTTYFilter struct {
	enabled bool
}

func newRequireTTYFilter(arg any) (Filter, error) {
	return &requireTTYFilter{enabled: !disabled(arg)}, nil
}

func (f *requireTTYFilter) Triggers() []events.Kind { return sessionKinds }

func (f *requireTTYFilter) Evaluate(evt events.Event) (bool, error) {
	if !f.enabled {
		return true, nil
	}
	return evt.TTYID >= 0, nil
}

// existingLoginMaxAge is how old a connection's start time may be before
// it is considered a synthetic replay of a pre-existing login. The native
// tracer re-announces every live connection when the daemon restarts.
const existingLoginMaxAge = 10 * time.Second

type ignoreExistingLoginsFilter struct {
	enabled bool
	clock   clockwork.Clock
}

func newIgnoreExistingLoginsFilter(arg any) (Filter, error) {
	return &ignoreExistingLoginsFilter{
		enabled: !disabled(arg),
		clock:   clockwork.NewRealClock(),
	}, nil
}

func (f *ignoreExistingLoginsFilter) Triggers() []events.Kind {
	return []events.Kind{events.ConnectionNew, events.ConnectionEstablished}
}

func (f *ignoreExistingLoginsFilter) Evaluate(evt events.Event) (bool, error) {
	if !f.enabled {
		return true, nil
	}
	started := time.UnixMilli(evt.StartTime)
	return f.clock.Since(started) <= existingLoginMaxAge, nil
}
