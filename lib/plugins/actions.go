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
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/gravitational/trace"
	shellwords "github.com/mattn/go-shellwords"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/openkilt/sshlog/lib/events"
)

func registerBuiltinActions(r *Registry) {
	r.RegisterAction("logfile_action", newLogfileAction)
	r.RegisterAction("eventlogfile_action", newEventLogfileAction)
	r.RegisterAction("webhook_action", newWebhookAction)
	r.RegisterAction("run_command_action", newRunCommandAction)
}

func requiredString(params map[string]any, key string) (string, error) {
	value, ok := params[key]
	if !ok {
		return "", trace.BadParameter("missing required parameter %q", key)
	}
	s, ok := value.(string)
	if !ok {
		return "", trace.BadParameter("parameter %q must be a string, got %T", key, value)
	}
	return s, nil
}

func optionalInt(params map[string]any, key string, fallback int) int {
	value, ok := params[key]
	if !ok {
		return fallback
	}
	switch v := value.(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return fallback
}

func optionalBool(params map[string]any, key string, fallback bool) bool {
	if v, ok := params[key].(bool); ok {
		return v
	}
	return fallback
}

func optionalStrings(params map[string]any, key string) []string {
	list, ok := params[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		out = append(out, fmt.Sprint(item))
	}
	return out
}

// newRotatingSink opens a rotating log file, creating the directory if
// needed.
func newRotatingSink(path string, maxSizeMB, backups int) (*lumberjack.Logger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB,
		MaxBackups: backups,
	}, nil
}

// logfileAction appends every matched event as a JSON line to a rotating
// file.
type logfileAction struct {
	name string
	sink *lumberjack.Logger
}

func newLogfileAction(name string, params map[string]any) (Action, error) {
	path, err := requiredString(params, "log_file_path")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	sink, err := newRotatingSink(path,
		optionalInt(params, "max_size_mb", 20),
		optionalInt(params, "number_of_log_files", 2))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	log.Info("Initialized logfile action.", "action", name, "path", path)
	return &logfileAction{name: name, sink: sink}, nil
}

func (a *logfileAction) Name() string { return a.name }

func (a *logfileAction) Execute(evt events.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return trace.Wrap(err)
	}
	line := time.Now().Format("2006-01-02 15:04:05") + ": " + string(data) + "\n"
	_, err = a.sink.Write([]byte(line))
	return trace.ConvertSystemError(err)
}

func (a *logfileAction) Shutdown() {
	a.sink.Close()
}

// eventLogfileAction appends matched events to a rotating file in either
// JSON or a human readable per-kind format.
type eventLogfileAction struct {
	name       string
	sink       *lumberjack.Logger
	outputJSON bool
}

func newEventLogfileAction(name string, params map[string]any) (Action, error) {
	path, err := requiredString(params, "log_file_path")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	sink, err := newRotatingSink(path,
		optionalInt(params, "max_size_mb", 20),
		optionalInt(params, "number_of_log_files", 2))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	log.Info("Initialized event log action.", "action", name, "path", path)
	return &eventLogfileAction{
		name:       name,
		sink:       sink,
		outputJSON: optionalBool(params, "output_json", false),
	}, nil
}

func (a *eventLogfileAction) Name() string { return a.name }

func (a *eventLogfileAction) Execute(evt events.Event) error {
	var body string
	if a.outputJSON {
		data, err := json.Marshal(evt)
		if err != nil {
			return trace.Wrap(err)
		}
		body = string(data)
	} else {
		body = FormatEvent(evt)
	}
	line := time.Now().Format("2006-01-02 15:04:05") + ": " + body + "\n"
	_, err := a.sink.Write([]byte(line))
	return trace.ConvertSystemError(err)
}

func (a *eventLogfileAction) Shutdown() {
	a.sink.Close()
}

// FormatEvent renders an event in the log-friendly one line form used by
// the event log action.
func FormatEvent(evt events.Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%v: (%v) ", evt.Type, evt.PTMPID)
	clientIP := ""
	if evt.TCPInfo != nil {
		clientIP = fmt.Sprintf("%v:%v", evt.TCPInfo.ClientIP, evt.TCPInfo.ClientPort)
	}
	switch evt.Type {
	case events.ConnectionNew:
		fmt.Fprintf(&b, "from ip %v", clientIP)
	case events.ConnectionEstablished, events.ConnectionClose, events.ConnectionAuthFailed:
		fmt.Fprintf(&b, "%v from ip %v", evt.Username, clientIP)
	case events.CommandStart:
		fmt.Fprintf(&b, "%v executed %v", evt.Username, evt.Args)
	case events.CommandFinish:
		fmt.Fprintf(&b, "%v execute complete (exit code: %v) %v", evt.Username, evt.ExitCode, evt.Args)
	case events.FileUpload:
		fmt.Fprintf(&b, "%v uploaded file %v", evt.Username, evt.TargetPath)
	case events.TerminalUpdate:
		fmt.Fprintf(&b, "%v terminal update (%v bytes)", evt.Username, evt.DataLen)
	}
	return b.String()
}

// webhookAction posts matched events to an HTTP endpoint, either as form
// data or as query parameters on a GET.
type webhookAction struct {
	name       string
	url        string
	doGet      bool
	httpClient *http.Client
}

func newWebhookAction(name string, params map[string]any) (Action, error) {
	webhookURL, err := requiredString(params, "webhook_url")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if _, err := url.Parse(webhookURL); err != nil {
		return nil, trace.BadParameter("invalid webhook_url %q: %v", webhookURL, err)
	}
	log.Info("Initialized webhook action.", "action", name, "url", webhookURL)
	return &webhookAction{
		name:       name,
		url:        webhookURL,
		doGet:      optionalBool(params, "do_get_request", false),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}, nil
}

func (a *webhookAction) Name() string { return a.name }

func (a *webhookAction) Execute(evt events.Event) error {
	form := url.Values{}
	for field, value := range evt.Fields() {
		form.Set(field, value)
	}

	var resp *http.Response
	var err error
	if a.doGet {
		resp, err = a.httpClient.Get(a.url + "?" + form.Encode())
	} else {
		resp, err = a.httpClient.PostForm(a.url, form)
	}
	if err != nil {
		return trace.Wrap(err)
	}
	defer resp.Body.Close()

	log.Info("Webhook action triggered.", "action", a.name, "event_type", evt.Type)
	if resp.StatusCode != http.StatusOK {
		log.Info("Unexpected webhook response.", "action", a.name, "status", resp.StatusCode)
	}
	return nil
}

func (a *webhookAction) Shutdown() {
	a.httpClient.CloseIdleConnections()
}

// runCommandAction executes a local command with {{field}} substitution
// applied to its arguments.
type runCommandAction struct {
	name    string
	command []string
	args    []string
}

func newRunCommandAction(name string, params map[string]any) (Action, error) {
	command, err := requiredString(params, "command")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	argv, err := shellwords.Parse(command)
	if err != nil {
		return nil, trace.BadParameter("cannot parse command %q: %v", command, err)
	}
	if len(argv) == 0 {
		return nil, trace.BadParameter("command is empty")
	}
	log.Info("Initialized run command action.", "action", name, "command", command)
	return &runCommandAction{
		name:    name,
		command: argv,
		args:    optionalStrings(params, "args"),
	}, nil
}

func (a *runCommandAction) Name() string { return a.name }

func (a *runCommandAction) Execute(evt events.Event) error {
	argv := append([]string(nil), a.command...)
	for _, arg := range a.args {
		argv = append(argv, ExpandTemplate(arg, evt))
	}
	log.Debug("Executing command action.", "action", a.name, "argv", argv)
	cmd := exec.Command(argv[0], argv[1:]...)
	return trace.Wrap(cmd.Run())
}

func (a *runCommandAction) Shutdown() {}
