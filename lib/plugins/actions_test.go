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
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/openkilt/sshlog/lib/events"
)

func TestLogfileActionWritesJSONLines(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "dir", "events.log")
	action, err := DefaultRegistry().NewAction("logfile_action", "log_all",
		map[string]any{"log_file_path": path})
	require.NoError(t, err)
	defer action.Shutdown()

	require.NoError(t, action.Execute(events.Event{
		Type:     events.CommandStart,
		PTMPID:   4242,
		Username: "alice",
		Args:     "ls",
	}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), `"event_type":"command_start"`)
	require.Contains(t, string(data), `"username":"alice"`)
}

func TestEventLogfileActionHumanFormat(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "events.log")
	action, err := DefaultRegistry().NewAction("eventlogfile_action", "log_events",
		map[string]any{"log_file_path": path})
	require.NoError(t, err)
	defer action.Shutdown()

	require.NoError(t, action.Execute(events.Event{
		Type:     events.CommandFinish,
		PTMPID:   4242,
		Username: "alice",
		Args:     "make test",
		ExitCode: 1,
	}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "alice execute complete (exit code: 1) make test")
}

func TestFormatEvent(t *testing.T) {
	t.Parallel()

	tcp := &events.TCPInfo{ClientIP: "192.168.1.50", ClientPort: 51612}
	tests := []struct {
		evt  events.Event
		want string
	}{
		{
			evt:  events.Event{Type: events.ConnectionEstablished, PTMPID: 1, Username: "alice", TCPInfo: tcp},
			want: "connection_established: (1) alice from ip 192.168.1.50:51612",
		},
		{
			evt:  events.Event{Type: events.CommandStart, PTMPID: 1, Username: "alice", Args: "vim notes"},
			want: "command_start: (1) alice executed vim notes",
		},
		{
			evt:  events.Event{Type: events.FileUpload, PTMPID: 1, Username: "alice", TargetPath: "/tmp/x"},
			want: "file_upload: (1) alice uploaded file /tmp/x",
		},
		{
			evt:  events.Event{Type: events.TerminalUpdate, PTMPID: 1, Username: "alice", DataLen: 64},
			want: "terminal_update: (1) alice terminal update (64 bytes)",
		},
	}
	for _, tc := range tests {
		require.Equal(t, tc.want, FormatEvent(tc.evt))
	}
}

func TestWebhookAction(t *testing.T) {
	t.Parallel()

	type received struct {
		method   string
		username string
	}
	got := make(chan received, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		got <- received{method: r.Method, username: r.Form.Get("username")}
	}))
	defer server.Close()

	action, err := DefaultRegistry().NewAction("webhook_action", "notify",
		map[string]any{"webhook_url": server.URL})
	require.NoError(t, err)
	defer action.Shutdown()

	evt := events.Event{Type: events.CommandStart, PTMPID: 1, Username: "alice", Args: "id"}
	require.NoError(t, action.Execute(evt))
	r := <-got
	require.Equal(t, http.MethodPost, r.method)
	require.Equal(t, "alice", r.username)

	getAction, err := DefaultRegistry().NewAction("webhook_action", "notify_get",
		map[string]any{"webhook_url": server.URL, "do_get_request": true})
	require.NoError(t, err)
	defer getAction.Shutdown()

	require.NoError(t, getAction.Execute(evt))
	r = <-got
	require.Equal(t, http.MethodGet, r.method)
	require.Equal(t, "alice", r.username)
}

func TestRunCommandAction(t *testing.T) {
	t.Parallel()

	marker := filepath.Join(t.TempDir(), "ran.txt")
	action, err := DefaultRegistry().NewAction("run_command_action", "touch_it",
		map[string]any{
			"command": "touch",
			"args":    []any{marker},
		})
	require.NoError(t, err)
	defer action.Shutdown()

	require.NoError(t, action.Execute(events.Event{Type: events.CommandStart, PTMPID: 1}))
	_, err = os.Stat(marker)
	require.NoError(t, err)
}

func TestRunCommandActionTemplatesArgs(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	action, err := DefaultRegistry().NewAction("run_command_action", "touch_user",
		map[string]any{
			"command": "touch",
			"args":    []any{filepath.Join(dir, "{{username}}.txt")},
		})
	require.NoError(t, err)
	defer action.Shutdown()

	require.NoError(t, action.Execute(events.Event{
		Type:     events.CommandStart,
		PTMPID:   1,
		Username: "alice",
	}))
	_, err = os.Stat(filepath.Join(dir, "alice.txt"))
	require.NoError(t, err)
}

func TestActionParamValidation(t *testing.T) {
	t.Parallel()

	reg := DefaultRegistry()

	_, err := reg.NewAction("logfile_action", "no_path", map[string]any{})
	require.Error(t, err)

	_, err = reg.NewAction("webhook_action", "no_url", map[string]any{})
	require.Error(t, err)

	_, err = reg.NewAction("run_command_action", "unparsable",
		map[string]any{"command": `touch "unterminated`})
	require.Error(t, err)

	_, err = reg.NewAction("no_such_plugin", "x", map[string]any{})
	require.Error(t, err)
}
