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

package web

import (
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/openkilt/sshlog/lib/events"
	"github.com/openkilt/sshlog/lib/tracker"
)

func TestSessionsEndpoint(t *testing.T) {
	t.Parallel()

	tr := tracker.New(nil)
	tr.HandleEvent(events.Event{
		Type:     events.ConnectionEstablished,
		PTMPID:   4242,
		Username: "alice",
		TTYID:    1,
	})

	server, err := NewServer(ServerConfig{Tracker: tr})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	server.handleSessions(rec, httptest.NewRequest("GET", "/api/sessions", nil))
	require.Equal(t, 200, rec.Code)

	var sessions []tracker.Session
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sessions))
	require.Len(t, sessions, 1)
	require.Equal(t, "alice", sessions[0].Username)
}

func TestHealthEndpoint(t *testing.T) {
	t.Parallel()

	server, err := NewServer(ServerConfig{Tracker: tracker.New(nil)})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	server.handleHealth(rec, httptest.NewRequest("GET", "/healthz", nil))
	require.Equal(t, 200, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "ok", body["status"])
	require.NotEmpty(t, body["version"])
}

func TestConfigDefaults(t *testing.T) {
	t.Parallel()

	cfg := ServerConfig{}
	require.Error(t, cfg.CheckAndSetDefaults())

	cfg.Tracker = tracker.New(nil)
	require.NoError(t, cfg.CheckAndSetDefaults())
	require.Equal(t, "127.0.0.1", cfg.ListenIP)
	require.Equal(t, 5000, cfg.ListenPort)
}
