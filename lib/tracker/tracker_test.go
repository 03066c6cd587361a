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

package tracker

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/openkilt/sshlog/lib/events"
)

func established(ptmPID int, username string) events.Event {
	return events.Event{
		Type:     events.ConnectionEstablished,
		PTMPID:   ptmPID,
		Username: username,
		UserID:   1000,
		PTSPID:   ptmPID + 1,
		ShellPID: ptmPID + 2,
		TTYID:    1,
		TCPInfo: &events.TCPInfo{
			ClientIP:   "192.168.1.50",
			ClientPort: 51612,
		},
	}
}

func TestSessionLifecycle(t *testing.T) {
	t.Parallel()

	tr := New(clockwork.NewFakeClock())

	tr.HandleEvent(established(100, "alice"))
	tr.HandleEvent(established(200, "bob"))
	require.Len(t, tr.Sessions(), 2)

	sess, ok := tr.GetSession(100)
	require.True(t, ok)
	require.Equal(t, "alice", sess.Username)
	require.Equal(t, "192.168.1.50", sess.TCPInfo.ClientIP)

	tr.HandleEvent(events.Event{Type: events.ConnectionClose, PTMPID: 100})
	require.Len(t, tr.Sessions(), 1)
	_, ok = tr.GetSession(100)
	require.False(t, ok)

	// The directory size is always established minus closed.
	tr.HandleEvent(events.Event{Type: events.ConnectionClose, PTMPID: 200})
	require.Empty(t, tr.Sessions())
}

func TestCloseUnknownSessionIsNoop(t *testing.T) {
	t.Parallel()

	tr := New(nil)
	tr.HandleEvent(events.Event{Type: events.ConnectionClose, PTMPID: 12345})
	require.Empty(t, tr.Sessions())
}

func TestReestablishReplacesSession(t *testing.T) {
	t.Parallel()

	tr := New(clockwork.NewFakeClock())
	tr.HandleEvent(established(100, "alice"))
	tr.HandleEvent(events.Event{
		Type:   events.CommandStart,
		PTMPID: 100,
		Args:   "ls -la",
	})

	// A second established for the same ptm pid starts the record over.
	tr.HandleEvent(established(100, "carol"))
	sess, ok := tr.GetSession(100)
	require.True(t, ok)
	require.Equal(t, "carol", sess.Username)
	require.Empty(t, sess.LastCommand)
}

func TestLastCommand(t *testing.T) {
	t.Parallel()

	tr := New(clockwork.NewFakeClock())
	tr.HandleEvent(established(100, "alice"))

	tr.HandleEvent(events.Event{Type: events.CommandStart, PTMPID: 100, Args: "whoami"})
	sess, _ := tr.GetSession(100)
	require.Equal(t, "whoami", sess.LastCommand)

	// Commands for unknown sessions are ignored.
	tr.HandleEvent(events.Event{Type: events.CommandStart, PTMPID: 999, Args: "id"})
	_, ok := tr.GetSession(999)
	require.False(t, ok)
}

func TestActivityIsMonotonic(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	tr := New(clock)
	tr.HandleEvent(established(100, "alice"))

	sess, _ := tr.GetSession(100)
	initial := sess.LastActivity

	clock.Advance(5 * time.Second)
	tr.HandleEvent(events.Event{Type: events.TerminalUpdate, PTMPID: 100, DataLen: 3})
	sess, _ = tr.GetSession(100)
	require.Equal(t, initial+5000, sess.LastActivity)

	// Activity never moves backwards even if another update arrives
	// within the same millisecond.
	tr.HandleEvent(events.Event{Type: events.TerminalUpdate, PTMPID: 100, DataLen: 3})
	sess, _ = tr.GetSession(100)
	require.Equal(t, initial+5000, sess.LastActivity)
}

func TestLookupSession(t *testing.T) {
	t.Parallel()

	tr := New(clockwork.NewFakeClock())
	tr.HandleEvent(established(100, "alice"))

	username, ttyID, ok := tr.LookupSession(100)
	require.True(t, ok)
	require.Equal(t, "alice", username)
	require.Equal(t, 1, ttyID)

	_, ttyID, ok = tr.LookupSession(777)
	require.False(t, ok)
	require.Equal(t, -1, ttyID)
}

func TestSessionsReturnsCopies(t *testing.T) {
	t.Parallel()

	tr := New(clockwork.NewFakeClock())
	tr.HandleEvent(established(100, "alice"))

	snapshot := tr.Sessions()
	snapshot[0].Username = "mallory"

	sess, _ := tr.GetSession(100)
	require.Equal(t, "alice", sess.Username)
}
