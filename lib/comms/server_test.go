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

package comms

import (
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/openkilt/sshlog/lib/defaults"
	"github.com/openkilt/sshlog/lib/eventbus"
	"github.com/openkilt/sshlog/lib/events"
	"github.com/openkilt/sshlog/lib/tracker"
)

type testEnv struct {
	server  *Server
	tracker *tracker.Tracker
	bus     *eventbus.Bus
	socket  string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	tr := tracker.New(nil)
	bus := eventbus.New(tr)
	bus.Subscribe(tr, tracker.Kinds()...)

	socket := filepath.Join(t.TempDir(), "sshlogd.sock")
	server, err := NewServer(ServerConfig{
		Tracker:    tr,
		Bus:        bus,
		SocketPath: socket,
	})
	require.NoError(t, err)
	require.NoError(t, server.Start())
	t.Cleanup(server.Close)

	return &testEnv{server: server, tracker: tr, bus: bus, socket: socket}
}

func (e *testEnv) client(t *testing.T) *Client {
	t.Helper()
	client, err := NewClient(e.socket)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func establishSession(bus *eventbus.Bus, ptmPID int, username string) {
	bus.Publish(events.Event{
		Type:     events.ConnectionEstablished,
		PTMPID:   ptmPID,
		Username: username,
		UserID:   1000,
		TTYID:    1,
		TCPInfo: &events.TCPInfo{
			ClientIP:   "192.168.1.50",
			ClientPort: 51612,
		},
	})
}

func TestListSessionsEmpty(t *testing.T) {
	env := newTestEnv(t)
	client := env.client(t)

	corr, err := client.MakeRequest(SessionListRequestType,
		SessionListRequest{PayloadType: SessionListRequestType})
	require.NoError(t, err)

	payload, err := client.ListenForResponse(corr, time.Second)
	require.NoError(t, err)
	resp, ok := payload.(*SessionListResponse)
	require.True(t, ok)
	require.Empty(t, resp.Sessions)
	require.Equal(t, SessionListResponseType, resp.PayloadType)
}

func TestListSessionsLifecycle(t *testing.T) {
	env := newTestEnv(t)
	client := env.client(t)

	establishSession(env.bus, 4242, "alice")
	env.bus.Publish(events.Event{Type: events.CommandStart, PTMPID: 4242, Args: "ls -la"})

	corr, err := client.MakeRequest(SessionListRequestType,
		SessionListRequest{PayloadType: SessionListRequestType})
	require.NoError(t, err)
	payload, err := client.ListenForResponse(corr, time.Second)
	require.NoError(t, err)

	resp := payload.(*SessionListResponse)
	require.Len(t, resp.Sessions, 1)
	require.Equal(t, 4242, resp.Sessions[0].PTMPID)
	require.Equal(t, "alice", resp.Sessions[0].Username)
	require.Equal(t, "ls -la", resp.Sessions[0].LastCommand)
	require.Equal(t, "192.168.1.50", resp.Sessions[0].ClientIP)

	// Session disappears on close.
	env.bus.Publish(events.Event{Type: events.ConnectionClose, PTMPID: 4242})
	corr, err = client.MakeRequest(SessionListRequestType,
		SessionListRequest{PayloadType: SessionListRequestType})
	require.NoError(t, err)
	payload, err = client.ListenForResponse(corr, time.Second)
	require.NoError(t, err)
	require.Empty(t, payload.(*SessionListResponse).Sessions)
}

func TestKillSessionMissingProcess(t *testing.T) {
	env := newTestEnv(t)
	client := env.client(t)

	// Pid 1 exists but pids beyond the kernel maximum never do.
	corr, err := client.MakeRequest(KillSessionRequestType,
		KillSessionRequest{PTMPID: 1 << 30, PayloadType: KillSessionRequestType})
	require.NoError(t, err)

	payload, err := client.ListenForResponse(corr, time.Second)
	require.NoError(t, err)
	resp := payload.(*KillSessionResponse)
	require.False(t, resp.Success)
}

func TestKillSessionTerminatesProcess(t *testing.T) {
	env := newTestEnv(t)
	client := env.client(t)

	cmd := exec.Command("sleep", "60")
	require.NoError(t, cmd.Start())
	defer cmd.Process.Kill()

	corr, err := client.MakeRequest(KillSessionRequestType,
		KillSessionRequest{PTMPID: cmd.Process.Pid, PayloadType: KillSessionRequestType})
	require.NoError(t, err)

	payload, err := client.ListenForResponse(corr, time.Second)
	require.NoError(t, err)
	require.True(t, payload.(*KillSessionResponse).Success)

	// The child dies from the SIGTERM, not from the timeout.
	err = cmd.Wait()
	require.Error(t, err)
}

func TestWatchDeliversMatchingEvents(t *testing.T) {
	env := newTestEnv(t)
	client := env.client(t)

	establishSession(env.bus, 4242, "alice")
	establishSession(env.bus, 5555, "bob")

	corr, err := client.MakeRequest(EventWatchRequestType, EventWatchRequest{
		EventTypes:  []events.Kind{events.CommandStart},
		PTMPID:      4242,
		PayloadType: EventWatchRequestType,
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return env.server.watching(corr)
	}, time.Second, 10*time.Millisecond)

	// Only the watched session's command comes through.
	env.bus.Publish(events.Event{Type: events.CommandStart, PTMPID: 5555, Args: "id"})
	env.bus.Publish(events.Event{Type: events.CommandStart, PTMPID: 4242, Args: "whoami"})

	payload, err := client.ListenForResponse(corr, time.Second)
	require.NoError(t, err)
	resp := payload.(*EventWatchResponse)
	require.Equal(t, events.CommandStart, resp.EventType)
	require.Equal(t, 4242, resp.PayloadJSON.PTMPID)
	require.Equal(t, "whoami", resp.PayloadJSON.Args)
	require.Equal(t, "alice", resp.PayloadJSON.Username)

	// Nothing else is queued.
	_, err = client.ListenForResponse(corr, 200*time.Millisecond)
	require.True(t, trace.IsNotFound(err))
}

func TestWatchRepeatRequestCoalesces(t *testing.T) {
	env := newTestEnv(t)
	client := env.client(t)

	req := EventWatchRequest{
		EventTypes:  []events.Kind{events.TerminalUpdate},
		PayloadType: EventWatchRequestType,
	}
	corr, err := client.MakeRequest(EventWatchRequestType, req)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return env.server.watching(corr)
	}, time.Second, 10*time.Millisecond)

	// Refreshing with the same correlation id does not add a second
	// handler, so one published event yields exactly one response.
	_, err = client.MakeRequestWithID(corr, EventWatchRequestType, req)
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)

	env.bus.Publish(events.Event{Type: events.TerminalUpdate, PTMPID: 1, DataLen: 4})

	_, err = client.ListenForResponse(corr, time.Second)
	require.NoError(t, err)
	_, err = client.ListenForResponse(corr, 200*time.Millisecond)
	require.True(t, trace.IsNotFound(err))
}

func TestWatchLeaseLapses(t *testing.T) {
	env := newTestEnv(t)
	client := env.client(t)

	corr, err := client.MakeRequest(EventWatchRequestType, EventWatchRequest{
		EventTypes:  []events.Kind{events.TerminalUpdate},
		PayloadType: EventWatchRequestType,
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return env.server.watching(corr)
	}, time.Second, 10*time.Millisecond)

	// Without refreshes the handler unsubscribes itself.
	require.Eventually(t, func() bool {
		return !env.server.watching(corr)
	}, defaults.MaxLeaseAge+time.Second, 50*time.Millisecond)

	env.bus.Publish(events.Event{Type: events.TerminalUpdate, PTMPID: 1, DataLen: 4})
	_, err = client.ListenForResponse(corr, 200*time.Millisecond)
	require.True(t, trace.IsNotFound(err))
}

func TestWatchRejectsUnknownKinds(t *testing.T) {
	env := newTestEnv(t)
	client := env.client(t)

	// connection_new and invented kinds are ignored, the valid kind
	// still works.
	corr, err := client.MakeRequest(EventWatchRequestType, EventWatchRequest{
		EventTypes:  []events.Kind{events.ConnectionNew, "made_up", events.FileUpload},
		PayloadType: EventWatchRequestType,
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return env.server.watching(corr)
	}, time.Second, 10*time.Millisecond)

	env.bus.Publish(events.Event{Type: events.FileUpload, PTMPID: 9, TargetPath: "/tmp/x"})
	payload, err := client.ListenForResponse(corr, time.Second)
	require.NoError(t, err)
	require.Equal(t, events.FileUpload, payload.(*EventWatchResponse).EventType)
}

func TestWatchWithNoWatchableKindsSubscribesNothing(t *testing.T) {
	env := newTestEnv(t)
	client := env.client(t)

	// Every requested kind is rejected, so no handler is created and no
	// event of any kind reaches this client.
	corr, err := client.MakeRequest(EventWatchRequestType, EventWatchRequest{
		EventTypes:  []events.Kind{events.ConnectionNew, "no_such_kind"},
		PayloadType: EventWatchRequestType,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return env.server.Streams().IsActive(corr)
	}, time.Second, 10*time.Millisecond)
	require.False(t, env.server.watching(corr))

	env.bus.Publish(events.Event{Type: events.TerminalUpdate, PTMPID: 1, DataLen: 4})
	_, err = client.ListenForResponse(corr, 300*time.Millisecond)
	require.True(t, trace.IsNotFound(err))
}

func TestMalformedFramesAreDropped(t *testing.T) {
	env := newTestEnv(t)
	client := env.client(t)

	// Garbage, then a valid request on the same connection: the server
	// drops the garbage without responding or disconnecting.
	_, err := client.conn.Write([]byte("this is not an envelope\n"))
	require.NoError(t, err)

	corr, err := client.MakeRequest(SessionListRequestType,
		SessionListRequest{PayloadType: SessionListRequestType})
	require.NoError(t, err)
	payload, err := client.ListenForResponse(corr, time.Second)
	require.NoError(t, err)
	require.IsType(t, &SessionListResponse{}, payload)
}

func TestResponsesRoutedToOriginatingPeer(t *testing.T) {
	env := newTestEnv(t)
	clientA := env.client(t)
	clientB := env.client(t)

	corrA, err := clientA.MakeRequest(SessionListRequestType,
		SessionListRequest{PayloadType: SessionListRequestType})
	require.NoError(t, err)
	corrB, err := clientB.MakeRequest(SessionListRequestType,
		SessionListRequest{PayloadType: SessionListRequestType})
	require.NoError(t, err)

	_, err = clientA.ListenForResponse(corrA, time.Second)
	require.NoError(t, err)
	_, err = clientB.ListenForResponse(corrB, time.Second)
	require.NoError(t, err)

	// Neither client ever sees the other's correlation id.
	_, err = clientA.ListenForResponse(corrB, 200*time.Millisecond)
	require.True(t, trace.IsNotFound(err))
}
