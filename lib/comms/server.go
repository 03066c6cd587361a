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
	"bufio"
	"context"
	"net"
	"os"
	"os/user"
	"strconv"
	"sync"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sys/unix"

	"github.com/openkilt/sshlog"
	"github.com/openkilt/sshlog/lib/defaults"
	"github.com/openkilt/sshlog/lib/eventbus"
	"github.com/openkilt/sshlog/lib/tracker"
	logutils "github.com/openkilt/sshlog/lib/utils/log"
)

var log = logutils.NewPackageLogger(sshlog.ComponentKey, sshlog.ComponentComms)

// maxFrameSize bounds a single wire frame. Terminal updates can carry a
// full screen repaint.
const maxFrameSize = 10 * 1024 * 1024

// ServerConfig configures the local request/response server.
type ServerConfig struct {
	// Tracker is the live session directory.
	Tracker *tracker.Tracker
	// Bus is the event bus watch subscriptions attach to.
	Bus *eventbus.Bus
	// SocketPath is where the unix socket is bound.
	SocketPath string
	// GroupName is the OS group given access to the socket.
	GroupName string
	// EnableSessionInjection gates the SendKeys pathway.
	EnableSessionInjection bool
	// Clock drives lease bookkeeping. Defaults to the real clock.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *ServerConfig) CheckAndSetDefaults() error {
	if c.Tracker == nil {
		return trace.BadParameter("missing Tracker")
	}
	if c.Bus == nil {
		return trace.BadParameter("missing Bus")
	}
	if c.SocketPath == "" {
		c.SocketPath = defaults.SocketPath
	}
	if c.GroupName == "" {
		c.GroupName = defaults.SocketGroupName
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// peer is one connected local client. The peer identity is what responses
// are routed by: a response always goes back on the connection its request
// arrived on.
type peer struct {
	id   string
	conn net.Conn
}

// response is a routed frame waiting for the writer.
type response struct {
	peer  *peer
	frame []byte
}

// Server accepts request envelopes from local clients, dispatches a worker
// per request, and routes responses back to the originating peer. All
// socket writes go through a single writer goroutine.
type Server struct {
	cfg ServerConfig

	listener net.Listener
	respQ    chan response
	streams  *ActiveStreams

	peersMu  sync.Mutex
	peers    map[string]*peer
	nextPeer int

	watchMu  sync.Mutex
	watchers map[string]*watchHandler

	closeContext context.Context
	closeFunc    context.CancelFunc
	wg           sync.WaitGroup
}

// NewServer creates a Server. Call Start to bind the socket and begin
// serving.
func NewServer(cfg ServerConfig) (*Server, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	closeContext, closeFunc := context.WithCancel(context.Background())
	return &Server{
		cfg:          cfg,
		respQ:        make(chan response, defaults.ResponseQueueSize),
		streams:      NewActiveStreams(cfg.Clock),
		peers:        make(map[string]*peer),
		watchers:     make(map[string]*watchHandler),
		closeContext: closeContext,
		closeFunc:    closeFunc,
	}, nil
}

// Start binds the unix socket with mode 0660 owned by root:<group> and
// begins accepting clients. A missing group logs a warning and leaves the
// socket root-only rather than failing startup.
func (s *Server) Start() error {
	if err := os.Remove(s.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		return trace.ConvertSystemError(err)
	}

	oldMask := unix.Umask(0o117)
	listener, err := net.Listen("unix", s.cfg.SocketPath)
	unix.Umask(oldMask)
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	s.listener = listener
	s.ensureSocketPermissions()

	s.wg.Add(2)
	go s.acceptLoop()
	go s.writeLoop()
	go s.streams.RunSweeper(s.closeContext)

	log.Info("Listening for local clients.", "socket", s.cfg.SocketPath)
	return nil
}

// ensureSocketPermissions sets root:<group> 0660 on the socket file.
func (s *Server) ensureSocketPermissions() {
	group, err := user.LookupGroup(s.cfg.GroupName)
	if err != nil {
		log.Warn("Socket group not found, socket stays root-only.",
			"group", s.cfg.GroupName, "error", err)
		return
	}
	gid, err := strconv.Atoi(group.Gid)
	if err != nil {
		log.Warn("Unable to parse gid.", "gid", group.Gid, "error", err)
		return
	}
	if err := os.Chown(s.cfg.SocketPath, 0, gid); err != nil {
		log.Warn("Unable to chown socket.", "error", err)
		return
	}
	if err := os.Chmod(s.cfg.SocketPath, 0o660); err != nil {
		log.Warn("Unable to chmod socket.", "error", err)
	}
}

// Close stops the server. In-flight handlers observe the close context and
// exit; no response is emitted after shutdown begins.
func (s *Server) Close() {
	s.closeFunc()
	if s.listener != nil {
		s.listener.Close()
	}
	s.peersMu.Lock()
	for _, p := range s.peers {
		p.conn.Close()
	}
	s.peersMu.Unlock()
	s.wg.Wait()
}

// Streams exposes the lease table; watch requests refresh it.
func (s *Server) Streams() *ActiveStreams {
	return s.streams
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closeContext.Done():
				return
			default:
			}
			log.Warn("Accept failed.", "error", err)
			return
		}
		s.peersMu.Lock()
		s.nextPeer++
		p := &peer{id: "peer-" + strconv.Itoa(s.nextPeer), conn: conn}
		s.peers[p.id] = p
		s.peersMu.Unlock()

		s.wg.Add(1)
		go s.servePeer(p)
	}
}

func (s *Server) servePeer(p *peer) {
	defer s.wg.Done()
	defer func() {
		p.conn.Close()
		s.peersMu.Lock()
		delete(s.peers, p.id)
		s.peersMu.Unlock()
	}()

	scanner := bufio.NewScanner(p.conn)
	scanner.Buffer(make([]byte, 64*1024), maxFrameSize)
	for scanner.Scan() {
		frame := make([]byte, len(scanner.Bytes()))
		copy(frame, scanner.Bytes())
		s.handleFrame(p, frame)
	}
	if err := scanner.Err(); err != nil {
		select {
		case <-s.closeContext.Done():
		default:
			log.Debug("Peer read ended.", "peer", p.id, "error", err)
		}
	}
}

// handleFrame decodes one envelope and dispatches it. Malformed frames and
// unknown payload types are protocol errors: logged and dropped with no
// response.
func (s *Server) handleFrame(p *peer, frame []byte) {
	env, err := DecodeEnvelope(frame)
	if err != nil {
		log.Warn("Dropping malformed frame.", "peer", p.id, "error", err)
		return
	}
	payload, err := DecodePayload(env)
	if err != nil {
		log.Warn("Dropping undecodable request.", "peer", p.id, "error", err)
		return
	}

	switch req := payload.(type) {
	case *SessionListRequest:
		s.wg.Add(1)
		go s.handleListSessions(p, env)
	case *KillSessionRequest:
		s.wg.Add(1)
		go s.handleKillSession(p, env, req)
	case *EventWatchRequest:
		s.handleWatch(p, env, req)
	case *ShellSendKeysRequest:
		// Short side effect, no response: runs inline on the dispatch
		// goroutine.
		s.handleSendKeys(req)
	default:
		log.Warn("Dropping unexpected payload.",
			"peer", p.id, "payload_type", env.PayloadType)
	}
}

// respond enqueues a response envelope for the writer. Never blocks past
// shutdown.
func (s *Server) respond(p *peer, correlationID string, payloadType int, payload any) {
	frame, err := EncodeEnvelope(p.id, correlationID, payloadType, payload)
	if err != nil {
		log.Error("Unable to encode response.", "error", err)
		return
	}
	select {
	case s.respQ <- response{peer: p, frame: frame}:
	case <-s.closeContext.Done():
	}
}

// writeLoop is the single socket writer. It drains the response queue and
// addresses each frame to the peer that originated the request.
func (s *Server) writeLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.closeContext.Done():
			return
		case r := <-s.respQ:
			if _, err := r.peer.conn.Write(append(r.frame, '\n')); err != nil {
				log.Debug("Dropping response to gone peer.",
					"peer", r.peer.id, "error", err)
			}
		}
	}
}
