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
	"golang.org/x/sys/unix"

	"github.com/openkilt/sshlog/lib/defaults"
	"github.com/openkilt/sshlog/lib/events"
	"github.com/openkilt/sshlog/lib/tracker"
	"github.com/openkilt/sshlog/lib/utils"
)

// handleListSessions snapshots the tracker and returns the projected
// session list. It cannot fail.
func (s *Server) handleListSessions(p *peer, env *Envelope) {
	defer s.wg.Done()

	sessions := s.cfg.Tracker.Sessions()
	dtos := make([]SessionDTO, 0, len(sessions))
	for _, sess := range sessions {
		dtos = append(dtos, sessionDTO(sess))
	}
	s.respond(p, env.CorrelationID, SessionListResponseType, SessionListResponse{
		Sessions:    dtos,
		PayloadType: SessionListResponseType,
	})
}

func sessionDTO(sess tracker.Session) SessionDTO {
	return SessionDTO{
		PTMPID:       sess.PTMPID,
		PTSPID:       sess.PTSPID,
		ShellPID:     sess.ShellPID,
		TTYID:        sess.TTYID,
		StartTime:    sess.StartTime,
		EndTime:      sess.EndTime,
		LastActivity: sess.LastActivity,
		LastCommand:  sess.LastCommand,
		UserID:       sess.UserID,
		Username:     sess.Username,
		ClientIP:     sess.TCPInfo.ClientIP,
		ClientPort:   sess.TCPInfo.ClientPort,
		ServerIP:     sess.TCPInfo.ServerIP,
		ServerPort:   sess.TCPInfo.ServerPort,
	}
}

// handleKillSession sends SIGTERM to the session's pseudoterminal master
// if it is still present in procfs. There is no retry and no SIGKILL
// escalation; a missing process yields success=false, not an error.
func (s *Server) handleKillSession(p *peer, env *Envelope, req *KillSessionRequest) {
	defer s.wg.Done()

	success := false
	if utils.PIDExists(req.PTMPID) {
		if err := unix.Kill(req.PTMPID, unix.SIGTERM); err != nil {
			log.Warn("Unable to signal session.",
				"ptm_pid", req.PTMPID, "error", err)
		} else {
			success = true
		}
	}
	s.respond(p, env.CorrelationID, KillSessionResponseType, KillSessionResponse{
		Success:     success,
		PayloadType: KillSessionResponseType,
	})
}

// handleWatch starts a watch handler for a fresh correlation id, or
// coalesces a repeat request into a lease refresh. Exactly one handler
// exists per live correlation id.
func (s *Server) handleWatch(p *peer, env *Envelope, req *EventWatchRequest) {
	s.streams.Refresh(env.CorrelationID)

	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	if _, ok := s.watchers[env.CorrelationID]; ok {
		return
	}

	kinds := make([]events.Kind, 0, len(req.EventTypes))
	for _, kind := range req.EventTypes {
		if !events.ValidKind(kind) || kind == events.ConnectionNew {
			log.Warn("Ignoring watch on unknown event type.", "event_type", kind)
			continue
		}
		kinds = append(kinds, kind)
	}
	// No watchable kind survived validation: the lease was refreshed but
	// nothing is subscribed. A bare Subscribe would mean all kinds.
	if len(kinds) == 0 {
		log.Warn("Watch request has no watchable event types, not subscribing.",
			"correlation_id", env.CorrelationID)
		return
	}

	w := &watchHandler{
		server:        s,
		peer:          p,
		correlationID: env.CorrelationID,
		kinds:         kinds,
		ptmPID:        req.PTMPID,
	}
	s.watchers[env.CorrelationID] = w
	s.wg.Add(1)
	go w.run()
}

// watching reports whether a handler exists for the correlation id.
func (s *Server) watching(correlationID string) bool {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	_, ok := s.watchers[correlationID]
	return ok
}

// watchHandler is the long-lived worker behind one watch subscription. It
// subscribes to the bus, forwards matching events as responses, and exits
// once its lease lapses or the server shuts down.
type watchHandler struct {
	server        *Server
	peer          *peer
	correlationID string
	kinds         []events.Kind
	ptmPID        int
}

// HandleEvent implements eventbus.Subscriber. Runs on the publisher's
// goroutine, so it only filters and enqueues.
func (w *watchHandler) HandleEvent(evt events.Event) {
	if w.ptmPID > 0 && evt.PTMPID != w.ptmPID {
		return
	}
	w.server.respond(w.peer, w.correlationID, EventWatchResponseType, EventWatchResponse{
		EventType:   evt.Type,
		PayloadJSON: evt,
		PayloadType: EventWatchResponseType,
	})
}

func (w *watchHandler) run() {
	defer w.server.wg.Done()

	log.Debug("Event watch subscribing.", "correlation_id", w.correlationID)
	w.server.cfg.Bus.Subscribe(w, w.kinds...)

	ticker := w.server.cfg.Clock.NewTicker(defaults.WatchPollInterval)
	defer ticker.Stop()
loop:
	for {
		select {
		case <-w.server.closeContext.Done():
			break loop
		case <-ticker.Chan():
			if !w.server.streams.IsActive(w.correlationID) {
				break loop
			}
		}
	}

	log.Debug("Event watch unsubscribing.", "correlation_id", w.correlationID)
	w.server.cfg.Bus.Unsubscribe(w, w.kinds...)
	w.server.watchMu.Lock()
	delete(w.server.watchers, w.correlationID)
	w.server.watchMu.Unlock()
}

// injectKeys performs the terminal write. A variable so tests can
// exercise the decision logic without a real pseudoterminal.
var injectKeys = injectTTY

// handleSendKeys injects keystrokes into the session's pseudoterminal. It
// is advisory: any failure logs and drops with no response. When the
// client asks for a redraw the shell gets a SIGWINCH first so it repaints
// its prompt.
func (s *Server) handleSendKeys(req *ShellSendKeysRequest) {
	if !s.cfg.EnableSessionInjection {
		log.Warn("Session injection is disabled, dropping sendkeys request.",
			"ptm_pid", req.PTMPID)
		return
	}
	sess, ok := s.cfg.Tracker.GetSession(req.PTMPID)
	if !ok {
		log.Warn("Sendkeys for unknown session.", "ptm_pid", req.PTMPID)
		return
	}
	if sess.TTYID < 0 {
		log.Warn("Session has no attached terminal.", "ptm_pid", req.PTMPID)
		return
	}
	if req.ForceRedraw {
		if err := unix.Kill(sess.ShellPID, unix.SIGWINCH); err != nil {
			log.Warn("Unable to signal shell for redraw.",
				"shell_pid", sess.ShellPID, "error", err)
		}
	}
	if err := injectKeys(sess.TTYID, req.Keys); err != nil {
		log.Warn("Unable to inject keys.",
			"tty_id", sess.TTYID, "error", err)
	}
}
