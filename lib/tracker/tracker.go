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

// Package tracker maintains the live session directory derived from bus
// events.
package tracker

import (
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/openkilt/sshlog"
	"github.com/openkilt/sshlog/lib/events"
	logutils "github.com/openkilt/sshlog/lib/utils/log"
)

var log = logutils.NewPackageLogger(sshlog.ComponentKey, sshlog.ComponentTracker)

// Session is one live SSH connection, keyed by the pseudoterminal master
// pid.
type Session struct {
	PTMPID       int            `json:"ptm_pid"`
	UserID       int            `json:"user_id"`
	Username     string         `json:"username"`
	PTSPID       int            `json:"pts_pid"`
	ShellPID     int            `json:"shell_pid"`
	TTYID        int            `json:"tty_id"`
	StartTime    int64          `json:"start_time"`
	EndTime      int64          `json:"end_time"`
	TCPInfo      events.TCPInfo `json:"tcp_info"`
	LastActivity int64          `json:"last_activity_time"`
	LastCommand  string         `json:"last_command"`
}

// Tracker derives the session directory from connection, command, and
// terminal events. Writes are serialized through the bus callback; reads
// return copies.
type Tracker struct {
	mu       sync.RWMutex
	clock    clockwork.Clock
	sessions map[int]*Session
}

// New creates a Tracker. A nil clock defaults to the real clock.
func New(clock clockwork.Clock) *Tracker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Tracker{
		clock:    clock,
		sessions: make(map[int]*Session),
	}
}

// Kinds lists the event kinds the tracker must be subscribed to.
func Kinds() []events.Kind {
	return []events.Kind{
		events.ConnectionNew,
		events.ConnectionEstablished,
		events.ConnectionClose,
		events.CommandStart,
		events.TerminalUpdate,
	}
}

// HandleEvent implements eventbus.Subscriber.
func (t *Tracker) HandleEvent(evt events.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch evt.Type {
	case events.ConnectionNew:
		t.sessions[evt.PTMPID] = sessionFromEvent(evt)
	case events.ConnectionEstablished:
		sess := sessionFromEvent(evt)
		sess.LastActivity = t.nowMillis()
		sess.LastCommand = ""
		t.sessions[evt.PTMPID] = sess
		log.Debug("Session established.",
			"ptm_pid", evt.PTMPID, "username", evt.Username)
	case events.ConnectionClose:
		delete(t.sessions, evt.PTMPID)
		log.Debug("Session closed.", "ptm_pid", evt.PTMPID)
	case events.TerminalUpdate:
		if sess, ok := t.sessions[evt.PTMPID]; ok {
			if now := t.nowMillis(); now > sess.LastActivity {
				sess.LastActivity = now
			}
		}
	case events.CommandStart:
		if sess, ok := t.sessions[evt.PTMPID]; ok {
			sess.LastCommand = evt.Args
		}
	}
}

// GetSession returns a copy of the session for the given pseudoterminal
// master pid.
func (t *Tracker) GetSession(ptmPID int) (Session, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	sess, ok := t.sessions[ptmPID]
	if !ok {
		return Session{}, false
	}
	return *sess, true
}

// Sessions returns an immutable snapshot of all live sessions.
func (t *Tracker) Sessions() []Session {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Session, 0, len(t.sessions))
	for _, sess := range t.sessions {
		out = append(out, *sess)
	}
	return out
}

// LookupSession implements eventbus.SessionLookup.
func (t *Tracker) LookupSession(ptmPID int) (string, int, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	sess, ok := t.sessions[ptmPID]
	if !ok {
		return "", -1, false
	}
	return sess.Username, sess.TTYID, true
}

func (t *Tracker) nowMillis() int64 {
	return t.clock.Now().UnixMilli()
}

func sessionFromEvent(evt events.Event) *Session {
	sess := &Session{
		PTMPID:    evt.PTMPID,
		UserID:    evt.UserID,
		Username:  evt.Username,
		PTSPID:    evt.PTSPID,
		ShellPID:  evt.ShellPID,
		TTYID:     evt.TTYID,
		StartTime: evt.StartTime,
		EndTime:   evt.EndTime,
	}
	if evt.TCPInfo != nil {
		sess.TCPInfo = *evt.TCPInfo
	}
	return sess
}
