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

// Package events defines the closed set of session trace events emitted by
// the native tracer and consumed by the event bus.
package events

import (
	"encoding/json"
	"fmt"

	"github.com/gravitational/trace"
)

// Kind is the type tag of a trace event. The wire form keeps the string
// tags emitted by the native tracer.
type Kind string

const (
	// ConnectionNew fires when sshd forks for an incoming connection,
	// before authentication. It is consumed by the daemon but never
	// propagated to subscribers.
	ConnectionNew Kind = "connection_new"

	// ConnectionEstablished fires once the user has authenticated and a
	// shell is attached.
	ConnectionEstablished Kind = "connection_established"

	// ConnectionAuthFailed fires when authentication fails.
	ConnectionAuthFailed Kind = "connection_auth_failed"

	// ConnectionClose fires when the session terminates.
	ConnectionClose Kind = "connection_close"

	// CommandStart fires when a process starts inside a session.
	CommandStart Kind = "command_start"

	// CommandFinish fires when a process inside a session exits.
	CommandFinish Kind = "command_finish"

	// TerminalUpdate carries raw pseudoterminal output bytes.
	TerminalUpdate Kind = "terminal_update"

	// FileUpload fires when a file is uploaded over scp/sftp.
	FileUpload Kind = "file_upload"
)

// AllKinds lists every kind that propagates on the event bus.
// ConnectionNew is deliberately absent: it happens before the shell is
// created and is never delivered to subscribers.
var AllKinds = []Kind{
	ConnectionEstablished,
	ConnectionAuthFailed,
	ConnectionClose,
	CommandStart,
	CommandFinish,
	TerminalUpdate,
	FileUpload,
}

// ValidKind reports whether k is a known event kind, including the
// non-propagating ConnectionNew.
func ValidKind(k Kind) bool {
	if k == ConnectionNew {
		return true
	}
	for _, known := range AllKinds {
		if k == known {
			return true
		}
	}
	return false
}

// TCPInfo describes the TCP endpoints of a connection event.
type TCPInfo struct {
	ServerIP   string `json:"server_ip"`
	ClientIP   string `json:"client_ip"`
	ServerPort int    `json:"server_port"`
	ClientPort int    `json:"client_port"`
}

// Event is a single trace event. The pseudoterminal master pid (PTMPID) is
// present on every kind and is the primary key of a session. The remaining
// fields are kind specific and mirror the native tracer's serialized form.
type Event struct {
	Type   Kind `json:"event_type"`
	PTMPID int  `json:"ptm_pid"`

	// Connection fields.
	UserID       int      `json:"user_id,omitempty"`
	Username     string   `json:"username,omitempty"`
	PTSPID       int      `json:"pts_pid,omitempty"`
	ShellPID     int      `json:"shell_pid,omitempty"`
	TTYID        int      `json:"tty_id,omitempty"`
	StartTime    int64    `json:"start_time,omitempty"`
	EndTime      int64    `json:"end_time,omitempty"`
	StartTimeRaw int64    `json:"start_timeraw,omitempty"`
	EndTimeRaw   int64    `json:"end_timeraw,omitempty"`
	TCPInfo      *TCPInfo `json:"tcp_info,omitempty"`

	// Command fields.
	Filename   string `json:"filename,omitempty"`
	Args       string `json:"args,omitempty"`
	PID        int    `json:"pid,omitempty"`
	ParentPID  int    `json:"parent_pid,omitempty"`
	ExitCode   int    `json:"exit_code,omitempty"`
	StdoutSize int    `json:"stdout_size,omitempty"`
	Stdout     string `json:"stdout,omitempty"`

	// Terminal fields.
	TerminalData string `json:"terminal_data,omitempty"`
	DataLen      int    `json:"data_len,omitempty"`

	// Upload fields.
	TargetPath string `json:"target_path,omitempty"`
	FileMode   string `json:"file_mode,omitempty"`
}

// Unmarshal decodes a single event from its JSON wire form.
func Unmarshal(data []byte) (*Event, error) {
	var evt Event
	if err := json.Unmarshal(data, &evt); err != nil {
		return nil, trace.Wrap(err, "decoding event")
	}
	if !ValidKind(evt.Type) {
		return nil, trace.BadParameter("unknown event type %q", evt.Type)
	}
	return &evt, nil
}

// Fields returns the event as a flat field map, used by action parameter
// templating. Nested tcp_info fields are exposed under their leaf names.
func (e *Event) Fields() map[string]string {
	fields := map[string]string{
		"event_type":    string(e.Type),
		"ptm_pid":       fmt.Sprint(e.PTMPID),
		"user_id":       fmt.Sprint(e.UserID),
		"username":      e.Username,
		"pts_pid":       fmt.Sprint(e.PTSPID),
		"shell_pid":     fmt.Sprint(e.ShellPID),
		"tty_id":        fmt.Sprint(e.TTYID),
		"start_time":    fmt.Sprint(e.StartTime),
		"end_time":      fmt.Sprint(e.EndTime),
		"filename":      e.Filename,
		"args":          e.Args,
		"pid":           fmt.Sprint(e.PID),
		"parent_pid":    fmt.Sprint(e.ParentPID),
		"exit_code":     fmt.Sprint(e.ExitCode),
		"stdout_size":   fmt.Sprint(e.StdoutSize),
		"stdout":        e.Stdout,
		"terminal_data": e.TerminalData,
		"data_len":      fmt.Sprint(e.DataLen),
		"target_path":   e.TargetPath,
		"file_mode":     e.FileMode,
	}
	if e.TCPInfo != nil {
		fields["server_ip"] = e.TCPInfo.ServerIP
		fields["client_ip"] = e.TCPInfo.ClientIP
		fields["server_port"] = fmt.Sprint(e.TCPInfo.ServerPort)
		fields["client_port"] = fmt.Sprint(e.TCPInfo.ClientPort)
	}
	return fields
}
