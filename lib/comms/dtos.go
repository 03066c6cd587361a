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

// Package comms implements the local request/response protocol between the
// daemon and its CLI clients over a unix domain socket.
package comms

import (
	"encoding/json"

	"github.com/gravitational/trace"

	"github.com/openkilt/sshlog/lib/events"
)

// Stable payload type codes of the wire protocol.
const (
	SessionListRequestType  = 1
	SessionListResponseType = 2

	EventWatchRequestType  = 101
	EventWatchResponseType = 102

	ShellSendKeysRequestType = 201

	KillSessionRequestType  = 301
	KillSessionResponseType = 302
)

// Envelope frames every message on the socket. The payload is a nested
// JSON string (not an object) carrying the typed body, which repeats the
// payload type. correlation_id is opaque to the server and echoed back
// verbatim on every response to the request.
type Envelope struct {
	ClientID      string `json:"client_id"`
	CorrelationID string `json:"correlation_id"`
	PayloadType   int    `json:"payload_type"`
	Payload       string `json:"dto_payload"`
}

// SessionListRequest asks for the live session directory.
type SessionListRequest struct {
	PayloadType int `json:"payload_type"`
}

// SessionDTO is the projection of one live session returned to clients.
type SessionDTO struct {
	PTMPID       int    `json:"ptm_pid"`
	PTSPID       int    `json:"pts_pid"`
	ShellPID     int    `json:"shell_pid"`
	TTYID        int    `json:"tty_id"`
	StartTime    int64  `json:"start_time"`
	EndTime      int64  `json:"end_time"`
	LastActivity int64  `json:"last_activity_time"`
	LastCommand  string `json:"last_command"`
	UserID       int    `json:"user_id"`
	Username     string `json:"username"`
	ClientIP     string `json:"client_ip"`
	ClientPort   int    `json:"client_port"`
	ServerIP     string `json:"server_ip"`
	ServerPort   int    `json:"server_port"`
}

// SessionListResponse carries the session directory snapshot.
type SessionListResponse struct {
	Sessions    []SessionDTO `json:"sessions"`
	PayloadType int          `json:"payload_type"`
}

// EventWatchRequest subscribes the requesting client to a live event
// stream. Repeating the request with the same correlation id refreshes the
// subscription lease instead of creating a second stream. PTMPID below or
// equal to zero means no per-session filter.
type EventWatchRequest struct {
	EventTypes  []events.Kind `json:"event_types"`
	PTMPID      int           `json:"ptm_pid"`
	PayloadType int           `json:"payload_type"`
}

// EventWatchResponse carries one matched event back to a watching client.
type EventWatchResponse struct {
	EventType   events.Kind  `json:"event_type"`
	PayloadJSON events.Event `json:"payload_json"`
	PayloadType int          `json:"payload_type"`
}

// ShellSendKeysRequest injects keystrokes into an attached pseudoterminal.
// It has no response.
type ShellSendKeysRequest struct {
	PTMPID      int    `json:"ptm_pid"`
	Keys        string `json:"keys"`
	ForceRedraw bool   `json:"force_redraw"`
	PayloadType int    `json:"payload_type"`
}

// KillSessionRequest terminates the session with the given pseudoterminal
// master pid.
type KillSessionRequest struct {
	PTMPID      int `json:"ptm_pid"`
	PayloadType int `json:"payload_type"`
}

// KillSessionResponse reports whether the SIGTERM was delivered.
type KillSessionResponse struct {
	Success     bool `json:"success"`
	PayloadType int  `json:"payload_type"`
}

// EncodeEnvelope wraps a typed payload into its wire form. The payload is
// marshaled separately and embedded as a string, matching the historical
// protocol.
func EncodeEnvelope(clientID, correlationID string, payloadType int, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, trace.Wrap(err, "encoding payload")
	}
	frame, err := json.Marshal(Envelope{
		ClientID:      clientID,
		CorrelationID: correlationID,
		PayloadType:   payloadType,
		Payload:       string(body),
	})
	if err != nil {
		return nil, trace.Wrap(err, "encoding envelope")
	}
	return frame, nil
}

// DecodeEnvelope parses one frame off the wire.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, trace.Wrap(err, "decoding envelope")
	}
	return &env, nil
}

// DecodePayload parses the typed body of an envelope. An unknown payload
// type is a protocol error: the caller logs and drops the frame without
// responding.
func DecodePayload(env *Envelope) (any, error) {
	var payload any
	switch env.PayloadType {
	case SessionListRequestType:
		payload = &SessionListRequest{}
	case SessionListResponseType:
		payload = &SessionListResponse{}
	case EventWatchRequestType:
		payload = &EventWatchRequest{}
	case EventWatchResponseType:
		payload = &EventWatchResponse{}
	case ShellSendKeysRequestType:
		payload = &ShellSendKeysRequest{}
	case KillSessionRequestType:
		payload = &KillSessionRequest{}
	case KillSessionResponseType:
		payload = &KillSessionResponse{}
	default:
		return nil, trace.BadParameter("unknown payload type %v", env.PayloadType)
	}
	if err := json.Unmarshal([]byte(env.Payload), payload); err != nil {
		return nil, trace.Wrap(err, "decoding payload type %v", env.PayloadType)
	}
	return payload, nil
}
