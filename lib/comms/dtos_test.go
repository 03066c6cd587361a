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
	"encoding/json"
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/openkilt/sshlog/lib/events"
)

func TestEnvelopePayloadIsNestedString(t *testing.T) {
	t.Parallel()

	frame, err := EncodeEnvelope("client-1", "corr-1", SessionListRequestType,
		SessionListRequest{PayloadType: SessionListRequestType})
	require.NoError(t, err)

	// The payload travels as a JSON string, not an embedded object.
	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(frame, &raw))
	require.Equal(t, byte('"'), raw["dto_payload"][0])

	env, err := DecodeEnvelope(frame)
	require.NoError(t, err)
	require.Equal(t, "client-1", env.ClientID)
	require.Equal(t, "corr-1", env.CorrelationID)
	require.Equal(t, SessionListRequestType, env.PayloadType)
}

func TestDecodePayload(t *testing.T) {
	t.Parallel()

	watchReq := EventWatchRequest{
		EventTypes:  []events.Kind{events.CommandStart, events.CommandFinish},
		PTMPID:      4242,
		PayloadType: EventWatchRequestType,
	}
	frame, err := EncodeEnvelope("c", "corr", EventWatchRequestType, watchReq)
	require.NoError(t, err)

	env, err := DecodeEnvelope(frame)
	require.NoError(t, err)
	payload, err := DecodePayload(env)
	require.NoError(t, err)

	decoded, ok := payload.(*EventWatchRequest)
	require.True(t, ok)
	require.Equal(t, watchReq, *decoded)
}

func TestDecodePayloadKillResponse(t *testing.T) {
	t.Parallel()

	frame, err := EncodeEnvelope("c", "corr", KillSessionResponseType,
		KillSessionResponse{Success: true, PayloadType: KillSessionResponseType})
	require.NoError(t, err)

	env, err := DecodeEnvelope(frame)
	require.NoError(t, err)
	payload, err := DecodePayload(env)
	require.NoError(t, err)

	resp, ok := payload.(*KillSessionResponse)
	require.True(t, ok)
	require.True(t, resp.Success)
}

func TestDecodePayloadUnknownType(t *testing.T) {
	t.Parallel()

	_, err := DecodePayload(&Envelope{PayloadType: 999, Payload: "{}"})
	require.True(t, trace.IsBadParameter(err))
}

func TestDecodePayloadMalformedBody(t *testing.T) {
	t.Parallel()

	_, err := DecodePayload(&Envelope{
		PayloadType: SessionListRequestType,
		Payload:     "{not json",
	})
	require.Error(t, err)
}

func TestWatchResponseCarriesFullEvent(t *testing.T) {
	t.Parallel()

	evt := events.Event{
		Type:     events.CommandStart,
		PTMPID:   4242,
		Username: "alice",
		Filename: "vim",
		Args:     "vim /etc/hosts",
	}
	frame, err := EncodeEnvelope("c", "corr", EventWatchResponseType, EventWatchResponse{
		EventType:   evt.Type,
		PayloadJSON: evt,
		PayloadType: EventWatchResponseType,
	})
	require.NoError(t, err)

	env, err := DecodeEnvelope(frame)
	require.NoError(t, err)
	payload, err := DecodePayload(env)
	require.NoError(t, err)

	resp, ok := payload.(*EventWatchResponse)
	require.True(t, ok)
	require.Equal(t, events.CommandStart, resp.EventType)
	require.Equal(t, evt, resp.PayloadJSON)
}
