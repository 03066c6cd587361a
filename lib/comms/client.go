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
	"bytes"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"

	"github.com/openkilt/sshlog"
	"github.com/openkilt/sshlog/lib/defaults"
	logutils "github.com/openkilt/sshlog/lib/utils/log"
)

var clientLog = logutils.NewPackageLogger(sshlog.ComponentKey, sshlog.ComponentClient)

// Client is a synchronous local client of the daemon socket. Responses for
// other correlation ids observed while waiting are discarded.
type Client struct {
	conn     net.Conn
	reader   *bufio.Reader
	clientID string
	// partial holds bytes of an incomplete frame left over when a read
	// deadline fired mid-line.
	partial []byte
}

// NewClient connects to the daemon socket.
func NewClient(socketPath string) (*Client, error) {
	if socketPath == "" {
		socketPath = defaults.SocketPath
	}
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	return &Client{
		conn:     conn,
		reader:   bufio.NewReaderSize(conn, 64*1024),
		clientID: uuid.NewString(),
	}, nil
}

// Close disconnects from the daemon.
func (c *Client) Close() error {
	return trace.Wrap(c.conn.Close())
}

// MakeRequest sends one request envelope with a fresh correlation id and
// returns the id for response correlation.
func (c *Client) MakeRequest(payloadType int, payload any) (string, error) {
	return c.MakeRequestWithID(uuid.NewString(), payloadType, payload)
}

// MakeRequestWithID sends a request reusing the caller's correlation id.
// Watch subscriptions renew their lease this way.
func (c *Client) MakeRequestWithID(correlationID string, payloadType int, payload any) (string, error) {
	frame, err := EncodeEnvelope(c.clientID, correlationID, payloadType, payload)
	if err != nil {
		return "", trace.Wrap(err)
	}
	if _, err := c.conn.Write(append(frame, '\n')); err != nil {
		return "", trace.ConvertSystemError(err)
	}
	return correlationID, nil
}

// ListenForResponse waits up to timeout for a response carrying the given
// correlation id and returns its decoded payload. Returns NotFound when
// the timeout expires first.
func (c *Client) ListenForResponse(correlationID string, timeout time.Duration) (any, error) {
	if timeout <= 0 {
		timeout = defaults.ClientRequestTimeout
	}
	deadline := time.Now().Add(timeout)
	for {
		frame, err := c.readFrame(deadline)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		env, err := DecodeEnvelope(frame)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		if env.CorrelationID != correlationID {
			// A response for some other request on this connection.
			clientLog.Debug("Discarding response for another request.",
				"correlation_id", env.CorrelationID)
			continue
		}
		payload, err := DecodePayload(env)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		return payload, nil
	}
}

// readFrame reads one newline-delimited frame, carrying partial bytes over
// across deadline expirations so no frame is ever torn.
func (c *Client) readFrame(deadline time.Time) ([]byte, error) {
	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	chunk, err := c.reader.ReadBytes('\n')
	c.partial = append(c.partial, chunk...)
	if err != nil {
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return nil, trace.NotFound("no response before deadline")
		}
		return nil, trace.ConvertSystemError(err)
	}
	frame := bytes.TrimRight(c.partial, "\n")
	c.partial = nil
	return frame, nil
}
