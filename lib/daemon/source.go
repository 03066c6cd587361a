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

package daemon

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"

	"github.com/gravitational/trace"

	"github.com/openkilt/sshlog/lib/events"
)

// Source produces session events for the daemon to publish. The native
// tracer is one source; tests and replays feed events from a stream.
type Source interface {
	// Events returns the channel events arrive on. The source closes it
	// when no more events will be produced.
	Events() <-chan events.Event
	// Start begins producing events. It returns once production is
	// underway.
	Start(ctx context.Context) error
	// Close stops the source and releases its resources.
	Close() error
}

// StreamSource reads newline delimited JSON events from a reader. Each
// line is one event object; lines that fail to parse are skipped with a
// warning. When the reader is also a closer, Close closes it so a reader
// with no pending EOF (a pipe, stdin) cannot wedge shutdown.
type StreamSource struct {
	reader io.Reader
	ch     chan events.Event
}

// NewStreamSource creates a source reading from r.
func NewStreamSource(r io.Reader) *StreamSource {
	return &StreamSource{
		reader: r,
		ch:     make(chan events.Event),
	}
}

// Events implements Source.
func (s *StreamSource) Events() <-chan events.Event {
	return s.ch
}

// Start launches the reader goroutine. The event channel closes when the
// stream ends or the context is canceled.
func (s *StreamSource) Start(ctx context.Context) error {
	if s.reader == nil {
		return trace.BadParameter("missing reader")
	}
	go func() {
		defer close(s.ch)
		scanner := bufio.NewScanner(s.reader)
		scanner.Buffer(make([]byte, 64*1024), maxEventLine)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			evt, err := events.Unmarshal(line)
			if err != nil {
				log.Warn("Skipping malformed event line.", "error", err)
				continue
			}
			select {
			case s.ch <- *evt:
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil && !closedErr(err) {
			log.Warn("Event stream read failed.", "error", err)
		}
	}()
	return nil
}

// Close unblocks the reader goroutine by closing the underlying reader
// when it supports closing, guaranteeing the event channel closes even
// when the stream never reaches EOF on its own.
func (s *StreamSource) Close() error {
	if closer, ok := s.reader.(io.Closer); ok {
		if err := closer.Close(); err != nil && !closedErr(err) {
			return trace.ConvertSystemError(err)
		}
	}
	return nil
}

// closedErr reports whether err is the expected result of reading from or
// re-closing an already closed stream.
func closedErr(err error) bool {
	return errors.Is(err, io.ErrClosedPipe) || errors.Is(err, os.ErrClosed)
}

// maxEventLine bounds one serialized event. Terminal updates can carry a
// full screen repaint.
const maxEventLine = 10 * 1024 * 1024
