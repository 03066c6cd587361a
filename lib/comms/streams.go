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
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/openkilt/sshlog/lib/defaults"
)

// ActiveStreams is the lease table that keeps watch subscriptions alive.
// Each watch request refreshes the lease of its correlation id; a watch
// handler exits once its lease has lapsed.
type ActiveStreams struct {
	mu       sync.Mutex
	clock    clockwork.Clock
	lastSeen map[string]time.Time
}

// NewActiveStreams creates a lease table. A nil clock defaults to the real
// clock.
func NewActiveStreams(clock clockwork.Clock) *ActiveStreams {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &ActiveStreams{
		clock:    clock,
		lastSeen: make(map[string]time.Time),
	}
}

// Refresh marks the lease for the given correlation id as just seen.
func (s *ActiveStreams) Refresh(correlationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSeen[correlationID] = s.clock.Now()
}

// IsActive reports whether the lease is still live. A lease refreshed
// exactly MaxLeaseAge ago is live; strictly older has lapsed.
func (s *ActiveStreams) IsActive(correlationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	last, ok := s.lastSeen[correlationID]
	if !ok {
		return false
	}
	return s.clock.Since(last) <= defaults.MaxLeaseAge
}

// Sweep removes entries whose lease lapsed longer than LeaseSweepAge ago,
// bounding the table. Correctness does not depend on it.
func (s *ActiveStreams) Sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, last := range s.lastSeen {
		if s.clock.Since(last) > defaults.LeaseSweepAge {
			delete(s.lastSeen, id)
		}
	}
}

// RunSweeper sweeps periodically until the context is canceled.
func (s *ActiveStreams) RunSweeper(ctx context.Context) {
	ticker := s.clock.NewTicker(defaults.LeaseSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			s.Sweep()
		}
	}
}

// size returns the number of tracked leases, live or lapsed.
func (s *ActiveStreams) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.lastSeen)
}
