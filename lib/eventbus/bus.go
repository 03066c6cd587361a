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

// Package eventbus implements the typed in-process pub/sub the daemon fans
// trace events out on.
package eventbus

import (
	"runtime/debug"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/openkilt/sshlog"
	"github.com/openkilt/sshlog/lib/events"
	logutils "github.com/openkilt/sshlog/lib/utils/log"
)

var log = logutils.NewPackageLogger(sshlog.ComponentKey, sshlog.ComponentBus)

// Subscriber receives events for the kinds it subscribed to. Delivery is
// synchronous to publish, so handlers must not block for long.
type Subscriber interface {
	HandleEvent(evt events.Event)
}

// SessionLookup resolves a live session by its pseudoterminal master pid.
// Implemented by the session tracker; used to enrich command and upload
// events before fan-out.
type SessionLookup interface {
	LookupSession(ptmPID int) (username string, ttyID int, ok bool)
}

// Bus is a typed pub/sub with one topic per event kind. Fan-out runs in the
// publishing goroutine, in subscription order. Subscription changes made
// during a publish take effect on the next publish.
type Bus struct {
	mu          sync.Mutex
	subscribers map[events.Kind][]Subscriber

	lookup SessionLookup

	published *prometheus.CounterVec
	dropped   *prometheus.CounterVec
}

// New creates a Bus. lookup may be nil, in which case command and upload
// events are enriched with empty values.
func New(lookup SessionLookup) *Bus {
	return &Bus{
		subscribers: make(map[events.Kind][]Subscriber),
		lookup:      lookup,
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sshlog",
			Name:      "events_published_total",
			Help:      "Trace events delivered to bus subscribers.",
		}, []string{"kind"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sshlog",
			Name:      "events_dropped_total",
			Help:      "Trace events dropped by publish-time policy.",
		}, []string{"reason"}),
	}
}

// Collectors exposes the bus metrics for registration on the diagnostic
// web registry.
func (b *Bus) Collectors() []prometheus.Collector {
	return []prometheus.Collector{b.published, b.dropped}
}

// Subscribe registers s for the given kinds, or for all propagating kinds
// when none are given. Subscribing the same subscriber twice for a kind is
// a no-op.
func (b *Bus) Subscribe(s Subscriber, kinds ...events.Kind) {
	if len(kinds) == 0 {
		kinds = events.AllKinds
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, kind := range kinds {
		if subscribed(b.subscribers[kind], s) {
			continue
		}
		b.subscribers[kind] = append(b.subscribers[kind], s)
	}
}

// Unsubscribe removes s from the given kinds, or from all kinds when none
// are given.
func (b *Bus) Unsubscribe(s Subscriber, kinds ...events.Kind) {
	if len(kinds) == 0 {
		kinds = events.AllKinds
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, kind := range kinds {
		subs := b.subscribers[kind]
		for i, existing := range subs {
			if existing == s {
				b.subscribers[kind] = append(subs[:i:i], subs[i+1:]...)
				break
			}
		}
	}
}

// Publish applies the publish-time policy and delivers the event to every
// subscriber of its kind, in subscription order.
//
// Policy:
//   - command and upload events are enriched with username/tty from the
//     live session, cleared (empty username, tty -1) when the session is
//     unknown
//   - connection_new never propagates: it fires before the shell exists
//     and would show commands (motd etc.) with no user attached
//   - command events with no username never propagate: the shell has not
//     attached yet
func (b *Bus) Publish(evt events.Event) {
	switch evt.Type {
	case events.CommandStart, events.CommandFinish, events.FileUpload:
		if b.lookup != nil {
			if username, ttyID, ok := b.lookup.LookupSession(evt.PTMPID); ok {
				evt.Username = username
				evt.TTYID = ttyID
			} else {
				evt.Username = ""
				evt.TTYID = -1
			}
		}
	}

	if evt.Type == events.ConnectionNew {
		b.dropped.WithLabelValues("connection_new").Inc()
		return
	}
	if (evt.Type == events.CommandStart || evt.Type == events.CommandFinish) && evt.Username == "" {
		b.dropped.WithLabelValues("no_username").Inc()
		return
	}

	b.mu.Lock()
	subs := append([]Subscriber(nil), b.subscribers[evt.Type]...)
	b.mu.Unlock()

	b.published.WithLabelValues(string(evt.Type)).Inc()
	for _, s := range subs {
		deliver(s, evt)
	}
}

// deliver invokes a single subscriber, isolating panics so one failing
// callback cannot abort fan-out.
func deliver(s Subscriber, evt events.Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("Event subscriber panicked.",
				"event_type", evt.Type,
				"panic", r,
				"stack", string(debug.Stack()),
			)
		}
	}()
	s.HandleEvent(evt)
}

func subscribed(subs []Subscriber, s Subscriber) bool {
	for _, existing := range subs {
		if existing == s {
			return true
		}
	}
	return false
}
