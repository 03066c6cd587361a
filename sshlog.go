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

// Package sshlog holds constants shared across the daemon.
package sshlog

const (
	// ComponentKey is the name of the log attribute that carries the
	// component name.
	ComponentKey = "component"

	// ComponentDaemon is the daemon supervisor that wires everything
	// together and owns the ingest loop.
	ComponentDaemon = "daemon"

	// ComponentBus is the in-process event bus.
	ComponentBus = "bus"

	// ComponentTracker is the live session directory.
	ComponentTracker = "tracker"

	// ComponentComms is the local request/response server and its
	// request handlers.
	ComponentComms = "comms"

	// ComponentClient is the local socket client used by CLI frontends.
	ComponentClient = "client"

	// ComponentPlugins is the declarative event/filter/action runtime.
	ComponentPlugins = "plugins"

	// ComponentWeb is the optional diagnostic web surface.
	ComponentWeb = "diagweb"
)

// Version is the semantic version of the daemon.
const Version = "0.6.0"
