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

// Package defaults contains default constants used across the daemon.
package defaults

import (
	"runtime"
	"time"
)

const (
	// SocketPath is the unix domain socket the daemon serves requests on.
	SocketPath = "/var/run/sshlogd.sock"

	// LockFilePath is the pid lockfile that keeps a second daemon from
	// starting.
	LockFilePath = "/var/run/sshlogd.lock"

	// SocketGroupName is the OS group granted access to the socket. The
	// socket is created root:sshlog mode 0660.
	SocketGroupName = "sshlog"

	// ConfigFilePath is the primary daemon configuration file.
	ConfigFilePath = "/etc/sshlog/sshlog.yaml"

	// ConfDDir holds additional *.yaml/*.yml configuration fragments.
	ConfDDir = "/etc/sshlog/conf.d/"

	// UserPluginDir is where user supplied plugin configuration lives.
	UserPluginDir = "/etc/sshlog/plugins/"
)

const (
	// MaxLeaseAge is how long a watch subscription stays alive without
	// the client refreshing it. A lease seen exactly MaxLeaseAge ago is
	// still live, anything older has lapsed.
	MaxLeaseAge = time.Second

	// LeaseSweepAge is the age at which lapsed lease entries are removed
	// from the table entirely.
	LeaseSweepAge = time.Minute

	// LeaseSweepInterval is how often lapsed leases are swept.
	LeaseSweepInterval = time.Minute

	// RouterPollInterval bounds socket reads and response queue waits so
	// shutdown stays observable.
	RouterPollInterval = 100 * time.Millisecond

	// WatchPollInterval is how often a watch handler re-checks its lease.
	WatchPollInterval = 100 * time.Millisecond

	// ResponseQueueSize bounds the router's multi-producer response
	// queue.
	ResponseQueueSize = 1024

	// ClientRequestTimeout is how long local clients wait for a
	// response.
	ClientRequestTimeout = time.Second
)

const (
	// MinKernelMajor and MinKernelMinor describe the oldest kernel the
	// native tracer supports. Older kernels get a warning, not a
	// refusal.
	MinKernelMajor = 5
	MinKernelMinor = 4

	// LockTimeout is how long daemon startup waits to acquire the pid
	// lockfile before concluding another daemon is running.
	LockTimeout = 200 * time.Millisecond

	// DiagnosticWebIP is the default bind address of the diagnostic web
	// surface.
	DiagnosticWebIP = "127.0.0.1"

	// DiagnosticWebPort is the default port of the diagnostic web
	// surface.
	DiagnosticWebPort = 5000

	// LogFileMaxSizeMB and LogFileMaxBackups configure daemon log
	// rotation.
	LogFileMaxSizeMB  = 5
	LogFileMaxBackups = 5
)

// ActionPoolSize returns the default size of the shared action worker pool.
// Action handling is assumed to be IO bound.
func ActionPoolSize() int {
	return runtime.NumCPU() * 16
}
