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

// Package daemon assembles the tracker, event bus, request server,
// plugin runtime, and optional diagnostic web surface into one process.
package daemon

import (
	"context"
	"fmt"
	"os"

	"github.com/coreos/go-semver/semver"
	"github.com/gofrs/flock"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/openkilt/sshlog"
	"github.com/openkilt/sshlog/lib/comms"
	"github.com/openkilt/sshlog/lib/defaults"
	"github.com/openkilt/sshlog/lib/eventbus"
	"github.com/openkilt/sshlog/lib/plugins"
	"github.com/openkilt/sshlog/lib/tracker"
	"github.com/openkilt/sshlog/lib/utils"
	logutils "github.com/openkilt/sshlog/lib/utils/log"
	"github.com/openkilt/sshlog/lib/web"
)

var log = logutils.NewPackageLogger(sshlog.ComponentKey, sshlog.ComponentDaemon)

// Config configures the daemon.
type Config struct {
	// Source produces the session events to publish.
	Source Source
	// SocketPath overrides the request socket location.
	SocketPath string
	// LockFilePath overrides the pid lockfile location.
	LockFilePath string
	// ConfigFilePath overrides the primary plugin configuration file.
	ConfigFilePath string
	// ConfDDir overrides the configuration fragment directory.
	ConfDDir string
	// PluginDir overrides the user plugin configuration directory.
	PluginDir string
	// EnableSessionInjection gates the keystroke injection pathway.
	EnableSessionInjection bool
	// EnableDiagnosticWeb turns on the loopback HTTP surface.
	EnableDiagnosticWeb bool
	// DiagnosticWebIP and DiagnosticWebPort place the HTTP surface.
	DiagnosticWebIP   string
	DiagnosticWebPort int
	// SkipRootCheck is for tests running unprivileged.
	SkipRootCheck bool
	// Clock drives session and lease bookkeeping. Defaults to the real
	// clock.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Source == nil {
		return trace.BadParameter("missing Source")
	}
	if c.SocketPath == "" {
		c.SocketPath = defaults.SocketPath
	}
	if c.LockFilePath == "" {
		c.LockFilePath = defaults.LockFilePath
	}
	if c.ConfigFilePath == "" {
		c.ConfigFilePath = defaults.ConfigFilePath
	}
	if c.ConfDDir == "" {
		c.ConfDDir = defaults.ConfDDir
	}
	if c.PluginDir == "" {
		c.PluginDir = defaults.UserPluginDir
	}
	if c.DiagnosticWebIP == "" {
		c.DiagnosticWebIP = defaults.DiagnosticWebIP
	}
	if c.DiagnosticWebPort == 0 {
		c.DiagnosticWebPort = defaults.DiagnosticWebPort
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Daemon owns the process lifecycle: singleton lock, component startup in
// dependency order, the ingest loop, and orderly shutdown.
type Daemon struct {
	cfg Config

	lock    *flock.Flock
	tracker *tracker.Tracker
	bus     *eventbus.Bus
	server  *comms.Server
	manager *plugins.Manager
	webSrv  *web.Server

	closeContext context.Context
	closeFunc    context.CancelFunc
	done         chan struct{}
}

// New creates a daemon. Call Start to bring it up.
func New(cfg Config) (*Daemon, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	closeContext, closeFunc := context.WithCancel(context.Background())
	return &Daemon{
		cfg:          cfg,
		closeContext: closeContext,
		closeFunc:    closeFunc,
		done:         make(chan struct{}),
	}, nil
}

// Start brings every component up in dependency order: preflight checks,
// plugin validation, tracker and bus, request server, diagnostic web,
// plugin runtime, and finally the event source.
func (d *Daemon) Start() error {
	if err := d.preflight(); err != nil {
		return trace.Wrap(err)
	}

	d.tracker = tracker.New(d.cfg.Clock)
	d.bus = eventbus.New(d.tracker)
	d.bus.Subscribe(d.tracker, tracker.Kinds()...)

	// Plugin configuration problems are all reported before refusing to
	// start, so an operator fixes one restart, not one problem per
	// restart.
	manager, err := plugins.NewManager(plugins.ManagerConfig{
		ConfigFiles: plugins.ConfigFiles(d.cfg.ConfigFilePath, d.cfg.ConfDDir, d.cfg.PluginDir),
		Bus:         d.bus,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	if problems := manager.ValidationErrors(); len(problems) != 0 {
		for _, problem := range problems {
			log.Error("Plugin configuration error.", "error", problem)
		}
		return trace.BadParameter("refusing to start with %v plugin configuration errors", len(problems))
	}
	d.manager = manager

	server, err := comms.NewServer(comms.ServerConfig{
		Tracker:                d.tracker,
		Bus:                    d.bus,
		SocketPath:             d.cfg.SocketPath,
		EnableSessionInjection: d.cfg.EnableSessionInjection,
		Clock:                  d.cfg.Clock,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	if err := server.Start(); err != nil {
		return trace.Wrap(err)
	}
	d.server = server

	if d.cfg.EnableDiagnosticWeb {
		webSrv, err := web.NewServer(web.ServerConfig{
			Tracker:    d.tracker,
			ListenIP:   d.cfg.DiagnosticWebIP,
			ListenPort: d.cfg.DiagnosticWebPort,
			Collectors: d.bus.Collectors(),
		})
		if err != nil {
			return trace.Wrap(err)
		}
		go func() {
			if err := webSrv.Start(); err != nil {
				log.Error("Diagnostic web server failed.", "error", err)
			}
		}()
		d.webSrv = webSrv
	}

	if err := d.manager.Start(); err != nil {
		return trace.Wrap(err)
	}

	if err := d.cfg.Source.Start(d.closeContext); err != nil {
		return trace.Wrap(err)
	}
	go d.ingest()

	log.Info("Daemon started.", "version", sshlog.Version)
	return nil
}

// preflight performs the privileged-environment checks: root, singleton
// lock, kernel version.
func (d *Daemon) preflight() error {
	if !d.cfg.SkipRootCheck && os.Geteuid() != 0 {
		return trace.AccessDenied("sshlogd must run as root")
	}

	lock := flock.New(d.cfg.LockFilePath)
	lockCtx, cancel := context.WithTimeout(d.closeContext, defaults.LockTimeout)
	defer cancel()
	locked, err := lock.TryLockContext(lockCtx, defaults.LockTimeout/4)
	if err != nil && !os.IsTimeout(err) && lockCtx.Err() == nil {
		return trace.ConvertSystemError(err)
	}
	if !locked {
		return trace.AlreadyExists("another sshlogd instance holds %v", d.cfg.LockFilePath)
	}
	d.lock = lock

	d.checkKernelVersion()
	return nil
}

// checkKernelVersion warns when the running kernel is older than the
// native tracer supports. It never refuses startup.
func (d *Daemon) checkKernelVersion() {
	version, err := utils.KernelVersion()
	if err != nil {
		log.Warn("Unable to determine kernel version.", "error", err)
		return
	}
	minimum := semver.Version{Major: defaults.MinKernelMajor, Minor: defaults.MinKernelMinor}
	if version.LessThan(minimum) {
		log.Warn(fmt.Sprintf("Kernel %v is older than the minimum supported %v.%v, tracing may not work.",
			version, defaults.MinKernelMajor, defaults.MinKernelMinor))
	}
}

// ingest publishes every source event to the bus. It exits when the
// source channel closes.
func (d *Daemon) ingest() {
	defer close(d.done)
	for evt := range d.cfg.Source.Events() {
		d.bus.Publish(evt)
	}
	log.Info("Event source drained.")
}

// Wait blocks until the ingest loop exits.
func (d *Daemon) Wait() {
	<-d.done
}

// Close shuts components down in reverse dependency order: source first
// so no new events arrive, then the request server, web surface, plugin
// runtime, and finally the singleton lock.
func (d *Daemon) Close() error {
	d.closeFunc()

	if err := d.cfg.Source.Close(); err != nil {
		log.Warn("Event source close failed.", "error", err)
	}
	<-d.done

	if d.server != nil {
		d.server.Close()
	}
	if d.webSrv != nil {
		if err := d.webSrv.Close(); err != nil {
			log.Warn("Diagnostic web close failed.", "error", err)
		}
	}
	if d.manager != nil {
		d.manager.Shutdown()
	}

	if d.lock != nil {
		if err := d.lock.Unlock(); err != nil {
			log.Warn("Unable to release lockfile.", "error", err)
		}
	}
	log.Info("Daemon stopped.")
	return nil
}
