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

// Command sshlogd runs the SSH session observability daemon.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kingpin/v2"

	"github.com/openkilt/sshlog"
	"github.com/openkilt/sshlog/lib/daemon"
	"github.com/openkilt/sshlog/lib/defaults"
	logutils "github.com/openkilt/sshlog/lib/utils/log"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "ERROR:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	app := kingpin.New("sshlogd", "SSH session observability daemon.")
	app.Version(sshlog.Version)

	logFile := app.Flag("logfile", "Write logs to a rotating file instead of stdout.").
		Envar("SSHLOG_LOGFILE").String()
	debug := app.Flag("debug", "Enable verbose logging.").
		Envar("SSHLOG_DEBUG").Bool()
	configPath := app.Flag("config", "Path to the primary configuration file.").
		Default(defaults.ConfigFilePath).String()
	socketPath := app.Flag("socket", "Path to the request socket.").
		Default(defaults.SocketPath).String()
	enableInjection := app.Flag("enable-session-injection", "Allow keystroke injection into live sessions.").Bool()
	enableWeb := app.Flag("enable-diagnostic-web", "Serve diagnostic HTTP endpoints on loopback.").Bool()
	webIP := app.Flag("diagnostic-web-ip", "Diagnostic web bind address.").
		Default(defaults.DiagnosticWebIP).String()
	webPort := app.Flag("diagnostic-web-port", "Diagnostic web port.").
		Default(fmt.Sprint(defaults.DiagnosticWebPort)).Int()

	if _, err := app.Parse(args); err != nil {
		return err
	}

	if err := logutils.Initialize(logutils.Config{
		LogFile: *logFile,
		Debug:   *debug,
	}); err != nil {
		return err
	}

	d, err := daemon.New(daemon.Config{
		Source:                 daemon.NewStreamSource(os.Stdin),
		SocketPath:             *socketPath,
		ConfigFilePath:         *configPath,
		EnableSessionInjection: *enableInjection,
		EnableDiagnosticWeb:    *enableWeb,
		DiagnosticWebIP:        *webIP,
		DiagnosticWebPort:      *webPort,
	})
	if err != nil {
		return err
	}
	if err := d.Start(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	return d.Close()
}
