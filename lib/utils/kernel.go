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

package utils

import (
	"io"
	"os"
	"regexp"
	"runtime"

	"github.com/coreos/go-semver/semver"
	"github.com/gravitational/trace"
)

// KernelVersion returns the running kernel's version, read from
// /proc/sys/kernel/osrelease. The daemon only uses it to warn when the
// host is older than the native tracer supports.
func KernelVersion() (*semver.Version, error) {
	if runtime.GOOS != "linux" {
		return nil, trace.BadParameter("requested kernel version on non-Linux host")
	}

	file, err := os.Open("/proc/sys/kernel/osrelease")
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	defer file.Close()

	ver, err := kernelVersion(file)
	return ver, trace.Wrap(err)
}

// kernelVersionRegex matches the leading major.minor.patch triple of an
// osrelease string, dropping distro or WSL suffixes such as
// "5.15.68.1-microsoft-standard-WSL2".
var kernelVersionRegex = regexp.MustCompile(`^\d+\.\d+\.\d+`)

// kernelVersion parses an osrelease stream into a semver.
func kernelVersion(reader io.Reader) (*semver.Version, error) {
	buf, err := io.ReadAll(reader)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	s := kernelVersionRegex.FindString(string(buf))
	if s == "" {
		return nil, trace.BadParameter("no kernel version in osrelease string %q", string(buf))
	}
	ver, err := semver.NewVersion(s)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return ver, nil
}
