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
	"os"
	"strconv"
)

// ProcDir is the procfs mount point. Overridable in tests.
var ProcDir = "/proc"

// PIDExists reports whether a process with the given pid is present in
// procfs.
func PIDExists(pid int) bool {
	if pid <= 0 {
		return false
	}
	_, err := os.Stat(ProcDir + "/" + strconv.Itoa(pid))
	return err == nil
}
