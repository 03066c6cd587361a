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
	"os"
	"strconv"
	"unsafe"

	"github.com/gravitational/trace"
	"golang.org/x/sys/unix"
)

// injectTTY pushes each byte of keys into the input queue of
// /dev/pts/<ttyID> with the TIOCSTI ioctl, as if the session's user had
// typed them.
func injectTTY(ttyID int, keys string) error {
	tty, err := os.OpenFile("/dev/pts/"+strconv.Itoa(ttyID), os.O_RDWR, 0)
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	defer tty.Close()

	for i := 0; i < len(keys); i++ {
		c := keys[i]
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, tty.Fd(),
			unix.TIOCSTI, uintptr(unsafe.Pointer(&c)))
		if errno != 0 {
			return trace.Wrap(errno, "injecting byte %d", i)
		}
	}
	return nil
}
