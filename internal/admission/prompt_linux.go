//go:build linux

package admission

import "golang.org/x/sys/unix"

// flushInput discards keystrokes queued on the terminal before a question.
func flushInput(fd int) {
	_ = unix.IoctlSetInt(fd, unix.TCFLSH, unix.TCIFLUSH)
}
