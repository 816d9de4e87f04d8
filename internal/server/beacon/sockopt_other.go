//go:build !unix && !windows

package beacon

import "syscall"

func reuseAddr(_, _ string, _ syscall.RawConn) error { return nil }
