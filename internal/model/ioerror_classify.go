package model

import (
	"errors"
	"os"
	"syscall"
)

// These helpers back ClassifyIoError, which reports failed listener
// binds over the wire (EADDRINUSE on Add Socket, EADDRNOTAVAIL on a bad
// bind address, EACCES on privileged ports, ENETUNREACH on a dead
// route). ClassifyIoError maps anything else to IoErrOther. SOCKS5 dial
// failures are classified separately, in internal/socks5session.

func isAddrInUse(err error) bool {
	return errors.Is(err, syscall.EADDRINUSE)
}

func isAddrNotAvailable(err error) bool {
	return errors.Is(err, syscall.EADDRNOTAVAIL)
}

func isPermissionDenied(err error) bool {
	return errors.Is(err, os.ErrPermission) || errors.Is(err, syscall.EACCES)
}

func isNetworkUnreachable(err error) bool {
	return errors.Is(err, syscall.ENETUNREACH)
}
