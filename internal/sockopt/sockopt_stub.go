//go:build !linux

package sockopt

import (
	"errors"
	"syscall"
)

const IsSupported = false

func BindToDevice(_ string) func(network, address string, c syscall.RawConn) error {
	return func(_, _ string, _ syscall.RawConn) error {
		return errors.New("binding to a device is only supported on linux")
	}
}
