//go:build linux

package sockopt

import (
	"fmt"
	"syscall"

	"golang.org/x/sys/unix"
)

// IsSupported reports whether BindToDevice can succeed on this platform.
const IsSupported = true

// BindToDevice returns a Control function that binds each socket to device.
func BindToDevice(device string) func(network, address string, c syscall.RawConn) error {
	return func(_, _ string, c syscall.RawConn) error {
		var ctrlErr error
		err := c.Control(func(fd uintptr) {
			ctrlErr = unix.SetsockoptString(int(fd), unix.SOL_SOCKET, unix.SO_BINDTODEVICE, device)
		})
		if err != nil {
			return err
		}
		if ctrlErr != nil {
			return fmt.Errorf("bind to device %q: %w", device, ctrlErr)
		}
		return nil
	}
}
