// Package sockopt supplies net.Dialer Control functions for outbound
// sockets.
//
// On Linux, BindToDevice sets SO_BINDTODEVICE so traffic leaves through a
// named interface regardless of the routing table. On other platforms the
// option is stubbed out and returns an error when the socket is created.
package sockopt
