//go:build linux

package sockopt

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBindToUnknownDevice(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	d := net.Dialer{Control: BindToDevice("nosuchdev0")}
	_, err = d.DialContext(ctx, "tcp", ln.Addr().String())
	require.Error(t, err)
	require.Contains(t, err.Error(), `bind to device "nosuchdev0"`)
}
