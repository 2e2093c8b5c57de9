package dialer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/die-net/tunnelstream/internal/connerr"
)

// aLongTimeAgo is a non-zero time in the past, used to fail pending I/O
// immediately.
var aLongTimeAgo = time.Unix(1, 0)

// negotiate runs a blocking handshake fn on conn. The context deadline, if
// any, is applied to conn for the duration, and cancellation fails pending
// reads and writes at once. The deadline is cleared before a successful
// return.
func negotiate(ctx context.Context, conn net.Conn, op, host string, fn func() error) error {
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(aLongTimeAgo)
	})

	err := fn()
	if !stop() {
		// ctx ended while fn ran; conn's deadline may be set behind our back.
		return contextError(ctx, op, host, err)
	}
	if err != nil {
		if ctx.Err() != nil {
			return contextError(ctx, op, host, err)
		}
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return connerr.Wrap(connerr.Timeout, op, host, err)
		}
		return err
	}

	_ = conn.SetDeadline(time.Time{})
	return nil
}

// contextError reports a failure caused by ctx ending. Expiry is a Timeout;
// cancellation is an IO error wrapping context.Canceled.
func contextError(ctx context.Context, op, host string, err error) error {
	ctxErr := ctx.Err()
	switch {
	case err == nil:
		err = ctxErr
	case !errors.Is(err, ctxErr):
		err = fmt.Errorf("%w: %w", ctxErr, err)
	}
	if errors.Is(ctxErr, context.DeadlineExceeded) {
		return connerr.Wrap(connerr.Timeout, op, host, err)
	}
	return connerr.Wrap(connerr.IO, op, host, err)
}
