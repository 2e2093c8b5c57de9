package testutil

import (
	"context"
	"io"
	"net"
	"sync"

	"golang.org/x/sync/errgroup"
)

// CopyBidirectional copies between left and right until both directions
// finish or ctx is done, then closes both. EOF in one direction is passed on
// as a half-close where the destination supports it.
func CopyBidirectional(ctx context.Context, left, right net.Conn) error {
	var g errgroup.Group

	var closeOnce sync.Once
	closeBoth := func() {
		closeOnce.Do(func() {
			_ = left.Close()
			_ = right.Close()
		})
	}
	defer closeBoth()

	copyHalf := func(dst, src net.Conn) error {
		_, err := io.Copy(dst, src)
		if err != nil {
			closeBoth()
			return err
		}
		if cw, ok := dst.(interface{ CloseWrite() error }); ok {
			_ = cw.CloseWrite()
		} else {
			closeBoth()
		}
		return nil
	}

	g.Go(func() error { return copyHalf(left, right) })
	g.Go(func() error { return copyHalf(right, left) })

	// Close both sides on cancellation to unblock Copy.
	stop := context.AfterFunc(ctx, closeBoth)
	defer stop()

	return g.Wait()
}
