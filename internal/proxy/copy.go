package proxy

import (
	"context"
	"io"
	"net"
	"sync"

	"golang.org/x/sync/errgroup"
)

// CopyBidirectional relays bytes between client and origin until either side
// reaches EOF or errors, then closes both and returns. Closing one side
// unblocks the copy in the other direction, so teardown propagates promptly
// and no half-open connection is left behind. An established relay has no
// deadline; it runs until natural closure or context cancellation.
func CopyBidirectional(ctx context.Context, client, origin net.Conn) error {
	var closeOnce sync.Once
	closeBoth := func() {
		closeOnce.Do(func() {
			_ = client.Close()
			_ = origin.Close()
		})
	}
	defer closeBoth()

	stop := context.AfterFunc(ctx, closeBoth)
	defer stop()

	var g errgroup.Group

	g.Go(func() error {
		_, err := io.Copy(client, origin)
		closeBoth()
		return err
	})

	g.Go(func() error {
		_, err := io.Copy(origin, client)
		closeBoth()
		return err
	})

	return g.Wait()
}
