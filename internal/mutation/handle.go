package mutation

import (
	"context"

	"github.com/matheus3301/feedsync/internal/feed"
)

// Handle resolves once the mutation it was returned for is confirmed or
// rolled back.
type Handle struct {
	Token  string
	Kind   Kind
	ItemID string

	done chan struct{}
	item feed.Item
	err  error
}

func newHandle(token string, kind Kind, itemID string) *Handle {
	return &Handle{Token: token, Kind: kind, ItemID: itemID, done: make(chan struct{})}
}

// Done is closed when the mutation resolves.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Err returns the failure, or nil. Valid after Done is closed.
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

// Wait blocks until the mutation resolves and returns the resulting item.
// Cancelling ctx stops waiting; it does not cancel the mutation.
func (h *Handle) Wait(ctx context.Context) (feed.Item, error) {
	select {
	case <-h.done:
		return h.item, h.err
	case <-ctx.Done():
		return feed.Item{}, ctx.Err()
	}
}

func (h *Handle) resolve(item feed.Item, err error) {
	h.item = item
	h.err = err
	close(h.done)
}

func (h *Handle) fail(err error) *Handle {
	h.resolve(feed.Item{}, err)
	return h
}
