package relays

import (
	"context"

	"github.com/nbd-wtf/go-nostr"
)

// Conn is one open relay connection.
type Conn interface {
	// Subscribe returns a channel of events matching filters. A closed channel or a nil event means the
	// connection is gone.
	Subscribe(ctx context.Context, filters nostr.Filters) (<-chan *nostr.Event, error)
	Publish(ctx context.Context, event nostr.Event) error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// NostrDialer dials relays with go-nostr.
type NostrDialer struct{}

func (NostrDialer) Dial(ctx context.Context, url string) (Conn, error) {
	relay, err := nostr.RelayConnect(ctx, url)
	if err != nil {
		return nil, err
	}
	return &nostrConn{relay: relay}, nil
}

type nostrConn struct {
	relay *nostr.Relay
}

func (c *nostrConn) Subscribe(ctx context.Context, filters nostr.Filters) (<-chan *nostr.Event, error) {
	sub, err := c.relay.Subscribe(ctx, filters)
	if err != nil {
		return nil, err
	}
	go func() {
		<-ctx.Done()
		sub.Unsub()
	}()
	return sub.Events, nil
}

func (c *nostrConn) Publish(ctx context.Context, event nostr.Event) error {
	_, err := c.relay.Publish(ctx, event)
	return err
}

func (c *nostrConn) Close() error {
	return c.relay.Close()
}
