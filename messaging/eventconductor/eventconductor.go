package eventconductor

import (
	"context"
	"fmt"

	"github.com/nbd-wtf/go-nostr"
	"github.com/sasha-s/go-deadlock"
	"golang.org/x/exp/slices"
	"portal/engine/actors"
	"portal/engine/library"
	"portal/messaging/correlator"
	"portal/messaging/protocol"
	"portal/state/handshake"
)

var kinds = []int{protocol.KindRequest, protocol.KindResponse, protocol.KindHandshake}

// Filters selects every event addressed to pk that the conductor routes.
func Filters(pk library.Account) nostr.Filters {
	return nostr.Filters{{
		Kinds: kinds,
		Tags:  nostr.TagMap{"p": []string{pk}},
	}}
}

// Conductor routes events from the relay pool: responses to the correlator, handshake answers to the
// handshake engine and inbound requests to Requests.
type Conductor struct {
	sk         string
	out        correlator.Publisher
	responses  *correlator.Correlator
	handshakes *handshake.Engine

	mu       *deadlock.Mutex
	stack    *library.Queue[*protocol.Request]
	pushed   chan struct{}
	requests chan *protocol.Request
}

func New(sk string, out correlator.Publisher, responses *correlator.Correlator, handshakes *handshake.Engine) *Conductor {
	return &Conductor{
		sk:         sk,
		out:        out,
		responses:  responses,
		handshakes: handshakes,
		mu:         &deadlock.Mutex{},
		stack:      library.NewQueue[*protocol.Request](16),
		pushed:     make(chan struct{}, 1),
		requests:   make(chan *protocol.Request),
	}
}

// Requests delivers inbound requests in arrival order. Each one must be answered with Resolve.
func (c *Conductor) Requests() <-chan *protocol.Request {
	return c.requests
}

// Start routes events until ctx is done or the engine terminates.
func (c *Conductor) Start(ctx context.Context, events <-chan nostr.Event) {
	actors.GetWaitGroup().Add(2)
	go c.handleEvents(ctx, events)
	go c.deliverRequests(ctx)
}

func (c *Conductor) handleEvents(ctx context.Context, events <-chan nostr.Event) {
	defer actors.GetWaitGroup().Done()
	terminate := actors.GetTerminateChan()
	for {
		select {
		case ev := <-events:
			if err := c.routeEvent(ctx, ev); err != nil {
				library.LogCLI(err.Error(), 3)
			}
		case <-ctx.Done():
			return
		case <-terminate:
			return
		}
	}
}

func (c *Conductor) routeEvent(ctx context.Context, ev nostr.Event) error {
	if !slices.Contains(kinds, ev.Kind) {
		return fmt.Errorf("no handler for kind %d", ev.Kind)
	}
	m, err := protocol.Open(c.sk, ev)
	if err != nil {
		return err
	}
	switch ev.Kind {
	case protocol.KindResponse:
		return c.responses.Resolve(m)
	case protocol.KindHandshake:
		if c.handshakes == nil {
			return fmt.Errorf("handshake %s ignored, no handshake engine", ev.ID)
		}
		return c.handshakes.HandleResponse(ctx, m)
	}
	if m.Type.IsResponse() {
		return fmt.Errorf("%w: %s sent as a request", protocol.ErrMalformed, m.Type)
	}
	library.LogCLI(fmt.Sprintf("Received %s %s from %s", m.Type, m.ID, m.Sender), 4)
	c.push(protocol.NewRequest(m, c.replyTo(m)))
	return nil
}

func (c *Conductor) replyTo(m protocol.Message) protocol.ReplyFunc {
	return func(ctx context.Context, t protocol.MessageType, payload any) error {
		ev, err := protocol.Respond(c.sk, m, t, payload)
		if err != nil {
			return err
		}
		return c.out.Publish(ctx, ev)
	}
}

func (c *Conductor) push(r *protocol.Request) {
	c.mu.Lock()
	c.stack.Push(r)
	c.mu.Unlock()
	select {
	case c.pushed <- struct{}{}:
	default:
	}
}

func (c *Conductor) pop() (*protocol.Request, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stack.Pop()
}

// deliverRequests hands queued requests to the consumer so a slow consumer never stalls routing.
func (c *Conductor) deliverRequests(ctx context.Context) {
	defer actors.GetWaitGroup().Done()
	terminate := actors.GetTerminateChan()
	for {
		r, ok := c.pop()
		if !ok {
			select {
			case <-c.pushed:
				continue
			case <-ctx.Done():
				return
			case <-terminate:
				return
			}
		}
		select {
		case c.requests <- r:
		case <-ctx.Done():
			return
		case <-terminate:
			return
		}
	}
}
