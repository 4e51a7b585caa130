package correlator

import (
	"cmp"
	"context"
	"fmt"
	"iter"
	"time"

	"github.com/google/uuid"
	"github.com/nbd-wtf/go-nostr"
	"github.com/sasha-s/go-deadlock"
	"golang.org/x/exp/slices"
	"portal/engine/library"
	"portal/messaging/protocol"
)

var (
	ErrDuplicateRequest    = library.Kind(library.ErrValidation, "request id is already pending")
	ErrDuplicateResolution = fmt.Errorf("%w: no pending request with this id", library.ErrAlreadyResolved)
	ErrCancelled           = library.Kind(library.ErrAlreadyResolved, "request cancelled")
	ErrExpired             = library.Kind(library.ErrTransport, "no response before the request expired")
	ErrUnexpectedSender    = library.Kind(library.ErrProtocol, "response is not from the request recipient")
)

type RequestType string

const (
	Login        RequestType = "login"
	Payment      RequestType = "payment"
	Certificate  RequestType = "certificate"
	Identity     RequestType = "identity"
	Subscription RequestType = "subscription"
	Cashu        RequestType = "cashu"
	Invoice      RequestType = "invoice"
)

// TypeFor maps a wire request to the kind of pending entry it creates.
func TypeFor(t protocol.MessageType) RequestType {
	switch t {
	case protocol.TypeAuthChallenge:
		return Login
	case protocol.TypeSinglePaymentRequest:
		return Payment
	case protocol.TypeRecurringPaymentRequest:
		return Subscription
	case protocol.TypeInvoiceRequest:
		return Invoice
	case protocol.TypeCashuRequest:
		return Cashu
	}
	return Identity
}

// Publisher is satisfied by relays.Pool.
type Publisher interface {
	Publish(ctx context.Context, event nostr.Event) error
}

type Entry struct {
	ID        library.RequestID
	Type      RequestType
	Recipient library.Account
	Metadata  any
	Timestamp time.Time
	seq       uint64
}

// Correlator matches responses arriving from relays with the requests that are waiting for them.
type Correlator struct {
	sk  string
	out Publisher
	ttl time.Duration

	mu      *deadlock.Mutex
	pending map[library.RequestID]*Pending
	seq     uint64
}

func New(sk string, out Publisher, ttl time.Duration) *Correlator {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &Correlator{
		sk:      sk,
		out:     out,
		ttl:     ttl,
		mu:      &deadlock.Mutex{},
		pending: make(map[library.RequestID]*Pending),
	}
}

// Pending is the caller side of one registered request.
type Pending struct {
	Entry
	c      *Correlator
	done   chan struct{}
	timer  *time.Timer
	result protocol.Message
	err    error
}

// Send registers a request of type t to recipient and publishes it. If publishing fails nothing stays registered.
func (c *Correlator) Send(ctx context.Context, t protocol.MessageType, recipient library.Account, payload any) (library.RequestID, *Pending, error) {
	id := uuid.NewString()
	env, err := protocol.NewEnvelope(t, id, payload)
	if err != nil {
		return "", nil, err
	}
	ev, err := protocol.Seal(c.sk, recipient, protocol.KindRequest, env)
	if err != nil {
		return "", nil, err
	}
	p, err := c.RegisterID(id, TypeFor(t), recipient, payload)
	if err != nil {
		return "", nil, err
	}
	if err := c.out.Publish(ctx, ev); err != nil {
		c.finish(p, protocol.Message{}, err)
		return "", nil, err
	}
	return id, p, nil
}

// Register adds a pending entry under a fresh id.
func (c *Correlator) Register(t RequestType, recipient library.Account, metadata any) (*Pending, error) {
	return c.RegisterID(uuid.NewString(), t, recipient, metadata)
}

// RegisterID adds a pending entry under id. An empty recipient accepts a response from anyone.
func (c *Correlator) RegisterID(id library.RequestID, t RequestType, recipient library.Account, metadata any) (*Pending, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pending[id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateRequest, id)
	}
	c.seq++
	p := &Pending{
		Entry: Entry{
			ID:        id,
			Type:      t,
			Recipient: recipient,
			Metadata:  metadata,
			Timestamp: time.Now(),
			seq:       c.seq,
		},
		c:    c,
		done: make(chan struct{}),
	}
	c.pending[id] = p
	p.timer = time.AfterFunc(c.ttl, func() {
		c.finish(p, protocol.Message{}, ErrExpired)
	})
	return p, nil
}

// Resolve completes the entry for response.ID. Every id resolves at most once, later calls get ErrDuplicateResolution.
func (c *Correlator) Resolve(response protocol.Message) error {
	c.mu.Lock()
	p, ok := c.pending[response.ID]
	if ok && len(p.Recipient) > 0 && p.Recipient != response.Sender {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s from %s", ErrUnexpectedSender, response.ID, response.Sender)
	}
	c.mu.Unlock()
	if !ok || !c.finish(p, response, nil) {
		return fmt.Errorf("%w: %s", ErrDuplicateResolution, response.ID)
	}
	return nil
}

// finish removes p and wakes its waiter. It returns false if p was already finished.
func (c *Correlator) finish(p *Pending, result protocol.Message, err error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending[p.ID] != p {
		return false
	}
	delete(c.pending, p.ID)
	p.timer.Stop()
	p.result = result
	p.err = err
	close(p.done)
	return true
}

// Pending iterates over the entries that were pending when iteration started and still are when reached.
func (c *Correlator) Pending() iter.Seq[Entry] {
	return func(yield func(Entry) bool) {
		c.mu.Lock()
		snapshot := make([]*Pending, 0, len(c.pending))
		for _, p := range c.pending {
			snapshot = append(snapshot, p)
		}
		c.mu.Unlock()
		slices.SortFunc(snapshot, func(a, b *Pending) int { return cmp.Compare(a.seq, b.seq) })
		for _, p := range snapshot {
			c.mu.Lock()
			live := c.pending[p.ID] == p
			c.mu.Unlock()
			if !live {
				continue
			}
			if !yield(p.Entry) {
				return
			}
		}
	}
}

func (c *Correlator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Wait blocks until the entry is resolved, cancelled or expired, or ctx is done. A done ctx leaves the entry pending.
func (p *Pending) Wait(ctx context.Context) (protocol.Message, error) {
	select {
	case <-p.done:
		return p.result, p.err
	case <-ctx.Done():
		return protocol.Message{}, ctx.Err()
	}
}

// Done is closed once the entry is finished.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Cancel releases the entry. A response arriving afterwards is dropped.
func (p *Pending) Cancel() {
	p.c.finish(p, protocol.Message{}, ErrCancelled)
}
