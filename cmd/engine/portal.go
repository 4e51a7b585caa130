package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/sasha-s/go-deadlock"
	"github.com/spf13/viper"
	"portal/engine/library"
	"portal/messaging/correlator"
	"portal/messaging/protocol"
	"portal/messaging/relays"
	"portal/state/cashu"
	"portal/state/handshake"
	"portal/state/ledger"
	"portal/state/payments"
)

// portal is the wallet core as the cli drives it.
type portal struct {
	conf       *viper.Viper
	ledger     *ledger.Ledger
	pool       *relays.Pool
	responses  *correlator.Correlator
	handshakes *handshake.Engine
	payments   *payments.Engine
	tickets    *cashu.Engine
	approvals  *approvals

	mu          *deadlock.Mutex
	lastInvoice string
}

type approval struct {
	summary string
	decide  chan bool
}

// approvals holds questions for the user, answered oldest first.
type approvals struct {
	mu    *deadlock.Mutex
	queue *library.Queue[*approval]
}

func newApprovals() *approvals {
	return &approvals{mu: &deadlock.Mutex{}, queue: library.NewQueue[*approval](4)}
}

// ask blocks until the user answers or ctx is done, which counts as a no.
func (a *approvals) ask(ctx context.Context, summary string) bool {
	q := &approval{summary: summary, decide: make(chan bool, 1)}
	a.mu.Lock()
	a.queue.Push(q)
	first := a.queue.Len() == 1
	a.mu.Unlock()
	if first {
		fmt.Printf("\n%s\ny: approve n: decline\n", summary)
	}
	select {
	case ok := <-q.decide:
		return ok
	case <-ctx.Done():
		return false
	}
}

// answer decides the oldest open question and reports whether there was one.
func (a *approvals) answer(ok bool) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	q, found := a.queue.Pop()
	if !found {
		return false
	}
	q.decide <- ok
	if next, more := a.queue.Peek(); more {
		fmt.Printf("\n%s\ny: approve n: decline\n", next.summary)
	}
	return true
}

func (p *portal) serveRequests(ctx context.Context, requests <-chan *protocol.Request) {
	for {
		select {
		case <-ctx.Done():
			return
		case r := <-requests:
			go p.handleRequest(ctx, r)
		}
	}
}

func (p *portal) handleRequest(ctx context.Context, r *protocol.Request) {
	var err error
	switch r.Type {
	case protocol.TypeAuthChallenge:
		err = p.login(ctx, r)
	case protocol.TypeSinglePaymentRequest:
		var req protocol.SinglePaymentRequest
		if err = r.Decode(&req); err == nil {
			approved := p.approvals.ask(ctx, fmt.Sprintf("%s asks for a payment of %d %s: %s", name(req.ServiceName, r.Sender), req.Amount, req.Currency, req.Description))
			_, err = p.payments.HandleSinglePayment(ctx, r, approved)
		}
	case protocol.TypeRecurringPaymentRequest:
		var req protocol.RecurringPaymentRequest
		if err = r.Decode(&req); err == nil {
			approved := p.approvals.ask(ctx, fmt.Sprintf("%s asks for a %s subscription of %d %s", name(req.ServiceName, r.Sender), req.Recurrence.Calendar, req.Amount, req.Currency))
			_, err = p.payments.HandleRecurringPayment(ctx, r, approved)
		}
	case protocol.TypeInvoiceRequest:
		_, err = p.payments.HandleInvoiceRequest(ctx, r)
	case protocol.TypeCashuRequest:
		err = r.Resolve(ctx, protocol.TypeCashuResponse, protocol.CashuResponse{Status: protocol.CashuRejected, Reason: "this wallet does not hold ecash"})
	default:
		err = fmt.Errorf("%w: unsupported request %s", library.ErrProtocol, r.Type)
	}
	if err != nil && !errors.Is(err, payments.ErrDeclined) {
		library.LogCLI(fmt.Sprintf("%s %s: %s", r.Type, r.ID, err), 2)
	}
}

func (p *portal) login(ctx context.Context, r *protocol.Request) error {
	var c protocol.AuthChallenge
	if err := r.Decode(&c); err != nil {
		return err
	}
	if !p.approvals.ask(ctx, fmt.Sprintf("%s asks you to log in", name(c.ServiceName, r.Sender))) {
		return r.Resolve(ctx, protocol.TypeAuthResponse, protocol.AuthResponse{Status: protocol.AuthDeclined, Challenge: c.Challenge})
	}
	return r.Resolve(ctx, protocol.TypeAuthResponse, protocol.AuthResponse{Status: protocol.AuthApproved, Challenge: c.Challenge, SessionToken: uuid.NewString()})
}

// newHandshake prints a url and asks the user about every key that answers it.
func (p *portal) newHandshake(ctx context.Context) {
	url, pending, err := p.handshakes.CreateHandshake(ctx, func(c handshake.Counterparty) {
		if !p.approvals.ask(ctx, fmt.Sprintf("%s wants to connect", c.MainKey)) {
			c.Session.Reject("declined by the user")
			return
		}
		if err := p.handshakes.AuthenticateKey(ctx, c.MainKey); err != nil {
			library.LogCLI(err.Error(), 2)
		}
	})
	if err != nil {
		library.LogCLI(err.Error(), 1)
		return
	}
	fmt.Printf("\nHandshake url:\n%s\n", url)
	go func() {
		res, err := pending.Wait(ctx)
		if err != nil {
			library.LogCLI(err.Error(), 3)
			return
		}
		library.LogCLI(fmt.Sprintf("Connected to %s", res.MainKey), 3)
	}()
}

func (p *portal) makeInvoice(ctx context.Context, amountMsat int64) {
	res, err := p.payments.MakeInvoice(ctx, amountMsat, "portal")
	if err != nil {
		library.LogCLI(err.Error(), 1)
		return
	}
	p.mu.Lock()
	p.lastInvoice = res.Invoice
	p.mu.Unlock()
	fmt.Printf("\nInvoice:\n%s\nPayment hash: %s\n", res.Invoice, res.PaymentHash)
}

func (p *portal) lookupLastInvoice(ctx context.Context) {
	p.mu.Lock()
	invoice := p.lastInvoice
	p.mu.Unlock()
	if len(invoice) == 0 {
		fmt.Println("no invoice created yet")
		return
	}
	status, err := p.payments.LookupInvoice(ctx, invoice)
	if err != nil {
		library.LogCLI(err.Error(), 2)
	}
	fmt.Printf("\n%s\nstatus: %s\n", invoice, status)
}

func name(serviceName, key string) string {
	if len(serviceName) > 0 {
		return serviceName
	}
	return key
}
