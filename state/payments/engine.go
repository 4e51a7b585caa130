package payments

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	decodepay "github.com/nbd-wtf/ln-decodepay"
	"github.com/sasha-s/go-deadlock"
	"portal/engine/actors"
	"portal/engine/library"
	"portal/messaging/protocol"
	"portal/state/ledger"
)

var (
	ErrAlreadyProcessed = library.Kind(library.ErrAlreadyResolved, "request was already processed")
	ErrDeclined         = library.Kind(library.ErrValidation, "declined by the user")
	ErrRequestExpired   = library.Kind(library.ErrValidation, "request has expired")
	ErrInvoiceExpired   = library.Kind(library.ErrValidation, "invoice has expired")
	ErrInvalidInvoice   = library.Kind(library.ErrProtocol, "invoice could not be decoded")
	ErrNoAmount         = library.Kind(library.ErrValidation, "amount must be positive")
	ErrNotPayee         = library.Kind(library.ErrValidation, "activity was paid to another service")
	ErrNoReference      = library.Kind(library.ErrProtocol, "refund does not reference a payment")
)

// Engine turns inbound payment, subscription and refund requests into ledger records and lightning payments.
type Engine struct {
	ledger  *ledger.Ledger
	backend LightningBackend
	decode  func(string) (decodepay.Bolt11, error)
	now     func() time.Time

	mu        *deadlock.RWMutex
	listeners []func(ledger.Activity)
}

func NewEngine(l *ledger.Ledger, backend LightningBackend, opts ...Option) *Engine {
	e := &Engine{
		ledger:  l,
		backend: backend,
		decode:  defaultDecoder,
		now:     time.Now,
		mu:      &deadlock.RWMutex{},
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// OnChange registers fn to be called after every persisted activity change.
func (e *Engine) OnChange(fn func(ledger.Activity)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, fn)
}

func (e *Engine) notify(a ledger.Activity) {
	e.mu.RLock()
	listeners := make([]func(ledger.Activity), len(e.listeners))
	copy(listeners, e.listeners)
	e.mu.RUnlock()
	for _, fn := range listeners {
		fn(a)
	}
}

func (e *Engine) setStatus(ctx context.Context, a *ledger.Activity, status ledger.Status) error {
	if err := e.ledger.SetActivityStatus(ctx, a.ID, status); err != nil {
		return err
	}
	a.Status = status
	a.UpdatedAt = time.Unix(e.now().Unix(), 0)
	e.notify(*a)
	return nil
}

// HandleSinglePayment pays the invoice in req if approved and answers req with the outcome.
func (e *Engine) HandleSinglePayment(ctx context.Context, req *protocol.Request, approved bool) (ledger.Activity, error) {
	var r protocol.SinglePaymentRequest
	if err := req.Decode(&r); err != nil {
		e.rejectPayment(ctx, req, err)
		return ledger.Activity{}, err
	}
	first, err := e.ledger.MarkProcessed(ctx, req.ID, string(req.Type))
	if err != nil {
		return ledger.Activity{}, err
	}
	if !first {
		return ledger.Activity{}, fmt.Errorf("%w: %s", ErrAlreadyProcessed, req.ID)
	}
	if !approved {
		e.rejectPayment(ctx, req, ErrDeclined)
		return ledger.Activity{}, ErrDeclined
	}
	a, inv, err := e.preparePayment(ctx, req, r)
	if err != nil {
		e.rejectPayment(ctx, req, err)
		return ledger.Activity{}, err
	}

	m := NewMachine(e.ledger, inv)
	if err := m.Transition(ctx, ledger.StatusPending); err != nil {
		e.rejectPayment(ctx, req, err)
		return ledger.Activity{}, err
	}
	a, err = e.ledger.CreateActivity(ctx, a)
	if err != nil {
		if ferr := m.Transition(ctx, ledger.StatusFailed); ferr != nil {
			library.LogCLI(ferr.Error(), 1)
		}
		e.rejectPayment(ctx, req, err)
		return ledger.Activity{}, err
	}
	e.notify(a)

	preimage, err := e.backend.PayInvoice(ctx, inv.Invoice, inv.AmountMsat)
	if err != nil {
		library.LogCLI(fmt.Sprintf("payment of %s failed: %s", inv.Invoice, err), 2)
		if ferr := m.Transition(ctx, ledger.StatusFailed); ferr != nil {
			library.LogCLI(ferr.Error(), 1)
		}
		if ferr := e.setStatus(ctx, &a, ledger.StatusFailed); ferr != nil {
			library.LogCLI(ferr.Error(), 1)
		}
		if rerr := req.Resolve(ctx, protocol.TypePaymentResponse, protocol.PaymentResponse{Status: protocol.PaymentFailed, Reason: err.Error()}); rerr != nil {
			library.LogCLI(rerr.Error(), 2)
		}
		return a, err
	}

	// the money has moved, so ledger failures from here on are returned but the service still hears it was paid
	var ledgerErr error
	if err := m.Settle(ctx, inv.AmountMsat); err != nil {
		ledgerErr = err
	}
	if err := e.setStatus(ctx, &a, ledger.StatusPaid); err != nil && ledgerErr == nil {
		ledgerErr = err
	}
	if a.SubscriptionID != nil {
		if err := e.ledger.RecordSubscriptionPayment(ctx, *a.SubscriptionID, e.now()); err != nil && ledgerErr == nil {
			ledgerErr = err
		}
	}
	err = req.Resolve(ctx, protocol.TypePaymentResponse, protocol.PaymentResponse{Status: protocol.PaymentPaid, Preimage: preimage})
	if ledgerErr != nil {
		library.LogCLI(fmt.Sprintf("payment %s succeeded but could not be recorded: %s", req.ID, ledgerErr), 1)
		return a, ledgerErr
	}
	return a, err
}

func (e *Engine) preparePayment(ctx context.Context, req *protocol.Request, r protocol.SinglePaymentRequest) (ledger.Activity, ledger.Invoice, error) {
	now := e.now()
	cur, err := NormalizeCurrency(r.Currency)
	if err != nil {
		return ledger.Activity{}, ledger.Invoice{}, err
	}
	if r.ExpiresAt > 0 && now.Unix() > r.ExpiresAt {
		return ledger.Activity{}, ledger.Invoice{}, ErrRequestExpired
	}
	if r.Amount <= 0 {
		return ledger.Activity{}, ledger.Invoice{}, ErrNoAmount
	}
	b, err := e.decode(r.Invoice)
	if err != nil {
		return ledger.Activity{}, ledger.Invoice{}, fmt.Errorf("%w: %s", ErrInvalidInvoice, err.Error())
	}
	if b.MSatoshi <= 0 {
		return ledger.Activity{}, ledger.Invoice{}, fmt.Errorf("%w: invoice has no amount", ErrNoAmount)
	}
	if actors.InvoiceExpired(b, now) {
		return ledger.Activity{}, ledger.Invoice{}, ErrInvoiceExpired
	}
	if cur.Lightning() {
		requested, _ := ToMsat(r.Amount, cur)
		if requested != b.MSatoshi {
			return ledger.Activity{}, ledger.Invoice{}, fmt.Errorf("%w: request is %d msat, invoice is %d msat", ErrAmountMismatch, requested, b.MSatoshi)
		}
	}
	activityType := ledger.ActivityPayment
	if r.SubscriptionID != nil {
		sub, err := e.ledger.GetSubscription(ctx, *r.SubscriptionID)
		if err != nil {
			return ledger.Activity{}, ledger.Invoice{}, err
		}
		if sub.ServiceKey != req.Sender {
			return ledger.Activity{}, ledger.Invoice{}, ErrNotSubscribed
		}
		if err := ValidateSubscriptionPayment(sub, r.Amount, cur, now); err != nil {
			return ledger.Activity{}, ledger.Invoice{}, err
		}
		activityType = ledger.ActivitySubscriptionPayment
	}
	amount, display := displayAmount(r.Amount, cur)
	a := ledger.Activity{
		ID:             uuid.NewString(),
		Type:           activityType,
		ServiceKey:     req.Sender,
		ServiceName:    r.ServiceName,
		Amount:         amount,
		AmountMsat:     b.MSatoshi,
		Currency:       string(display),
		Status:         ledger.StatusPending,
		Invoice:        r.Invoice,
		SubscriptionID: r.SubscriptionID,
		RequestID:      req.ID,
	}
	inv := ledger.Invoice{
		Invoice:     r.Invoice,
		PaymentHash: b.PaymentHash,
		RequestID:   req.ID,
		AmountMsat:  b.MSatoshi,
		Description: r.Description,
		ExpiresAt:   invoiceExpiry(b),
	}
	return a, inv, nil
}

func (e *Engine) rejectPayment(ctx context.Context, req *protocol.Request, reason error) {
	err := req.Resolve(ctx, protocol.TypePaymentResponse, protocol.PaymentResponse{Status: protocol.PaymentRejected, Reason: reason.Error()})
	if err != nil {
		library.LogCLI(err.Error(), 2)
	}
}

// HandleRecurringPayment stores the subscription in req if approved and answers with its id.
func (e *Engine) HandleRecurringPayment(ctx context.Context, req *protocol.Request, approved bool) (ledger.Subscription, error) {
	reject := func(reason error) {
		err := req.Resolve(ctx, protocol.TypeRecurringPaymentResponse, protocol.RecurringPaymentResponse{Status: protocol.SubscriptionRejected, Reason: reason.Error()})
		if err != nil {
			library.LogCLI(err.Error(), 2)
		}
	}
	var r protocol.RecurringPaymentRequest
	if err := req.Decode(&r); err != nil {
		reject(err)
		return ledger.Subscription{}, err
	}
	first, err := e.ledger.MarkProcessed(ctx, req.ID, string(req.Type))
	if err != nil {
		return ledger.Subscription{}, err
	}
	if !first {
		return ledger.Subscription{}, fmt.Errorf("%w: %s", ErrAlreadyProcessed, req.ID)
	}
	if !approved {
		reject(ErrDeclined)
		return ledger.Subscription{}, ErrDeclined
	}
	s, err := e.prepareSubscription(req, r)
	if err != nil {
		reject(err)
		return ledger.Subscription{}, err
	}
	s, err = e.ledger.CreateSubscription(ctx, s)
	if err != nil {
		reject(err)
		return ledger.Subscription{}, err
	}
	err = req.Resolve(ctx, protocol.TypeRecurringPaymentResponse, protocol.RecurringPaymentResponse{Status: protocol.SubscriptionApproved, SubscriptionID: s.ID})
	return s, err
}

func (e *Engine) prepareSubscription(req *protocol.Request, r protocol.RecurringPaymentRequest) (ledger.Subscription, error) {
	now := e.now()
	cur, err := NormalizeCurrency(r.Currency)
	if err != nil {
		return ledger.Subscription{}, err
	}
	if r.ExpiresAt > 0 && now.Unix() > r.ExpiresAt {
		return ledger.Subscription{}, ErrRequestExpired
	}
	if r.Amount <= 0 {
		return ledger.Subscription{}, ErrNoAmount
	}
	calendar, err := ParseCalendar(r.Recurrence.Calendar)
	if err != nil {
		return ledger.Subscription{}, err
	}
	if r.Recurrence.FirstPaymentDue <= 0 {
		return ledger.Subscription{}, library.Kind(library.ErrValidation, "subscription has no first payment date")
	}
	if r.Recurrence.MaxPayments != nil && *r.Recurrence.MaxPayments <= 0 {
		return ledger.Subscription{}, library.Kind(library.ErrValidation, "max payments must be positive")
	}
	s := ledger.Subscription{
		ID:              uuid.NewString(),
		ServiceKey:      req.Sender,
		ServiceName:     r.ServiceName,
		Amount:          r.Amount,
		Currency:        string(cur),
		Calendar:        string(calendar),
		FirstPaymentDue: time.Unix(r.Recurrence.FirstPaymentDue, 0),
		MaxPayments:     r.Recurrence.MaxPayments,
		RequestID:       req.ID,
	}
	if r.Recurrence.Until != nil {
		until := time.Unix(*r.Recurrence.Until, 0)
		if until.Before(s.FirstPaymentDue) {
			return ledger.Subscription{}, library.Kind(library.ErrValidation, "subscription ends before its first payment")
		}
		s.Until = &until
	}
	return s, nil
}

// MakeInvoice creates an invoice through the lightning backend and records it as pending.
func (e *Engine) MakeInvoice(ctx context.Context, amountMsat int64, description string) (InvoiceResult, error) {
	return e.makeInvoice(ctx, amountMsat, description, "")
}

func (e *Engine) makeInvoice(ctx context.Context, amountMsat int64, description string, requestID library.RequestID) (InvoiceResult, error) {
	if amountMsat <= 0 {
		return InvoiceResult{}, ErrNoAmount
	}
	res, err := e.backend.MakeInvoice(ctx, amountMsat, description)
	if err != nil {
		return InvoiceResult{}, err
	}
	b, err := e.decode(res.Invoice)
	if err != nil {
		return InvoiceResult{}, fmt.Errorf("%w: %s", ErrInvalidInvoice, err.Error())
	}
	if b.MSatoshi != 0 && b.MSatoshi != amountMsat {
		return InvoiceResult{}, fmt.Errorf("%w: asked for %d msat, got an invoice for %d msat", ErrAmountMismatch, amountMsat, b.MSatoshi)
	}
	if len(res.PaymentHash) == 0 {
		res.PaymentHash = b.PaymentHash
	}
	if res.ExpiresAt.IsZero() {
		res.ExpiresAt = invoiceExpiry(b)
	}
	m := NewMachine(e.ledger, ledger.Invoice{
		Invoice:     res.Invoice,
		PaymentHash: res.PaymentHash,
		RequestID:   requestID,
		AmountMsat:  amountMsat,
		Description: description,
		VerifyURL:   res.VerifyURL,
		ExpiresAt:   res.ExpiresAt,
	})
	if err := m.Transition(ctx, ledger.StatusPending); err != nil {
		return res, err
	}
	return res, nil
}

// LookupInvoice returns the status of an invoice we created, asking the backend while it is pending.
// An invoice stays pending until it is paid or its expiry passes.
func (e *Engine) LookupInvoice(ctx context.Context, invoice string) (ledger.Status, error) {
	m, err := ResumeMachine(ctx, e.ledger, invoice)
	if err != nil {
		return "", err
	}
	if m.State() != ledger.StatusPending {
		return m.State(), nil
	}
	s, err := e.backend.LookupInvoice(ctx, m.Invoice())
	if err != nil {
		return ledger.StatusPending, err
	}
	if s.Settled {
		if err := m.Settle(ctx, s.AmountMsat); err != nil {
			return m.State(), err
		}
		return ledger.StatusPaid, e.settleRefund(ctx, invoice)
	}
	if exp := m.Invoice().ExpiresAt; !exp.IsZero() && e.now().After(exp) {
		if err := m.Transition(ctx, ledger.StatusExpired); err != nil {
			return m.State(), err
		}
		return ledger.StatusExpired, nil
	}
	return ledger.StatusPending, nil
}

func invoiceExpiry(b decodepay.Bolt11) time.Time {
	expiry := int64(b.Expiry)
	if expiry == 0 {
		expiry = 3600
	}
	return time.Unix(int64(b.CreatedAt)+expiry, 0)
}
