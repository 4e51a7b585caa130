package payments

import (
	"context"
	"errors"
	"fmt"

	"portal/engine/library"
	"portal/messaging/protocol"
	"portal/state/ledger"
)

// HandleInvoiceRequest answers a service asking for an invoice to refund an earlier payment.
// The same request arriving again gets the invoice created the first time.
func (e *Engine) HandleInvoiceRequest(ctx context.Context, req *protocol.Request) (ledger.Activity, error) {
	reject := func(reason error) {
		err := req.Resolve(ctx, protocol.TypeInvoiceResponse, protocol.InvoiceResponse{Reason: reason.Error()})
		if err != nil {
			library.LogCLI(err.Error(), 2)
		}
	}
	var r protocol.InvoiceRequest
	if err := req.Decode(&r); err != nil {
		reject(err)
		return ledger.Activity{}, err
	}
	a, err := e.refundedActivity(ctx, r)
	if err != nil {
		reject(err)
		return ledger.Activity{}, err
	}
	if a.ServiceKey != req.Sender {
		reject(ErrNotPayee)
		return a, ErrNotPayee
	}
	if err := matchRefund(a, r); err != nil {
		reject(err)
		return a, err
	}

	previous := a.Status
	replay, err := e.ledger.ReserveRefund(ctx, a.ID, req.ID)
	if err != nil {
		reject(err)
		return a, err
	}
	if replay {
		inv, err := e.ledger.InvoiceByRequest(ctx, req.ID)
		if err != nil {
			if errors.Is(err, ledger.ErrNotFound) {
				err = fmt.Errorf("%w: %s", ledger.ErrRefundAlreadyInProgress, a.ID)
			}
			reject(err)
			return a, err
		}
		library.LogCLI(fmt.Sprintf("refund request %s seen again, resending %s", req.ID, inv.Invoice), 3)
		return a, req.Resolve(ctx, protocol.TypeInvoiceResponse, protocol.InvoiceResponse{Invoice: inv.Invoice, PaymentHash: inv.PaymentHash})
	}

	description := r.Description
	if len(description) == 0 {
		description = "Refund: " + a.ServiceName
	}
	res, err := e.makeInvoice(ctx, a.AmountMsat, description, req.ID)
	if err != nil {
		if rerr := e.ledger.ReleaseRefund(ctx, a.ID, req.ID, previous); rerr != nil {
			library.LogCLI(rerr.Error(), 1)
		}
		reject(err)
		return a, err
	}
	if err := e.ledger.SetRefundInvoice(ctx, a.ID, req.ID, res.Invoice); err != nil {
		reject(err)
		return a, err
	}
	if a, err = e.ledger.GetActivity(ctx, a.ID); err != nil {
		return a, err
	}
	e.notify(a)

	if err := req.Resolve(ctx, protocol.TypeInvoiceResponse, protocol.InvoiceResponse{Invoice: res.Invoice, PaymentHash: res.PaymentHash}); err != nil {
		return a, err
	}
	if err := e.setStatus(ctx, &a, ledger.StatusRefundStarted); err != nil {
		return a, err
	}
	if err := e.advanceOriginal(ctx, a.Invoice, ledger.StatusRefundStarted); err != nil {
		library.LogCLI(err.Error(), 2)
	}
	return a, nil
}

func (e *Engine) refundedActivity(ctx context.Context, r protocol.InvoiceRequest) (ledger.Activity, error) {
	switch {
	case len(r.RefundRequestID) > 0:
		return e.ledger.ActivityByRequest(ctx, r.RefundRequestID)
	case len(r.RefundInvoice) > 0:
		return e.ledger.ActivityByInvoice(ctx, r.RefundInvoice)
	}
	return ledger.Activity{}, ErrNoReference
}

// matchRefund requires the refund to be for exactly what was paid. Lightning amounts are compared in
// millisatoshis, fiat amounts as sent.
func matchRefund(a ledger.Activity, r protocol.InvoiceRequest) error {
	cur, err := NormalizeCurrency(r.Currency)
	if err != nil {
		return err
	}
	paid := Currency(a.Currency)
	if cur.Lightning() != paid.Lightning() || (!cur.Lightning() && cur != paid) {
		return fmt.Errorf("%w: paid in %s, refund in %s", ErrCurrencyMismatch, a.Currency, cur)
	}
	if !cur.Lightning() {
		if r.Amount != a.Amount {
			return fmt.Errorf("%w: paid %d %s, refund of %d %s", ErrAmountMismatch, a.Amount, a.Currency, r.Amount, cur)
		}
		return nil
	}
	msat, err := ToMsat(r.Amount, cur)
	if err != nil {
		return err
	}
	if msat != a.AmountMsat {
		return fmt.Errorf("%w: paid %d msat, refund of %d msat", ErrAmountMismatch, a.AmountMsat, msat)
	}
	return nil
}

// settleRefund finishes the refund that invoice was created for, if any.
func (e *Engine) settleRefund(ctx context.Context, invoice string) error {
	a, err := e.ledger.ActivityByRefundInvoice(ctx, invoice)
	if errors.Is(err, ledger.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if a.Status == ledger.StatusRefunded {
		return nil
	}
	if err := e.setStatus(ctx, &a, ledger.StatusRefunded); err != nil {
		return err
	}
	return e.advanceOriginal(ctx, a.Invoice, ledger.StatusRefunded)
}

// advanceOriginal moves the history of the refunded payment's invoice along with its refund.
func (e *Engine) advanceOriginal(ctx context.Context, invoice string, to State) error {
	m, err := ResumeMachine(ctx, e.ledger, invoice)
	if err != nil {
		return err
	}
	if to == ledger.StatusRefunded && m.State() == ledger.StatusPaid {
		if err := m.Transition(ctx, ledger.StatusRefundStarted); err != nil {
			return err
		}
	}
	if !CanTransition(m.State(), to) {
		return library.Kind(ErrInvalidTransition, fmt.Sprintf("%s is %s", invoice, m.State()))
	}
	return m.Transition(ctx, to)
}
