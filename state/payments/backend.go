package payments

import (
	"context"
	"time"

	"portal/engine/actors"
	"portal/engine/library"
	"portal/state/ledger"
)

var (
	ErrPaymentUnsupported = library.Kind(library.ErrValidation, "this lightning backend cannot pay invoices")
	ErrNoVerifyURL        = library.Kind(library.ErrProtocol, "invoice has no verify url")
	ErrPaymentFailed      = library.Kind(library.ErrValidation, "lightning payment failed")
)

type InvoiceResult struct {
	Invoice     string
	PaymentHash string
	VerifyURL   string
	ExpiresAt   time.Time
}

type Settlement struct {
	Settled    bool
	AmountMsat int64
	Preimage   string
}

// LightningBackend pays and creates invoices. Routing is entirely its business.
type LightningBackend interface {
	PayInvoice(ctx context.Context, invoice string, amountMsat int64) (preimage string, err error)
	MakeInvoice(ctx context.Context, amountMsat int64, description string) (InvoiceResult, error)
	LookupInvoice(ctx context.Context, invoice ledger.Invoice) (Settlement, error)
}

// LNURLBackend creates invoices from an LNURL-pay service and checks them with LUD-21 verify.
type LNURLBackend struct {
	// Address is a lightning address or a bech32 lnurl.
	Address string
}

func (b LNURLBackend) PayInvoice(ctx context.Context, invoice string, amountMsat int64) (string, error) {
	return "", ErrPaymentUnsupported
}

func (b LNURLBackend) MakeInvoice(ctx context.Context, amountMsat int64, description string) (InvoiceResult, error) {
	serviceURL, err := actors.ServiceURL(b.Address)
	if err != nil {
		return InvoiceResult{}, err
	}
	res, err := actors.FetchInvoice(ctx, serviceURL, amountMsat, description)
	if err != nil {
		return InvoiceResult{}, err
	}
	return InvoiceResult{Invoice: res.Pr, VerifyURL: res.Verify}, nil
}

func (b LNURLBackend) LookupInvoice(ctx context.Context, invoice ledger.Invoice) (Settlement, error) {
	if len(invoice.VerifyURL) == 0 {
		return Settlement{}, ErrNoVerifyURL
	}
	v, err := actors.VerifyInvoice(ctx, invoice.VerifyURL)
	if err != nil {
		return Settlement{}, err
	}
	if !v.Settled {
		return Settlement{}, nil
	}
	return Settlement{Settled: true, AmountMsat: invoice.AmountMsat, Preimage: v.Preimage}, nil
}

// Split pays with one backend and creates and looks up invoices with another.
func Split(payer, invoicer LightningBackend) LightningBackend {
	return splitBackend{payer: payer, invoicer: invoicer}
}

type splitBackend struct {
	payer    LightningBackend
	invoicer LightningBackend
}

func (s splitBackend) PayInvoice(ctx context.Context, invoice string, amountMsat int64) (string, error) {
	return s.payer.PayInvoice(ctx, invoice, amountMsat)
}

func (s splitBackend) MakeInvoice(ctx context.Context, amountMsat int64, description string) (InvoiceResult, error) {
	return s.invoicer.MakeInvoice(ctx, amountMsat, description)
}

func (s splitBackend) LookupInvoice(ctx context.Context, invoice ledger.Invoice) (Settlement, error) {
	return s.invoicer.LookupInvoice(ctx, invoice)
}
