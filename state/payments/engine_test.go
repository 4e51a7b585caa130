package payments

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	decodepay "github.com/nbd-wtf/ln-decodepay"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"portal/messaging/protocol"
	"portal/state/ledger"
)

const service = "service-pubkey"

var testNow = time.Unix(1700000000, 0)

type fakeBackend struct {
	mu       sync.Mutex
	h        *harness
	payErr   error
	paid     []string
	made     int
	settled  map[string]Settlement
	makeErr  error
	mismatch int64
}

func (b *fakeBackend) PayInvoice(ctx context.Context, invoice string, amountMsat int64) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.payErr != nil {
		return "", b.payErr
	}
	b.paid = append(b.paid, invoice)
	return "preimage-" + invoice, nil
}

func (b *fakeBackend) MakeInvoice(ctx context.Context, amountMsat int64, description string) (InvoiceResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.makeErr != nil {
		return InvoiceResult{}, b.makeErr
	}
	b.made++
	inv := fmt.Sprintf("lnbcmade%d", b.made)
	b.h.addInvoice(inv, amountMsat+b.mismatch)
	return InvoiceResult{Invoice: inv}, nil
}

func (b *fakeBackend) LookupInvoice(ctx context.Context, invoice ledger.Invoice) (Settlement, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.settled[invoice.Invoice], nil
}

func (b *fakeBackend) madeCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.made
}

type captured struct {
	Type    protocol.MessageType
	Payload any
}

type harness struct {
	e       *Engine
	l       *ledger.Ledger
	be      *fakeBackend
	mu      sync.Mutex
	bolt11  map[string]decodepay.Bolt11
	now     time.Time
	changes []ledger.Activity
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	l, err := ledger.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(l.Close)
	h := &harness{l: l, bolt11: make(map[string]decodepay.Bolt11), now: testNow}
	h.be = &fakeBackend{h: h, settled: make(map[string]Settlement)}
	h.e = NewEngine(l, h.be, WithDecoder(h.decode), WithClock(h.clock))
	h.e.OnChange(func(a ledger.Activity) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.changes = append(h.changes, a)
	})
	return h
}

func (h *harness) clock() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.now
}

func (h *harness) advance(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.now = h.now.Add(d)
}

func (h *harness) addInvoice(invoice string, msat int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.bolt11[invoice] = decodepay.Bolt11{
		MSatoshi:    msat,
		PaymentHash: "hash-" + invoice,
		CreatedAt:   int(h.now.Unix()) - 10,
		Expiry:      3600,
	}
}

func (h *harness) decode(invoice string) (decodepay.Bolt11, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	b, ok := h.bolt11[invoice]
	if !ok {
		return decodepay.Bolt11{}, errors.New("bad bech32")
	}
	return b, nil
}

func request(t *testing.T, mt protocol.MessageType, id, sender string, payload any) (*protocol.Request, *[]captured) {
	t.Helper()
	env, err := protocol.NewEnvelope(mt, id, payload)
	require.NoError(t, err)
	var replies []captured
	var mu sync.Mutex
	r := protocol.NewRequest(protocol.Message{Envelope: env, Sender: sender}, func(ctx context.Context, t protocol.MessageType, payload any) error {
		mu.Lock()
		defer mu.Unlock()
		replies = append(replies, captured{Type: t, Payload: payload})
		return nil
	})
	return r, &replies
}

func statuses(t *testing.T, l *ledger.Ledger, invoice string) (s []ledger.Status) {
	t.Helper()
	history, err := l.History(context.Background(), invoice)
	require.NoError(t, err)
	for _, h := range history {
		s = append(s, h.Status)
	}
	return
}

func (h *harness) pay(t *testing.T, id, invoice string, msat int64) ledger.Activity {
	t.Helper()
	h.addInvoice(invoice, msat)
	req, _ := request(t, protocol.TypeSinglePaymentRequest, id, service, protocol.SinglePaymentRequest{
		Amount: msat, Currency: "MSAT", Invoice: invoice, ServiceName: "Coffee",
	})
	a, err := h.e.HandleSinglePayment(t.Context(), req, true)
	require.NoError(t, err)
	return a
}

func TestSinglePaymentRecordsSats(t *testing.T) {
	h := newHarness(t)
	h.addInvoice("lnbc5", 5000)
	req, replies := request(t, protocol.TypeSinglePaymentRequest, "req-1", service, protocol.SinglePaymentRequest{
		Amount: 5000, Currency: "msat", Invoice: "lnbc5", ServiceName: "Coffee",
	})

	a, err := h.e.HandleSinglePayment(t.Context(), req, true)
	require.NoError(t, err)
	assert.Equal(t, int64(5), a.Amount)
	assert.Equal(t, "SAT", a.Currency)
	assert.Equal(t, int64(5000), a.AmountMsat)
	assert.Equal(t, ledger.StatusPaid, a.Status)
	assert.Equal(t, service, a.ServiceKey)

	require.Len(t, *replies, 1)
	resp := (*replies)[0].Payload.(protocol.PaymentResponse)
	assert.Equal(t, protocol.PaymentPaid, resp.Status)
	assert.Equal(t, "preimage-lnbc5", resp.Preimage)

	assert.Equal(t, []ledger.Status{ledger.StatusPending, ledger.StatusPaid}, statuses(t, h.l, "lnbc5"))
	stored, err := h.l.ActivityByRequest(t.Context(), "req-1")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPaid, stored.Status)
	assert.Equal(t, []string{"lnbc5"}, h.be.paid)
	assert.NotEmpty(t, h.changes)
}

func TestSinglePaymentProcessedOnce(t *testing.T) {
	h := newHarness(t)
	h.pay(t, "req-1", "lnbc5", 5000)

	req, replies := request(t, protocol.TypeSinglePaymentRequest, "req-1", service, protocol.SinglePaymentRequest{
		Amount: 5000, Currency: "MSAT", Invoice: "lnbc5",
	})
	_, err := h.e.HandleSinglePayment(t.Context(), req, true)
	assert.ErrorIs(t, err, ErrAlreadyProcessed)
	assert.Empty(t, *replies)
	assert.Len(t, h.be.paid, 1)
}

func TestSinglePaymentRejections(t *testing.T) {
	tests := []struct {
		name    string
		request protocol.SinglePaymentRequest
		want    error
	}{
		{"amount mismatch", protocol.SinglePaymentRequest{Amount: 4000, Currency: "MSAT", Invoice: "lnbc5"}, ErrAmountMismatch},
		{"sats mismatch", protocol.SinglePaymentRequest{Amount: 6, Currency: "SAT", Invoice: "lnbc5"}, ErrAmountMismatch},
		{"unknown currency", protocol.SinglePaymentRequest{Amount: 5000, Currency: "DOGE", Invoice: "lnbc5"}, ErrUnknownCurrency},
		{"undecodable invoice", protocol.SinglePaymentRequest{Amount: 5000, Currency: "MSAT", Invoice: "garbage"}, ErrInvalidInvoice},
		{"expired request", protocol.SinglePaymentRequest{Amount: 5000, Currency: "MSAT", Invoice: "lnbc5", ExpiresAt: testNow.Unix() - 1}, ErrRequestExpired},
		{"unknown subscription", protocol.SinglePaymentRequest{Amount: 5000, Currency: "MSAT", Invoice: "lnbc5", SubscriptionID: strPtr("nope")}, ledger.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.addInvoice("lnbc5", 5000)
			req, replies := request(t, protocol.TypeSinglePaymentRequest, "req-1", service, tt.request)
			_, err := h.e.HandleSinglePayment(t.Context(), req, true)
			assert.ErrorIs(t, err, tt.want)
			require.Len(t, *replies, 1)
			assert.Equal(t, protocol.PaymentRejected, (*replies)[0].Payload.(protocol.PaymentResponse).Status)
			assert.Empty(t, h.be.paid)
			_, err = h.l.ActivityByRequest(t.Context(), "req-1")
			assert.ErrorIs(t, err, ledger.ErrNotFound)
		})
	}
}

func TestSinglePaymentExpiredInvoice(t *testing.T) {
	h := newHarness(t)
	h.addInvoice("lnbc5", 5000)
	h.advance(2 * time.Hour)
	req, _ := request(t, protocol.TypeSinglePaymentRequest, "req-1", service, protocol.SinglePaymentRequest{Amount: 5000, Currency: "MSAT", Invoice: "lnbc5"})
	_, err := h.e.HandleSinglePayment(t.Context(), req, true)
	assert.ErrorIs(t, err, ErrInvoiceExpired)
}

func TestSinglePaymentDeclined(t *testing.T) {
	h := newHarness(t)
	h.addInvoice("lnbc5", 5000)
	req, replies := request(t, protocol.TypeSinglePaymentRequest, "req-1", service, protocol.SinglePaymentRequest{Amount: 5000, Currency: "MSAT", Invoice: "lnbc5"})
	_, err := h.e.HandleSinglePayment(t.Context(), req, false)
	assert.ErrorIs(t, err, ErrDeclined)
	require.Len(t, *replies, 1)
	assert.Equal(t, protocol.PaymentRejected, (*replies)[0].Payload.(protocol.PaymentResponse).Status)
	assert.Empty(t, h.be.paid)
}

func TestSinglePaymentFailure(t *testing.T) {
	h := newHarness(t)
	h.be.payErr = fmt.Errorf("%w: no route", ErrPaymentFailed)
	h.addInvoice("lnbc5", 5000)
	req, replies := request(t, protocol.TypeSinglePaymentRequest, "req-1", service, protocol.SinglePaymentRequest{Amount: 5000, Currency: "MSAT", Invoice: "lnbc5"})

	a, err := h.e.HandleSinglePayment(t.Context(), req, true)
	assert.ErrorIs(t, err, ErrPaymentFailed)
	assert.Equal(t, ledger.StatusFailed, a.Status)
	require.Len(t, *replies, 1)
	assert.Equal(t, protocol.PaymentFailed, (*replies)[0].Payload.(protocol.PaymentResponse).Status)
	assert.Equal(t, []ledger.Status{ledger.StatusPending, ledger.StatusFailed}, statuses(t, h.l, "lnbc5"))
}

func TestFiatPaymentKeepsCurrency(t *testing.T) {
	h := newHarness(t)
	h.addInvoice("lnbcusd", 123000)
	req, _ := request(t, protocol.TypeSinglePaymentRequest, "req-1", service, protocol.SinglePaymentRequest{Amount: 250, Currency: "usd", Invoice: "lnbcusd"})
	a, err := h.e.HandleSinglePayment(t.Context(), req, true)
	require.NoError(t, err)
	assert.Equal(t, int64(250), a.Amount)
	assert.Equal(t, "USD", a.Currency)
	assert.Equal(t, int64(123000), a.AmountMsat)
}

func TestRecurringPaymentAndSubscriptionPayments(t *testing.T) {
	h := newHarness(t)
	maxPayments := 2
	req, replies := request(t, protocol.TypeRecurringPaymentRequest, "sub-req", service, protocol.RecurringPaymentRequest{
		Amount:   1000,
		Currency: "MSAT",
		Recurrence: protocol.Recurrence{
			Calendar:        "monthly",
			FirstPaymentDue: testNow.Unix(),
			MaxPayments:     &maxPayments,
		},
	})
	s, err := h.e.HandleRecurringPayment(t.Context(), req, true)
	require.NoError(t, err)
	require.Len(t, *replies, 1)
	resp := (*replies)[0].Payload.(protocol.RecurringPaymentResponse)
	assert.Equal(t, protocol.SubscriptionApproved, resp.Status)
	assert.Equal(t, s.ID, resp.SubscriptionID)

	payment := func(id, invoice, sender string) error {
		h.addInvoice(invoice, 1000)
		r, _ := request(t, protocol.TypeSinglePaymentRequest, id, sender, protocol.SinglePaymentRequest{
			Amount: 1000, Currency: "MSAT", Invoice: invoice, SubscriptionID: &s.ID,
		})
		_, err := h.e.HandleSinglePayment(t.Context(), r, true)
		return err
	}

	assert.ErrorIs(t, payment("p0", "lnbcp0", "intruder"), ErrNotSubscribed)
	require.NoError(t, payment("p1", "lnbcp1", service))
	assert.ErrorIs(t, payment("p2", "lnbcp2", service), ErrPaymentNotDue)

	h.advance(31 * 24 * time.Hour)
	require.NoError(t, payment("p3", "lnbcp3", service))
	h.advance(31 * 24 * time.Hour)
	assert.ErrorIs(t, payment("p4", "lnbcp4", service), ErrSubscriptionExhausted)

	stored, err := h.l.GetSubscription(t.Context(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, stored.PaymentsMade)
	a, err := h.l.ActivityByRequest(t.Context(), "p1")
	require.NoError(t, err)
	assert.Equal(t, ledger.ActivitySubscriptionPayment, a.Type)
}

func TestRecurringPaymentRejected(t *testing.T) {
	h := newHarness(t)
	req, replies := request(t, protocol.TypeRecurringPaymentRequest, "sub-req", service, protocol.RecurringPaymentRequest{
		Amount: 1000, Currency: "MSAT", Recurrence: protocol.Recurrence{Calendar: "fortnightly", FirstPaymentDue: testNow.Unix()},
	})
	_, err := h.e.HandleRecurringPayment(t.Context(), req, true)
	assert.ErrorIs(t, err, ErrUnknownCalendar)
	require.Len(t, *replies, 1)
	assert.Equal(t, protocol.SubscriptionRejected, (*replies)[0].Payload.(protocol.RecurringPaymentResponse).Status)
}

func refundRequest(t *testing.T, id, refunds string, amount int64, currency string) (*protocol.Request, *[]captured) {
	return request(t, protocol.TypeInvoiceRequest, id, service, protocol.InvoiceRequest{
		Amount: amount, Currency: currency, RefundRequestID: refunds,
	})
}

func TestRefundFlow(t *testing.T) {
	h := newHarness(t)
	h.pay(t, "req-1", "lnbc5", 5000)

	req, replies := refundRequest(t, "refund-1", "req-1", 5000, "MSAT")
	a, err := h.e.HandleInvoiceRequest(t.Context(), req)
	require.NoError(t, err)
	require.Len(t, *replies, 1)
	resp := (*replies)[0].Payload.(protocol.InvoiceResponse)
	assert.Equal(t, "lnbcmade1", resp.Invoice)
	assert.Equal(t, "hash-lnbcmade1", resp.PaymentHash)
	assert.Equal(t, ledger.StatusRefundStarted, a.Status)
	require.NotNil(t, a.RefundInvoice)
	assert.Equal(t, "lnbcmade1", *a.RefundInvoice)

	// a different request while the refund is open is refused
	second, secondReplies := refundRequest(t, "refund-2", "req-1", 5000, "MSAT")
	_, err = h.e.HandleInvoiceRequest(t.Context(), second)
	assert.ErrorIs(t, err, ledger.ErrRefundAlreadyInProgress)
	require.Len(t, *secondReplies, 1)
	assert.Empty(t, (*secondReplies)[0].Payload.(protocol.InvoiceResponse).Invoice)

	// the same request again gets the same invoice
	again, againReplies := refundRequest(t, "refund-1", "req-1", 5000, "MSAT")
	_, err = h.e.HandleInvoiceRequest(t.Context(), again)
	require.NoError(t, err)
	assert.Equal(t, "lnbcmade1", (*againReplies)[0].Payload.(protocol.InvoiceResponse).Invoice)
	assert.Equal(t, 1, h.be.madeCount())

	h.be.settled["lnbcmade1"] = Settlement{Settled: true, AmountMsat: 5000}
	status, err := h.e.LookupInvoice(t.Context(), "lnbcmade1")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPaid, status)

	refunded, err := h.l.ActivityByRequest(t.Context(), "req-1")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusRefunded, refunded.Status)
	assert.Equal(t, []ledger.Status{ledger.StatusPending, ledger.StatusPaid, ledger.StatusRefundStarted, ledger.StatusRefunded}, statuses(t, h.l, "lnbc5"))

	late, _ := refundRequest(t, "refund-3", "req-1", 5000, "MSAT")
	_, err = h.e.HandleInvoiceRequest(t.Context(), late)
	assert.ErrorIs(t, err, ledger.ErrAlreadyRefunded)
}

func TestConcurrentRefundsCreateOneInvoice(t *testing.T) {
	h := newHarness(t)
	h.pay(t, "req-1", "lnbc5", 5000)

	var reqs []*protocol.Request
	for i := 0; i < 8; i++ {
		req, _ := refundRequest(t, fmt.Sprintf("refund-%d", i), "req-1", 5, "SAT")
		reqs = append(reqs, req)
	}
	var wg sync.WaitGroup
	var mu sync.Mutex
	var ok, inProgress int
	for _, req := range reqs {
		wg.Add(1)
		go func(req *protocol.Request) {
			defer wg.Done()
			_, err := h.e.HandleInvoiceRequest(context.Background(), req)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ledger.ErrRefundAlreadyInProgress):
				inProgress++
			}
		}(req)
	}
	wg.Wait()
	assert.Equal(t, 1, ok)
	assert.Equal(t, 7, inProgress)
	assert.Equal(t, 1, h.be.madeCount())
}

func TestRefundMustMatchPayment(t *testing.T) {
	h := newHarness(t)
	h.pay(t, "req-1", "lnbc5", 5000)

	req, _ := refundRequest(t, "r1", "req-1", 6000, "MSAT")
	_, err := h.e.HandleInvoiceRequest(t.Context(), req)
	assert.ErrorIs(t, err, ErrAmountMismatch)

	req, _ = refundRequest(t, "r2", "req-1", 5, "USD")
	_, err = h.e.HandleInvoiceRequest(t.Context(), req)
	assert.ErrorIs(t, err, ErrCurrencyMismatch)

	req, _ = request(t, protocol.TypeInvoiceRequest, "r3", "another-service", protocol.InvoiceRequest{Amount: 5000, Currency: "MSAT", RefundRequestID: "req-1"})
	_, err = h.e.HandleInvoiceRequest(t.Context(), req)
	assert.ErrorIs(t, err, ErrNotPayee)

	req, _ = request(t, protocol.TypeInvoiceRequest, "r4", service, protocol.InvoiceRequest{Amount: 5000, Currency: "MSAT"})
	_, err = h.e.HandleInvoiceRequest(t.Context(), req)
	assert.ErrorIs(t, err, ErrNoReference)

	assert.Zero(t, h.be.madeCount())
	a, err := h.l.ActivityByRequest(t.Context(), "req-1")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPaid, a.Status)
	assert.Nil(t, a.RefundRequestID)
}

func TestRefundByInvoiceAndFailedInvoiceReleases(t *testing.T) {
	h := newHarness(t)
	h.pay(t, "req-1", "lnbc5", 5000)
	h.be.makeErr = errors.New("backend down")

	req, _ := request(t, protocol.TypeInvoiceRequest, "r1", service, protocol.InvoiceRequest{Amount: 5000, Currency: "MSAT", RefundInvoice: "lnbc5"})
	_, err := h.e.HandleInvoiceRequest(t.Context(), req)
	assert.Error(t, err)
	a, err := h.l.ActivityByRequest(t.Context(), "req-1")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPaid, a.Status)
	assert.Nil(t, a.RefundRequestID)

	h.be.makeErr = nil
	req, _ = request(t, protocol.TypeInvoiceRequest, "r2", service, protocol.InvoiceRequest{Amount: 5000, Currency: "MSAT", RefundInvoice: "lnbc5"})
	_, err = h.e.HandleInvoiceRequest(t.Context(), req)
	assert.NoError(t, err)
}

func TestMakeAndLookupInvoice(t *testing.T) {
	h := newHarness(t)
	res, err := h.e.MakeInvoice(t.Context(), 21000, "tip")
	require.NoError(t, err)
	assert.Equal(t, "hash-"+res.Invoice, res.PaymentHash)

	status, err := h.e.LookupInvoice(t.Context(), res.Invoice)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPending, status)

	h.be.settled[res.Invoice] = Settlement{Settled: true, AmountMsat: 20000}
	status, err = h.e.LookupInvoice(t.Context(), res.Invoice)
	assert.ErrorIs(t, err, ErrAmountMismatch)
	assert.Equal(t, ledger.StatusPending, status)

	h.be.settled[res.Invoice] = Settlement{Settled: true, AmountMsat: 21000}
	status, err = h.e.LookupInvoice(t.Context(), res.Invoice)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPaid, status)
	assert.Equal(t, []ledger.Status{ledger.StatusPending, ledger.StatusPaid}, statuses(t, h.l, res.Invoice))

	_, err = h.e.MakeInvoice(t.Context(), 0, "nothing")
	assert.ErrorIs(t, err, ErrNoAmount)
}

func TestLookupInvoiceExpires(t *testing.T) {
	h := newHarness(t)
	res, err := h.e.MakeInvoice(t.Context(), 1000, "")
	require.NoError(t, err)
	h.advance(2 * time.Hour)
	status, err := h.e.LookupInvoice(t.Context(), res.Invoice)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusExpired, status)

	h.be.settled[res.Invoice] = Settlement{Settled: true, AmountMsat: 1000}
	status, err = h.e.LookupInvoice(t.Context(), res.Invoice)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusExpired, status)
}

func TestMakeInvoiceRejectsWrongAmount(t *testing.T) {
	h := newHarness(t)
	h.be.mismatch = 1
	_, err := h.e.MakeInvoice(t.Context(), 1000, "")
	assert.ErrorIs(t, err, ErrAmountMismatch)
}

func strPtr(s string) *string {
	return &s
}
