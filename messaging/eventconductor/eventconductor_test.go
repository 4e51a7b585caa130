package eventconductor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"portal/engine/library"
	"portal/messaging/correlator"
	"portal/messaging/protocol"
	"portal/state/handshake"
)

type recorder struct {
	mu     sync.Mutex
	events []nostr.Event
}

func (r *recorder) Publish(ctx context.Context, ev nostr.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) Connected() []string { return []string{"wss://relay.example.com"} }

func (r *recorder) Connect(url string) error { return nil }

func (r *recorder) last(t *testing.T) nostr.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	require.NotEmpty(t, r.events)
	return r.events[len(r.events)-1]
}

type fixture struct {
	c         *Conductor
	out       *recorder
	responses *correlator.Correlator
	hs        *handshake.Engine
	events    chan nostr.Event
	walletSK  string
	walletPK  string
	serviceSK string
}

func newFixture(t *testing.T) *fixture {
	f := &fixture{
		out:       &recorder{},
		events:    make(chan nostr.Event),
		walletSK:  nostr.GeneratePrivateKey(),
		serviceSK: nostr.GeneratePrivateKey(),
	}
	var err error
	f.walletPK, err = nostr.GetPublicKey(f.walletSK)
	require.NoError(t, err)
	f.responses = correlator.New(f.walletSK, f.out, time.Minute)
	f.hs, err = handshake.New(f.walletSK, f.out, time.Minute)
	require.NoError(t, err)
	f.c = New(f.walletSK, f.out, f.responses, f.hs)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	f.c.Start(ctx, f.events)
	return f
}

func (f *fixture) send(t *testing.T, kind int, mt protocol.MessageType, id string, payload any) nostr.Event {
	env, err := protocol.NewEnvelope(mt, id, payload)
	require.NoError(t, err)
	ev, err := protocol.Seal(f.serviceSK, f.walletPK, kind, env)
	require.NoError(t, err)
	f.events <- ev
	return ev
}

func (f *fixture) next(t *testing.T) *protocol.Request {
	select {
	case r := <-f.c.Requests():
		return r
	case <-time.After(time.Second):
		t.Fatal("no request delivered")
	}
	return nil
}

func TestRequestsAreDeliveredInOrderAndAnswered(t *testing.T) {
	f := newFixture(t)
	first := f.send(t, protocol.KindRequest, protocol.TypeSinglePaymentRequest, "r1", protocol.SinglePaymentRequest{Amount: 1000, Currency: "MSAT", Invoice: "lnbc1"})
	f.send(t, protocol.KindRequest, protocol.TypeInvoiceRequest, "r2", protocol.InvoiceRequest{Amount: 1, Currency: "SAT"})
	f.send(t, protocol.KindRequest, protocol.TypeAuthChallenge, "r3", protocol.AuthChallenge{Challenge: "c"})

	r := f.next(t)
	assert.Equal(t, "r1", r.ID)
	assert.Equal(t, first.ID, r.EventID)
	assert.Equal(t, "r2", f.next(t).ID)
	assert.Equal(t, "r3", f.next(t).ID)

	require.NoError(t, r.Resolve(t.Context(), protocol.TypePaymentResponse, protocol.PaymentResponse{Status: protocol.PaymentPaid, Preimage: "p"}))
	assert.ErrorIs(t, r.Resolve(t.Context(), protocol.TypePaymentResponse, protocol.PaymentResponse{}), protocol.ErrAlreadyAnswered)

	reply := f.out.last(t)
	assert.Equal(t, protocol.KindResponse, reply.Kind)
	tag, ok := library.GetFirstTag(reply, "e")
	require.True(t, ok)
	assert.Equal(t, first.ID, tag)
	m, err := protocol.Open(f.serviceSK, reply)
	require.NoError(t, err)
	assert.Equal(t, protocol.TypePaymentResponse, m.Type)
	assert.Equal(t, "r1", m.ID)
}

func TestResponsesResolveTheCorrelator(t *testing.T) {
	f := newFixture(t)
	servicePK, err := nostr.GetPublicKey(f.serviceSK)
	require.NoError(t, err)
	id, p, err := f.responses.Send(t.Context(), protocol.TypeAuthChallenge, servicePK, protocol.AuthChallenge{Challenge: "c"})
	require.NoError(t, err)

	f.send(t, protocol.KindResponse, protocol.TypeAuthResponse, id, protocol.AuthResponse{Status: protocol.AuthApproved, Challenge: "c"})
	m, err := p.Wait(t.Context())
	require.NoError(t, err)
	var resp protocol.AuthResponse
	require.NoError(t, m.Decode(&resp))
	assert.Equal(t, protocol.AuthApproved, resp.Status)
	assert.Zero(t, f.responses.Len())
}

func TestHandshakeResponsesReachTheEngine(t *testing.T) {
	f := newFixture(t)
	connected := make(chan handshake.Counterparty, 1)
	_, pending, err := f.hs.CreateHandshake(t.Context(), func(c handshake.Counterparty) { connected <- c })
	require.NoError(t, err)
	defer pending.Cancel()

	servicePK, err := nostr.GetPublicKey(f.serviceSK)
	require.NoError(t, err)
	f.send(t, protocol.KindHandshake, protocol.TypeHandshakeResponse, "h1", protocol.HandshakeResponse{Token: pending.Token, MainKey: servicePK})
	select {
	case c := <-connected:
		assert.Equal(t, servicePK, c.MainKey)
	case <-time.After(time.Second):
		t.Fatal("handshake callback not called")
	}
}

func TestUnreadableEventsAreDropped(t *testing.T) {
	f := newFixture(t)
	env, err := protocol.NewEnvelope(protocol.TypeSinglePaymentRequest, "lost", protocol.SinglePaymentRequest{})
	require.NoError(t, err)
	other, err := nostr.GetPublicKey(nostr.GeneratePrivateKey())
	require.NoError(t, err)
	ev, err := protocol.Seal(f.serviceSK, other, protocol.KindRequest, env)
	require.NoError(t, err)
	f.events <- ev

	f.send(t, protocol.KindRequest, protocol.TypePaymentResponse, "misplaced", protocol.PaymentResponse{})
	f.events <- nostr.Event{Kind: 1, Content: "hello"}
	f.send(t, protocol.KindRequest, protocol.TypeSinglePaymentRequest, "kept", protocol.SinglePaymentRequest{})
	assert.Equal(t, "kept", f.next(t).ID)
}

func TestFilters(t *testing.T) {
	filters := Filters("ab")
	require.Len(t, filters, 1)
	assert.ElementsMatch(t, []int{protocol.KindRequest, protocol.KindResponse, protocol.KindHandshake}, filters[0].Kinds)
	assert.Equal(t, []string{"ab"}, filters[0].Tags["p"])
}
