package payments

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip04"
	"portal/engine/actors"
	"portal/engine/library"
	"portal/messaging/correlator"
	"portal/messaging/protocol"
	"portal/state/ledger"
)

// NIP-47 kinds
const (
	nwcRequestKind  = 23194
	nwcResponseKind = 23195
)

var ErrInvalidNWCURI = library.Kind(library.ErrValidation, "invalid nostr wallet connect uri")

type NWCConfig struct {
	WalletPubKey library.Account
	Relay        string
	Secret       string
	ClientPubKey library.Account
}

// ParseNWCURI parses nostr+walletconnect://<wallet pubkey>?relay=<url>&secret=<hex>.
func ParseNWCURI(uri string) (NWCConfig, error) {
	if !strings.HasPrefix(uri, "nostr+walletconnect://") {
		return NWCConfig{}, fmt.Errorf("%w: must start with nostr+walletconnect://", ErrInvalidNWCURI)
	}
	u, err := url.Parse(strings.Replace(uri, "nostr+walletconnect://", "https://", 1))
	if err != nil {
		return NWCConfig{}, fmt.Errorf("%w: %s", ErrInvalidNWCURI, err.Error())
	}
	cfg := NWCConfig{WalletPubKey: u.Host, Relay: u.Query().Get("relay"), Secret: u.Query().Get("secret")}
	if len(cfg.WalletPubKey) != 64 {
		return NWCConfig{}, fmt.Errorf("%w: wallet pubkey must be 64 hex characters", ErrInvalidNWCURI)
	}
	if !strings.HasPrefix(cfg.Relay, "wss://") && !strings.HasPrefix(cfg.Relay, "ws://") {
		return NWCConfig{}, fmt.Errorf("%w: relay must be a websocket url", ErrInvalidNWCURI)
	}
	cfg.ClientPubKey, err = actors.GetPubKey(cfg.Secret)
	if err != nil {
		return NWCConfig{}, fmt.Errorf("%w: %s", ErrInvalidNWCURI, err.Error())
	}
	return cfg, nil
}

// Filters selects the wallet's responses to us.
func (c NWCConfig) Filters() nostr.Filters {
	return nostr.Filters{{
		Kinds:   []int{nwcResponseKind},
		Authors: []string{c.WalletPubKey},
		Tags:    nostr.TagMap{"p": []string{c.ClientPubKey}},
	}}
}

type nwcRequest struct {
	Method string `json:"method"`
	Params any    `json:"params"`
}

type nwcResponse struct {
	ResultType string          `json:"result_type"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// NWCBackend talks to a NIP-47 wallet service. Requests and responses are matched by the response's e tag.
type NWCBackend struct {
	cfg     NWCConfig
	out     correlator.Publisher
	pending *correlator.Correlator
}

// NewNWCBackend reads responses from events until ctx is done.
func NewNWCBackend(ctx context.Context, cfg NWCConfig, out correlator.Publisher, events <-chan nostr.Event, timeout time.Duration) *NWCBackend {
	b := &NWCBackend{cfg: cfg, out: out, pending: correlator.New(cfg.Secret, out, timeout)}
	go b.listen(ctx, events)
	return b
}

func (b *NWCBackend) listen(ctx context.Context, events <-chan nostr.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			if ev.Kind != nwcResponseKind || ev.PubKey != b.cfg.WalletPubKey {
				continue
			}
			requestID, ok := library.GetFirstTag(ev, "e")
			if !ok {
				continue
			}
			shared, err := nip04.ComputeSharedSecret(ev.PubKey, b.cfg.Secret)
			if err != nil {
				continue
			}
			plain, err := nip04.Decrypt(ev.Content, shared)
			if err != nil {
				library.LogCLI("could not decrypt wallet response "+ev.ID, 3)
				continue
			}
			err = b.pending.Resolve(protocol.Message{
				Envelope: protocol.Envelope{ID: requestID, Payload: json.RawMessage(plain)},
				EventID:  ev.ID,
				Sender:   ev.PubKey,
			})
			if err != nil {
				library.LogCLI(err.Error(), 3)
			}
		}
	}
}

func (b *NWCBackend) call(ctx context.Context, method string, params any, into any) error {
	plain, err := json.Marshal(nwcRequest{Method: method, Params: params})
	if err != nil {
		return err
	}
	shared, err := nip04.ComputeSharedSecret(b.cfg.WalletPubKey, b.cfg.Secret)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidNWCURI, err.Error())
	}
	content, err := nip04.Encrypt(string(plain), shared)
	if err != nil {
		return err
	}
	ev := nostr.Event{
		PubKey:    b.cfg.ClientPubKey,
		CreatedAt: nostr.Timestamp(time.Now().Unix()),
		Kind:      nwcRequestKind,
		Tags:      nostr.Tags{nostr.Tag{"p", b.cfg.WalletPubKey}},
		Content:   content,
	}
	ev.ID = ev.GetID()
	if err := ev.Sign(b.cfg.Secret); err != nil {
		return err
	}
	p, err := b.pending.RegisterID(ev.ID, correlator.Payment, b.cfg.WalletPubKey, method)
	if err != nil {
		return err
	}
	if err := b.out.Publish(ctx, ev); err != nil {
		p.Cancel()
		return err
	}
	msg, err := p.Wait(ctx)
	if err != nil {
		p.Cancel()
		return err
	}
	var res nwcResponse
	if err := json.Unmarshal(msg.Payload, &res); err != nil {
		return library.Kind(library.ErrProtocol, "wallet response: "+err.Error())
	}
	if res.Error != nil {
		switch res.Error.Code {
		case "INSUFFICIENT_BALANCE", "PAYMENT_FAILED", "QUOTA_EXCEEDED":
			return fmt.Errorf("%w: %s: %s", ErrPaymentFailed, res.Error.Code, res.Error.Message)
		}
		return fmt.Errorf("%w: wallet %s: %s: %s", library.ErrProtocol, method, res.Error.Code, res.Error.Message)
	}
	if into == nil {
		return nil
	}
	if err := json.Unmarshal(res.Result, into); err != nil {
		return library.Kind(library.ErrProtocol, "wallet result: "+err.Error())
	}
	return nil
}

func (b *NWCBackend) PayInvoice(ctx context.Context, invoice string, amountMsat int64) (string, error) {
	var res struct {
		Preimage string `json:"preimage"`
	}
	if err := b.call(ctx, "pay_invoice", map[string]any{"invoice": invoice}, &res); err != nil {
		return "", err
	}
	return res.Preimage, nil
}

func (b *NWCBackend) MakeInvoice(ctx context.Context, amountMsat int64, description string) (InvoiceResult, error) {
	var res struct {
		Invoice     string `json:"invoice"`
		PaymentHash string `json:"payment_hash"`
		ExpiresAt   int64  `json:"expires_at"`
	}
	err := b.call(ctx, "make_invoice", map[string]any{"amount": amountMsat, "description": description}, &res)
	if err != nil {
		return InvoiceResult{}, err
	}
	r := InvoiceResult{Invoice: res.Invoice, PaymentHash: res.PaymentHash}
	if res.ExpiresAt > 0 {
		r.ExpiresAt = time.Unix(res.ExpiresAt, 0)
	}
	return r, nil
}

func (b *NWCBackend) LookupInvoice(ctx context.Context, invoice ledger.Invoice) (Settlement, error) {
	var res struct {
		Amount    int64  `json:"amount"`
		Preimage  string `json:"preimage"`
		SettledAt int64  `json:"settled_at"`
	}
	if err := b.call(ctx, "lookup_invoice", map[string]any{"invoice": invoice.Invoice}, &res); err != nil {
		return Settlement{}, err
	}
	if res.SettledAt == 0 {
		return Settlement{}, nil
	}
	return Settlement{Settled: true, AmountMsat: res.Amount, Preimage: res.Preimage}, nil
}
