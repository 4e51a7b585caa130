package cashu

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/elnosh/gonuts/cashu"
	"github.com/sasha-s/go-deadlock"
	"portal/engine/library"
	"portal/messaging/correlator"
	"portal/messaging/protocol"
	"portal/state/ledger"
)

var (
	ErrInvalidToken      = library.Kind(library.ErrValidation, "invalid cashu token")
	ErrTokenAlreadySpent = library.Kind(library.ErrAlreadyResolved, "cashu token already spent")
	ErrMintUnreachable   = library.Kind(library.ErrTransport, "mint unreachable")
)

// Outcome is the counterparty's answer to a ticket request. Token is only set on success, Reason only on rejection.
type Outcome struct {
	Status protocol.CashuStatus
	Token  string
	Reason string
}

// Connector is the part of relays.Pool that ticket requests use to reach relay hints.
type Connector interface {
	Connect(url string) error
}

type Engine struct {
	requests *correlator.Correlator
	relays   Connector
	mint     Mint
	ledger   *ledger.Ledger

	mu      *deadlock.Mutex
	burning map[string]struct{}
}

func NewEngine(requests *correlator.Correlator, relays Connector, mint Mint, l *ledger.Ledger) *Engine {
	return &Engine{
		requests: requests,
		relays:   relays,
		mint:     mint,
		ledger:   l,
		mu:       &deadlock.Mutex{},
		burning:  make(map[string]struct{}),
	}
}

// RequestTicket asks identity for a token of amount unit from mintURL. Relay failures and timeouts are
// errors, a refusal is an Outcome.
func (e *Engine) RequestTicket(ctx context.Context, identity library.Account, relayHints []string, mintURL, unit string, amount uint64) (Outcome, error) {
	for _, hint := range relayHints {
		if err := e.relays.Connect(hint); err != nil {
			library.LogCLI(fmt.Sprintf("ignoring relay hint %s: %s", hint, err), 3)
		}
	}
	id, p, err := e.requests.Send(ctx, protocol.TypeCashuRequest, identity, protocol.CashuRequest{MintURL: mintURL, Unit: unit, Amount: amount})
	if err != nil {
		return Outcome{}, err
	}
	msg, err := p.Wait(ctx)
	if err != nil {
		p.Cancel()
		return Outcome{}, err
	}
	if msg.Type != protocol.TypeCashuResponse {
		return Outcome{}, fmt.Errorf("%w: %s answered with %s", library.ErrProtocol, id, msg.Type)
	}
	var r protocol.CashuResponse
	if err := msg.Decode(&r); err != nil {
		return Outcome{}, err
	}
	switch r.Status {
	case protocol.CashuSuccess:
		if len(r.Token) == 0 {
			return Outcome{}, library.Kind(library.ErrProtocol, "cashu success without a token")
		}
		return Outcome{Status: r.Status, Token: r.Token}, nil
	case protocol.CashuInsufficientFunds:
		return Outcome{Status: r.Status}, nil
	case protocol.CashuRejected:
		return Outcome{Status: r.Status, Reason: r.Reason}, nil
	}
	return Outcome{}, fmt.Errorf("%w: unknown cashu status %q", library.ErrProtocol, r.Status)
}

// BurnTicket redeems token at mintURL and returns what it was worth in millisatoshis. The token is swapped for
// fresh proofs, which the ledger keeps. A token is burned at most once and nothing is retried.
//
// Once the mint has swapped the token the claimed amount is returned even if recording it fails, together
// with the storage error.
func (e *Engine) BurnTicket(ctx context.Context, mintURL, unit, token, authToken string) (uint64, error) {
	factor, err := unitFactor(unit)
	if err != nil {
		return 0, err
	}
	proofs, err := decodeToken(token, mintURL, unit)
	if err != nil {
		return 0, err
	}
	key := spendKey(proofs)
	release, err := e.claim(ctx, key)
	if err != nil {
		return 0, err
	}
	defer release()

	keysets, err := e.mint.Keysets(ctx, mintURL)
	if err != nil {
		return 0, err
	}
	fee, err := inputFee(proofs, keysets)
	if err != nil {
		return 0, err
	}
	sum := total(proofs)
	if fee > sum {
		return 0, fmt.Errorf("%w: fee %d exceeds token amount %d", ErrInvalidToken, fee, sum)
	}
	active, err := activeKeyset(keysets, unit)
	if err != nil {
		return 0, err
	}
	keys, err := e.mint.Keys(ctx, mintURL, active.ID)
	if err != nil {
		return 0, err
	}
	outputs, blanks, err := blindOutputs(active.ID, sum-fee)
	if err != nil {
		return 0, err
	}

	sigs, err := e.mint.Swap(ctx, mintURL, authToken, proofs, outputs)
	if errors.Is(err, ErrTokenAlreadySpent) {
		if rerr := e.ledger.RecordBurn(ctx, key, nil); rerr != nil {
			return 0, errors.Join(err, rerr)
		}
		return 0, err
	}
	if err != nil {
		return 0, err
	}
	fresh, err := unblind(sigs, blanks, keys)
	if err != nil {
		// the inputs are gone at the mint either way
		if rerr := e.ledger.RecordBurn(ctx, key, nil); rerr != nil {
			return 0, errors.Join(err, rerr)
		}
		return 0, err
	}
	claimed := total(fresh) * factor
	if err := e.ledger.RecordBurn(ctx, key, ledgerProofs(fresh, mintURL, unit)); err != nil {
		library.LogCLI(fmt.Sprintf("burned %d msat at %s but could not record it: %s", claimed, mintURL, err), 1)
		return claimed, err
	}
	library.LogCLI(fmt.Sprintf("burned cashu token for %d msat at %s", claimed, mintURL), 4)
	return claimed, nil
}

func activeKeyset(keysets []Keyset, unit string) (Keyset, error) {
	for _, k := range keysets {
		if k.Active && strings.EqualFold(k.Unit, unit) {
			return k, nil
		}
	}
	return Keyset{}, fmt.Errorf("%w: mint has no active %s keyset", library.ErrProtocol, unit)
}

func ledgerProofs(proofs cashu.Proofs, mintURL, unit string) []ledger.Proof {
	out := make([]ledger.Proof, 0, len(proofs))
	for _, p := range proofs {
		out = append(out, ledger.Proof{Secret: p.Secret, MintURL: mintURL, Unit: unit, KeysetID: p.Id, Amount: p.Amount, C: p.C})
	}
	return out
}

// claim guards key against concurrent and repeated burns.
func (e *Engine) claim(ctx context.Context, key string) (func(), error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.burning[key]; ok {
		return nil, fmt.Errorf("%w: burn in progress", ErrTokenAlreadySpent)
	}
	spent, err := e.ledger.IsProcessed(ctx, key)
	if err != nil {
		return nil, err
	}
	if spent {
		return nil, ErrTokenAlreadySpent
	}
	e.burning[key] = struct{}{}
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.burning, key)
	}, nil
}
