package handshake

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
	"github.com/sasha-s/go-deadlock"
	"portal/engine/actors"
	"portal/engine/library"
	"portal/messaging/protocol"
)

var (
	ErrHandshakeExpired = library.Kind(library.ErrTransport, "handshake expired")
	ErrRelayUnavailable = library.Kind(library.ErrTransport, "no relay available for the handshake")
	ErrRejected         = library.Kind(library.ErrValidation, "handshake rejected")
	ErrCancelled        = library.Kind(library.ErrAlreadyResolved, "handshake cancelled")
	ErrCompleted        = library.Kind(library.ErrAlreadyResolved, "handshake already completed with another key")
	ErrUnknownHandshake = library.Kind(library.ErrValidation, "no handshake with this token")
	ErrUnknownKey       = library.Kind(library.ErrValidation, "key has not answered any handshake")
)

// Relays is the part of relays.Pool a handshake needs.
type Relays interface {
	Connected() []string
	Connect(url string) error
	Publish(ctx context.Context, event nostr.Event) error
}

// Counterparty is handed to the connect callback once per main key and session.
type Counterparty struct {
	MainKey library.Account
	Relays  []string
	Session *PendingAuth
}

type Callback func(Counterparty)

// Result is what a completed handshake resolves to.
type Result struct {
	MainKey library.Account
	Relays  []string
}

type Engine struct {
	sk     string
	pk     library.Account
	relays Relays
	ttl    time.Duration

	mu       *deadlock.Mutex
	sessions map[string]*PendingAuth
	byKey    map[library.Account]answered
}

// answered is the session a key responded in and the main key it answered for.
type answered struct {
	session *PendingAuth
	mainKey library.Account
}

func New(sk string, relays Relays, ttl time.Duration) (*Engine, error) {
	pk, err := actors.GetPubKey(sk)
	if err != nil {
		return nil, err
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Engine{
		sk:       sk,
		pk:       pk,
		relays:   relays,
		ttl:      ttl,
		mu:       &deadlock.Mutex{},
		sessions: make(map[string]*PendingAuth),
		byKey:    make(map[library.Account]answered),
	}, nil
}

// CreateHandshake opens a session and returns the url a counterparty scans to join it.
// onConnect runs on its own goroutine for every new main key that answers.
func (e *Engine) CreateHandshake(ctx context.Context, onConnect Callback) (string, *PendingAuth, error) {
	relays := e.relays.Connected()
	if len(relays) == 0 {
		return "", nil, ErrRelayUnavailable
	}
	npub, err := nip19.EncodePublicKey(e.pk)
	if err != nil {
		return "", nil, err
	}
	token := uuid.NewString()
	link := "portal://" + npub + "?" + url.Values{"relays": {strings.Join(relays, ",")}, "token": {token}}.Encode()

	p := &PendingAuth{
		Token:     token,
		URL:       link,
		e:         e,
		onConnect: onConnect,
		mu:        &deadlock.Mutex{},
		peers:     make(map[library.Account]peer),
		done:      make(chan struct{}),
	}
	e.mu.Lock()
	e.sessions[token] = p
	p.timer = time.AfterFunc(e.ttl, func() {
		p.finish(Result{}, ErrHandshakeExpired)
		e.forget(p)
	})
	e.mu.Unlock()
	library.LogCLI("Created handshake "+token, 4)
	return link, p, nil
}

// HandleResponse takes a handshake_response addressed to us. A main key that answered the session before
// does not trigger the callback again.
func (e *Engine) HandleResponse(ctx context.Context, m protocol.Message) error {
	var r protocol.HandshakeResponse
	if err := m.Decode(&r); err != nil {
		return err
	}
	if len(r.MainKey) == 0 {
		r.MainKey = m.Sender
	}
	e.mu.Lock()
	p, ok := e.sessions[r.Token]
	if ok {
		e.byKey[r.MainKey] = answered{session: p, mainKey: r.MainKey}
		if m.Sender != r.MainKey {
			e.byKey[m.Sender] = answered{session: p, mainKey: r.MainKey}
		}
	}
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownHandshake, r.Token)
	}
	for _, relay := range r.PreferredRelays {
		if err := e.relays.Connect(relay); err != nil {
			library.LogCLI(fmt.Sprintf("ignoring preferred relay %s: %s", relay, err), 3)
		}
	}
	if !p.seen(r.MainKey, m.Sender, r.PreferredRelays) {
		library.LogCLI(fmt.Sprintf("%s reconnected to handshake %s", r.MainKey, r.Token), 4)
		return nil
	}
	if p.onConnect != nil {
		go p.onConnect(Counterparty{MainKey: r.MainKey, Relays: r.PreferredRelays, Session: p})
	}
	return nil
}

// AuthenticateKey authenticates key in the session it answered. key may be the main key or the key that
// sent the response on its behalf.
func (e *Engine) AuthenticateKey(ctx context.Context, key library.Account) error {
	e.mu.Lock()
	a, ok := e.byKey[key]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}
	return a.session.Authenticate(ctx, a.mainKey)
}

func (e *Engine) forget(p *PendingAuth) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sessions[p.Token] == p {
		delete(e.sessions, p.Token)
	}
	for k, v := range e.byKey {
		if v.session == p {
			delete(e.byKey, k)
		}
	}
}

// Len is the number of open sessions.
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sessions)
}
