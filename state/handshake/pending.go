package handshake

import (
	"context"
	"fmt"
	"time"

	"github.com/sasha-s/go-deadlock"
	"portal/engine/library"
	"portal/messaging/protocol"
)

type peer struct {
	sender  library.Account
	relays  []string
	granted bool
	// granting is set while a grant for this key is being published.
	granting *attempt
}

type attempt struct {
	done chan struct{}
	err  error
}

// PendingAuth is one handshake session. It resolves once: authenticated, rejected, cancelled or expired.
type PendingAuth struct {
	Token string
	URL   string

	e         *Engine
	onConnect Callback
	timer     *time.Timer

	mu       *deadlock.Mutex
	peers    map[library.Account]peer
	done     chan struct{}
	finished bool
	result   Result
	err      error
}

// seen records a counterparty and reports whether it is new to this session.
func (p *PendingAuth) seen(mainKey, sender library.Account, relays []string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.peers[mainKey]; ok {
		return false
	}
	p.peers[mainKey] = peer{sender: sender, relays: relays}
	return true
}

// Authenticate publishes the auth grant for mainKey and resolves the session. Calling it again for the same
// key does nothing. Concurrent calls for the same key wait for the grant in flight and return its result.
// If the grant cannot be published the session stays open.
func (p *PendingAuth) Authenticate(ctx context.Context, mainKey library.Account) error {
	p.mu.Lock()
	pr, ok := p.peers[mainKey]
	switch {
	case ok && pr.granted:
		p.mu.Unlock()
		return nil
	case ok && pr.granting != nil:
		a := pr.granting
		p.mu.Unlock()
		select {
		case <-a.done:
			return a.err
		case <-ctx.Done():
			return ctx.Err()
		}
	case p.finished && p.err != nil:
		p.mu.Unlock()
		return p.err
	case p.finished:
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrCompleted, p.result.MainKey)
	case !ok:
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownKey, mainKey)
	}
	a := &attempt{done: make(chan struct{})}
	pr.granting = a
	p.peers[mainKey] = pr
	p.mu.Unlock()

	err := p.grant(ctx, mainKey, pr.sender)
	p.mu.Lock()
	pr.granting = nil
	if err != nil {
		a.err = fmt.Errorf("%w: %s", ErrRelayUnavailable, err.Error())
	} else {
		pr.granted = true
	}
	p.peers[mainKey] = pr
	p.mu.Unlock()
	if err == nil {
		library.LogCLI(fmt.Sprintf("Authenticated %s in handshake %s", mainKey, p.Token), 4)
		p.finish(Result{MainKey: mainKey, Relays: pr.relays}, nil)
	}
	close(a.done)
	return a.err
}

func (p *PendingAuth) grant(ctx context.Context, mainKey, recipient library.Account) error {
	env, err := protocol.NewEnvelope(protocol.TypeAuthGrant, p.Token, protocol.AuthGrant{Token: p.Token, MainKey: mainKey})
	if err != nil {
		return err
	}
	ev, err := protocol.Seal(p.e.sk, recipient, protocol.KindAuthGrant, env)
	if err != nil {
		return err
	}
	return p.e.relays.Publish(ctx, ev)
}

// Reject ends the session without granting anything.
func (p *PendingAuth) Reject(reason string) {
	if p.finish(Result{}, fmt.Errorf("%w: %s", ErrRejected, reason)) {
		p.timer.Stop()
		p.e.forget(p)
	}
}

// Cancel ends the session and releases its token. Responses arriving afterwards are dropped.
func (p *PendingAuth) Cancel() {
	p.finish(Result{}, ErrCancelled)
	p.timer.Stop()
	p.e.forget(p)
}

// Wait blocks until the session resolves or ctx is done.
func (p *PendingAuth) Wait(ctx context.Context) (Result, error) {
	select {
	case <-p.done:
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.result, p.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (p *PendingAuth) Done() <-chan struct{} {
	return p.done
}

// finish resolves the session once. A successful session stays registered until it expires so reconnects
// are recognised.
func (p *PendingAuth) finish(r Result, err error) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.finished {
		return false
	}
	p.finished = true
	p.result = r
	p.err = err
	close(p.done)
	return true
}
