package protocol

import (
	"context"
	"fmt"
	"sync"

	"portal/engine/library"
)

var ErrAlreadyAnswered = fmt.Errorf("%w: request was already answered", library.ErrAlreadyResolved)

// ReplyFunc seals and sends a response to the request it was created for.
type ReplyFunc func(ctx context.Context, t MessageType, payload any) error

// Request is an inbound request that can be answered exactly once.
type Request struct {
	Message
	reply ReplyFunc

	// mu is held while a reply is sent so concurrent answers are ordered.
	mu       *sync.Mutex
	answered bool
}

func NewRequest(m Message, reply ReplyFunc) *Request {
	return &Request{Message: m, reply: reply, mu: &sync.Mutex{}}
}

// Resolve sends the answer. Once a reply has been sent every later call returns ErrAlreadyAnswered without
// sending anything. A reply that fails leaves the request open for another attempt.
func (r *Request) Resolve(ctx context.Context, t MessageType, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.answered {
		return ErrAlreadyAnswered
	}
	if err := r.reply(ctx, t, payload); err != nil {
		return err
	}
	r.answered = true
	return nil
}
