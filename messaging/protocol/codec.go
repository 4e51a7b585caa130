package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip04"
	"portal/engine/library"
)

var ErrMalformed = library.Kind(library.ErrProtocol, "malformed message")

// NewEnvelope marshals payload into an envelope of type t.
func NewEnvelope(t MessageType, id string, payload any) (Envelope, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: t, ID: id, Payload: b}, nil
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%w: %s %s has no payload", ErrMalformed, e.Type, e.ID)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("%w: %s %s: %s", ErrMalformed, e.Type, e.ID, err.Error())
	}
	return nil
}

// Seal encrypts env to recipient and signs the resulting event with sk.
func Seal(sk string, recipient library.Account, kind int, env Envelope, extra ...nostr.Tag) (nostr.Event, error) {
	pub, err := nostr.GetPublicKey(sk)
	if err != nil {
		return nostr.Event{}, err
	}
	plain, err := json.Marshal(env)
	if err != nil {
		return nostr.Event{}, err
	}
	shared, err := nip04.ComputeSharedSecret(recipient, sk)
	if err != nil {
		return nostr.Event{}, fmt.Errorf("%w: bad recipient key %s", ErrMalformed, recipient)
	}
	content, err := nip04.Encrypt(string(plain), shared)
	if err != nil {
		return nostr.Event{}, err
	}
	tags := nostr.Tags{nostr.Tag{"p", recipient}}
	for _, t := range extra {
		tags = append(tags, t)
	}
	e := nostr.Event{
		PubKey:    pub,
		CreatedAt: nostr.Timestamp(time.Now().Unix()),
		Kind:      kind,
		Tags:      tags,
		Content:   content,
	}
	e.ID = e.GetID()
	if err := e.Sign(sk); err != nil {
		return nostr.Event{}, err
	}
	return e, nil
}

// Open decrypts an event addressed to the holder of sk.
// Signatures are checked by the relay pool before events reach here.
func Open(sk string, e nostr.Event) (Message, error) {
	shared, err := nip04.ComputeSharedSecret(e.PubKey, sk)
	if err != nil {
		return Message{}, fmt.Errorf("%w: bad sender key on %s", ErrMalformed, e.ID)
	}
	plain, err := nip04.Decrypt(e.Content, shared)
	if err != nil {
		return Message{}, fmt.Errorf("%w: could not decrypt %s", ErrMalformed, e.ID)
	}
	var env Envelope
	if err := json.Unmarshal([]byte(plain), &env); err != nil {
		return Message{}, fmt.Errorf("%w: %s: %s", ErrMalformed, e.ID, err.Error())
	}
	if len(env.Type) == 0 || len(env.ID) == 0 {
		return Message{}, fmt.Errorf("%w: %s has no type or id", ErrMalformed, e.ID)
	}
	return Message{
		Envelope:  env,
		EventID:   e.ID,
		Sender:    e.PubKey,
		CreatedAt: int64(e.CreatedAt),
	}, nil
}

// Respond seals a response of type t to the sender of m, reusing the request id.
func Respond(sk string, m Message, t MessageType, payload any) (nostr.Event, error) {
	env, err := NewEnvelope(t, m.ID, payload)
	if err != nil {
		return nostr.Event{}, err
	}
	return Seal(sk, m.Sender, KindResponse, env, nostr.Tag{"e", m.EventID, "", "reply"})
}
