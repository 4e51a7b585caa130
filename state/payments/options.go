package payments

import (
	"time"

	decodepay "github.com/nbd-wtf/ln-decodepay"
	"portal/engine/actors"
)

type Option func(*Engine)

// WithDecoder replaces the bolt11 decoder.
func WithDecoder(decode func(string) (decodepay.Bolt11, error)) Option {
	return func(e *Engine) {
		e.decode = decode
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

func defaultDecoder(invoice string) (decodepay.Bolt11, error) {
	return actors.DecodeInvoice(invoice)
}
