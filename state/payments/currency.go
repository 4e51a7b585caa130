package payments

import (
	"fmt"
	"strings"

	"portal/engine/library"
)

type Currency string

const (
	MSAT Currency = "MSAT"
	SAT  Currency = "SAT"
	USD  Currency = "USD"
	EUR  Currency = "EUR"
)

var (
	ErrUnknownCurrency  = library.Kind(library.ErrValidation, "unknown currency")
	ErrAmountMismatch   = library.Kind(library.ErrValidation, "amount does not match")
	ErrCurrencyMismatch = library.Kind(library.ErrValidation, "currency does not match")
)

// NormalizeCurrency maps the currency names services send onto the closed set we account in.
func NormalizeCurrency(s string) (Currency, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "MSAT", "MSATS", "MILLISAT", "MILLISATS", "MILLISATOSHI", "MILLISATOSHIS":
		return MSAT, nil
	case "SAT", "SATS", "SATOSHI", "SATOSHIS":
		return SAT, nil
	case "USD":
		return USD, nil
	case "EUR":
		return EUR, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownCurrency, s)
}

// Lightning reports whether amounts in c can be compared with invoice amounts.
func (c Currency) Lightning() bool {
	return c == MSAT || c == SAT
}

// ToMsat converts a lightning denominated amount to millisatoshis.
func ToMsat(amount int64, c Currency) (int64, error) {
	switch c {
	case MSAT:
		return amount, nil
	case SAT:
		return amount * 1000, nil
	}
	return 0, fmt.Errorf("%w: %s has no fixed millisatoshi value", ErrCurrencyMismatch, c)
}

// displayAmount is how an amount is recorded on an activity. Millisatoshi amounts are recorded in sats.
func displayAmount(amount int64, c Currency) (int64, Currency) {
	if c == MSAT {
		return amount / 1000, SAT
	}
	return amount, c
}
