package payments

import (
	"fmt"
	"strings"
	"time"

	"portal/engine/library"
	"portal/state/ledger"
)

var (
	ErrUnknownCalendar       = library.Kind(library.ErrValidation, "unknown recurrence calendar")
	ErrPaymentNotDue         = library.Kind(library.ErrValidation, "subscription payment is not due yet")
	ErrSubscriptionEnded     = library.Kind(library.ErrValidation, "subscription has ended")
	ErrSubscriptionExhausted = library.Kind(library.ErrValidation, "subscription has no payments left")
	ErrNotSubscribed         = library.Kind(library.ErrValidation, "subscription belongs to another service")
)

type Calendar string

const (
	Daily     Calendar = "daily"
	Weekly    Calendar = "weekly"
	Monthly   Calendar = "monthly"
	Quarterly Calendar = "quarterly"
	Yearly    Calendar = "yearly"
)

func ParseCalendar(s string) (Calendar, error) {
	c := Calendar(strings.ToLower(strings.TrimSpace(s)))
	switch c {
	case Daily, Weekly, Monthly, Quarterly, Yearly:
		return c, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownCalendar, s)
}

// step returns the k-th due date after first. Counting from first keeps month ends from drifting.
func (c Calendar) step(first time.Time, k int) time.Time {
	switch c {
	case Daily:
		return first.AddDate(0, 0, k)
	case Weekly:
		return first.AddDate(0, 0, 7*k)
	case Monthly:
		return first.AddDate(0, k, 0)
	case Quarterly:
		return first.AddDate(0, 3*k, 0)
	case Yearly:
		return first.AddDate(k, 0, 0)
	}
	return first
}

// NextDue is the first due date if nothing was paid yet or it is still in the future, otherwise the first
// calendar step after the last payment.
func NextDue(s ledger.Subscription, now time.Time) (time.Time, error) {
	if s.LastPaymentDate == nil || s.FirstPaymentDue.After(now) {
		return s.FirstPaymentDue, nil
	}
	c, err := ParseCalendar(s.Calendar)
	if err != nil {
		return time.Time{}, err
	}
	for k := 1; ; k++ {
		due := c.step(s.FirstPaymentDue, k)
		if due.After(*s.LastPaymentDate) {
			return due, nil
		}
	}
}

// ValidateSubscriptionPayment checks that a payment of amount in currency is allowed on s at now.
func ValidateSubscriptionPayment(s ledger.Subscription, amount int64, currency Currency, now time.Time) error {
	if Currency(s.Currency) != currency {
		return fmt.Errorf("%w: subscription is in %s, payment in %s", ErrCurrencyMismatch, s.Currency, currency)
	}
	if s.Amount != amount {
		return fmt.Errorf("%w: subscription is %d, payment is %d", ErrAmountMismatch, s.Amount, amount)
	}
	if s.MaxPayments != nil && s.PaymentsMade >= *s.MaxPayments {
		return fmt.Errorf("%w: %d of %d made", ErrSubscriptionExhausted, s.PaymentsMade, *s.MaxPayments)
	}
	if s.Until != nil && now.After(*s.Until) {
		return fmt.Errorf("%w: on %s", ErrSubscriptionEnded, s.Until.Format(time.RFC3339))
	}
	due, err := NextDue(s, now)
	if err != nil {
		return err
	}
	if now.Before(due) {
		return fmt.Errorf("%w: next payment due %s", ErrPaymentNotDue, due.Format(time.RFC3339))
	}
	return nil
}
