package payments

import (
	"context"
	"fmt"

	"github.com/sasha-s/go-deadlock"
	"portal/engine/library"
	"portal/state/ledger"
)

type State = ledger.Status

// Created is a payment that has not been recorded yet. Every other state is a ledger status.
const Created State = "created"

var ErrInvalidTransition = library.Kind(library.ErrValidation, "invalid payment state transition")

var transitions = map[State][]State{
	Created:                    {ledger.StatusPending, ledger.StatusFailed},
	ledger.StatusPending:       {ledger.StatusPaid, ledger.StatusFailed, ledger.StatusExpired, ledger.StatusRefundStarted},
	ledger.StatusPaid:          {ledger.StatusRefundStarted, ledger.StatusFailed},
	ledger.StatusRefundStarted: {ledger.StatusRefunded, ledger.StatusFailed},
}

// CanTransition reports whether a payment may move from one state to another.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Machine drives one invoice through its states, appending every transition to the ledger history.
type Machine struct {
	mu      *deadlock.Mutex
	ledger  *ledger.Ledger
	invoice ledger.Invoice
	state   State
}

// NewMachine starts a machine in Created for an invoice that is not in the ledger yet.
func NewMachine(l *ledger.Ledger, invoice ledger.Invoice) *Machine {
	return &Machine{mu: &deadlock.Mutex{}, ledger: l, invoice: invoice, state: Created}
}

// ResumeMachine continues from the latest recorded status of invoice.
func ResumeMachine(ctx context.Context, l *ledger.Ledger, invoice string) (*Machine, error) {
	inv, err := l.GetInvoice(ctx, invoice)
	if err != nil {
		return nil, err
	}
	return &Machine{mu: &deadlock.Mutex{}, ledger: l, invoice: inv, state: inv.Status}, nil
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Machine) Invoice() ledger.Invoice {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.invoice
}

// Transition moves to state to. Paid can only be reached through Settle.
func (m *Machine) Transition(ctx context.Context, to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if to == ledger.StatusPaid {
		return fmt.Errorf("%w: settle %s to mark it paid", ErrInvalidTransition, m.invoice.Invoice)
	}
	return m.transition(ctx, to)
}

// Settle marks a pending invoice paid. The settled amount must equal the requested amount exactly,
// otherwise the machine stays pending.
func (m *Machine) Settle(ctx context.Context, settledMsat int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == ledger.StatusPaid {
		return nil
	}
	if !CanTransition(m.state, ledger.StatusPaid) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, m.state, ledger.StatusPaid)
	}
	if settledMsat != m.invoice.AmountMsat {
		return fmt.Errorf("%w: settled %d msat, requested %d msat", ErrAmountMismatch, settledMsat, m.invoice.AmountMsat)
	}
	return m.transition(ctx, ledger.StatusPaid)
}

func (m *Machine) transition(ctx context.Context, to State) error {
	if !CanTransition(m.state, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, m.state, to)
	}
	if m.state == Created {
		if err := m.ledger.CreateInvoice(ctx, m.invoice); err != nil {
			return err
		}
		m.state = ledger.StatusPending
		if to == ledger.StatusPending {
			return nil
		}
	}
	if _, err := m.ledger.AppendStatus(ctx, m.invoice.Invoice, to); err != nil {
		return err
	}
	m.state = to
	return nil
}
