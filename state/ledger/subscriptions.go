package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"portal/engine/library"
)

var ErrDuplicateSubscription = library.Kind(library.ErrValidation, "a subscription already exists for this request")

func (l *Ledger) CreateSubscription(ctx context.Context, s Subscription) (Subscription, error) {
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Unix(l.now().Unix(), 0)
	}
	var maxPayments sql.NullInt64
	if s.MaxPayments != nil {
		maxPayments = sql.NullInt64{Int64: int64(*s.MaxPayments), Valid: true}
	}
	_, err := l.db.ExecContext(ctx, queryInsertSubscription, s.ID, s.ServiceKey, s.ServiceName, s.Amount, s.Currency,
		s.Calendar, s.FirstPaymentDue.Unix(), nullTime(s.Until), maxPayments, s.RequestID, s.CreatedAt.Unix())
	if err != nil {
		if isConstraint(err) {
			return Subscription{}, fmt.Errorf("%w: %s", ErrDuplicateSubscription, s.RequestID)
		}
		return Subscription{}, library.Storage("insert subscription", err)
	}
	s.LastPaymentDate = nil
	s.PaymentsMade = 0
	return s, nil
}

func (l *Ledger) GetSubscription(ctx context.Context, id string) (Subscription, error) {
	return scanSubscription(l.db.QueryRowContext(ctx, queryGetSubscription, id), id)
}

func (l *Ledger) Subscriptions(ctx context.Context) ([]Subscription, error) {
	rows, err := l.db.QueryContext(ctx, queryListSubscriptions)
	if err != nil {
		return nil, library.Storage("query subscriptions", err)
	}
	defer rows.Close()
	var subs []Subscription
	for rows.Next() {
		s, err := scanSubscription(rows, "")
		if err != nil {
			return nil, err
		}
		subs = append(subs, s)
	}
	if err := rows.Err(); err != nil {
		return nil, library.Storage("iterate subscriptions", err)
	}
	return subs, nil
}

// RecordSubscriptionPayment counts one more payment made at.
func (l *Ledger) RecordSubscriptionPayment(ctx context.Context, id string, at time.Time) error {
	res, err := l.db.ExecContext(ctx, queryRecordSubscriptionPayment, at.Unix(), id)
	if err != nil {
		return library.Storage("record subscription payment", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return library.Storage("rows affected", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: subscription %s", ErrNotFound, id)
	}
	return nil
}

func scanSubscription(row scanner, key string) (Subscription, error) {
	var s Subscription
	var first, created int64
	var until, last, maxPayments sql.NullInt64
	err := row.Scan(&s.ID, &s.ServiceKey, &s.ServiceName, &s.Amount, &s.Currency, &s.Calendar, &first,
		&until, &maxPayments, &last, &s.PaymentsMade, &s.RequestID, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Subscription{}, fmt.Errorf("%w: subscription %s", ErrNotFound, key)
	}
	if err != nil {
		return Subscription{}, library.Storage("get subscription", err)
	}
	s.FirstPaymentDue = time.Unix(first, 0)
	s.Until = timePtr(until)
	s.LastPaymentDate = timePtr(last)
	if maxPayments.Valid {
		m := int(maxPayments.Int64)
		s.MaxPayments = &m
	}
	s.CreatedAt = time.Unix(created, 0)
	return s, nil
}
