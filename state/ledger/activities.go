package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"portal/engine/library"
)

var (
	ErrDuplicateActivity       = library.Kind(library.ErrValidation, "an activity already exists for this request")
	ErrRefundAlreadyInProgress = library.Kind(library.ErrValidation, "a refund is already in progress")
	ErrAlreadyRefunded         = library.Kind(library.ErrValidation, "activity is already refunded")
	ErrNotRefundable           = library.Kind(library.ErrValidation, "activity cannot be refunded in its current status")
)

func (l *Ledger) CreateActivity(ctx context.Context, a Activity) (Activity, error) {
	now := time.Unix(l.now().Unix(), 0)
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	_, err := l.db.ExecContext(ctx, queryInsertActivity, a.ID, a.Type, a.ServiceKey, a.ServiceName, a.Amount, a.AmountMsat,
		a.Currency, a.Status, a.Invoice, nullString(a.RefundInvoice), nullString(a.RefundRequestID),
		nullString(a.SubscriptionID), a.RequestID, a.CreatedAt.Unix(), a.UpdatedAt.Unix())
	if err != nil {
		if isConstraint(err) {
			return Activity{}, fmt.Errorf("%w: %s", ErrDuplicateActivity, a.RequestID)
		}
		return Activity{}, library.Storage("insert activity", err)
	}
	return a, nil
}

func (l *Ledger) GetActivity(ctx context.Context, id string) (Activity, error) {
	return scanActivity(l.db.QueryRowContext(ctx, queryGetActivity, id), id)
}

func (l *Ledger) ActivityByRequest(ctx context.Context, requestID library.RequestID) (Activity, error) {
	return scanActivity(l.db.QueryRowContext(ctx, queryGetActivityByRequest, requestID), requestID)
}

func (l *Ledger) ActivityByInvoice(ctx context.Context, invoice string) (Activity, error) {
	return scanActivity(l.db.QueryRowContext(ctx, queryGetActivityByInvoice, invoice), invoice)
}

// ActivityByRefundInvoice finds the activity a refund invoice was issued for.
func (l *Ledger) ActivityByRefundInvoice(ctx context.Context, invoice string) (Activity, error) {
	return scanActivity(l.db.QueryRowContext(ctx, queryGetActivityByRefundInvoice, invoice), invoice)
}

// Activities returns the most recent activities first.
func (l *Ledger) Activities(ctx context.Context, limit int) ([]Activity, error) {
	rows, err := l.db.QueryContext(ctx, queryListActivities, limit)
	if err != nil {
		return nil, library.Storage("query activities", err)
	}
	defer rows.Close()
	var activities []Activity
	for rows.Next() {
		a, err := scanActivity(rows, "")
		if err != nil {
			return nil, err
		}
		activities = append(activities, a)
	}
	if err := rows.Err(); err != nil {
		return nil, library.Storage("iterate activities", err)
	}
	return activities, nil
}

func (l *Ledger) SetActivityStatus(ctx context.Context, id string, status Status) error {
	res, err := l.db.ExecContext(ctx, queryUpdateActivityStatus, status, l.now().Unix(), id)
	if err != nil {
		return library.Storage("update activity", err)
	}
	return requireOne(res, id)
}

// ReserveRefund atomically marks the activity as having a refund in flight for refundRequestID.
// It returns replay=true without changing anything if refundRequestID already holds the reservation.
func (l *Ledger) ReserveRefund(ctx context.Context, id string, refundRequestID library.RequestID) (replay bool, err error) {
	res, err := l.db.ExecContext(ctx, queryReserveRefund, refundRequestID, l.now().Unix(), id)
	if err != nil {
		return false, library.Storage("reserve refund", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, library.Storage("reserve refund", err)
	}
	if n == 1 {
		return false, nil
	}
	a, err := l.GetActivity(ctx, id)
	if err != nil {
		return false, err
	}
	switch {
	case a.RefundRequestID != nil && *a.RefundRequestID == refundRequestID:
		return true, nil
	case a.Status == StatusRefunded:
		return false, fmt.Errorf("%w: %s", ErrAlreadyRefunded, id)
	case a.RefundRequestID != nil:
		return false, fmt.Errorf("%w: %s", ErrRefundAlreadyInProgress, id)
	}
	return false, fmt.Errorf("%w: %s is %s", ErrNotRefundable, id, a.Status)
}

// SetRefundInvoice stores the invoice created for the refund reserved by refundRequestID.
func (l *Ledger) SetRefundInvoice(ctx context.Context, id string, refundRequestID library.RequestID, invoice string) error {
	res, err := l.db.ExecContext(ctx, querySetRefundInvoice, invoice, l.now().Unix(), id, refundRequestID)
	if err != nil {
		if isConstraint(err) {
			return fmt.Errorf("%w: %s", ErrDuplicateInvoice, invoice)
		}
		return library.Storage("set refund invoice", err)
	}
	return requireOne(res, id)
}

// ReleaseRefund drops a reservation that could not be completed and puts the activity back to status.
func (l *Ledger) ReleaseRefund(ctx context.Context, id string, refundRequestID library.RequestID, status Status) error {
	res, err := l.db.ExecContext(ctx, queryReleaseRefund, status, l.now().Unix(), id, refundRequestID)
	if err != nil {
		return library.Storage("release refund", err)
	}
	return requireOne(res, id)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanActivity(row scanner, key string) (Activity, error) {
	var a Activity
	var refundInvoice, refundRequest, subscription sql.NullString
	var created, updated int64
	err := row.Scan(&a.ID, &a.Type, &a.ServiceKey, &a.ServiceName, &a.Amount, &a.AmountMsat, &a.Currency, &a.Status,
		&a.Invoice, &refundInvoice, &refundRequest, &subscription, &a.RequestID, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Activity{}, fmt.Errorf("%w: activity %s", ErrNotFound, key)
	}
	if err != nil {
		return Activity{}, library.Storage("get activity", err)
	}
	a.RefundInvoice = stringPtr(refundInvoice)
	a.RefundRequestID = stringPtr(refundRequest)
	a.SubscriptionID = stringPtr(subscription)
	a.CreatedAt = time.Unix(created, 0)
	a.UpdatedAt = time.Unix(updated, 0)
	return a, nil
}

func requireOne(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return library.Storage("rows affected", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: activity %s", ErrNotFound, id)
	}
	return nil
}
