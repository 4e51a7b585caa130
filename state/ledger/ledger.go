package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/spf13/viper"
	"portal/engine/library"
)

var (
	ErrNotFound         = library.Kind(library.ErrValidation, "not found in ledger")
	ErrDuplicateInvoice = library.Kind(library.ErrValidation, "invoice is already recorded")
	ErrHistoryOrder     = library.Kind(library.ErrValidation, "invoice history must start with pending")
)

// Ledger persists invoices, their status history, activities and subscriptions.
type Ledger struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (or creates) the sqlite database at path. Use ":memory:" for a throwaway ledger.
func Open(ctx context.Context, path string) (*Ledger, error) {
	if path == "" {
		return nil, fmt.Errorf("database path cannot be empty")
	}
	dsn := path + "?_journal_mode=WAL&_synchronous=NORMAL&_foreign_keys=on"
	if path == ":memory:" {
		dsn = path + "?_foreign_keys=on"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, library.Storage("open database", err)
	}
	// sqlite allows one writer, and every :memory: connection is its own database
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, library.Storage("ping database", err)
	}
	l := &Ledger{db: db, now: time.Now}
	if err := l.initSchema(ctx); err != nil {
		db.Close()
		return nil, library.Storage("initialize schema", err)
	}
	library.LogCLI("Ledger opened at "+path, 4)
	return l, nil
}

// OpenFromConfig opens the ledger at <rootDir>/<databaseFile>.
func OpenFromConfig(ctx context.Context, conf *viper.Viper) (*Ledger, error) {
	return Open(ctx, filepath.Join(conf.GetString("rootDir"), conf.GetString("databaseFile")))
}

func (l *Ledger) Close() {
	if err := l.db.Close(); err != nil {
		library.LogCLI("Failed to close ledger: "+err.Error(), 2)
	}
}

func (l *Ledger) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS invoices (
		invoice TEXT PRIMARY KEY,
		payment_hash TEXT NOT NULL,
		request_id TEXT NOT NULL DEFAULT '',
		amount_msat INTEGER NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		verify_url TEXT NOT NULL DEFAULT '',
		expires_at INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_invoices_request_id ON invoices(request_id);
	CREATE INDEX IF NOT EXISTS idx_invoices_payment_hash ON invoices(payment_hash);

	CREATE TABLE IF NOT EXISTS payment_status_history (
		invoice TEXT NOT NULL REFERENCES invoices(invoice),
		seq INTEGER NOT NULL,
		status TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (invoice, seq)
	);

	CREATE TABLE IF NOT EXISTS activities (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		service_key TEXT NOT NULL,
		service_name TEXT NOT NULL DEFAULT '',
		amount INTEGER NOT NULL,
		amount_msat INTEGER NOT NULL DEFAULT 0,
		currency TEXT NOT NULL,
		status TEXT NOT NULL,
		invoice TEXT NOT NULL DEFAULT '',
		refund_invoice TEXT,
		refund_request_id TEXT,
		subscription_id TEXT,
		request_id TEXT NOT NULL UNIQUE,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_activities_invoice ON activities(invoice);
	CREATE INDEX IF NOT EXISTS idx_activities_refund_invoice ON activities(refund_invoice);

	CREATE TABLE IF NOT EXISTS subscriptions (
		id TEXT PRIMARY KEY,
		service_key TEXT NOT NULL,
		service_name TEXT NOT NULL DEFAULT '',
		amount INTEGER NOT NULL,
		currency TEXT NOT NULL,
		calendar TEXT NOT NULL,
		first_payment_due INTEGER NOT NULL,
		until INTEGER,
		max_payments INTEGER,
		last_payment_date INTEGER,
		payments_made INTEGER NOT NULL DEFAULT 0,
		request_id TEXT NOT NULL UNIQUE,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS processed_requests (
		request_id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		processed_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS ecash_proofs (
		secret TEXT PRIMARY KEY,
		mint_url TEXT NOT NULL,
		unit TEXT NOT NULL,
		keyset_id TEXT NOT NULL,
		amount INTEGER NOT NULL,
		c TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_ecash_proofs_mint ON ecash_proofs(mint_url, unit);
	`
	_, err := l.db.ExecContext(ctx, schema)
	return err
}

// CreateInvoice records inv together with the first, pending, history entry.
func (l *Ledger) CreateInvoice(ctx context.Context, inv Invoice) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return library.Storage("begin transaction", err)
	}
	defer tx.Rollback()
	now := l.now()
	var expires int64
	if !inv.ExpiresAt.IsZero() {
		expires = inv.ExpiresAt.Unix()
	}
	_, err = tx.ExecContext(ctx, queryInsertInvoice, inv.Invoice, inv.PaymentHash, inv.RequestID, inv.AmountMsat,
		inv.Description, inv.VerifyURL, expires, now.Unix())
	if err != nil {
		if isConstraint(err) {
			return fmt.Errorf("%w: %s", ErrDuplicateInvoice, inv.Invoice)
		}
		return library.Storage("insert invoice", err)
	}
	if _, err := tx.ExecContext(ctx, queryInsertStatus, inv.Invoice, 1, StatusPending, now.Unix()); err != nil {
		return library.Storage("insert status", err)
	}
	if err := tx.Commit(); err != nil {
		return library.Storage("commit invoice", err)
	}
	return nil
}

func (l *Ledger) GetInvoice(ctx context.Context, invoice string) (Invoice, error) {
	return l.scanInvoice(l.db.QueryRowContext(ctx, queryGetInvoice, invoice), invoice)
}

// InvoiceByRequest returns the most recent invoice created for requestID.
func (l *Ledger) InvoiceByRequest(ctx context.Context, requestID library.RequestID) (Invoice, error) {
	return l.scanInvoice(l.db.QueryRowContext(ctx, queryGetInvoiceByRequest, requestID), requestID)
}

func (l *Ledger) scanInvoice(row *sql.Row, key string) (Invoice, error) {
	var inv Invoice
	var expires, created int64
	var status sql.NullString
	err := row.Scan(&inv.Invoice, &inv.PaymentHash, &inv.RequestID, &inv.AmountMsat, &inv.Description, &inv.VerifyURL, &expires, &created, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return Invoice{}, fmt.Errorf("%w: invoice %s", ErrNotFound, key)
	}
	if err != nil {
		return Invoice{}, library.Storage("get invoice", err)
	}
	if expires > 0 {
		inv.ExpiresAt = time.Unix(expires, 0)
	}
	inv.CreatedAt = time.Unix(created, 0)
	inv.Status = Status(status.String)
	return inv, nil
}

// AppendStatus adds status to the history of invoice. The first entry must be pending, and repeating the latest
// status appends nothing.
func (l *Ledger) AppendStatus(ctx context.Context, invoice string, status Status) (StatusEntry, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return StatusEntry{}, library.Storage("begin transaction", err)
	}
	defer tx.Rollback()
	var seq int64
	var last Status
	err = tx.QueryRowContext(ctx, queryLastStatus, invoice).Scan(&seq, &last)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if status != StatusPending {
			return StatusEntry{}, fmt.Errorf("%w: %s got %s", ErrHistoryOrder, invoice, status)
		}
	case err != nil:
		return StatusEntry{}, library.Storage("read status", err)
	case last == status:
		return StatusEntry{Seq: seq, Status: last}, nil
	}
	entry := StatusEntry{Seq: seq + 1, Status: status, CreatedAt: time.Unix(l.now().Unix(), 0)}
	_, err = tx.ExecContext(ctx, queryInsertStatus, invoice, entry.Seq, status, entry.CreatedAt.Unix())
	if err != nil {
		if isConstraint(err) {
			return StatusEntry{}, fmt.Errorf("%w: invoice %s", ErrNotFound, invoice)
		}
		return StatusEntry{}, library.Storage("insert status", err)
	}
	if err := tx.Commit(); err != nil {
		return StatusEntry{}, library.Storage("commit status", err)
	}
	return entry, nil
}

func (l *Ledger) History(ctx context.Context, invoice string) ([]StatusEntry, error) {
	rows, err := l.db.QueryContext(ctx, queryGetHistory, invoice)
	if err != nil {
		return nil, library.Storage("query history", err)
	}
	defer rows.Close()
	var history []StatusEntry
	for rows.Next() {
		var e StatusEntry
		var created int64
		if err := rows.Scan(&e.Seq, &e.Status, &created); err != nil {
			return nil, library.Storage("scan history", err)
		}
		e.CreatedAt = time.Unix(created, 0)
		history = append(history, e)
	}
	if err := rows.Err(); err != nil {
		return nil, library.Storage("iterate history", err)
	}
	return history, nil
}

// MarkProcessed records requestID and reports false if it had already been recorded.
func (l *Ledger) MarkProcessed(ctx context.Context, requestID library.RequestID, kind string) (bool, error) {
	res, err := l.db.ExecContext(ctx, queryMarkProcessed, requestID, kind, l.now().Unix())
	if err != nil {
		return false, library.Storage("mark processed", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, library.Storage("mark processed", err)
	}
	return n == 1, nil
}

func (l *Ledger) IsProcessed(ctx context.Context, requestID library.RequestID) (bool, error) {
	var n int
	if err := l.db.QueryRowContext(ctx, queryIsProcessed, requestID).Scan(&n); err != nil {
		return false, library.Storage("is processed", err)
	}
	return n > 0, nil
}

func isConstraint(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func stringPtr(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}

func nullTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.Unix(), Valid: true}
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.Unix(n.Int64, 0)
	return &t
}
