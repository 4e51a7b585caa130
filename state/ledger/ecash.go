package ledger

import (
	"context"
	"time"

	"portal/engine/library"
)

// RecordBurn marks key processed and stores the proofs the mint issued for it, in one transaction.
func (l *Ledger) RecordBurn(ctx context.Context, key string, proofs []Proof) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return library.Storage("begin transaction", err)
	}
	defer tx.Rollback()
	now := l.now().Unix()
	if _, err := tx.ExecContext(ctx, queryMarkProcessed, key, "cashu_burn", now); err != nil {
		return library.Storage("mark burned", err)
	}
	for _, p := range proofs {
		if _, err := tx.ExecContext(ctx, queryInsertProof, p.Secret, p.MintURL, p.Unit, p.KeysetID, p.Amount, p.C, now); err != nil {
			return library.Storage("insert proof", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return library.Storage("commit burn", err)
	}
	return nil
}

// Proofs returns the stored ecash for mintURL in unit, oldest first.
func (l *Ledger) Proofs(ctx context.Context, mintURL, unit string) ([]Proof, error) {
	rows, err := l.db.QueryContext(ctx, queryListProofs, mintURL, unit)
	if err != nil {
		return nil, library.Storage("list proofs", err)
	}
	defer rows.Close()
	var proofs []Proof
	for rows.Next() {
		var p Proof
		var created int64
		if err := rows.Scan(&p.Secret, &p.MintURL, &p.Unit, &p.KeysetID, &p.Amount, &p.C, &created); err != nil {
			return nil, library.Storage("scan proof", err)
		}
		p.CreatedAt = time.Unix(created, 0)
		proofs = append(proofs, p)
	}
	if err := rows.Err(); err != nil {
		return nil, library.Storage("list proofs", err)
	}
	return proofs, nil
}
