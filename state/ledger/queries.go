package ledger

const (
	// Invoice queries
	queryInsertInvoice = `
		INSERT INTO invoices (invoice, payment_hash, request_id, amount_msat, description, verify_url, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	querySelectInvoice = `
		SELECT i.invoice, i.payment_hash, i.request_id, i.amount_msat, i.description, i.verify_url, i.expires_at, i.created_at,
		       (SELECT h.status FROM payment_status_history h WHERE h.invoice = i.invoice ORDER BY h.seq DESC LIMIT 1)
		FROM invoices i`

	queryGetInvoice = querySelectInvoice + `
		WHERE i.invoice = ?`

	queryGetInvoiceByRequest = querySelectInvoice + `
		WHERE i.request_id = ?
		ORDER BY i.created_at DESC
		LIMIT 1`

	queryLastStatus = `
		SELECT seq, status FROM payment_status_history
		WHERE invoice = ?
		ORDER BY seq DESC
		LIMIT 1`

	queryInsertStatus = `
		INSERT INTO payment_status_history (invoice, seq, status, created_at) VALUES (?, ?, ?, ?)`

	queryGetHistory = `
		SELECT seq, status, created_at FROM payment_status_history
		WHERE invoice = ?
		ORDER BY seq`

	// Activity queries
	queryInsertActivity = `
		INSERT INTO activities (id, type, service_key, service_name, amount, amount_msat, currency, status, invoice,
			refund_invoice, refund_request_id, subscription_id, request_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	querySelectActivity = `
		SELECT id, type, service_key, service_name, amount, amount_msat, currency, status, invoice,
			refund_invoice, refund_request_id, subscription_id, request_id, created_at, updated_at
		FROM activities`

	queryGetActivity = querySelectActivity + `
		WHERE id = ?`

	queryGetActivityByRequest = querySelectActivity + `
		WHERE request_id = ?`

	queryGetActivityByInvoice = querySelectActivity + `
		WHERE invoice = ?`

	queryListActivities = querySelectActivity + `
		ORDER BY created_at DESC, id
		LIMIT ?`

	queryUpdateActivityStatus = `
		UPDATE activities SET status = ?, updated_at = ? WHERE id = ?`

	queryReserveRefund = `
		UPDATE activities SET refund_request_id = ?, status = 'pending', updated_at = ?
		WHERE id = ? AND refund_request_id IS NULL AND status IN ('pending', 'paid')`

	querySetRefundInvoice = `
		UPDATE activities SET refund_invoice = ?, updated_at = ?
		WHERE id = ? AND refund_request_id = ?`

	queryReleaseRefund = `
		UPDATE activities SET refund_request_id = NULL, refund_invoice = NULL, status = ?, updated_at = ?
		WHERE id = ? AND refund_request_id = ?`

	queryGetActivityByRefundInvoice = querySelectActivity + `
		WHERE refund_invoice = ?`

	// Subscription queries
	queryInsertSubscription = `
		INSERT INTO subscriptions (id, service_key, service_name, amount, currency, calendar, first_payment_due,
			until, max_payments, last_payment_date, payments_made, request_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, 0, ?, ?)`

	querySelectSubscription = `
		SELECT id, service_key, service_name, amount, currency, calendar, first_payment_due,
			until, max_payments, last_payment_date, payments_made, request_id, created_at
		FROM subscriptions`

	queryGetSubscription = querySelectSubscription + `
		WHERE id = ?`

	queryListSubscriptions = querySelectSubscription + `
		ORDER BY created_at, id`

	queryRecordSubscriptionPayment = `
		UPDATE subscriptions SET payments_made = payments_made + 1, last_payment_date = ?
		WHERE id = ?`

	// Processed request queries
	queryMarkProcessed = `
		INSERT OR IGNORE INTO processed_requests (request_id, type, processed_at) VALUES (?, ?, ?)`

	queryIsProcessed = `
		SELECT COUNT(*) FROM processed_requests WHERE request_id = ?`

	// Ecash queries
	queryInsertProof = `
		INSERT INTO ecash_proofs (secret, mint_url, unit, keyset_id, amount, c, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	queryListProofs = `
		SELECT secret, mint_url, unit, keyset_id, amount, c, created_at FROM ecash_proofs
		WHERE mint_url = ? AND unit = ?
		ORDER BY created_at, secret`
)
