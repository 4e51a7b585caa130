package ledger

import (
	"time"

	"portal/engine/library"
)

type Status string

const (
	StatusPending       Status = "pending"
	StatusPaid          Status = "paid"
	StatusFailed        Status = "failed"
	StatusExpired       Status = "expired"
	StatusRefundStarted Status = "refund_started"
	StatusRefunded      Status = "refunded"
)

type Invoice struct {
	Invoice     string
	PaymentHash string
	RequestID   library.RequestID
	AmountMsat  int64
	Description string
	// VerifyURL is the LUD-21 url used to check settlement, if the invoice came from an LNURL service.
	VerifyURL string
	ExpiresAt time.Time
	CreatedAt time.Time
	// Status is the latest history entry.
	Status Status
}

// StatusEntry is one row of an invoice's append-only history.
type StatusEntry struct {
	Seq       int64
	Status    Status
	CreatedAt time.Time
}

type ActivityType string

const (
	ActivityPayment             ActivityType = "payment"
	ActivitySubscriptionPayment ActivityType = "subscription_payment"
	ActivityTicket              ActivityType = "ticket"
)

type Activity struct {
	ID          string
	Type        ActivityType
	ServiceKey  library.Account
	ServiceName string
	// Amount is in sats for lightning payments, in the smallest unit of Currency otherwise.
	Amount          int64
	AmountMsat      int64
	Currency        string
	Status          Status
	Invoice         string
	RefundInvoice   *string
	RefundRequestID *string
	SubscriptionID  *string
	RequestID       library.RequestID
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// RefundInFlight reports whether a refund has been reserved and not finished.
func (a Activity) RefundInFlight() bool {
	return a.RefundRequestID != nil && a.Status == StatusPending
}

type Subscription struct {
	ID              string
	ServiceKey      library.Account
	ServiceName     string
	Amount          int64
	Currency        string
	Calendar        string
	FirstPaymentDue time.Time
	Until           *time.Time
	MaxPayments     *int
	LastPaymentDate *time.Time
	PaymentsMade    int
	RequestID       library.RequestID
	CreatedAt       time.Time
}

// Proof is ecash received from a mint, kept until it is spent.
type Proof struct {
	Secret    string
	MintURL   string
	Unit      string
	KeysetID  string
	Amount    uint64
	C         string
	CreatedAt time.Time
}
